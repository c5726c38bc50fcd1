package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiwari-pos/settlement/internal/balance"
	"github.com/kiwari-pos/settlement/internal/config"
	"github.com/kiwari-pos/settlement/internal/database"
	"github.com/kiwari-pos/settlement/internal/events"
	"github.com/kiwari-pos/settlement/internal/inventory"
	"github.com/kiwari-pos/settlement/internal/lock"
	"github.com/kiwari-pos/settlement/internal/logger"
	"github.com/kiwari-pos/settlement/internal/metrics"
	"github.com/kiwari-pos/settlement/internal/router"
	"github.com/kiwari-pos/settlement/internal/service"
	"github.com/kiwari-pos/settlement/internal/table"
	"github.com/kiwari-pos/settlement/internal/tracing"
	"github.com/kiwari-pos/settlement/internal/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

const (
	serviceName    = "settlement-api"
	serviceVersion = "1.0.0"
)

func main() {
	cfg := config.Load()
	logger.Init(serviceName, cfg.IsDevelopment())
	logger.SetLevel(cfg.LogLevel)

	if err := run(cfg); err != nil {
		logger.Logger.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(serviceName, serviceVersion, cfg.JaegerEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx, tp); err != nil {
			logger.Logger.Error().Err(err).Msg("tracer shutdown")
		}
	}()

	// Database
	if err := database.Migrate(cfg.DatabaseURL); err != nil {
		return err
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	logger.Logger.Info().Msg("connected to postgres")

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Workflow locks
	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		locker = lock.NewRedis(rdb, cfg.LockTTL)
		logger.Logger.Info().Str("addr", cfg.RedisAddr).Msg("using redis settlement locks")
	}

	// Realtime fan-out and domain events
	hub := ws.NewHub()
	go hub.Run()

	publishers := events.Multi{events.NewHub(hub)}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopicPrefix)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer kp.Close()
		publishers = append(publishers, kp)
		logger.Logger.Info().Strs("brokers", cfg.KafkaBrokers).Msg("publishing domain events to kafka")
	}

	// Components
	reconciler := inventory.NewReconciler(pool, func(db database.DBTX) inventory.Store { return database.New(db) }, nil)
	ledger := balance.NewLedger(pool, func(db database.DBTX) balance.Store { return database.New(db) }, nil)
	tables := table.NewMachine(pool, func(db database.DBTX) table.Store { return database.New(db) }, hub, nil)
	orders := service.NewOrderService(pool, func(db database.DBTX) service.Store { return database.New(db) }, service.Deps{
		Inventory:   reconciler,
		Ledger:      ledger,
		Tables:      tables,
		Locker:      locker,
		Publisher:   publishers,
		Metrics:     m,
		StepTimeout: cfg.SettleStepTimeout,
	})

	if pending, err := orders.ListPendingSettlements(ctx); err != nil {
		logger.Logger.Warn().Err(err).Msg("could not list pending settlements")
	} else if len(pending) > 0 {
		logger.Logger.Warn().Int("count", len(pending)).Msg("settlements awaiting retry")
	}

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: router.New(cfg, router.Deps{
			Orders:    orders,
			Inventory: reconciler,
			Ledger:    ledger,
			Tables:    tables,
			Hub:       hub,
			Metrics:   m,
			Gatherer:  reg,
			DB:        pool,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Logger.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	logger.Logger.Info().Msg("server stopped")
	return nil
}
