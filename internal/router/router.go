package router

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/kiwari-pos/settlement/internal/balance"
	"github.com/kiwari-pos/settlement/internal/config"
	"github.com/kiwari-pos/settlement/internal/handler"
	"github.com/kiwari-pos/settlement/internal/inventory"
	"github.com/kiwari-pos/settlement/internal/logger"
	"github.com/kiwari-pos/settlement/internal/metrics"
	mw "github.com/kiwari-pos/settlement/internal/middleware"
	"github.com/kiwari-pos/settlement/internal/service"
	"github.com/kiwari-pos/settlement/internal/table"
	"github.com/kiwari-pos/settlement/internal/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Pinger reports database reachability for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps carries the wired components the routes are served from.
type Deps struct {
	Orders    *service.OrderService
	Inventory *inventory.Reconciler
	Ledger    *balance.Ledger
	Tables    *table.Machine
	Hub       *ws.Hub
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	DB        Pinger
}

// New creates the HTTP handler with all application routes wired up.
func New(cfg *config.Config, d Deps) http.Handler {
	r := chi.NewRouter()

	// Standard middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(mw.AccessLog(d.Metrics))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // 5 minutes
	}))

	// Public routes
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if d.DB != nil {
			if err := d.DB.Ping(r.Context()); err != nil {
				logger.Error(r.Context()).Err(err).Msg("health check: database unreachable")
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"degraded"}`))
				return
			}
		}
		w.Write([]byte(`{"status":"ok"}`))
	})

	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	// WebSocket route (handles auth internally via query param)
	r.Get("/ws/{topic}", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWS(d.Hub, cfg.JWTSecret, w, r)
	})

	// Protected routes (require authentication)
	r.Group(func(r chi.Router) {
		r.Use(mw.Authenticate(cfg.JWTSecret))

		orderHandler := handler.NewOrderHandler(d.Orders)
		r.Route("/orders", orderHandler.RegisterRoutes)
		r.Route("/settlements", orderHandler.RegisterSettlementRoutes)

		transactionHandler := handler.NewTransactionHandler(d.Orders)
		r.Route("/transactions", transactionHandler.RegisterRoutes)

		counterpartyHandler := handler.NewCounterpartyHandler(d.Orders, d.Ledger)
		r.Route("/customers", counterpartyHandler.RegisterCustomerRoutes)
		r.Route("/suppliers", counterpartyHandler.RegisterSupplierRoutes)
		r.Route("/counterparties", counterpartyHandler.RegisterRoutes)

		tableHandler := handler.NewTableHandler(d.Tables)
		r.Route("/tables", tableHandler.RegisterRoutes)

		inventoryHandler := handler.NewInventoryHandler(d.Inventory)
		r.Route("/inventory", inventoryHandler.RegisterRoutes)
	})

	logger.Logger.Info().Msg("router initialized with all handlers")
	return otelhttp.NewHandler(r, "settlement-api")
}
