// Package service coordinates the settlement workflows. Each workflow runs
// its steps strictly in order (inventory, invoice, payment, order close and
// table release) and records its progress in a settlement row, so a failure
// after stock has moved leaves a resumable record instead of a half-settled
// order.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiwari-pos/settlement/internal/apperr"
	"github.com/kiwari-pos/settlement/internal/balance"
	"github.com/kiwari-pos/settlement/internal/database"
	"github.com/kiwari-pos/settlement/internal/events"
	"github.com/kiwari-pos/settlement/internal/inventory"
	"github.com/kiwari-pos/settlement/internal/lock"
	"github.com/kiwari-pos/settlement/internal/logger"
	"github.com/kiwari-pos/settlement/internal/metrics"
	"github.com/kiwari-pos/settlement/internal/table"
)

const defaultStepTimeout = 10 * time.Second

// Pool starts transactions and runs queries. Satisfied by *pgxpool.Pool.
type Pool interface {
	database.DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the DB methods the coordinator needs.
// Satisfied by *database.Queries.
type Store interface {
	GetInventoryItem(ctx context.Context, id uuid.UUID) (database.InventoryItem, error)
	CreateOrder(ctx context.Context, arg database.CreateOrderParams) (database.Order, error)
	GetOrder(ctx context.Context, id uuid.UUID) (database.Order, error)
	GetOrderForUpdate(ctx context.Context, id uuid.UUID) (database.Order, error)
	UpdateOrderLines(ctx context.Context, arg database.UpdateOrderLinesParams) (database.Order, error)
	CloseOrder(ctx context.Context, arg database.CloseOrderParams) (database.Order, error)
	GetSettlement(ctx context.Context, key string) (database.Settlement, error)
	CreateSettlement(ctx context.Context, arg database.CreateSettlementParams) (database.Settlement, error)
	UpdateSettlement(ctx context.Context, arg database.UpdateSettlementParams) (database.Settlement, error)
	DeleteSettlement(ctx context.Context, key string) error
	ListSettlementsByStatus(ctx context.Context, status string) ([]database.Settlement, error)
}

// NewStore creates a Store from a DBTX (pool or tx).
type NewStore func(db database.DBTX) Store

// Inventory applies stock deltas. Satisfied by *inventory.Reconciler.
type Inventory interface {
	ApplyBatch(ctx context.Context, deltas []inventory.Delta) (inventory.Result, error)
}

// Ledger records invoices and balance movements. Satisfied by *balance.Ledger.
type Ledger interface {
	Counterparty(ctx context.Context, id uuid.UUID) (database.Counterparty, error)
	RecordInvoice(ctx context.Context, inv database.CreateInvoiceParams) (database.Invoice, error)
	Post(ctx context.Context, e balance.Entry) (balance.Posting, error)
}

// Tables binds and releases tables inside the caller's transaction.
// Satisfied by *table.Machine.
type Tables interface {
	BindWith(ctx context.Context, db database.DBTX, tableID, orderID uuid.UUID, actor string) (table.Transition, error)
	ReleaseWith(ctx context.Context, db database.DBTX, tableID, orderID uuid.UUID, actor string) (table.Transition, error)
	Notify(ctx context.Context, tr table.Transition)
}

// Deps are the collaborators of an OrderService. Publisher, Metrics and Now
// are optional.
type Deps struct {
	Inventory Inventory
	Ledger    Ledger
	Tables    Tables
	Locker    lock.Locker
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Now       func() time.Time
	// StepTimeout bounds each step that runs after inventory has committed.
	StepTimeout time.Duration
}

// OrderService handles order and settlement business logic.
type OrderService struct {
	pool        Pool
	newStore    NewStore
	inventory   Inventory
	ledger      Ledger
	tables      Tables
	locker      lock.Locker
	publisher   events.Publisher
	metrics     *metrics.Metrics
	now         func() time.Time
	stepTimeout time.Duration
}

// NewOrderService creates a new OrderService.
func NewOrderService(pool Pool, newStore NewStore, deps Deps) *OrderService {
	s := &OrderService{
		pool:        pool,
		newStore:    newStore,
		inventory:   deps.Inventory,
		ledger:      deps.Ledger,
		tables:      deps.Tables,
		locker:      deps.Locker,
		publisher:   deps.Publisher,
		metrics:     deps.Metrics,
		now:         deps.Now,
		stepTimeout: deps.StepTimeout,
	}
	if s.locker == nil {
		s.locker = lock.NewLocal()
	}
	if s.publisher == nil {
		s.publisher = events.Noop{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.stepTimeout <= 0 {
		s.stepTimeout = defaultStepTimeout
	}
	return s
}

// acquire takes the per-key workflow lock, waiting at most one step timeout.
func (s *OrderService) acquire(ctx context.Context, key string) (lock.Release, error) {
	ctx, cancel := context.WithTimeout(ctx, s.stepTimeout)
	defer cancel()

	release, err := s.locker.Acquire(ctx, key)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, apperr.Conflict(fmt.Sprintf("%s is being processed, retry shortly", key))
		}
		return nil, apperr.Unavailable("acquire lock", err)
	}
	return release, nil
}

// unlock releases a workflow lock even when ctx is already cancelled.
func unlock(ctx context.Context, key string, release lock.Release) {
	if err := release(context.WithoutCancel(ctx)); err != nil {
		logger.Warn(ctx).Err(err).Str("key", key).Msg("release lock")
	}
}

// publish sends an event after commit. Failures are logged, never returned.
func (s *OrderService) publish(ctx context.Context, e events.Event) {
	if err := s.publisher.Publish(context.WithoutCancel(ctx), e); err != nil {
		logger.Warn(ctx).Err(err).Str("event_type", e.Type).Str("key", e.Key).Msg("publish event")
	}
}

// publishLowStock raises one event per item at or below its minimum.
func (s *OrderService) publishLowStock(ctx context.Context, alerts []inventory.LowStockAlert, actor string) {
	s.metrics.LowStock(len(alerts))
	for _, a := range alerts {
		logger.Warn(ctx).
			Str("item_id", a.ItemID.String()).
			Str("quantity", a.Quantity.String()).
			Str("min_quantity", a.MinQuantity.String()).
			Msg("low stock")
		s.publish(ctx, events.New(events.TypeLowStock, a.ItemID.String(), actor, a))
	}
}

func orderKey(id uuid.UUID) string    { return "order:" + id.String() }
func purchaseKey(id uuid.UUID) string { return "purchase:" + id.String() }
func saleKey(id uuid.UUID) string     { return "sale:" + id.String() }

// invoiceForOrder derives the sale invoice id of an order so every retry of
// a settlement records the same invoice.
func invoiceForOrder(orderID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("kiwari-pos/order-invoice/"+orderID.String()))
}

func orderErr(err error, id uuid.UUID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("order", id)
	}
	return apperr.Unavailable("get order", err)
}
