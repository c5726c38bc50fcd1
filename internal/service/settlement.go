package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/settlement/internal/apperr"
	"github.com/kiwari-pos/settlement/internal/balance"
	"github.com/kiwari-pos/settlement/internal/database"
	"github.com/kiwari-pos/settlement/internal/enum"
	"github.com/kiwari-pos/settlement/internal/events"
	"github.com/kiwari-pos/settlement/internal/inventory"
	"github.com/kiwari-pos/settlement/internal/ledger"
	"github.com/kiwari-pos/settlement/internal/logger"
	"github.com/kiwari-pos/settlement/internal/metrics"
	"github.com/kiwari-pos/settlement/internal/table"
	"github.com/shopspring/decimal"
)

// Step names reported in settlement progress and reconciliation errors.
const (
	StepInventory = "inventory"
	StepInvoice   = "invoice"
	StepPayment   = "payment"
	StepOrder     = "order"
	StepTable     = "table"
	StepProgress  = "progress"
)

// plan is everything a settlement needs to run to completion. It is stored
// as the settlement snapshot, so a retry replays exactly what the first
// attempt computed.
type plan struct {
	Key            string                       `json:"key"`
	Kind           string                       `json:"kind"`
	OrderID        uuid.UUID                    `json:"order_id,omitempty"`
	TableID        uuid.UUID                    `json:"table_id,omitempty"`
	InvoiceID      uuid.UUID                    `json:"invoice_id"`
	CounterpartyID uuid.UUID                    `json:"counterparty_id,omitempty"`
	Mode           string                       `json:"payment_mode"`
	PartialValue   decimal.Decimal              `json:"partial_value"`
	Amounts        ledger.Result                `json:"amounts"`
	Deltas         []inventory.Delta            `json:"deltas"`
	Invoice        database.CreateInvoiceParams `json:"invoice"`
	Entry          balance.Entry                `json:"entry"`
	Event          string                       `json:"event"`
	Actor          string                       `json:"actor"`
}

// sameRequest reports whether a retry asks for the settlement already on
// record.
func (p plan) sameRequest(other plan) bool {
	return p.Mode == other.Mode &&
		p.PartialValue.Equal(other.PartialValue) &&
		p.CounterpartyID == other.CounterpartyID &&
		p.Amounts.Total.Equal(other.Amounts.Total)
}

// SettlementResult describes a finished (or replayed) settlement.
type SettlementResult struct {
	Key       string                    `json:"key"`
	Kind      string                    `json:"kind"`
	Status    string                    `json:"status"`
	InvoiceID uuid.UUID                 `json:"invoice_id"`
	Amounts   ledger.Result             `json:"amounts"`
	Order     *database.Order           `json:"-"`
	LowStock  []inventory.LowStockAlert `json:"low_stock,omitempty"`
	Replayed  bool                      `json:"replayed"`
}

func resultFor(p plan, status string) SettlementResult {
	return SettlementResult{
		Key:       p.Key,
		Kind:      p.Kind,
		Status:    status,
		InvoiceID: p.InvoiceID,
		Amounts:   p.Amounts,
	}
}

// settle runs p under its settlement record. The caller holds the workflow
// lock for p.Key.
func (s *OrderService) settle(ctx context.Context, p plan) (SettlementResult, error) {
	start := time.Now()

	rec, stored, err := s.claim(ctx, p)
	if err != nil {
		s.metrics.ObserveSettlement(p.Kind, metrics.OutcomeRejected, time.Since(start))
		return SettlementResult{}, err
	}
	if rec.Status == enum.SettlementStatusCompleted {
		res := resultFor(stored, rec.Status)
		res.Replayed = true
		s.metrics.ObserveSettlement(p.Kind, metrics.OutcomeReplayed, time.Since(start))
		return res, nil
	}
	if rec.InventoryApplied {
		logger.Info(ctx).Str("key", rec.Key).Strs("completed", completedSteps(rec)).Msg("resuming settlement")
	}

	res, err := s.run(ctx, stored, rec)
	switch {
	case err == nil:
		s.metrics.ObserveSettlement(p.Kind, metrics.OutcomeCompleted, time.Since(start))
	case apperr.Is(err, apperr.KindReconciliation):
		s.metrics.ObserveSettlement(p.Kind, metrics.OutcomePending, time.Since(start))
	default:
		s.metrics.ObserveSettlement(p.Kind, metrics.OutcomeRejected, time.Since(start))
	}
	return res, err
}

// claim loads the settlement record for p.Key or creates it. An existing
// record wins over p: its snapshot is returned as the plan to run.
func (s *OrderService) claim(ctx context.Context, p plan) (database.Settlement, plan, error) {
	store := s.newStore(s.pool)

	rec, err := store.GetSettlement(ctx, p.Key)
	switch {
	case err == nil:
		var stored plan
		if err := json.Unmarshal(rec.Snapshot, &stored); err != nil {
			return database.Settlement{}, plan{}, apperr.Unavailable("decode settlement snapshot", err)
		}
		if !stored.sameRequest(p) {
			return database.Settlement{}, plan{}, apperr.Conflict(fmt.Sprintf(
				"%s was already settled as %s for %s; retry with the same payment details",
				p.Key, stored.Mode, stored.Amounts.Total.String()))
		}
		return rec, stored, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return database.Settlement{}, plan{}, apperr.Unavailable("get settlement", err)
	}

	snapshot, err := json.Marshal(p)
	if err != nil {
		return database.Settlement{}, plan{}, fmt.Errorf("encode settlement snapshot: %w", err)
	}
	cp := pgtype.UUID{}
	if p.CounterpartyID != uuid.Nil {
		cp = pgtype.UUID{Bytes: p.CounterpartyID, Valid: true}
	}
	rec, err = store.CreateSettlement(ctx, database.CreateSettlementParams{
		Key:            p.Key,
		Kind:           p.Kind,
		InvoiceID:      p.InvoiceID,
		CounterpartyID: cp,
		PaymentMode:    p.Mode,
		PartialValue:   p.PartialValue,
		Snapshot:       snapshot,
		CreatedBy:      p.Actor,
		CreatedAt:      s.now(),
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return database.Settlement{}, plan{}, apperr.Conflict(p.Key + " is already being settled")
		}
		return database.Settlement{}, plan{}, apperr.Unavailable("create settlement", err)
	}
	return rec, p, nil
}

type step struct {
	name string
	done func() bool
	run  func(ctx context.Context) error
}

// run executes the remaining steps of p. An inventory rejection discards the
// record and is returned as is; any other inventory failure keeps the record
// pending for a retry. Failures after inventory surface as a
// ReconciliationError.
func (s *OrderService) run(ctx context.Context, p plan, rec database.Settlement) (SettlementResult, error) {
	res := resultFor(p, enum.SettlementStatusInProgress)

	// --- Inventory ---
	if !rec.InventoryApplied {
		if len(p.Deltas) > 0 {
			ir, err := s.inventory.ApplyBatch(ctx, p.Deltas)
			if err != nil {
				if rejectedBeforeCommit(err) {
					s.abandon(ctx, p.Key)
					return SettlementResult{}, err
				}
				// The batch may have committed. Keep the record so a retry
				// replays the logged deltas instead of starting over.
				if perr := s.saveProgress(context.WithoutCancel(ctx), &rec, enum.SettlementStatusPending,
					fmt.Sprintf("%s: %v", StepInventory, err)); perr != nil {
					logger.Error(ctx).Err(perr).Str("key", p.Key).Msg("record pending settlement")
				}
				return SettlementResult{}, err
			}
			res.LowStock = ir.LowStock
			s.metrics.InventoryDeltas(p.Deltas[0].Type, len(ir.Logs)-ir.Replayed)
		}
		rec.InventoryApplied = true
	}

	// Stock has moved: finish regardless of the caller going away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.stepTimeout)
	defer cancel()

	if err := s.saveProgress(ctx, &rec, enum.SettlementStatusInProgress, ""); err != nil {
		return SettlementResult{}, s.fail(ctx, p, rec, StepProgress, err)
	}

	steps := []step{
		{
			name: StepInvoice,
			done: func() bool { return rec.InvoiceRecorded },
			run: func(ctx context.Context) error {
				if _, err := s.ledger.RecordInvoice(ctx, p.Invoice); err != nil {
					return err
				}
				rec.InvoiceRecorded = true
				return nil
			},
		},
		{
			name: StepPayment,
			done: func() bool { return rec.PaymentPosted },
			run: func(ctx context.Context) error {
				if _, err := s.ledger.Post(ctx, p.Entry); err != nil {
					return err
				}
				rec.PaymentPosted = true
				return nil
			},
		},
	}
	if p.Kind == enum.SettlementKindOrder {
		steps = append(steps, step{
			name: StepOrder,
			done: func() bool { return rec.OrderClosed && rec.TableReleased },
			run: func(ctx context.Context) error {
				order, err := s.closeSettledOrder(ctx, p)
				if err != nil {
					return err
				}
				rec.OrderClosed, rec.TableReleased = true, true
				res.Order = &order
				return nil
			},
		})
	}

	for _, st := range steps {
		if st.done() {
			continue
		}
		if err := st.run(ctx); err != nil {
			return SettlementResult{}, s.fail(ctx, p, rec, st.name, err)
		}
		if err := s.saveProgress(ctx, &rec, enum.SettlementStatusInProgress, ""); err != nil {
			// The step itself is idempotent; a retry re-runs it harmlessly.
			logger.Warn(ctx).Err(err).Str("key", p.Key).Str("step", st.name).Msg("save settlement progress")
		}
	}

	if err := s.saveProgress(ctx, &rec, enum.SettlementStatusCompleted, ""); err != nil {
		return SettlementResult{}, s.fail(ctx, p, rec, StepProgress, err)
	}

	res.Status = enum.SettlementStatusCompleted
	if p.Kind == enum.SettlementKindOrder && res.Order == nil {
		if order, err := s.newStore(s.pool).GetOrder(ctx, p.OrderID); err == nil {
			res.Order = &order
		}
	}

	logger.Info(ctx).
		Str("key", p.Key).
		Str("payment_mode", p.Mode).
		Str("total", p.Amounts.Total.String()).
		Str("remaining", p.Amounts.RemainingAmount.String()).
		Str("actor", p.Actor).
		Msg("settlement completed")

	s.publish(ctx, events.New(p.Event, p.Key, p.Actor, res))
	s.publishLowStock(ctx, res.LowStock, p.Actor)
	return res, nil
}

// closeSettledOrder marks the order paid and releases its table in one
// transaction. An order already marked paid by an earlier attempt counts as
// closed.
func (s *OrderService) closeSettledOrder(ctx context.Context, p plan) (database.Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return database.Order{}, apperr.Unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	store := s.newStore(tx)
	order, err := store.GetOrderForUpdate(ctx, p.OrderID)
	if err != nil {
		return database.Order{}, orderErr(err, p.OrderID)
	}
	switch order.Status {
	case enum.OrderStatusOpen:
		order, err = store.CloseOrder(ctx, database.CloseOrderParams{
			ID:            p.OrderID,
			Status:        enum.OrderStatusPaid,
			PaymentMethod: p.Mode,
			ClosedBy:      p.Actor,
			UpdatedAt:     s.now(),
		})
		if err != nil {
			return database.Order{}, apperr.Unavailable("close order", err)
		}
	case enum.OrderStatusCancelled:
		return database.Order{}, apperr.Conflict(fmt.Sprintf("order %s was cancelled", p.OrderID))
	}

	var tr table.Transition
	if p.TableID != uuid.Nil {
		tr, err = s.tables.ReleaseWith(ctx, tx, p.TableID, p.OrderID, p.Actor)
		if err != nil {
			return database.Order{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return database.Order{}, apperr.Unavailable("commit order close", err)
	}
	s.tables.Notify(ctx, tr)
	return order, nil
}

// rejectedBeforeCommit reports whether an inventory failure proves the batch
// wrote nothing.
func rejectedBeforeCommit(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindInsufficientStock, apperr.KindNotFound:
		return true
	}
	return false
}

// abandon removes a settlement record whose inventory step never committed,
// leaving nothing to reconcile.
func (s *OrderService) abandon(ctx context.Context, key string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.newStore(s.pool).DeleteSettlement(ctx, key); err != nil {
		logger.Warn(ctx).Err(err).Str("key", key).Msg("discard settlement record")
	}
}

func (s *OrderService) saveProgress(ctx context.Context, rec *database.Settlement, status, lastError string) error {
	updated, err := s.newStore(s.pool).UpdateSettlement(ctx, database.UpdateSettlementParams{
		Key:              rec.Key,
		Status:           status,
		InventoryApplied: rec.InventoryApplied,
		InvoiceRecorded:  rec.InvoiceRecorded,
		PaymentPosted:    rec.PaymentPosted,
		OrderClosed:      rec.OrderClosed,
		TableReleased:    rec.TableReleased,
		LastError:        lastError,
		UpdatedAt:        s.now(),
	})
	if err != nil {
		return err
	}
	*rec = updated
	return nil
}

// fail parks the settlement as pending and reports what completed.
func (s *OrderService) fail(ctx context.Context, p plan, rec database.Settlement, stepName string, cause error) error {
	if err := s.saveProgress(ctx, &rec, enum.SettlementStatusPending, fmt.Sprintf("%s: %v", stepName, cause)); err != nil {
		logger.Error(ctx).Err(err).Str("key", p.Key).Msg("record pending settlement")
	}

	rerr := &apperr.ReconciliationError{
		Key:       p.Key,
		Completed: completedSteps(rec),
		Failed:    stepName,
		Err:       cause,
	}
	logger.Error(ctx).
		Err(cause).
		Str("key", p.Key).
		Str("failed_step", stepName).
		Strs("completed", rerr.Completed).
		Msg("settlement incomplete")

	s.publish(ctx, events.New(events.TypeSettlementIncomplete, p.Key, p.Actor, map[string]any{
		"key":       p.Key,
		"failed":    stepName,
		"completed": rerr.Completed,
		"error":     cause.Error(),
	}))
	return rerr
}

func completedSteps(rec database.Settlement) []string {
	steps := make([]string, 0, 5)
	for _, s := range []struct {
		name string
		done bool
	}{
		{StepInventory, rec.InventoryApplied},
		{StepInvoice, rec.InvoiceRecorded},
		{StepPayment, rec.PaymentPosted},
		{StepOrder, rec.OrderClosed},
		{StepTable, rec.TableReleased},
	} {
		if s.done {
			steps = append(steps, s.name)
		}
	}
	return steps
}

// GetSettlement returns a settlement record by key.
func (s *OrderService) GetSettlement(ctx context.Context, key string) (database.Settlement, error) {
	rec, err := s.newStore(s.pool).GetSettlement(ctx, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return database.Settlement{}, &apperr.Error{Kind: apperr.KindNotFound, Field: "settlement", Message: key + " not found"}
		}
		return database.Settlement{}, apperr.Unavailable("get settlement", err)
	}
	return rec, nil
}

// ListPendingSettlements returns settlements waiting for a retry or manual
// reconciliation, oldest first.
func (s *OrderService) ListPendingSettlements(ctx context.Context) ([]database.Settlement, error) {
	recs, err := s.newStore(s.pool).ListSettlementsByStatus(ctx, enum.SettlementStatusPending)
	if err != nil {
		return nil, apperr.Unavailable("list settlements", err)
	}
	s.metrics.SetPending(len(recs))
	return recs, nil
}
