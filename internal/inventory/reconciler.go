// Package inventory applies signed quantity changes to stock items with a
// stock floor of zero. Every applied change appends one InventoryLog row
// carrying an idempotency key, so replays are detected and skipped.
package inventory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/settlement/internal/apperr"
	"github.com/kiwari-pos/settlement/internal/database"
	"github.com/kiwari-pos/settlement/internal/enum"
	"github.com/shopspring/decimal"
)

// Pool is satisfied by *pgxpool.Pool.
type Pool interface {
	database.DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the DB methods the reconciler needs.
// Satisfied by *database.Queries.
type Store interface {
	GetInventoryItem(ctx context.Context, id uuid.UUID) (database.InventoryItem, error)
	GetInventoryItemForUpdate(ctx context.Context, id uuid.UUID) (database.InventoryItem, error)
	UpdateInventoryQuantity(ctx context.Context, arg database.UpdateInventoryQuantityParams) (database.InventoryItem, error)
	UpdateInventoryCost(ctx context.Context, arg database.UpdateInventoryCostParams) error
	GetInventoryLogByKey(ctx context.Context, key string) (database.InventoryLog, error)
	CreateInventoryLog(ctx context.Context, arg database.CreateInventoryLogParams) (database.InventoryLog, error)
	ListInventoryLogsByItem(ctx context.Context, itemID uuid.UUID) ([]database.InventoryLog, error)
}

// NewStore creates a Store from a DBTX (pool or tx).
type NewStore func(db database.DBTX) Store

// Delta is one requested stock change.
type Delta struct {
	ItemID   uuid.UUID
	Type     string // in, out or adjust
	Quantity decimal.Decimal
	Reason   string
	// RelatedOrderID is recorded on the log and seeds the default key.
	RelatedOrderID uuid.UUID
	// IdempotencyKey defaults to "<relatedOrderId>:<itemId>:<type>".
	IdempotencyKey string
	Actor          string
	// UnitCost, when positive on an in delta, becomes the item's cost price.
	UnitCost decimal.Decimal
}

// Key returns the idempotency key the delta is applied under. Deltas with
// neither an explicit key nor a related order get a one-off key.
func (d Delta) Key() string {
	if d.IdempotencyKey != "" {
		return d.IdempotencyKey
	}
	if d.RelatedOrderID != uuid.Nil {
		return fmt.Sprintf("%s:%s:%s", d.RelatedOrderID, d.ItemID, d.Type)
	}
	return uuid.NewString()
}

// LowStockAlert flags an item at or below its minimum quantity.
type LowStockAlert struct {
	ItemID      uuid.UUID       `json:"item_id"`
	Name        string          `json:"name"`
	Quantity    decimal.Decimal `json:"quantity"`
	MinQuantity decimal.Decimal `json:"min_quantity"`
}

// Result describes an applied batch.
type Result struct {
	// Logs holds one entry per distinct item, ordered by item id. Replayed
	// lines carry the log stored by the original application.
	Logs     []database.InventoryLog
	Replayed int
	LowStock []LowStockAlert
}

// Reconciler owns every mutation of inventory quantities.
type Reconciler struct {
	pool     Pool
	newStore NewStore
	now      func() time.Time
}

// NewReconciler creates a Reconciler. A nil clock uses time.Now.
func NewReconciler(pool Pool, newStore NewStore, now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{pool: pool, newStore: newStore, now: now}
}

// ApplyDelta applies a single change.
func (r *Reconciler) ApplyDelta(ctx context.Context, d Delta) (Result, error) {
	return r.ApplyBatch(ctx, []Delta{d})
}

type line struct {
	Delta
	key string
}

// ApplyBatch applies every delta or none. Items are locked in ascending id
// order and every line is checked against the stock floor before any row is
// written, so an InsufficientStockError leaves stock and the log untouched.
func (r *Reconciler) ApplyBatch(ctx context.Context, deltas []Delta) (Result, error) {
	lines, err := mergeDeltas(deltas)
	if err != nil {
		return Result{}, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Result{}, apperr.Unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	store := r.newStore(tx)

	type planned struct {
		line  line
		item  database.InventoryItem
		after decimal.Decimal
		log   *database.InventoryLog
	}
	plan := make([]planned, 0, len(lines))

	// --- Lock and validate ---
	for _, l := range lines {
		item, err := store.GetInventoryItemForUpdate(ctx, l.ItemID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return Result{}, apperr.NotFound("inventory item", l.ItemID)
			}
			return Result{}, apperr.Unavailable("lock inventory item", err)
		}

		existing, err := store.GetInventoryLogByKey(ctx, l.key)
		switch {
		case err == nil:
			plan = append(plan, planned{line: l, item: item, after: item.Quantity, log: &existing})
			continue
		case !errors.Is(err, pgx.ErrNoRows):
			return Result{}, apperr.Unavailable("look up inventory log", err)
		}

		after, err := resulting(item, l.Delta)
		if err != nil {
			return Result{}, err
		}
		plan = append(plan, planned{line: l, item: item, after: after})
	}

	// --- Apply ---
	now := r.now()
	res := Result{}
	for _, p := range plan {
		if p.log != nil {
			res.Replayed++
			res.Logs = append(res.Logs, *p.log)
			continue
		}

		updated, err := store.UpdateInventoryQuantity(ctx, database.UpdateInventoryQuantityParams{
			ID:          p.item.ID,
			Quantity:    p.after,
			LastUpdated: now,
		})
		if err != nil {
			return Result{}, apperr.Unavailable("update inventory quantity", err)
		}

		if p.line.Type == enum.InventoryLogIn && p.line.UnitCost.IsPositive() {
			if err := store.UpdateInventoryCost(ctx, database.UpdateInventoryCostParams{
				ID:          p.item.ID,
				CostPerUnit: p.line.UnitCost,
			}); err != nil {
				return Result{}, apperr.Unavailable("update inventory cost", err)
			}
		}

		logged, err := store.CreateInventoryLog(ctx, database.CreateInventoryLogParams{
			ID:             uuid.New(),
			ItemID:         p.item.ID,
			Type:           p.line.Type,
			Quantity:       logQuantity(p.item.Quantity, p.after, p.line.Delta),
			QuantityAfter:  p.after,
			Reason:         p.line.Reason,
			RelatedOrderID: nullableUUID(p.line.RelatedOrderID),
			IdempotencyKey: p.line.key,
			CreatedBy:      p.line.Actor,
			CreatedAt:      now,
		})
		if err != nil {
			return Result{}, apperr.Unavailable("append inventory log", err)
		}
		res.Logs = append(res.Logs, logged)

		if updated.Quantity.LessThanOrEqual(updated.MinQuantity) {
			res.LowStock = append(res.LowStock, LowStockAlert{
				ItemID:      updated.ID,
				Name:        updated.Name,
				Quantity:    updated.Quantity,
				MinQuantity: updated.MinQuantity,
			})
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, apperr.Unavailable("commit inventory batch", err)
	}
	return res, nil
}

// mergeDeltas validates the request, folds repeated items into one line and
// sorts by item id so every batch takes row locks in the same order.
func mergeDeltas(deltas []Delta) ([]line, error) {
	if len(deltas) == 0 {
		return nil, apperr.Validation("deltas", "at least one delta is required")
	}

	byItem := make(map[uuid.UUID]int)
	var lines []line
	for i, d := range deltas {
		field := fmt.Sprintf("deltas[%d]", i)
		if d.ItemID == uuid.Nil {
			return nil, apperr.Validation(field+".item_id", "is required")
		}
		switch d.Type {
		case enum.InventoryLogIn, enum.InventoryLogOut:
			if !d.Quantity.IsPositive() {
				return nil, apperr.Validation(field+".quantity", "must be > 0")
			}
		case enum.InventoryLogAdjust:
			if d.Quantity.IsNegative() {
				return nil, apperr.Validation(field+".quantity", "must be >= 0")
			}
		default:
			return nil, apperr.Validation(field+".type", fmt.Sprintf("unknown delta type %q", d.Type))
		}

		idx, seen := byItem[d.ItemID]
		if !seen {
			byItem[d.ItemID] = len(lines)
			lines = append(lines, line{Delta: d, key: d.Key()})
			continue
		}
		prev := &lines[idx]
		if prev.Type != d.Type {
			return nil, apperr.Validation(field+".type", "conflicting delta types for the same item")
		}
		if d.Type == enum.InventoryLogAdjust {
			return nil, apperr.Validation(field, "an item can only be adjusted once per batch")
		}
		prev.Quantity = prev.Quantity.Add(d.Quantity)
		if d.UnitCost.IsPositive() {
			prev.UnitCost = d.UnitCost
		}
	}

	sort.Slice(lines, func(i, j int) bool {
		return bytes.Compare(lines[i].ItemID[:], lines[j].ItemID[:]) < 0
	})
	return lines, nil
}

// resulting returns the quantity after applying d to item.
func resulting(item database.InventoryItem, d Delta) (decimal.Decimal, error) {
	switch d.Type {
	case enum.InventoryLogIn:
		return item.Quantity.Add(d.Quantity), nil
	case enum.InventoryLogOut:
		if d.Quantity.GreaterThan(item.Quantity) {
			return decimal.Zero, &apperr.InsufficientStockError{
				ItemID:    item.ID,
				Requested: d.Quantity,
				Available: item.Quantity,
			}
		}
		return item.Quantity.Sub(d.Quantity), nil
	default:
		return d.Quantity, nil
	}
}

// logQuantity is the positive magnitude recorded on the log. For adjust it is
// the size of the correction.
func logQuantity(before, after decimal.Decimal, d Delta) decimal.Decimal {
	if d.Type == enum.InventoryLogAdjust {
		return after.Sub(before).Abs()
	}
	return d.Quantity
}

func nullableUUID(id uuid.UUID) pgtype.UUID {
	if id == uuid.Nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: id, Valid: true}
}
