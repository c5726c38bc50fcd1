// Package table implements the table occupancy state machine.
//
//	available ─bind─▶ occupied ─release─▶ available
//	reserved  ─bind─▶ occupied
//
// reserved and closed are administrative states set through SetState, which
// can also force a table out of occupied for corrections. occupied is only
// reachable through Bind, and a table is occupied exactly when it carries a
// current order.
package table

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/settlement/internal/apperr"
	"github.com/kiwari-pos/settlement/internal/database"
	"github.com/kiwari-pos/settlement/internal/enum"
	"github.com/kiwari-pos/settlement/internal/logger"
	"github.com/kiwari-pos/settlement/internal/ws"
)

// Pool is satisfied by *pgxpool.Pool.
type Pool interface {
	database.DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the DB methods the machine needs.
// Satisfied by *database.Queries.
type Store interface {
	GetTable(ctx context.Context, id uuid.UUID) (database.Table, error)
	GetTableForUpdate(ctx context.Context, id uuid.UUID) (database.Table, error)
	UpdateTableState(ctx context.Context, arg database.UpdateTableStateParams) (database.Table, error)
	CreateTableStateLog(ctx context.Context, arg database.CreateTableStateLogParams) (database.TableStateLog, error)
	ListTableStateLogs(ctx context.Context, tableID uuid.UUID) ([]database.TableStateLog, error)
	GetOrderStatus(ctx context.Context, id uuid.UUID) (string, error)
}

// NewStore creates a Store from a DBTX (pool or tx).
type NewStore func(db database.DBTX) Store

// Publisher fans table events out to live clients. Satisfied by *ws.Hub.
type Publisher interface {
	Publish(topic string, event ws.Event) bool
}

// Transition is the outcome of a state change. Changed is false for
// idempotent no-ops.
type Transition struct {
	Table   database.Table
	From    string
	Changed bool
}

// Machine owns every table state change.
type Machine struct {
	pool     Pool
	newStore NewStore
	hub      Publisher
	now      func() time.Time
}

// NewMachine creates a Machine. hub may be nil; a nil clock uses time.Now.
func NewMachine(pool Pool, newStore NewStore, hub Publisher, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{pool: pool, newStore: newStore, hub: hub, now: now}
}

// Get returns a table by id.
func (m *Machine) Get(ctx context.Context, tableID uuid.UUID) (database.Table, error) {
	t, err := m.newStore(m.pool).GetTable(ctx, tableID)
	if err != nil {
		return database.Table{}, tableErr(err, tableID, "get table")
	}
	return t, nil
}

// History returns the table's audit log, oldest first.
func (m *Machine) History(ctx context.Context, tableID uuid.UUID) ([]database.TableStateLog, error) {
	store := m.newStore(m.pool)
	if _, err := store.GetTable(ctx, tableID); err != nil {
		return nil, tableErr(err, tableID, "get table")
	}
	logs, err := store.ListTableStateLogs(ctx, tableID)
	if err != nil {
		return nil, apperr.Unavailable("list table logs", err)
	}
	return logs, nil
}

// Bind occupies tableID with orderID in its own transaction.
func (m *Machine) Bind(ctx context.Context, tableID, orderID uuid.UUID, actor string) (database.Table, error) {
	return m.inTx(ctx, func(db database.DBTX) (Transition, error) {
		return m.BindWith(ctx, db, tableID, orderID, actor)
	})
}

// Release frees tableID in its own transaction. orderID restricts the
// release to that binding; uuid.Nil releases whatever order is bound.
func (m *Machine) Release(ctx context.Context, tableID, orderID uuid.UUID, actor string) (database.Table, error) {
	return m.inTx(ctx, func(db database.DBTX) (Transition, error) {
		return m.ReleaseWith(ctx, db, tableID, orderID, actor)
	})
}

// SetState applies an administrative transition. Moving an occupied table
// elsewhere is a forced override: it clears the binding and requires a note.
func (m *Machine) SetState(ctx context.Context, tableID uuid.UUID, state, note, actor string) (database.Table, error) {
	switch state {
	case enum.TableStatusAvailable, enum.TableStatusReserved, enum.TableStatusClosed:
	case enum.TableStatusOccupied:
		return database.Table{}, apperr.Validation("status", "occupied is only reachable by binding an order")
	default:
		return database.Table{}, apperr.Validation("status", fmt.Sprintf("unknown table status %q", state))
	}

	return m.inTx(ctx, func(db database.DBTX) (Transition, error) {
		store := m.newStore(db)
		t, err := store.GetTableForUpdate(ctx, tableID)
		if err != nil {
			return Transition{}, tableErr(err, tableID, "lock table")
		}
		if t.Status == state {
			return Transition{Table: t, From: t.Status}, nil
		}
		if t.Status == enum.TableStatusOccupied && note == "" {
			return Transition{}, apperr.Validation("note", "required to override an occupied table")
		}
		return m.transition(ctx, store, t, state, uuid.Nil, note, actor)
	})
}

// BindWith runs Bind on the caller's transaction. The caller must commit and
// then call Notify with the returned transition.
//
// Binding is a compare-and-set on the table's current order: it succeeds when
// the table is free, already bound to orderID, or bound to an order that has
// since been paid or cancelled.
func (m *Machine) BindWith(ctx context.Context, db database.DBTX, tableID, orderID uuid.UUID, actor string) (Transition, error) {
	store := m.newStore(db)
	t, err := store.GetTableForUpdate(ctx, tableID)
	if err != nil {
		return Transition{}, tableErr(err, tableID, "lock table")
	}

	if t.CurrentOrderID.Valid {
		bound := uuid.UUID(t.CurrentOrderID.Bytes)
		if bound == orderID {
			return Transition{Table: t, From: t.Status}, nil
		}
		open, err := orderOpen(ctx, store, bound)
		if err != nil {
			return Transition{}, err
		}
		if open {
			return Transition{}, apperr.Conflict(fmt.Sprintf("table %s is bound to open order %s", t.Name, bound))
		}
		logger.Warn(ctx).
			Str("table_id", tableID.String()).
			Str("stale_order_id", bound.String()).
			Msg("replacing stale table binding")
	}
	if t.Status == enum.TableStatusClosed {
		return Transition{}, apperr.Conflict(fmt.Sprintf("table %s is closed", t.Name))
	}

	return m.transition(ctx, store, t, enum.TableStatusOccupied, orderID, "", actor)
}

// ReleaseWith runs Release on the caller's transaction. The caller must
// commit and then call Notify with the returned transition.
func (m *Machine) ReleaseWith(ctx context.Context, db database.DBTX, tableID, orderID uuid.UUID, actor string) (Transition, error) {
	store := m.newStore(db)
	t, err := store.GetTableForUpdate(ctx, tableID)
	if err != nil {
		return Transition{}, tableErr(err, tableID, "lock table")
	}

	if !t.CurrentOrderID.Valid {
		return Transition{Table: t, From: t.Status}, nil
	}
	bound := uuid.UUID(t.CurrentOrderID.Bytes)
	if orderID != uuid.Nil && bound != orderID {
		// Already released and rebound to another order.
		return Transition{Table: t, From: t.Status}, nil
	}

	open, err := orderOpen(ctx, store, bound)
	if err != nil {
		return Transition{}, err
	}
	if open {
		return Transition{}, apperr.Conflict(fmt.Sprintf("order %s still open", bound))
	}

	return m.transition(ctx, store, t, enum.TableStatusAvailable, uuid.Nil, "", actor)
}

// Notify broadcasts a committed transition to table subscribers.
func (m *Machine) Notify(ctx context.Context, tr Transition) {
	if m.hub == nil || !tr.Changed {
		return
	}
	event, err := ws.NewEvent("table.updated", map[string]any{
		"id":               tr.Table.ID,
		"name":             tr.Table.Name,
		"from":             tr.From,
		"status":           tr.Table.Status,
		"current_order_id": nullableString(tr.Table.CurrentOrderID),
	})
	if err != nil {
		logger.Error(ctx).Err(err).Msg("encode table event")
		return
	}
	if !m.hub.Publish(ws.TopicTables, event) {
		logger.Warn(ctx).Str("table_id", tr.Table.ID.String()).Msg("table event dropped: hub queue full")
	}
}

// transition writes the new state under a compare-and-set on the binding the
// row was read with, then appends the audit entry.
func (m *Machine) transition(ctx context.Context, store Store, t database.Table, to string, orderID uuid.UUID, note, actor string) (Transition, error) {
	now := m.now()
	next := pgtype.UUID{}
	if orderID != uuid.Nil {
		next = pgtype.UUID{Bytes: orderID, Valid: true}
	}

	updated, err := store.UpdateTableState(ctx, database.UpdateTableStateParams{
		ID:              t.ID,
		Status:          to,
		CurrentOrderID:  next,
		ExpectedOrderID: t.CurrentOrderID,
		UpdatedAt:       now,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transition{}, apperr.Conflict(fmt.Sprintf("table %s changed concurrently", t.Name))
		}
		return Transition{}, apperr.Unavailable("update table state", err)
	}

	logOrder := next
	if !logOrder.Valid {
		logOrder = t.CurrentOrderID
	}
	if _, err := store.CreateTableStateLog(ctx, database.CreateTableStateLogParams{
		ID:         uuid.New(),
		TableID:    t.ID,
		FromStatus: t.Status,
		ToStatus:   to,
		OrderID:    logOrder,
		Note:       note,
		Actor:      actor,
		CreatedAt:  now,
	}); err != nil {
		return Transition{}, apperr.Unavailable("append table log", err)
	}

	return Transition{Table: updated, From: t.Status, Changed: true}, nil
}

func (m *Machine) inTx(ctx context.Context, fn func(db database.DBTX) (Transition, error)) (database.Table, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return database.Table{}, apperr.Unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tr, err := fn(tx)
	if err != nil {
		return database.Table{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return database.Table{}, apperr.Unavailable("commit table transition", err)
	}
	m.Notify(ctx, tr)
	return tr.Table, nil
}

// orderOpen reports whether the bound order still holds the table. A bound
// order that cannot be found is treated as open so the binding is never
// silently discarded.
func orderOpen(ctx context.Context, store Store, orderID uuid.UUID) (bool, error) {
	status, err := store.GetOrderStatus(ctx, orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return true, nil
		}
		return false, apperr.Unavailable("get bound order status", err)
	}
	return status == enum.OrderStatusOpen, nil
}

func tableErr(err error, tableID uuid.UUID, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("table", tableID)
	}
	return apperr.Unavailable(op, err)
}

func nullableString(id pgtype.UUID) *string {
	if !id.Valid {
		return nil
	}
	s := uuid.UUID(id.Bytes).String()
	return &s
}
