package table

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/settlement/internal/apperr"
	"github.com/kiwari-pos/settlement/internal/database"
	"github.com/kiwari-pos/settlement/internal/database/dbtest"
	"github.com/kiwari-pos/settlement/internal/enum"
	"github.com/kiwari-pos/settlement/internal/ws"
)

// --- Test helpers ---

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeHub struct {
	mu     sync.Mutex
	topics []string
	events []ws.Event
	full   bool
}

func (h *fakeHub) Publish(topic string, event ws.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return false
	}
	h.topics = append(h.topics, topic)
	h.events = append(h.events, event)
	return true
}

func (h *fakeHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func newTestMachine(db *dbtest.DB) (*Machine, *fakeHub) {
	hub := &fakeHub{}
	newStore := func(d database.DBTX) Store { return dbtest.NewStore(d) }
	return NewMachine(db, newStore, hub, func() time.Time { return testNow }), hub
}

func seedTable(db *dbtest.DB, status string, orderID uuid.UUID) database.Table {
	t := database.Table{
		ID:       uuid.New(),
		Name:     "T1",
		Status:   status,
		Capacity: 4,
	}
	if orderID != uuid.Nil {
		t.CurrentOrderID = pgtype.UUID{Bytes: orderID, Valid: true}
	}
	db.AddTable(t)
	return t
}

func seedOrder(db *dbtest.DB, status string) uuid.UUID {
	id := uuid.New()
	db.AddOrder(database.Order{ID: id, Type: enum.OrderTypeDineIn, Status: status, Version: 1})
	return id
}

func boundTo(t database.Table) uuid.UUID {
	if !t.CurrentOrderID.Valid {
		return uuid.Nil
	}
	return uuid.UUID(t.CurrentOrderID.Bytes)
}

// =====================
// Bind
// =====================

func TestBind_AvailableTable(t *testing.T) {
	db := dbtest.New()
	m, hub := newTestMachine(db)
	tbl := seedTable(db, enum.TableStatusAvailable, uuid.Nil)
	orderID := seedOrder(db, enum.OrderStatusOpen)

	got, err := m.Bind(context.Background(), tbl.ID, orderID, "kasir")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != enum.TableStatusOccupied {
		t.Errorf("status = %q, want occupied", got.Status)
	}
	if boundTo(db.Table(tbl.ID)) != orderID {
		t.Errorf("stored binding = %v, want %v", boundTo(db.Table(tbl.ID)), orderID)
	}

	logs := db.TableLogs()
	if len(logs) != 1 {
		t.Fatalf("table logs = %d, want 1", len(logs))
	}
	if logs[0].FromStatus != enum.TableStatusAvailable || logs[0].ToStatus != enum.TableStatusOccupied {
		t.Errorf("log transition = %s -> %s", logs[0].FromStatus, logs[0].ToStatus)
	}
	if logs[0].Actor != "kasir" {
		t.Errorf("log actor = %q, want kasir", logs[0].Actor)
	}

	if hub.count() != 1 || hub.topics[0] != ws.TopicTables || hub.events[0].Type != "table.updated" {
		t.Errorf("expected one table.updated event on %q, got %v %v", ws.TopicTables, hub.topics, hub.events)
	}
}

func TestBind_ReservedTable(t *testing.T) {
	db := dbtest.New()
	m, _ := newTestMachine(db)
	tbl := seedTable(db, enum.TableStatusReserved, uuid.Nil)
	orderID := seedOrder(db, enum.OrderStatusOpen)

	got, err := m.Bind(context.Background(), tbl.ID, orderID, "kasir")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != enum.TableStatusOccupied {
		t.Errorf("status = %q, want occupied", got.Status)
	}
}

func TestBind_SameOrderIsNoop(t *testing.T) {
	db := dbtest.New()
	m, hub := newTestMachine(db)
	orderID := seedOrder(db, enum.OrderStatusOpen)
	tbl := seedTable(db, enum.TableStatusOccupied, orderID)

	if _, err := m.Bind(context.Background(), tbl.ID, orderID, "kasir"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len(db.TableLogs()); n != 0 {
		t.Errorf("table logs = %d, want 0 for a no-op", n)
	}
	if hub.count() != 0 {
		t.Errorf("events = %d, want 0 for a no-op", hub.count())
	}
}

func TestBind_OccupiedByOpenOrder(t *testing.T) {
	db := dbtest.New()
	m, _ := newTestMachine(db)
	first := seedOrder(db, enum.OrderStatusOpen)
	tbl := seedTable(db, enum.TableStatusOccupied, first)

	_, err := m.Bind(context.Background(), tbl.ID, seedOrder(db, enum.OrderStatusOpen), "kasir")
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if boundTo(db.Table(tbl.ID)) != first {
		t.Error("binding must not change on conflict")
	}
}

func TestBind_ReplacesStaleBinding(t *testing.T) {
	db := dbtest.New()
	m, _ := newTestMachine(db)
	stale := seedOrder(db, enum.OrderStatusPaid)
	tbl := seedTable(db, enum.TableStatusOccupied, stale)
	next := seedOrder(db, enum.OrderStatusOpen)

	if _, err := m.Bind(context.Background(), tbl.ID, next, "kasir"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if boundTo(db.Table(tbl.ID)) != next {
		t.Errorf("binding = %v, want %v", boundTo(db.Table(tbl.ID)), next)
	}
}

func TestBind_ClosedTable(t *testing.T) {
	db := dbtest.New()
	m, _ := newTestMachine(db)
	tbl := seedTable(db, enum.TableStatusClosed, uuid.Nil)

	_, err := m.Bind(context.Background(), tbl.ID, seedOrder(db, enum.OrderStatusOpen), "kasir")
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestBind_TableNotFound(t *testing.T) {
	db := dbtest.New()
	m, _ := newTestMachine(db)

	_, err := m.Bind(context.Background(), uuid.New(), uuid.New(), "kasir")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBind_ConcurrentOrdersOneWins(t *testing.T) {
	db := dbtest.New()
	m, _ := newTestMachine(db)
	tbl := seedTable(db, enum.TableStatusAvailable, uuid.Nil)
	a := seedOrder(db, enum.OrderStatusOpen)
	b := seedOrder(db, enum.OrderStatusOpen)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []uuid.UUID{a, b} {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			_, errs[i] = m.Bind(context.Background(), tbl.ID, id, "kasir")
		}(i, id)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case !apperr.Is(err, apperr.KindConflict):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("successful binds = %d, want exactly 1", wins)
	}
	if bound := boundTo(db.Table(tbl.ID)); bound != a && bound != b {
		t.Errorf("table bound to %v, want one of the two orders", bound)
	}
}

// =====================
// Release
// =====================

func TestRelease_AfterOrderPaid(t *testing.T) {
	db := dbtest.New()
	m, hub := newTestMachine(db)
	orderID := seedOrder(db, enum.OrderStatusPaid)
	tbl := seedTable(db, enum.TableStatusOccupied, orderID)

	got, err := m.Release(context.Background(), tbl.ID, orderID, "kasir")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != enum.TableStatusAvailable || got.CurrentOrderID.Valid {
		t.Errorf("table = %s bound=%v, want available and unbound", got.Status, got.CurrentOrderID.Valid)
	}
	logs := db.TableLogs()
	if len(logs) != 1 || uuid.UUID(logs[0].OrderID.Bytes) != orderID {
		t.Errorf("release log must carry the released order, got %+v", logs)
	}
	if hub.count() != 1 {
		t.Errorf("events = %d, want 1", hub.count())
	}
}

func TestRelease_OrderStillOpen(t *testing.T) {
	db := dbtest.New()
	m, _ := newTestMachine(db)
	orderID := seedOrder(db, enum.OrderStatusOpen)
	tbl := seedTable(db, enum.TableStatusOccupied, orderID)

	_, err := m.Release(context.Background(), tbl.ID, orderID, "kasir")
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if db.Table(tbl.ID).Status != enum.TableStatusOccupied {
		t.Error("table must stay occupied")
	}
}

func TestRelease_Idempotent(t *testing.T) {
	db := dbtest.New()
	m, _ := newTestMachine(db)
	orderID := seedOrder(db, enum.OrderStatusPaid)
	tbl := seedTable(db, enum.TableStatusOccupied, orderID)
	ctx := context.Background()

	if _, err := m.Release(ctx, tbl.ID, orderID, "kasir"); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if _, err := m.Release(ctx, tbl.ID, orderID, "kasir"); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if n := len(db.TableLogs()); n != 1 {
		t.Errorf("table logs = %d, want 1", n)
	}
}

func TestRelease_ReboundToAnotherOrderIsNoop(t *testing.T) {
	db := dbtest.New()
	m, _ := newTestMachine(db)
	current := seedOrder(db, enum.OrderStatusOpen)
	tbl := seedTable(db, enum.TableStatusOccupied, current)

	if _, err := m.Release(context.Background(), tbl.ID, seedOrder(db, enum.OrderStatusPaid), "kasir"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if boundTo(db.Table(tbl.ID)) != current {
		t.Error("release for an old order must not unbind the current one")
	}
}

func TestReleaseWith_RollsBackWithCaller(t *testing.T) {
	db := dbtest.New()
	m, hub := newTestMachine(db)
	orderID := seedOrder(db, enum.OrderStatusCancelled)
	tbl := seedTable(db, enum.TableStatusOccupied, orderID)
	ctx := context.Background()

	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	tr, err := m.ReleaseWith(ctx, tx, tbl.ID, orderID, "kasir")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tr.Changed || tr.From != enum.TableStatusOccupied {
		t.Errorf("transition = %+v, want changed from occupied", tr)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatal(err)
	}

	if db.Table(tbl.ID).Status != enum.TableStatusOccupied {
		t.Error("rolled back release must leave the table occupied")
	}
	if hub.count() != 0 {
		t.Error("nothing is broadcast until the caller notifies")
	}
}

// =====================
// SetState
// =====================

func TestSetState(t *testing.T) {
	tests := []struct {
		name     string
		from     string
		bound    bool
		to       string
		note     string
		wantKind apperr.Kind
	}{
		{name: "reserve available", from: enum.TableStatusAvailable, to: enum.TableStatusReserved},
		{name: "close available", from: enum.TableStatusAvailable, to: enum.TableStatusClosed},
		{name: "reopen closed", from: enum.TableStatusClosed, to: enum.TableStatusAvailable},
		{name: "occupied target", from: enum.TableStatusAvailable, to: enum.TableStatusOccupied, wantKind: apperr.KindValidation},
		{name: "unknown target", from: enum.TableStatusAvailable, to: "dirty", wantKind: apperr.KindValidation},
		{name: "override without note", from: enum.TableStatusOccupied, bound: true, to: enum.TableStatusAvailable, wantKind: apperr.KindValidation},
		{name: "override with note", from: enum.TableStatusOccupied, bound: true, to: enum.TableStatusAvailable, note: "guest left"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := dbtest.New()
			m, _ := newTestMachine(db)
			orderID := uuid.Nil
			if tt.bound {
				orderID = seedOrder(db, enum.OrderStatusOpen)
			}
			tbl := seedTable(db, tt.from, orderID)

			got, err := m.SetState(context.Background(), tbl.ID, tt.to, tt.note, "admin")
			if tt.wantKind != "" {
				if !apperr.Is(err, tt.wantKind) {
					t.Fatalf("expected %s, got %v", tt.wantKind, err)
				}
				if db.Table(tbl.ID).Status != tt.from {
					t.Error("table must be unchanged on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Status != tt.to {
				t.Errorf("status = %q, want %q", got.Status, tt.to)
			}
			if got.CurrentOrderID.Valid {
				t.Error("non-occupied table must not carry an order")
			}
			logs := db.TableLogs()
			if len(logs) != 1 || logs[0].Note != tt.note {
				t.Errorf("logs = %+v, want one entry with note %q", logs, tt.note)
			}
		})
	}
}

func TestSetState_SameStateIsNoop(t *testing.T) {
	db := dbtest.New()
	m, hub := newTestMachine(db)
	tbl := seedTable(db, enum.TableStatusReserved, uuid.Nil)

	if _, err := m.SetState(context.Background(), tbl.ID, enum.TableStatusReserved, "", "admin"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(db.TableLogs()) != 0 || hub.count() != 0 {
		t.Error("no-op must not log or broadcast")
	}
}

// =====================
// Failures and history
// =====================

func TestBind_LogFailureRollsBack(t *testing.T) {
	db := dbtest.New()
	m, hub := newTestMachine(db)
	tbl := seedTable(db, enum.TableStatusAvailable, uuid.Nil)
	db.FailOn("CreateTableStateLog", errors.New("disk full"))

	_, err := m.Bind(context.Background(), tbl.ID, seedOrder(db, enum.OrderStatusOpen), "kasir")
	if !apperr.Is(err, apperr.KindUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if db.Table(tbl.ID).Status != enum.TableStatusAvailable {
		t.Error("state change must roll back with the log write")
	}
	if hub.count() != 0 {
		t.Error("failed transition must not broadcast")
	}
}

func TestNotify_DroppedEventDoesNotFail(t *testing.T) {
	db := dbtest.New()
	m, hub := newTestMachine(db)
	hub.full = true
	tbl := seedTable(db, enum.TableStatusAvailable, uuid.Nil)

	if _, err := m.Bind(context.Background(), tbl.ID, seedOrder(db, enum.OrderStatusOpen), "kasir"); err != nil {
		t.Fatalf("a full hub must not fail the transition: %v", err)
	}
}

func TestHistory(t *testing.T) {
	db := dbtest.New()
	m, _ := newTestMachine(db)
	tbl := seedTable(db, enum.TableStatusAvailable, uuid.Nil)
	ctx := context.Background()

	if _, err := m.SetState(ctx, tbl.ID, enum.TableStatusReserved, "", "admin"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Bind(ctx, tbl.ID, seedOrder(db, enum.OrderStatusOpen), "kasir"); err != nil {
		t.Fatal(err)
	}

	logs, err := m.History(ctx, tbl.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("history = %d entries, want 2", len(logs))
	}
	if logs[0].ToStatus != enum.TableStatusReserved || logs[1].ToStatus != enum.TableStatusOccupied {
		t.Errorf("history order = %s, %s", logs[0].ToStatus, logs[1].ToStatus)
	}

	if _, err := m.History(ctx, uuid.New()); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found for unknown table, got %v", err)
	}
}
