package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiwari-pos/settlement/internal/apperr"
	"github.com/kiwari-pos/settlement/internal/balance"
	"github.com/kiwari-pos/settlement/internal/database"
	"github.com/kiwari-pos/settlement/internal/database/dbtest"
	"github.com/kiwari-pos/settlement/internal/enum"
	"github.com/kiwari-pos/settlement/internal/events"
	"github.com/kiwari-pos/settlement/internal/inventory"
	"github.com/kiwari-pos/settlement/internal/lock"
	"github.com/kiwari-pos/settlement/internal/table"
	"github.com/kiwari-pos/settlement/internal/ws"
	"github.com/shopspring/decimal"
)

// --- Test helpers ---

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type nopHub struct{}

func (nopHub) Publish(string, ws.Event) bool { return true }

type fakePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *fakePublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *fakePublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type testEnv struct {
	db  *dbtest.DB
	svc *OrderService
	pub *fakePublisher
}

// newTestEnv wires the real reconciler, ledger and table machine over one
// in-memory database.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := dbtest.New()
	now := func() time.Time { return testNow }
	pub := &fakePublisher{}

	svc := NewOrderService(db, func(d database.DBTX) Store { return dbtest.NewStore(d) }, Deps{
		Inventory: inventory.NewReconciler(db, func(d database.DBTX) inventory.Store { return dbtest.NewStore(d) }, now),
		Ledger:    balance.NewLedger(db, func(d database.DBTX) balance.Store { return dbtest.NewStore(d) }, now),
		Tables:    table.NewMachine(db, func(d database.DBTX) table.Store { return dbtest.NewStore(d) }, nopHub{}, now),
		Locker:    lock.NewLocal(),
		Publisher: pub,
		Now:       now,
	})
	return &testEnv{db: db, svc: svc, pub: pub}
}

func (e *testEnv) item(quantity, sell string) database.InventoryItem {
	it := database.InventoryItem{
		ID:          uuid.New(),
		Name:        "Beras",
		Unit:        "kg",
		Quantity:    dec(quantity),
		MinQuantity: dec("1"),
		CostPerUnit: dec("1500"),
		SellPerUnit: dec(sell),
	}
	e.db.AddItem(it)
	return it
}

func (e *testEnv) table() database.Table {
	tb := database.Table{ID: uuid.New(), Name: "Meja 1", Status: enum.TableStatusAvailable, Capacity: 4}
	e.db.AddTable(tb)
	return tb
}

func (e *testEnv) counterparty(kind, bal string) database.Counterparty {
	cp := database.Counterparty{ID: uuid.New(), Kind: kind, Name: "c1", Balance: dec(bal)}
	e.db.AddCounterparty(cp)
	return cp
}

// openOrder creates a dine-in order for quantity units of item.
func (e *testEnv) openOrder(t *testing.T, tableID, itemID uuid.UUID, quantity string) database.Order {
	t.Helper()
	order, err := e.svc.CreateOrder(context.Background(), CreateOrderInput{
		TableID: tableID,
		Items:   []ItemLine{{ItemID: itemID, Quantity: dec(quantity)}},
		Actor:   "kasir",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func assertKind(t *testing.T, err error, want apperr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := apperr.KindOf(err); got != want {
		t.Fatalf("expected %s error, got %s (%v)", want, got, err)
	}
}

func assertDec(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Errorf("%s = %s, want %s", name, got, want)
	}
}
