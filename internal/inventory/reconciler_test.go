package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiwari-pos/settlement/internal/apperr"
	"github.com/kiwari-pos/settlement/internal/database"
	"github.com/kiwari-pos/settlement/internal/database/dbtest"
	"github.com/kiwari-pos/settlement/internal/enum"
	"github.com/shopspring/decimal"
)

// --- Test helpers ---

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestReconciler(db *dbtest.DB) *Reconciler {
	newStore := func(d database.DBTX) Store { return dbtest.NewStore(d) }
	return NewReconciler(db, newStore, func() time.Time { return testNow })
}

func seedItem(db *dbtest.DB, qty, minQty string) database.InventoryItem {
	item := database.InventoryItem{
		ID:          uuid.New(),
		Name:        "Beras",
		Unit:        "kg",
		Quantity:    dec(qty),
		MinQuantity: dec(minQty),
		CostPerUnit: dec("1000"),
		SellPerUnit: dec("5000"),
	}
	db.AddItem(item)
	return item
}

// =====================
// ApplyBatch
// =====================

func TestApplyBatch_OutDeductsStockAndLogs(t *testing.T) {
	db := dbtest.New()
	r := newTestReconciler(db)
	item := seedItem(db, "10", "0")

	res, err := r.ApplyDelta(context.Background(), Delta{
		ItemID:         item.ID,
		Type:           enum.InventoryLogOut,
		Quantity:       dec("3"),
		RelatedOrderID: uuid.New(),
		Actor:          "kasir",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := db.Item(item.ID).Quantity; !got.Equal(dec("7")) {
		t.Errorf("quantity = %s, want 7", got)
	}
	logs := db.InventoryLogs()
	if len(logs) != 1 {
		t.Fatalf("log entries = %d, want 1", len(logs))
	}
	if logs[0].Type != enum.InventoryLogOut || !logs[0].Quantity.Equal(dec("3")) {
		t.Errorf("log = %s %s, want out 3", logs[0].Type, logs[0].Quantity)
	}
	if !logs[0].QuantityAfter.Equal(dec("7")) {
		t.Errorf("quantity_after = %s, want 7", logs[0].QuantityAfter)
	}
	if logs[0].CreatedBy != "kasir" {
		t.Errorf("created_by = %q, want kasir", logs[0].CreatedBy)
	}
	if len(res.Logs) != 1 || res.Replayed != 0 {
		t.Errorf("result logs=%d replayed=%d, want 1/0", len(res.Logs), res.Replayed)
	}
}

func TestApplyBatch_InsufficientStockLeavesStockUnchanged(t *testing.T) {
	db := dbtest.New()
	r := newTestReconciler(db)
	item := seedItem(db, "2", "0")

	_, err := r.ApplyDelta(context.Background(), Delta{
		ItemID:         item.ID,
		Type:           enum.InventoryLogOut,
		Quantity:       dec("5"),
		RelatedOrderID: uuid.New(),
	})

	var stockErr *apperr.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if stockErr.ItemID != item.ID {
		t.Errorf("item id = %s, want %s", stockErr.ItemID, item.ID)
	}
	if !stockErr.Requested.Equal(dec("5")) || !stockErr.Available.Equal(dec("2")) {
		t.Errorf("requested/available = %s/%s, want 5/2", stockErr.Requested, stockErr.Available)
	}
	if got := db.Item(item.ID).Quantity; !got.Equal(dec("2")) {
		t.Errorf("quantity = %s, want unchanged 2", got)
	}
	if n := len(db.InventoryLogs()); n != 0 {
		t.Errorf("log entries = %d, want 0", n)
	}
}

func TestApplyBatch_AllOrNothing(t *testing.T) {
	db := dbtest.New()
	r := newTestReconciler(db)
	plenty := seedItem(db, "100", "0")
	scarce := seedItem(db, "1", "0")
	orderID := uuid.New()

	_, err := r.ApplyBatch(context.Background(), []Delta{
		{ItemID: plenty.ID, Type: enum.InventoryLogOut, Quantity: dec("10"), RelatedOrderID: orderID},
		{ItemID: scarce.ID, Type: enum.InventoryLogOut, Quantity: dec("2"), RelatedOrderID: orderID},
	})
	if !apperr.Is(err, apperr.KindInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if got := db.Item(plenty.ID).Quantity; !got.Equal(dec("100")) {
		t.Errorf("plenty quantity = %s, want 100", got)
	}
	if n := len(db.InventoryLogs()); n != 0 {
		t.Errorf("log entries = %d, want 0", n)
	}
	if db.Commits() != 0 {
		t.Errorf("commits = %d, want 0", db.Commits())
	}
}

func TestApplyBatch_ReplayIsNoop(t *testing.T) {
	db := dbtest.New()
	r := newTestReconciler(db)
	item := seedItem(db, "10", "0")
	delta := Delta{ItemID: item.ID, Type: enum.InventoryLogOut, Quantity: dec("3"), RelatedOrderID: uuid.New()}

	first, err := r.ApplyDelta(context.Background(), delta)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	second, err := r.ApplyDelta(context.Background(), delta)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	if got := db.Item(item.ID).Quantity; !got.Equal(dec("7")) {
		t.Errorf("quantity = %s, want 7 (deducted once)", got)
	}
	if n := len(db.InventoryLogs()); n != 1 {
		t.Errorf("log entries = %d, want 1", n)
	}
	if second.Replayed != 1 {
		t.Errorf("replayed = %d, want 1", second.Replayed)
	}
	if second.Logs[0].ID != first.Logs[0].ID {
		t.Error("replay should return the original log entry")
	}
}

func TestApplyBatch_ConcurrentBatchesOnSharedItems(t *testing.T) {
	db := dbtest.New()
	r := newTestReconciler(db)
	a := seedItem(db, "100", "0")
	b := seedItem(db, "100", "0")

	// Half the batches list the items in reverse; locks are still taken in
	// id order, so none of them deadlock.
	const batches = 20
	var wg sync.WaitGroup
	errs := make(chan error, batches)
	for i := 0; i < batches; i++ {
		first, second := a.ID, b.ID
		if i%2 == 1 {
			first, second = second, first
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			order := uuid.New()
			_, err := r.ApplyBatch(context.Background(), []Delta{
				{ItemID: first, Type: enum.InventoryLogOut, Quantity: dec("2"), RelatedOrderID: order},
				{ItemID: second, Type: enum.InventoryLogOut, Quantity: dec("3"), RelatedOrderID: order},
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	// Each item got 10 deltas of 2 and 10 of 3.
	for _, id := range []uuid.UUID{a.ID, b.ID} {
		if got := db.Item(id).Quantity; !got.Equal(dec("50")) {
			t.Errorf("item %s quantity = %s, want 50", id, got)
		}
	}
	if n := len(db.InventoryLogs()); n != 2*batches {
		t.Errorf("logs = %d, want %d", n, 2*batches)
	}
}

func TestApplyBatch_MergesRepeatedItems(t *testing.T) {
	db := dbtest.New()
	r := newTestReconciler(db)
	item := seedItem(db, "10", "0")
	orderID := uuid.New()

	res, err := r.ApplyBatch(context.Background(), []Delta{
		{ItemID: item.ID, Type: enum.InventoryLogOut, Quantity: dec("2"), RelatedOrderID: orderID},
		{ItemID: item.ID, Type: enum.InventoryLogOut, Quantity: dec("0.5"), RelatedOrderID: orderID},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Logs) != 1 {
		t.Fatalf("logs = %d, want 1 merged entry", len(res.Logs))
	}
	if !res.Logs[0].Quantity.Equal(dec("2.5")) {
		t.Errorf("merged quantity = %s, want 2.5", res.Logs[0].Quantity)
	}
	if got := db.Item(item.ID).Quantity; !got.Equal(dec("7.5")) {
		t.Errorf("quantity = %s, want 7.5", got)
	}
}

func TestApplyBatch_MergedLinesCheckedTogether(t *testing.T) {
	db := dbtest.New()
	r := newTestReconciler(db)
	item := seedItem(db, "3", "0")
	orderID := uuid.New()

	_, err := r.ApplyBatch(context.Background(), []Delta{
		{ItemID: item.ID, Type: enum.InventoryLogOut, Quantity: dec("2"), RelatedOrderID: orderID},
		{ItemID: item.ID, Type: enum.InventoryLogOut, Quantity: dec("2"), RelatedOrderID: orderID},
	})
	if !apperr.Is(err, apperr.KindInsufficientStock) {
		t.Fatalf("expected insufficient stock for 4 > 3, got %v", err)
	}
}

func TestApplyBatch_AdjustSetsAbsoluteQuantity(t *testing.T) {
	db := dbtest.New()
	r := newTestReconciler(db)
	item := seedItem(db, "10", "0")

	res, err := r.ApplyDelta(context.Background(), Delta{
		ItemID:         item.ID,
		Type:           enum.InventoryLogAdjust,
		Quantity:       dec("6"),
		Reason:         "stock take",
		IdempotencyKey: "stocktake:2026-03-01:" + item.ID.String(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := db.Item(item.ID).Quantity; !got.Equal(dec("6")) {
		t.Errorf("quantity = %s, want 6", got)
	}
	if !res.Logs[0].Quantity.Equal(dec("4")) {
		t.Errorf("logged magnitude = %s, want 4", res.Logs[0].Quantity)
	}
}

func TestApplyBatch_InUpdatesCostPrice(t *testing.T) {
	db := dbtest.New()
	r := newTestReconciler(db)
	item := seedItem(db, "0", "0")

	_, err := r.ApplyDelta(context.Background(), Delta{
		ItemID:         item.ID,
		Type:           enum.InventoryLogIn,
		Quantity:       dec("20"),
		IdempotencyKey: "purchase:" + uuid.NewString(),
		UnitCost:       dec("2000"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := db.Item(item.ID)
	if !got.Quantity.Equal(dec("20")) {
		t.Errorf("quantity = %s, want 20", got.Quantity)
	}
	if !got.CostPerUnit.Equal(dec("2000")) {
		t.Errorf("cost_per_unit = %s, want 2000", got.CostPerUnit)
	}
}

func TestApplyBatch_LowStockAlert(t *testing.T) {
	db := dbtest.New()
	r := newTestReconciler(db)
	item := seedItem(db, "10", "5")

	res, err := r.ApplyDelta(context.Background(), Delta{
		ItemID: item.ID, Type: enum.InventoryLogOut, Quantity: dec("6"), RelatedOrderID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.LowStock) != 1 {
		t.Fatalf("low stock alerts = %d, want 1", len(res.LowStock))
	}
	if res.LowStock[0].ItemID != item.ID || !res.LowStock[0].Quantity.Equal(dec("4")) {
		t.Errorf("alert = %+v", res.LowStock[0])
	}
}

func TestApplyBatch_ItemNotFound(t *testing.T) {
	db := dbtest.New()
	r := newTestReconciler(db)

	_, err := r.ApplyDelta(context.Background(), Delta{
		ItemID: uuid.New(), Type: enum.InventoryLogOut, Quantity: dec("1"), RelatedOrderID: uuid.New(),
	})
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestApplyBatch_Validation(t *testing.T) {
	itemID := uuid.New()
	tests := []struct {
		name   string
		deltas []Delta
	}{
		{"empty batch", nil},
		{"missing item", []Delta{{Type: enum.InventoryLogOut, Quantity: dec("1")}}},
		{"unknown type", []Delta{{ItemID: itemID, Type: "transfer", Quantity: dec("1")}}},
		{"zero out", []Delta{{ItemID: itemID, Type: enum.InventoryLogOut, Quantity: dec("0")}}},
		{"negative in", []Delta{{ItemID: itemID, Type: enum.InventoryLogIn, Quantity: dec("-1")}}},
		{"negative adjust", []Delta{{ItemID: itemID, Type: enum.InventoryLogAdjust, Quantity: dec("-1")}}},
		{"mixed types", []Delta{
			{ItemID: itemID, Type: enum.InventoryLogIn, Quantity: dec("1")},
			{ItemID: itemID, Type: enum.InventoryLogOut, Quantity: dec("1")},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := dbtest.New()
			r := newTestReconciler(db)
			_, err := r.ApplyBatch(context.Background(), tt.deltas)
			if !apperr.Is(err, apperr.KindValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if db.Calls("GetInventoryItemForUpdate") != 0 {
				t.Error("validation must happen before touching the store")
			}
		})
	}
}

func TestApplyBatch_StoreFailureIsUnavailable(t *testing.T) {
	db := dbtest.New()
	r := newTestReconciler(db)
	item := seedItem(db, "10", "0")
	db.FailOn("CreateInventoryLog", errors.New("connection reset"))

	_, err := r.ApplyDelta(context.Background(), Delta{
		ItemID: item.ID, Type: enum.InventoryLogOut, Quantity: dec("1"), RelatedOrderID: uuid.New(),
	})
	if !apperr.Is(err, apperr.KindUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if got := db.Item(item.ID).Quantity; !got.Equal(dec("10")) {
		t.Errorf("quantity = %s, want 10 after rollback", got)
	}
}

func TestApplyBatch_BeginError(t *testing.T) {
	db := dbtest.New()
	db.BeginErr = errors.New("pool exhausted")
	r := newTestReconciler(db)

	_, err := r.ApplyDelta(context.Background(), Delta{
		ItemID: uuid.New(), Type: enum.InventoryLogIn, Quantity: dec("1"),
	})
	if !apperr.Is(err, apperr.KindUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestDeltaKey(t *testing.T) {
	orderID := uuid.New()
	itemID := uuid.New()

	d := Delta{ItemID: itemID, Type: enum.InventoryLogOut, RelatedOrderID: orderID}
	want := orderID.String() + ":" + itemID.String() + ":out"
	if got := d.Key(); got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}

	d.IdempotencyKey = "explicit"
	if got := d.Key(); got != "explicit" {
		t.Errorf("Key() = %q, want explicit", got)
	}

	anon := Delta{ItemID: itemID, Type: enum.InventoryLogIn}
	k1, k2 := anon.Key(), anon.Key()
	if k1 == k2 {
		t.Error("keys without an order should be unique per call")
	}
}

// =====================
// History / VerifyItem
// =====================

func TestVerifyItem_ConsistentLog(t *testing.T) {
	db := dbtest.New()
	r := newTestReconciler(db)
	item := seedItem(db, "10", "0")
	ctx := context.Background()

	for _, d := range []Delta{
		{ItemID: item.ID, Type: enum.InventoryLogOut, Quantity: dec("3"), RelatedOrderID: uuid.New()},
		{ItemID: item.ID, Type: enum.InventoryLogIn, Quantity: dec("5"), IdempotencyKey: "p1"},
		{ItemID: item.ID, Type: enum.InventoryLogAdjust, Quantity: dec("11"), IdempotencyKey: "st1"},
	} {
		if _, err := r.ApplyDelta(ctx, d); err != nil {
			t.Fatalf("apply %s: %v", d.Type, err)
		}
	}

	v, err := r.VerifyItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Drift || v.Breaks != 0 {
		t.Errorf("unexpected drift: %+v", v)
	}
	if v.Entries != 3 || !v.Replayed.Equal(dec("11")) {
		t.Errorf("entries=%d replayed=%s, want 3/11", v.Entries, v.Replayed)
	}

	logs, err := r.History(ctx, item.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(logs) != 3 {
		t.Errorf("history entries = %d, want 3", len(logs))
	}
}

func TestVerifyItem_DetectsDrift(t *testing.T) {
	db := dbtest.New()
	r := newTestReconciler(db)
	item := seedItem(db, "10", "0")
	ctx := context.Background()

	if _, err := r.ApplyDelta(ctx, Delta{ItemID: item.ID, Type: enum.InventoryLogOut, Quantity: dec("3"), RelatedOrderID: uuid.New()}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	// Simulate an out-of-band write that bypassed the reconciler.
	tampered := db.Item(item.ID)
	tampered.Quantity = dec("9")
	db.AddItem(tampered)

	v, err := r.VerifyItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Drift {
		t.Errorf("expected drift, got %+v", v)
	}
}

func TestHistory_NotFound(t *testing.T) {
	r := newTestReconciler(dbtest.New())
	if _, err := r.History(context.Background(), uuid.New()); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
