package balance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/settlement/internal/apperr"
	"github.com/kiwari-pos/settlement/internal/database"
	"github.com/kiwari-pos/settlement/internal/database/dbtest"
	"github.com/kiwari-pos/settlement/internal/enum"
	"github.com/shopspring/decimal"
)

// --- Test helpers ---

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestLedger(db *dbtest.DB) *Ledger {
	newStore := func(d database.DBTX) Store { return dbtest.NewStore(d) }
	return NewLedger(db, newStore, func() time.Time { return testNow })
}

func seedCounterparty(db *dbtest.DB, kind, balance string) database.Counterparty {
	cp := database.Counterparty{
		ID:      uuid.New(),
		Kind:    kind,
		Name:    "Pak Budi",
		Balance: dec(balance),
	}
	db.AddCounterparty(cp)
	return cp
}

func pgUUID(id uuid.UUID) pgtype.UUID { return pgtype.UUID{Bytes: id, Valid: true} }

// =====================
// Post
// =====================

func TestPost_DebtSaleRaisesCustomerBalance(t *testing.T) {
	db := dbtest.New()
	l := newTestLedger(db)
	c := seedCounterparty(db, enum.CounterpartyCustomer, "0")

	got, err := l.Post(context.Background(), Entry{
		IdempotencyKey: "order:1",
		Type:           enum.InvoiceTypeSale,
		CounterpartyID: c.ID,
		Amount:         decimal.Zero,
		BalanceDelta:   dec("25000"),
		Method:         enum.PaymentModeDebt,
		Actor:          "kasir",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Balance.Equal(dec("25000")) {
		t.Errorf("balance = %s, want 25000", got.Balance)
	}
	if !db.Counterparty(c.ID).Balance.Equal(dec("25000")) {
		t.Errorf("stored balance = %s, want 25000", db.Counterparty(c.ID).Balance)
	}
	payments := db.Payments()
	if len(payments) != 1 {
		t.Fatalf("payments = %d, want 1", len(payments))
	}
	if payments[0].CreatedBy != "kasir" || !payments[0].Date.Equal(testNow) {
		t.Errorf("payment audit = %q at %v", payments[0].CreatedBy, payments[0].Date)
	}
}

func TestPost_PartialPurchaseRaisesSupplierBalance(t *testing.T) {
	db := dbtest.New()
	l := newTestLedger(db)
	s := seedCounterparty(db, enum.CounterpartySupplier, "5000")

	got, err := l.Post(context.Background(), Entry{
		IdempotencyKey: "purchase:1",
		Type:           enum.InvoiceTypePurchase,
		CounterpartyID: s.ID,
		Amount:         dec("10000"),
		BalanceDelta:   dec("30000"),
		Method:         enum.PaymentModePart,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Balance.Equal(dec("35000")) {
		t.Errorf("balance = %s, want 35000", got.Balance)
	}
	if !got.Payment.Amount.Equal(dec("10000")) {
		t.Errorf("payment amount = %s, want 10000", got.Payment.Amount)
	}
}

func TestPost_ReplayIsNoop(t *testing.T) {
	db := dbtest.New()
	l := newTestLedger(db)
	c := seedCounterparty(db, enum.CounterpartyCustomer, "0")
	e := Entry{
		IdempotencyKey: "order:1",
		Type:           enum.InvoiceTypeSale,
		CounterpartyID: c.ID,
		BalanceDelta:   dec("25000"),
	}
	ctx := context.Background()

	first, err := l.Post(ctx, e)
	if err != nil {
		t.Fatalf("first post: %v", err)
	}
	second, err := l.Post(ctx, e)
	if err != nil {
		t.Fatalf("second post: %v", err)
	}
	if !second.Replayed {
		t.Error("second post must report a replay")
	}
	if second.Payment.ID != first.Payment.ID {
		t.Error("replay must return the stored payment")
	}
	if len(db.Payments()) != 1 {
		t.Errorf("payments = %d, want 1", len(db.Payments()))
	}
	if !db.Counterparty(c.ID).Balance.Equal(dec("25000")) {
		t.Errorf("balance = %s, want 25000 (applied once)", db.Counterparty(c.ID).Balance)
	}
}

func TestPost_AnonymousCashSale(t *testing.T) {
	db := dbtest.New()
	l := newTestLedger(db)

	got, err := l.Post(context.Background(), Entry{
		IdempotencyKey: "sale:1",
		Type:           enum.InvoiceTypeSale,
		Amount:         dec("15000"),
		Method:         enum.PaymentModeCash,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Payment.RelatedID.Valid {
		t.Error("anonymous payment must not carry a counterparty")
	}
	if db.Calls("UpdateCounterpartyBalance") != 0 {
		t.Error("anonymous payment must not touch a balance")
	}
}

func TestPost_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		kind     string
		entry    func(cp uuid.UUID) Entry
		wantKind apperr.Kind
	}{
		{
			name: "missing key",
			kind: enum.CounterpartyCustomer,
			entry: func(cp uuid.UUID) Entry {
				return Entry{Type: enum.InvoiceTypeSale, CounterpartyID: cp, BalanceDelta: dec("1")}
			},
			wantKind: apperr.KindValidation,
		},
		{
			name: "unknown type",
			kind: enum.CounterpartyCustomer,
			entry: func(cp uuid.UUID) Entry {
				return Entry{IdempotencyKey: "k", Type: "refund", CounterpartyID: cp}
			},
			wantKind: apperr.KindValidation,
		},
		{
			name: "negative amount",
			kind: enum.CounterpartyCustomer,
			entry: func(cp uuid.UUID) Entry {
				return Entry{IdempotencyKey: "k", Type: enum.InvoiceTypeSale, CounterpartyID: cp, Amount: dec("-1")}
			},
			wantKind: apperr.KindValidation,
		},
		{
			name: "anonymous balance change",
			kind: enum.CounterpartyCustomer,
			entry: func(uuid.UUID) Entry {
				return Entry{IdempotencyKey: "k", Type: enum.InvoiceTypeSale, BalanceDelta: dec("100")}
			},
			wantKind: apperr.KindValidation,
		},
		{
			name: "sale against supplier",
			kind: enum.CounterpartySupplier,
			entry: func(cp uuid.UUID) Entry {
				return Entry{IdempotencyKey: "k", Type: enum.InvoiceTypeSale, CounterpartyID: cp, BalanceDelta: dec("100")}
			},
			wantKind: apperr.KindValidation,
		},
		{
			name: "unknown counterparty",
			kind: enum.CounterpartyCustomer,
			entry: func(uuid.UUID) Entry {
				return Entry{IdempotencyKey: "k", Type: enum.InvoiceTypeSale, CounterpartyID: uuid.New(), BalanceDelta: dec("100")}
			},
			wantKind: apperr.KindNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := dbtest.New()
			l := newTestLedger(db)
			cp := seedCounterparty(db, tt.kind, "0")

			_, err := l.Post(context.Background(), tt.entry(cp.ID))
			if !apperr.Is(err, tt.wantKind) {
				t.Fatalf("expected %s, got %v", tt.wantKind, err)
			}
			if len(db.Payments()) != 0 {
				t.Error("rejected entry must not append a payment")
			}
			if !db.Counterparty(cp.ID).Balance.IsZero() {
				t.Error("rejected entry must not change the balance")
			}
		})
	}
}

func TestPost_BalanceFailureRollsBackPayment(t *testing.T) {
	db := dbtest.New()
	l := newTestLedger(db)
	c := seedCounterparty(db, enum.CounterpartyCustomer, "0")
	db.FailOn("UpdateCounterpartyBalance", errors.New("connection reset"))

	_, err := l.Post(context.Background(), Entry{
		IdempotencyKey: "order:1",
		Type:           enum.InvoiceTypeSale,
		CounterpartyID: c.ID,
		BalanceDelta:   dec("25000"),
	})
	if !apperr.Is(err, apperr.KindUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if len(db.Payments()) != 0 {
		t.Error("payment must roll back with the balance update")
	}
}

func TestPost_NoOverdraw(t *testing.T) {
	db := dbtest.New()
	l := newTestLedger(db)
	c := seedCounterparty(db, enum.CounterpartyCustomer, "10000")
	ctx := context.Background()

	_, err := l.Post(ctx, Entry{
		IdempotencyKey: "pay-1",
		Type:           enum.InvoiceTypeSale,
		CounterpartyID: c.ID,
		Amount:         dec("15000"),
		BalanceDelta:   dec("-15000"),
		NoOverdraw:     true,
	})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation, got %v", err)
	}

	got, err := l.Post(ctx, Entry{
		IdempotencyKey: "pay-2",
		Type:           enum.InvoiceTypeSale,
		CounterpartyID: c.ID,
		Amount:         dec("10000"),
		BalanceDelta:   dec("-10000"),
		NoOverdraw:     true,
	})
	if err != nil {
		t.Fatalf("paying the exact balance: %v", err)
	}
	if !got.Balance.IsZero() {
		t.Errorf("balance = %s, want 0", got.Balance)
	}
}

// =====================
// RecordInvoice
// =====================

func validInvoice(related uuid.UUID) database.CreateInvoiceParams {
	return database.CreateInvoiceParams{
		ID:              uuid.New(),
		Type:            enum.InvoiceTypePurchase,
		RelatedID:       pgUUID(related),
		Items:           []database.InvoiceItem{{ItemID: uuid.New(), Quantity: dec("20"), Cost: dec("2000")}},
		SubTotal:        dec("40000"),
		Total:           dec("40000"),
		PaidAmount:      dec("10000"),
		RemainingAmount: dec("30000"),
		Status:          enum.InvoiceStatusPartial,
		PaymentMethod:   enum.PaymentModePart,
		CreatedBy:       "kasir",
		CreatedAt:       testNow,
	}
}

func TestRecordInvoice_Idempotent(t *testing.T) {
	db := dbtest.New()
	l := newTestLedger(db)
	s := seedCounterparty(db, enum.CounterpartySupplier, "0")
	inv := validInvoice(s.ID)
	ctx := context.Background()

	if _, err := l.RecordInvoice(ctx, inv); err != nil {
		t.Fatalf("first record: %v", err)
	}
	again := inv
	again.Notes = "changed"
	got, err := l.RecordInvoice(ctx, again)
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if got.Notes != "" {
		t.Error("invoices are immutable once recorded")
	}
	if len(db.Invoices()) != 1 {
		t.Errorf("invoices = %d, want 1", len(db.Invoices()))
	}
}

func TestRecordInvoice_Rejects(t *testing.T) {
	db := dbtest.New()
	l := newTestLedger(db)
	s := seedCounterparty(db, enum.CounterpartySupplier, "0")
	c := seedCounterparty(db, enum.CounterpartyCustomer, "0")
	ctx := context.Background()

	unbalanced := validInvoice(s.ID)
	unbalanced.PaidAmount = dec("20000")
	if _, err := l.RecordInvoice(ctx, unbalanced); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("unbalanced invoice: expected validation, got %v", err)
	}

	wrongKind := validInvoice(c.ID)
	if _, err := l.RecordInvoice(ctx, wrongKind); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("purchase from customer: expected validation, got %v", err)
	}

	if len(db.Invoices()) != 0 {
		t.Errorf("invoices = %d, want 0", len(db.Invoices()))
	}
}

// =====================
// Replay and listings
// =====================

func TestReplay_MatchesPaymentLog(t *testing.T) {
	db := dbtest.New()
	l := newTestLedger(db)
	c := seedCounterparty(db, enum.CounterpartyCustomer, "0")
	ctx := context.Background()

	for i, delta := range []string{"25000", "-10000", "5000"} {
		if _, err := l.Post(ctx, Entry{
			IdempotencyKey: uuid.NewString(),
			Type:           enum.InvoiceTypeSale,
			CounterpartyID: c.ID,
			Amount:         dec("0"),
			BalanceDelta:   dec(delta),
		}); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}

	d, err := l.Replay(ctx, c.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Drift || !d.Replayed.Equal(dec("20000")) || d.Payments != 3 {
		t.Errorf("replay = %+v, want 20000 over 3 payments without drift", d)
	}
}

func TestReplay_DetectsDrift(t *testing.T) {
	db := dbtest.New()
	l := newTestLedger(db)
	c := seedCounterparty(db, enum.CounterpartyCustomer, "7000")
	db.AddPayment(database.Payment{
		ID:             uuid.New(),
		Type:           enum.InvoiceTypeSale,
		RelatedID:      pgUUID(c.ID),
		BalanceDelta:   dec("5000"),
		IdempotencyKey: "legacy",
	})

	d, err := l.Replay(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Drift {
		t.Errorf("expected drift between stored 7000 and replayed %s", d.Replayed)
	}
}

func TestListings(t *testing.T) {
	db := dbtest.New()
	l := newTestLedger(db)
	s := seedCounterparty(db, enum.CounterpartySupplier, "0")
	ctx := context.Background()

	first := validInvoice(s.ID)
	second := validInvoice(s.ID)
	for _, inv := range []database.CreateInvoiceParams{first, second} {
		if _, err := l.RecordInvoice(ctx, inv); err != nil {
			t.Fatal(err)
		}
	}

	invoices, err := l.ListInvoices(ctx, s.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(invoices) != 2 || invoices[0].ID != second.ID {
		t.Errorf("invoices should list newest first, got %d", len(invoices))
	}

	if _, err := l.Post(ctx, Entry{
		IdempotencyKey: "pay-1",
		Type:           enum.InvoiceTypePurchase,
		CounterpartyID: s.ID,
		Amount:         dec("1000"),
		BalanceDelta:   dec("-1000"),
	}); err != nil {
		t.Fatal(err)
	}
	payments, err := l.ListPayments(ctx, s.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(payments) != 1 {
		t.Errorf("payments = %d, want 1", len(payments))
	}
}
