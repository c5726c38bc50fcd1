// Package balance keeps counterparty balances. Invoices are immutable records
// of a purchase or sale; every movement of a balance appends exactly one
// Payment row, so a balance can always be rebuilt from its payment log.
//
// Sign convention: a customer's positive balance is money the customer owes
// us, a supplier's positive balance is money we owe the supplier.
package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
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

// Store defines the DB methods the ledger needs.
// Satisfied by *database.Queries.
type Store interface {
	GetCounterparty(ctx context.Context, id uuid.UUID) (database.Counterparty, error)
	GetCounterpartyForUpdate(ctx context.Context, id uuid.UUID) (database.Counterparty, error)
	UpdateCounterpartyBalance(ctx context.Context, arg database.UpdateCounterpartyBalanceParams) (database.Counterparty, error)
	GetInvoice(ctx context.Context, id uuid.UUID) (database.Invoice, error)
	CreateInvoice(ctx context.Context, arg database.CreateInvoiceParams) (database.Invoice, error)
	ListInvoicesByCounterparty(ctx context.Context, relatedID uuid.UUID) ([]database.Invoice, error)
	GetPaymentByKey(ctx context.Context, key string) (database.Payment, error)
	CreatePayment(ctx context.Context, arg database.CreatePaymentParams) (database.Payment, error)
	ListPaymentsByCounterparty(ctx context.Context, relatedID uuid.UUID) ([]database.Payment, error)
}

// NewStore creates a Store from a DBTX (pool or tx).
type NewStore func(db database.DBTX) Store

// Entry is one balance movement.
type Entry struct {
	// IdempotencyKey is required; a repeated key returns the stored payment.
	IdempotencyKey string
	Type           string // purchase or sale
	// CounterpartyID may be uuid.Nil for an anonymous cash sale, in which case
	// BalanceDelta must be zero and only the payment is recorded.
	CounterpartyID uuid.UUID
	InvoiceID      uuid.UUID
	// Amount is the money that changed hands.
	Amount decimal.Decimal
	// BalanceDelta is the signed change applied to the counterparty balance.
	BalanceDelta decimal.Decimal
	Method       string
	Note         string
	Actor        string
	// NoOverdraw rejects an entry that would take the balance below zero.
	NoOverdraw bool
}

// Posting is the outcome of Post.
type Posting struct {
	Payment database.Payment
	// Balance is the counterparty balance after the entry; zero for
	// anonymous entries.
	Balance  decimal.Decimal
	Replayed bool
}

// Drift compares a stored balance with the sum of its payment log.
type Drift struct {
	CounterpartyID uuid.UUID       `json:"counterparty_id"`
	Stored         decimal.Decimal `json:"stored"`
	Replayed       decimal.Decimal `json:"replayed"`
	Payments       int             `json:"payments"`
	Drift          bool            `json:"drift"`
}

// Ledger owns every counterparty balance mutation.
type Ledger struct {
	pool     Pool
	newStore NewStore
	now      func() time.Time
}

// NewLedger creates a Ledger. A nil clock uses time.Now.
func NewLedger(pool Pool, newStore NewStore, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{pool: pool, newStore: newStore, now: now}
}

// RecordInvoice stores inv. Recording an id that already exists returns the
// stored invoice unchanged.
func (l *Ledger) RecordInvoice(ctx context.Context, inv database.CreateInvoiceParams) (database.Invoice, error) {
	if inv.ID == uuid.Nil {
		return database.Invoice{}, apperr.Validation("invoice.id", "is required")
	}
	if inv.Type != enum.InvoiceTypePurchase && inv.Type != enum.InvoiceTypeSale {
		return database.Invoice{}, apperr.Validation("invoice.type", fmt.Sprintf("unknown invoice type %q", inv.Type))
	}
	if !inv.PaidAmount.Add(inv.RemainingAmount).Equal(inv.Total) || inv.RemainingAmount.IsNegative() {
		return database.Invoice{}, apperr.Validation("invoice", "paid + remaining must equal total with remaining >= 0")
	}

	store := l.newStore(l.pool)
	existing, err := store.GetInvoice(ctx, inv.ID)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return database.Invoice{}, apperr.Unavailable("get invoice", err)
	}

	if inv.RelatedID.Valid {
		if _, err := l.counterparty(ctx, store, uuid.UUID(inv.RelatedID.Bytes), inv.Type, false); err != nil {
			return database.Invoice{}, err
		}
	}

	created, err := store.CreateInvoice(ctx, inv)
	if err != nil {
		// Lost a race with a concurrent recorder of the same invoice.
		if isUniqueViolation(err) {
			if existing, gerr := store.GetInvoice(ctx, inv.ID); gerr == nil {
				return existing, nil
			}
		}
		return database.Invoice{}, apperr.Unavailable("create invoice", err)
	}
	return created, nil
}

// Post appends one payment and applies its balance delta in one transaction.
func (l *Ledger) Post(ctx context.Context, e Entry) (Posting, error) {
	if err := validateEntry(e); err != nil {
		return Posting{}, err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Posting{}, apperr.Unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	store := l.newStore(tx)

	// --- Lock counterparty ---
	var cp database.Counterparty
	if e.CounterpartyID != uuid.Nil {
		cp, err = l.counterparty(ctx, store, e.CounterpartyID, e.Type, true)
		if err != nil {
			return Posting{}, err
		}
	}

	// --- Replay check ---
	existing, err := store.GetPaymentByKey(ctx, e.IdempotencyKey)
	switch {
	case err == nil:
		return Posting{Payment: existing, Balance: cp.Balance, Replayed: true}, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return Posting{}, apperr.Unavailable("look up payment", err)
	}

	if e.NoOverdraw && cp.Balance.Add(e.BalanceDelta).IsNegative() {
		return Posting{}, apperr.Validation("amount",
			fmt.Sprintf("exceeds the outstanding balance of %s", cp.Balance.String()))
	}

	// --- Append and apply ---
	now := l.now()
	payment, err := store.CreatePayment(ctx, database.CreatePaymentParams{
		ID:             uuid.New(),
		InvoiceID:      nullableUUID(e.InvoiceID),
		Type:           e.Type,
		RelatedID:      nullableUUID(e.CounterpartyID),
		Amount:         e.Amount,
		BalanceDelta:   e.BalanceDelta,
		Method:         e.Method,
		Note:           e.Note,
		IdempotencyKey: e.IdempotencyKey,
		CreatedBy:      e.Actor,
		Date:           now,
	})
	if err != nil {
		if isUniqueViolation(err) {
			return Posting{}, apperr.Conflict(fmt.Sprintf("payment %s posted concurrently", e.IdempotencyKey))
		}
		return Posting{}, apperr.Unavailable("create payment", err)
	}

	posting := Posting{Payment: payment}
	if e.CounterpartyID != uuid.Nil && !e.BalanceDelta.IsZero() {
		updated, err := store.UpdateCounterpartyBalance(ctx, database.UpdateCounterpartyBalanceParams{
			ID:        cp.ID,
			Balance:   cp.Balance.Add(e.BalanceDelta),
			UpdatedAt: now,
		})
		if err != nil {
			return Posting{}, apperr.Unavailable("update balance", err)
		}
		cp = updated
	}
	posting.Balance = cp.Balance

	if err := tx.Commit(ctx); err != nil {
		return Posting{}, apperr.Unavailable("commit payment", err)
	}
	return posting, nil
}

// Replay sums the counterparty's payment log and compares it with the stored
// balance.
func (l *Ledger) Replay(ctx context.Context, counterpartyID uuid.UUID) (Drift, error) {
	store := l.newStore(l.pool)
	cp, err := store.GetCounterparty(ctx, counterpartyID)
	if err != nil {
		return Drift{}, counterpartyErr(err, counterpartyID)
	}
	payments, err := store.ListPaymentsByCounterparty(ctx, counterpartyID)
	if err != nil {
		return Drift{}, apperr.Unavailable("list payments", err)
	}

	sum := decimal.Zero
	for _, p := range payments {
		sum = sum.Add(p.BalanceDelta)
	}
	return Drift{
		CounterpartyID: counterpartyID,
		Stored:         cp.Balance,
		Replayed:       sum,
		Payments:       len(payments),
		Drift:          !sum.Equal(cp.Balance),
	}, nil
}

// Counterparty returns a customer or supplier.
func (l *Ledger) Counterparty(ctx context.Context, id uuid.UUID) (database.Counterparty, error) {
	cp, err := l.newStore(l.pool).GetCounterparty(ctx, id)
	if err != nil {
		return database.Counterparty{}, counterpartyErr(err, id)
	}
	return cp, nil
}

// ListInvoices returns the counterparty's invoices, newest first.
func (l *Ledger) ListInvoices(ctx context.Context, counterpartyID uuid.UUID) ([]database.Invoice, error) {
	invoices, err := l.newStore(l.pool).ListInvoicesByCounterparty(ctx, counterpartyID)
	if err != nil {
		return nil, apperr.Unavailable("list invoices", err)
	}
	return invoices, nil
}

// ListPayments returns the counterparty's payment log, oldest first.
func (l *Ledger) ListPayments(ctx context.Context, counterpartyID uuid.UUID) ([]database.Payment, error) {
	payments, err := l.newStore(l.pool).ListPaymentsByCounterparty(ctx, counterpartyID)
	if err != nil {
		return nil, apperr.Unavailable("list payments", err)
	}
	return payments, nil
}

// counterparty loads id and checks its kind against the payment type.
func (l *Ledger) counterparty(ctx context.Context, store Store, id uuid.UUID, paymentType string, forUpdate bool) (database.Counterparty, error) {
	var (
		cp  database.Counterparty
		err error
	)
	if forUpdate {
		cp, err = store.GetCounterpartyForUpdate(ctx, id)
	} else {
		cp, err = store.GetCounterparty(ctx, id)
	}
	if err != nil {
		return database.Counterparty{}, counterpartyErr(err, id)
	}
	if want := KindFor(paymentType); cp.Kind != want {
		return database.Counterparty{}, apperr.Validation("counterparty_id",
			fmt.Sprintf("%s entries need a %s, got %s", paymentType, want, cp.Kind))
	}
	return cp, nil
}

// KindFor returns the counterparty kind a payment type settles against.
func KindFor(paymentType string) string {
	if paymentType == enum.InvoiceTypePurchase {
		return enum.CounterpartySupplier
	}
	return enum.CounterpartyCustomer
}

func validateEntry(e Entry) error {
	switch {
	case e.IdempotencyKey == "":
		return apperr.Validation("idempotency_key", "is required")
	case e.Type != enum.InvoiceTypePurchase && e.Type != enum.InvoiceTypeSale:
		return apperr.Validation("type", fmt.Sprintf("unknown payment type %q", e.Type))
	case e.Amount.IsNegative():
		return apperr.Validation("amount", "must be >= 0")
	case e.CounterpartyID == uuid.Nil && !e.BalanceDelta.IsZero():
		return apperr.Validation("counterparty_id", "is required for a balance change")
	}
	return nil
}

func counterpartyErr(err error, id uuid.UUID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("counterparty", id)
	}
	return apperr.Unavailable("get counterparty", err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullableUUID(id uuid.UUID) pgtype.UUID {
	if id == uuid.Nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: id, Valid: true}
}
