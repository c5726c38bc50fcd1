package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// --- Counterparties ---

const counterpartyColumns = `id, kind, name, phone, balance, notes, created_at, updated_at`

func scanCounterparty(row pgx.Row) (Counterparty, error) {
	var c Counterparty
	var balance pgtype.Numeric
	err := row.Scan(
		&c.ID,
		&c.Kind,
		&c.Name,
		&c.Phone,
		&balance,
		&c.Notes,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	c.Balance = NumericToDecimal(balance)
	return c, err
}

const getCounterparty = `SELECT ` + counterpartyColumns + ` FROM counterparties WHERE id = $1`

func (q *Queries) GetCounterparty(ctx context.Context, id uuid.UUID) (Counterparty, error) {
	return scanCounterparty(q.db.QueryRow(ctx, getCounterparty, id))
}

const getCounterpartyForUpdate = getCounterparty + ` FOR UPDATE`

func (q *Queries) GetCounterpartyForUpdate(ctx context.Context, id uuid.UUID) (Counterparty, error) {
	return scanCounterparty(q.db.QueryRow(ctx, getCounterpartyForUpdate, id))
}

type CreateCounterpartyParams struct {
	ID    uuid.UUID
	Kind  string
	Name  string
	Phone string
	Notes string
}

const createCounterparty = `
INSERT INTO counterparties (id, kind, name, phone, notes)
VALUES ($1, $2, $3, $4, $5)
RETURNING ` + counterpartyColumns

func (q *Queries) CreateCounterparty(ctx context.Context, arg CreateCounterpartyParams) (Counterparty, error) {
	return scanCounterparty(q.db.QueryRow(ctx, createCounterparty, arg.ID, arg.Kind, arg.Name, arg.Phone, arg.Notes))
}

type UpdateCounterpartyBalanceParams struct {
	ID        uuid.UUID
	Balance   decimal.Decimal
	UpdatedAt time.Time
}

const updateCounterpartyBalance = `
UPDATE counterparties SET balance = $2, updated_at = $3
WHERE id = $1
RETURNING ` + counterpartyColumns

func (q *Queries) UpdateCounterpartyBalance(ctx context.Context, arg UpdateCounterpartyBalanceParams) (Counterparty, error) {
	return scanCounterparty(q.db.QueryRow(ctx, updateCounterpartyBalance, arg.ID, DecimalToNumeric(arg.Balance), arg.UpdatedAt))
}

// --- Invoices ---

const invoiceColumns = `id, type, related_id, order_id, items, sub_total, discount, total, paid_amount, remaining_amount, status, payment_method, due_date, notes, created_by, created_at`

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	var items []byte
	var sub, disc, total, paid, remaining pgtype.Numeric
	err := row.Scan(
		&inv.ID,
		&inv.Type,
		&inv.RelatedID,
		&inv.OrderID,
		&items,
		&sub,
		&disc,
		&total,
		&paid,
		&remaining,
		&inv.Status,
		&inv.PaymentMethod,
		&inv.DueDate,
		&inv.Notes,
		&inv.CreatedBy,
		&inv.CreatedAt,
	)
	if err != nil {
		return inv, err
	}
	inv.SubTotal = NumericToDecimal(sub)
	inv.Discount = NumericToDecimal(disc)
	inv.Total = NumericToDecimal(total)
	inv.PaidAmount = NumericToDecimal(paid)
	inv.RemainingAmount = NumericToDecimal(remaining)
	if len(items) > 0 {
		if err := json.Unmarshal(items, &inv.Items); err != nil {
			return inv, fmt.Errorf("decode invoice items: %w", err)
		}
	}
	return inv, nil
}

const getInvoice = `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`

func (q *Queries) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return scanInvoice(q.db.QueryRow(ctx, getInvoice, id))
}

type CreateInvoiceParams struct {
	ID              uuid.UUID
	Type            string
	RelatedID       pgtype.UUID
	OrderID         pgtype.UUID
	Items           []InvoiceItem
	SubTotal        decimal.Decimal
	Discount        decimal.Decimal
	Total           decimal.Decimal
	PaidAmount      decimal.Decimal
	RemainingAmount decimal.Decimal
	Status          string
	PaymentMethod   string
	DueDate         pgtype.Date
	Notes           string
	CreatedBy       string
	CreatedAt       time.Time
}

const createInvoice = `
INSERT INTO invoices (id, type, related_id, order_id, items, sub_total, discount, total, paid_amount, remaining_amount, status, payment_method, due_date, notes, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
RETURNING ` + invoiceColumns

func (q *Queries) CreateInvoice(ctx context.Context, arg CreateInvoiceParams) (Invoice, error) {
	items := arg.Items
	if items == nil {
		items = []InvoiceItem{}
	}
	ib, err := json.Marshal(items)
	if err != nil {
		return Invoice{}, fmt.Errorf("encode invoice items: %w", err)
	}
	return scanInvoice(q.db.QueryRow(ctx, createInvoice,
		arg.ID,
		arg.Type,
		arg.RelatedID,
		arg.OrderID,
		ib,
		DecimalToNumeric(arg.SubTotal),
		DecimalToNumeric(arg.Discount),
		DecimalToNumeric(arg.Total),
		DecimalToNumeric(arg.PaidAmount),
		DecimalToNumeric(arg.RemainingAmount),
		arg.Status,
		arg.PaymentMethod,
		arg.DueDate,
		arg.Notes,
		arg.CreatedBy,
		arg.CreatedAt,
	))
}

const listInvoicesByCounterparty = `SELECT ` + invoiceColumns + ` FROM invoices WHERE related_id = $1 ORDER BY created_at DESC, id`

func (q *Queries) ListInvoicesByCounterparty(ctx context.Context, relatedID uuid.UUID) ([]Invoice, error) {
	rows, err := q.db.Query(ctx, listInvoicesByCounterparty, relatedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// --- Payments ---

const paymentColumns = `id, invoice_id, type, related_id, amount, balance_delta, method, note, idempotency_key, created_by, date`

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	var amount, delta pgtype.Numeric
	err := row.Scan(
		&p.ID,
		&p.InvoiceID,
		&p.Type,
		&p.RelatedID,
		&amount,
		&delta,
		&p.Method,
		&p.Note,
		&p.IdempotencyKey,
		&p.CreatedBy,
		&p.Date,
	)
	p.Amount = NumericToDecimal(amount)
	p.BalanceDelta = NumericToDecimal(delta)
	return p, err
}

const getPaymentByKey = `SELECT ` + paymentColumns + ` FROM payments WHERE idempotency_key = $1`

func (q *Queries) GetPaymentByKey(ctx context.Context, key string) (Payment, error) {
	return scanPayment(q.db.QueryRow(ctx, getPaymentByKey, key))
}

type CreatePaymentParams struct {
	ID             uuid.UUID
	InvoiceID      pgtype.UUID
	Type           string
	RelatedID      pgtype.UUID
	Amount         decimal.Decimal
	BalanceDelta   decimal.Decimal
	Method         string
	Note           string
	IdempotencyKey string
	CreatedBy      string
	Date           time.Time
}

const createPayment = `
INSERT INTO payments (id, invoice_id, type, related_id, amount, balance_delta, method, note, idempotency_key, created_by, date)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING ` + paymentColumns

func (q *Queries) CreatePayment(ctx context.Context, arg CreatePaymentParams) (Payment, error) {
	return scanPayment(q.db.QueryRow(ctx, createPayment,
		arg.ID,
		arg.InvoiceID,
		arg.Type,
		arg.RelatedID,
		DecimalToNumeric(arg.Amount),
		DecimalToNumeric(arg.BalanceDelta),
		arg.Method,
		arg.Note,
		arg.IdempotencyKey,
		arg.CreatedBy,
		arg.Date,
	))
}

const listPaymentsByCounterparty = `SELECT ` + paymentColumns + ` FROM payments WHERE related_id = $1 ORDER BY date, id`

func (q *Queries) ListPaymentsByCounterparty(ctx context.Context, relatedID uuid.UUID) ([]Payment, error) {
	rows, err := q.db.Query(ctx, listPaymentsByCounterparty, relatedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
