package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

const settlementColumns = `key, kind, status, invoice_id, counterparty_id, payment_mode, partial_value, snapshot, inventory_applied, invoice_recorded, payment_posted, order_closed, table_released, last_error, created_by, created_at, updated_at`

func scanSettlement(row pgx.Row) (Settlement, error) {
	var s Settlement
	var partial pgtype.Numeric
	err := row.Scan(
		&s.Key,
		&s.Kind,
		&s.Status,
		&s.InvoiceID,
		&s.CounterpartyID,
		&s.PaymentMode,
		&partial,
		&s.Snapshot,
		&s.InventoryApplied,
		&s.InvoiceRecorded,
		&s.PaymentPosted,
		&s.OrderClosed,
		&s.TableReleased,
		&s.LastError,
		&s.CreatedBy,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	s.PartialValue = NumericToDecimal(partial)
	return s, err
}

const getSettlement = `SELECT ` + settlementColumns + ` FROM settlements WHERE key = $1`

func (q *Queries) GetSettlement(ctx context.Context, key string) (Settlement, error) {
	return scanSettlement(q.db.QueryRow(ctx, getSettlement, key))
}

type CreateSettlementParams struct {
	Key            string
	Kind           string
	InvoiceID      uuid.UUID
	CounterpartyID pgtype.UUID
	PaymentMode    string
	PartialValue   decimal.Decimal
	Snapshot       []byte
	CreatedBy      string
	CreatedAt      time.Time
}

// createSettlement claims the key. A concurrent claim loses with pgx.ErrNoRows.
const createSettlement = `
INSERT INTO settlements (key, kind, status, invoice_id, counterparty_id, payment_mode, partial_value, snapshot, created_by, created_at, updated_at)
VALUES ($1, $2, 'in_progress', $3, $4, $5, $6, $7, $8, $9, $9)
ON CONFLICT (key) DO NOTHING
RETURNING ` + settlementColumns

func (q *Queries) CreateSettlement(ctx context.Context, arg CreateSettlementParams) (Settlement, error) {
	return scanSettlement(q.db.QueryRow(ctx, createSettlement,
		arg.Key,
		arg.Kind,
		arg.InvoiceID,
		arg.CounterpartyID,
		arg.PaymentMode,
		DecimalToNumeric(arg.PartialValue),
		arg.Snapshot,
		arg.CreatedBy,
		arg.CreatedAt,
	))
}

type UpdateSettlementParams struct {
	Key              string
	Status           string
	InventoryApplied bool
	InvoiceRecorded  bool
	PaymentPosted    bool
	OrderClosed      bool
	TableReleased    bool
	LastError        string
	UpdatedAt        time.Time
}

const updateSettlement = `
UPDATE settlements SET status = $2, inventory_applied = $3, invoice_recorded = $4, payment_posted = $5,
    order_closed = $6, table_released = $7, last_error = $8, updated_at = $9
WHERE key = $1
RETURNING ` + settlementColumns

func (q *Queries) UpdateSettlement(ctx context.Context, arg UpdateSettlementParams) (Settlement, error) {
	return scanSettlement(q.db.QueryRow(ctx, updateSettlement,
		arg.Key,
		arg.Status,
		arg.InventoryApplied,
		arg.InvoiceRecorded,
		arg.PaymentPosted,
		arg.OrderClosed,
		arg.TableReleased,
		arg.LastError,
		arg.UpdatedAt,
	))
}

// deleteSettlement only removes records that never committed inventory.
const deleteSettlement = `DELETE FROM settlements WHERE key = $1 AND inventory_applied = false`

func (q *Queries) DeleteSettlement(ctx context.Context, key string) error {
	_, err := q.db.Exec(ctx, deleteSettlement, key)
	return err
}

const listSettlementsByStatus = `SELECT ` + settlementColumns + ` FROM settlements WHERE status = $1 ORDER BY updated_at, key`

func (q *Queries) ListSettlementsByStatus(ctx context.Context, status string) ([]Settlement, error) {
	rows, err := q.db.Query(ctx, listSettlementsByStatus, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
