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

const orderColumns = `id, table_id, type, items, products, sub_total, discount, tax, total, status, payment_method, customer_name, notes, created_by, closed_by, created_at, updated_at, version`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	var items, products []byte
	var sub, disc, tax, total pgtype.Numeric
	err := row.Scan(
		&o.ID,
		&o.TableID,
		&o.Type,
		&items,
		&products,
		&sub,
		&disc,
		&tax,
		&total,
		&o.Status,
		&o.PaymentMethod,
		&o.CustomerName,
		&o.Notes,
		&o.CreatedBy,
		&o.ClosedBy,
		&o.CreatedAt,
		&o.UpdatedAt,
		&o.Version,
	)
	if err != nil {
		return o, err
	}
	o.SubTotal = NumericToDecimal(sub)
	o.Discount = NumericToDecimal(disc)
	o.Tax = NumericToDecimal(tax)
	o.Total = NumericToDecimal(total)
	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return o, fmt.Errorf("decode order items: %w", err)
		}
	}
	if len(products) > 0 {
		if err := json.Unmarshal(products, &o.Products); err != nil {
			return o, fmt.Errorf("decode order products: %w", err)
		}
	}
	return o, nil
}

func encodeLines(items []OrderItem, products []OrderProduct) ([]byte, []byte, error) {
	if items == nil {
		items = []OrderItem{}
	}
	if products == nil {
		products = []OrderProduct{}
	}
	ib, err := json.Marshal(items)
	if err != nil {
		return nil, nil, fmt.Errorf("encode order items: %w", err)
	}
	pb, err := json.Marshal(products)
	if err != nil {
		return nil, nil, fmt.Errorf("encode order products: %w", err)
	}
	return ib, pb, nil
}

type CreateOrderParams struct {
	ID            uuid.UUID
	TableID       pgtype.UUID
	Type          string
	Items         []OrderItem
	Products      []OrderProduct
	SubTotal      decimal.Decimal
	Discount      decimal.Decimal
	Tax           decimal.Decimal
	Total         decimal.Decimal
	PaymentMethod string
	CustomerName  string
	Notes         string
	CreatedBy     string
	CreatedAt     time.Time
}

const createOrder = `
INSERT INTO orders (id, table_id, type, items, products, sub_total, discount, tax, total, status, payment_method, customer_name, notes, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'open', $10, $11, $12, $13, $14, $14)
RETURNING ` + orderColumns

func (q *Queries) CreateOrder(ctx context.Context, arg CreateOrderParams) (Order, error) {
	items, products, err := encodeLines(arg.Items, arg.Products)
	if err != nil {
		return Order{}, err
	}
	return scanOrder(q.db.QueryRow(ctx, createOrder,
		arg.ID,
		arg.TableID,
		arg.Type,
		items,
		products,
		DecimalToNumeric(arg.SubTotal),
		DecimalToNumeric(arg.Discount),
		DecimalToNumeric(arg.Tax),
		DecimalToNumeric(arg.Total),
		arg.PaymentMethod,
		arg.CustomerName,
		arg.Notes,
		arg.CreatedBy,
		arg.CreatedAt,
	))
}

const getOrder = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

func (q *Queries) GetOrder(ctx context.Context, id uuid.UUID) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrder, id))
}

const getOrderForUpdate = getOrder + ` FOR UPDATE`

func (q *Queries) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrderForUpdate, id))
}

type UpdateOrderLinesParams struct {
	ID        uuid.UUID
	Version   int32
	Items     []OrderItem
	Products  []OrderProduct
	SubTotal  decimal.Decimal
	Discount  decimal.Decimal
	Total     decimal.Decimal
	Notes     string
	UpdatedAt time.Time
}

// updateOrderLines only matches an open order still at the expected version.
// pgx.ErrNoRows means the order moved on underneath the caller.
const updateOrderLines = `
UPDATE orders SET items = $3, products = $4, sub_total = $5, discount = $6, total = $7,
    notes = $8, updated_at = $9, version = version + 1
WHERE id = $1 AND version = $2 AND status = 'open'
RETURNING ` + orderColumns

func (q *Queries) UpdateOrderLines(ctx context.Context, arg UpdateOrderLinesParams) (Order, error) {
	items, products, err := encodeLines(arg.Items, arg.Products)
	if err != nil {
		return Order{}, err
	}
	return scanOrder(q.db.QueryRow(ctx, updateOrderLines,
		arg.ID,
		arg.Version,
		items,
		products,
		DecimalToNumeric(arg.SubTotal),
		DecimalToNumeric(arg.Discount),
		DecimalToNumeric(arg.Total),
		arg.Notes,
		arg.UpdatedAt,
	))
}

type CloseOrderParams struct {
	ID            uuid.UUID
	Status        string
	PaymentMethod string
	ClosedBy      string
	UpdatedAt     time.Time
}

const closeOrder = `
UPDATE orders SET status = $2, payment_method = $3, closed_by = $4, updated_at = $5, version = version + 1
WHERE id = $1 AND status = 'open'
RETURNING ` + orderColumns

// CloseOrder moves an open order to a terminal status. Returns pgx.ErrNoRows
// when the order is no longer open.
func (q *Queries) CloseOrder(ctx context.Context, arg CloseOrderParams) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, closeOrder,
		arg.ID,
		arg.Status,
		arg.PaymentMethod,
		arg.ClosedBy,
		arg.UpdatedAt,
	))
}
