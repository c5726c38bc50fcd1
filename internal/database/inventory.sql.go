package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

const inventoryItemColumns = `id, name, category, unit, quantity, min_quantity, cost_per_unit, sell_per_unit, last_updated, created_at`

func scanInventoryItem(row pgx.Row) (InventoryItem, error) {
	var i InventoryItem
	var qty, minQty, cost, sell pgtype.Numeric
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.Category,
		&i.Unit,
		&qty,
		&minQty,
		&cost,
		&sell,
		&i.LastUpdated,
		&i.CreatedAt,
	)
	i.Quantity = NumericToDecimal(qty)
	i.MinQuantity = NumericToDecimal(minQty)
	i.CostPerUnit = NumericToDecimal(cost)
	i.SellPerUnit = NumericToDecimal(sell)
	return i, err
}

const getInventoryItem = `SELECT ` + inventoryItemColumns + ` FROM inventory_items WHERE id = $1`

func (q *Queries) GetInventoryItem(ctx context.Context, id uuid.UUID) (InventoryItem, error) {
	return scanInventoryItem(q.db.QueryRow(ctx, getInventoryItem, id))
}

const getInventoryItemForUpdate = getInventoryItem + ` FOR UPDATE`

// GetInventoryItemForUpdate row-locks the item until the surrounding
// transaction ends.
func (q *Queries) GetInventoryItemForUpdate(ctx context.Context, id uuid.UUID) (InventoryItem, error) {
	return scanInventoryItem(q.db.QueryRow(ctx, getInventoryItemForUpdate, id))
}

type CreateInventoryItemParams struct {
	ID          uuid.UUID
	Name        string
	Category    string
	Unit        string
	Quantity    decimal.Decimal
	MinQuantity decimal.Decimal
	CostPerUnit decimal.Decimal
	SellPerUnit decimal.Decimal
}

const createInventoryItem = `
INSERT INTO inventory_items (id, name, category, unit, quantity, min_quantity, cost_per_unit, sell_per_unit)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING ` + inventoryItemColumns

func (q *Queries) CreateInventoryItem(ctx context.Context, arg CreateInventoryItemParams) (InventoryItem, error) {
	return scanInventoryItem(q.db.QueryRow(ctx, createInventoryItem,
		arg.ID,
		arg.Name,
		arg.Category,
		arg.Unit,
		DecimalToNumeric(arg.Quantity),
		DecimalToNumeric(arg.MinQuantity),
		DecimalToNumeric(arg.CostPerUnit),
		DecimalToNumeric(arg.SellPerUnit),
	))
}

type UpdateInventoryQuantityParams struct {
	ID          uuid.UUID
	Quantity    decimal.Decimal
	LastUpdated time.Time
}

const updateInventoryQuantity = `
UPDATE inventory_items SET quantity = $2, last_updated = $3
WHERE id = $1
RETURNING ` + inventoryItemColumns

func (q *Queries) UpdateInventoryQuantity(ctx context.Context, arg UpdateInventoryQuantityParams) (InventoryItem, error) {
	return scanInventoryItem(q.db.QueryRow(ctx, updateInventoryQuantity,
		arg.ID,
		DecimalToNumeric(arg.Quantity),
		arg.LastUpdated,
	))
}

type UpdateInventoryCostParams struct {
	ID          uuid.UUID
	CostPerUnit decimal.Decimal
}

const updateInventoryCost = `UPDATE inventory_items SET cost_per_unit = $2 WHERE id = $1`

func (q *Queries) UpdateInventoryCost(ctx context.Context, arg UpdateInventoryCostParams) error {
	_, err := q.db.Exec(ctx, updateInventoryCost, arg.ID, DecimalToNumeric(arg.CostPerUnit))
	return err
}

const inventoryLogColumns = `id, item_id, type, quantity, quantity_after, reason, related_order_id, idempotency_key, created_by, created_at`

func scanInventoryLog(row pgx.Row) (InventoryLog, error) {
	var l InventoryLog
	var qty, after pgtype.Numeric
	err := row.Scan(
		&l.ID,
		&l.ItemID,
		&l.Type,
		&qty,
		&after,
		&l.Reason,
		&l.RelatedOrderID,
		&l.IdempotencyKey,
		&l.CreatedBy,
		&l.CreatedAt,
	)
	l.Quantity = NumericToDecimal(qty)
	l.QuantityAfter = NumericToDecimal(after)
	return l, err
}

const getInventoryLogByKey = `SELECT ` + inventoryLogColumns + ` FROM inventory_logs WHERE idempotency_key = $1`

func (q *Queries) GetInventoryLogByKey(ctx context.Context, key string) (InventoryLog, error) {
	return scanInventoryLog(q.db.QueryRow(ctx, getInventoryLogByKey, key))
}

type CreateInventoryLogParams struct {
	ID             uuid.UUID
	ItemID         uuid.UUID
	Type           string
	Quantity       decimal.Decimal
	QuantityAfter  decimal.Decimal
	Reason         string
	RelatedOrderID pgtype.UUID
	IdempotencyKey string
	CreatedBy      string
	CreatedAt      time.Time
}

const createInventoryLog = `
INSERT INTO inventory_logs (id, item_id, type, quantity, quantity_after, reason, related_order_id, idempotency_key, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING ` + inventoryLogColumns

func (q *Queries) CreateInventoryLog(ctx context.Context, arg CreateInventoryLogParams) (InventoryLog, error) {
	return scanInventoryLog(q.db.QueryRow(ctx, createInventoryLog,
		arg.ID,
		arg.ItemID,
		arg.Type,
		DecimalToNumeric(arg.Quantity),
		DecimalToNumeric(arg.QuantityAfter),
		arg.Reason,
		arg.RelatedOrderID,
		arg.IdempotencyKey,
		arg.CreatedBy,
		arg.CreatedAt,
	))
}

const listInventoryLogsByItem = `SELECT ` + inventoryLogColumns + ` FROM inventory_logs WHERE item_id = $1 ORDER BY created_at, id`

func (q *Queries) ListInventoryLogsByItem(ctx context.Context, itemID uuid.UUID) ([]InventoryLog, error) {
	rows, err := q.db.Query(ctx, listInventoryLogsByItem, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []InventoryLog
	for rows.Next() {
		l, err := scanInventoryLog(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
