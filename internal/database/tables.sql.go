package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const tableColumns = `id, name, status, current_order_id, capacity, location, created_at, updated_at`

func scanTable(row pgx.Row) (Table, error) {
	var t Table
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.Status,
		&t.CurrentOrderID,
		&t.Capacity,
		&t.Location,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	return t, err
}

const getTable = `SELECT ` + tableColumns + ` FROM tables WHERE id = $1`

func (q *Queries) GetTable(ctx context.Context, id uuid.UUID) (Table, error) {
	return scanTable(q.db.QueryRow(ctx, getTable, id))
}

const getTableForUpdate = getTable + ` FOR UPDATE`

func (q *Queries) GetTableForUpdate(ctx context.Context, id uuid.UUID) (Table, error) {
	return scanTable(q.db.QueryRow(ctx, getTableForUpdate, id))
}

type CreateTableParams struct {
	ID       uuid.UUID
	Name     string
	Capacity int32
	Location string
}

const createTable = `
INSERT INTO tables (id, name, capacity, location)
VALUES ($1, $2, $3, $4)
RETURNING ` + tableColumns

func (q *Queries) CreateTable(ctx context.Context, arg CreateTableParams) (Table, error) {
	return scanTable(q.db.QueryRow(ctx, createTable, arg.ID, arg.Name, arg.Capacity, arg.Location))
}

type UpdateTableStateParams struct {
	ID              uuid.UUID
	Status          string
	CurrentOrderID  pgtype.UUID
	ExpectedOrderID pgtype.UUID
	UpdatedAt       time.Time
}

// updateTableState is a compare-and-set on current_order_id: the row only
// changes when its binding still equals ExpectedOrderID.
const updateTableState = `
UPDATE tables SET status = $2, current_order_id = $3, updated_at = $5
WHERE id = $1 AND current_order_id IS NOT DISTINCT FROM $4
RETURNING ` + tableColumns

func (q *Queries) UpdateTableState(ctx context.Context, arg UpdateTableStateParams) (Table, error) {
	return scanTable(q.db.QueryRow(ctx, updateTableState,
		arg.ID,
		arg.Status,
		arg.CurrentOrderID,
		arg.ExpectedOrderID,
		arg.UpdatedAt,
	))
}

type CreateTableStateLogParams struct {
	ID         uuid.UUID
	TableID    uuid.UUID
	FromStatus string
	ToStatus   string
	OrderID    pgtype.UUID
	Note       string
	Actor      string
	CreatedAt  time.Time
}

const createTableStateLog = `
INSERT INTO table_state_logs (id, table_id, from_status, to_status, order_id, note, actor, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, table_id, from_status, to_status, order_id, note, actor, created_at`

func (q *Queries) CreateTableStateLog(ctx context.Context, arg CreateTableStateLogParams) (TableStateLog, error) {
	row := q.db.QueryRow(ctx, createTableStateLog,
		arg.ID,
		arg.TableID,
		arg.FromStatus,
		arg.ToStatus,
		arg.OrderID,
		arg.Note,
		arg.Actor,
		arg.CreatedAt,
	)
	var l TableStateLog
	err := row.Scan(
		&l.ID,
		&l.TableID,
		&l.FromStatus,
		&l.ToStatus,
		&l.OrderID,
		&l.Note,
		&l.Actor,
		&l.CreatedAt,
	)
	return l, err
}

const getOrderStatus = `SELECT status FROM orders WHERE id = $1`

func (q *Queries) GetOrderStatus(ctx context.Context, id uuid.UUID) (string, error) {
	var status string
	err := q.db.QueryRow(ctx, getOrderStatus, id).Scan(&status)
	return status, err
}

const listTableStateLogs = `
SELECT id, table_id, from_status, to_status, order_id, note, actor, created_at
FROM table_state_logs WHERE table_id = $1 ORDER BY created_at, id`

func (q *Queries) ListTableStateLogs(ctx context.Context, tableID uuid.UUID) ([]TableStateLog, error) {
	rows, err := q.db.Query(ctx, listTableStateLogs, tableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []TableStateLog
	for rows.Next() {
		var l TableStateLog
		if err := rows.Scan(
			&l.ID,
			&l.TableID,
			&l.FromStatus,
			&l.ToStatus,
			&l.OrderID,
			&l.Note,
			&l.Actor,
			&l.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
