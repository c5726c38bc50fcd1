// Package dbtest is an in-memory stand-in for the Postgres schema, used by
// package tests. Store mirrors the query methods of database.Queries,
// including the conditional updates and the unique and check constraints the
// migrations declare. Transactions see their own writes and publish them on
// Commit; Rollback discards them. The ForUpdate reads take row locks that are
// held until the transaction ends.
package dbtest

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kiwari-pos/settlement/internal/database"
)

type tables struct {
	items          view[uuid.UUID, database.InventoryItem]
	inventoryLogs  view[uuid.UUID, database.InventoryLog]
	tables         view[uuid.UUID, database.Table]
	tableLogs      view[uuid.UUID, database.TableStateLog]
	orders         view[uuid.UUID, database.Order]
	counterparties view[uuid.UUID, database.Counterparty]
	invoices       view[uuid.UUID, database.Invoice]
	payments       view[uuid.UUID, database.Payment]
	settlements    view[string, database.Settlement]
}

// DB holds the committed rows. It satisfies database.DBTX so it can be handed
// to store factories in place of a pool; raw SQL is not supported.
type DB struct {
	mu sync.Mutex

	items          *rows[uuid.UUID, database.InventoryItem]
	inventoryLogs  *rows[uuid.UUID, database.InventoryLog]
	tables         *rows[uuid.UUID, database.Table]
	tableLogs      *rows[uuid.UUID, database.TableStateLog]
	orders         *rows[uuid.UUID, database.Order]
	counterparties *rows[uuid.UUID, database.Counterparty]
	invoices       *rows[uuid.UUID, database.Invoice]
	payments       *rows[uuid.UUID, database.Payment]
	settlements    *rows[string, database.Settlement]

	// locks maps a row to the transaction holding it FOR UPDATE.
	locks map[string]*Tx
	freed *sync.Cond

	failures  map[string]error
	calls     map[string]int
	commits   int
	rollbacks int

	// BeginErr, when set, is returned by Begin.
	BeginErr error
}

// New returns an empty database.
func New() *DB {
	d := &DB{
		items:          newRows[uuid.UUID, database.InventoryItem](),
		inventoryLogs:  newRows[uuid.UUID, database.InventoryLog](),
		tables:         newRows[uuid.UUID, database.Table](),
		tableLogs:      newRows[uuid.UUID, database.TableStateLog](),
		orders:         newRows[uuid.UUID, database.Order](),
		counterparties: newRows[uuid.UUID, database.Counterparty](),
		invoices:       newRows[uuid.UUID, database.Invoice](),
		payments:       newRows[uuid.UUID, database.Payment](),
		settlements:    newRows[string, database.Settlement](),
		locks:          make(map[string]*Tx),
		failures:       make(map[string]error),
		calls:          make(map[string]int),
	}
	d.freed = sync.NewCond(&d.mu)
	return d
}

func (d *DB) committed() tables {
	return tables{
		items:          d.items,
		inventoryLogs:  d.inventoryLogs,
		tables:         d.tables,
		tableLogs:      d.tableLogs,
		orders:         d.orders,
		counterparties: d.counterparties,
		invoices:       d.invoices,
		payments:       d.payments,
		settlements:    d.settlements,
	}
}

// FailOn makes every subsequent call to the named store method return err.
// Pass a nil err to clear it.
func (d *DB) FailOn(method string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failures, method)
		return
	}
	d.failures[method] = err
}

// Calls reports how many times the named store method has been invoked.
func (d *DB) Calls(method string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[method]
}

// Commits reports the number of committed transactions.
func (d *DB) Commits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commits
}

// hit records a call and returns the injected failure, if any. Callers hold mu.
func (d *DB) hit(method string) error {
	d.calls[method]++
	return d.failures[method]
}

func (d *DB) Begin(ctx context.Context) (pgx.Tx, error) {
	if d.BeginErr != nil {
		return nil, d.BeginErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return &Tx{db: d, view: tables{
		items:          newOverlay(d.items),
		inventoryLogs:  newOverlay(d.inventoryLogs),
		tables:         newOverlay(d.tables),
		tableLogs:      newOverlay(d.tableLogs),
		orders:         newOverlay(d.orders),
		counterparties: newOverlay(d.counterparties),
		invoices:       newOverlay(d.invoices),
		payments:       newOverlay(d.payments),
		settlements:    newOverlay(d.settlements),
	}}, nil
}

func (d *DB) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	panic("dbtest: raw SQL not supported")
}

func (d *DB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	panic("dbtest: raw SQL not supported")
}

func (d *DB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	panic("dbtest: raw SQL not supported")
}

// Tx is a pgx.Tx over DB. Only Commit and Rollback are meaningful.
type Tx struct {
	db     *DB
	view   tables
	closed bool
}

func (t *Tx) Commit(ctx context.Context) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	if t.closed {
		return pgx.ErrTxClosed
	}
	if err := t.db.hit("Commit"); err != nil {
		return err
	}
	t.closed = true
	t.db.commits++
	t.view.items.(*overlay[uuid.UUID, database.InventoryItem]).commit()
	t.view.inventoryLogs.(*overlay[uuid.UUID, database.InventoryLog]).commit()
	t.view.tables.(*overlay[uuid.UUID, database.Table]).commit()
	t.view.tableLogs.(*overlay[uuid.UUID, database.TableStateLog]).commit()
	t.view.orders.(*overlay[uuid.UUID, database.Order]).commit()
	t.view.counterparties.(*overlay[uuid.UUID, database.Counterparty]).commit()
	t.view.invoices.(*overlay[uuid.UUID, database.Invoice]).commit()
	t.view.payments.(*overlay[uuid.UUID, database.Payment]).commit()
	t.view.settlements.(*overlay[string, database.Settlement]).commit()
	t.unlock()
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.closed = true
	t.db.rollbacks++
	t.unlock()
	return nil
}

// unlock releases every row lock held by t. Callers hold db.mu.
func (t *Tx) unlock() {
	for k, holder := range t.db.locks {
		if holder == t {
			delete(t.db.locks, k)
		}
	}
	t.db.freed.Broadcast()
}

func (t *Tx) Begin(ctx context.Context) (pgx.Tx, error) { panic("dbtest: nested tx not supported") }
func (t *Tx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	panic("dbtest: not implemented")
}
func (t *Tx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	panic("dbtest: not implemented")
}
func (t *Tx) LargeObjects() pgx.LargeObjects { panic("dbtest: not implemented") }
func (t *Tx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	panic("dbtest: not implemented")
}
func (t *Tx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	panic("dbtest: raw SQL not supported")
}
func (t *Tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	panic("dbtest: raw SQL not supported")
}
func (t *Tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	panic("dbtest: raw SQL not supported")
}
func (t *Tx) Conn() *pgx.Conn { panic("dbtest: not implemented") }

// --- Seeding and inspection ---

func (d *DB) AddItem(i database.InventoryItem) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items.put(i.ID, i)
}

func (d *DB) AddTable(t database.Table) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables.put(t.ID, t)
}

func (d *DB) AddOrder(o database.Order) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.orders.put(o.ID, o)
}

func (d *DB) AddCounterparty(c database.Counterparty) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counterparties.put(c.ID, c)
}

func (d *DB) AddPayment(p database.Payment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payments.put(p.ID, p)
}

func (d *DB) AddSettlement(s database.Settlement) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settlements.put(s.Key, s)
}

func (d *DB) Item(id uuid.UUID) database.InventoryItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, _ := d.items.get(id)
	return i
}

func (d *DB) Table(id uuid.UUID) database.Table {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, _ := d.tables.get(id)
	return t
}

func (d *DB) Order(id uuid.UUID) database.Order {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, _ := d.orders.get(id)
	return o
}

func (d *DB) Counterparty(id uuid.UUID) database.Counterparty {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, _ := d.counterparties.get(id)
	return c
}

// Settlement returns the progress record for key and whether it exists.
func (d *DB) Settlement(key string) (database.Settlement, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settlements.get(key)
}

func (d *DB) InventoryLogs() []database.InventoryLog {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inventoryLogs.list()
}

func (d *DB) TableLogs() []database.TableStateLog {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tableLogs.list()
}

func (d *DB) Invoices() []database.Invoice {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.invoices.list()
}

func (d *DB) Payments() []database.Payment {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.payments.list()
}
