package dbtest

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/settlement/internal/database"
	"github.com/kiwari-pos/settlement/internal/enum"
)

// Store implements the query methods of database.Queries over a DB, either
// directly or inside a Tx.
type Store struct {
	db *DB
	tx *Tx
}

// NewStore mirrors database.New: db is either a *DB or a *Tx it began.
func NewStore(db database.DBTX) *Store {
	switch x := db.(type) {
	case *DB:
		return &Store{db: x}
	case *Tx:
		return &Store{db: x.db, tx: x}
	}
	panic("dbtest: NewStore needs a *dbtest.DB or *dbtest.Tx")
}

func (s *Store) rows() tables {
	if s.tx != nil {
		return s.tx.view
	}
	return s.db.committed()
}

// enter runs with s.db.mu held.
func (s *Store) enter(ctx context.Context, method string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.tx != nil && s.tx.closed {
		return pgx.ErrTxClosed
	}
	return s.db.hit(method)
}

// lockRow emulates SELECT ... FOR UPDATE: it blocks until no other open
// transaction holds the row. Outside a transaction it is a no-op. Callers hold
// s.db.mu.
func (s *Store) lockRow(kind string, id uuid.UUID) {
	if s.tx == nil {
		return
	}
	key := kind + ":" + id.String()
	for {
		holder, held := s.db.locks[key]
		if !held || holder == s.tx || holder.closed {
			s.db.locks[key] = s.tx
			return
		}
		s.db.freed.Wait()
	}
}

func uniqueViolation(constraint string) error {
	return &pgconn.PgError{Code: "23505", ConstraintName: constraint, Message: "duplicate key value violates unique constraint"}
}

func checkViolation(constraint string) error {
	return &pgconn.PgError{Code: "23514", ConstraintName: constraint, Message: "new row violates check constraint"}
}

func sameUUID(a, b pgtype.UUID) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Bytes == b.Bytes
}

// --- Inventory ---

func (s *Store) GetInventoryItem(ctx context.Context, id uuid.UUID) (database.InventoryItem, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "GetInventoryItem"); err != nil {
		return database.InventoryItem{}, err
	}
	i, ok := s.rows().items.get(id)
	if !ok {
		return database.InventoryItem{}, pgx.ErrNoRows
	}
	return i, nil
}

func (s *Store) GetInventoryItemForUpdate(ctx context.Context, id uuid.UUID) (database.InventoryItem, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "GetInventoryItemForUpdate"); err != nil {
		return database.InventoryItem{}, err
	}
	s.lockRow("item", id)
	i, ok := s.rows().items.get(id)
	if !ok {
		return database.InventoryItem{}, pgx.ErrNoRows
	}
	return i, nil
}

func (s *Store) UpdateInventoryQuantity(ctx context.Context, arg database.UpdateInventoryQuantityParams) (database.InventoryItem, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "UpdateInventoryQuantity"); err != nil {
		return database.InventoryItem{}, err
	}
	i, ok := s.rows().items.get(arg.ID)
	if !ok {
		return database.InventoryItem{}, pgx.ErrNoRows
	}
	if arg.Quantity.IsNegative() {
		return database.InventoryItem{}, checkViolation("inventory_items_quantity_check")
	}
	i.Quantity = arg.Quantity
	i.LastUpdated = arg.LastUpdated
	s.rows().items.put(i.ID, i)
	return i, nil
}

func (s *Store) UpdateInventoryCost(ctx context.Context, arg database.UpdateInventoryCostParams) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "UpdateInventoryCost"); err != nil {
		return err
	}
	i, ok := s.rows().items.get(arg.ID)
	if !ok {
		return nil
	}
	i.CostPerUnit = arg.CostPerUnit
	s.rows().items.put(i.ID, i)
	return nil
}

func (s *Store) GetInventoryLogByKey(ctx context.Context, key string) (database.InventoryLog, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "GetInventoryLogByKey"); err != nil {
		return database.InventoryLog{}, err
	}
	for _, l := range s.rows().inventoryLogs.list() {
		if l.IdempotencyKey == key {
			return l, nil
		}
	}
	return database.InventoryLog{}, pgx.ErrNoRows
}

func (s *Store) CreateInventoryLog(ctx context.Context, arg database.CreateInventoryLogParams) (database.InventoryLog, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "CreateInventoryLog"); err != nil {
		return database.InventoryLog{}, err
	}
	for _, l := range s.rows().inventoryLogs.list() {
		if l.IdempotencyKey == arg.IdempotencyKey {
			return database.InventoryLog{}, uniqueViolation("inventory_logs_idempotency_key_key")
		}
	}
	l := database.InventoryLog{
		ID:             arg.ID,
		ItemID:         arg.ItemID,
		Type:           arg.Type,
		Quantity:       arg.Quantity,
		QuantityAfter:  arg.QuantityAfter,
		Reason:         arg.Reason,
		RelatedOrderID: arg.RelatedOrderID,
		IdempotencyKey: arg.IdempotencyKey,
		CreatedBy:      arg.CreatedBy,
		CreatedAt:      arg.CreatedAt,
	}
	s.rows().inventoryLogs.put(l.ID, l)
	return l, nil
}

func (s *Store) ListInventoryLogsByItem(ctx context.Context, itemID uuid.UUID) ([]database.InventoryLog, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "ListInventoryLogsByItem"); err != nil {
		return nil, err
	}
	var out []database.InventoryLog
	for _, l := range s.rows().inventoryLogs.list() {
		if l.ItemID == itemID {
			out = append(out, l)
		}
	}
	return out, nil
}

// --- Tables ---

func (s *Store) GetTable(ctx context.Context, id uuid.UUID) (database.Table, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "GetTable"); err != nil {
		return database.Table{}, err
	}
	t, ok := s.rows().tables.get(id)
	if !ok {
		return database.Table{}, pgx.ErrNoRows
	}
	return t, nil
}

func (s *Store) GetTableForUpdate(ctx context.Context, id uuid.UUID) (database.Table, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "GetTableForUpdate"); err != nil {
		return database.Table{}, err
	}
	s.lockRow("table", id)
	t, ok := s.rows().tables.get(id)
	if !ok {
		return database.Table{}, pgx.ErrNoRows
	}
	return t, nil
}

func (s *Store) UpdateTableState(ctx context.Context, arg database.UpdateTableStateParams) (database.Table, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "UpdateTableState"); err != nil {
		return database.Table{}, err
	}
	t, ok := s.rows().tables.get(arg.ID)
	if !ok || !sameUUID(t.CurrentOrderID, arg.ExpectedOrderID) {
		return database.Table{}, pgx.ErrNoRows
	}
	if (arg.Status == enum.TableStatusOccupied) != arg.CurrentOrderID.Valid {
		return database.Table{}, checkViolation("tables_check")
	}
	t.Status = arg.Status
	t.CurrentOrderID = arg.CurrentOrderID
	t.UpdatedAt = arg.UpdatedAt
	s.rows().tables.put(t.ID, t)
	return t, nil
}

func (s *Store) CreateTableStateLog(ctx context.Context, arg database.CreateTableStateLogParams) (database.TableStateLog, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "CreateTableStateLog"); err != nil {
		return database.TableStateLog{}, err
	}
	l := database.TableStateLog(arg)
	s.rows().tableLogs.put(l.ID, l)
	return l, nil
}

func (s *Store) ListTableStateLogs(ctx context.Context, tableID uuid.UUID) ([]database.TableStateLog, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "ListTableStateLogs"); err != nil {
		return nil, err
	}
	var out []database.TableStateLog
	for _, l := range s.rows().tableLogs.list() {
		if l.TableID == tableID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *Store) GetOrderStatus(ctx context.Context, id uuid.UUID) (string, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "GetOrderStatus"); err != nil {
		return "", err
	}
	o, ok := s.rows().orders.get(id)
	if !ok {
		return "", pgx.ErrNoRows
	}
	return o.Status, nil
}

// --- Orders ---

func (s *Store) CreateOrder(ctx context.Context, arg database.CreateOrderParams) (database.Order, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "CreateOrder"); err != nil {
		return database.Order{}, err
	}
	if _, exists := s.rows().orders.get(arg.ID); exists {
		return database.Order{}, uniqueViolation("orders_pkey")
	}
	o := database.Order{
		ID:            arg.ID,
		TableID:       arg.TableID,
		Type:          arg.Type,
		Items:         arg.Items,
		Products:      arg.Products,
		SubTotal:      arg.SubTotal,
		Discount:      arg.Discount,
		Tax:           arg.Tax,
		Total:         arg.Total,
		Status:        enum.OrderStatusOpen,
		PaymentMethod: arg.PaymentMethod,
		CustomerName:  arg.CustomerName,
		Notes:         arg.Notes,
		CreatedBy:     arg.CreatedBy,
		CreatedAt:     arg.CreatedAt,
		UpdatedAt:     arg.CreatedAt,
		Version:       1,
	}
	s.rows().orders.put(o.ID, o)
	return o, nil
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (database.Order, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "GetOrder"); err != nil {
		return database.Order{}, err
	}
	o, ok := s.rows().orders.get(id)
	if !ok {
		return database.Order{}, pgx.ErrNoRows
	}
	return o, nil
}

func (s *Store) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (database.Order, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "GetOrderForUpdate"); err != nil {
		return database.Order{}, err
	}
	s.lockRow("order", id)
	o, ok := s.rows().orders.get(id)
	if !ok {
		return database.Order{}, pgx.ErrNoRows
	}
	return o, nil
}

func (s *Store) UpdateOrderLines(ctx context.Context, arg database.UpdateOrderLinesParams) (database.Order, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "UpdateOrderLines"); err != nil {
		return database.Order{}, err
	}
	o, ok := s.rows().orders.get(arg.ID)
	if !ok || o.Version != arg.Version || o.Status != enum.OrderStatusOpen {
		return database.Order{}, pgx.ErrNoRows
	}
	o.Items = arg.Items
	o.Products = arg.Products
	o.SubTotal = arg.SubTotal
	o.Discount = arg.Discount
	o.Total = arg.Total
	o.Notes = arg.Notes
	o.UpdatedAt = arg.UpdatedAt
	o.Version++
	s.rows().orders.put(o.ID, o)
	return o, nil
}

func (s *Store) CloseOrder(ctx context.Context, arg database.CloseOrderParams) (database.Order, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "CloseOrder"); err != nil {
		return database.Order{}, err
	}
	o, ok := s.rows().orders.get(arg.ID)
	if !ok || o.Status != enum.OrderStatusOpen {
		return database.Order{}, pgx.ErrNoRows
	}
	o.Status = arg.Status
	o.PaymentMethod = arg.PaymentMethod
	o.ClosedBy = pgtype.Text{String: arg.ClosedBy, Valid: true}
	o.UpdatedAt = arg.UpdatedAt
	o.Version++
	s.rows().orders.put(o.ID, o)
	return o, nil
}

// --- Settlements ---

func (s *Store) GetSettlement(ctx context.Context, key string) (database.Settlement, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "GetSettlement"); err != nil {
		return database.Settlement{}, err
	}
	st, ok := s.rows().settlements.get(key)
	if !ok {
		return database.Settlement{}, pgx.ErrNoRows
	}
	return st, nil
}

func (s *Store) CreateSettlement(ctx context.Context, arg database.CreateSettlementParams) (database.Settlement, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "CreateSettlement"); err != nil {
		return database.Settlement{}, err
	}
	if _, exists := s.rows().settlements.get(arg.Key); exists {
		return database.Settlement{}, pgx.ErrNoRows
	}
	st := database.Settlement{
		Key:            arg.Key,
		Kind:           arg.Kind,
		Status:         enum.SettlementStatusInProgress,
		InvoiceID:      arg.InvoiceID,
		CounterpartyID: arg.CounterpartyID,
		PaymentMode:    arg.PaymentMode,
		PartialValue:   arg.PartialValue,
		Snapshot:       append([]byte(nil), arg.Snapshot...),
		CreatedBy:      arg.CreatedBy,
		CreatedAt:      arg.CreatedAt,
		UpdatedAt:      arg.CreatedAt,
	}
	s.rows().settlements.put(st.Key, st)
	return st, nil
}

func (s *Store) UpdateSettlement(ctx context.Context, arg database.UpdateSettlementParams) (database.Settlement, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "UpdateSettlement"); err != nil {
		return database.Settlement{}, err
	}
	st, ok := s.rows().settlements.get(arg.Key)
	if !ok {
		return database.Settlement{}, pgx.ErrNoRows
	}
	st.Status = arg.Status
	st.InventoryApplied = arg.InventoryApplied
	st.InvoiceRecorded = arg.InvoiceRecorded
	st.PaymentPosted = arg.PaymentPosted
	st.OrderClosed = arg.OrderClosed
	st.TableReleased = arg.TableReleased
	st.LastError = arg.LastError
	st.UpdatedAt = arg.UpdatedAt
	s.rows().settlements.put(st.Key, st)
	return st, nil
}

func (s *Store) DeleteSettlement(ctx context.Context, key string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "DeleteSettlement"); err != nil {
		return err
	}
	if st, ok := s.rows().settlements.get(key); ok && !st.InventoryApplied {
		s.rows().settlements.del(key)
	}
	return nil
}

func (s *Store) ListSettlementsByStatus(ctx context.Context, status string) ([]database.Settlement, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "ListSettlementsByStatus"); err != nil {
		return nil, err
	}
	var out []database.Settlement
	for _, st := range s.rows().settlements.list() {
		if st.Status == status {
			out = append(out, st)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// --- Counterparties ---

func (s *Store) GetCounterparty(ctx context.Context, id uuid.UUID) (database.Counterparty, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "GetCounterparty"); err != nil {
		return database.Counterparty{}, err
	}
	c, ok := s.rows().counterparties.get(id)
	if !ok {
		return database.Counterparty{}, pgx.ErrNoRows
	}
	return c, nil
}

func (s *Store) GetCounterpartyForUpdate(ctx context.Context, id uuid.UUID) (database.Counterparty, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "GetCounterpartyForUpdate"); err != nil {
		return database.Counterparty{}, err
	}
	s.lockRow("counterparty", id)
	c, ok := s.rows().counterparties.get(id)
	if !ok {
		return database.Counterparty{}, pgx.ErrNoRows
	}
	return c, nil
}

func (s *Store) UpdateCounterpartyBalance(ctx context.Context, arg database.UpdateCounterpartyBalanceParams) (database.Counterparty, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "UpdateCounterpartyBalance"); err != nil {
		return database.Counterparty{}, err
	}
	c, ok := s.rows().counterparties.get(arg.ID)
	if !ok {
		return database.Counterparty{}, pgx.ErrNoRows
	}
	c.Balance = arg.Balance
	c.UpdatedAt = arg.UpdatedAt
	s.rows().counterparties.put(c.ID, c)
	return c, nil
}

// --- Invoices ---

func (s *Store) GetInvoice(ctx context.Context, id uuid.UUID) (database.Invoice, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "GetInvoice"); err != nil {
		return database.Invoice{}, err
	}
	inv, ok := s.rows().invoices.get(id)
	if !ok {
		return database.Invoice{}, pgx.ErrNoRows
	}
	return inv, nil
}

func (s *Store) CreateInvoice(ctx context.Context, arg database.CreateInvoiceParams) (database.Invoice, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "CreateInvoice"); err != nil {
		return database.Invoice{}, err
	}
	if _, exists := s.rows().invoices.get(arg.ID); exists {
		return database.Invoice{}, uniqueViolation("invoices_pkey")
	}
	if arg.RemainingAmount.IsNegative() {
		return database.Invoice{}, checkViolation("invoices_remaining_amount_check")
	}
	if !arg.PaidAmount.Add(arg.RemainingAmount).Equal(arg.Total) {
		return database.Invoice{}, checkViolation("invoices_check")
	}
	inv := database.Invoice(arg)
	s.rows().invoices.put(inv.ID, inv)
	return inv, nil
}

func (s *Store) ListInvoicesByCounterparty(ctx context.Context, relatedID uuid.UUID) ([]database.Invoice, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "ListInvoicesByCounterparty"); err != nil {
		return nil, err
	}
	var out []database.Invoice
	list := s.rows().invoices.list()
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].RelatedID.Valid && uuid.UUID(list[i].RelatedID.Bytes) == relatedID {
			out = append(out, list[i])
		}
	}
	return out, nil
}

// --- Payments ---

func (s *Store) GetPaymentByKey(ctx context.Context, key string) (database.Payment, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "GetPaymentByKey"); err != nil {
		return database.Payment{}, err
	}
	for _, p := range s.rows().payments.list() {
		if p.IdempotencyKey == key {
			return p, nil
		}
	}
	return database.Payment{}, pgx.ErrNoRows
}

func (s *Store) CreatePayment(ctx context.Context, arg database.CreatePaymentParams) (database.Payment, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "CreatePayment"); err != nil {
		return database.Payment{}, err
	}
	for _, p := range s.rows().payments.list() {
		if p.IdempotencyKey == arg.IdempotencyKey {
			return database.Payment{}, uniqueViolation("payments_idempotency_key_key")
		}
	}
	if arg.Amount.IsNegative() {
		return database.Payment{}, checkViolation("payments_amount_check")
	}
	p := database.Payment(arg)
	s.rows().payments.put(p.ID, p)
	return p, nil
}

func (s *Store) ListPaymentsByCounterparty(ctx context.Context, relatedID uuid.UUID) ([]database.Payment, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.enter(ctx, "ListPaymentsByCounterparty"); err != nil {
		return nil, err
	}
	var out []database.Payment
	for _, p := range s.rows().payments.list() {
		if p.RelatedID.Valid && uuid.UUID(p.RelatedID.Bytes) == relatedID {
			out = append(out, p)
		}
	}
	return out, nil
}
