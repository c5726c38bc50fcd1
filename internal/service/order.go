package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/settlement/internal/apperr"
	"github.com/kiwari-pos/settlement/internal/database"
	"github.com/kiwari-pos/settlement/internal/enum"
	"github.com/kiwari-pos/settlement/internal/events"
	"github.com/kiwari-pos/settlement/internal/inventory"
	"github.com/kiwari-pos/settlement/internal/ledger"
	"github.com/kiwari-pos/settlement/internal/logger"
	"github.com/kiwari-pos/settlement/internal/table"
	"github.com/kiwari-pos/settlement/internal/tracing"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// ItemLine is an inventory-backed line. A null price uses the item's
// sell price.
type ItemLine struct {
	ItemID   uuid.UUID
	Quantity decimal.Decimal
	Price    decimal.NullDecimal
}

// ProductLine is a catalog line with no stock effect.
type ProductLine struct {
	ProductID uuid.UUID
	Name      string
	Quantity  decimal.Decimal
	Price     decimal.Decimal
}

// CreateOrderInput holds the data needed to open an order.
type CreateOrderInput struct {
	TableID       uuid.UUID
	Type          string
	Items         []ItemLine
	Products      []ProductLine
	Discount      decimal.Decimal
	Tax           decimal.Decimal
	PaymentMethod string
	CustomerName  string
	Notes         string
	Actor         string
}

// UpdateOrderInput replaces the lines of an open order. Version must match
// the stored order.
type UpdateOrderInput struct {
	OrderID  uuid.UUID
	Version  int32
	Items    []ItemLine
	Products []ProductLine
	Discount decimal.Decimal
	Notes    string
	Actor    string
}

// OrderDetail is an order with its settlement progress, if any.
type OrderDetail struct {
	Order      database.Order
	Settlement *database.Settlement
}

// CreateOrder persists an open order and binds its table in one transaction.
func (s *OrderService) CreateOrder(ctx context.Context, in CreateOrderInput) (_ database.Order, err error) {
	ctx, span := tracing.Start(ctx, "OrderService.CreateOrder")
	defer func() { tracing.End(span, err) }()

	if in.Type == "" {
		in.Type = enum.OrderTypeDineIn
	}
	switch in.Type {
	case enum.OrderTypeDineIn, enum.OrderTypeTakeaway, enum.OrderTypeDelivery:
	default:
		return database.Order{}, apperr.Validation("type", fmt.Sprintf("unknown order type %q", in.Type))
	}
	if in.Type == enum.OrderTypeDineIn && in.TableID == uuid.Nil {
		return database.Order{}, apperr.Validation("table_id", "is required for dine-in orders")
	}
	if in.PaymentMethod != "" && !ledger.IsValidMode(in.PaymentMethod) {
		return database.Order{}, apperr.Validation("payment_method", fmt.Sprintf("unknown payment mode %q", in.PaymentMethod))
	}
	if in.Tax.IsNegative() {
		return database.Order{}, apperr.Validation("tax", "must be >= 0")
	}

	items, products, err := s.priceLines(ctx, in.Items, in.Products)
	if err != nil {
		return database.Order{}, err
	}
	amounts, err := computeOrder(items, products, in.Tax, in.Discount)
	if err != nil {
		return database.Order{}, err
	}

	orderID := uuid.New()
	var tableID pgtype.UUID
	if in.TableID != uuid.Nil {
		tableID = pgtype.UUID{Bytes: in.TableID, Valid: true}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return database.Order{}, apperr.Unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// --- Create order ---
	order, err := s.newStore(tx).CreateOrder(ctx, database.CreateOrderParams{
		ID:            orderID,
		TableID:       tableID,
		Type:          in.Type,
		Items:         items,
		Products:      products,
		SubTotal:      amounts.SubTotal.Sub(in.Tax),
		Discount:      amounts.Discount,
		Tax:           in.Tax,
		Total:         amounts.Total,
		PaymentMethod: in.PaymentMethod,
		CustomerName:  in.CustomerName,
		Notes:         in.Notes,
		CreatedBy:     in.Actor,
		CreatedAt:     s.now(),
	})
	if err != nil {
		return database.Order{}, apperr.Unavailable("create order", err)
	}

	// --- Bind table ---
	var tr table.Transition
	if in.TableID != uuid.Nil {
		tr, err = s.tables.BindWith(ctx, tx, in.TableID, orderID, in.Actor)
		if err != nil {
			return database.Order{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return database.Order{}, apperr.Unavailable("commit order", err)
	}
	s.tables.Notify(ctx, tr)

	logger.Info(ctx).
		Str("order_id", orderID.String()).
		Str("type", in.Type).
		Str("total", order.Total.String()).
		Str("actor", in.Actor).
		Msg("order created")
	return order, nil
}

// UpdateOrder replaces the lines of an open order and recomputes its totals.
// Stock and balances are untouched.
func (s *OrderService) UpdateOrder(ctx context.Context, in UpdateOrderInput) (_ database.Order, err error) {
	ctx, span := tracing.Start(ctx, "OrderService.UpdateOrder", attribute.String("order.id", in.OrderID.String()))
	defer func() { tracing.End(span, err) }()

	key := orderKey(in.OrderID)
	release, err := s.acquire(ctx, key)
	if err != nil {
		return database.Order{}, err
	}
	defer unlock(ctx, key, release)

	store := s.newStore(s.pool)
	order, err := store.GetOrder(ctx, in.OrderID)
	if err != nil {
		return database.Order{}, orderErr(err, in.OrderID)
	}
	if order.Status != enum.OrderStatusOpen {
		return database.Order{}, apperr.Conflict(fmt.Sprintf("order %s is %s", in.OrderID, order.Status))
	}
	if _, err := store.GetSettlement(ctx, key); err == nil {
		return database.Order{}, apperr.Conflict(fmt.Sprintf("order %s has a settlement in progress", in.OrderID))
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return database.Order{}, apperr.Unavailable("get settlement", err)
	}

	items, products, err := s.priceLines(ctx, in.Items, in.Products)
	if err != nil {
		return database.Order{}, err
	}
	amounts, err := computeOrder(items, products, order.Tax, in.Discount)
	if err != nil {
		return database.Order{}, err
	}

	updated, err := store.UpdateOrderLines(ctx, database.UpdateOrderLinesParams{
		ID:        in.OrderID,
		Version:   in.Version,
		Items:     items,
		Products:  products,
		SubTotal:  amounts.SubTotal.Sub(order.Tax),
		Discount:  amounts.Discount,
		Total:     amounts.Total,
		Notes:     in.Notes,
		UpdatedAt: s.now(),
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return database.Order{}, apperr.Conflict(fmt.Sprintf("order %s was modified, re-fetch and retry", in.OrderID))
		}
		return database.Order{}, apperr.Unavailable("update order", err)
	}
	return updated, nil
}

// CancelOrder closes an open order as cancelled and releases its table.
// Cancelling a cancelled order returns it unchanged.
func (s *OrderService) CancelOrder(ctx context.Context, orderID uuid.UUID, actor string) (_ database.Order, err error) {
	ctx, span := tracing.Start(ctx, "OrderService.CancelOrder", attribute.String("order.id", orderID.String()))
	defer func() { tracing.End(span, err) }()

	key := orderKey(orderID)
	release, err := s.acquire(ctx, key)
	if err != nil {
		return database.Order{}, err
	}
	defer unlock(ctx, key, release)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return database.Order{}, apperr.Unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	store := s.newStore(tx)
	order, err := store.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		return database.Order{}, orderErr(err, orderID)
	}
	switch order.Status {
	case enum.OrderStatusCancelled:
		return order, nil
	case enum.OrderStatusPaid:
		return database.Order{}, apperr.Conflict(fmt.Sprintf("order %s is already paid", orderID))
	}

	// Any record may stand for committed stock, even one whose progress
	// flags were never saved.
	if _, err := store.GetSettlement(ctx, key); err == nil {
		return database.Order{}, apperr.Conflict(fmt.Sprintf("order %s has a pending settlement; complete it instead", orderID))
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return database.Order{}, apperr.Unavailable("get settlement", err)
	}

	order, err = store.CloseOrder(ctx, database.CloseOrderParams{
		ID:        orderID,
		Status:    enum.OrderStatusCancelled,
		ClosedBy:  actor,
		UpdatedAt: s.now(),
	})
	if err != nil {
		return database.Order{}, apperr.Unavailable("cancel order", err)
	}

	var tr table.Transition
	if order.TableID.Valid {
		tr, err = s.tables.ReleaseWith(ctx, tx, uuid.UUID(order.TableID.Bytes), orderID, actor)
		if err != nil {
			return database.Order{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return database.Order{}, apperr.Unavailable("commit cancel", err)
	}
	s.tables.Notify(ctx, tr)

	logger.Info(ctx).Str("order_id", orderID.String()).Str("actor", actor).Msg("order cancelled")
	s.publish(ctx, events.New(events.TypeOrderCancelled, orderID.String(), actor, order))
	return order, nil
}

// GetOrder returns an order with its settlement record, if one exists.
func (s *OrderService) GetOrder(ctx context.Context, orderID uuid.UUID) (OrderDetail, error) {
	store := s.newStore(s.pool)
	order, err := store.GetOrder(ctx, orderID)
	if err != nil {
		return OrderDetail{}, orderErr(err, orderID)
	}
	detail := OrderDetail{Order: order}
	rec, err := store.GetSettlement(ctx, orderKey(orderID))
	switch {
	case err == nil:
		detail.Settlement = &rec
	case !errors.Is(err, pgx.ErrNoRows):
		return OrderDetail{}, apperr.Unavailable("get settlement", err)
	}
	return detail, nil
}

// --- Helpers ---

// priceLines resolves item names and default prices from inventory.
func (s *OrderService) priceLines(ctx context.Context, itemLines []ItemLine, productLines []ProductLine) ([]database.OrderItem, []database.OrderProduct, error) {
	if len(itemLines) == 0 && len(productLines) == 0 {
		return nil, nil, apperr.Validation("items", "at least one item or product is required")
	}

	store := s.newStore(s.pool)
	items := make([]database.OrderItem, 0, len(itemLines))
	for i, l := range itemLines {
		if !l.Quantity.IsPositive() {
			return nil, nil, apperr.Validation(fmt.Sprintf("items[%d].quantity", i), "must be > 0")
		}
		item, err := store.GetInventoryItem(ctx, l.ItemID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, nil, apperr.NotFound("inventory item", l.ItemID)
			}
			return nil, nil, apperr.Unavailable("get inventory item", err)
		}
		price := item.SellPerUnit
		if l.Price.Valid {
			if l.Price.Decimal.IsNegative() {
				return nil, nil, apperr.Validation(fmt.Sprintf("items[%d].price", i), "must be >= 0")
			}
			price = l.Price.Decimal
		}
		items = append(items, database.OrderItem{
			ItemID:   item.ID,
			ItemName: item.Name,
			Quantity: l.Quantity,
			Price:    price,
			Total:    l.Quantity.Mul(price),
		})
	}

	products := make([]database.OrderProduct, 0, len(productLines))
	for i, l := range productLines {
		if l.ProductID == uuid.Nil {
			return nil, nil, apperr.Validation(fmt.Sprintf("products[%d].product_id", i), "is required")
		}
		if !l.Quantity.IsPositive() {
			return nil, nil, apperr.Validation(fmt.Sprintf("products[%d].quantity", i), "must be > 0")
		}
		if l.Price.IsNegative() {
			return nil, nil, apperr.Validation(fmt.Sprintf("products[%d].price", i), "must be >= 0")
		}
		products = append(products, database.OrderProduct{
			ProductID:   l.ProductID,
			ProductName: l.Name,
			Quantity:    l.Quantity,
			Price:       l.Price,
			Total:       l.Quantity.Mul(l.Price),
		})
	}
	return items, products, nil
}

// orderLines flattens order lines for the ledger arithmetic. Tax is carried
// as a single unit line so the discount applies to the taxed amount.
func orderLines(items []database.OrderItem, products []database.OrderProduct, tax decimal.Decimal) []ledger.Line {
	lines := make([]ledger.Line, 0, len(items)+len(products)+1)
	for _, it := range items {
		lines = append(lines, ledger.Line{Quantity: it.Quantity, UnitPrice: it.Price})
	}
	for _, p := range products {
		lines = append(lines, ledger.Line{Quantity: p.Quantity, UnitPrice: p.Price})
	}
	if tax.IsPositive() {
		lines = append(lines, ledger.Line{Quantity: decimal.NewFromInt(1), UnitPrice: tax})
	}
	return lines
}

// computeOrder returns the running totals of an open order. The result's
// subtotal includes tax.
func computeOrder(items []database.OrderItem, products []database.OrderProduct, tax, discount decimal.Decimal) (ledger.Result, error) {
	return ledger.Compute(orderLines(items, products, tax), discount, enum.PaymentModeDebt, decimal.Zero)
}

// outDeltas turns the item lines of an order into stock deductions keyed by
// the order id.
func outDeltas(order database.Order, actor string) []inventory.Delta {
	deltas := make([]inventory.Delta, 0, len(order.Items))
	for _, it := range order.Items {
		deltas = append(deltas, inventory.Delta{
			ItemID:         it.ItemID,
			Type:           enum.InventoryLogOut,
			Quantity:       it.Quantity,
			Reason:         "order " + order.ID.String(),
			RelatedOrderID: order.ID,
			Actor:          actor,
		})
	}
	return deltas
}
