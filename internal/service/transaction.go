package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/settlement/internal/apperr"
	"github.com/kiwari-pos/settlement/internal/balance"
	"github.com/kiwari-pos/settlement/internal/database"
	"github.com/kiwari-pos/settlement/internal/enum"
	"github.com/kiwari-pos/settlement/internal/events"
	"github.com/kiwari-pos/settlement/internal/inventory"
	"github.com/kiwari-pos/settlement/internal/ledger"
	"github.com/kiwari-pos/settlement/internal/logger"
	"github.com/kiwari-pos/settlement/internal/tracing"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// PurchaseLine is a quantity bought at a unit cost.
type PurchaseLine struct {
	ItemID   uuid.UUID
	Quantity decimal.Decimal
	UnitCost decimal.Decimal
}

// PurchaseInput describes goods bought from a supplier. InvoiceID is the
// idempotency key of the purchase; a zero id gets a fresh one.
type PurchaseInput struct {
	InvoiceID    uuid.UUID
	SupplierID   uuid.UUID
	Items        []PurchaseLine
	Discount     decimal.Decimal
	PaymentMode  string
	PartialValue decimal.Decimal
	DueDate      *time.Time
	Notes        string
	// UpdateCost sets each item's cost price to the purchase unit cost.
	UpdateCost bool
	Actor      string
}

// SaleLine is a direct inventory sale line. A null price uses the item's
// sell price.
type SaleLine struct {
	ItemID   uuid.UUID
	Quantity decimal.Decimal
	Price    decimal.NullDecimal
}

// SaleInput describes a direct sale of inventory items, outside any order.
// CustomerID is required for part and debt payments.
type SaleInput struct {
	InvoiceID    uuid.UUID
	CustomerID   uuid.UUID
	Items        []SaleLine
	Discount     decimal.Decimal
	PaymentMode  string
	PartialValue decimal.Decimal
	DueDate      *time.Time
	Notes        string
	Actor        string
}

// ConsumptionInput removes stock that was used or wasted.
type ConsumptionInput struct {
	Items []ConsumptionLine
	// IdempotencyKey makes a repeated request a no-op.
	IdempotencyKey string
	Reason         string
	Actor          string
}

// ConsumptionLine is one item and the quantity consumed.
type ConsumptionLine struct {
	ItemID   uuid.UUID
	Quantity decimal.Decimal
}

// BuyFromSupplier adds purchased stock, records the purchase invoice and
// moves the unpaid remainder onto the supplier's balance.
func (s *OrderService) BuyFromSupplier(ctx context.Context, in PurchaseInput) (_ SettlementResult, err error) {
	ctx, span := tracing.Start(ctx, "OrderService.BuyFromSupplier", attribute.String("payment.mode", in.PaymentMode))
	defer func() { tracing.End(span, err) }()

	if in.SupplierID == uuid.Nil {
		return SettlementResult{}, apperr.Validation("supplier_id", "is required")
	}
	if len(in.Items) == 0 {
		return SettlementResult{}, apperr.Validation("items", "at least one item is required")
	}
	if in.InvoiceID == uuid.Nil {
		in.InvoiceID = uuid.New()
	}

	lines := make([]ledger.Line, 0, len(in.Items))
	for i, it := range in.Items {
		if it.ItemID == uuid.Nil {
			return SettlementResult{}, apperr.Validation(fmt.Sprintf("items[%d].item_id", i), "is required")
		}
		lines = append(lines, ledger.Line{Quantity: it.Quantity, UnitPrice: it.UnitCost})
	}
	amounts, err := ledger.Compute(lines, in.Discount, in.PaymentMode, in.PartialValue)
	if err != nil {
		return SettlementResult{}, err
	}

	supplier, err := s.ledger.Counterparty(ctx, in.SupplierID)
	if err != nil {
		return SettlementResult{}, err
	}
	if supplier.Kind != enum.CounterpartySupplier {
		return SettlementResult{}, apperr.Validation("supplier_id", fmt.Sprintf("%s is a %s", in.SupplierID, supplier.Kind))
	}

	key := purchaseKey(in.InvoiceID)
	deltas := make([]inventory.Delta, 0, len(in.Items))
	invoiceItems := make([]database.InvoiceItem, 0, len(in.Items))
	for _, it := range in.Items {
		d := inventory.Delta{
			ItemID:         it.ItemID,
			Type:           enum.InventoryLogIn,
			Quantity:       it.Quantity,
			Reason:         "purchase " + in.InvoiceID.String(),
			IdempotencyKey: fmt.Sprintf("%s:%s:%s", key, it.ItemID, enum.InventoryLogIn),
			Actor:          in.Actor,
		}
		if in.UpdateCost {
			d.UnitCost = it.UnitCost
		}
		deltas = append(deltas, d)
		invoiceItems = append(invoiceItems, database.InvoiceItem{ItemID: it.ItemID, Quantity: it.Quantity, Cost: it.UnitCost})
	}

	p := plan{
		Key:            key,
		Kind:           enum.SettlementKindPurchase,
		InvoiceID:      in.InvoiceID,
		CounterpartyID: in.SupplierID,
		Mode:           in.PaymentMode,
		PartialValue:   in.PartialValue,
		Amounts:        amounts,
		Deltas:         deltas,
		Invoice:        s.invoiceParams(in.InvoiceID, enum.InvoiceTypePurchase, in.SupplierID, invoiceItems, amounts, in.PaymentMode, in.DueDate, in.Notes, in.Actor),
		Entry: balance.Entry{
			IdempotencyKey: key + ":payment",
			Type:           enum.InvoiceTypePurchase,
			CounterpartyID: in.SupplierID,
			InvoiceID:      in.InvoiceID,
			Amount:         amounts.PaidAmount,
			BalanceDelta:   amounts.RemainingAmount,
			Method:         in.PaymentMode,
			Note:           in.Notes,
			Actor:          in.Actor,
		},
		Event: events.TypePurchaseRecorded,
		Actor: in.Actor,
	}
	return s.settleLocked(ctx, p)
}

// SellInventoryItems sells stock directly, records the sale invoice and
// moves any unpaid remainder onto the customer's balance.
func (s *OrderService) SellInventoryItems(ctx context.Context, in SaleInput) (_ SettlementResult, err error) {
	ctx, span := tracing.Start(ctx, "OrderService.SellInventoryItems", attribute.String("payment.mode", in.PaymentMode))
	defer func() { tracing.End(span, err) }()

	if len(in.Items) == 0 {
		return SettlementResult{}, apperr.Validation("items", "at least one item is required")
	}
	if !ledger.IsValidMode(in.PaymentMode) {
		return SettlementResult{}, apperr.Validation("payment_method", fmt.Sprintf("unknown payment mode %q", in.PaymentMode))
	}
	if ledger.RequiresCounterparty(in.PaymentMode) && in.CustomerID == uuid.Nil {
		return SettlementResult{}, apperr.Validation("customer_id", in.PaymentMode+" payments need a customer")
	}
	if in.InvoiceID == uuid.Nil {
		in.InvoiceID = uuid.New()
	}

	store := s.newStore(s.pool)
	lines := make([]ledger.Line, 0, len(in.Items))
	invoiceItems := make([]database.InvoiceItem, 0, len(in.Items))
	for i, it := range in.Items {
		if it.ItemID == uuid.Nil {
			return SettlementResult{}, apperr.Validation(fmt.Sprintf("items[%d].item_id", i), "is required")
		}
		price := it.Price.Decimal
		if !it.Price.Valid {
			item, err := store.GetInventoryItem(ctx, it.ItemID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return SettlementResult{}, apperr.NotFound("inventory item", it.ItemID)
				}
				return SettlementResult{}, apperr.Unavailable("get inventory item", err)
			}
			price = item.SellPerUnit
		}
		lines = append(lines, ledger.Line{Quantity: it.Quantity, UnitPrice: price})
		invoiceItems = append(invoiceItems, database.InvoiceItem{ItemID: it.ItemID, Quantity: it.Quantity, Cost: price})
	}
	amounts, err := ledger.Compute(lines, in.Discount, in.PaymentMode, in.PartialValue)
	if err != nil {
		return SettlementResult{}, err
	}

	if in.CustomerID != uuid.Nil {
		cp, err := s.ledger.Counterparty(ctx, in.CustomerID)
		if err != nil {
			return SettlementResult{}, err
		}
		if cp.Kind != enum.CounterpartyCustomer {
			return SettlementResult{}, apperr.Validation("customer_id", fmt.Sprintf("%s is a %s", in.CustomerID, cp.Kind))
		}
	}

	key := saleKey(in.InvoiceID)
	deltas := make([]inventory.Delta, 0, len(in.Items))
	for _, it := range in.Items {
		deltas = append(deltas, inventory.Delta{
			ItemID:         it.ItemID,
			Type:           enum.InventoryLogOut,
			Quantity:       it.Quantity,
			Reason:         "sale " + in.InvoiceID.String(),
			IdempotencyKey: fmt.Sprintf("%s:%s:%s", key, it.ItemID, enum.InventoryLogOut),
			Actor:          in.Actor,
		})
	}

	p := plan{
		Key:            key,
		Kind:           enum.SettlementKindSale,
		InvoiceID:      in.InvoiceID,
		CounterpartyID: in.CustomerID,
		Mode:           in.PaymentMode,
		PartialValue:   in.PartialValue,
		Amounts:        amounts,
		Deltas:         deltas,
		Invoice:        s.invoiceParams(in.InvoiceID, enum.InvoiceTypeSale, in.CustomerID, invoiceItems, amounts, in.PaymentMode, in.DueDate, in.Notes, in.Actor),
		Entry: balance.Entry{
			IdempotencyKey: key + ":payment",
			Type:           enum.InvoiceTypeSale,
			CounterpartyID: in.CustomerID,
			InvoiceID:      in.InvoiceID,
			Amount:         amounts.PaidAmount,
			BalanceDelta:   amounts.RemainingAmount,
			Method:         in.PaymentMode,
			Note:           in.Notes,
			Actor:          in.Actor,
		},
		Event: events.TypeSaleRecorded,
		Actor: in.Actor,
	}
	return s.settleLocked(ctx, p)
}

// DecreaseItemQuantity removes consumed stock. No invoice or payment is
// recorded.
func (s *OrderService) DecreaseItemQuantity(ctx context.Context, in ConsumptionInput) (_ inventory.Result, err error) {
	ctx, span := tracing.Start(ctx, "OrderService.DecreaseItemQuantity")
	defer func() { tracing.End(span, err) }()

	if len(in.Items) == 0 {
		return inventory.Result{}, apperr.Validation("items", "at least one item is required")
	}
	reason := in.Reason
	if reason == "" {
		reason = "consumption"
	}

	deltas := make([]inventory.Delta, 0, len(in.Items))
	for _, it := range in.Items {
		d := inventory.Delta{
			ItemID:   it.ItemID,
			Type:     enum.InventoryLogOut,
			Quantity: it.Quantity,
			Reason:   reason,
			Actor:    in.Actor,
		}
		if in.IdempotencyKey != "" {
			d.IdempotencyKey = fmt.Sprintf("%s:%s:%s", in.IdempotencyKey, it.ItemID, enum.InventoryLogOut)
		}
		deltas = append(deltas, d)
	}

	res, err := s.inventory.ApplyBatch(ctx, deltas)
	if err != nil {
		return inventory.Result{}, err
	}
	s.metrics.InventoryDeltas(enum.InventoryLogOut, len(res.Logs)-res.Replayed)

	logger.Info(ctx).
		Int("items", len(res.Logs)).
		Int("replayed", res.Replayed).
		Str("reason", reason).
		Str("actor", in.Actor).
		Msg("stock consumed")
	if res.Replayed < len(res.Logs) {
		s.publish(ctx, events.New(events.TypeInventoryConsumed, in.IdempotencyKey, in.Actor, res.Logs))
	}
	s.publishLowStock(ctx, res.LowStock, in.Actor)
	return res, nil
}

// settleLocked runs p while holding its workflow lock.
func (s *OrderService) settleLocked(ctx context.Context, p plan) (SettlementResult, error) {
	release, err := s.acquire(ctx, p.Key)
	if err != nil {
		return SettlementResult{}, err
	}
	defer unlock(ctx, p.Key, release)
	return s.settle(ctx, p)
}

func (s *OrderService) invoiceParams(id uuid.UUID, invoiceType string, counterparty uuid.UUID, items []database.InvoiceItem, amounts ledger.Result, mode string, due *time.Time, notes, actor string) database.CreateInvoiceParams {
	inv := database.CreateInvoiceParams{
		ID:              id,
		Type:            invoiceType,
		Items:           items,
		SubTotal:        amounts.SubTotal,
		Discount:        amounts.Discount,
		Total:           amounts.Total,
		PaidAmount:      amounts.PaidAmount,
		RemainingAmount: amounts.RemainingAmount,
		Status:          amounts.Status,
		PaymentMethod:   mode,
		Notes:           notes,
		CreatedBy:       actor,
		CreatedAt:       s.now(),
	}
	if counterparty != uuid.Nil {
		inv.RelatedID = pgtype.UUID{Bytes: counterparty, Valid: true}
	}
	if due != nil {
		inv.DueDate = pgtype.Date{Time: *due, Valid: true}
	}
	return inv
}
