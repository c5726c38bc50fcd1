package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/settlement/internal/apperr"
	"github.com/kiwari-pos/settlement/internal/balance"
	"github.com/kiwari-pos/settlement/internal/database"
	"github.com/kiwari-pos/settlement/internal/enum"
	"github.com/kiwari-pos/settlement/internal/events"
	"github.com/kiwari-pos/settlement/internal/ledger"
	"github.com/kiwari-pos/settlement/internal/tracing"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// SettleOrderInput holds the payment details for closing an order.
type SettleOrderInput struct {
	OrderID       uuid.UUID
	PaymentMethod string
	PartialValue  decimal.Decimal
	CustomerID    uuid.UUID
	Note          string
	Actor         string
}

// SettleOrder deducts the order's stock, records its sale invoice and
// payment, and closes the order and its table. A repeated call returns the
// original result; a call after a partial failure resumes where it stopped.
func (s *OrderService) SettleOrder(ctx context.Context, in SettleOrderInput) (_ SettlementResult, err error) {
	ctx, span := tracing.Start(ctx, "OrderService.SettleOrder",
		attribute.String("order.id", in.OrderID.String()),
		attribute.String("payment.mode", in.PaymentMethod),
	)
	defer func() { tracing.End(span, err) }()

	if !ledger.IsValidMode(in.PaymentMethod) {
		return SettlementResult{}, apperr.Validation("payment_method", fmt.Sprintf("unknown payment mode %q", in.PaymentMethod))
	}
	if ledger.RequiresCounterparty(in.PaymentMethod) && in.CustomerID == uuid.Nil {
		return SettlementResult{}, apperr.Validation("customer_id", in.PaymentMethod+" payments need a customer")
	}

	key := orderKey(in.OrderID)
	release, err := s.acquire(ctx, key)
	if err != nil {
		return SettlementResult{}, err
	}
	defer unlock(ctx, key, release)

	store := s.newStore(s.pool)
	order, err := store.GetOrder(ctx, in.OrderID)
	if err != nil {
		return SettlementResult{}, orderErr(err, in.OrderID)
	}

	switch order.Status {
	case enum.OrderStatusCancelled:
		return SettlementResult{}, apperr.Conflict(fmt.Sprintf("order %s was cancelled", in.OrderID))
	case enum.OrderStatusPaid:
		// Paid without a settlement record: nothing to resume, report as done.
		if _, gerr := store.GetSettlement(ctx, key); errors.Is(gerr, pgx.ErrNoRows) {
			return SettlementResult{
				Key:       key,
				Kind:      enum.SettlementKindOrder,
				Status:    enum.SettlementStatusCompleted,
				InvoiceID: invoiceForOrder(order.ID),
				Order:     &order,
				Replayed:  true,
			}, nil
		}
	}

	amounts, err := ledger.Compute(orderLines(order.Items, order.Products, order.Tax), order.Discount, in.PaymentMethod, in.PartialValue)
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

	var tableID uuid.UUID
	if order.TableID.Valid {
		tableID = uuid.UUID(order.TableID.Bytes)
	}
	var customer pgtype.UUID
	if in.CustomerID != uuid.Nil {
		customer = pgtype.UUID{Bytes: in.CustomerID, Valid: true}
	}

	invoiceID := invoiceForOrder(order.ID)
	invoiceItems := make([]database.InvoiceItem, 0, len(order.Items))
	for _, it := range order.Items {
		invoiceItems = append(invoiceItems, database.InvoiceItem{ItemID: it.ItemID, Quantity: it.Quantity, Cost: it.Price})
	}

	p := plan{
		Key:            key,
		Kind:           enum.SettlementKindOrder,
		OrderID:        order.ID,
		TableID:        tableID,
		InvoiceID:      invoiceID,
		CounterpartyID: in.CustomerID,
		Mode:           in.PaymentMethod,
		PartialValue:   in.PartialValue,
		Amounts:        amounts,
		Deltas:         outDeltas(order, in.Actor),
		Invoice: database.CreateInvoiceParams{
			ID:              invoiceID,
			Type:            enum.InvoiceTypeSale,
			RelatedID:       customer,
			OrderID:         pgtype.UUID{Bytes: order.ID, Valid: true},
			Items:           invoiceItems,
			SubTotal:        amounts.SubTotal,
			Discount:        amounts.Discount,
			Total:           amounts.Total,
			PaidAmount:      amounts.PaidAmount,
			RemainingAmount: amounts.RemainingAmount,
			Status:          amounts.Status,
			PaymentMethod:   in.PaymentMethod,
			Notes:           in.Note,
			CreatedBy:       in.Actor,
			CreatedAt:       s.now(),
		},
		Entry: balance.Entry{
			IdempotencyKey: key + ":payment",
			Type:           enum.InvoiceTypeSale,
			CounterpartyID: in.CustomerID,
			InvoiceID:      invoiceID,
			Amount:         amounts.PaidAmount,
			BalanceDelta:   amounts.RemainingAmount,
			Method:         in.PaymentMethod,
			Note:           in.Note,
			Actor:          in.Actor,
		},
		Event: events.TypeOrderSettled,
		Actor: in.Actor,
	}

	res, err := s.settle(ctx, p)
	if err != nil {
		return SettlementResult{}, err
	}
	if res.Order == nil {
		if o, gerr := store.GetOrder(ctx, order.ID); gerr == nil {
			res.Order = &o
		}
	}
	return res, nil
}
