package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiwari-pos/settlement/internal/apperr"
	"github.com/kiwari-pos/settlement/internal/balance"
	"github.com/kiwari-pos/settlement/internal/enum"
	"github.com/kiwari-pos/settlement/internal/events"
	"github.com/kiwari-pos/settlement/internal/logger"
	"github.com/kiwari-pos/settlement/internal/tracing"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// DebtPaymentInput is a standalone payment against a counterparty balance.
type DebtPaymentInput struct {
	CounterpartyID uuid.UUID
	Amount         decimal.Decimal
	// Direction is "in" when money comes to us and "out" when we pay. It
	// defaults to in for customers and out for suppliers.
	Direction string
	InvoiceID uuid.UUID
	Method    string
	Note      string
	// IdempotencyKey makes a repeated request a no-op. Empty generates one.
	IdempotencyKey string
	Actor          string
}

// PayCustomerDebt records money received from a customer, reducing what the
// customer owes. Direction out records a refund and raises the balance.
func (s *OrderService) PayCustomerDebt(ctx context.Context, in DebtPaymentInput) (balance.Posting, error) {
	if in.Direction == "" {
		in.Direction = enum.PaymentDirectionIn
	}
	return s.payDebt(ctx, in, enum.InvoiceTypeSale, enum.PaymentDirectionIn)
}

// PaySupplierDebt records money paid to a supplier, reducing what we owe.
// Direction in records money returned by the supplier.
func (s *OrderService) PaySupplierDebt(ctx context.Context, in DebtPaymentInput) (balance.Posting, error) {
	if in.Direction == "" {
		in.Direction = enum.PaymentDirectionOut
	}
	return s.payDebt(ctx, in, enum.InvoiceTypePurchase, enum.PaymentDirectionOut)
}

// payDebt posts the payment. settling is the direction that reduces the
// balance for this counterparty kind.
func (s *OrderService) payDebt(ctx context.Context, in DebtPaymentInput, paymentType, settling string) (_ balance.Posting, err error) {
	ctx, span := tracing.Start(ctx, "OrderService.payDebt",
		attribute.String("counterparty.id", in.CounterpartyID.String()),
		attribute.String("payment.type", paymentType),
	)
	defer func() { tracing.End(span, err) }()

	if in.CounterpartyID == uuid.Nil {
		return balance.Posting{}, apperr.Validation("counterparty_id", "is required")
	}
	if !in.Amount.IsPositive() {
		return balance.Posting{}, apperr.Validation("amount", "must be > 0")
	}
	if in.Direction != enum.PaymentDirectionIn && in.Direction != enum.PaymentDirectionOut {
		return balance.Posting{}, apperr.Validation("direction", fmt.Sprintf("unknown direction %q", in.Direction))
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = "debt:" + uuid.NewString()
	}
	if in.Method == "" {
		in.Method = enum.PaymentModeCash
	}

	delta := in.Amount
	if in.Direction == settling {
		delta = delta.Neg()
	}

	posting, err := s.ledger.Post(ctx, balance.Entry{
		IdempotencyKey: in.IdempotencyKey,
		Type:           paymentType,
		CounterpartyID: in.CounterpartyID,
		InvoiceID:      in.InvoiceID,
		Amount:         in.Amount,
		BalanceDelta:   delta,
		Method:         in.Method,
		Note:           in.Note,
		Actor:          in.Actor,
		NoOverdraw:     in.Direction == settling,
	})
	if err != nil {
		return balance.Posting{}, err
	}
	if posting.Replayed {
		return posting, nil
	}

	logger.Info(ctx).
		Str("counterparty_id", in.CounterpartyID.String()).
		Str("amount", in.Amount.String()).
		Str("balance_delta", delta.String()).
		Str("balance", posting.Balance.String()).
		Str("actor", in.Actor).
		Msg("debt payment posted")
	s.publish(ctx, events.New(events.TypeDebtPaid, in.CounterpartyID.String(), in.Actor, posting.Payment))
	return posting, nil
}
