// Package ledger holds the pure settlement arithmetic: totals, paid and
// remaining amounts, and payment status for a chosen payment mode.
package ledger

import (
	"fmt"

	"github.com/kiwari-pos/settlement/internal/apperr"
	"github.com/kiwari-pos/settlement/internal/enum"
	"github.com/shopspring/decimal"
)

// Line is a priced quantity. Quantities may be fractional (kg, litres).
type Line struct {
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
}

// Total returns quantity × unit price.
func (l Line) Total() decimal.Decimal {
	return l.Quantity.Mul(l.UnitPrice)
}

// Result is the outcome of a settlement computation.
// Invariants: PaidAmount + RemainingAmount == Total, RemainingAmount >= 0,
// RemainingAmount == 0 iff Status == paid.
type Result struct {
	SubTotal        decimal.Decimal
	Discount        decimal.Decimal
	Total           decimal.Decimal
	PaidAmount      decimal.Decimal
	RemainingAmount decimal.Decimal
	Status          string
}

// Compute derives the settlement figures for lines under the given payment
// mode. partialValue is only read for the part mode.
func Compute(lines []Line, discount decimal.Decimal, mode string, partialValue decimal.Decimal) (Result, error) {
	if !IsValidMode(mode) {
		return Result{}, apperr.Validation("payment_method", fmt.Sprintf("unknown payment mode %q", mode))
	}
	if discount.IsNegative() {
		return Result{}, apperr.Validation("discount", "must be >= 0")
	}

	subTotal, err := SubTotal(lines)
	if err != nil {
		return Result{}, err
	}

	// Discount larger than the subtotal is clamped so total never goes negative.
	total := subTotal.Sub(discount)
	if total.IsNegative() {
		total = decimal.Zero
	}

	res := Result{
		SubTotal: subTotal,
		Discount: discount,
		Total:    total,
	}

	switch mode {
	case enum.PaymentModeCash:
		res.PaidAmount = total
	case enum.PaymentModeDebt:
		res.PaidAmount = decimal.Zero
	case enum.PaymentModePart:
		if !partialValue.IsPositive() || partialValue.GreaterThanOrEqual(total) {
			return Result{}, apperr.Validation("partial_value",
				fmt.Sprintf("must satisfy 0 < partialValue < total (%s)", total.String()))
		}
		res.PaidAmount = partialValue
	}

	res.RemainingAmount = total.Sub(res.PaidAmount)
	res.Status = StatusFor(res.PaidAmount, res.RemainingAmount)
	return res, nil
}

// SubTotal sums the line totals, rejecting non-positive quantities and
// negative prices.
func SubTotal(lines []Line) (decimal.Decimal, error) {
	sum := decimal.Zero
	for i, l := range lines {
		if !l.Quantity.IsPositive() {
			return decimal.Zero, apperr.Validation(fmt.Sprintf("lines[%d].quantity", i), "must be > 0")
		}
		if l.UnitPrice.IsNegative() {
			return decimal.Zero, apperr.Validation(fmt.Sprintf("lines[%d].price", i), "must be >= 0")
		}
		sum = sum.Add(l.Total())
	}
	return sum, nil
}

// StatusFor maps paid/remaining to an invoice status. A zero total settles
// as paid regardless of mode.
func StatusFor(paid, remaining decimal.Decimal) string {
	switch {
	case remaining.IsZero():
		return enum.InvoiceStatusPaid
	case paid.IsZero():
		return enum.InvoiceStatusUnpaid
	default:
		return enum.InvoiceStatusPartial
	}
}

// IsValidMode reports whether mode is cash, part or debt.
func IsValidMode(mode string) bool {
	switch mode {
	case enum.PaymentModeCash, enum.PaymentModePart, enum.PaymentModeDebt:
		return true
	}
	return false
}

// RequiresCounterparty reports whether the unpaid remainder of a mode must be
// attributed to a customer or supplier.
func RequiresCounterparty(mode string) bool {
	return mode == enum.PaymentModePart || mode == enum.PaymentModeDebt
}
