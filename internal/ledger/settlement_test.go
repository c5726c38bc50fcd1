package ledger

import (
	"testing"

	"github.com/kiwari-pos/settlement/internal/apperr"
	"github.com/kiwari-pos/settlement/internal/enum"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func line(qty, price string) Line {
	return Line{Quantity: d(qty), UnitPrice: d(price)}
}

func assertInvariants(t *testing.T, r Result) {
	t.Helper()
	if !r.PaidAmount.Add(r.RemainingAmount).Equal(r.Total) {
		t.Errorf("paid %s + remaining %s != total %s", r.PaidAmount, r.RemainingAmount, r.Total)
	}
	if r.RemainingAmount.IsNegative() {
		t.Errorf("remaining is negative: %s", r.RemainingAmount)
	}
	if (r.Status == enum.InvoiceStatusPaid) != r.RemainingAmount.IsZero() {
		t.Errorf("status %s inconsistent with remaining %s", r.Status, r.RemainingAmount)
	}
}

func TestCompute_Cash(t *testing.T) {
	r, err := Compute([]Line{line("3", "5000")}, decimal.Zero, enum.PaymentModeCash, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertInvariants(t, r)
	if !r.Total.Equal(d("15000")) || !r.PaidAmount.Equal(d("15000")) {
		t.Errorf("expected total=paid=15000, got total=%s paid=%s", r.Total, r.PaidAmount)
	}
	if r.Status != enum.InvoiceStatusPaid {
		t.Errorf("expected paid, got %s", r.Status)
	}
}

func TestCompute_PartialPurchase(t *testing.T) {
	r, err := Compute([]Line{line("20", "2000")}, decimal.Zero, enum.PaymentModePart, d("10000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertInvariants(t, r)
	if !r.Total.Equal(d("40000")) {
		t.Errorf("expected total 40000, got %s", r.Total)
	}
	if !r.PaidAmount.Equal(d("10000")) || !r.RemainingAmount.Equal(d("30000")) {
		t.Errorf("expected paid 10000 remaining 30000, got %s / %s", r.PaidAmount, r.RemainingAmount)
	}
	if r.Status != enum.InvoiceStatusPartial {
		t.Errorf("expected partial, got %s", r.Status)
	}
}

func TestCompute_Debt(t *testing.T) {
	r, err := Compute([]Line{line("1", "25000")}, decimal.Zero, enum.PaymentModeDebt, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertInvariants(t, r)
	if !r.PaidAmount.IsZero() || !r.RemainingAmount.Equal(d("25000")) {
		t.Errorf("expected paid 0 remaining 25000, got %s / %s", r.PaidAmount, r.RemainingAmount)
	}
	if r.Status != enum.InvoiceStatusUnpaid {
		t.Errorf("expected unpaid, got %s", r.Status)
	}
}

func TestCompute_DiscountClampedAtZero(t *testing.T) {
	r, err := Compute([]Line{line("1", "1000")}, d("5000"), enum.PaymentModeCash, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertInvariants(t, r)
	if !r.Total.IsZero() {
		t.Errorf("expected total 0, got %s", r.Total)
	}
}

func TestCompute_DiscountApplied(t *testing.T) {
	r, err := Compute([]Line{line("2", "4500"), line("0.5", "2000")}, d("1000"), enum.PaymentModeCash, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.SubTotal.Equal(d("10000")) {
		t.Errorf("expected subtotal 10000, got %s", r.SubTotal)
	}
	if !r.Total.Equal(d("9000")) {
		t.Errorf("expected total 9000, got %s", r.Total)
	}
}

func TestCompute_PartialOutOfRange(t *testing.T) {
	tests := []struct {
		name    string
		partial string
	}{
		{"zero", "0"},
		{"negative", "-100"},
		{"equal to total", "40000"},
		{"above total", "50000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compute([]Line{line("20", "2000")}, decimal.Zero, enum.PaymentModePart, d(tt.partial))
			if !apperr.Is(err, apperr.KindValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCompute_ZeroTotalDebtIsPaid(t *testing.T) {
	r, err := Compute([]Line{line("1", "0")}, decimal.Zero, enum.PaymentModeDebt, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertInvariants(t, r)
	if r.Status != enum.InvoiceStatusPaid {
		t.Errorf("expected paid for zero total, got %s", r.Status)
	}
}

func TestCompute_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		lines    []Line
		discount string
		mode     string
	}{
		{"unknown mode", []Line{line("1", "10")}, "0", "card"},
		{"negative discount", []Line{line("1", "10")}, "-1", enum.PaymentModeCash},
		{"zero quantity", []Line{line("0", "10")}, "0", enum.PaymentModeCash},
		{"negative price", []Line{line("1", "-10")}, "0", enum.PaymentModeCash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compute(tt.lines, d(tt.discount), tt.mode, decimal.Zero)
			if !apperr.Is(err, apperr.KindValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestRequiresCounterparty(t *testing.T) {
	if RequiresCounterparty(enum.PaymentModeCash) {
		t.Error("cash must not require a counterparty")
	}
	if !RequiresCounterparty(enum.PaymentModePart) || !RequiresCounterparty(enum.PaymentModeDebt) {
		t.Error("part and debt must require a counterparty")
	}
}
