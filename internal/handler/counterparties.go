package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/settlement/internal/balance"
	"github.com/kiwari-pos/settlement/internal/database"
	"github.com/kiwari-pos/settlement/internal/middleware"
	"github.com/kiwari-pos/settlement/internal/service"
	"github.com/shopspring/decimal"
)

// DebtServicer defines the debt payment methods.
// Satisfied by *service.OrderService.
type DebtServicer interface {
	PayCustomerDebt(ctx context.Context, in service.DebtPaymentInput) (balance.Posting, error)
	PaySupplierDebt(ctx context.Context, in service.DebtPaymentInput) (balance.Posting, error)
}

// LedgerReader defines the read side of the counterparty ledger.
// Satisfied by *balance.Ledger.
type LedgerReader interface {
	Counterparty(ctx context.Context, id uuid.UUID) (database.Counterparty, error)
	ListInvoices(ctx context.Context, counterpartyID uuid.UUID) ([]database.Invoice, error)
	ListPayments(ctx context.Context, counterpartyID uuid.UUID) ([]database.Payment, error)
	Replay(ctx context.Context, counterpartyID uuid.UUID) (balance.Drift, error)
}

// CounterpartyHandler handles customer and supplier balance endpoints.
type CounterpartyHandler struct {
	svc    DebtServicer
	ledger LedgerReader
}

// NewCounterpartyHandler creates a new CounterpartyHandler.
func NewCounterpartyHandler(svc DebtServicer, ledger LedgerReader) *CounterpartyHandler {
	return &CounterpartyHandler{svc: svc, ledger: ledger}
}

// RegisterCustomerRoutes registers endpoints mounted at /customers.
func (h *CounterpartyHandler) RegisterCustomerRoutes(r chi.Router) {
	r.Post("/{id}/payments", h.PayCustomer)
}

// RegisterSupplierRoutes registers endpoints mounted at /suppliers.
func (h *CounterpartyHandler) RegisterSupplierRoutes(r chi.Router) {
	r.Post("/{id}/payments", h.PaySupplier)
}

// RegisterRoutes registers endpoints mounted at /counterparties.
func (h *CounterpartyHandler) RegisterRoutes(r chi.Router) {
	r.Get("/{id}/ledger", h.Ledger)
}

// --- Request / Response types ---

type debtPaymentRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Direction      string          `json:"direction"`
	InvoiceID      uuid.UUID       `json:"invoice_id"`
	Method         string          `json:"method"`
	Note           string          `json:"note"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type paymentResponse struct {
	ID             uuid.UUID       `json:"id"`
	InvoiceID      *uuid.UUID      `json:"invoice_id"`
	Type           string          `json:"type"`
	CounterpartyID *uuid.UUID      `json:"counterparty_id"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceDelta   decimal.Decimal `json:"balance_delta"`
	Method         string          `json:"method"`
	Note           string          `json:"note"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedBy      string          `json:"created_by"`
	Date           time.Time       `json:"date"`
}

type postingResponse struct {
	Payment  paymentResponse `json:"payment"`
	Balance  decimal.Decimal `json:"balance"`
	Replayed bool            `json:"replayed"`
}

type counterpartyResponse struct {
	ID        uuid.UUID       `json:"id"`
	Kind      string          `json:"kind"`
	Name      string          `json:"name"`
	Phone     string          `json:"phone"`
	Balance   decimal.Decimal `json:"balance"`
	Notes     string          `json:"notes"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type invoiceResponse struct {
	ID              uuid.UUID              `json:"id"`
	Type            string                 `json:"type"`
	OrderID         *uuid.UUID             `json:"order_id"`
	Items           []database.InvoiceItem `json:"items"`
	SubTotal        decimal.Decimal        `json:"sub_total"`
	Discount        decimal.Decimal        `json:"discount"`
	Total           decimal.Decimal        `json:"total"`
	PaidAmount      decimal.Decimal        `json:"paid_amount"`
	RemainingAmount decimal.Decimal        `json:"remaining_amount"`
	Status          string                 `json:"status"`
	PaymentMethod   string                 `json:"payment_method"`
	DueDate         *string                `json:"due_date"`
	Notes           string                 `json:"notes"`
	CreatedBy       string                 `json:"created_by"`
	CreatedAt       time.Time              `json:"created_at"`
}

type ledgerResponse struct {
	Counterparty counterpartyResponse `json:"counterparty"`
	Invoices     []invoiceResponse    `json:"invoices"`
	Payments     []paymentResponse    `json:"payments"`
	Drift        balance.Drift        `json:"drift"`
}

// --- Handlers ---

// PayCustomer handles POST /customers/{id}/payments.
func (h *CounterpartyHandler) PayCustomer(w http.ResponseWriter, r *http.Request) {
	h.pay(w, r, h.svc.PayCustomerDebt)
}

// PaySupplier handles POST /suppliers/{id}/payments.
func (h *CounterpartyHandler) PaySupplier(w http.ResponseWriter, r *http.Request) {
	h.pay(w, r, h.svc.PaySupplierDebt)
}

func (h *CounterpartyHandler) pay(w http.ResponseWriter, r *http.Request, fn func(context.Context, service.DebtPaymentInput) (balance.Posting, error)) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	var req debtPaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	posting, err := fn(r.Context(), service.DebtPaymentInput{
		CounterpartyID: id,
		Amount:         req.Amount,
		Direction:      req.Direction,
		InvoiceID:      req.InvoiceID,
		Method:         req.Method,
		Note:           req.Note,
		IdempotencyKey: req.IdempotencyKey,
		Actor:          middleware.ActorFromContext(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if posting.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, postingResponse{
		Payment:  toPaymentResponse(posting.Payment),
		Balance:  posting.Balance,
		Replayed: posting.Replayed,
	})
}

// Ledger handles GET /counterparties/{id}/ledger.
func (h *CounterpartyHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	ctx := r.Context()

	cp, err := h.ledger.Counterparty(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	invoices, err := h.ledger.ListInvoices(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	payments, err := h.ledger.ListPayments(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	drift, err := h.ledger.Replay(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := ledgerResponse{
		Counterparty: counterpartyResponse{
			ID:        cp.ID,
			Kind:      cp.Kind,
			Name:      cp.Name,
			Phone:     cp.Phone,
			Balance:   cp.Balance,
			Notes:     cp.Notes,
			CreatedAt: cp.CreatedAt,
			UpdatedAt: cp.UpdatedAt,
		},
		Invoices: make([]invoiceResponse, len(invoices)),
		Payments: make([]paymentResponse, len(payments)),
		Drift:    drift,
	}
	for i, inv := range invoices {
		resp.Invoices[i] = toInvoiceResponse(inv)
	}
	for i, p := range payments {
		resp.Payments[i] = toPaymentResponse(p)
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Helpers ---

func optionalUUID(id pgtype.UUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	u := uuid.UUID(id.Bytes)
	return &u
}

func toPaymentResponse(p database.Payment) paymentResponse {
	return paymentResponse{
		ID:             p.ID,
		InvoiceID:      optionalUUID(p.InvoiceID),
		Type:           p.Type,
		CounterpartyID: optionalUUID(p.RelatedID),
		Amount:         p.Amount,
		BalanceDelta:   p.BalanceDelta,
		Method:         p.Method,
		Note:           p.Note,
		IdempotencyKey: p.IdempotencyKey,
		CreatedBy:      p.CreatedBy,
		Date:           p.Date,
	}
}

func toInvoiceResponse(inv database.Invoice) invoiceResponse {
	resp := invoiceResponse{
		ID:              inv.ID,
		Type:            inv.Type,
		OrderID:         optionalUUID(inv.OrderID),
		Items:           inv.Items,
		SubTotal:        inv.SubTotal,
		Discount:        inv.Discount,
		Total:           inv.Total,
		PaidAmount:      inv.PaidAmount,
		RemainingAmount: inv.RemainingAmount,
		Status:          inv.Status,
		PaymentMethod:   inv.PaymentMethod,
		Notes:           inv.Notes,
		CreatedBy:       inv.CreatedBy,
		CreatedAt:       inv.CreatedAt,
	}
	if resp.Items == nil {
		resp.Items = []database.InvoiceItem{}
	}
	if inv.DueDate.Valid {
		d := inv.DueDate.Time.Format("2006-01-02")
		resp.DueDate = &d
	}
	return resp
}
