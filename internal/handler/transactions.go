package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiwari-pos/settlement/internal/database"
	"github.com/kiwari-pos/settlement/internal/inventory"
	"github.com/kiwari-pos/settlement/internal/middleware"
	"github.com/kiwari-pos/settlement/internal/service"
	"github.com/shopspring/decimal"
)

// TransactionServicer defines the inventory-facing settlement methods.
// Satisfied by *service.OrderService.
type TransactionServicer interface {
	BuyFromSupplier(ctx context.Context, in service.PurchaseInput) (service.SettlementResult, error)
	SellInventoryItems(ctx context.Context, in service.SaleInput) (service.SettlementResult, error)
	DecreaseItemQuantity(ctx context.Context, in service.ConsumptionInput) (inventory.Result, error)
}

// TransactionHandler handles purchase, direct sale and consumption endpoints.
type TransactionHandler struct {
	svc TransactionServicer
}

// NewTransactionHandler creates a new TransactionHandler.
func NewTransactionHandler(svc TransactionServicer) *TransactionHandler {
	return &TransactionHandler{svc: svc}
}

// RegisterRoutes registers transaction endpoints on the given Chi router.
// Expected to be mounted at /transactions.
func (h *TransactionHandler) RegisterRoutes(r chi.Router) {
	r.Post("/purchases", h.Purchase)
	r.Post("/sales", h.Sale)
	r.Post("/consumption", h.Consume)
}

// --- Request / Response types ---

type purchaseItemRequest struct {
	ItemID   uuid.UUID       `json:"item_id"`
	Quantity decimal.Decimal `json:"quantity"`
	UnitCost decimal.Decimal `json:"unit_cost"`
}

type purchaseRequest struct {
	InvoiceID     uuid.UUID             `json:"invoice_id"`
	SupplierID    uuid.UUID             `json:"supplier_id"`
	Items         []purchaseItemRequest `json:"items"`
	Discount      decimal.Decimal       `json:"discount"`
	PaymentMethod string                `json:"payment_method"`
	PartialValue  decimal.Decimal       `json:"partial_value"`
	DueDate       string                `json:"due_date"`
	Notes         string                `json:"notes"`
	UpdateCost    bool                  `json:"update_cost"`
}

type saleRequest struct {
	InvoiceID     uuid.UUID          `json:"invoice_id"`
	CustomerID    uuid.UUID          `json:"customer_id"`
	Items         []orderItemRequest `json:"items"`
	Discount      decimal.Decimal    `json:"discount"`
	PaymentMethod string             `json:"payment_method"`
	PartialValue  decimal.Decimal    `json:"partial_value"`
	DueDate       string             `json:"due_date"`
	Notes         string             `json:"notes"`
}

type consumptionItemRequest struct {
	ItemID   uuid.UUID       `json:"item_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

type consumptionRequest struct {
	Items          []consumptionItemRequest `json:"items"`
	IdempotencyKey string                   `json:"idempotency_key"`
	Reason         string                   `json:"reason"`
}

type inventoryLogResponse struct {
	ID             uuid.UUID       `json:"id"`
	ItemID         uuid.UUID       `json:"item_id"`
	Type           string          `json:"type"`
	Quantity       decimal.Decimal `json:"quantity"`
	QuantityAfter  decimal.Decimal `json:"quantity_after"`
	Reason         string          `json:"reason"`
	RelatedOrderID *uuid.UUID      `json:"related_order_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
}

type stockResponse struct {
	Logs     []inventoryLogResponse    `json:"logs"`
	Replayed int                       `json:"replayed"`
	LowStock []inventory.LowStockAlert `json:"low_stock"`
}

// --- Handlers ---

// Purchase handles POST /transactions/purchases.
func (h *TransactionHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	due, ok := parseDueDate(w, req.DueDate)
	if !ok {
		return
	}

	lines := make([]service.PurchaseLine, len(req.Items))
	for i, it := range req.Items {
		lines[i] = service.PurchaseLine{ItemID: it.ItemID, Quantity: it.Quantity, UnitCost: it.UnitCost}
	}

	res, err := h.svc.BuyFromSupplier(r.Context(), service.PurchaseInput{
		InvoiceID:    req.InvoiceID,
		SupplierID:   req.SupplierID,
		Items:        lines,
		Discount:     req.Discount,
		PaymentMode:  req.PaymentMethod,
		PartialValue: req.PartialValue,
		DueDate:      due,
		Notes:        req.Notes,
		UpdateCost:   req.UpdateCost,
		Actor:        middleware.ActorFromContext(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, settledStatus(res), toSettleResponse(res))
}

// Sale handles POST /transactions/sales.
func (h *TransactionHandler) Sale(w http.ResponseWriter, r *http.Request) {
	var req saleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	due, ok := parseDueDate(w, req.DueDate)
	if !ok {
		return
	}

	lines := make([]service.SaleLine, len(req.Items))
	for i, it := range req.Items {
		lines[i] = service.SaleLine{ItemID: it.ItemID, Quantity: it.Quantity, Price: it.Price}
	}

	res, err := h.svc.SellInventoryItems(r.Context(), service.SaleInput{
		InvoiceID:    req.InvoiceID,
		CustomerID:   req.CustomerID,
		Items:        lines,
		Discount:     req.Discount,
		PaymentMode:  req.PaymentMethod,
		PartialValue: req.PartialValue,
		DueDate:      due,
		Notes:        req.Notes,
		Actor:        middleware.ActorFromContext(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, settledStatus(res), toSettleResponse(res))
}

// Consume handles POST /transactions/consumption.
func (h *TransactionHandler) Consume(w http.ResponseWriter, r *http.Request) {
	var req consumptionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	lines := make([]service.ConsumptionLine, len(req.Items))
	for i, it := range req.Items {
		lines[i] = service.ConsumptionLine{ItemID: it.ItemID, Quantity: it.Quantity}
	}

	res, err := h.svc.DecreaseItemQuantity(r.Context(), service.ConsumptionInput{
		Items:          lines,
		IdempotencyKey: req.IdempotencyKey,
		Reason:         req.Reason,
		Actor:          middleware.ActorFromContext(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toStockResponse(res))
}

// --- Helpers ---

// settledStatus is 201 for a new settlement and 200 for a replay.
func settledStatus(res service.SettlementResult) int {
	if res.Replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

func parseDueDate(w http.ResponseWriter, s string) (*time.Time, bool) {
	if s == "" {
		return nil, true
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid due_date format, use YYYY-MM-DD"})
		return nil, false
	}
	return &t, true
}

func toStockResponse(res inventory.Result) stockResponse {
	resp := stockResponse{
		Logs:     toInventoryLogResponses(res.Logs),
		Replayed: res.Replayed,
		LowStock: res.LowStock,
	}
	if resp.LowStock == nil {
		resp.LowStock = []inventory.LowStockAlert{}
	}
	return resp
}

func toInventoryLogResponses(logs []database.InventoryLog) []inventoryLogResponse {
	resp := make([]inventoryLogResponse, len(logs))
	for i, l := range logs {
		resp[i] = inventoryLogResponse{
			ID:             l.ID,
			ItemID:         l.ItemID,
			Type:           l.Type,
			Quantity:       l.Quantity,
			QuantityAfter:  l.QuantityAfter,
			Reason:         l.Reason,
			IdempotencyKey: l.IdempotencyKey,
			CreatedBy:      l.CreatedBy,
			CreatedAt:      l.CreatedAt,
			RelatedOrderID: optionalUUID(l.RelatedOrderID),
		}
	}
	return resp
}
