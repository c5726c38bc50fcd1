package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiwari-pos/settlement/internal/database"
	"github.com/kiwari-pos/settlement/internal/inventory"
	"github.com/kiwari-pos/settlement/internal/ledger"
	"github.com/kiwari-pos/settlement/internal/middleware"
	"github.com/kiwari-pos/settlement/internal/service"
	"github.com/shopspring/decimal"
)

// OrderServicer defines the service methods needed by order handlers.
// Satisfied by *service.OrderService; narrow interface for testability.
type OrderServicer interface {
	CreateOrder(ctx context.Context, in service.CreateOrderInput) (database.Order, error)
	UpdateOrder(ctx context.Context, in service.UpdateOrderInput) (database.Order, error)
	GetOrder(ctx context.Context, orderID uuid.UUID) (service.OrderDetail, error)
	SettleOrder(ctx context.Context, in service.SettleOrderInput) (service.SettlementResult, error)
	CancelOrder(ctx context.Context, orderID uuid.UUID, actor string) (database.Order, error)
	GetSettlement(ctx context.Context, key string) (database.Settlement, error)
	ListPendingSettlements(ctx context.Context) ([]database.Settlement, error)
}

// OrderHandler handles order and settlement endpoints.
type OrderHandler struct {
	svc OrderServicer
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(svc OrderServicer) *OrderHandler {
	return &OrderHandler{svc: svc}
}

// RegisterRoutes registers order endpoints on the given Chi router.
// Expected to be mounted at /orders.
func (h *OrderHandler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}", h.Update)
	r.Post("/{id}/settle", h.Settle)
	r.Post("/{id}/cancel", h.Cancel)
}

// RegisterSettlementRoutes registers settlement progress endpoints.
// Expected to be mounted at /settlements.
func (h *OrderHandler) RegisterSettlementRoutes(r chi.Router) {
	r.Get("/pending", h.ListPending)
	r.Get("/{key}", h.GetSettlement)
}

// --- Request / Response types ---

type orderItemRequest struct {
	ItemID   uuid.UUID           `json:"item_id"`
	Quantity decimal.Decimal     `json:"quantity"`
	Price    decimal.NullDecimal `json:"price"`
}

type orderProductRequest struct {
	ProductID   uuid.UUID       `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
}

type createOrderRequest struct {
	TableID       uuid.UUID             `json:"table_id"`
	Type          string                `json:"type"`
	Items         []orderItemRequest    `json:"items"`
	Products      []orderProductRequest `json:"products"`
	Discount      decimal.Decimal       `json:"discount"`
	Tax           decimal.Decimal       `json:"tax"`
	PaymentMethod string                `json:"payment_method"`
	CustomerName  string                `json:"customer_name"`
	Notes         string                `json:"notes"`
}

type updateOrderRequest struct {
	Version  int32                 `json:"version"`
	Items    []orderItemRequest    `json:"items"`
	Products []orderProductRequest `json:"products"`
	Discount decimal.Decimal       `json:"discount"`
	Notes    string                `json:"notes"`
}

type settleOrderRequest struct {
	PaymentMethod string          `json:"payment_method"`
	PartialValue  decimal.Decimal `json:"partial_value"`
	CustomerID    uuid.UUID       `json:"customer_id"`
	Note          string          `json:"note"`
}

type orderResponse struct {
	ID            uuid.UUID               `json:"id"`
	TableID       *uuid.UUID              `json:"table_id"`
	Type          string                  `json:"type"`
	Items         []database.OrderItem    `json:"items"`
	Products      []database.OrderProduct `json:"products"`
	SubTotal      decimal.Decimal         `json:"sub_total"`
	Discount      decimal.Decimal         `json:"discount"`
	Tax           decimal.Decimal         `json:"tax"`
	Total         decimal.Decimal         `json:"total"`
	Status        string                  `json:"status"`
	PaymentMethod string                  `json:"payment_method"`
	CustomerName  string                  `json:"customer_name"`
	Notes         string                  `json:"notes"`
	CreatedBy     string                  `json:"created_by"`
	ClosedBy      *string                 `json:"closed_by"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
	Version       int32                   `json:"version"`
}

type settlementResponse struct {
	Key              string          `json:"key"`
	Kind             string          `json:"kind"`
	Status           string          `json:"status"`
	InvoiceID        uuid.UUID       `json:"invoice_id"`
	CounterpartyID   *uuid.UUID      `json:"counterparty_id"`
	PaymentMode      string          `json:"payment_mode"`
	PartialValue     decimal.Decimal `json:"partial_value"`
	InventoryApplied bool            `json:"inventory_applied"`
	InvoiceRecorded  bool            `json:"invoice_recorded"`
	PaymentPosted    bool            `json:"payment_posted"`
	OrderClosed      bool            `json:"order_closed"`
	TableReleased    bool            `json:"table_released"`
	LastError        string          `json:"last_error,omitempty"`
	CreatedBy        string          `json:"created_by"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type orderDetailResponse struct {
	orderResponse
	Settlement *settlementResponse `json:"settlement"`
}

type amountsResponse struct {
	SubTotal        decimal.Decimal `json:"sub_total"`
	Discount        decimal.Decimal `json:"discount"`
	Total           decimal.Decimal `json:"total"`
	PaidAmount      decimal.Decimal `json:"paid_amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	Status          string          `json:"status"`
}

type settleResponse struct {
	Key       string                    `json:"key"`
	Kind      string                    `json:"kind"`
	Status    string                    `json:"status"`
	InvoiceID uuid.UUID                 `json:"invoice_id"`
	Amounts   amountsResponse           `json:"amounts"`
	Order     *orderResponse            `json:"order,omitempty"`
	LowStock  []inventory.LowStockAlert `json:"low_stock"`
	Replayed  bool                      `json:"replayed"`
}

// --- Handlers ---

// Create handles POST /orders.
func (h *OrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	order, err := h.svc.CreateOrder(r.Context(), service.CreateOrderInput{
		TableID:       req.TableID,
		Type:          req.Type,
		Items:         toItemLines(req.Items),
		Products:      toProductLines(req.Products),
		Discount:      req.Discount,
		Tax:           req.Tax,
		PaymentMethod: req.PaymentMethod,
		CustomerName:  req.CustomerName,
		Notes:         req.Notes,
		Actor:         middleware.ActorFromContext(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

// Get handles GET /orders/{id}.
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	detail, err := h.svc.GetOrder(r.Context(), orderID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := orderDetailResponse{orderResponse: toOrderResponse(detail.Order)}
	if detail.Settlement != nil {
		s := toSettlementResponse(*detail.Settlement)
		resp.Settlement = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

// Update handles PATCH /orders/{id}.
func (h *OrderHandler) Update(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	var req updateOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Version <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "version is required"})
		return
	}

	order, err := h.svc.UpdateOrder(r.Context(), service.UpdateOrderInput{
		OrderID:  orderID,
		Version:  req.Version,
		Items:    toItemLines(req.Items),
		Products: toProductLines(req.Products),
		Discount: req.Discount,
		Notes:    req.Notes,
		Actor:    middleware.ActorFromContext(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// Settle handles POST /orders/{id}/settle.
func (h *OrderHandler) Settle(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	var req settleOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PaymentMethod == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payment_method is required"})
		return
	}

	res, err := h.svc.SettleOrder(r.Context(), service.SettleOrderInput{
		OrderID:       orderID,
		PaymentMethod: req.PaymentMethod,
		PartialValue:  req.PartialValue,
		CustomerID:    req.CustomerID,
		Note:          req.Note,
		Actor:         middleware.ActorFromContext(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toSettleResponse(res))
}

// Cancel handles POST /orders/{id}/cancel.
func (h *OrderHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	order, err := h.svc.CancelOrder(r.Context(), orderID, middleware.ActorFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// ListPending handles GET /settlements/pending.
func (h *OrderHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	recs, err := h.svc.ListPendingSettlements(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := make([]settlementResponse, len(recs))
	for i, rec := range recs {
		resp[i] = toSettlementResponse(rec)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetSettlement handles GET /settlements/{key}.
func (h *OrderHandler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetSettlement(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementResponse(rec))
}

// --- Helpers ---

func toItemLines(items []orderItemRequest) []service.ItemLine {
	lines := make([]service.ItemLine, len(items))
	for i, it := range items {
		lines[i] = service.ItemLine{ItemID: it.ItemID, Quantity: it.Quantity, Price: it.Price}
	}
	return lines
}

func toProductLines(products []orderProductRequest) []service.ProductLine {
	lines := make([]service.ProductLine, len(products))
	for i, p := range products {
		lines[i] = service.ProductLine{ProductID: p.ProductID, Name: p.ProductName, Quantity: p.Quantity, Price: p.Price}
	}
	return lines
}

func toOrderResponse(o database.Order) orderResponse {
	resp := orderResponse{
		ID:            o.ID,
		TableID:       optionalUUID(o.TableID),
		Type:          o.Type,
		Items:         o.Items,
		Products:      o.Products,
		SubTotal:      o.SubTotal,
		Discount:      o.Discount,
		Tax:           o.Tax,
		Total:         o.Total,
		Status:        o.Status,
		PaymentMethod: o.PaymentMethod,
		CustomerName:  o.CustomerName,
		Notes:         o.Notes,
		CreatedBy:     o.CreatedBy,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
		Version:       o.Version,
	}
	if resp.Items == nil {
		resp.Items = []database.OrderItem{}
	}
	if resp.Products == nil {
		resp.Products = []database.OrderProduct{}
	}
	if o.ClosedBy.Valid {
		resp.ClosedBy = &o.ClosedBy.String
	}
	return resp
}

func toSettlementResponse(s database.Settlement) settlementResponse {
	resp := settlementResponse{
		Key:              s.Key,
		Kind:             s.Kind,
		Status:           s.Status,
		InvoiceID:        s.InvoiceID,
		CounterpartyID:   optionalUUID(s.CounterpartyID),
		PaymentMode:      s.PaymentMode,
		PartialValue:     s.PartialValue,
		InventoryApplied: s.InventoryApplied,
		InvoiceRecorded:  s.InvoiceRecorded,
		PaymentPosted:    s.PaymentPosted,
		OrderClosed:      s.OrderClosed,
		TableReleased:    s.TableReleased,
		LastError:        s.LastError,
		CreatedBy:        s.CreatedBy,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
	return resp
}

func toAmountsResponse(a ledger.Result) amountsResponse {
	return amountsResponse{
		SubTotal:        a.SubTotal,
		Discount:        a.Discount,
		Total:           a.Total,
		PaidAmount:      a.PaidAmount,
		RemainingAmount: a.RemainingAmount,
		Status:          a.Status,
	}
}

func toSettleResponse(res service.SettlementResult) settleResponse {
	resp := settleResponse{
		Key:       res.Key,
		Kind:      res.Kind,
		Status:    res.Status,
		InvoiceID: res.InvoiceID,
		Amounts:   toAmountsResponse(res.Amounts),
		LowStock:  res.LowStock,
		Replayed:  res.Replayed,
	}
	if resp.LowStock == nil {
		resp.LowStock = []inventory.LowStockAlert{}
	}
	if res.Order != nil {
		o := toOrderResponse(*res.Order)
		resp.Order = &o
	}
	return resp
}
