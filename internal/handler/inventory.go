package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiwari-pos/settlement/internal/database"
	"github.com/kiwari-pos/settlement/internal/enum"
	"github.com/kiwari-pos/settlement/internal/inventory"
	"github.com/kiwari-pos/settlement/internal/middleware"
	"github.com/shopspring/decimal"
)

// InventoryServicer defines the reconciler methods used by handlers.
// Satisfied by *inventory.Reconciler.
type InventoryServicer interface {
	ApplyDelta(ctx context.Context, d inventory.Delta) (inventory.Result, error)
	History(ctx context.Context, itemID uuid.UUID) ([]database.InventoryLog, error)
	VerifyItem(ctx context.Context, itemID uuid.UUID) (inventory.Verification, error)
}

// InventoryHandler handles stock endpoints.
type InventoryHandler struct {
	svc InventoryServicer
}

// NewInventoryHandler creates a new InventoryHandler.
func NewInventoryHandler(svc InventoryServicer) *InventoryHandler {
	return &InventoryHandler{svc: svc}
}

// RegisterRoutes registers inventory endpoints on the given Chi router.
// Expected to be mounted at /inventory.
func (h *InventoryHandler) RegisterRoutes(r chi.Router) {
	r.Get("/{id}/logs", h.Logs)
	r.Get("/{id}/verify", h.Verify)
	r.Post("/{id}/adjust", h.Adjust)
}

type adjustRequest struct {
	// Type is in, out or adjust; adjust sets Quantity as the new stock level.
	Type           string          `json:"type"`
	Quantity       decimal.Decimal `json:"quantity"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Logs handles GET /inventory/{id}/logs.
func (h *InventoryHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	logs, err := h.svc.History(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInventoryLogResponses(logs))
}

// Verify handles GET /inventory/{id}/verify.
func (h *InventoryHandler) Verify(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	v, err := h.svc.VerifyItem(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Adjust handles POST /inventory/{id}/adjust.
func (h *InventoryHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req adjustRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Type == "" {
		req.Type = enum.InventoryLogAdjust
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	res, err := h.svc.ApplyDelta(r.Context(), inventory.Delta{
		ItemID:         id,
		Type:           req.Type,
		Quantity:       req.Quantity,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		Actor:          middleware.ActorFromContext(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toStockResponse(res))
}
