package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiwari-pos/settlement/internal/database"
	"github.com/kiwari-pos/settlement/internal/middleware"
)

// TableServicer defines the table state machine methods used by handlers.
// Satisfied by *table.Machine.
type TableServicer interface {
	Get(ctx context.Context, tableID uuid.UUID) (database.Table, error)
	History(ctx context.Context, tableID uuid.UUID) ([]database.TableStateLog, error)
	Bind(ctx context.Context, tableID, orderID uuid.UUID, actor string) (database.Table, error)
	Release(ctx context.Context, tableID, orderID uuid.UUID, actor string) (database.Table, error)
	SetState(ctx context.Context, tableID uuid.UUID, state, note, actor string) (database.Table, error)
}

// TableHandler handles table endpoints.
type TableHandler struct {
	svc TableServicer
}

// NewTableHandler creates a new TableHandler.
func NewTableHandler(svc TableServicer) *TableHandler {
	return &TableHandler{svc: svc}
}

// RegisterRoutes registers table endpoints on the given Chi router.
// Expected to be mounted at /tables.
func (h *TableHandler) RegisterRoutes(r chi.Router) {
	r.Get("/{id}", h.Get)
	r.Get("/{id}/history", h.History)
	r.Post("/{id}/bind", h.Bind)
	r.Post("/{id}/release", h.Release)
	r.Patch("/{id}/state", h.SetState)
}

// --- Request / Response types ---

type tableOrderRequest struct {
	OrderID uuid.UUID `json:"order_id"`
}

type tableStateRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

type tableResponse struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	CurrentOrderID *uuid.UUID `json:"current_order_id"`
	Capacity       int32      `json:"capacity"`
	Location       string     `json:"location"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type tableLogResponse struct {
	ID         uuid.UUID  `json:"id"`
	FromStatus string     `json:"from_status"`
	ToStatus   string     `json:"to_status"`
	OrderID    *uuid.UUID `json:"order_id"`
	Note       string     `json:"note"`
	Actor      string     `json:"actor"`
	CreatedAt  time.Time  `json:"created_at"`
}

// --- Handlers ---

// Get handles GET /tables/{id}.
func (h *TableHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	t, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTableResponse(t))
}

// History handles GET /tables/{id}/history.
func (h *TableHandler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	logs, err := h.svc.History(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := make([]tableLogResponse, len(logs))
	for i, l := range logs {
		resp[i] = tableLogResponse{
			ID:         l.ID,
			FromStatus: l.FromStatus,
			ToStatus:   l.ToStatus,
			OrderID:    optionalUUID(l.OrderID),
			Note:       l.Note,
			Actor:      l.Actor,
			CreatedAt:  l.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Bind handles POST /tables/{id}/bind.
func (h *TableHandler) Bind(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req tableOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.OrderID == uuid.Nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "order_id is required"})
		return
	}

	t, err := h.svc.Bind(r.Context(), id, req.OrderID, middleware.ActorFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTableResponse(t))
}

// Release handles POST /tables/{id}/release. An empty body releases
// whatever order is bound.
func (h *TableHandler) Release(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req tableOrderRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	t, err := h.svc.Release(r.Context(), id, req.OrderID, middleware.ActorFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTableResponse(t))
}

// SetState handles PATCH /tables/{id}/state.
func (h *TableHandler) SetState(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req tableStateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Status == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status is required"})
		return
	}

	t, err := h.svc.SetState(r.Context(), id, req.Status, req.Note, middleware.ActorFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTableResponse(t))
}

func toTableResponse(t database.Table) tableResponse {
	return tableResponse{
		ID:             t.ID,
		Name:           t.Name,
		Status:         t.Status,
		CurrentOrderID: optionalUUID(t.CurrentOrderID),
		Capacity:       t.Capacity,
		Location:       t.Location,
		UpdatedAt:      t.UpdatedAt,
	}
}
