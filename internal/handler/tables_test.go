package handler_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/settlement/internal/apperr"
	"github.com/kiwari-pos/settlement/internal/database"
	"github.com/kiwari-pos/settlement/internal/enum"
	"github.com/kiwari-pos/settlement/internal/handler"
	"github.com/kiwari-pos/settlement/internal/middleware"
)

// --- Mock TableServicer ---

type mockTableService struct {
	getFn      func(ctx context.Context, tableID uuid.UUID) (database.Table, error)
	historyFn  func(ctx context.Context, tableID uuid.UUID) ([]database.TableStateLog, error)
	bindFn     func(ctx context.Context, tableID, orderID uuid.UUID, actor string) (database.Table, error)
	releaseFn  func(ctx context.Context, tableID, orderID uuid.UUID, actor string) (database.Table, error)
	setStateFn func(ctx context.Context, tableID uuid.UUID, state, note, actor string) (database.Table, error)
}

func (m *mockTableService) Get(ctx context.Context, tableID uuid.UUID) (database.Table, error) {
	return m.getFn(ctx, tableID)
}

func (m *mockTableService) History(ctx context.Context, tableID uuid.UUID) ([]database.TableStateLog, error) {
	return m.historyFn(ctx, tableID)
}

func (m *mockTableService) Bind(ctx context.Context, tableID, orderID uuid.UUID, actor string) (database.Table, error) {
	return m.bindFn(ctx, tableID, orderID, actor)
}

func (m *mockTableService) Release(ctx context.Context, tableID, orderID uuid.UUID, actor string) (database.Table, error) {
	return m.releaseFn(ctx, tableID, orderID, actor)
}

func (m *mockTableService) SetState(ctx context.Context, tableID uuid.UUID, state, note, actor string) (database.Table, error) {
	return m.setStateFn(ctx, tableID, state, note, actor)
}

func setupTableRouter(svc *mockTableService) *chi.Mux {
	h := handler.NewTableHandler(svc)
	r := chi.NewRouter()
	r.Use(middleware.Authenticate(testJWTSecret))
	r.Route("/tables", h.RegisterRoutes)
	return r
}

func TestTableBind(t *testing.T) {
	tableID, orderID := uuid.New(), uuid.New()
	svc := &mockTableService{
		bindFn: func(ctx context.Context, tid, oid uuid.UUID, actor string) (database.Table, error) {
			if tid != tableID || oid != orderID || actor != testActor {
				t.Errorf("bind: got %v %v %q", tid, oid, actor)
			}
			return database.Table{
				ID:             tableID,
				Name:           "T1",
				Status:         enum.TableStatusOccupied,
				CurrentOrderID: pgtype.UUID{Bytes: orderID, Valid: true},
			}, nil
		},
	}
	rr := doAuthRequest(t, setupTableRouter(svc), "POST", "/tables/"+tableID.String()+"/bind", map[string]interface{}{
		"order_id": orderID.String(),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d; body: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	resp := decodeResponse(t, rr)
	if resp["status"] != enum.TableStatusOccupied || resp["current_order_id"] != orderID.String() {
		t.Errorf("body: got %v", resp)
	}
}

func TestTableBind_MissingOrder(t *testing.T) {
	rr := doAuthRequest(t, setupTableRouter(&mockTableService{}), "POST", "/tables/"+uuid.New().String()+"/bind", map[string]interface{}{})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestTableBind_Occupied(t *testing.T) {
	svc := &mockTableService{
		bindFn: func(ctx context.Context, tid, oid uuid.UUID, actor string) (database.Table, error) {
			return database.Table{}, apperr.Conflict("table T1 is bound to open order")
		},
	}
	rr := doAuthRequest(t, setupTableRouter(svc), "POST", "/tables/"+uuid.New().String()+"/bind", map[string]interface{}{
		"order_id": uuid.New().String(),
	})
	if rr.Code != http.StatusConflict {
		t.Errorf("status: got %d, want %d", rr.Code, http.StatusConflict)
	}
}

func TestTableRelease_EmptyBody(t *testing.T) {
	tableID := uuid.New()
	svc := &mockTableService{
		releaseFn: func(ctx context.Context, tid, oid uuid.UUID, actor string) (database.Table, error) {
			if oid != uuid.Nil {
				t.Errorf("order id: got %v, want nil", oid)
			}
			return database.Table{ID: tid, Status: enum.TableStatusAvailable}, nil
		},
	}
	rr := doAuthRequest(t, setupTableRouter(svc), "POST", "/tables/"+tableID.String()+"/release", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d; body: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if resp := decodeResponse(t, rr); resp["current_order_id"] != nil {
		t.Errorf("current_order_id: got %v, want null", resp["current_order_id"])
	}
}

func TestTableSetState(t *testing.T) {
	svc := &mockTableService{
		setStateFn: func(ctx context.Context, tid uuid.UUID, state, note, actor string) (database.Table, error) {
			if state != enum.TableStatusClosed || note != "renovation" {
				t.Errorf("state/note: got %q %q", state, note)
			}
			return database.Table{ID: tid, Status: state}, nil
		},
	}
	rr := doAuthRequest(t, setupTableRouter(svc), "PATCH", "/tables/"+uuid.New().String()+"/state", map[string]interface{}{
		"status": "closed",
		"note":   "renovation",
	})
	if rr.Code != http.StatusOK {
		t.Errorf("status: got %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestTableSetState_MissingStatus(t *testing.T) {
	rr := doAuthRequest(t, setupTableRouter(&mockTableService{}), "PATCH", "/tables/"+uuid.New().String()+"/state", map[string]interface{}{})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestTableHistory(t *testing.T) {
	orderID := uuid.New()
	svc := &mockTableService{
		historyFn: func(ctx context.Context, tid uuid.UUID) ([]database.TableStateLog, error) {
			return []database.TableStateLog{
				{ID: uuid.New(), TableID: tid, FromStatus: enum.TableStatusAvailable, ToStatus: enum.TableStatusOccupied, OrderID: pgtype.UUID{Bytes: orderID, Valid: true}, Actor: "dewi", CreatedAt: time.Now()},
				{ID: uuid.New(), TableID: tid, FromStatus: enum.TableStatusOccupied, ToStatus: enum.TableStatusAvailable, Actor: "dewi", CreatedAt: time.Now()},
			}, nil
		},
	}
	rr := doAuthRequest(t, setupTableRouter(svc), "GET", "/tables/"+uuid.New().String()+"/history", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusOK)
	}
}
