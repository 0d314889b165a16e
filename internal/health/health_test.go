package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tablesync/tablesync/internal/config"
	"github.com/tablesync/tablesync/internal/metrics"
	"github.com/tablesync/tablesync/internal/room"
	"github.com/tablesync/tablesync/internal/server"
	"github.com/tablesync/tablesync/internal/storage"
)

type downStore struct {
	*storage.MemoryStore
}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func newManager(store storage.Store) *room.Manager {
	return room.NewManager(room.Options{Config: config.DefaultConfig().Room, Store: store})
}

func serve(t *testing.T, h *Handler) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return rec, resp
}

func TestHealthHandler_Healthy(t *testing.T) {
	store := storage.NewMemoryStore()
	h := NewHandler(newManager(store), server.NewTracker(), store, "test-version", true)

	rec, resp := serve(t, h)

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want %q", resp.Status, "ok")
	}
	if !resp.StorageReachable {
		t.Error("storage_reachable should be true")
	}
	if resp.Version != "test-version" {
		t.Errorf("version = %q, want %q", resp.Version, "test-version")
	}
	if resp.Details == nil {
		t.Error("details should not be nil")
	}
}

func TestHealthHandler_StorageDown(t *testing.T) {
	store := downStore{storage.NewMemoryStore()}
	h := NewHandler(newManager(store), server.NewTracker(), store, "test-version", false)
	m := metrics.New(prometheus.NewRegistry())
	h.SetMetrics(m)

	rec, resp := serve(t, h)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if resp.Status != "degraded" {
		t.Errorf("status = %q, want %q", resp.Status, "degraded")
	}
	if resp.StorageReachable {
		t.Error("storage_reachable should be false")
	}
	if got := testutil.ToFloat64(m.StorageReachable); got != 0 {
		t.Errorf("storage_reachable gauge = %v, want 0", got)
	}
}

func TestHealthHandler_NotDetailed(t *testing.T) {
	store := storage.NewMemoryStore()
	h := NewHandler(newManager(store), server.NewTracker(), store, "test-version", false)

	_, resp := serve(t, h)

	if resp.Details != nil {
		t.Error("details should be omitted when not detailed")
	}
	if resp.Version != "" {
		t.Errorf("version = %q, want it omitted", resp.Version)
	}
}

func TestHealthHandler_Counts(t *testing.T) {
	store := storage.NewMemoryStore()
	tracker := server.NewTracker()
	tracker.TryAcquire("100.64.0.1", 10, 10)
	tracker.TryAcquire("100.64.0.2", 10, 10)
	tracker.IncrementMessages()

	h := NewHandler(newManager(store), tracker, store, "test-version", true)
	_, resp := serve(t, h)

	if resp.ActiveConnections != 2 {
		t.Errorf("active_connections = %d, want 2", resp.ActiveConnections)
	}
	if resp.ActiveRooms != 0 {
		t.Errorf("active_rooms = %d, want 0", resp.ActiveRooms)
	}
	if resp.Details.TotalMessages != 1 {
		t.Errorf("total_messages = %d, want 1", resp.Details.TotalMessages)
	}
}
