package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/tablesync/tablesync/internal/metrics"
	"github.com/tablesync/tablesync/internal/room"
	"github.com/tablesync/tablesync/internal/server"
	"github.com/tablesync/tablesync/internal/storage"
)

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status            string   `json:"status"`
	Uptime            string   `json:"uptime"`
	ActiveRooms       int      `json:"active_rooms"`
	ActiveConnections int      `json:"active_connections"`
	StorageReachable  bool     `json:"storage_reachable"`
	Version           string   `json:"version,omitempty"`
	Timestamp         string   `json:"timestamp"`
	Details           *Details `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	TotalConnections int64   `json:"total_connections"`
	TotalMessages    int64   `json:"total_messages"`
	MemoryMB         float64 `json:"memory_mb"`
	Goroutines       int     `json:"goroutines"`
}

// Handler serves the health check endpoint.
type Handler struct {
	startTime time.Time
	rooms     *room.Manager
	tracker   *server.Tracker
	store     storage.Store
	metrics   *metrics.Metrics // optional
	version   string
	detailed  bool
	timeout   time.Duration
}

// NewHandler creates a new health check handler.
func NewHandler(rooms *room.Manager, tracker *server.Tracker, store storage.Store, version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		rooms:     rooms,
		tracker:   tracker,
		store:     store,
		version:   version,
		detailed:  detailed,
		timeout:   5 * time.Second,
	}
}

// SetMetrics sets the optional Prometheus metrics.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// ServeHTTP reports liveness. The listener is loopback-only, so local
// supervisors can poll it without a room handshake.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	storageOK := h.checkStorage(r.Context())
	h.metrics.StorageProbed(storageOK)

	status := "ok"
	httpCode := http.StatusOK
	if !storageOK {
		status = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	resp := Response{
		Status:            status,
		Uptime:            time.Since(h.startTime).Round(time.Second).String(),
		ActiveRooms:       h.rooms.RoomCount(),
		ActiveConnections: h.tracker.ConnectionCount(),
		StorageReachable:  storageOK,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			TotalConnections: h.tracker.TotalConnections(),
			TotalMessages:    h.tracker.TotalMessages(),
			MemoryMB:         float64(memStats.Alloc) / 1024 / 1024,
			Goroutines:       runtime.NumGoroutine(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) checkStorage(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		slog.Debug("storage unreachable", "error", err)
		return false
	}
	return true
}
