// Package server terminates WebSocket connections and hands them to rooms.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/tablesync/tablesync/internal/config"
	"github.com/tablesync/tablesync/internal/metrics"
	"github.com/tablesync/tablesync/internal/room"
	"github.com/tablesync/tablesync/internal/security"
)

// Handler upgrades room requests and runs the per-connection read loop.
type Handler struct {
	Rooms       *room.Manager
	Tracker     *Tracker
	RateLimiter *security.RateLimiter // nil disables upgrade rate limiting
	Metrics     *metrics.Metrics

	mu       sync.RWMutex
	cfg      *config.Config
	draining atomic.Bool
}

// NewHandler creates a handler serving rooms from cfg.
func NewHandler(cfg *config.Config, rooms *room.Manager, tracker *Tracker, rl *security.RateLimiter, m *metrics.Metrics) *Handler {
	return &Handler{
		Rooms:       rooms,
		Tracker:     tracker,
		RateLimiter: rl,
		Metrics:     m,
		cfg:         cfg,
	}
}

// UpdateConfig swaps in a reloaded config for new connections.
func (h *Handler) UpdateConfig(cfg *config.Config) {
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
}

func (h *Handler) config() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// StartDrain makes the handler refuse new upgrades.
func (h *Handler) StartDrain() {
	h.draining.Store(true)
}

// roomID extracts the room id from the path, falling back to the room
// query parameter.
func roomID(r *http.Request, prefix string) string {
	if prefix != "" && strings.HasPrefix(r.URL.Path, prefix) {
		if id := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/"); id != "" {
			return id
		}
	}
	return r.URL.Query().Get("room")
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.config()

	if h.draining.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	clientIP := security.ExtractClientIP(r.RemoteAddr)

	id := roomID(r, cfg.Server.PathPrefix)
	if !room.ValidID(id) {
		h.Metrics.JoinRejected("invalid_room")
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	if h.RateLimiter != nil && !h.RateLimiter.Allow(clientIP) {
		slog.Warn("connection rate limited", "client_ip", clientIP)
		h.Metrics.JoinRejected("ip_rate_limited")
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	if limit := h.Tracker.TryAcquire(clientIP, cfg.Security.MaxConnections, cfg.Security.MaxConnectionsPerIP); limit != "" {
		slog.Warn("connection limit reached", "client_ip", clientIP, "limit", limit)
		h.Metrics.JoinRejected(limit)
		status := http.StatusTooManyRequests
		if limit == LimitGlobal {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, "too many connections", status)
		return
	}
	defer h.Tracker.Release(clientIP)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: cfg.Server.AllowedOrigins,
	})
	if err != nil {
		slog.Debug("websocket accept failed", "client_ip", clientIP, "error", err)
		return
	}
	// One byte over the limit so oversize frames reach the room and get
	// the same treatment as any other violation.
	ws.SetReadLimit(cfg.Room.MaxMessageBytes + 1)

	meta, err := room.ParseHandshake(r.URL.Query())
	if err != nil {
		h.Metrics.JoinRejected("handshake")
		closeWith(ws, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newConn(ws, cfg.Server.SendQueueSize, cfg.Server.WriteTimeout)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx)
	}()

	rm, connID, err := h.Rooms.Join(ctx, id, c, meta)
	if err != nil {
		var ce *room.CloseError
		if errors.As(err, &ce) {
			c.Close(ce.Code, ce.Reason)
		} else {
			c.Close(room.CodeShutdown, "server shutting down")
		}
		<-writerDone
		return
	}

	log := slog.With("room_id", rm.ID(), "conn_id", uint64(connID), "client_ip", clientIP)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			log.Debug("read loop ended", "close_status", int(websocket.CloseStatus(err)))
			break
		}
		h.Tracker.IncrementMessages()
		rm.Receive(connID, data)
	}

	rm.Leave(connID)
	c.Close(websocket.StatusNormalClosure, "")
	<-writerDone
}

// closeWith closes ws with the code carried by err.
func closeWith(ws *websocket.Conn, err error) {
	var ce *room.CloseError
	if errors.As(err, &ce) {
		ws.Close(ce.Code, ce.Reason)
		return
	}
	ws.Close(websocket.StatusInternalError, "internal error")
}
