package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/tablesync/tablesync/internal/config"
	"github.com/tablesync/tablesync/internal/protocol"
	"github.com/tablesync/tablesync/internal/room"
	"github.com/tablesync/tablesync/internal/security"
	"github.com/tablesync/tablesync/internal/storage"
	"github.com/tablesync/tablesync/internal/syncdoc"
)

const (
	testRoom = "3d4e5f60-7182-493a-8bd2-e3f4a5b6c7d8"
	userA    = "6f1c7a38-1d2b-4c3e-8f4a-5b6c7d8e9f01"
	userB    = "0a9b8c7d-6e5f-4a3b-9c2d-1e0f2a3b4c5d"
	clientA  = "1b2c3d4e-5f60-4718-a9b0-c1d2e3f4a5b6"
	clientB  = "2c3d4e5f-6071-4829-bac1-d2e3f4a5b6c7"
)

type testServer struct {
	*httptest.Server
	handler *Handler
}

func newTestServer(t *testing.T, mod func(*config.Config), rl *security.RateLimiter) *testServer {
	t.Helper()
	return newTestServerWithStore(t, storage.NewMemoryStore(), mod, rl)
}

func newTestServerWithStore(t *testing.T, store storage.Store, mod func(*config.Config), rl *security.RateLimiter) *testServer {
	t.Helper()
	cfg := config.DefaultConfig()
	if mod != nil {
		mod(cfg)
	}
	mgr := room.NewManager(room.Options{Config: cfg.Room, Store: store})
	h := NewHandler(cfg, mgr, NewTracker(), rl, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Close(ctx)
	})
	return &testServer{Server: srv, handler: h}
}

func query(user, client string) url.Values {
	return url.Values{
		"userId":         {user},
		"clientKey":      {client},
		"sessionVersion": {"1"},
		"role":           {"player"},
		"accessKey":      {"table-key"},
	}
}

func (s *testServer) url(path string, q url.Values) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + path + "?" + q.Encode()
}

func (s *testServer) dial(t *testing.T, q url.Values) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, s.url("/signal/"+testRoom, q), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.CloseNow() })
	return ws
}

func read(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

func readCloseStatus(t *testing.T, ws *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func dialStatus(t *testing.T, u string) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, resp, err := websocket.Dial(ctx, u, nil)
	if err == nil {
		ws.CloseNow()
		return http.StatusSwitchingProtocols
	}
	if resp == nil {
		t.Fatalf("dial failed without response: %v", err)
	}
	return resp.StatusCode
}

func TestHandlerJoinSendsSyncStep1(t *testing.T) {
	s := newTestServer(t, nil, nil)
	ws := s.dial(t, query(userA, clientA))

	got := read(t, ws)
	if want := protocol.EncodeSyncStep1(protocol.EmptyStateVector); !bytes.Equal(got, want) {
		t.Errorf("first frame = %v, want %v", got, want)
	}
}

func TestHandlerJoinReplaysLargeDocument(t *testing.T) {
	const stored = 1000

	doc := syncdoc.NewUpdateLog()
	for i := 0; i < stored; i++ {
		if err := doc.ApplyUpdate([]byte{1, 1, byte(i), byte(i >> 8), 0}, nil); err != nil {
			t.Fatalf("ApplyUpdate(%d): %v", i, err)
		}
	}
	store := storage.NewMemoryStore()
	if err := store.SaveDocument(context.Background(), testRoom, doc.EncodeFullState(), time.Now()); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	s := newTestServerWithStore(t, store, func(cfg *config.Config) {
		cfg.Server.SendQueueSize = 16
	}, nil)
	ws := s.dial(t, query(userA, clientA))

	updates := 0
	for {
		msg, err := protocol.Decode(read(t, ws))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if msg.Sync == protocol.SyncStep1 {
			break
		}
		updates++
	}
	if updates != stored {
		t.Errorf("received %d updates before step 1, want %d", updates, stored)
	}

	rm, ok := s.handler.Rooms.Room(testRoom)
	if !ok {
		t.Fatal("room not registered")
	}
	if got := rm.Stats(context.Background()).Connections; got != 1 {
		t.Errorf("connections after join = %d, want 1", got)
	}
}

func TestHandlerBroadcastsUpdates(t *testing.T) {
	s := newTestServer(t, nil, nil)
	a := s.dial(t, query(userA, clientA))
	read(t, a)
	b := s.dial(t, query(userB, clientB))
	read(t, b)

	frame := protocol.EncodeSyncUpdate([]byte{1, 4, 2, 0})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	for name, ws := range map[string]*websocket.Conn{"sender": a, "peer": b} {
		if got := read(t, ws); !bytes.Equal(got, frame) {
			t.Errorf("%s received %v, want %v", name, got, frame)
		}
	}
}

func TestHandlerRoomFromQuery(t *testing.T) {
	s := newTestServer(t, nil, nil)
	q := query(userA, clientA)
	q.Set("room", testRoom)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, s.url("/", q), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.CloseNow()
	read(t, ws)

	if _, ok := s.handler.Rooms.Room(testRoom); !ok {
		t.Error("room was not created from the query parameter")
	}
}

func TestHandlerRejectsInvalidRoom(t *testing.T) {
	s := newTestServer(t, nil, nil)
	for _, path := range []string{"/signal/not-a-room", "/signal/", "/"} {
		if got := dialStatus(t, s.url(path, query(userA, clientA))); got != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", path, got, http.StatusBadRequest)
		}
	}
}

func TestHandlerRejectsBadHandshake(t *testing.T) {
	s := newTestServer(t, nil, nil)
	q := query(userA, clientA)
	q.Del("role")
	ws := s.dial(t, q)

	if got := readCloseStatus(t, ws); got != room.CodeHandshake {
		t.Errorf("close status = %d, want %d", got, room.CodeHandshake)
	}
}

func TestHandlerDuplicateUser(t *testing.T) {
	s := newTestServer(t, nil, nil)
	a := s.dial(t, query(userA, clientA))
	read(t, a)

	dup := s.dial(t, query(userA, clientB))
	if got := readCloseStatus(t, dup); got != room.CodeDuplicateUser {
		t.Errorf("close status = %d, want %d", got, room.CodeDuplicateUser)
	}
}

func TestHandlerWrongAccessKey(t *testing.T) {
	s := newTestServer(t, nil, nil)
	a := s.dial(t, query(userA, clientA))
	read(t, a)

	q := query(userB, clientB)
	q.Set("accessKey", "other-key")
	b := s.dial(t, q)
	if got := readCloseStatus(t, b); got != room.CodeHandshake {
		t.Errorf("close status = %d, want %d", got, room.CodeHandshake)
	}
}

func TestHandlerOversizeFrame(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Room.MaxMessageBytes = 64 }, nil)
	ws := s.dial(t, query(userA, clientA))
	read(t, ws)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageBinary, make([]byte, 65)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readCloseStatus(t, ws); got != room.CodeTooBig {
		t.Errorf("close status = %d, want %d", got, room.CodeTooBig)
	}
}

func TestHandlerConnectionRateLimit(t *testing.T) {
	rl := security.NewRateLimiter(1, clockwork.NewFakeClock())
	defer rl.Stop()
	s := newTestServer(t, nil, rl)

	s.dial(t, query(userA, clientA))
	if got := dialStatus(t, s.url("/signal/"+testRoom, query(userB, clientB))); got != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", got, http.StatusTooManyRequests)
	}
}

func TestHandlerConnectionLimits(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*config.Config)
		want int
	}{
		{"per ip", func(c *config.Config) { c.Security.MaxConnectionsPerIP = 1 }, http.StatusTooManyRequests},
		{"global", func(c *config.Config) { c.Security.MaxConnections = 1 }, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.mod, nil)
			s.dial(t, query(userA, clientA))
			if got := dialStatus(t, s.url("/signal/"+testRoom, query(userB, clientB))); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHandlerDrain(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.handler.StartDrain()
	if got := dialStatus(t, s.url("/signal/"+testRoom, query(userA, clientA))); got != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", got, http.StatusServiceUnavailable)
	}
}

func TestHandlerShutdownClosesConnections(t *testing.T) {
	s := newTestServer(t, nil, nil)
	ws := s.dial(t, query(userA, clientA))
	read(t, ws)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go s.handler.Rooms.Close(ctx)

	if got := readCloseStatus(t, ws); got != room.CodeShutdown {
		t.Errorf("close status = %d, want %d", got, room.CodeShutdown)
	}
}

func TestHandlerReleasesTrackerOnClose(t *testing.T) {
	s := newTestServer(t, nil, nil)
	ws := s.dial(t, query(userA, clientA))
	read(t, ws)
	if got := s.handler.Tracker.ConnectionCount(); got != 1 {
		t.Fatalf("ConnectionCount() = %d, want 1", got)
	}

	ws.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(5 * time.Second)
	for s.handler.Tracker.ConnectionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ConnectionCount() = %d after close, want 0", s.handler.Tracker.ConnectionCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
