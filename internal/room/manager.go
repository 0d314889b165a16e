package room

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Manager maps room ids to room actors. Rooms are started on first join
// and retired once their empty-room grace window has passed.
type Manager struct {
	opts Options

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

// NewManager returns a manager creating rooms from opts. opts.OnRetire and
// opts.Logger are set per room.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:  opts,
		rooms: make(map[string]*Room),
	}
}

// Join admits conn into roomID, starting the room if needed. A join that
// races the room's retirement is retried on a fresh room.
func (m *Manager) Join(ctx context.Context, roomID string, conn Conn, meta Meta) (*Room, ConnID, error) {
	if !ValidID(roomID) {
		return nil, 0, closeErr(CodeHandshake, "invalid room id")
	}
	roomID = strings.ToLower(roomID)

	for {
		r, err := m.room(roomID)
		if err != nil {
			return nil, 0, err
		}
		id, err := r.Join(ctx, conn, meta)
		if errors.Is(err, ErrRoomClosed) && ctx.Err() == nil {
			m.forget(r)
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		return r, id, nil
	}
}

func (m *Manager) room(id string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrRoomClosed
	}
	if r, ok := m.rooms[id]; ok {
		return r, nil
	}

	opts := m.opts
	opts.OnRetire = m.forget
	if m.opts.Logger != nil {
		opts.Logger = m.opts.Logger.With("room_id", id)
	}
	r := New(id, opts)
	m.rooms[id] = r
	m.opts.Metrics.RoomOpened()
	return r, nil
}

// forget drops r from the map if it is still the current room for its id.
func (m *Manager) forget(r *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[r.id] == r {
		delete(m.rooms, r.id)
		m.opts.Metrics.RoomClosed()
	}
}

// Room returns the running room for id.
func (m *Manager) Room(id string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[strings.ToLower(id)]
	return r, ok
}

// RoomCount returns the number of running rooms.
func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Close shuts every room down concurrently and refuses further joins.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range rooms {
		wg.Add(1)
		go func(r *Room) {
			defer wg.Done()
			r.Shutdown(ctx)
		}(r)
	}
	wg.Wait()
	for range rooms {
		m.opts.Metrics.RoomClosed()
	}
}
