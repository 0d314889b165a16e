package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps room state in process memory. State survives room
// retirement but not a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]*Snapshot
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*Snapshot)}
}

func (m *MemoryStore) Load(_ context.Context, roomID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.rooms[roomID]
	if !ok {
		return Snapshot{}, nil
	}
	out := Snapshot{
		Document: append([]byte(nil), s.Document...),
		SavedAt:  s.SavedAt,
	}
	if len(s.KeyHashes) > 0 {
		out.KeyHashes = make(map[string]string, len(s.KeyHashes))
		for role, h := range s.KeyHashes {
			out.KeyHashes[role] = h
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveDocument(_ context.Context, roomID string, doc []byte, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.roomLocked(roomID)
	s.Document = append([]byte(nil), doc...)
	s.SavedAt = at
	return nil
}

func (m *MemoryStore) SaveKeyHash(_ context.Context, roomID, role, hash string) error {
	if !validRole(role) {
		return fmt.Errorf("saving key hash for %q: %w", role, ErrUnknownRole)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.roomLocked(roomID)
	if s.KeyHashes == nil {
		s.KeyHashes = make(map[string]string)
	}
	s.KeyHashes[role] = hash
	return nil
}

func (m *MemoryStore) roomLocked(roomID string) *Snapshot {
	s, ok := m.rooms[roomID]
	if !ok {
		s = &Snapshot{}
		m.rooms[roomID] = s
	}
	return s
}

func (m *MemoryStore) Delete(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomID)
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// RoomCount returns the number of rooms with stored state.
func (m *MemoryStore) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}
