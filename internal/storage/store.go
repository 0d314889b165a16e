// Package storage persists the durable per-room key space: the document
// snapshot, its timestamp, and the pinned access-key hash of each role.
package storage

import (
	"context"
	"errors"
	"time"
)

// Role names used as key-hash slots.
const (
	RolePlayer    = "player"
	RoleSpectator = "spectator"
)

// ErrUnknownRole is returned when a key hash is written for an unknown role.
var ErrUnknownRole = errors.New("unknown role")

// Snapshot is everything stored for one room. A zero SavedAt means no
// document snapshot has been written.
type Snapshot struct {
	Document  []byte
	SavedAt   time.Time
	KeyHashes map[string]string
}

// Empty reports whether nothing is stored for the room.
func (s Snapshot) Empty() bool {
	return len(s.Document) == 0 && s.SavedAt.IsZero() && len(s.KeyHashes) == 0
}

// Store is the durable key space shared by all rooms. Implementations must
// be safe for concurrent use by different rooms.
type Store interface {
	// Load returns the stored snapshot; a room with nothing stored yields
	// an empty Snapshot and a nil error.
	Load(ctx context.Context, roomID string) (Snapshot, error)
	// SaveDocument writes the document snapshot and its timestamp.
	SaveDocument(ctx context.Context, roomID string, doc []byte, at time.Time) error
	// SaveKeyHash pins the access-key hash for a role.
	SaveKeyHash(ctx context.Context, roomID, role, hash string) error
	// Delete removes every key stored for the room.
	Delete(ctx context.Context, roomID string) error
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

func validRole(role string) bool {
	return role == RolePlayer || role == RoleSpectator
}
