// Package syncdoc is the boundary to the shared document engine: a CRDT
// document and the ephemeral presence states published alongside it.
//
// The server never merges document content itself. UpdateLog relays the
// opaque updates produced by clients, which merge them on their side, and
// Awareness keeps the latest presence entry per id.
package syncdoc

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/tablesync/tablesync/internal/protocol"
)

var (
	// ErrMalformed is returned for payloads the engine cannot interpret.
	ErrMalformed = errors.New("malformed document payload")
	// ErrDocumentFull is returned when a new update would grow the document
	// past its byte limit.
	ErrDocumentFull = errors.New("document size limit reached")
)

// UpdateHandler observes applied document updates. origin is whatever the
// caller passed to ApplyUpdate.
type UpdateHandler func(update []byte, origin any)

// Document is the shared CRDT document of a room.
type Document interface {
	// ApplyUpdate merges an update and notifies handlers if it changed the document.
	ApplyUpdate(update []byte, origin any) error
	// Diff returns the updates a peer with the given state vector is missing.
	Diff(stateVector []byte) [][]byte
	// EncodeFullState serializes the whole document for persistence.
	EncodeFullState() []byte
	// LoadState replaces the document with a state from EncodeFullState.
	// Handlers are not notified.
	LoadState(state []byte) error
	// OnUpdate registers a handler for applied updates.
	OnUpdate(fn UpdateHandler)
	// Len reports the number of retained updates.
	Len() int
}

// UpdateLog is a Document that retains every distinct update in arrival
// order. Replaying the log on any client reproduces the merged document.
type UpdateLog struct {
	mu       sync.Mutex
	updates  [][]byte
	seen     map[uint64][]int // xxhash -> indexes into updates
	size     int64
	limit    int64
	handlers []UpdateHandler
}

// NewUpdateLog returns an empty document without a size limit.
func NewUpdateLog() *UpdateLog {
	return NewBoundedUpdateLog(0)
}

// NewBoundedUpdateLog returns an empty document that refuses new updates
// once the retained bytes would exceed limit. A limit <= 0 disables it.
func NewBoundedUpdateLog(limit int64) *UpdateLog {
	return &UpdateLog{seen: make(map[uint64][]int), limit: limit}
}

func (l *UpdateLog) ApplyUpdate(update []byte, origin any) error {
	if len(update) < len(protocol.EmptyUpdate) {
		return fmt.Errorf("update of %d bytes: %w", len(update), ErrMalformed)
	}
	if bytes.Equal(update, protocol.EmptyUpdate) {
		return nil
	}

	l.mu.Lock()
	h := xxhash.Sum64(update)
	if l.containsLocked(h, update) {
		l.mu.Unlock()
		return nil
	}
	if l.limit > 0 && l.size+int64(len(update)) > l.limit {
		size := l.size
		l.mu.Unlock()
		return fmt.Errorf("update of %d bytes on a %d byte document: %w", len(update), size, ErrDocumentFull)
	}
	l.appendLocked(h, update)
	handlers := l.handlers
	l.mu.Unlock()

	for _, fn := range handlers {
		fn(update, origin)
	}
	return nil
}

// containsLocked reports whether an update identical to update, with hash
// h, is retained.
func (l *UpdateLog) containsLocked(h uint64, update []byte) bool {
	for _, i := range l.seen[h] {
		if bytes.Equal(l.updates[i], update) {
			return true
		}
	}
	return false
}

// appendLocked stores a copy of update.
func (l *UpdateLog) appendLocked(h uint64, update []byte) {
	l.seen[h] = append(l.seen[h], len(l.updates))
	l.updates = append(l.updates, append([]byte(nil), update...))
	l.size += int64(len(update))
}

// Diff ignores the state vector: the log cannot compute per-peer
// differences, and replaying known updates is idempotent on clients.
func (l *UpdateLog) Diff(stateVector []byte) [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.updates))
	copy(out, l.updates)
	return out
}

func (l *UpdateLog) EncodeFullState() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := protocol.AppendVarUint(nil, uint64(len(l.updates)))
	for _, u := range l.updates {
		buf = protocol.AppendVarBytes(buf, u)
	}
	return buf
}

func (l *UpdateLog) LoadState(state []byte) error {
	d := protocol.NewDecoder(state)
	n, err := d.ReadVarUint()
	if err != nil {
		return fmt.Errorf("update count: %w", ErrMalformed)
	}
	if n > uint64(d.Remaining()) {
		return fmt.Errorf("update count %d exceeds state size: %w", n, ErrMalformed)
	}
	updates := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		u, err := d.ReadVarBytes()
		if err != nil {
			return fmt.Errorf("update %d: %w", i, ErrMalformed)
		}
		updates = append(updates, u)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = nil
	l.size = 0
	l.seen = make(map[uint64][]int, len(updates))
	for _, u := range updates {
		if h := xxhash.Sum64(u); !l.containsLocked(h, u) {
			l.appendLocked(h, u)
		}
	}
	return nil
}

func (l *UpdateLog) OnUpdate(fn UpdateHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, fn)
}

func (l *UpdateLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.updates)
}

// Size reports the retained update bytes.
func (l *UpdateLog) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}
