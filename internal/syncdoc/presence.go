package syncdoc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tablesync/tablesync/internal/protocol"
)

// Change lists the presence entry ids affected by one operation.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// IDs returns every id in the change.
func (c Change) IDs() []uint64 {
	ids := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	ids = append(ids, c.Added...)
	ids = append(ids, c.Updated...)
	return append(ids, c.Removed...)
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// ChangeHandler observes presence changes.
type ChangeHandler func(change Change, origin any)

// Presence holds the ephemeral per-client states of a room.
type Presence interface {
	// Entries returns the ids that currently have a state.
	Entries() []uint64
	// ApplyUpdate merges a presence update payload.
	ApplyUpdate(update []byte, origin any) error
	// EncodeUpdate encodes the current clock and state of the given ids.
	EncodeUpdate(ids []uint64) []byte
	// RemoveEntries drops the states of the given ids.
	RemoveEntries(ids []uint64, origin any)
	// OnChange registers a handler for presence changes.
	OnChange(fn ChangeHandler)
}

type presenceMeta struct {
	clock uint64
}

// Awareness implements Presence with the same clock rules as the clients:
// a known entry is replaced only by a higher clock, or removed by a "null"
// state carrying the current clock. The first state seen for an id is
// accepted at any clock.
type Awareness struct {
	mu       sync.Mutex
	states   map[uint64]string
	meta     map[uint64]presenceMeta
	handlers []ChangeHandler
}

// NewAwareness returns an empty presence set.
func NewAwareness() *Awareness {
	return &Awareness{
		states: make(map[uint64]string),
		meta:   make(map[uint64]presenceMeta),
	}
}

func (a *Awareness) Entries() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]uint64, 0, len(a.states))
	for id := range a.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (a *Awareness) ApplyUpdate(update []byte, origin any) error {
	entries, err := protocol.DecodePresenceUpdate(update)
	if err != nil {
		return fmt.Errorf("presence update (%v): %w", err, ErrMalformed)
	}

	var change Change
	a.mu.Lock()
	for _, e := range entries {
		prev, known := a.meta[e.ID]
		_, hasState := a.states[e.ID]
		accept := prev.clock < e.Clock ||
			(prev.clock == e.Clock && e.Removed() && hasState) ||
			(!known && !e.Removed())
		if !accept {
			continue
		}
		prevState := a.states[e.ID]
		if e.Removed() {
			delete(a.states, e.ID)
		} else {
			a.states[e.ID] = e.State
		}
		a.meta[e.ID] = presenceMeta{clock: e.Clock}

		switch {
		case !known && !e.Removed():
			change.Added = append(change.Added, e.ID)
		case known && e.Removed():
			if hasState {
				change.Removed = append(change.Removed, e.ID)
			}
		case !e.Removed():
			if !hasState {
				change.Added = append(change.Added, e.ID)
			} else if prevState != e.State {
				change.Updated = append(change.Updated, e.ID)
			}
		}
	}
	handlers := a.handlers
	a.mu.Unlock()

	if !change.Empty() {
		for _, fn := range handlers {
			fn(change, origin)
		}
	}
	return nil
}

func (a *Awareness) EncodeUpdate(ids []uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	entries := make([]protocol.PresenceEntry, 0, len(ids))
	for _, id := range ids {
		m, ok := a.meta[id]
		if !ok {
			continue
		}
		state, ok := a.states[id]
		if !ok {
			state = "null"
		}
		entries = append(entries, protocol.PresenceEntry{ID: id, Clock: m.clock, State: state})
	}
	return protocol.EncodePresenceUpdate(entries)
}

func (a *Awareness) RemoveEntries(ids []uint64, origin any) {
	var change Change
	a.mu.Lock()
	for _, id := range ids {
		if _, ok := a.states[id]; ok {
			delete(a.states, id)
			change.Removed = append(change.Removed, id)
		}
	}
	handlers := a.handlers
	a.mu.Unlock()

	if !change.Empty() {
		for _, fn := range handlers {
			fn(change, origin)
		}
	}
}

func (a *Awareness) OnChange(fn ChangeHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, fn)
}
