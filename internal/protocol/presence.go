package protocol

import (
	"encoding/json"
	"fmt"
)

// PresenceEntry is one (entry id, clock, state) tuple of a presence update.
// State is the JSON encoding of the entry; "null" marks a removal.
type PresenceEntry struct {
	ID    uint64
	Clock uint64
	State string
}

// Removed reports whether the entry signals removal.
func (e PresenceEntry) Removed() bool {
	return e.State == "null"
}

// DecodePresenceUpdate strictly decodes a presence update. Every state must
// be valid JSON.
func DecodePresenceUpdate(update []byte) ([]PresenceEntry, error) {
	d := NewDecoder(update)
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("presence entry count: %w", err)
	}
	// Each entry needs at least three bytes.
	if n > uint64(d.Remaining()) {
		return nil, fmt.Errorf("presence entry count %d exceeds payload: %w", n, ErrMalformed)
	}

	entries := make([]PresenceEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		var e PresenceEntry
		if e.ID, err = d.ReadVarUint(); err != nil {
			return nil, fmt.Errorf("presence entry %d id: %w", i, err)
		}
		if e.Clock, err = d.ReadVarUint(); err != nil {
			return nil, fmt.Errorf("presence entry %d clock: %w", i, err)
		}
		if e.State, err = d.ReadVarString(); err != nil {
			return nil, fmt.Errorf("presence entry %d state: %w", i, err)
		}
		if !json.Valid([]byte(e.State)) {
			return nil, fmt.Errorf("presence entry %d state is not JSON: %w", i, ErrMalformed)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// EncodePresenceUpdate encodes entries into a presence update payload.
func EncodePresenceUpdate(entries []PresenceEntry) []byte {
	buf := AppendVarUint(nil, uint64(len(entries)))
	for _, e := range entries {
		buf = AppendVarUint(buf, e.ID)
		buf = AppendVarUint(buf, e.Clock)
		buf = AppendVarString(buf, e.State)
	}
	return buf
}

// PresenceEntryIDs extracts entry ids from a presence update on a best-effort
// basis. Parsing stops at the first malformed field; ids decoded before that
// point are returned. Duplicates are collapsed.
func PresenceEntryIDs(update []byte) []uint64 {
	d := NewDecoder(update)
	n, err := d.ReadVarUint()
	if err != nil {
		return nil
	}

	var ids []uint64
	seen := make(map[uint64]struct{})
	for i := uint64(0); i < n; i++ {
		id, err := d.ReadVarUint()
		if err != nil {
			break
		}
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		if _, err := d.ReadVarUint(); err != nil {
			break
		}
		if _, err := d.ReadVarBytes(); err != nil {
			break
		}
	}
	return ids
}
