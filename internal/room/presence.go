package room

import "sort"

// PresenceArbiter records which connection owns each presence entry id.
// It is owned by the room actor and is not safe for concurrent use.
type PresenceArbiter struct {
	owners map[uint64]ConnID
}

// NewPresenceArbiter returns an arbiter with no owners.
func NewPresenceArbiter() *PresenceArbiter {
	return &PresenceArbiter{owners: make(map[uint64]ConnID)}
}

// Claim assigns every id in ids to conn. If any id belongs to another
// connection for which live returns true, nothing is assigned and Claim
// returns false.
func (a *PresenceArbiter) Claim(conn ConnID, ids []uint64, live func(ConnID) bool) bool {
	for _, id := range ids {
		owner, ok := a.owners[id]
		if ok && owner != conn && live(owner) {
			return false
		}
	}
	for _, id := range ids {
		a.owners[id] = conn
	}
	return true
}

// Release forgets every id owned by conn and returns them in ascending order.
func (a *PresenceArbiter) Release(conn ConnID) []uint64 {
	var ids []uint64
	for id, owner := range a.owners {
		if owner == conn {
			ids = append(ids, id)
			delete(a.owners, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Owner returns the connection owning id.
func (a *PresenceArbiter) Owner(id uint64) (ConnID, bool) {
	c, ok := a.owners[id]
	return c, ok
}

// Len returns the number of owned ids.
func (a *PresenceArbiter) Len() int {
	return len(a.owners)
}

// Reset drops every owner.
func (a *PresenceArbiter) Reset() {
	a.owners = make(map[uint64]ConnID)
}
