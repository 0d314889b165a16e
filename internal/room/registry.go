package room

import (
	"sort"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
)

// connection is the room's record of one admitted socket.
type connection struct {
	id          ConnID
	conn        Conn
	meta        Meta
	limiter     *RateLimiter
	lastMessage time.Time
	heartbeat   clockwork.Timer
}

// registry holds the live connections of a room, the per-user session
// lock, and the last session version seen for every user. The last-seen
// versions outlive the connections that reported them.
type registry struct {
	conns    map[ConnID]*connection
	locks    map[string]ConnID
	lastSeen map[string]uint64
}

func newRegistry() *registry {
	return &registry{
		conns:    make(map[ConnID]*connection),
		locks:    make(map[string]ConnID),
		lastSeen: make(map[string]uint64),
	}
}

func (g *registry) add(c *connection) {
	g.conns[c.id] = c
	g.locks[c.meta.UserID] = c.id
}

// remove drops the connection and, if it holds its user's lock, the lock.
func (g *registry) remove(id ConnID) *connection {
	c, ok := g.conns[id]
	if !ok {
		return nil
	}
	delete(g.conns, id)
	if g.locks[c.meta.UserID] == id {
		delete(g.locks, c.meta.UserID)
	}
	return c
}

func (g *registry) get(id ConnID) *connection {
	return g.conns[id]
}

// holder returns the connection holding userID's lock.
func (g *registry) holder(userID string) *connection {
	id, ok := g.locks[userID]
	if !ok {
		return nil
	}
	return g.conns[id]
}

// observe raises the last-seen session version of userID to v.
func (g *registry) observe(userID string, v uint64) {
	if v > g.lastSeen[userID] {
		g.lastSeen[userID] = v
		return
	}
	if _, ok := g.lastSeen[userID]; !ok {
		g.lastSeen[userID] = v
	}
}

// stale reports whether v is below the last version seen for userID.
func (g *registry) stale(userID string, v uint64) bool {
	last, ok := g.lastSeen[userID]
	return ok && v < last
}

// ids returns the live connection ids in join order.
func (g *registry) ids() []ConnID {
	ids := make([]ConnID, 0, len(g.conns))
	for id := range g.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (g *registry) len() int {
	return len(g.conns)
}

// forget drops locks and last-seen versions. Callers ensure no
// connection is registered.
func (g *registry) forget() {
	g.locks = make(map[string]ConnID)
	g.lastSeen = make(map[string]uint64)
}

// broadcast sends frame to every connection except the one with id except
// (zero for none). Connections that fail to accept the frame are dropped.
func (r *Room) broadcast(frame []byte, except ConnID) {
	for _, id := range r.reg.ids() {
		if id != except {
			r.send(id, frame)
		}
	}
}

// send delivers frame to one connection. A failed send closes and
// unregisters it.
func (r *Room) send(id ConnID, frame []byte) bool {
	c := r.reg.get(id)
	if c == nil {
		return false
	}
	return r.sendResult(c, c.conn.Send(frame))
}

// sendBatch delivers frames to one connection as a single queue entry.
func (r *Room) sendBatch(id ConnID, frames [][]byte) bool {
	c := r.reg.get(id)
	if c == nil {
		return false
	}
	return r.sendResult(c, c.conn.SendBatch(frames))
}

func (r *Room) sendResult(c *connection, err error) bool {
	if err != nil {
		r.log.Warn("send failed, dropping connection", "conn_id", c.id, "user_id", c.meta.UserID, "error", err)
		r.disconnect(c.id, CodeSendFailed, "send failed")
		return false
	}
	return true
}

// disconnect closes a connection from the server side and unregisters it.
func (r *Room) disconnect(id ConnID, code websocket.StatusCode, reason string) {
	c := r.reg.get(id)
	if c == nil {
		return
	}
	r.log.Info("closing connection",
		"conn_id", id,
		"user_id", c.meta.UserID,
		"code", int(code),
		"reason", reason,
	)
	r.metrics.Closed(reasonLabel(code))
	c.conn.Close(code, reason)
	r.unregister(id)
}

// unregister removes a connection, releases the presence entries it owned,
// and starts the expiry countdown when the room becomes empty.
func (r *Room) unregister(id ConnID) {
	c := r.reg.remove(id)
	if c == nil {
		return
	}
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	r.metrics.ConnectionClosed()

	if released := r.arbiter.Release(id); len(released) > 0 {
		r.presence.RemoveEntries(released, nil)
	}
	if r.reg.len() == 0 && !r.closed {
		r.scheduleExpiry()
	}
}
