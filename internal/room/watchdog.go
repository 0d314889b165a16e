package room

import "context"

// startHeartbeat arms the liveness check of c for one ping interval.
func (r *Room) startHeartbeat(c *connection) {
	id := c.id
	c.heartbeat = r.clock.AfterFunc(r.cfg.PingInterval, func() {
		r.enqueue(context.Background(), func() { r.checkIdle(id) })
	})
}

// checkIdle closes the connection if it has been silent for longer than
// the idle timeout, otherwise re-arms its heartbeat.
func (r *Room) checkIdle(id ConnID) {
	c := r.reg.get(id)
	if c == nil {
		return
	}
	if !r.live(c) {
		r.disconnect(id, CodeIdle, "idle timeout")
		return
	}
	r.startHeartbeat(c)
}

// live reports whether c has sent anything within the idle timeout.
func (r *Room) live(c *connection) bool {
	return r.clock.Now().Sub(c.lastMessage) <= r.cfg.IdleTimeout()
}

func (r *Room) liveID(id ConnID) bool {
	c := r.reg.get(id)
	return c != nil && r.live(c)
}
