package server

import (
	"sync"
	"sync/atomic"
)

// Limit reasons returned by Tracker.TryAcquire.
const (
	LimitGlobal = "max_connections"
	LimitPerIP  = "max_connections_per_ip"
)

// Tracker counts open WebSocket connections globally and per client IP.
type Tracker struct {
	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	totalMessages     atomic.Int64

	ipConnections map[string]int
	ipMu          sync.Mutex
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		ipConnections: make(map[string]int),
	}
}

// ConnectionCount returns the current number of open connections.
func (t *Tracker) ConnectionCount() int {
	return int(t.activeConnections.Load())
}

// ConnectionCountForIP returns the open connection count for ip.
func (t *Tracker) ConnectionCountForIP(ip string) int {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()
	return t.ipConnections[ip]
}

// TryAcquire checks both limits and counts the connection if they allow
// it. It returns "" on success, otherwise LimitGlobal or LimitPerIP.
func (t *Tracker) TryAcquire(ip string, maxGlobal, maxPerIP int) string {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()

	if int(t.activeConnections.Load()) >= maxGlobal {
		return LimitGlobal
	}
	if t.ipConnections[ip] >= maxPerIP {
		return LimitPerIP
	}

	t.activeConnections.Add(1)
	t.totalConnections.Add(1)
	t.ipConnections[ip]++
	return ""
}

// Release undoes a successful TryAcquire.
func (t *Tracker) Release(ip string) {
	t.activeConnections.Add(-1)
	t.ipMu.Lock()
	t.ipConnections[ip]--
	if t.ipConnections[ip] <= 0 {
		delete(t.ipConnections, ip)
	}
	t.ipMu.Unlock()
}

// IncrementMessages counts one inbound frame.
func (t *Tracker) IncrementMessages() {
	t.totalMessages.Add(1)
}

// TotalConnections returns the number of connections accepted since start.
func (t *Tracker) TotalConnections() int64 {
	return t.totalConnections.Load()
}

// TotalMessages returns the number of inbound frames since start.
func (t *Tracker) TotalMessages() int64 {
	return t.totalMessages.Load()
}
