package security

import (
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestRateLimiterAllow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := NewRateLimiter(2, clock)
	defer rl.Stop()

	ip := "192.0.2.1"

	if !rl.Allow(ip) {
		t.Error("first request should be allowed")
	}
	if !rl.Allow(ip) {
		t.Error("second request (burst) should be allowed")
	}
	if rl.Allow(ip) {
		t.Error("third request should be denied (burst exhausted)")
	}

	// 2/min refills one token every 30s
	clock.Advance(30 * time.Second)
	if !rl.Allow(ip) {
		t.Error("request after refill should be allowed")
	}
}

func TestRateLimiterPerIP(t *testing.T) {
	rl := NewRateLimiter(1, clockwork.NewFakeClock())
	defer rl.Stop()

	if !rl.Allow("192.0.2.1") {
		t.Error("IP A first request should be allowed")
	}
	if rl.Allow("192.0.2.1") {
		t.Error("IP A second request should be denied")
	}
	if !rl.Allow("192.0.2.2") {
		t.Error("IP B first request should be allowed")
	}
}

func TestRateLimiterUpdateRate(t *testing.T) {
	rl := NewRateLimiter(1, clockwork.NewFakeClock())
	defer rl.Stop()

	ip := "192.0.2.1"
	rl.Allow(ip)

	rl.UpdateRate(5)

	if !rl.Allow(ip) {
		t.Error("should be allowed after rate update")
	}
}

func TestRateLimiterMaxEntries(t *testing.T) {
	rl := NewRateLimiter(10, clockwork.NewFakeClock())
	defer rl.Stop()

	rl.mu.Lock()
	rl.maxEntries = 3
	rl.mu.Unlock()

	for i := 0; i < 3; i++ {
		ip := fmt.Sprintf("192.0.2.%d", i+1)
		if !rl.Allow(ip) {
			t.Errorf("IP %s should be allowed (map not full)", ip)
		}
	}

	if rl.Allow("192.0.2.100") {
		t.Error("should reject new IP when map is at capacity")
	}
	if !rl.Allow("192.0.2.1") {
		t.Error("existing IP should still be allowed")
	}
}

func TestRateLimiterEvictsStaleEntries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := NewRateLimiter(10, clock)
	defer rl.Stop()

	rl.Allow("192.0.2.1")
	clock.Advance(11 * time.Minute)
	rl.Allow("192.0.2.2")
	rl.evict()

	if got := rl.Len(); got != 1 {
		t.Errorf("Len() = %d after eviction, want 1", got)
	}
}

func TestRateLimiterStop(t *testing.T) {
	rl := NewRateLimiter(1, nil)
	rl.Stop()
}
