package room

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/tablesync/tablesync/internal/config"
)

// RateLimiter guards one connection's inbound traffic with a message token
// bucket and a fixed-window byte budget. It is owned by the room actor and
// is not safe for concurrent use.
type RateLimiter struct {
	tokens *rate.Limiter

	window      time.Duration
	maxBytes    int64
	windowStart time.Time
	used        int64
}

// NewRateLimiter returns a limiter with a full bucket and an empty byte
// window opened at now.
func NewRateLimiter(cfg config.RoomRateLimit, now time.Time) *RateLimiter {
	perSecond := float64(cfg.MaxMessages) / cfg.Window.Seconds()
	return &RateLimiter{
		tokens:      rate.NewLimiter(rate.Limit(perSecond), cfg.MaxMessages),
		window:      cfg.Window,
		maxBytes:    cfg.MaxBytes,
		windowStart: now,
	}
}

// Allow charges one message of size bytes at now. It returns a *CloseError
// with CodeRateLimited when the bucket is empty and CodeTooBig when the
// byte budget of the current window would be exceeded.
func (l *RateLimiter) Allow(now time.Time, size int) error {
	if !l.tokens.AllowN(now, 1) {
		return closeErr(CodeRateLimited, "rate limited")
	}

	if now.Sub(l.windowStart) > l.window {
		l.windowStart = now
		l.used = 0
	}
	if l.used+int64(size) > l.maxBytes {
		return closeErr(CodeTooBig, "byte budget exceeded")
	}
	l.used += int64(size)
	return nil
}
