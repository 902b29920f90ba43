package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window limiter.
// It keeps the timestamps of the last `limit` accepted events in a ring.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int
	count  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = defaultRateEvents
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &RateLimiter{ring: make([]time.Time, limit), window: window}
}

// Allow reports whether an event at time now is permitted, recording it when it is.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == len(r.ring) {
		// The slot about to be reused holds the oldest accepted event.
		oldest := r.ring[r.next]
		if now.Sub(oldest) < r.window {
			return false
		}
	} else {
		r.count++
	}
	r.ring[r.next] = now
	r.next = (r.next + 1) % len(r.ring)
	return true
}
