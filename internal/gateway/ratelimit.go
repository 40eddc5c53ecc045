package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedKeys caps the number of tracked keys so rotating instance names
// cannot grow the map without bound.
const maxTrackedKeys = 4096

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter is a per-key token bucket. Keys are webhook instance names.
// Safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// NewRateLimiter creates a limiter allowing rpm requests per minute per key
// with the given burst. rpm <= 0 disables limiting.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	r := &RateLimiter{entries: make(map[string]*limiterEntry), burst: burst, now: time.Now}
	if rpm > 0 {
		r.limit = rate.Limit(float64(rpm) / 60)
	}
	return r
}

// Enabled reports whether requests are limited at all.
func (r *RateLimiter) Enabled() bool { return r.limit > 0 }

// Allow reports whether key may make a request now.
func (r *RateLimiter) Allow(key string) bool {
	if !r.Enabled() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e, ok := r.entries[key]
	if !ok {
		if len(r.entries) >= maxTrackedKeys {
			r.evictLocked(now)
		}
		e = &limiterEntry{lim: rate.NewLimiter(r.limit, r.burst)}
		r.entries[key] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

// evictLocked drops keys idle for over a minute, then arbitrary keys until
// there is room for one more.
func (r *RateLimiter) evictLocked(now time.Time) {
	for k, e := range r.entries {
		if now.Sub(e.seen) >= time.Minute {
			delete(r.entries, k)
		}
	}
	for len(r.entries) >= maxTrackedKeys {
		for k := range r.entries {
			delete(r.entries, k)
			break
		}
	}
}

// Len returns the number of tracked keys.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
