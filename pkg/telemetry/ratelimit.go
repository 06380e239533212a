package telemetry

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// RateLimitWindow is the minimum spacing between two analysis events.
const RateLimitWindow = 60 * time.Second

// RateLimiter admits one emission per window: a token bucket of size one
// refilled once per window, read against the injected clock.
type RateLimiter struct {
	clock  clock.Clock
	bucket *rate.Limiter

	mu   sync.Mutex
	last time.Time
	used bool
}

// NewRateLimiter creates a limiter. A nil clock uses the wall clock; a
// non-positive window admits everything.
func NewRateLimiter(clk clock.Clock, window time.Duration) *RateLimiter {
	if clk == nil {
		clk = clock.New()
	}

	limit := rate.Inf
	if window > 0 {
		limit = rate.Every(window)
	}

	return &RateLimiter{clock: clk, bucket: rate.NewLimiter(limit, 1)}
}

// Allow reports whether an emission is admitted now and, if so, records it.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if !r.bucket.AllowN(now, 1) {
		return false
	}

	r.last = now
	r.used = true

	return true
}

// Used reports whether any emission was admitted yet.
func (r *RateLimiter) Used() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.used
}

// Last returns the time of the last admitted emission, zero before the first.
func (r *RateLimiter) Last() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.last
}
