package security

import (
	"errors"
	"sync"
	"time"
)

// Rate limiting errors
var (
	ErrRateLimited = errors.New("security: rate limit exceeded")
)

// RateLimiter implements a token bucket rate limiter.
type RateLimiter struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	burst      int
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter creates a limiter that sustains rate operations per second
// with bursts of up to burst operations.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return newRateLimiter(rate, burst, time.Now)
}

func newRateLimiter(rate float64, burst int, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastRefill: now(),
		now:        now,
	}
}

// Allow reports whether an operation may proceed and consumes a token if so.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.tokens += now.Sub(r.lastRefill).Seconds() * r.rate
	if r.tokens > float64(r.burst) {
		r.tokens = float64(r.burst)
	}
	r.lastRefill = now

	if r.tokens >= 1.0 {
		r.tokens--
		return true
	}
	return false
}

// Reset refills the bucket.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = float64(r.burst)
	r.lastRefill = r.now()
}

// ConnectionLimiter limits the number of concurrent connections.
type ConnectionLimiter struct {
	mu      sync.Mutex
	current int
	max     int
}

// NewConnectionLimiter allows at most max concurrent connections.
func NewConnectionLimiter(max int) *ConnectionLimiter {
	return &ConnectionLimiter{max: max}
}

// Acquire takes a slot, returning false when the limit is reached.
func (cl *ConnectionLimiter) Acquire() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.current >= cl.max {
		return false
	}
	cl.current++
	return true
}

// Release returns a slot.
func (cl *ConnectionLimiter) Release() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.current > 0 {
		cl.current--
	}
}

// Current returns the number of held slots.
func (cl *ConnectionLimiter) Current() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.current
}
