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
	mu           sync.Mutex
	rate         float64 // tokens per second
	burst        int     // maximum burst size
	tokens       float64
	lastRefill   time.Time
	blockedUntil time.Time
}

// NewRateLimiter creates a new rate limiter.
// rate is the sustained rate (operations per second)
// burst is the maximum allowed burst (operations)
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst), // Start full
		lastRefill: time.Now(),
	}
}

// Allow checks if an operation is allowed under the rate limit.
// It returns true if allowed, false if rate limited.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check if we're in a blocked period
	now := time.Now()
	if now.Before(r.blockedUntil) {
		return false
	}

	// Refill tokens based on elapsed time
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.tokens += elapsed * r.rate
	if r.tokens > float64(r.burst) {
		r.tokens = float64(r.burst)
	}
	r.lastRefill = now

	// Check if we have enough tokens
	if r.tokens >= 1.0 {
		r.tokens--
		return true
	}

	return false
}

// Wait blocks until the operation is allowed or the context expires.
// Returns nil if allowed, ErrRateLimited if timeout.
func (r *RateLimiter) Wait(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if r.Allow() {
			return nil
		}

		// Check timeout
		if time.Now().After(deadline) {
			return ErrRateLimited
		}

		// Wait a bit before retrying
		// Calculate optimal wait time based on rate
		waitTime := time.Duration(float64(time.Second) / r.rate)
		if waitTime < time.Millisecond {
			waitTime = time.Millisecond
		}
		if waitTime > 100*time.Millisecond {
			waitTime = 100 * time.Millisecond
		}

		time.Sleep(waitTime)
	}
}

// Block temporarily blocks all operations for the specified duration.
// This is useful for implementing exponential backoff after detected attacks.
func (r *RateLimiter) Block(duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.blockedUntil = time.Now().Add(duration)
}

// Reset resets the rate limiter to full capacity.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tokens = float64(r.burst)
	r.lastRefill = time.Now()
	r.blockedUntil = time.Time{}
}
