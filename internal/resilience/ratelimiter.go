// Package resilience provides retry, rate-limiting, and circuit-breaking helpers for
// ambient call sites outside the task runtime's own retry schedule: the scheduler's
// dispatch RPCs (rate limiter, circuit breaker) and a worker's server-registration
// reconnect loop (retry).
package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// RateLimiter combines a token bucket with a fixed-window cap (the window count resets
// once windowDur has elapsed since the window started), so a burst of dispatches
// can't both drain the bucket instantly and blow past a per-window ceiling.
// Refill is lazy: tokens are topped up on each Allow call based on elapsed time.
type RateLimiter struct {
	mu           sync.Mutex
	capacity     int64
	fillRate     float64
	available    float64
	lastRefill   time.Time
	windowStart  time.Time
	windowDur    time.Duration
	windowCount  int64
	maxPerWindow int64
}

// NewRateLimiter builds a combined token-bucket + fixed-window limiter.
func NewRateLimiter(capacity int64, fillRate float64, windowDur time.Duration, maxPerWindow int64) *RateLimiter {
	return &RateLimiter{
		capacity:     capacity,
		fillRate:     fillRate,
		available:    float64(capacity),
		lastRefill:   time.Now(),
		windowStart:  time.Now(),
		windowDur:    windowDur,
		maxPerWindow: maxPerWindow,
	}
}

// Allow reports whether a single unit may proceed right now.
func (r *RateLimiter) Allow() bool { return r.AllowN(1) }

// AllowN attempts to consume n units.
func (r *RateLimiter) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	now := time.Now()
	meter := otel.GetMeterProvider().Meter("flux")

	r.mu.Lock()
	defer r.mu.Unlock()

	if elapsed := now.Sub(r.lastRefill).Seconds(); elapsed > 0 {
		if refill := elapsed * r.fillRate; refill > 0 {
			r.available = minFloat(float64(r.capacity), r.available+refill)
			r.lastRefill = now
		}
	}

	if now.Sub(r.windowStart) >= r.windowDur {
		r.windowStart = now
		r.windowCount = 0
	}

	if r.maxPerWindow > 0 && r.windowCount+n > r.maxPerWindow {
		counter, _ := meter.Int64Counter("flux_ratelimiter_window_drops_total")
		counter.Add(context.Background(), 1)
		return false
	}

	if float64(n) <= r.available {
		r.available -= float64(n)
		r.windowCount += n
		return true
	}
	counter, _ := meter.Int64Counter("flux_ratelimiter_token_drops_total")
	counter.Add(context.Background(), 1)
	return false
}

// ReserveAfter returns how long the caller must wait for n tokens to free up.
func (r *RateLimiter) ReserveAfter(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	now := time.Now()
	need := float64(n)

	r.mu.Lock()
	defer r.mu.Unlock()

	if elapsed := now.Sub(r.lastRefill).Seconds(); elapsed > 0 {
		if refill := elapsed * r.fillRate; refill > 0 {
			r.available = minFloat(float64(r.capacity), r.available+refill)
			r.lastRefill = now
		}
	}

	if r.available >= need {
		return 0
	}
	shortfall := need - r.available
	return time.Duration(shortfall / r.fillRate * float64(time.Second))
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
