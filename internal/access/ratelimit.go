package access

import (
	"sync"

	"golang.org/x/time/rate"
)

// LoginLimiter throttles authentication attempts per username. The engine
// never retries a failed verification itself; containing brute force is
// this collaborator's job, consulted before any credential lookup.
type LoginLimiter interface {
	Allow(username string) bool
}

// RateLimiter is a token-bucket LoginLimiter keyed by username.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

// NewRateLimiter allows perMinute sustained attempts per username with the
// given burst. Non-positive arguments fall back to 10/min with burst 5.
func NewRateLimiter(perMinute float64, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 10
	}
	if burst <= 0 {
		burst = 5
	}
	return &RateLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(perMinute / 60),
		burst:   burst,
	}
}

func (l *RateLimiter) Allow(username string) bool {
	l.mu.Lock()
	lim, ok := l.buckets[username]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.buckets[username] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
