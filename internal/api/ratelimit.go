package api

import (
	"sync"

	"golang.org/x/time/rate"
)

const maxLimiters = 10000

type RateLimiter struct {
	mu                sync.RWMutex
	limiters          map[string]*rate.Limiter
	requestsPerSecond float64
	burstSize         int
}

func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters:          make(map[string]*rate.Limiter),
		requestsPerSecond: requestsPerSecond,
		burstSize:         burst,
	}
}

// Allow takes a token for client and reports the tokens left.
func (rl *RateLimiter) Allow(client string) (allowed bool, remaining int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Bound memory: start over once too many clients are tracked.
	if len(rl.limiters) >= maxLimiters {
		rl.limiters = make(map[string]*rate.Limiter)
	}

	limiter, exists := rl.limiters[client]
	if !exists {
		limiter = rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burstSize)
		rl.limiters[client] = limiter
	}

	allowed = limiter.Allow()
	remaining = max(int(limiter.Tokens()), 0)
	return allowed, remaining
}
