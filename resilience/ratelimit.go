package resilience

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiters holds one token-bucket limiter per agent, built lazily from
// each agent's execution.rate_limit_per_minute (spec.md §4.6 "Rate limiter:
// token bucket, refill rate = rate_limit_per_minute").
type RateLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiters builds an empty set.
func NewRateLimiters() *RateLimiters {
	return &RateLimiters{limiters: map[string]*rate.Limiter{}}
}

// Allow reports whether agentID may proceed now, given a limit of
// perMinute tokens/minute (0 or negative means unlimited).
func (r *RateLimiters) Allow(agentID string, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}
	return r.limiterFor(agentID, perMinute).Allow()
}

func (r *RateLimiters) limiterFor(agentID string, perMinute int) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[agentID]
	ratePerSec := rate.Limit(float64(perMinute) / 60.0)
	if !ok {
		lim = rate.NewLimiter(ratePerSec, perMinute)
		r.limiters[agentID] = lim
		return lim
	}
	if lim.Limit() != ratePerSec {
		lim.SetLimit(ratePerSec)
		lim.SetBurst(perMinute)
	}
	return lim
}
