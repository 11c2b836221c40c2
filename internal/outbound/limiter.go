// Package outbound handles delivery of rendered replies: per-account rate
// limiting, a bounded response cache, and the HTTP send client.
package outbound

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// DefaultSendRatePerMinute applies to accounts without an explicit rate.
const DefaultSendRatePerMinute = 60

// LimiterRegistry hands out one token bucket per platform account. Sends
// wait for a token rather than dropping, so bursts are smoothed, not lost.
type LimiterRegistry struct {
	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	defaultRate int
}

// NewLimiterRegistry creates a registry with the given default per-minute
// send rate for accounts that do not configure their own.
func NewLimiterRegistry(defaultRatePerMinute int) *LimiterRegistry {
	if defaultRatePerMinute <= 0 {
		defaultRatePerMinute = DefaultSendRatePerMinute
	}
	return &LimiterRegistry{
		limiters:    map[string]*rate.Limiter{},
		defaultRate: defaultRatePerMinute,
	}
}

// Wait blocks until the account may send, or until the context is done.
// ratePerMinute <= 0 selects the registry default.
func (r *LimiterRegistry) Wait(ctx context.Context, key string, ratePerMinute int) error {
	return r.limiter(key, ratePerMinute).Wait(ctx)
}

// Allow reports whether a send may proceed immediately without consuming
// the caller's patience. Used by tests and health reporting.
func (r *LimiterRegistry) Allow(key string, ratePerMinute int) bool {
	return r.limiter(key, ratePerMinute).Allow()
}

func (r *LimiterRegistry) limiter(key string, ratePerMinute int) *rate.Limiter {
	if ratePerMinute <= 0 {
		ratePerMinute = r.defaultRate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if limiter, ok := r.limiters[key]; ok {
		return limiter
	}
	// Burst of one minute's allowance keeps short spikes cheap while the
	// sustained rate stays at ratePerMinute.
	limiter := rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), ratePerMinute)
	r.limiters[key] = limiter
	return limiter
}
