package common

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter paces handoffs so message sources cannot flood the decision
// host faster than the consumer logic keeps up. Safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a RateLimiter with the specified events per second (rps)
// and burst size. A burst below one is raised to one so the limiter can ever
// admit an event.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Wait blocks until the rate limiter allows an event or the context is canceled.
// It returns an error if the context is canceled while waiting.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}
