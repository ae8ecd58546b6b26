package resilience

import (
	"context"

	"golang.org/x/time/rate"
)

// LimiterOpts configures request pacing.
type LimiterOpts struct {
	// Rate is the number of requests allowed per second. Zero disables pacing.
	Rate float64
	// Burst is the bucket capacity.
	Burst int
}

// Limiter paces requests to one upstream provider.
type Limiter struct {
	rl *rate.Limiter
}

// NewLimiter creates a token bucket limiter. A non-positive rate yields an
// unlimited limiter.
func NewLimiter(opts LimiterOpts) *Limiter {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	limit := rate.Limit(opts.Rate)
	if opts.Rate <= 0 {
		limit = rate.Inf
	}
	return &Limiter{rl: rate.NewLimiter(limit, opts.Burst)}
}

// Allow reports whether a request may proceed now without waiting.
func (l *Limiter) Allow() bool { return l.rl.Allow() }

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error { return l.rl.Wait(ctx) }
