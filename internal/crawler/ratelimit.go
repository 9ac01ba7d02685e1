package crawler

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/searchstack/crawler/internal/metrics"
)

// RateLimiter paces all fetch workers of one crawl session through a shared
// token bucket. Acquisition always eventually succeeds while the bucket
// refills; it is never denied permanently.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter builds a limiter refilling one token per requestDelay.
// A non-positive delay disables pacing; burst defaults to 1 (strict pacing).
func NewRateLimiter(requestDelay time.Duration, burst int) *RateLimiter {
	limit := rate.Inf
	if requestDelay > 0 {
		limit = rate.Every(requestDelay)
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(limit, burst)}
}

// Acquire blocks until a token is available or the context ends.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return nil
}
