// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter shapes outbound requests against the wiki. One instance
// is shared by everything that talks to the network, so there is a
// single logical request budget no matter who is asking.
type RateLimiter struct {
	limiter   *rate.Limiter
	baseDelay time.Duration
	maxDelay  time.Duration
	enabled   bool

	// sleep is swappable so tests can observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRateLimiter(requestsPerSecond float64, baseDelay, maxDelay time.Duration, enabled bool) *RateLimiter {
	return &RateLimiter{
		limiter:   rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		enabled:   enabled,
		sleep:     sleepContext,
	}
}

// Wait blocks until at least 1/requestsPerSecond has elapsed since the
// previous request was allowed through.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if !r.enabled {
		return nil
	}
	return r.limiter.Wait(ctx)
}

// Backoff blocks for min(baseDelay * 2^attempt, maxDelay). The token
// bucket keeps refilling while we sleep, so the retry that follows is
// not additionally penalized by Wait.
func (r *RateLimiter) Backoff(ctx context.Context, attempt int) error {
	if !r.enabled {
		return nil
	}
	return r.sleep(ctx, r.backoffDelay(attempt))
}

func (r *RateLimiter) backoffDelay(attempt int) time.Duration {
	d := r.baseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= r.maxDelay {
			return r.maxDelay
		}
	}
	if d > r.maxDelay {
		return r.maxDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
