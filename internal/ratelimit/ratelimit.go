// Package ratelimit implements per-credential request admission. Two
// limiters are available: an in-process fixed-window counter for
// single-instance deployments and a Redis sliding window for clusters.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of an admission check. A denial always carries a
// suggested retry delay so the caller can surface it, never silently drop.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter admits or denies a request for the given credential.
type Limiter interface {
	Admit(ctx context.Context, credential string) (Decision, error)
}

// NoLimit returns a Limiter that admits everything, for deployments that
// disable rate limiting.
func NoLimit() Limiter { return noLimiter{} }

type noLimiter struct{}

func (noLimiter) Admit(context.Context, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}
