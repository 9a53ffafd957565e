// Package ratelimit implements a sliding-window send budget keyed by an
// arbitrary string (the delivery engine keys it by outbound channel).
//
// The algorithm is storage-agnostic: stores that implement
// AtomicRateLimitStore perform the check and the insert as one step, which
// is required when several workers share a key.
package ratelimit

import (
	"context"
	"time"
)

// RateLimitStore persists request timestamps per key.
type RateLimitStore interface {
	// AddRequest records a request at timestamp.
	AddRequest(ctx context.Context, key string, timestamp time.Time) error

	// GetRequestCount returns the number of requests newer than cutoff.
	GetRequestCount(ctx context.Context, key string, cutoff time.Time) (int, error)

	// Cleanup drops timestamps older than cutoff across all keys.
	Cleanup(ctx context.Context, cutoff time.Time) error

	// KeyCount returns the number of tracked keys.
	KeyCount(ctx context.Context) (int, error)
}

// AtomicRateLimitStore checks the window and records the request in one
// atomic step.
type AtomicRateLimitStore interface {
	RateLimitStore

	// CheckAndAddRequest counts requests newer than cutoff and, when the
	// count is below limit, records timestamp. It returns whether the request
	// was recorded, the count including it when allowed, and the oldest
	// timestamp still inside the window (zero when the window is empty).
	CheckAndAddRequest(ctx context.Context, key string, timestamp, cutoff time.Time, limit int) (allowed bool, count int, oldest time.Time, err error)
}

// RateLimitAlgorithm decides whether a request for key may proceed.
type RateLimitAlgorithm interface {
	IsAllowed(ctx context.Context, key string, store RateLimitStore, limit int, window time.Duration) (*RateLimitDecision, error)
}

// RateLimitMetrics records limiter outcomes.
type RateLimitMetrics interface {
	RecordAllowed(key string)
	RecordDenied(key string)
	RecordCheckDuration(duration time.Duration)
	SetActiveKeys(count int)
}

// Clock provides the current time. Tests substitute a fixed clock.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using time.Now.
type SystemClock struct{}

// Now returns the current time.
func (c *SystemClock) Now() time.Time {
	return time.Now()
}
