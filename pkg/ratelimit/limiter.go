package ratelimit

import (
	"context"
	"time"
)

// Limiter binds an algorithm, a store and metrics into one call site.
type Limiter struct {
	algorithm RateLimitAlgorithm
	store     RateLimitStore
	metrics   RateLimitMetrics
	clock     Clock
}

// NewLimiter builds a sliding-window limiter over store. A nil metrics
// records nothing and a nil clock uses the system clock.
func NewLimiter(store RateLimitStore, metrics RateLimitMetrics, clock Clock) *Limiter {
	if metrics == nil {
		metrics = NoOpMetrics{}
	}
	if clock == nil {
		clock = &SystemClock{}
	}
	return &Limiter{
		algorithm: NewSlidingWindowAlgorithm(clock),
		store:     store,
		metrics:   metrics,
		clock:     clock,
	}
}

// Allow consumes one unit of key's budget if available.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (*RateLimitDecision, error) {
	start := time.Now()
	decision, err := l.algorithm.IsAllowed(ctx, key, l.store, limit, window)
	l.metrics.RecordCheckDuration(time.Since(start))
	if err != nil {
		return nil, err
	}
	if decision.Allowed {
		l.metrics.RecordAllowed(key)
	} else {
		l.metrics.RecordDenied(key)
	}
	return decision, nil
}

// Cleanup drops windows older than maxAge and refreshes the key gauge.
func (l *Limiter) Cleanup(ctx context.Context, maxAge time.Duration) error {
	if err := l.store.Cleanup(ctx, l.clock.Now().Add(-maxAge)); err != nil {
		return err
	}
	if sw, ok := l.algorithm.(*SlidingWindowAlgorithm); ok {
		sw.CleanupExpiredTimestamps(maxAge)
	}
	n, err := l.store.KeyCount(ctx)
	if err != nil {
		return err
	}
	l.metrics.SetActiveKeys(n)
	return nil
}
