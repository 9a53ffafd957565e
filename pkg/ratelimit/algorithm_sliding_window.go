package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// minRetryAfter keeps a denied caller from spinning when the oldest request
// is about to leave the window.
const minRetryAfter = 10 * time.Millisecond

// SlidingWindowAlgorithm counts requests in the trailing window.
//
// Clock skew: if the clock moves backwards for a key, the last seen
// timestamp is reused so the window never moves backwards.
type SlidingWindowAlgorithm struct {
	clock Clock

	mu             sync.Mutex
	lastTimestamps map[string]time.Time
}

// NewSlidingWindowAlgorithm returns an algorithm using clock, or the
// system clock when nil.
func NewSlidingWindowAlgorithm(clock Clock) *SlidingWindowAlgorithm {
	if clock == nil {
		clock = &SystemClock{}
	}
	return &SlidingWindowAlgorithm{
		clock:          clock,
		lastTimestamps: make(map[string]time.Time),
	}
}

// IsAllowed checks whether key has budget left for one more request within
// window and records the request when it does. A non-positive limit always
// allows.
//
// RetryAfter on a denied decision is the time until the oldest request in
// the window expires.
func (a *SlidingWindowAlgorithm) IsAllowed(
	ctx context.Context,
	key string,
	store RateLimitStore,
	limit int,
	window time.Duration,
) (*RateLimitDecision, error) {
	now := a.getValidTimestamp(key)
	if limit <= 0 || window <= 0 {
		return NewAllowedDecision(key, limit, 0, now), nil
	}

	cutoff := now.Add(-window)

	if atomicStore, ok := store.(AtomicRateLimitStore); ok {
		allowed, count, oldest, err := atomicStore.CheckAndAddRequest(ctx, key, now, cutoff, limit)
		if err != nil {
			return nil, fmt.Errorf("check and add request: %w", err)
		}
		return a.decide(key, allowed, count, oldest, limit, window, now), nil
	}

	count, err := store.GetRequestCount(ctx, key, cutoff)
	if err != nil {
		return nil, fmt.Errorf("get request count: %w", err)
	}
	if count >= limit {
		return a.decide(key, false, count, time.Time{}, limit, window, now), nil
	}
	if err := store.AddRequest(ctx, key, now); err != nil {
		return nil, fmt.Errorf("add request: %w", err)
	}
	return a.decide(key, true, count+1, time.Time{}, limit, window, now), nil
}

func (a *SlidingWindowAlgorithm) decide(key string, allowed bool, count int, oldest time.Time, limit int, window time.Duration, now time.Time) *RateLimitDecision {
	resetAt := now.Add(window)
	if !oldest.IsZero() {
		resetAt = oldest.Add(window)
	}
	if allowed {
		return NewAllowedDecision(key, limit, limit-count, resetAt)
	}
	retryAfter := resetAt.Sub(now)
	if retryAfter < minRetryAfter {
		retryAfter = minRetryAfter
	}
	return NewDeniedDecision(key, limit, resetAt, retryAfter)
}

func (a *SlidingWindowAlgorithm) getValidTimestamp(key string) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	if lastSeen, exists := a.lastTimestamps[key]; exists && now.Before(lastSeen) {
		slog.Warn("clock skew detected, using last valid timestamp",
			slog.String("key", key),
			slog.Duration("skew", lastSeen.Sub(now)))
		return lastSeen
	}
	a.lastTimestamps[key] = now
	return now
}

// CleanupExpiredTimestamps forgets skew tracking for keys idle longer than maxAge.
func (a *SlidingWindowAlgorithm) CleanupExpiredTimestamps(maxAge time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.clock.Now().Add(-maxAge)
	removed := 0
	for key, ts := range a.lastTimestamps {
		if ts.Before(cutoff) {
			delete(a.lastTimestamps, key)
			removed++
		}
	}
	return removed
}
