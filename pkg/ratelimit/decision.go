package ratelimit

import (
	"fmt"
	"time"
)

// RateLimitDecision is the outcome of one limiter check.
type RateLimitDecision struct {
	Key        string
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

func (d *RateLimitDecision) String() string {
	if d.Allowed {
		return fmt.Sprintf("RateLimitDecision{Allowed: true, Key: %s, Remaining: %d/%d}", d.Key, d.Remaining, d.Limit)
	}
	return fmt.Sprintf("RateLimitDecision{Allowed: false, Key: %s, Limit: %d, RetryAfter: %s}", d.Key, d.Limit, d.RetryAfter)
}

// RetryAfterSeconds returns RetryAfter rounded down, never negative.
func (d *RateLimitDecision) RetryAfterSeconds() int64 {
	seconds := int64(d.RetryAfter.Seconds())
	if seconds < 0 {
		return 0
	}
	return seconds
}

// NewAllowedDecision builds an allowed decision.
func NewAllowedDecision(key string, limit, remaining int, resetAt time.Time) *RateLimitDecision {
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitDecision{Key: key, Allowed: true, Limit: limit, Remaining: remaining, ResetAt: resetAt}
}

// NewDeniedDecision builds a denied decision that may be retried after retryAfter.
func NewDeniedDecision(key string, limit int, resetAt time.Time, retryAfter time.Duration) *RateLimitDecision {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &RateLimitDecision{Key: key, Allowed: false, Limit: limit, ResetAt: resetAt, RetryAfter: retryAfter}
}
