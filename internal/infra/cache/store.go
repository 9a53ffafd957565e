// Package cache provides the key/value store shared by the read-through
// caches, the cooldown guard and the deduplication guard, plus the
// read-through layer in front of the store of record.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Store is a TTL key/value store over opaque string values.
//
// SetNX and DeleteIfEquals are atomic so that several workers touching the
// same key never need a read-modify-write.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only when key is absent. It reports whether the
	// value was stored.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// DeleteIfEquals removes key only when it currently holds value.
	DeleteIfEquals(ctx context.Context, key, value string) (bool, error)
	// Extend stores value with ttl unless key already outlives ttl, and
	// returns the lifetime key has afterwards. A key without expiry is left
	// alone and reported as 0.
	Extend(ctx context.Context, key, value string, ttl time.Duration) (time.Duration, error)
	// TTL returns the remaining lifetime of key, or ErrMiss when absent.
	TTL(ctx context.Context, key string) (time.Duration, error)
}
