package ratelimit

import (
	"context"
	"sync"
	"time"
)

// InMemoryRateLimitStore keeps timestamps per key in process memory.
// It implements AtomicRateLimitStore under a single mutex.
type InMemoryRateLimitStore struct {
	mu       sync.Mutex
	requests map[string][]time.Time
}

// NewInMemoryRateLimitStore returns an empty store.
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{requests: make(map[string][]time.Time)}
}

func (s *InMemoryRateLimitStore) AddRequest(_ context.Context, key string, timestamp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[key] = append(s.requests[key], timestamp)
	return nil
}

func (s *InMemoryRateLimitStore) GetRequestCount(_ context.Context, key string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prune(key, cutoff)), nil
}

func (s *InMemoryRateLimitStore) CheckAndAddRequest(_ context.Context, key string, timestamp, cutoff time.Time, limit int) (bool, int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.prune(key, cutoff)
	var oldest time.Time
	if len(live) > 0 {
		oldest = live[0]
	}
	if len(live) >= limit {
		return false, len(live), oldest, nil
	}
	s.requests[key] = append(live, timestamp)
	if oldest.IsZero() {
		oldest = timestamp
	}
	return true, len(live) + 1, oldest, nil
}

func (s *InMemoryRateLimitStore) Cleanup(_ context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.requests {
		if len(s.prune(key, cutoff)) == 0 {
			delete(s.requests, key)
		}
	}
	return nil
}

func (s *InMemoryRateLimitStore) KeyCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests), nil
}

// prune drops timestamps at or before cutoff. Timestamps are appended in
// order, so the live ones form a suffix. Callers hold mu.
func (s *InMemoryRateLimitStore) prune(key string, cutoff time.Time) []time.Time {
	ts := s.requests[key]
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		ts = append([]time.Time(nil), ts[i:]...)
		s.requests[key] = ts
	}
	return ts
}
