// Package queue is a durable, at-least-once priority job queue on Redis.
//
// Jobs move through delayed -> ready -> active and end completed (removed),
// back in delayed for a retry, or in the failed set where they are retained
// for inspection until purged. Lower priority values dequeue first; among
// equal priorities jobs dequeue in enqueue order.
package queue

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// State is the lifecycle state of a job.
type State string

const (
	StateDelayed State = "delayed"
	StateReady   State = "ready"
	StateActive  State = "active"
	StateFailed  State = "failed"
)

// Terminal reports whether a job in this state will never run again.
func (s State) Terminal() bool { return s == StateFailed }

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.New("queue: job not found")

// EnqueueOptions controls how a job is scheduled.
type EnqueueOptions struct {
	Delay    time.Duration
	Priority int
	// IdempotencyKey becomes the job id. Empty generates a random id.
	IdempotencyKey string
	MaxAttempts    int
	Timeout        time.Duration
	// Group names the shared resource the job consumes, e.g. "channel:7".
	Group string
}

// Handle identifies an enqueued job.
type Handle struct {
	ID string
	// Existing is true when the key was already queued and nothing was inserted.
	Existing bool
	State    State
}

// Job is a claimed or inspected unit of work.
type Job struct {
	ID          string
	Payload     []byte
	Priority    int
	Attempts    int
	MaxAttempts int
	Stalls      int
	Timeout     time.Duration
	Group       string
	State       State
	LastError   string
	CreatedAt   time.Time
	ReadyAt     time.Time
	FailedAt    time.Time
}

func jobFromHash(h map[string]string) (*Job, error) {
	if len(h) == 0 {
		return nil, ErrJobNotFound
	}
	j := &Job{
		ID:        h["id"],
		Payload:   []byte(h["payload"]),
		Group:     h["group"],
		State:     State(h["state"]),
		LastError: h["last_error"],
	}
	ints := map[string]*int{
		"priority":     &j.Priority,
		"attempts":     &j.Attempts,
		"max_attempts": &j.MaxAttempts,
		"stalls":       &j.Stalls,
	}
	for field, dst := range ints {
		if v, ok := h[field]; ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("job %s: field %s: %w", j.ID, field, err)
			}
			*dst = n
		}
	}
	j.Timeout = msDuration(h["timeout_ms"])
	j.CreatedAt = msTime(h["created_at"])
	j.ReadyAt = msTime(h["ready_at"])
	j.FailedAt = msTime(h["failed_at"])
	return j, nil
}

func msDuration(v string) time.Duration {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return time.Duration(n) * time.Millisecond
}

func msTime(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n)
}

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

/* ──────────────────────────────── handler outcomes ──────────────────────────────── */

// DeferError re-delays a job without consuming an attempt.
type DeferError struct{ Delay time.Duration }

func (e *DeferError) Error() string { return fmt.Sprintf("deferred for %s", e.Delay) }

// Defer returns an error that re-delays the job by d without counting a
// failed attempt.
func Defer(d time.Duration) error { return &DeferError{Delay: d} }

// RetryAfterError consumes an attempt and retries after a fixed delay
// instead of the exponential backoff.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// RetryAfter wraps err so the job is retried after d.
func RetryAfter(err error, d time.Duration) error { return &RetryAfterError{Err: err, Delay: d} }

// PermanentError moves a job straight to the failed set.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the job is failed without further attempts.
func Permanent(err error) error { return &PermanentError{Err: err} }
