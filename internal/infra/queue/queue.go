package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"drip-engine/internal/resilience/retry"
)

// Config controls queue behaviour. Zero fields take the DefaultConfig value.
type Config struct {
	// Prefix namespaces every key, e.g. "drip:queue:".
	Prefix string

	DefaultMaxAttempts int
	DefaultTimeout     time.Duration

	// Backoff computes the delay after a failed attempt.
	Backoff retry.Config

	// StallGrace is added to a job's timeout to form its lease. An active
	// job whose lease has passed is presumed crashed.
	StallGrace time.Duration
	// MaxStalls is how many times a stalled job is requeued before it fails.
	MaxStalls int

	// FailedRetention bounds how long failed jobs are kept.
	FailedRetention time.Duration
	// FailedKeep bounds how many failed jobs are kept.
	FailedKeep int

	// PollInterval is how long an idle worker waits before polling again.
	PollInterval time.Duration
	// PromoteBatch caps how many due jobs one promotion moves.
	PromoteBatch int
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:             "drip:queue:",
		DefaultMaxAttempts: 5,
		DefaultTimeout:     30 * time.Second,
		Backoff:            retry.JobConfig(),
		StallGrace:         30 * time.Second,
		MaxStalls:          1,
		FailedRetention:    7 * 24 * time.Hour,
		FailedKeep:         1000,
		PollInterval:       500 * time.Millisecond,
		PromoteBatch:       100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Prefix == "" {
		c.Prefix = d.Prefix
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = d.DefaultMaxAttempts
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	if c.StallGrace <= 0 {
		c.StallGrace = d.StallGrace
	}
	if c.MaxStalls < 0 {
		c.MaxStalls = 0
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = d.FailedRetention
	}
	if c.FailedKeep <= 0 {
		c.FailedKeep = d.FailedKeep
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PromoteBatch <= 0 {
		c.PromoteBatch = d.PromoteBatch
	}
	return c
}

// Queue is a Redis-backed priority job queue. It is safe for concurrent use
// by any number of processes sharing the same prefix.
type Queue struct {
	client redis.UniversalClient
	cfg    Config
	now    func() time.Time
}

// New returns a queue over client.
func New(client redis.UniversalClient, cfg Config) *Queue {
	return &Queue{client: client, cfg: cfg.withDefaults(), now: time.Now}
}

// SetClock replaces the time source used for delays, leases and retention.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

func (q *Queue) jobKey(id string) string { return q.cfg.Prefix + "job:" + id }
func (q *Queue) delayedKey() string      { return q.cfg.Prefix + "delayed" }
func (q *Queue) readyKey() string        { return q.cfg.Prefix + "ready" }
func (q *Queue) activeKey() string       { return q.cfg.Prefix + "active" }
func (q *Queue) failedKey() string       { return q.cfg.Prefix + "failed" }
func (q *Queue) seqKey() string          { return q.cfg.Prefix + "seq" }

const maxPriority = 99

// Enqueue schedules payload according to opts.
//
// The idempotency key is the job id. When a job with that id is still
// queued or running, nothing is inserted and its handle is returned with
// Existing set. When the id belongs to a retained failed job, the insert is
// retried once under the key suffixed with ":1".
func (q *Queue) Enqueue(ctx context.Context, payload []byte, opts EnqueueOptions) (Handle, error) {
	id := opts.IdempotencyKey
	if id == "" {
		id = uuid.NewString()
	}

	h, err := q.insert(ctx, id, payload, opts)
	if err != nil {
		return Handle{}, err
	}
	if h.Existing && h.State.Terminal() {
		h, err = q.insert(ctx, id+":1", payload, opts)
		if err != nil {
			return Handle{}, err
		}
	}
	return h, nil
}

func (q *Queue) insert(ctx context.Context, id string, payload []byte, opts EnqueueOptions) (Handle, error) {
	priority := opts.Priority
	if priority < 0 {
		priority = 0
	}
	if priority > maxPriority {
		priority = maxPriority
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.DefaultMaxAttempts
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = q.cfg.DefaultTimeout
	}
	delay := opts.Delay
	if delay < 0 {
		delay = 0
	}

	now := q.now()
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.delayedKey(), q.readyKey(), q.seqKey()},
		id,
		string(payload),
		strconv.Itoa(priority),
		strconv.Itoa(maxAttempts),
		strconv.FormatInt(timeout.Milliseconds(), 10),
		ms(now),
		ms(now.Add(delay)),
		opts.Group,
	).Slice()
	if err != nil {
		return Handle{}, fmt.Errorf("Enqueue %s: %w", id, err)
	}
	if len(res) != 2 {
		return Handle{}, fmt.Errorf("Enqueue %s: unexpected reply %v", id, res)
	}
	created, _ := res[0].(int64)
	state, _ := res[1].(string)
	return Handle{ID: id, Existing: created == 0, State: State(state)}, nil
}

// Get returns the job with id, or ErrJobNotFound.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	h, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("Get %s: %w", id, err)
	}
	return jobFromHash(h)
}

// Promote moves delayed jobs whose time has come to the ready set.
func (q *Queue) Promote(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.readyKey()},
		ms(q.now()), q.cfg.Prefix, q.cfg.PromoteBatch,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("Promote: %w", err)
	}
	return n, nil
}

// Claim moves the highest-priority ready job to the active set and returns
// it. It returns nil, nil when nothing is ready.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	vals, err := claimScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.activeKey()},
		q.cfg.Prefix, ms(q.now()), strconv.FormatInt(q.cfg.StallGrace.Milliseconds(), 10),
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Claim: %w", err)
	}
	h := make(map[string]string, len(vals)/2)
	for i := 0; i+1 < len(vals); i += 2 {
		h[vals[i]] = vals[i+1]
	}
	return jobFromHash(h)
}

// Complete removes a finished job. It reports false when the job was no
// longer active, e.g. because the stall sweep requeued it.
func (q *Queue) Complete(ctx context.Context, job *Job) (bool, error) {
	n, err := completeScript.Run(ctx, q.client, []string{q.activeKey()}, job.ID, q.cfg.Prefix).Int()
	if err != nil {
		return false, fmt.Errorf("Complete %s: %w", job.ID, err)
	}
	return n == 1, nil
}

// Outcome is what happened to a job after its handler returned.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeRetried   Outcome = "retried"
	OutcomeFailed    Outcome = "failed"
	OutcomeLost      Outcome = "lost"
)

// Settle records a handler error against an active job and returns the
// resulting outcome and the delay before the job is eligible again.
//
//   - *DeferError: re-delayed, no attempt consumed
//   - *PermanentError: failed immediately
//   - *RetryAfterError: attempt consumed, fixed delay
//   - any other error: attempt consumed, exponential backoff
//
// A job that has used all its attempts moves to the failed set.
func (q *Queue) Settle(ctx context.Context, job *Job, handlerErr error) (Outcome, time.Duration, error) {
	var (
		delay     time.Duration
		consume   = "1"
		permanent = "0"
		message   = ""
	)

	var deferErr *DeferError
	var retryErr *RetryAfterError
	var permErr *PermanentError
	switch {
	case errors.As(handlerErr, &deferErr):
		delay = deferErr.Delay
		consume = "0"
	case errors.As(handlerErr, &permErr):
		permanent = "1"
		message = handlerErr.Error()
	case errors.As(handlerErr, &retryErr):
		delay = retryErr.Delay
		message = handlerErr.Error()
	default:
		delay = retry.Backoff(q.cfg.Backoff, job.Attempts+1)
		message = handlerErr.Error()
	}
	if delay < 0 {
		delay = 0
	}

	now := q.now()
	res, err := settleScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.delayedKey(), q.failedKey()},
		job.ID, q.cfg.Prefix, ms(now), ms(now.Add(delay)), message, consume, permanent,
	).Text()
	if err != nil {
		return "", 0, fmt.Errorf("Settle %s: %w", job.ID, err)
	}

	switch State(res) {
	case StateFailed:
		return OutcomeFailed, 0, nil
	case StateDelayed:
		if consume == "0" {
			return OutcomeDeferred, delay, nil
		}
		return OutcomeRetried, delay, nil
	default:
		return OutcomeLost, 0, nil
	}
}

// SweepStalled returns active jobs whose lease has expired to the ready
// set, failing those that stalled more than MaxStalls times.
func (q *Queue) SweepStalled(ctx context.Context) (requeued, failed int, err error) {
	res, err := stallScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.readyKey(), q.failedKey()},
		q.cfg.Prefix, ms(q.now()), q.cfg.MaxStalls,
	).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("SweepStalled: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("SweepStalled: unexpected reply %v", res)
	}
	return int(res[0]), int(res[1]), nil
}

// PurgeFailed deletes failed jobs older than FailedRetention and then the
// oldest ones beyond FailedKeep.
func (q *Queue) PurgeFailed(ctx context.Context) (int, error) {
	cutoff := q.now().Add(-q.cfg.FailedRetention)
	n, err := purgeScript.Run(ctx, q.client,
		[]string{q.failedKey()},
		q.cfg.Prefix, ms(cutoff), q.cfg.FailedKeep,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("PurgeFailed: %w", err)
	}
	return n, nil
}

// Stats holds the number of jobs per state.
type Stats struct {
	Delayed int64 `json:"delayed"`
	Ready   int64 `json:"ready"`
	Active  int64 `json:"active"`
	Failed  int64 `json:"failed"`
}

// Stats returns the current job counts.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	delayed := pipe.ZCard(ctx, q.delayedKey())
	ready := pipe.ZCard(ctx, q.readyKey())
	active := pipe.ZCard(ctx, q.activeKey())
	failed := pipe.ZCard(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("Stats: %w", err)
	}
	return Stats{
		Delayed: delayed.Val(),
		Ready:   ready.Val(),
		Active:  active.Val(),
		Failed:  failed.Val(),
	}, nil
}

// Failed returns up to limit failed jobs, most recent first.
func (q *Queue) Failed(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.client.ZRevRange(ctx, q.failedKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("Failed: %w", err)
	}
	if len(ids) == 0 {
		return []*Job{}, nil
	}

	pipe := q.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("Failed: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, cmd := range cmds {
		job, err := jobFromHash(cmd.Val())
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("Failed: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
