package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"drip-engine/internal/observability/logging"
)

// Handler processes one job. The context carries the job's attempt
// timeout. Returning nil completes the job; see Settle for how errors are
// treated.
type Handler func(ctx context.Context, job *Job) error

// Gate is consulted after a job is claimed and before its handler runs.
// A positive delay defers the job without consuming an attempt.
type Gate interface {
	Admit(ctx context.Context, job *Job) (time.Duration, error)
}

// Observer is notified of every settled job.
type Observer interface {
	JobSettled(job *Job, outcome Outcome, elapsed time.Duration)
}

// ConsumeOption configures Consume.
type ConsumeOption func(*consumer)

// WithGate installs a gate.
func WithGate(g Gate) ConsumeOption { return func(c *consumer) { c.gate = g } }

// WithObserver installs an observer.
func WithObserver(o Observer) ConsumeOption { return func(c *consumer) { c.observer = o } }

type consumer struct {
	q        *Queue
	handler  Handler
	gate     Gate
	observer Observer
}

// Consume runs concurrency workers until ctx is cancelled. Each worker
// promotes due jobs, claims one, and runs handler under the job's timeout.
// Consume returns nil on cancellation; infrastructure errors are logged and
// the worker backs off for one poll interval.
func (q *Queue) Consume(ctx context.Context, concurrency int, handler Handler, opts ...ConsumeOption) error {
	if concurrency < 1 {
		concurrency = 1
	}
	c := &consumer{q: q, handler: handler}
	for _, opt := range opts {
		opt(c)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		worker := i
		g.Go(func() error {
			c.loop(gctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (c *consumer) loop(ctx context.Context, worker int) {
	logger := logging.FromContext(ctx).With(slog.Int("worker", worker))
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := c.poll(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Warn("queue poll failed", slog.Any("error", err))
		}
		if processed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.q.cfg.PollInterval):
		}
	}
}

// poll handles at most one job and reports whether it did.
func (c *consumer) poll(ctx context.Context) (bool, error) {
	if _, err := c.q.Promote(ctx); err != nil {
		return false, err
	}
	job, err := c.q.Claim(ctx)
	if err != nil || job == nil {
		return false, err
	}
	return true, c.process(ctx, job)
}

func (c *consumer) process(ctx context.Context, job *Job) error {
	start := time.Now()
	jobCtx := logging.WithJobID(ctx, job.ID)
	logger := logging.ForJob(jobCtx, logging.FromContext(ctx))

	var handlerErr error
	if c.gate != nil {
		delay, err := c.gate.Admit(jobCtx, job)
		switch {
		case err != nil:
			handlerErr = fmt.Errorf("gate: %w", err)
		case delay > 0:
			handlerErr = Defer(delay)
		}
	}
	if handlerErr == nil {
		handlerErr = c.run(jobCtx, job)
	}

	// Settle on a context that outlives cancellation so a shutdown does not
	// leave the job active until the stall sweep.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var outcome Outcome
	var delay time.Duration
	if handlerErr == nil {
		ok, err := c.q.Complete(settleCtx, job)
		if err != nil {
			return err
		}
		outcome = OutcomeCompleted
		if !ok {
			outcome = OutcomeLost
		}
	} else {
		var err error
		outcome, delay, err = c.q.Settle(settleCtx, job, handlerErr)
		if err != nil {
			return err
		}
	}

	elapsed := time.Since(start)
	switch outcome {
	case OutcomeFailed:
		logger.Error("job failed permanently",
			slog.Int("attempts", job.Attempts+1),
			slog.Any("error", handlerErr))
	case OutcomeRetried:
		logger.Warn("job attempt failed, retrying",
			slog.Int("attempt", job.Attempts+1),
			slog.Int("max_attempts", job.MaxAttempts),
			slog.Duration("delay", delay),
			slog.Any("error", handlerErr))
	case OutcomeDeferred:
		logger.Debug("job deferred", slog.Duration("delay", delay))
	case OutcomeLost:
		logger.Warn("job lease lost before settling")
	}
	if c.observer != nil {
		c.observer.JobSettled(job, outcome, elapsed)
	}
	return nil
}

// run invokes the handler under the job timeout, converting panics into
// errors.
func (c *consumer) run(ctx context.Context, job *Job) (err error) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = c.q.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logging.ForJob(ctx, logging.FromContext(ctx)).Error("job handler panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	err = c.handler(runCtx, job)
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("job exceeded timeout %s: %w", timeout, err)
	}
	return err
}
