package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"drip-engine/internal/domain/entity"
	"drip-engine/internal/infra/queue"
	"drip-engine/internal/infra/throttle"
	"drip-engine/internal/observability/logging"
)

// Enqueuer is the queue operation the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload []byte, opts queue.EnqueueOptions) (queue.Handle, error)
}

// SchedulerConfig holds per-job queue settings. Zero values use the queue
// defaults.
type SchedulerConfig struct {
	MaxAttempts int
	Timeout     time.Duration
}

// Scheduler enqueues delivery jobs for a campaign.
type Scheduler struct {
	q   Enqueuer
	cfg SchedulerConfig
}

// NewScheduler returns a scheduler over q.
func NewScheduler(q Enqueuer, cfg SchedulerConfig) *Scheduler {
	return &Scheduler{q: q, cfg: cfg}
}

// Schedule enqueues step p.Order for the campaign's channel. The job is
// grouped by channel so the dequeue gate can hold it during a cooldown.
func (s *Scheduler) Schedule(ctx context.Context, camp *entity.Campaign, p Payload, delay time.Duration, priority int) (queue.Handle, error) {
	p.CampaignID = camp.ID
	p.ChannelID = camp.ChannelID
	body, err := p.Encode()
	if err != nil {
		return queue.Handle{}, err
	}
	h, err := s.q.Enqueue(ctx, body, queue.EnqueueOptions{
		Delay:          delay,
		Priority:       priority,
		IdempotencyKey: p.Key(),
		MaxAttempts:    s.cfg.MaxAttempts,
		Timeout:        s.cfg.Timeout,
		Group:          throttle.ChannelGroup(camp.ChannelID),
	})
	if err != nil {
		return queue.Handle{}, fmt.Errorf("Schedule %s: %w", p.Key(), err)
	}
	return h, nil
}

// Driver adapts the Processor to a queue.Handler.
type Driver struct {
	proc    *Processor
	sched   *Scheduler
	metrics *Metrics
}

// NewDriver returns a driver.
func NewDriver(proc *Processor, sched *Scheduler) *Driver {
	return &Driver{proc: proc, sched: sched, metrics: proc.Metrics}
}

// Handle processes one claimed job and applies the resulting action.
func (d *Driver) Handle(ctx context.Context, job *queue.Job) error {
	ctx = logging.WithJobID(ctx, job.ID)
	logger := logging.ForJob(ctx, logging.FromContext(ctx)).With(slog.Int("attempt", job.Attempts+1))
	ctx = logging.WithLogger(ctx, logger)

	p, err := DecodePayload(job.Payload)
	if err != nil {
		logger.Error("malformed delivery job", slog.Any("error", err))
		return queue.Permanent(err)
	}

	action, err := d.proc.Process(ctx, p)
	if err != nil {
		logger.Warn("delivery job failed, will retry", slog.Any("error", err))
		return err
	}
	d.metrics.job(action.Kind)

	switch action.Kind {
	case ActionDefer:
		return queue.Defer(action.Delay)
	case ActionRetry:
		return queue.RetryAfter(action.Err, action.Delay)
	case ActionReschedule, ActionScheduleNext:
		next := Payload{SubscriberID: p.SubscriberID, Order: action.Order, Salt: action.Salt}
		h, err := d.sched.Schedule(ctx, action.Campaign, next, action.Delay, action.Priority)
		if err != nil {
			// A retry reaches this point again without resending.
			return err
		}
		logger.Debug("next step scheduled",
			slog.String("next_job_id", h.ID),
			slog.Int("next_order", action.Order),
			slog.Duration("delay", action.Delay),
			slog.Bool("existing", h.Existing))
		return nil
	default:
		logger.Debug("delivery job finished",
			slog.String("action", action.Kind.String()),
			slog.String("reason", action.Reason))
		return nil
	}
}
