package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"drip-engine/internal/infra/queue"
)

// QueueMaintainer is the subset of the queue that maintenance drives.
type QueueMaintainer interface {
	SweepStalled(ctx context.Context) (requeued, failed int, err error)
	PurgeFailed(ctx context.Context) (int, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// Maintenance sweeps stalled jobs, purges the failed set and samples queue
// depth.
type Maintenance struct {
	q       QueueMaintainer
	metrics *WorkerMetrics
	logger  *slog.Logger
	timeout time.Duration
}

// NewMaintenance returns a maintenance runner.
func NewMaintenance(q QueueMaintainer, metrics *WorkerMetrics, logger *slog.Logger) *Maintenance {
	return &Maintenance{q: q, metrics: metrics, logger: logger, timeout: time.Minute}
}

// Run executes every task once. Tasks run independently; the joined error
// reports each one that failed.
func (m *Maintenance) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var errs []error

	requeued, failed, err := m.q.SweepStalled(ctx)
	m.metrics.RecordMaintenance("sweep_stalled", requeued+failed, err)
	if err != nil {
		errs = append(errs, err)
	} else if requeued+failed > 0 {
		m.logger.Warn("stalled jobs recovered",
			slog.Int("requeued", requeued),
			slog.Int("failed", failed))
	}

	purged, err := m.q.PurgeFailed(ctx)
	m.metrics.RecordMaintenance("purge_failed", purged, err)
	if err != nil {
		errs = append(errs, err)
	} else if purged > 0 {
		m.logger.Info("failed jobs purged", slog.Int("purged", purged))
	}

	stats, err := m.q.Stats(ctx)
	m.metrics.RecordMaintenance("sample_depth", 0, err)
	if err != nil {
		errs = append(errs, err)
	} else {
		m.metrics.RecordQueueStats(stats)
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		m.logger.Error("maintenance run failed", slog.Any("error", err))
		return err
	}
	m.metrics.RecordMaintenanceSuccess()
	return nil
}

// Schedule registers Run on a new cron scheduler in the configured
// timezone. The caller starts and stops the returned scheduler.
func (m *Maintenance) Schedule(ctx context.Context, cfg *WorkerConfig) (*cron.Cron, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		m.logger.Error("invalid timezone, using UTC", slog.String("timezone", cfg.Timezone), slog.Any("error", err))
		loc = time.UTC
	}
	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(cfg.MaintenanceSchedule, func() {
		_ = m.Run(ctx)
	}); err != nil {
		return nil, fmt.Errorf("schedule maintenance: %w", err)
	}
	return c, nil
}
