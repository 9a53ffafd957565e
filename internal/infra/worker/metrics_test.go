package worker

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"drip-engine/internal/infra/queue"
)

func TestWorkerMetrics_JobSettled(t *testing.T) {
	m := newTestMetrics()

	m.JobSettled(&queue.Job{ID: "a"}, queue.OutcomeCompleted, 20*time.Millisecond)
	m.JobSettled(&queue.Job{ID: "b"}, queue.OutcomeCompleted, 30*time.Millisecond)
	m.JobSettled(&queue.Job{ID: "c"}, queue.OutcomeDeferred, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("deferred")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.JobDurationSeconds))
}

func TestWorkerMetrics_RecordQueueStats(t *testing.T) {
	m := newTestMetrics()
	m.RecordQueueStats(queue.Stats{Delayed: 4, Ready: 3, Active: 2, Failed: 1})

	assert.Equal(t, 4.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("delayed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("ready")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("failed")))
}

func TestWorkerMetrics_RecordMaintenance(t *testing.T) {
	m := newTestMetrics()
	m.RecordMaintenance("purge_failed", 12, nil)
	m.RecordMaintenance("purge_failed", 0, errors.New("redis down"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.MaintenanceRunsTotal.WithLabelValues("purge_failed", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MaintenanceRunsTotal.WithLabelValues("purge_failed", "failure")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.MaintenanceJobsTotal.WithLabelValues("purge_failed")))
}
