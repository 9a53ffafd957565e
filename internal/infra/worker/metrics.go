package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"drip-engine/internal/infra/queue"
	"drip-engine/internal/pkg/config"
)

// WorkerMetrics provides Prometheus metrics for the delivery worker. It
// embeds the standard ConfigMetrics and implements queue.Observer.
//
// Embedded metrics (from ConfigMetrics):
//   - worker_config_load_timestamp
//   - worker_config_validation_errors_total{field}
//   - worker_config_fallbacks_total{field}
//   - worker_config_fallback_active
//
// Worker-specific metrics:
//   - worker_jobs_total{outcome}: settled jobs by queue outcome
//   - worker_job_duration_seconds{outcome}: handler duration
//   - worker_queue_depth{state}: jobs per queue state at the last sample
//   - worker_maintenance_runs_total{task, status}
//   - worker_maintenance_jobs_total{task}: jobs requeued, failed or purged
//   - worker_maintenance_last_success_timestamp
type WorkerMetrics struct {
	*config.ConfigMetrics

	JobsTotal                *prometheus.CounterVec
	JobDurationSeconds       *prometheus.HistogramVec
	QueueDepth               *prometheus.GaugeVec
	MaintenanceRunsTotal     *prometheus.CounterVec
	MaintenanceJobsTotal     *prometheus.CounterVec
	MaintenanceLastSuccessTS prometheus.Gauge
}

var _ queue.Observer = (*WorkerMetrics)(nil)

// NewWorkerMetrics registers the worker metrics with reg, or with the
// default registerer when reg is nil.
func NewWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &WorkerMetrics{
		ConfigMetrics: config.NewConfigMetrics("worker", reg),

		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_jobs_total",
			Help: "Total number of settled jobs by outcome",
		}, []string{"outcome"}),

		JobDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "worker_job_duration_seconds",
			Help:    "Duration of job handler execution in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		}, []string{"outcome"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "worker_queue_depth",
			Help: "Number of jobs per queue state",
		}, []string{"state"}),

		MaintenanceRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_maintenance_runs_total",
			Help: "Total number of maintenance task runs by status",
		}, []string{"task", "status"}),

		MaintenanceJobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_maintenance_jobs_total",
			Help: "Jobs touched by maintenance tasks",
		}, []string{"task"}),

		MaintenanceLastSuccessTS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "worker_maintenance_last_success_timestamp",
			Help: "Unix timestamp of the last fully successful maintenance run",
		}),
	}
}

// JobSettled records a settled job.
func (m *WorkerMetrics) JobSettled(_ *queue.Job, outcome queue.Outcome, elapsed time.Duration) {
	m.JobsTotal.WithLabelValues(string(outcome)).Inc()
	m.JobDurationSeconds.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

// RecordQueueStats sets the depth gauges.
func (m *WorkerMetrics) RecordQueueStats(s queue.Stats) {
	m.QueueDepth.WithLabelValues(string(queue.StateDelayed)).Set(float64(s.Delayed))
	m.QueueDepth.WithLabelValues(string(queue.StateReady)).Set(float64(s.Ready))
	m.QueueDepth.WithLabelValues(string(queue.StateActive)).Set(float64(s.Active))
	m.QueueDepth.WithLabelValues(string(queue.StateFailed)).Set(float64(s.Failed))
}

// RecordMaintenance counts one task run and the jobs it touched.
func (m *WorkerMetrics) RecordMaintenance(task string, jobs int, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.MaintenanceRunsTotal.WithLabelValues(task, status).Inc()
	if jobs > 0 {
		m.MaintenanceJobsTotal.WithLabelValues(task).Add(float64(jobs))
	}
}

// RecordMaintenanceSuccess records the current time as the last clean run.
func (m *WorkerMetrics) RecordMaintenanceSuccess() {
	m.MaintenanceLastSuccessTS.SetToCurrentTime()
}
