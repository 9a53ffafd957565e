package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exports limiter outcomes labelled by key.
//
// Metrics:
//   - send_budget_checks_total{key,result}
//   - send_budget_check_duration_seconds
//   - send_budget_active_keys
type PrometheusMetrics struct {
	checksTotal   *prometheus.CounterVec
	checkDuration prometheus.Histogram
	activeKeys    prometheus.Gauge
}

// NewPrometheusMetrics registers the limiter metrics with reg, or with the
// default registerer when reg is nil.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		checksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "send_budget_checks_total",
			Help: "Sliding-window budget checks by key and result",
		}, []string{"key", "result"}),
		checkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "send_budget_check_duration_seconds",
			Help:    "Duration of sliding-window budget checks",
			Buckets: []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		activeKeys: factory.NewGauge(prometheus.GaugeOpts{
			Name: "send_budget_active_keys",
			Help: "Number of keys with a live sliding window",
		}),
	}
}

func (m *PrometheusMetrics) RecordAllowed(key string) {
	m.checksTotal.WithLabelValues(key, "allowed").Inc()
}

func (m *PrometheusMetrics) RecordDenied(key string) {
	m.checksTotal.WithLabelValues(key, "denied").Inc()
}

func (m *PrometheusMetrics) RecordCheckDuration(d time.Duration) {
	m.checkDuration.Observe(d.Seconds())
}

func (m *PrometheusMetrics) SetActiveKeys(count int) {
	m.activeKeys.Set(float64(count))
}
