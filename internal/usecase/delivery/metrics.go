package delivery

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports delivery outcomes.
//
// Metrics:
//   - delivery_jobs_total{action}
//   - delivery_sends_total{kind, result}
//   - delivery_send_duration_seconds{kind}
//   - delivery_dedup_skips_total
//   - delivery_enrichments_total{result}
type Metrics struct {
	jobs         *prometheus.CounterVec
	sends        *prometheus.CounterVec
	sendDuration *prometheus.HistogramVec
	dedupSkips   prometheus.Counter
	enrichments  *prometheus.CounterVec
}

// NewMetrics registers the delivery metrics with reg, or with the default
// registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_jobs_total",
			Help: "Delivery jobs processed by resulting action",
		}, []string{"action"}),
		sends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_sends_total",
			Help: "Send attempts by channel kind and result",
		}, []string{"kind", "result"}),
		sendDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "delivery_send_duration_seconds",
			Help:    "Duration of channel send calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"kind"}),
		dedupSkips: factory.NewCounter(prometheus.CounterOpts{
			Name: "delivery_dedup_skips_total",
			Help: "Sends skipped because the fingerprint was already sent",
		}),
		enrichments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_enrichments_total",
			Help: "Subscriber metadata enrichments from contact records",
		}, []string{"result"}),
	}
}

func (m *Metrics) job(action ActionKind) {
	if m != nil {
		m.jobs.WithLabelValues(action.String()).Inc()
	}
}

func (m *Metrics) send(kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(kind, result).Inc()
	if d > 0 {
		m.sendDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

func (m *Metrics) skipped() {
	if m != nil {
		m.dedupSkips.Inc()
	}
}

func (m *Metrics) enriched(result string) {
	if m != nil {
		m.enrichments.WithLabelValues(result).Inc()
	}
}
