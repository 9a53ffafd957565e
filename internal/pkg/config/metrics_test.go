package config

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestConfigMetrics_Apply(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewConfigMetrics("drip_test", reg)
	assert.Equal(t, "drip_test", m.ComponentName())

	var warnings []string
	applied := m.Apply("job_timeout", ConfigLoadResult{
		Value: 1, Warnings: []string{"bad"}, FallbackApplied: true,
	}, func(w string) { warnings = append(warnings, w) })

	assert.True(t, applied)
	assert.Equal(t, []string{"bad"}, warnings)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FallbacksTotal.WithLabelValues("job_timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ValidationErrorsTotal.WithLabelValues("job_timeout")))

	assert.False(t, m.Apply("concurrency", ConfigLoadResult{Value: 5}, nil))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.FallbacksTotal.WithLabelValues("concurrency")))
}

func TestConfigMetrics_FallbackActiveToggle(t *testing.T) {
	m := NewConfigMetrics("drip_toggle", prometheus.NewRegistry())

	m.SetFallbackActive("", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FallbackActive))
	m.SetFallbackActive("", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.FallbackActive))

	m.RecordLoadTimestamp()
	assert.Greater(t, testutil.ToFloat64(m.LoadTimestamp), 0.0)
}

func TestConfigMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewConfigMetrics("drip_same", prometheus.NewRegistry())
		NewConfigMetrics("drip_same", prometheus.NewRegistry())
	})
}
