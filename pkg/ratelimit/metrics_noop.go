package ratelimit

import "time"

// NoOpMetrics discards all measurements.
type NoOpMetrics struct{}

func (NoOpMetrics) RecordAllowed(string)              {}
func (NoOpMetrics) RecordDenied(string)               {}
func (NoOpMetrics) RecordCheckDuration(time.Duration) {}
func (NoOpMetrics) SetActiveKeys(int)                 {}
