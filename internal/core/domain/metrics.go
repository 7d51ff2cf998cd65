package domain

import "time"

// HealthMetrics is the per-endpoint rollup owned by the health manager.
// Readers receive copies; the manager mutates under its per-endpoint lock.
type HealthMetrics struct {
	TotalRequests       int64
	SuccessfulRequests  int64
	FailedRequests      int64
	ConsecutiveFailures int64
	EMAResponseTime     time.Duration
	ErrorRatePct        float64
	LastRequestAt       time.Time
	LastFailureAt       time.Time
}

// RecordSample folds one outcome into the rollup. alpha is the EMA smoothing
// factor; the first sample seeds the EMA directly.
func (m *HealthMetrics) RecordSample(latency time.Duration, failed bool, alpha float64, now time.Time) {
	m.TotalRequests++
	m.LastRequestAt = now
	if failed {
		m.FailedRequests++
		m.ConsecutiveFailures++
		m.LastFailureAt = now
	} else {
		m.SuccessfulRequests++
		m.ConsecutiveFailures = 0
	}

	if m.EMAResponseTime == 0 {
		m.EMAResponseTime = latency
	} else {
		m.EMAResponseTime = time.Duration((1-alpha)*float64(m.EMAResponseTime) + alpha*float64(latency))
	}

	if m.TotalRequests > 0 {
		m.ErrorRatePct = float64(m.FailedRequests) / float64(m.TotalRequests) * 100
	}
}
