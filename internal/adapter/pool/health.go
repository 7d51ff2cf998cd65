package pool

import (
	"time"

	"github.com/thushan/porter/internal/core/constants"
	"github.com/thushan/porter/internal/core/domain"
)

// Scoring weights: availability dominates, response time and error rate
// split the rest.
const (
	availabilityPenaltyMax = 40.0
	responseTimePenaltyMax = 30.0
	errorRatePenaltyMax    = 30.0

	// below this healthy ratio the availability penalty scales in even when
	// the minimum endpoint count is met
	healthyRatioTarget = 0.8
)

// computeHealth scores the pool from 100 down. The caller holds the cache
// entry lock.
func (m *Manager) computeHealth(p *domain.Pool, now time.Time) domain.PoolHealth {
	var healthy, total int
	var latencySum time.Duration
	var latencySamples int
	var errorRateSum float64
	var errorRateSamples int

	for _, epID := range p.EndpointIDs {
		total++
		if m.health.IsAvailable(epID) {
			healthy++
		}
		if metrics, ok := m.health.Metrics(epID); ok && metrics.TotalRequests > 0 {
			latencySum += metrics.EMAResponseTime
			latencySamples++
			errorRateSum += metrics.ErrorRatePct
			errorRateSamples++
		}
	}

	var avgLatency time.Duration
	if latencySamples > 0 {
		avgLatency = latencySum / time.Duration(latencySamples)
	}
	var avgErrorRate float64
	if errorRateSamples > 0 {
		avgErrorRate = errorRateSum / float64(errorRateSamples)
	}

	score := 100.0

	minHealthy := p.Thresholds.MinHealthyEndpoints
	if minHealthy <= 0 {
		minHealthy = 1
	}
	healthyRatio := 0.0
	requiredRatio := 1.0
	if total > 0 {
		healthyRatio = float64(healthy) / float64(total)
		requiredRatio = float64(minHealthy) / float64(total)
	}

	switch {
	case healthyRatio < requiredRatio:
		score -= availabilityPenaltyMax
	case healthyRatio < healthyRatioTarget:
		score -= availabilityPenaltyMax * (healthyRatioTarget - healthyRatio) / healthyRatioTarget
	}

	if threshold := p.Thresholds.ResponseTime; threshold > 0 && avgLatency > threshold {
		penalty := responseTimePenaltyMax * float64(avgLatency-threshold) / float64(threshold)
		if penalty > responseTimePenaltyMax {
			penalty = responseTimePenaltyMax
		}
		score -= penalty
	}

	if threshold := p.Thresholds.ErrorRatePct; threshold > 0 && avgErrorRate > threshold {
		penalty := errorRatePenaltyMax * (avgErrorRate - threshold) / threshold
		if penalty > errorRatePenaltyMax {
			penalty = errorRatePenaltyMax
		}
		score -= penalty
	}

	if score < 0 {
		score = 0
	}

	status := domain.PoolHealthy
	switch {
	case healthy < minHealthy:
		status = domain.PoolUnhealthy
	case score < constants.PoolDegradedScore:
		status = domain.PoolDegraded
	}

	return domain.PoolHealth{
		Status:          status,
		Score:           score,
		HealthyCount:    healthy,
		TotalCount:      total,
		AvgResponseTime: avgLatency,
		ErrorRatePct:    avgErrorRate,
		LastComputedAt:  now,
	}
}
