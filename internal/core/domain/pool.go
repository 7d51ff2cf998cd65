package domain

import "time"

// SelectionPolicy orders a pool's endpoints for dispatch.
type SelectionPolicy string

const (
	SelectPriority     SelectionPolicy = "priority"
	SelectWeighted     SelectionPolicy = "weighted"
	SelectRoundRobin   SelectionPolicy = "round-robin"
	SelectLeastLatency SelectionPolicy = "least-latency"
)

// HealthThresholds gate a pool's computed health status.
type HealthThresholds struct {
	MinHealthyEndpoints int
	ResponseTime        time.Duration
	ErrorRatePct        float64
}

// Pool groups endpoints sharing a selection policy and health aggregation.
type Pool struct {
	ID                     string
	EndpointIDs            []string
	Policy                 SelectionPolicy
	Thresholds             HealthThresholds
	CircuitBreakerOverride *CircuitBreakerConfig
	FallbackPoolIDs        []string
}

// PoolStatus is the three-state routability verdict for a pool.
type PoolStatus string

const (
	PoolHealthy   PoolStatus = "healthy"
	PoolDegraded  PoolStatus = "degraded"
	PoolUnhealthy PoolStatus = "unhealthy"
)

// Routable reports whether the router may dispatch into the pool.
func (s PoolStatus) Routable() bool {
	return s != PoolUnhealthy
}

// PoolHealth is the computed, cached health summary of a pool.
type PoolHealth struct {
	Status          PoolStatus
	Score           float64
	HealthyCount    int
	TotalCount      int
	AvgResponseTime time.Duration
	ErrorRatePct    float64
	LastComputedAt  time.Time
}

// ModelRoute maps an inbound model name to its pool chain.
type ModelRoute struct {
	Name            string
	PrimaryPoolID   string
	FallbackPoolIDs []string
	DefaultParams   map[string]any
}

// PoolChain returns the ordered pools tried for this model.
func (m ModelRoute) PoolChain() []string {
	chain := make([]string, 0, 1+len(m.FallbackPoolIDs))
	chain = append(chain, m.PrimaryPoolID)
	chain = append(chain, m.FallbackPoolIDs...)
	return chain
}
