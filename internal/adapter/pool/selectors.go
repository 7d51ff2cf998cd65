// Package pool groups endpoints under selection policies and computes cached
// pool health for routing decisions.
package pool

import (
	"math/rand/v2"
	"sort"
	"sync/atomic"
	"time"

	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/core/ports"
)

// metricsReader is the slice of the health surface the selectors need.
type metricsReader interface {
	Metrics(endpointID string) (domain.HealthMetrics, bool)
}

func emaLatency(health metricsReader, id string) time.Duration {
	m, ok := health.Metrics(id)
	if !ok {
		return 0
	}
	return m.EMAResponseTime
}

// endpointScore is the weighted draw's health factor: full marks shrink with
// the endpoint's error rate, floored so a recovering endpoint still gets
// drawn occasionally.
func endpointScore(health metricsReader, id string) float64 {
	m, ok := health.Metrics(id)
	if !ok {
		return 100
	}
	score := 100 - m.ErrorRatePct
	if score < 1 {
		score = 1
	}
	return score
}

// prioritySelector orders by ascending priority, ties broken by EMA latency.
type prioritySelector struct {
	health metricsReader
}

func (s *prioritySelector) Name() string { return string(domain.SelectPriority) }

func (s *prioritySelector) Select(poolID string, candidates []*domain.EndpointConfig) []*domain.EndpointConfig {
	out := append([]*domain.EndpointConfig(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return emaLatency(s.health, out[i].ID) < emaLatency(s.health, out[j].ID)
	})
	return out
}

// weightedSelector draws without replacement, weighted by weight x health
// score.
type weightedSelector struct {
	health metricsReader
}

func (s *weightedSelector) Name() string { return string(domain.SelectWeighted) }

func (s *weightedSelector) Select(poolID string, candidates []*domain.EndpointConfig) []*domain.EndpointConfig {
	remaining := append([]*domain.EndpointConfig(nil), candidates...)
	out := make([]*domain.EndpointConfig, 0, len(remaining))

	for len(remaining) > 0 {
		var total float64
		weights := make([]float64, len(remaining))
		for i, ep := range remaining {
			w := float64(ep.Weight)
			if w <= 0 {
				w = 1
			}
			weights[i] = w * endpointScore(s.health, ep.ID)
			total += weights[i]
		}

		draw := rand.Float64() * total
		idx := len(remaining) - 1
		for i, w := range weights {
			draw -= w
			if draw < 0 {
				idx = i
				break
			}
		}

		out = append(out, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return out
}

// roundRobinSelector rotates through candidates with a per-pool counter.
// Unavailable endpoints were already filtered out by the manager.
type roundRobinSelector struct {
	counters *counterMap
}

func (s *roundRobinSelector) Name() string { return string(domain.SelectRoundRobin) }

func (s *roundRobinSelector) Select(poolID string, candidates []*domain.EndpointConfig) []*domain.EndpointConfig {
	if len(candidates) == 0 {
		return candidates
	}
	n := s.counters.next(poolID)
	start := int(n % uint64(len(candidates)))

	out := make([]*domain.EndpointConfig, 0, len(candidates))
	for i := 0; i < len(candidates); i++ {
		out = append(out, candidates[(start+i)%len(candidates)])
	}
	return out
}

// leastLatencySelector orders by ascending EMA latency, ties broken by
// priority. Endpoints with no samples sort first so new capacity gets used.
type leastLatencySelector struct {
	health metricsReader
}

func (s *leastLatencySelector) Name() string { return string(domain.SelectLeastLatency) }

func (s *leastLatencySelector) Select(poolID string, candidates []*domain.EndpointConfig) []*domain.EndpointConfig {
	out := append([]*domain.EndpointConfig(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		li, lj := emaLatency(s.health, out[i].ID), emaLatency(s.health, out[j].ID)
		if li != lj {
			return li < lj
		}
		return out[i].Priority < out[j].Priority
	})
	return out
}

// counterMap holds the per-pool round-robin cursors.
type counterMap struct {
	counters map[string]*atomic.Uint64
}

func newCounterMap(poolIDs []string) *counterMap {
	m := &counterMap{counters: make(map[string]*atomic.Uint64, len(poolIDs))}
	for _, id := range poolIDs {
		m.counters[id] = &atomic.Uint64{}
	}
	return m
}

func (m *counterMap) next(poolID string) uint64 {
	c, ok := m.counters[poolID]
	if !ok {
		return 0
	}
	return c.Add(1) - 1
}

var _ ports.EndpointSelector = (*prioritySelector)(nil)
var _ ports.EndpointSelector = (*weightedSelector)(nil)
var _ ports.EndpointSelector = (*roundRobinSelector)(nil)
var _ ports.EndpointSelector = (*leastLatencySelector)(nil)
