package pool

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/thushan/porter/internal/core/constants"
	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/core/ports"
)

// healthReader is the health-manager surface the pool manager consumes.
type healthReader interface {
	IsAvailable(endpointID string) bool
	Metrics(endpointID string) (domain.HealthMetrics, bool)
}

type healthCacheEntry struct {
	mu     sync.Mutex
	cached domain.PoolHealth
}

// Manager owns the pool topology: which endpoints belong to which pool, the
// selection policy per pool, and the cached pool health summaries. Topology
// is immutable after construction.
type Manager struct {
	pools     map[string]*domain.Pool
	endpoints map[string]*domain.EndpointConfig
	routes    map[string]domain.ModelRoute
	selectors map[string]ports.EndpointSelector
	health    healthReader

	healthCache map[string]*healthCacheEntry
	cacheTTL    time.Duration

	bus ports.Publisher
}

// NewManager wires pools, endpoints and model routes together. Every pool
// member and route target must exist; configuration validation guarantees it,
// this re-checks as a construction invariant.
func NewManager(pools []*domain.Pool, endpoints []*domain.EndpointConfig, routes []domain.ModelRoute, health healthReader, bus ports.Publisher) (*Manager, error) {
	m := &Manager{
		pools:       make(map[string]*domain.Pool, len(pools)),
		endpoints:   make(map[string]*domain.EndpointConfig, len(endpoints)),
		routes:      make(map[string]domain.ModelRoute, len(routes)),
		selectors:   make(map[string]ports.EndpointSelector),
		health:      health,
		healthCache: make(map[string]*healthCacheEntry, len(pools)),
		cacheTTL:    constants.DefaultPoolHealthCacheTTL,
		bus:         bus,
	}

	for _, ep := range endpoints {
		m.endpoints[ep.ID] = ep
	}

	poolIDs := make([]string, 0, len(pools))
	for _, p := range pools {
		poolIDs = append(poolIDs, p.ID)
	}
	counters := newCounterMap(poolIDs)

	for _, p := range pools {
		for _, epID := range p.EndpointIDs {
			if _, ok := m.endpoints[epID]; !ok {
				return nil, fmt.Errorf("pool %s references unknown endpoint %s", p.ID, epID)
			}
		}

		switch p.Policy {
		case domain.SelectPriority, "":
			m.selectors[p.ID] = &prioritySelector{health: health}
		case domain.SelectWeighted:
			m.selectors[p.ID] = &weightedSelector{health: health}
		case domain.SelectRoundRobin:
			m.selectors[p.ID] = &roundRobinSelector{counters: counters}
		case domain.SelectLeastLatency:
			m.selectors[p.ID] = &leastLatencySelector{health: health}
		default:
			return nil, fmt.Errorf("pool %s: unknown selection policy %q", p.ID, p.Policy)
		}

		m.pools[p.ID] = p
		m.healthCache[p.ID] = &healthCacheEntry{}
	}

	for _, route := range routes {
		for _, poolID := range route.PoolChain() {
			if _, ok := m.pools[poolID]; !ok {
				return nil, fmt.Errorf("model %s references unknown pool %s", route.Name, poolID)
			}
		}
		m.routes[route.Name] = route
	}

	return m, nil
}

// Route returns the pool chain for a model name.
func (m *Manager) Route(model string) (domain.ModelRoute, bool) {
	route, ok := m.routes[model]
	return route, ok
}

// Routes lists every model route, sorted by name.
func (m *Manager) Routes() []domain.ModelRoute {
	out := make([]domain.ModelRoute, 0, len(m.routes))
	for _, route := range m.routes {
		out = append(out, route)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PoolIDs lists every pool id, sorted.
func (m *Manager) PoolIDs() []string {
	out := make([]string, 0, len(m.pools))
	for id := range m.pools {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// EndpointIDs lists every endpoint id, sorted.
func (m *Manager) EndpointIDs() []string {
	out := make([]string, 0, len(m.endpoints))
	for id := range m.endpoints {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Endpoint returns the configuration for an endpoint id.
func (m *Manager) Endpoint(id string) (*domain.EndpointConfig, bool) {
	ep, ok := m.endpoints[id]
	return ep, ok
}

// Pool returns a pool by id.
func (m *Manager) Pool(id string) (*domain.Pool, bool) {
	p, ok := m.pools[id]
	return p, ok
}

// SelectEndpoints returns the pool's currently available endpoints in the
// order its policy dictates. Empty when the pool is unknown or fully dark.
func (m *Manager) SelectEndpoints(poolID string) []*domain.EndpointConfig {
	p, ok := m.pools[poolID]
	if !ok {
		return nil
	}

	available := make([]*domain.EndpointConfig, 0, len(p.EndpointIDs))
	for _, epID := range p.EndpointIDs {
		if m.health.IsAvailable(epID) {
			available = append(available, m.endpoints[epID])
		}
	}
	if len(available) == 0 {
		return nil
	}

	return m.selectors[poolID].Select(poolID, available)
}

// PoolHealth returns the pool's health summary, recomputing only when the
// cached copy has aged out.
func (m *Manager) PoolHealth(poolID string) (domain.PoolHealth, bool) {
	entry, ok := m.healthCache[poolID]
	if !ok {
		return domain.PoolHealth{}, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := time.Now()
	if !entry.cached.LastComputedAt.IsZero() && now.Sub(entry.cached.LastComputedAt) < m.cacheTTL {
		return entry.cached, true
	}

	previous := entry.cached.Status
	entry.cached = m.computeHealth(m.pools[poolID], now)

	if previous != "" && previous != entry.cached.Status && m.bus != nil {
		m.bus.Publish(domain.GatewayEvent{
			Type:   domain.EventPoolHealthChanged,
			PoolID: poolID,
			From:   string(previous),
			To:     string(entry.cached.Status),
			At:     now,
		})
	}
	return entry.cached, true
}
