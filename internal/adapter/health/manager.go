// Package health owns the per-endpoint circuit breakers and rolling metrics.
// All breaker effects flow through Manager.Execute; no breaker state escapes.
package health

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/thushan/porter/internal/adapter/breaker"
	"github.com/thushan/porter/internal/core/constants"
	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/core/ports"
	"github.com/thushan/porter/internal/logger"
	"github.com/thushan/porter/internal/reqctx"
)

type entry struct {
	mu       sync.Mutex
	breaker  *breaker.Breaker
	metrics  domain.HealthMetrics
	lastUsed atomic.Int64 // unix nanos
	inFlight atomic.Int64 // live requests, used for probe coalescing
}

// ManagerConfig tunes housekeeping and permanent-failure detection.
type ManagerConfig struct {
	PermanentFailurePatterns []string
	SweepInterval            time.Duration
	StaleEndpointAge         time.Duration
	MaxTrackedEndpoints      int
	KeptTrackedEndpoints     int
}

// Manager implements ports.HealthStore.
type Manager struct {
	endpoints *xsync.Map[string, *entry]
	patterns  *patternMatcher
	cfg       ManagerConfig
	bus       ports.Publisher
	logger    *logger.StyledLogger

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager builds a health manager and starts its recovery sweep.
func NewManager(cfg ManagerConfig, bus ports.Publisher, log *logger.StyledLogger) (*Manager, error) {
	if len(cfg.PermanentFailurePatterns) == 0 {
		cfg.PermanentFailurePatterns = DefaultPermanentFailurePatterns
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = constants.DefaultRecoverySweepInterval
	}
	if cfg.StaleEndpointAge <= 0 {
		cfg.StaleEndpointAge = constants.DefaultStaleEndpointAge
	}
	if cfg.MaxTrackedEndpoints <= 0 {
		cfg.MaxTrackedEndpoints = constants.DefaultMaxTrackedEndpoints
	}
	if cfg.KeptTrackedEndpoints <= 0 {
		cfg.KeptTrackedEndpoints = constants.DefaultKeptTrackedEndpoints
	}

	pm, err := newPatternMatcher(cfg.PermanentFailurePatterns)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		endpoints: xsync.NewMap[string, *entry](),
		patterns:  pm,
		cfg:       cfg,
		bus:       bus,
		logger:    log,
		ticker:    time.NewTicker(cfg.SweepInterval),
		stopCh:    make(chan struct{}),
	}

	m.wg.Add(1)
	go m.sweepLoop()

	return m, nil
}

// Register is idempotent; a second registration keeps the existing breaker.
func (m *Manager) Register(endpointID string, cfg domain.CircuitBreakerConfig) {
	e := &entry{}
	e.breaker = breaker.New(endpointID, cfg, m.publishTransition)
	e.lastUsed.Store(time.Now().UnixNano())
	m.endpoints.LoadOrStore(endpointID, e)
}

// IsAvailable reports whether the endpoint's breaker would admit a request.
func (m *Manager) IsAvailable(endpointID string) bool {
	e, ok := m.endpoints.Load(endpointID)
	if !ok {
		return false
	}
	return e.breaker.Available(time.Now())
}

// Execute runs op under the endpoint's breaker with a derived deadline of
// min(opTimeout, ctx.remaining). The circuit decision comes first; outcome
// classification may be upgraded to immediate-failure by the permanent
// pattern list before it reaches the breaker.
func (m *Manager) Execute(rc *reqctx.RequestContext, endpointID string, opTimeout time.Duration, op ports.Operation) domain.Outcome {
	e, ok := m.endpoints.Load(endpointID)
	if !ok {
		return domain.Outcome{Err: &domain.ErrEndpointNotFound{ID: endpointID}}
	}

	now := time.Now()
	e.lastUsed.Store(now.UnixNano())

	decision := e.breaker.Allow(now)
	if !decision.Allowed {
		return domain.Outcome{Err: domain.ErrCircuitOpen}
	}

	ctx, cancel, err := rc.Child(opTimeout)
	if err != nil {
		// no I/O happened; the endpoint is not at fault
		if decision.Probe {
			e.breaker.ReleaseProbe()
		}
		return domain.Outcome{Err: err, Classification: domain.ClassTimeout}
	}

	e.inFlight.Add(1)

	// release on every exit, a panicking op included; a successfully
	// established stream hands ownership to the relay goroutine instead
	handedOff := false
	recorded := false
	defer func() {
		if handedOff {
			return
		}
		cancel()
		e.inFlight.Add(-1)
		if !recorded && decision.Probe {
			e.breaker.ReleaseProbe()
		}
	}()

	start := time.Now()
	out := op(ctx)
	out.Latency = time.Since(start)

	out.Classification = m.reclassify(ctx, rc, out)
	out.OK = out.Classification == domain.ClassSuccess

	// a successfully established stream is judged on how it ends, not on
	// the handshake; recording and context release move to the relay
	if out.OK && out.Stream != nil {
		out.Stream = m.relayStream(rc, e, decision.Probe, cancel, out)
		handedOff = true
		return out
	}

	m.record(e, decision.Probe, out)
	recorded = true
	return out
}

// relayStream forwards chunks to the caller and records the breaker outcome
// once the stream finishes. The child context stays alive until then so the
// upstream connection is not torn down under the reader.
func (m *Manager) relayStream(rc *reqctx.RequestContext, e *entry, probe bool, cancel context.CancelFunc, established domain.Outcome) domain.Stream {
	upstream := established.Stream
	out := make(chan domain.Chunk)

	go func() {
		defer close(out)
		defer cancel()
		defer e.inFlight.Add(-1)

		var streamErr error
		abandoned := false
	relay:
		for chunk := range upstream {
			if chunk.Err != nil {
				streamErr = chunk.Err
			}
			select {
			case out <- chunk:
			case <-rc.Context().Done():
				// consumer walked away; stop forwarding so the in-flight
				// count does not stay pinned behind an unread channel
				abandoned = true
				break relay
			}
		}

		if abandoned {
			final := domain.Outcome{Err: context.Cause(rc.Context()), Latency: established.Latency}
			final.Classification = m.reclassify(rc.Context(), rc, final)
			m.record(e, probe, final)
			return
		}

		final := domain.Outcome{
			OK:      streamErr == nil,
			Err:     streamErr,
			Latency: established.Latency,
		}
		if streamErr == nil {
			final.Classification = domain.ClassSuccess
		} else {
			final.Classification = m.reclassify(rc.Context(), rc, final)
			if final.Classification == domain.ClassSuccess {
				final.Classification = domain.ClassTransient
			}
		}
		m.record(e, probe, final)
	}()

	return out
}

// reclassify applies permanent-failure patterns and context-derived
// timeout/cancellation verdicts on top of the adapter's classification.
func (m *Manager) reclassify(ctx context.Context, rc *reqctx.RequestContext, out domain.Outcome) domain.Classification {
	class := out.Classification

	if out.Err != nil {
		switch {
		case rc.TimedOut() || errors.Is(out.Err, context.DeadlineExceeded):
			return domain.ClassTimeout
		case rc.IsCancelled() || errors.Is(out.Err, context.Canceled):
			return domain.ClassCancelled
		}
		if class != domain.ClassImmediate && m.patterns.matches(out.Err.Error()) {
			return domain.ClassImmediate
		}
	}

	if class == "" {
		if out.Err == nil {
			return domain.ClassSuccess
		}
		return domain.ClassTransient
	}
	return class
}

func (m *Manager) record(e *entry, probe bool, out domain.Outcome) {
	now := time.Now()

	if out.Classification == domain.ClassCancelled {
		// caller aborted; neither success nor endpoint fault
		if probe {
			e.breaker.ReleaseProbe()
		}
		return
	}

	failed := out.Classification.CountsAsFailure()

	e.mu.Lock()
	e.metrics.RecordSample(out.Latency, failed, constants.ResponseTimeEMAAlpha, now)
	e.mu.Unlock()

	if out.Classification == domain.ClassSuccess {
		e.breaker.RecordSuccess(now, probe)
	} else if failed {
		e.breaker.RecordFailure(now, out.Classification, probe)
	}
}

// Metrics returns a copy of the endpoint's rollup.
func (m *Manager) Metrics(endpointID string) (domain.HealthMetrics, bool) {
	e, ok := m.endpoints.Load(endpointID)
	if !ok {
		return domain.HealthMetrics{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics, true
}

// BreakerSnapshot exposes the breaker state for status surfaces.
func (m *Manager) BreakerSnapshot(endpointID string) (breaker.Snapshot, bool) {
	e, ok := m.endpoints.Load(endpointID)
	if !ok {
		return breaker.Snapshot{}, false
	}
	return e.breaker.Snapshot(), true
}

// InFlight returns the number of live requests the manager is running
// against the endpoint. The probe scheduler uses this to coalesce.
func (m *Manager) InFlight(endpointID string) int64 {
	e, ok := m.endpoints.Load(endpointID)
	if !ok {
		return 0
	}
	return e.inFlight.Load()
}

// Reset clears breaker and metric state for an endpoint.
func (m *Manager) Reset(endpointID string) {
	e, ok := m.endpoints.Load(endpointID)
	if !ok {
		return
	}
	e.breaker.Reset(time.Now())
	e.mu.Lock()
	e.metrics = domain.HealthMetrics{}
	e.mu.Unlock()
}

// Close stops the recovery sweep.
func (m *Manager) Close() {
	m.ticker.Stop()
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) publishTransition(t breaker.Transition) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(domain.GatewayEvent{
		Type:       domain.EventStateTransition,
		EndpointID: t.EndpointID,
		From:       string(t.From),
		To:         string(t.To),
		Reason:     t.Reason,
		At:         t.At,
	})
	if t.To == breaker.StateOpen {
		m.bus.Publish(domain.GatewayEvent{
			Type:       domain.EventCircuitTripped,
			EndpointID: t.EndpointID,
			Reason:     t.Reason,
			At:         t.At,
		})
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.ticker.C:
			m.cleanupStale(time.Now())
		}
	}
}

// cleanupStale removes endpoints unused beyond the stale age, and when the
// tracked set outgrows the cap, keeps only the most recently used.
func (m *Manager) cleanupStale(now time.Time) {
	cutoff := now.Add(-m.cfg.StaleEndpointAge).UnixNano()

	type usage struct {
		id       string
		lastUsed int64
	}
	var all []usage

	m.endpoints.Range(func(id string, e *entry) bool {
		if e.lastUsed.Load() < cutoff {
			m.endpoints.Delete(id)
			return true
		}
		all = append(all, usage{id: id, lastUsed: e.lastUsed.Load()})
		return true
	})

	if len(all) <= m.cfg.MaxTrackedEndpoints {
		return
	}

	sort.Slice(all, func(i, j int) bool { return all[i].lastUsed > all[j].lastUsed })
	for _, u := range all[m.cfg.KeptTrackedEndpoints:] {
		m.endpoints.Delete(u.id)
	}

	if m.logger != nil {
		m.logger.Warn("Tracked endpoint set exceeded cap, pruned to most recently used",
			"tracked", len(all), "kept", m.cfg.KeptTrackedEndpoints)
	}
}
