package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/thushan/porter/internal/core/constants"
	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/core/ports"
	"github.com/thushan/porter/internal/logger"
	"github.com/thushan/porter/internal/reqctx"
	"github.com/thushan/porter/internal/util"
)

// Probe backoff bounds: a failing endpoint is probed at most this many
// intervals apart, with jitter to spread fleets out.
const (
	maxProbeBackoff = 8
	probeJitterPct  = 0.1
)

// ProbeFunc performs one health probe against an endpoint. The app layer
// wires credential resolution and the provider adapter into this closure.
type ProbeFunc func(ctx context.Context) domain.Outcome

// ProbeStats is the aggregate counter set for one scheduled endpoint.
type ProbeStats struct {
	Attempted  int64
	Succeeded  int64
	Failed     int64
	Skipped    int64 // circuit open or coalesced with live traffic
	AvgLatency time.Duration
}

type scheduled struct {
	endpoint *domain.EndpointConfig
	probe    ProbeFunc
	interval time.Duration
	timeout  time.Duration

	attempted  atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	skipped    atomic.Int64
	latencyNs  atomic.Int64
	failStreak atomic.Int64
}

// Scheduler runs periodic health probes per endpoint, paced by a shared rate
// limiter so a large fleet does not burst probes all at once. Probes are
// coalesced: an endpoint with a live request in flight is considered exercised
// and the scheduled probe is skipped.
type Scheduler struct {
	manager *Manager
	limiter *rate.Limiter
	logger  *logger.StyledLogger

	mu        sync.Mutex
	endpoints map[string]*scheduled

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewScheduler creates a stopped scheduler; call Start to begin probing.
func NewScheduler(manager *Manager, log *logger.StyledLogger) *Scheduler {
	return &Scheduler{
		manager:   manager,
		limiter:   rate.NewLimiter(rate.Limit(constants.DefaultProbeRatePerSecond), constants.DefaultProbeBurst),
		logger:    log,
		endpoints: make(map[string]*scheduled),
		stopCh:    make(chan struct{}),
	}
}

// Add registers an endpoint for scheduled probing. Endpoints with health
// checks disabled are ignored.
func (s *Scheduler) Add(ep *domain.EndpointConfig, probe ProbeFunc) {
	if !ep.HealthCheck.Enabled {
		return
	}

	interval := ep.HealthCheck.Interval
	if interval <= 0 {
		interval = constants.DefaultHealthCheckInterval
	}
	timeout := ep.HealthCheck.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultHealthCheckTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.endpoints[ep.ID]; exists {
		return
	}
	s.endpoints[ep.ID] = &scheduled{
		endpoint: ep,
		probe:    probe,
		interval: interval,
		timeout:  timeout,
	}
}

// Start launches one probe loop per registered endpoint.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.endpoints {
		s.wg.Add(1)
		go s.loop(sc)
	}
}

// Stop halts all probe loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Stats returns a copy of an endpoint's probe counters.
func (s *Scheduler) Stats(endpointID string) (ProbeStats, bool) {
	s.mu.Lock()
	sc, ok := s.endpoints[endpointID]
	s.mu.Unlock()
	if !ok {
		return ProbeStats{}, false
	}
	stats := ProbeStats{
		Attempted: sc.attempted.Load(),
		Succeeded: sc.succeeded.Load(),
		Failed:    sc.failed.Load(),
		Skipped:   sc.skipped.Load(),
	}
	if stats.Succeeded > 0 {
		stats.AvgLatency = time.Duration(sc.latencyNs.Load() / stats.Succeeded)
	}
	return stats, true
}

func (s *Scheduler) loop(sc *scheduled) {
	defer s.wg.Done()

	delay := sc.interval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-timer.C:
			s.probeOnce(sc)
		}

		// failing endpoints get probed progressively less often so a dead
		// upstream does not eat the shared probe budget
		if streak := sc.failStreak.Load(); streak > 0 {
			delay = util.ExponentialBackoff(int(streak), sc.interval, maxProbeBackoff*sc.interval, probeJitterPct)
		} else {
			delay = sc.interval
		}
		timer.Reset(delay)
	}
}

func (s *Scheduler) probeOnce(sc *scheduled) {
	// live traffic already exercises the endpoint and feeds the breaker
	if s.manager.InFlight(sc.endpoint.ID) > 0 {
		sc.skipped.Add(1)
		return
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), sc.interval)
	err := s.limiter.Wait(waitCtx)
	cancel()
	if err != nil {
		sc.skipped.Add(1)
		return
	}

	rc := reqctx.New(context.Background(), fmt.Sprintf("probe-%s-%d", sc.endpoint.ID, time.Now().UnixNano()), sc.timeout)
	defer rc.Release()

	sc.attempted.Add(1)
	out := s.manager.Execute(rc, sc.endpoint.ID, sc.timeout, ports.Operation(sc.probe))

	switch {
	case out.Classification == domain.ClassSuccess:
		sc.latencyNs.Add(int64(out.Latency))
		sc.succeeded.Add(1)
		sc.failStreak.Store(0)
	case errors.Is(out.Err, domain.ErrCircuitOpen):
		// still inside the backoff horizon; the breaker will admit a probe
		// once nextAttemptAt passes
		sc.skipped.Add(1)
	default:
		sc.failed.Add(1)
		sc.failStreak.Add(1)
		if s.logger != nil {
			s.logger.WarnWithEndpoint("Health probe failed", sc.endpoint.ID,
				"classification", string(out.Classification), "error", out.Err)
		}
	}
}
