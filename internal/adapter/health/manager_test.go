package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/core/ports"
	"github.com/thushan/porter/internal/reqctx"
)

type capturingBus struct {
	mu     sync.Mutex
	events []domain.GatewayEvent
}

func (b *capturingBus) Publish(ev domain.GatewayEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *capturingBus) ofType(t domain.EventType) []domain.GatewayEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.GatewayEvent
	for _, ev := range b.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func breakerConfig() domain.CircuitBreakerConfig {
	return domain.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		ResetTimeout:     60 * time.Second,
	}
}

func newTestManager(t *testing.T, bus ports.Publisher) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{SweepInterval: time.Hour}, bus, nil)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func successOp(ctx context.Context) domain.Outcome {
	return domain.Outcome{Classification: domain.ClassSuccess}
}

func failingOp(err error, class domain.Classification) ports.Operation {
	return func(ctx context.Context) domain.Outcome {
		return domain.Outcome{Err: err, Classification: class}
	}
}

func TestManager_ExecuteSuccess(t *testing.T) {
	m := newTestManager(t, nil)
	m.Register("ep1", breakerConfig())

	rc := reqctx.New(context.Background(), "req1", 10*time.Second)
	defer rc.Release()

	out := m.Execute(rc, "ep1", 5*time.Second, successOp)
	assert.True(t, out.OK)
	assert.Equal(t, domain.ClassSuccess, out.Classification)

	metrics, ok := m.Metrics("ep1")
	require.True(t, ok)
	assert.Equal(t, int64(1), metrics.TotalRequests)
	assert.Equal(t, int64(1), metrics.SuccessfulRequests)
}

func TestManager_ExecuteUnknownEndpoint(t *testing.T) {
	m := newTestManager(t, nil)

	rc := reqctx.New(context.Background(), "req1", 10*time.Second)
	defer rc.Release()

	out := m.Execute(rc, "missing", 5*time.Second, successOp)
	var notFound *domain.ErrEndpointNotFound
	assert.ErrorAs(t, out.Err, &notFound)
}

func TestManager_RegisterIdempotent(t *testing.T) {
	m := newTestManager(t, nil)
	m.Register("ep1", breakerConfig())

	rc := reqctx.New(context.Background(), "req1", 10*time.Second)
	defer rc.Release()
	m.Execute(rc, "ep1", time.Second, failingOp(errors.New("boom"), domain.ClassTransient))

	// re-registering must not discard accumulated state
	m.Register("ep1", breakerConfig())
	metrics, ok := m.Metrics("ep1")
	require.True(t, ok)
	assert.Equal(t, int64(1), metrics.TotalRequests)
}

func TestManager_CircuitOpenShortCircuits(t *testing.T) {
	m := newTestManager(t, nil)
	m.Register("ep1", breakerConfig())

	rc := reqctx.New(context.Background(), "req1", time.Minute)
	defer rc.Release()

	called := 0
	op := func(ctx context.Context) domain.Outcome {
		called++
		return domain.Outcome{Err: errors.New("404 model not found"), Classification: domain.ClassImmediate}
	}

	out := m.Execute(rc, "ep1", time.Second, op)
	require.Equal(t, domain.ClassImmediate, out.Classification)
	require.False(t, m.IsAvailable("ep1"))

	out = m.Execute(rc, "ep1", time.Second, op)
	assert.ErrorIs(t, out.Err, domain.ErrCircuitOpen)
	assert.Equal(t, 1, called)
}

func TestManager_PatternUpgradesToImmediate(t *testing.T) {
	m := newTestManager(t, nil)
	m.Register("ep1", breakerConfig())

	rc := reqctx.New(context.Background(), "req1", time.Minute)
	defer rc.Release()

	// adapter said transient, but the message matches a permanent pattern
	out := m.Execute(rc, "ep1", time.Second,
		failingOp(errors.New("upstream returned 401 Unauthorized"), domain.ClassTransient))

	assert.Equal(t, domain.ClassImmediate, out.Classification)
	// an immediate failure trips the breaker on first occurrence
	assert.False(t, m.IsAvailable("ep1"))
}

func TestManager_ForbiddenMatchesPermanentPattern(t *testing.T) {
	m := newTestManager(t, nil)
	m.Register("ep1", breakerConfig())

	rc := reqctx.New(context.Background(), "req1", time.Minute)
	defer rc.Release()

	out := m.Execute(rc, "ep1", time.Second,
		failingOp(errors.New("403 Forbidden: access denied"), domain.ClassTransient))
	assert.Equal(t, domain.ClassImmediate, out.Classification)
}

func TestManager_NoTimeRemainingSkipsIO(t *testing.T) {
	m := newTestManager(t, nil)
	m.Register("ep1", breakerConfig())

	rc := reqctx.New(context.Background(), "req1", time.Nanosecond)
	defer rc.Release()
	time.Sleep(5 * time.Millisecond)

	called := false
	out := m.Execute(rc, "ep1", time.Second, func(ctx context.Context) domain.Outcome {
		called = true
		return domain.Outcome{Classification: domain.ClassSuccess}
	})

	assert.False(t, called)
	assert.ErrorIs(t, out.Err, reqctx.ErrNoTimeRemaining)
	assert.Equal(t, domain.ClassTimeout, out.Classification)
	// the endpoint was never reached; its breaker stays closed
	assert.True(t, m.IsAvailable("ep1"))
}

func TestManager_DeadlineExceededClassifiedAsTimeout(t *testing.T) {
	m := newTestManager(t, nil)
	m.Register("ep1", breakerConfig())

	rc := reqctx.New(context.Background(), "req1", time.Minute)
	defer rc.Release()

	out := m.Execute(rc, "ep1", 10*time.Millisecond, func(ctx context.Context) domain.Outcome {
		<-ctx.Done()
		return domain.Outcome{Err: ctx.Err(), Classification: domain.ClassTransient}
	})
	assert.Equal(t, domain.ClassTimeout, out.Classification)
}

func TestManager_CallerCancellationNotAFailure(t *testing.T) {
	m := newTestManager(t, nil)
	m.Register("ep1", breakerConfig())

	rc := reqctx.New(context.Background(), "req1", time.Minute)
	defer rc.Release()

	out := m.Execute(rc, "ep1", 10*time.Second, func(ctx context.Context) domain.Outcome {
		rc.Cancel(context.Canceled)
		return domain.Outcome{Err: context.Canceled}
	})
	assert.Equal(t, domain.ClassCancelled, out.Classification)

	metrics, ok := m.Metrics("ep1")
	require.True(t, ok)
	// cancelled outcomes do not count against the endpoint
	assert.Equal(t, int64(0), metrics.FailedRequests)
}

func TestManager_AbandonedStreamReleasesInFlight(t *testing.T) {
	m := newTestManager(t, nil)
	m.Register("ep1", breakerConfig())

	rc := reqctx.New(context.Background(), "req1", time.Minute)
	defer rc.Release()

	out := m.Execute(rc, "ep1", 10*time.Second, func(ctx context.Context) domain.Outcome {
		upstream := make(chan domain.Chunk)
		go func() {
			defer close(upstream)
			for {
				select {
				case upstream <- domain.Chunk{ID: "chunk"}:
				case <-ctx.Done():
					return
				}
			}
		}()
		return domain.Outcome{Classification: domain.ClassSuccess, Stream: upstream}
	})
	require.True(t, out.OK)
	require.NotNil(t, out.Stream)
	require.Equal(t, int64(1), m.InFlight("ep1"))

	// read one chunk, then walk away without draining the rest
	<-out.Stream
	rc.Cancel(context.Canceled)

	assert.Eventually(t, func() bool {
		return m.InFlight("ep1") == 0
	}, 2*time.Second, 10*time.Millisecond)

	metrics, ok := m.Metrics("ep1")
	require.True(t, ok)
	// the client walked away; the endpoint did nothing wrong
	assert.Equal(t, int64(0), metrics.FailedRequests)
}

func TestManager_PanicInOpReleasesInFlight(t *testing.T) {
	m := newTestManager(t, nil)
	m.Register("ep1", breakerConfig())

	rc := reqctx.New(context.Background(), "req1", time.Minute)
	defer rc.Release()

	assert.Panics(t, func() {
		m.Execute(rc, "ep1", time.Second, func(ctx context.Context) domain.Outcome {
			panic("adapter blew up")
		})
	})
	assert.Equal(t, int64(0), m.InFlight("ep1"))

	// the endpoint is not wedged afterwards
	out := m.Execute(rc, "ep1", time.Second, successOp)
	assert.True(t, out.OK)
}

func TestManager_MetricsEMASeedsAndSmooths(t *testing.T) {
	m := newTestManager(t, nil)
	m.Register("ep1", breakerConfig())

	rc := reqctx.New(context.Background(), "req1", time.Minute)
	defer rc.Release()

	m.Execute(rc, "ep1", time.Second, successOp)
	first, _ := m.Metrics("ep1")
	require.Greater(t, first.EMAResponseTime, time.Duration(0))

	m.Execute(rc, "ep1", time.Second, successOp)
	second, _ := m.Metrics("ep1")
	assert.Greater(t, second.EMAResponseTime, time.Duration(0))
	assert.Equal(t, int64(2), second.TotalRequests)
}

func TestManager_PublishesTransitionEvents(t *testing.T) {
	bus := &capturingBus{}
	m := newTestManager(t, bus)
	m.Register("ep1", breakerConfig())

	rc := reqctx.New(context.Background(), "req1", time.Minute)
	defer rc.Release()

	m.Execute(rc, "ep1", time.Second,
		failingOp(errors.New("invalid credentials supplied"), domain.ClassTransient))

	transitions := bus.ofType(domain.EventStateTransition)
	require.Len(t, transitions, 1)
	assert.Equal(t, "ep1", transitions[0].EndpointID)
	assert.Equal(t, "open", transitions[0].To)

	tripped := bus.ofType(domain.EventCircuitTripped)
	require.Len(t, tripped, 1)
	assert.Equal(t, "immediate-failure", tripped[0].Reason)
}

func TestManager_ResetClearsState(t *testing.T) {
	m := newTestManager(t, nil)
	m.Register("ep1", breakerConfig())

	rc := reqctx.New(context.Background(), "req1", time.Minute)
	defer rc.Release()

	m.Execute(rc, "ep1", time.Second,
		failingOp(errors.New("404 model not found"), domain.ClassImmediate))
	require.False(t, m.IsAvailable("ep1"))

	m.Reset("ep1")
	assert.True(t, m.IsAvailable("ep1"))
	metrics, ok := m.Metrics("ep1")
	require.True(t, ok)
	assert.Equal(t, int64(0), metrics.TotalRequests)
}

func TestManager_CleanupRemovesStaleEndpoints(t *testing.T) {
	m := newTestManager(t, nil)
	m.Register("fresh", breakerConfig())
	m.Register("stale", breakerConfig())

	// age the stale entry past the cutoff by hand
	e, ok := m.endpoints.Load("stale")
	require.True(t, ok)
	e.lastUsed.Store(time.Now().Add(-48 * time.Hour).UnixNano())

	m.cleanupStale(time.Now())

	assert.True(t, m.IsAvailable("fresh"))
	assert.False(t, m.IsAvailable("stale"))
}

func TestManager_CleanupCapsTrackedEndpoints(t *testing.T) {
	bus := &capturingBus{}
	m, err := NewManager(ManagerConfig{
		SweepInterval:        time.Hour,
		MaxTrackedEndpoints:  4,
		KeptTrackedEndpoints: 2,
	}, bus, nil)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	now := time.Now()
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		m.Register(id, breakerConfig())
		e, _ := m.endpoints.Load(id)
		e.lastUsed.Store(now.Add(time.Duration(i) * time.Minute).UnixNano())
	}

	m.cleanupStale(now.Add(10 * time.Minute))

	// only the two most recently used survive
	assert.False(t, m.IsAvailable("a"))
	assert.False(t, m.IsAvailable("b"))
	assert.False(t, m.IsAvailable("c"))
	assert.True(t, m.IsAvailable("d"))
	assert.True(t, m.IsAvailable("e"))
}
