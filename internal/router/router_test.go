package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thushan/porter/internal/adapter/pool"
	"github.com/thushan/porter/internal/adapter/provider"
	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/core/ports"
	"github.com/thushan/porter/internal/reqctx"
)

// fakeHealthStore runs operations directly, with optional per-endpoint
// circuit denial, mimicking the health manager's contract. It also backs the
// pool manager's availability view so the two never disagree in a test.
type fakeHealthStore struct {
	open map[string]bool
}

func (f *fakeHealthStore) Register(string, domain.CircuitBreakerConfig) {}
func (f *fakeHealthStore) IsAvailable(id string) bool                   { return !f.open[id] }
func (f *fakeHealthStore) Reset(string)                                 {}

func (f *fakeHealthStore) Metrics(string) (domain.HealthMetrics, bool) {
	return domain.HealthMetrics{}, false
}

func (f *fakeHealthStore) Execute(rc *reqctx.RequestContext, endpointID string, opTimeout time.Duration, op ports.Operation) domain.Outcome {
	if f.open[endpointID] {
		return domain.Outcome{Err: domain.ErrCircuitOpen}
	}
	ctx, cancel, err := rc.Child(opTimeout)
	if err != nil {
		return domain.Outcome{Err: err, Classification: domain.ClassTimeout}
	}
	out := op(ctx)
	if out.Stream == nil {
		cancel()
	}
	out.OK = out.Classification == domain.ClassSuccess
	return out
}

// fakeResolver hands out empty credentials, or fails for listed refs.
type fakeResolver struct {
	fail map[string]error
}

func (f *fakeResolver) Resolve(rc *reqctx.RequestContext, ref string) (domain.Credential, error) {
	if err, ok := f.fail[ref]; ok {
		return domain.Credential{}, err
	}
	return domain.Credential{}, nil
}
func (f *fakeResolver) Validate(string) error             { return nil }
func (f *fakeResolver) Prewarm(context.Context, []string) {}

// fakeAdapter returns a canned response, error or stream per call.
type fakeAdapter struct {
	ep     *domain.EndpointConfig
	resp   *domain.Response
	err    error
	status int
	stream domain.Stream
	panics bool
	calls  int
}

func (f *fakeAdapter) Chat(ctx context.Context, req *domain.NormalisedRequest, cred domain.Credential) (*domain.Response, int, error) {
	f.calls++
	if f.panics {
		panic("adapter blew up")
	}
	if f.err != nil {
		return nil, f.status, f.err
	}
	return f.resp, 200, nil
}

func (f *fakeAdapter) ChatStream(ctx context.Context, req *domain.NormalisedRequest, cred domain.Credential) (domain.Stream, int, error) {
	f.calls++
	if f.panics {
		panic("adapter blew up")
	}
	if f.err != nil {
		return nil, f.status, f.err
	}
	return f.stream, 200, nil
}

func (f *fakeAdapter) HealthProbe(ctx context.Context, cred domain.Credential) error { return nil }

func (f *fakeAdapter) Capabilities() domain.Capabilities {
	return domain.Capabilities{Chat: true, Streaming: true}
}

func (f *fakeAdapter) Endpoint() *domain.EndpointConfig { return f.ep }

// capturingBus records published events for assertions.
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

type fixture struct {
	router   *Router
	bus      *capturingBus
	adapters map[string]*fakeAdapter
	health   *fakeHealthStore
}

func transientErr(status int) error {
	return &provider.CallError{
		Class:  domain.ClassTransient,
		Status: status,
		Err:    fmt.Errorf("upstream status %d", status),
	}
}

// newFixture builds a two-pool topology: primary(e1, e2) falling back to
// backup(e3), all serving model "gpt".
func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	eps := []*domain.EndpointConfig{
		{ID: "e1", Provider: domain.ProviderOpenAI, CredentialRef: "cred-a", Priority: 1, Weight: 1},
		{ID: "e2", Provider: domain.ProviderOpenAI, CredentialRef: "cred-a", Priority: 2, Weight: 1},
		{ID: "e3", Provider: domain.ProviderOpenAI, CredentialRef: "cred-b", Priority: 1, Weight: 1},
	}
	pools := []*domain.Pool{
		{ID: "primary", EndpointIDs: []string{"e1", "e2"}, Policy: domain.SelectPriority,
			Thresholds: domain.HealthThresholds{MinHealthyEndpoints: 1}},
		{ID: "backup", EndpointIDs: []string{"e3"}, Policy: domain.SelectPriority,
			Thresholds: domain.HealthThresholds{MinHealthyEndpoints: 1}},
	}
	routes := []domain.ModelRoute{
		{Name: "gpt", PrimaryPoolID: "primary", FallbackPoolIDs: []string{"backup"}},
	}

	health := &fakeHealthStore{open: map[string]bool{}}
	pm, err := pool.NewManager(pools, eps, routes, health, nil)
	require.NoError(t, err)

	ok := &domain.Response{ID: "resp-1", Model: "gpt", Choices: []domain.Choice{{
		Message: domain.Message{Role: "assistant", Content: "hello"},
	}}}
	adapters := map[string]*fakeAdapter{
		"e1": {ep: eps[0], resp: ok},
		"e2": {ep: eps[1], resp: ok},
		"e3": {ep: eps[2], resp: ok},
	}

	byID := map[string]ports.ProviderAdapter{}
	for id, a := range adapters {
		byID[id] = a
	}

	bus := &capturingBus{}
	r, err := New(pm, health, &fakeResolver{}, byID, cfg, bus, nil)
	require.NoError(t, err)

	return &fixture{router: r, bus: bus, adapters: adapters, health: health}
}

func newRC(t *testing.T, timeout time.Duration) *reqctx.RequestContext {
	t.Helper()
	rc := reqctx.New(context.Background(), "req-1", timeout)
	t.Cleanup(rc.Release)
	return rc
}

func chatReq(stream bool) *domain.NormalisedRequest {
	return &domain.NormalisedRequest{
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
		Stream:   stream,
	}
}

func TestExecute_UnknownModel(t *testing.T) {
	f := newFixture(t, Config{})
	rc := newRC(t, 30*time.Second)

	_, err := f.router.Execute(rc, "nope", chatReq(false))

	var gw *domain.GatewayError
	require.ErrorAs(t, err, &gw)
	assert.Equal(t, domain.CodeModelUnknown, gw.Code)
	assert.Equal(t, 400, gw.HTTPStatus)
}

func TestExecute_Success(t *testing.T) {
	f := newFixture(t, Config{})
	rc := newRC(t, 30*time.Second)

	res, err := f.router.Execute(rc, "gpt", chatReq(false))
	require.NoError(t, err)

	assert.Equal(t, "e1", res.EndpointID)
	assert.Equal(t, "primary", res.PoolID)
	assert.False(t, res.UsedFallback)
	assert.Equal(t, "resp-1", res.Response.ID)
	assert.GreaterOrEqual(t, res.RoutingTime, time.Duration(0))

	assert.Len(t, f.bus.ofType(domain.EventRequestStarted), 1)
	assert.Len(t, f.bus.ofType(domain.EventRequestSucceeded), 1)
	assert.Zero(t, f.router.InFlight("e1"))
}

func TestExecute_FallsOverWithinPool(t *testing.T) {
	f := newFixture(t, Config{})
	f.adapters["e1"].err = transientErr(502)
	rc := newRC(t, 30*time.Second)

	res, err := f.router.Execute(rc, "gpt", chatReq(false))
	require.NoError(t, err)

	assert.Equal(t, "e2", res.EndpointID)
	assert.True(t, res.UsedFallback)
	assert.Equal(t, 1, f.adapters["e1"].calls)
}

func TestExecute_FallsOverToBackupPool(t *testing.T) {
	f := newFixture(t, Config{})
	f.adapters["e1"].err = transientErr(503)
	f.adapters["e2"].err = transientErr(503)
	rc := newRC(t, 30*time.Second)

	res, err := f.router.Execute(rc, "gpt", chatReq(false))
	require.NoError(t, err)

	assert.Equal(t, "e3", res.EndpointID)
	assert.Equal(t, "backup", res.PoolID)
	assert.True(t, res.UsedFallback)
}

func TestExecute_CircuitOpenSkipsEndpoint(t *testing.T) {
	f := newFixture(t, Config{})
	f.health.open["e1"] = true
	rc := newRC(t, 30*time.Second)

	res, err := f.router.Execute(rc, "gpt", chatReq(false))
	require.NoError(t, err)

	// the pool manager filters e1 out before selection even runs
	assert.Equal(t, "e2", res.EndpointID)
	assert.Zero(t, f.adapters["e1"].calls)
}

func TestExecute_AllEndpointsExhausted(t *testing.T) {
	f := newFixture(t, Config{})
	for _, a := range f.adapters {
		a.err = transientErr(500)
	}
	rc := newRC(t, 30*time.Second)

	_, err := f.router.Execute(rc, "gpt", chatReq(false))

	var gw *domain.GatewayError
	require.ErrorAs(t, err, &gw)
	assert.Equal(t, domain.CodeEndpointsExhausted, gw.Code)
	assert.Equal(t, 503, gw.HTTPStatus)
	assert.Contains(t, gw.Message, "upstream status 500")
	assert.Len(t, f.bus.ofType(domain.EventRequestFailed), 1)
}

func TestExecute_ImmediateFailureMovesToNextEndpoint(t *testing.T) {
	f := newFixture(t, Config{})
	f.adapters["e1"].err = &provider.CallError{
		Class: domain.ClassImmediate, Status: 404,
		Err: errors.New("model not found"),
	}
	rc := newRC(t, 30*time.Second)

	res, err := f.router.Execute(rc, "gpt", chatReq(false))
	require.NoError(t, err)
	assert.Equal(t, "e2", res.EndpointID)
}

func TestExecute_RateLimitPublishesEvent(t *testing.T) {
	f := newFixture(t, Config{})
	f.adapters["e1"].err = &provider.CallError{
		Class: domain.ClassRateLimited, Status: 429,
		Err: errors.New("too many requests"),
	}
	rc := newRC(t, 30*time.Second)

	_, err := f.router.Execute(rc, "gpt", chatReq(false))
	require.NoError(t, err)

	events := f.bus.ofType(domain.EventRateLimitObserved)
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].EndpointID)
}

func TestExecute_InsufficientTimeRemaining(t *testing.T) {
	f := newFixture(t, Config{})
	rc := newRC(t, 500*time.Millisecond)

	_, err := f.router.Execute(rc, "gpt", chatReq(false))

	var gw *domain.GatewayError
	require.ErrorAs(t, err, &gw)
	assert.Equal(t, domain.CodeTimeout, gw.Code)
	assert.Equal(t, 408, gw.HTTPStatus)
	assert.Zero(t, f.adapters["e1"].calls)
}

func TestExecute_CancelledBeforeDispatch(t *testing.T) {
	f := newFixture(t, Config{})
	rc := newRC(t, 30*time.Second)
	rc.Cancel(context.Canceled)

	_, err := f.router.Execute(rc, "gpt", chatReq(false))

	var gw *domain.GatewayError
	require.ErrorAs(t, err, &gw)
	assert.Equal(t, domain.CodeCancelled, gw.Code)
	assert.Equal(t, 499, gw.HTTPStatus)
}

func TestExecute_AtCapacityFallsOver(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrentRequests: 1})
	release, ok := f.router.slots.tryAcquire("e1")
	require.True(t, ok)
	defer release()

	rc := newRC(t, 30*time.Second)
	res, err := f.router.Execute(rc, "gpt", chatReq(false))
	require.NoError(t, err)

	assert.Equal(t, "e2", res.EndpointID)
	assert.Zero(t, f.adapters["e1"].calls)
}

func TestExecute_CredentialFailureSkipsEndpoint(t *testing.T) {
	f := newFixture(t, Config{})
	resolver := &fakeResolver{fail: map[string]error{"cred-a": errors.New("vault sealed")}}
	f.router.creds = resolver
	rc := newRC(t, 30*time.Second)

	res, err := f.router.Execute(rc, "gpt", chatReq(false))
	require.NoError(t, err)

	// e1 and e2 share cred-a; only e3's cred-b resolves
	assert.Equal(t, "e3", res.EndpointID)
	assert.Zero(t, f.router.InFlight("e1"))
	assert.Zero(t, f.router.InFlight("e2"))
}

func TestExecute_StreamForwardsAndReleasesSlot(t *testing.T) {
	f := newFixture(t, Config{})
	upstream := make(chan domain.Chunk, 3)
	upstream <- domain.Chunk{ID: "c1"}
	upstream <- domain.Chunk{ID: "c2"}
	close(upstream)
	f.adapters["e1"].stream = upstream

	rc := newRC(t, 30*time.Second)
	res, err := f.router.Execute(rc, "gpt", chatReq(true))
	require.NoError(t, err)
	require.NotNil(t, res.Stream)

	var got []string
	for chunk := range res.Stream {
		got = append(got, chunk.ID)
	}
	assert.Equal(t, []string{"c1", "c2"}, got)

	assert.Eventually(t, func() bool {
		return f.router.InFlight("e1") == 0
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, f.bus.ofType(domain.EventRequestSucceeded), 1)
}

func TestExecute_StreamMidFlightFailureIsNotReplayed(t *testing.T) {
	f := newFixture(t, Config{})
	upstream := make(chan domain.Chunk, 2)
	upstream <- domain.Chunk{ID: "c1"}
	upstream <- domain.Chunk{Err: errors.New("connection reset")}
	close(upstream)
	f.adapters["e1"].stream = upstream

	rc := newRC(t, 30*time.Second)
	res, err := f.router.Execute(rc, "gpt", chatReq(true))
	require.NoError(t, err)

	var sawErr bool
	for chunk := range res.Stream {
		if chunk.Err != nil {
			sawErr = true
		}
	}
	assert.True(t, sawErr)

	// the failure surfaces on the stream; no second endpoint is tried
	assert.Zero(t, f.adapters["e2"].calls)
	assert.Eventually(t, func() bool {
		return len(f.bus.ofType(domain.EventRequestFailed)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestExecute_AbandonedStreamReleasesSlot(t *testing.T) {
	f := newFixture(t, Config{})
	upstream := make(chan domain.Chunk, 3)
	upstream <- domain.Chunk{ID: "c1"}
	upstream <- domain.Chunk{ID: "c2"}
	upstream <- domain.Chunk{ID: "c3"}
	// never closed: the producer is still "live" when the client walks away
	f.adapters["e1"].stream = upstream

	rc := newRC(t, 30*time.Second)
	res, err := f.router.Execute(rc, "gpt", chatReq(true))
	require.NoError(t, err)
	require.NotNil(t, res.Stream)

	// read one chunk, then abandon the stream without draining it
	<-res.Stream
	rc.Cancel(context.Canceled)

	assert.Eventually(t, func() bool {
		return f.router.InFlight("e1") == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return len(f.bus.ofType(domain.EventRequestFailed)) == 1
	}, time.Second, 10*time.Millisecond)
	failed := f.bus.ofType(domain.EventRequestFailed)
	assert.Contains(t, failed[0].Reason, "stream abandoned")
}

func TestExecute_PanicReleasesSlot(t *testing.T) {
	f := newFixture(t, Config{})
	f.adapters["e1"].panics = true
	rc := newRC(t, 30*time.Second)

	assert.Panics(t, func() {
		f.router.Execute(rc, "gpt", chatReq(false))
	})
	assert.Zero(t, f.router.InFlight("e1"))

	// the endpoint still admits requests afterwards
	f.adapters["e1"].panics = false
	res, err := f.router.Execute(rc, "gpt", chatReq(false))
	require.NoError(t, err)
	assert.Equal(t, "e1", res.EndpointID)
}

func TestEndpointConcurrencyOverride(t *testing.T) {
	eps := []*domain.EndpointConfig{
		{ID: "solo", Provider: domain.ProviderOpenAI, CredentialRef: "cred", Priority: 1, Weight: 1,
			MaxConcurrent: 1},
	}
	pools := []*domain.Pool{
		{ID: "p", EndpointIDs: []string{"solo"}, Policy: domain.SelectPriority,
			Thresholds: domain.HealthThresholds{MinHealthyEndpoints: 1}},
	}
	routes := []domain.ModelRoute{{Name: "gpt", PrimaryPoolID: "p"}}

	health := &fakeHealthStore{open: map[string]bool{}}
	pm, err := pool.NewManager(pools, eps, routes, health, nil)
	require.NoError(t, err)

	adapters := map[string]ports.ProviderAdapter{"solo": &fakeAdapter{ep: eps[0]}}
	r, err := New(pm, health, &fakeResolver{}, adapters, Config{MaxConcurrentRequests: 50}, nil, nil)
	require.NoError(t, err)

	// the endpoint ceiling wins over the router-wide default
	release, ok := r.slots.tryAcquire("solo")
	require.True(t, ok)
	_, ok = r.slots.tryAcquire("solo")
	assert.False(t, ok)
	release()
	_, ok = r.slots.tryAcquire("solo")
	assert.True(t, ok)
}

func TestProviderTimeout_Clamping(t *testing.T) {
	f := newFixture(t, Config{
		MinProviderTimeout: 2 * time.Second,
		MaxProviderTimeout: 10 * time.Second,
	})

	ep := &domain.EndpointConfig{ID: "e1"}

	rc := newRC(t, 30*time.Second)
	assert.Equal(t, 10*time.Second, f.router.providerTimeout(rc, ep))

	short := newRC(t, 3*time.Second)
	got := f.router.providerTimeout(short, ep)
	assert.GreaterOrEqual(t, got, 2*time.Second)
	assert.LessOrEqual(t, got, 3*time.Second)

	capped := &domain.EndpointConfig{ID: "e1", Timeout: 4 * time.Second}
	assert.Equal(t, 4*time.Second, f.router.providerTimeout(rc, capped))
}

func TestSlot_AcquireReleaseAndClamp(t *testing.T) {
	table := newSlotTable(map[string]int64{"e1": 2}, nil)

	r1, ok := table.tryAcquire("e1")
	require.True(t, ok)
	r2, ok := table.tryAcquire("e1")
	require.True(t, ok)

	_, ok = table.tryAcquire("e1")
	assert.False(t, ok)

	r1()
	r2()
	assert.Zero(t, table.inFlight("e1"))

	// a stray release must not drive the counter negative
	s := table.slots["e1"]
	s.release()
	assert.GreaterOrEqual(t, table.inFlight("e1"), int64(0))

	_, ok = table.tryAcquire("unknown")
	assert.False(t, ok)
}
