package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thushan/porter/internal/adapter/health"
	"github.com/thushan/porter/internal/adapter/pool"
	"github.com/thushan/porter/internal/config"
	"github.com/thushan/porter/internal/core/constants"
	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/core/ports"
	"github.com/thushan/porter/internal/logger"
	"github.com/thushan/porter/internal/reqctx"
	"github.com/thushan/porter/internal/router"
)

type stubResolver struct{}

func (stubResolver) Resolve(*reqctx.RequestContext, string) (domain.Credential, error) {
	return domain.Credential{Kind: domain.CredentialSimple, APIKey: "k"}, nil
}
func (stubResolver) Validate(string) error             { return nil }
func (stubResolver) Prewarm(context.Context, []string) {}

// stubAdapter answers after an optional delay, honouring cancellation.
type stubAdapter struct {
	ep    *domain.EndpointConfig
	delay time.Duration
	resp  *domain.Response
	chunk []domain.Chunk
}

func (a *stubAdapter) wait(ctx context.Context) error {
	if a.delay <= 0 {
		return nil
	}
	select {
	case <-time.After(a.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *stubAdapter) Chat(ctx context.Context, req *domain.NormalisedRequest, cred domain.Credential) (*domain.Response, int, error) {
	if err := a.wait(ctx); err != nil {
		return nil, 0, err
	}
	return a.resp, 200, nil
}

func (a *stubAdapter) ChatStream(ctx context.Context, req *domain.NormalisedRequest, cred domain.Credential) (domain.Stream, int, error) {
	if err := a.wait(ctx); err != nil {
		return nil, 0, err
	}
	out := make(chan domain.Chunk, len(a.chunk))
	for _, c := range a.chunk {
		out <- c
	}
	close(out)
	return out, 200, nil
}

func (a *stubAdapter) HealthProbe(ctx context.Context, cred domain.Credential) error { return nil }

func (a *stubAdapter) Capabilities() domain.Capabilities {
	return domain.Capabilities{Chat: true, Streaming: true}
}

func (a *stubAdapter) Endpoint() *domain.EndpointConfig { return a.ep }

func testBreakerConfig() domain.CircuitBreakerConfig {
	return domain.CircuitBreakerConfig{
		Enabled:                  true,
		FailureThreshold:         constants.DefaultFailureThreshold,
		ResetTimeout:             constants.DefaultResetTimeout,
		MonitoringWindow:         constants.DefaultMonitoringWindow,
		MinRequestsThreshold:     constants.DefaultMinRequestsThreshold,
		ErrorThresholdPercentage: constants.DefaultErrorThresholdPercent,
		TimeoutMultiplier:        constants.DefaultImmediateTimeoutFactor,
		BaseTimeout:              constants.DefaultImmediateBaseTimeout,
		MaxBackoffMultiplier:     constants.DefaultMaxBackoffMultiplier,
	}
}

func newTestServer(t *testing.T, adapter *stubAdapter) *Server {
	t.Helper()

	ep := &domain.EndpointConfig{
		ID: "e1", Provider: domain.ProviderOpenAI, CredentialRef: "c1",
		Priority: 1, Weight: 1,
	}
	adapter.ep = ep

	hm, err := health.NewManager(health.ManagerConfig{SweepInterval: time.Hour}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(hm.Close)
	hm.Register("e1", testBreakerConfig())

	pm, err := pool.NewManager(
		[]*domain.Pool{{ID: "p1", EndpointIDs: []string{"e1"}, Policy: domain.SelectPriority,
			Thresholds: domain.HealthThresholds{MinHealthyEndpoints: 1}}},
		[]*domain.EndpointConfig{ep},
		[]domain.ModelRoute{{Name: "gpt", PrimaryPoolID: "p1"}},
		hm, nil)
	require.NoError(t, err)

	log := logger.NewStyledLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	rt, err := router.New(pm, hm, stubResolver{}, map[string]ports.ProviderAdapter{"e1": adapter}, router.Config{}, nil, log)
	require.NoError(t, err)

	registry := reqctx.NewRegistry(time.Hour)
	t.Cleanup(registry.Close)

	cfg := config.ServerConfig{
		RequestTimeouts: config.TimeoutsConfig{
			Min: time.Second, Max: 300 * time.Second,
			Chat: 30 * time.Second, Models: 10 * time.Second, Health: 5 * time.Second,
			ExposeHeaders: true,
		},
	}
	return NewServer(cfg, rt, pm, hm, registry, log)
}

func okResponse() *domain.Response {
	return &domain.Response{
		ID: "chatcmpl-1", Object: "chat.completion", Model: "gpt",
		Choices: []domain.Choice{{Message: domain.Message{Role: "assistant", Content: "hi"}, FinishReason: "stop"}},
	}
}

func TestChatCompletions_Success(t *testing.T) {
	s := newTestServer(t, &stubAdapter{resp: okResponse()})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt","messages":[{"role":"user","content":"hello"}]}`))
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "e1", rec.Header().Get("X-Porter-Endpoint"))
	assert.Equal(t, "p1", rec.Header().Get("X-Porter-Pool"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Timeout-Ms"))

	var resp domain.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, "hi", resp.Choices[0].Message.Content)
}

func TestChatCompletions_GeneratesRequestID(t *testing.T) {
	s := newTestServer(t, &stubAdapter{resp: okResponse()})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt","messages":[{"role":"user","content":"hello"}]}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestChatCompletions_InvalidBody(t *testing.T) {
	s := newTestServer(t, &stubAdapter{resp: okResponse()})

	for _, body := range []string{
		``,
		`{"messages":[{"role":"user","content":"x"}]}`,
		`{"model":"gpt"}`,
		`{"model":"gpt","messages":[]}`,
		`not json`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
}

func TestChatCompletions_UnknownModel(t *testing.T) {
	s := newTestServer(t, &stubAdapter{resp: okResponse()})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"ghost","messages":[{"role":"user","content":"x"}]}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), domain.CodeModelUnknown)
}

func TestChatCompletions_TimeoutBody(t *testing.T) {
	s := newTestServer(t, &stubAdapter{resp: okResponse(), delay: 5 * time.Second})
	s.cfg.RequestTimeouts.Chat = time.Second

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt","messages":[{"role":"user","content":"x"}]}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestTimeout, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `"code":"request_timeout"`)
	assert.Contains(t, body, `"type":"timeout_error"`)
	assert.Contains(t, body, `"timeoutMs":1000`)
	assert.Contains(t, body, `"requestId"`)
}

func TestChatCompletions_Streaming(t *testing.T) {
	s := newTestServer(t, &stubAdapter{chunk: []domain.Chunk{
		{ID: "c1", Object: "chat.completion.chunk", Choices: []domain.ChunkChoice{{Delta: domain.Delta{Content: "he"}}}},
		{ID: "c1", Object: "chat.completion.chunk", Choices: []domain.ChunkChoice{{Delta: domain.Delta{Content: "llo"}, FinishReason: "stop"}}},
	}})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt","stream":true,"messages":[{"role":"user","content":"x"}]}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `"content":"he"`)
	assert.Contains(t, body, `"content":"llo"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestModels(t *testing.T) {
	s := newTestServer(t, &stubAdapter{resp: okResponse()})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"object":"list"`)
	assert.Contains(t, body, `"id":"gpt"`)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &stubAdapter{resp: okResponse()})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"status":"healthy"`)
	assert.Contains(t, body, `"p1"`)
}

func TestAdminStatus(t *testing.T) {
	s := newTestServer(t, &stubAdapter{resp: okResponse()})

	req := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"e1"`)
	assert.Contains(t, body, `"state":"closed"`)
}
