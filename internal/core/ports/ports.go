package ports

import (
	"context"
	"time"

	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/reqctx"
)

// CredentialResolver maps a credential reference to concrete signing material.
// Resolution is bounded by the caller's deadline.
type CredentialResolver interface {
	Resolve(ctx *reqctx.RequestContext, ref string) (domain.Credential, error)
	Validate(ref string) error
	Prewarm(ctx context.Context, refs []string)
}

// CredentialStore is one configured secret source behind the resolver.
type CredentialStore interface {
	Fetch(ctx context.Context) (domain.Credential, error)
	Validate() error
}

// ProviderAdapter translates canonical requests to one upstream wire format
// and performs the authenticated call. One adapter exists per endpoint.
type ProviderAdapter interface {
	Chat(ctx context.Context, req *domain.NormalisedRequest, cred domain.Credential) (*domain.Response, int, error)
	ChatStream(ctx context.Context, req *domain.NormalisedRequest, cred domain.Credential) (domain.Stream, int, error)
	HealthProbe(ctx context.Context, cred domain.Credential) error
	Capabilities() domain.Capabilities
	Endpoint() *domain.EndpointConfig
}

// EndpointSelector orders a pool's candidate endpoints for dispatch.
type EndpointSelector interface {
	Select(poolID string, candidates []*domain.EndpointConfig) []*domain.EndpointConfig
	Name() string
}

// HealthStore is the health manager surface the pool manager and router
// consume. Breaker state never escapes this interface.
type HealthStore interface {
	Register(endpointID string, cfg domain.CircuitBreakerConfig)
	IsAvailable(endpointID string) bool
	Execute(rc *reqctx.RequestContext, endpointID string, opTimeout time.Duration, op Operation) domain.Outcome
	Metrics(endpointID string) (domain.HealthMetrics, bool)
	Reset(endpointID string)
}

// Operation is one upstream attempt run under the health manager's breaker.
type Operation func(ctx context.Context) domain.Outcome

// Publisher is the event emission surface; metrics aggregation subscribes
// out of process scope.
type Publisher interface {
	Publish(ev domain.GatewayEvent)
}
