package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thushan/porter/internal/adapter/credentials"
	"github.com/thushan/porter/internal/adapter/health"
	"github.com/thushan/porter/internal/adapter/pool"
	"github.com/thushan/porter/internal/adapter/provider"
	"github.com/thushan/porter/internal/config"
	"github.com/thushan/porter/internal/core/constants"
	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/core/ports"
	"github.com/thushan/porter/internal/logger"
	"github.com/thushan/porter/internal/reqctx"
	"github.com/thushan/porter/internal/router"
	"github.com/thushan/porter/pkg/eventbus"
)

// Application owns every long-lived component and their shutdown order.
type Application struct {
	cfg    *config.Config
	logger *logger.StyledLogger

	bus       *eventbus.Bus[domain.GatewayEvent]
	registry  *reqctx.Registry
	resolver  *credentials.Resolver
	manager   *health.Manager
	scheduler *health.Scheduler
	pools     *pool.Manager
	router    *router.Router
	server    *Server
}

// busPublisher adapts the generic bus to the Publisher port.
type busPublisher struct {
	bus *eventbus.Bus[domain.GatewayEvent]
}

func (p *busPublisher) Publish(ev domain.GatewayEvent) {
	p.bus.Publish(ev)
}

// New wires the full dispatch engine from configuration. Construction is
// fail-fast: a bad store, endpoint or pool aborts startup.
func New(ctx context.Context, cfg *config.Config, log *logger.StyledLogger) (*Application, error) {
	bus := eventbus.New[domain.GatewayEvent](eventbus.DefaultBufferSize)
	pub := &busPublisher{bus: bus}

	stores, ttls, err := credentials.BuildStores(ctx, cfg.CredentialStores)
	if err != nil {
		return nil, fmt.Errorf("building credential stores: %w", err)
	}
	resolver := credentials.NewResolver(stores, ttls, credentials.ResolverConfig{
		ResolutionTimeout: cfg.Router.CredentialResolutionTimeout,
	}, pub, log)

	manager, err := health.NewManager(health.ManagerConfig{}, pub, log)
	if err != nil {
		return nil, fmt.Errorf("building health manager: %w", err)
	}

	endpoints := cfg.DomainEndpoints()
	pools := cfg.DomainPools()
	overrides := breakerOverrides(pools)

	adapters := make(map[string]ports.ProviderAdapter, len(endpoints))
	for _, ep := range endpoints {
		breakerCfg := ep.CircuitBreaker
		if override, ok := overrides[ep.ID]; ok {
			breakerCfg = override
		}
		manager.Register(ep.ID, breakerCfg)

		adapter, err := provider.New(ep, nil, log)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", ep.ID, err)
		}
		adapters[ep.ID] = adapter
	}

	poolManager, err := pool.NewManager(pools, endpoints, cfg.DomainRoutes(), manager, pub)
	if err != nil {
		return nil, fmt.Errorf("building pool manager: %w", err)
	}

	rt, err := router.New(poolManager, manager, resolver, adapters, router.Config{
		ProviderTimeoutMultiplier: cfg.Router.ProviderTimeoutMultiplier,
		MinProviderTimeout:        cfg.Router.MinProviderTimeout,
		MaxProviderTimeout:        cfg.Router.MaxProviderTimeout,
		MaxConcurrentRequests:     int64(cfg.Router.MaxConcurrentRequests),
	}, pub, log)
	if err != nil {
		return nil, fmt.Errorf("building router: %w", err)
	}

	scheduler := health.NewScheduler(manager, log)
	for _, ep := range endpoints {
		scheduler.Add(ep, probeFunc(resolver, adapters[ep.ID], ep))
	}

	registry := reqctx.NewRegistry(constants.DefaultContextSweepInterval)

	a := &Application{
		cfg:       cfg,
		logger:    log,
		bus:       bus,
		registry:  registry,
		resolver:  resolver,
		manager:   manager,
		scheduler: scheduler,
		pools:     poolManager,
		router:    rt,
	}
	a.server = NewServer(cfg.Server, rt, poolManager, manager, registry, log)

	return a, nil
}

// breakerOverrides maps endpoint ids to a pool-level breaker override, when
// the pool declares one.
func breakerOverrides(pools []*domain.Pool) map[string]domain.CircuitBreakerConfig {
	out := make(map[string]domain.CircuitBreakerConfig)
	for _, p := range pools {
		if p.CircuitBreakerOverride == nil {
			continue
		}
		for _, epID := range p.EndpointIDs {
			out[epID] = *p.CircuitBreakerOverride
		}
	}
	return out
}

// probeFunc builds the scheduled probe closure for one endpoint: resolve the
// credential under its own short deadline, then run the adapter probe.
func probeFunc(resolver *credentials.Resolver, adapter ports.ProviderAdapter, ep *domain.EndpointConfig) health.ProbeFunc {
	return func(ctx context.Context) domain.Outcome {
		rc := reqctx.New(ctx, "", constants.DefaultCredentialResolutionTimeout)
		cred, err := resolver.Resolve(rc, ep.CredentialRef)
		rc.Release()
		if err != nil {
			return domain.Outcome{Err: fmt.Errorf("probe credential: %w", err), Classification: domain.ClassTransient}
		}

		if err := adapter.HealthProbe(ctx, cred); err != nil {
			return domain.Outcome{Err: err, Classification: provider.Classify(err)}
		}
		return domain.Outcome{OK: true, Classification: domain.ClassSuccess}
	}
}

// Run starts probing and serving, then blocks until ctx is cancelled and the
// teardown completes.
func (a *Application) Run(ctx context.Context) error {
	// warm the cache so the first requests do not all pay a store fetch
	warmCtx, cancel := context.WithTimeout(ctx, constants.DefaultCredentialResolutionTimeout)
	a.resolver.Prewarm(warmCtx, a.credentialRefs())
	cancel()

	a.scheduler.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

func (a *Application) credentialRefs() []string {
	seen := make(map[string]struct{})
	var refs []string
	for _, ep := range a.cfg.Endpoints {
		if _, dup := seen[ep.CredentialRef]; dup {
			continue
		}
		seen[ep.CredentialRef] = struct{}{}
		refs = append(refs, ep.CredentialRef)
	}
	return refs
}

func (a *Application) shutdown() error {
	a.logger.Info("Shutting down")

	grace := a.cfg.Server.ShutdownTimeout
	if grace <= 0 {
		grace = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	err := a.server.Shutdown(ctx)

	a.scheduler.Stop()
	a.manager.Close()
	a.resolver.Close()
	a.registry.Close()
	a.bus.Shutdown()

	a.logger.Info("Shutdown complete")
	return err
}
