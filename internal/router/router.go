// Package router walks a model's pool chain and dispatches the request to the
// first endpoint that produces a usable outcome. All deadline, capacity and
// breaker decisions funnel through here.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thushan/porter/internal/adapter/pool"
	"github.com/thushan/porter/internal/adapter/provider"
	"github.com/thushan/porter/internal/core/constants"
	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/core/ports"
	"github.com/thushan/porter/internal/logger"
	"github.com/thushan/porter/internal/reqctx"
	"github.com/thushan/porter/internal/util"
)

// Config tunes dispatch behaviour; zero values take the package defaults.
type Config struct {
	// Fraction of the remaining request deadline granted to each provider call,
	// leaving headroom for fallback attempts.
	ProviderTimeoutMultiplier float64
	MinProviderTimeout        time.Duration
	MaxProviderTimeout        time.Duration
	MaxConcurrentRequests     int64
}

func (c *Config) applyDefaults() {
	if c.ProviderTimeoutMultiplier <= 0 || c.ProviderTimeoutMultiplier > 1 {
		c.ProviderTimeoutMultiplier = constants.DefaultProviderTimeoutMultiplier
	}
	if c.MinProviderTimeout <= 0 {
		c.MinProviderTimeout = constants.DefaultMinProviderTimeout
	}
	if c.MaxProviderTimeout <= 0 {
		c.MaxProviderTimeout = constants.DefaultMaxProviderTimeout
	}
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = constants.DefaultMaxConcurrentRequests
	}
}

// Result is a successful dispatch. Exactly one of Response and Stream is set,
// matching the request's stream flag.
type Result struct {
	Response   *domain.Response
	Stream     domain.Stream
	EndpointID string
	PoolID     string
	// UsedFallback is true when the winning endpoint was not the first one
	// tried for this request.
	UsedFallback bool
	// RoutingTime is the dispatch overhead: total elapsed minus the winning
	// upstream call itself.
	RoutingTime time.Duration

	upstreamLatency time.Duration
}

// Router implements the dispatch algorithm: resolve the model to a pool
// chain, then try endpoints in policy order, falling through pools until one
// attempt succeeds or the chain is exhausted.
type Router struct {
	pools    *pool.Manager
	health   ports.HealthStore
	creds    ports.CredentialResolver
	adapters map[string]ports.ProviderAdapter
	slots    *slotTable
	cfg      Config
	bus      ports.Publisher
	logger   *logger.StyledLogger
}

// New wires the router. The adapters map is keyed by endpoint id and must
// cover every endpoint the pool manager knows.
func New(pools *pool.Manager, health ports.HealthStore, creds ports.CredentialResolver, adapters map[string]ports.ProviderAdapter, cfg Config, bus ports.Publisher, log *logger.StyledLogger) (*Router, error) {
	cfg.applyDefaults()

	limits := make(map[string]int64, len(adapters))
	for id := range adapters {
		ep, ok := pools.Endpoint(id)
		if !ok {
			return nil, fmt.Errorf("adapter registered for unknown endpoint %s", id)
		}
		limit := cfg.MaxConcurrentRequests
		if ep.MaxConcurrent > 0 {
			limit = int64(ep.MaxConcurrent)
		}
		limits[id] = limit
	}

	return &Router{
		pools:    pools,
		health:   health,
		creds:    creds,
		adapters: adapters,
		slots:    newSlotTable(limits, log),
		cfg:      cfg,
		bus:      bus,
		logger:   log,
	}, nil
}

// InFlight reports the live request count against an endpoint, for status
// surfaces.
func (r *Router) InFlight(endpointID string) int64 {
	return r.slots.inFlight(endpointID)
}

// Execute dispatches one request. The caller owns rc and releases it after
// consuming the result; for streams that means after the channel closes.
func (r *Router) Execute(rc *reqctx.RequestContext, model string, req *domain.NormalisedRequest) (*Result, error) {
	start := time.Now()

	route, ok := r.pools.Route(model)
	if !ok {
		return nil, domain.NewModelUnknownError(model, rc.ID)
	}

	r.publish(domain.GatewayEvent{
		Type: domain.EventRequestStarted, RequestID: rc.ID, Model: model, At: start,
	})

	var lastErr error
	first := true

	for _, poolID := range route.PoolChain() {
		if err := r.checkRemaining(rc); err != nil {
			return nil, r.failed(rc, model, "deadline", err)
		}

		if ph, ok := r.pools.PoolHealth(poolID); ok && !ph.Status.Routable() {
			if r.logger != nil {
				r.logger.Debug("Skipping unroutable pool", "pool", poolID, "status", ph.Status)
			}
			if lastErr == nil {
				lastErr = fmt.Errorf("pool %s is %s", poolID, ph.Status)
			}
			continue
		}

		for _, ep := range r.pools.SelectEndpoints(poolID) {
			if err := r.checkRemaining(rc); err != nil {
				return nil, r.failed(rc, model, "deadline", err)
			}

			res, err := r.attempt(rc, poolID, ep, req)
			if err == nil {
				res.UsedFallback = !first
				res.RoutingTime = time.Since(start) - res.upstreamLatency
				return res, nil
			}
			first = false

			var terminal *GiveUp
			if errors.As(err, &terminal) {
				return nil, r.failed(rc, model, terminal.Reason, terminal.Err)
			}
			lastErr = err

			if r.logger != nil {
				r.logger.WarnWithEndpoint("Attempt failed, trying next endpoint", ep.ID,
					"pool", poolID, "error", err)
			}
		}
	}

	return nil, r.failed(rc, model, "exhausted", domain.NewExhaustedError(rc.ID, lastErr))
}

// GiveUp aborts the fallback walk: the request as a whole is over, either
// because its deadline passed or the client went away.
type GiveUp struct {
	Reason string
	Err    error
}

func (g *GiveUp) Error() string { return g.Err.Error() }
func (g *GiveUp) Unwrap() error { return g.Err }

// attempt runs one endpoint try end to end: capacity slot, credential,
// breaker-guarded call. A plain error means move on; a GiveUp means stop.
func (r *Router) attempt(rc *reqctx.RequestContext, poolID string, ep *domain.EndpointConfig, req *domain.NormalisedRequest) (*Result, error) {
	release, ok := r.slots.tryAcquire(ep.ID)
	if !ok {
		return nil, fmt.Errorf("endpoint %s: %w", ep.ID, domain.ErrAtCapacity)
	}

	// the slot frees on every exit, panics included; a live stream hands it
	// to the relay goroutine instead
	handedOff := false
	defer func() {
		if !handedOff {
			release()
		}
	}()

	cred, err := r.creds.Resolve(rc, ep.CredentialRef)
	if err != nil {
		if errors.Is(err, reqctx.ErrNoTimeRemaining) {
			return nil, &GiveUp{Reason: "deadline", Err: domain.NewTimeoutError(rc.ID, err)}
		}
		return nil, fmt.Errorf("endpoint %s: credential %s: %w", ep.ID, ep.CredentialRef, err)
	}

	adapter := r.adapters[ep.ID]

	out := r.health.Execute(rc, ep.ID, r.providerTimeout(rc, ep), func(ctx context.Context) domain.Outcome {
		if req.Stream {
			stream, status, callErr := adapter.ChatStream(ctx, req, cred)
			return domain.Outcome{
				OK: callErr == nil, Stream: stream, StatusCode: status,
				Err: callErr, Classification: provider.Classify(callErr),
			}
		}
		resp, status, callErr := adapter.Chat(ctx, req, cred)
		return domain.Outcome{
			OK: callErr == nil, Response: resp, StatusCode: status,
			Err: callErr, Classification: provider.Classify(callErr),
		}
	})

	if out.OK {
		res := &Result{
			Response:        out.Response,
			EndpointID:      ep.ID,
			PoolID:          poolID,
			upstreamLatency: out.Latency,
		}
		if out.Stream != nil {
			res.Stream = r.guardStream(rc, ep.ID, poolID, out.Stream, release)
			handedOff = true
		} else {
			r.publish(domain.GatewayEvent{
				Type: domain.EventRequestSucceeded, RequestID: rc.ID,
				EndpointID: ep.ID, PoolID: poolID, Latency: out.Latency, At: time.Now(),
			})
		}
		return res, nil
	}

	return nil, r.attemptError(rc, ep, out)
}

// attemptError turns a failed outcome into either a fallthrough error or a
// GiveUp that ends the request.
func (r *Router) attemptError(rc *reqctx.RequestContext, ep *domain.EndpointConfig, out domain.Outcome) error {
	switch {
	case errors.Is(out.Err, domain.ErrCircuitOpen):
		return fmt.Errorf("endpoint %s: %w", ep.ID, domain.ErrCircuitOpen)

	case out.Classification == domain.ClassCancelled:
		return &GiveUp{Reason: "cancelled", Err: &domain.GatewayError{
			Code: domain.CodeCancelled, Type: "cancelled",
			Message: "request cancelled by client", HTTPStatus: 499,
			RequestID: rc.ID, EndpointID: ep.ID, Err: out.Err,
		}}

	case out.Classification == domain.ClassTimeout:
		// the whole request is out of time; a per-attempt timeout with budget
		// left just moves to the next endpoint
		if rc.TimedOut() || rc.Remaining() < constants.MinDispatchRemaining {
			return &GiveUp{Reason: "deadline", Err: domain.NewTimeoutError(rc.ID, out.Err)}
		}
		return fmt.Errorf("endpoint %s: attempt timed out: %w", ep.ID, out.Err)

	case out.Classification == domain.ClassRateLimited:
		r.publish(domain.GatewayEvent{
			Type: domain.EventRateLimitObserved, RequestID: rc.ID,
			EndpointID: ep.ID, At: time.Now(),
		})
		return fmt.Errorf("endpoint %s: rate limited: %w", ep.ID, out.Err)

	default:
		return fmt.Errorf("endpoint %s: %w", ep.ID, out.Err)
	}
}

// guardStream forwards chunks and releases the endpoint slot when the stream
// ends. The success or failure event is published from the final chunk, since
// an established stream can still die mid-flight and is never replayed.
func (r *Router) guardStream(rc *reqctx.RequestContext, endpointID, poolID string, upstream domain.Stream, release func()) domain.Stream {
	out := make(chan domain.Chunk)

	go func() {
		defer close(out)
		defer release()

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
				// the consumer is gone; stop forwarding so the slot frees
				abandoned = true
				break relay
			}
		}

		ev := domain.GatewayEvent{
			Type: domain.EventRequestSucceeded, RequestID: rc.ID,
			EndpointID: endpointID, PoolID: poolID,
			Latency: rc.Elapsed(), At: time.Now(),
		}
		switch {
		case abandoned:
			ev.Type = domain.EventRequestFailed
			ev.Reason = "stream abandoned: " + context.Cause(rc.Context()).Error()
		case streamErr != nil:
			ev.Type = domain.EventRequestFailed
			ev.Reason = streamErr.Error()
		}
		r.publish(ev)
	}()

	return out
}

// providerTimeout budgets one upstream call from the remaining deadline,
// clamped to the configured floor and ceiling.
func (r *Router) providerTimeout(rc *reqctx.RequestContext, ep *domain.EndpointConfig) time.Duration {
	budget := time.Duration(float64(rc.Remaining()) * r.cfg.ProviderTimeoutMultiplier)
	if ep.Timeout > 0 && ep.Timeout < budget {
		budget = ep.Timeout
	}
	return util.ClampDuration(budget, r.cfg.MinProviderTimeout, r.cfg.MaxProviderTimeout)
}

// checkRemaining refuses to start another attempt with less than the minimum
// dispatch budget left.
func (r *Router) checkRemaining(rc *reqctx.RequestContext) error {
	if rc.IsCancelled() && !rc.TimedOut() {
		return &domain.GatewayError{
			Code: domain.CodeCancelled, Type: "cancelled",
			Message: "request cancelled by client", HTTPStatus: 499,
			RequestID: rc.ID, Err: context.Cause(rc.Context()),
		}
	}
	if rc.Remaining() < constants.MinDispatchRemaining {
		return domain.NewTimeoutError(rc.ID, reqctx.ErrTimedOut)
	}
	return nil
}

func (r *Router) failed(rc *reqctx.RequestContext, model, reason string, err error) error {
	r.publish(domain.GatewayEvent{
		Type: domain.EventRequestFailed, RequestID: rc.ID, Model: model,
		Reason: reason, At: time.Now(),
	})
	return err
}

func (r *Router) publish(ev domain.GatewayEvent) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}
