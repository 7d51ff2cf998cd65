package config

import (
	"github.com/thushan/porter/internal/core/constants"
	"github.com/thushan/porter/internal/core/domain"
)

// DomainEndpoints converts the endpoint documents to their immutable domain
// form, filling breaker and health-check defaults. Validate has already run;
// provider kinds are known to parse.
func (c *Config) DomainEndpoints() []*domain.EndpointConfig {
	out := make([]*domain.EndpointConfig, 0, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		kind, _ := domain.ParseProviderKind(ep.Provider)
		out = append(out, &domain.EndpointConfig{
			ID:                ep.ID,
			Provider:          kind,
			Family:            domain.BedrockFamily(ep.Family),
			CredentialRef:     ep.CredentialRef,
			APIBase:           ep.APIBase,
			UpstreamModelName: ep.Model,
			Priority:          ep.Priority,
			Weight:            ep.Weight,
			Timeout:           ep.Timeout,
			MaxConcurrent:     ep.MaxConcurrent,
			ProviderParams:    ep.ProviderParams,
			HealthCheckParams: ep.HealthCheckParams,
			StreamingParams:   ep.StreamingParams,
			CircuitBreaker:    ep.CircuitBreaker.toDomain(),
			HealthCheck:       ep.HealthCheck.toDomain(),
		})
	}
	return out
}

// DomainPools converts pool documents, carrying thresholds and fallbacks.
func (c *Config) DomainPools() []*domain.Pool {
	out := make([]*domain.Pool, 0, len(c.Pools))
	for _, p := range c.Pools {
		pool := &domain.Pool{
			ID:          p.ID,
			EndpointIDs: p.Endpoints,
			Policy:      domain.SelectionPolicy(p.Policy),
			Thresholds: domain.HealthThresholds{
				MinHealthyEndpoints: p.Thresholds.MinHealthyEndpoints,
				ResponseTime:        p.Thresholds.ResponseTime,
				ErrorRatePct:        p.Thresholds.ErrorRatePct,
			},
			FallbackPoolIDs: p.FallbackPools,
		}
		if p.Breaker != nil {
			cb := p.Breaker.toDomain()
			pool.CircuitBreakerOverride = &cb
		}
		out = append(out, pool)
	}
	return out
}

// DomainRoutes converts model documents to routing entries.
func (c *Config) DomainRoutes() []domain.ModelRoute {
	out := make([]domain.ModelRoute, 0, len(c.Models))
	for _, m := range c.Models {
		out = append(out, domain.ModelRoute{
			Name:            m.Name,
			PrimaryPoolID:   m.PrimaryPool,
			FallbackPoolIDs: m.FallbackPools,
			DefaultParams:   m.DefaultParameters,
		})
	}
	return out
}

func (cb CircuitBreakerConfig) toDomain() domain.CircuitBreakerConfig {
	out := domain.CircuitBreakerConfig{
		Enabled:                  true,
		FailureThreshold:         cb.FailureThreshold,
		ResetTimeout:             cb.ResetTimeout,
		MonitoringWindow:         cb.MonitoringWindow,
		MinRequestsThreshold:     cb.MinRequestsThreshold,
		ErrorThresholdPercentage: cb.ErrorThresholdPercentage,
		TimeoutMultiplier:        cb.TimeoutMultiplier,
		BaseTimeout:              cb.BaseTimeout,
		MaxBackoffMultiplier:     cb.MaxBackoffMultiplier,
	}
	if cb.Enabled != nil {
		out.Enabled = *cb.Enabled
	}
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = constants.DefaultFailureThreshold
	}
	if out.ResetTimeout <= 0 {
		out.ResetTimeout = constants.DefaultResetTimeout
	}
	if out.MonitoringWindow <= 0 {
		out.MonitoringWindow = constants.DefaultMonitoringWindow
	}
	if out.MinRequestsThreshold <= 0 {
		out.MinRequestsThreshold = constants.DefaultMinRequestsThreshold
	}
	if out.ErrorThresholdPercentage <= 0 {
		out.ErrorThresholdPercentage = constants.DefaultErrorThresholdPercent
	}
	if out.TimeoutMultiplier <= 0 {
		out.TimeoutMultiplier = constants.DefaultImmediateTimeoutFactor
	}
	if out.BaseTimeout <= 0 {
		out.BaseTimeout = constants.DefaultImmediateBaseTimeout
	}
	if out.MaxBackoffMultiplier <= 0 {
		out.MaxBackoffMultiplier = constants.DefaultMaxBackoffMultiplier
	}
	return out
}

func (hc HealthCheckConfig) toDomain() domain.HealthCheckConfig {
	out := domain.HealthCheckConfig{
		Enabled:  true,
		Interval: hc.Interval,
		Timeout:  hc.Timeout,
	}
	if hc.Enabled != nil {
		out.Enabled = *hc.Enabled
	}
	if out.Interval <= 0 {
		out.Interval = constants.DefaultHealthCheckInterval
	}
	if out.Timeout <= 0 {
		out.Timeout = constants.DefaultHealthCheckTimeout
	}
	return out
}
