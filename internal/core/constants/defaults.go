package constants

import "time"

// Dispatch and timeout defaults
const (
	// Minimum time that must remain on a request before the router will
	// attempt another pool
	MinDispatchRemaining = 1 * time.Second

	// Fraction of the remaining request deadline granted to a provider call
	DefaultProviderTimeoutMultiplier = 0.8

	DefaultMinProviderTimeout = 1 * time.Second
	DefaultMaxProviderTimeout = 300 * time.Second

	// Per-endpoint concurrent request ceiling
	DefaultMaxConcurrentRequests = 50

	DefaultCredentialResolutionTimeout = 10 * time.Second
)

// Circuit breaker defaults
const (
	DefaultFailureThreshold       = 5
	DefaultResetTimeout           = 60 * time.Second
	DefaultMonitoringWindow       = 60 * time.Second
	DefaultMinRequestsThreshold   = 10
	DefaultErrorThresholdPercent  = 50
	DefaultImmediateTimeoutFactor = 5
	DefaultImmediateBaseTimeout   = 300 * time.Second
	DefaultMaxBackoffMultiplier   = 4
)

// Credential cache defaults
const (
	DefaultCredentialCacheTTL   = 5 * time.Minute
	DefaultCredentialCacheSize  = 200
	DefaultCredentialSweepEvery = 5 * time.Minute
)

// Health manager housekeeping
const (
	DefaultRecoverySweepInterval = 30 * time.Second
	DefaultStaleEndpointAge      = 24 * time.Hour
	DefaultMaxTrackedEndpoints   = 500
	DefaultKeptTrackedEndpoints  = 250
)

// Health check scheduler defaults
const (
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultHealthCheckTimeout  = 5 * time.Second
	DefaultProbeRatePerSecond  = 10
	DefaultProbeBurst          = 5
)

// Pool health
const (
	DefaultPoolHealthCacheTTL = 30 * time.Second
	PoolDegradedScore         = 70
)

// Request context registry
const (
	DefaultContextSweepInterval = 60 * time.Second
)

// EMA smoothing factor for endpoint response times (alpha = 0.2)
const ResponseTimeEMAAlpha = 0.2

// OpenAI-compatible API paths
const (
	PathV1ChatCompletions = "/v1/chat/completions"
	PathV1Completions     = "/v1/completions"
	PathV1Models          = "/v1/models"
	PathHealth            = "/health"
)

// Front-door timeout clamps; per-path overrides live in config
const (
	DefaultMinRequestTimeout = 1 * time.Second
	DefaultMaxRequestTimeout = 300 * time.Second
	DefaultChatTimeout       = 120 * time.Second
	DefaultModelsTimeout     = 10 * time.Second
	DefaultAdminTimeout      = 30 * time.Second
	DefaultHealthTimeout     = 5 * time.Second
)
