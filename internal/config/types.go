package config

import (
	"fmt"
	"time"
)

// Config is the single configuration document: credential stores, endpoints,
// pools and model routes.
type Config struct {
	Server           ServerConfig                     `yaml:"server"`
	Logging          LoggingConfig                    `yaml:"logging"`
	Router           RouterConfig                     `yaml:"router"`
	CredentialStores map[string]CredentialStoreConfig `yaml:"credential_stores"`
	Endpoints        []EndpointConfig                 `yaml:"endpoints"`
	Pools            []PoolConfig                     `yaml:"pools"`
	Models           []ModelConfig                    `yaml:"models"`
}

// ServerConfig holds HTTP front-door configuration.
type ServerConfig struct {
	Host            string         `yaml:"host"`
	Port            int            `yaml:"port"`
	ReadTimeout     time.Duration  `yaml:"read_timeout"`
	WriteTimeout    time.Duration  `yaml:"write_timeout"`
	IdleTimeout     time.Duration  `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration  `yaml:"shutdown_timeout"`
	RequestTimeouts TimeoutsConfig `yaml:"request_timeouts"`
}

// GetAddress returns the server address in host:port format.
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TimeoutsConfig holds the per-path request timeout overrides and the clamp
// range applied to all of them.
type TimeoutsConfig struct {
	Min            time.Duration `yaml:"min"`
	Max            time.Duration `yaml:"max"`
	Chat           time.Duration `yaml:"chat"`
	Completions    time.Duration `yaml:"completions"`
	Models         time.Duration `yaml:"models"`
	Admin          time.Duration `yaml:"admin"`
	Health         time.Duration `yaml:"health"`
	ExposeHeaders  bool          `yaml:"expose_headers"`
	HighThroughput bool          `yaml:"high_throughput"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Dir        string `yaml:"dir"`
	FileOutput bool   `yaml:"file_output"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// RouterConfig tunes the dispatch engine.
type RouterConfig struct {
	ProviderTimeoutMultiplier   float64       `yaml:"provider_timeout_multiplier"`
	MinProviderTimeout          time.Duration `yaml:"min_provider_timeout"`
	MaxProviderTimeout          time.Duration `yaml:"max_provider_timeout"`
	MaxConcurrentRequests       int           `yaml:"max_concurrent_requests"`
	CredentialResolutionTimeout time.Duration `yaml:"credential_resolution_timeout"`
}

// CredentialStoreConfig names one secret source.
type CredentialStoreConfig struct {
	Type     string                `yaml:"type"`   // simple | aws
	Source   string                `yaml:"source"` // env | file
	Config   CredentialStoreParams `yaml:"config"`
	CacheTTL time.Duration         `yaml:"cache_ttl"`
}

// CredentialStoreParams enumerates every environment variable or file a
// store may read; validation rejects anything not declared here.
type CredentialStoreParams struct {
	APIKeyVar            string `yaml:"api_key_var"`
	APIKeyFile           string `yaml:"api_key_file"`
	RegionVar            string `yaml:"region_var"`
	Region               string `yaml:"region"`
	AccessKeyIDVar       string `yaml:"access_key_id_var"`
	SecretAccessKeyVar   string `yaml:"secret_access_key_var"`
	SessionTokenVar      string `yaml:"session_token_var"`
	UseInstanceProfile   bool   `yaml:"use_instance_profile"`
	UseWebIdentity       bool   `yaml:"use_web_identity"`
	WebIdentityTokenFile string `yaml:"web_identity_token_file"`
	RoleArn              string `yaml:"role_arn"`
}

// EndpointConfig holds configuration for one upstream endpoint.
type EndpointConfig struct {
	ID                string               `yaml:"id"`
	Provider          string               `yaml:"provider"`
	Family            string               `yaml:"family"`
	CredentialRef     string               `yaml:"credential_ref"`
	APIBase           string               `yaml:"api_base"`
	Model             string               `yaml:"model"`
	Priority          int                  `yaml:"priority"`
	Weight            int                  `yaml:"weight"`
	Timeout           time.Duration        `yaml:"timeout"`
	MaxConcurrent     int                  `yaml:"max_concurrent"`
	ProviderParams    map[string]any       `yaml:"provider_params"`
	HealthCheckParams map[string]any       `yaml:"health_check_params"`
	StreamingParams   map[string]any       `yaml:"streaming_params"`
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
	HealthCheck       HealthCheckConfig    `yaml:"health_check"`
}

// CircuitBreakerConfig tunes the per-endpoint breaker.
type CircuitBreakerConfig struct {
	Enabled                  *bool         `yaml:"enabled"`
	FailureThreshold         int           `yaml:"failure_threshold"`
	ResetTimeout             time.Duration `yaml:"reset_timeout"`
	MonitoringWindow         time.Duration `yaml:"monitoring_window"`
	MinRequestsThreshold     int           `yaml:"min_requests_threshold"`
	ErrorThresholdPercentage float64       `yaml:"error_threshold_percentage"`
	TimeoutMultiplier        float64       `yaml:"timeout_multiplier"`
	BaseTimeout              time.Duration `yaml:"base_timeout"`
	MaxBackoffMultiplier     int           `yaml:"max_backoff_multiplier"`
}

// HealthCheckConfig tunes scheduled probing for an endpoint.
type HealthCheckConfig struct {
	Enabled  *bool         `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PoolConfig groups endpoints under a selection policy.
type PoolConfig struct {
	ID            string                `yaml:"id"`
	Endpoints     []string              `yaml:"endpoints"`
	Policy        string                `yaml:"policy"`
	Thresholds    PoolThresholdsConfig  `yaml:"thresholds"`
	FallbackPools []string              `yaml:"fallback_pools"`
	Breaker       *CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// PoolThresholdsConfig gates pool health scoring.
type PoolThresholdsConfig struct {
	MinHealthyEndpoints int           `yaml:"min_healthy_endpoints"`
	ResponseTime        time.Duration `yaml:"response_time"`
	ErrorRatePct        float64       `yaml:"error_rate_pct"`
}

// ModelConfig maps an inbound model name to its pool chain.
type ModelConfig struct {
	Name              string         `yaml:"name"`
	PrimaryPool       string         `yaml:"primary_pool"`
	FallbackPools     []string       `yaml:"fallback_pools"`
	DefaultParameters map[string]any `yaml:"default_parameters"`
}
