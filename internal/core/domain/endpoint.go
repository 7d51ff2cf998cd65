package domain

import (
	"fmt"
	"time"
)

// ProviderKind is the closed set of upstream wire protocols.
type ProviderKind string

const (
	ProviderOpenAI    ProviderKind = "openai"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderBedrock   ProviderKind = "bedrock"
	ProviderTogether  ProviderKind = "together"
	ProviderRunPod    ProviderKind = "runpod"
	ProviderCustom    ProviderKind = "custom"
)

// BedrockFamily selects the request schema for a Bedrock model id.
type BedrockFamily string

const (
	BedrockAnthropic BedrockFamily = "anthropic"
	BedrockTitan     BedrockFamily = "amazon-titan"
	BedrockNova      BedrockFamily = "amazon-nova"
	BedrockLlama     BedrockFamily = "meta-llama"
	BedrockMistral   BedrockFamily = "mistral"
	BedrockCohere    BedrockFamily = "cohere"
	BedrockAI21      BedrockFamily = "ai21"
)

// ParseProviderKind resolves a configuration string to a provider kind.
// Unknown kinds are a configuration error, caught at startup.
func ParseProviderKind(s string) (ProviderKind, error) {
	switch ProviderKind(s) {
	case ProviderOpenAI, ProviderAnthropic, ProviderBedrock,
		ProviderTogether, ProviderRunPod, ProviderCustom:
		return ProviderKind(s), nil
	}
	return "", fmt.Errorf("unknown provider kind %q", s)
}

// SnakeCaseNative reports whether the provider accepts canonical snake_case
// fields unchanged, enabling the translator fast path.
func (k ProviderKind) SnakeCaseNative() bool {
	switch k {
	case ProviderOpenAI, ProviderTogether, ProviderRunPod, ProviderCustom:
		return true
	default:
		return false
	}
}

// VLLMFamily reports whether the provider runs a vLLM-style server, which
// receives enable_thinking and friends under chat_template_kwargs.
func (k ProviderKind) VLLMFamily() bool {
	switch k {
	case ProviderRunPod, ProviderTogether, ProviderCustom:
		return true
	default:
		return false
	}
}

// Capabilities describes what an adapter for a given endpoint supports.
type Capabilities struct {
	Chat            bool
	Completion      bool
	Streaming       bool
	JSONMode        bool
	FunctionCalling bool
	Vision          bool
	Embeddings      bool
}

// CircuitBreakerConfig parameterises the per-endpoint breaker.
type CircuitBreakerConfig struct {
	Enabled                  bool
	FailureThreshold         int
	ResetTimeout             time.Duration
	MonitoringWindow         time.Duration
	MinRequestsThreshold     int
	ErrorThresholdPercentage float64
	TimeoutMultiplier        float64
	BaseTimeout              time.Duration
	MaxBackoffMultiplier     int
	TripCountDecayWindow     time.Duration
}

// HealthCheckConfig parameterises scheduled probes for an endpoint.
type HealthCheckConfig struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
}

// EndpointConfig is the immutable description of one upstream endpoint.
// Created at startup from configuration and shared read-only thereafter.
type EndpointConfig struct {
	ID                string
	Provider          ProviderKind
	Family            BedrockFamily // bedrock only
	CredentialRef     string
	APIBase           string
	UpstreamModelName string
	Priority          int
	Weight            int
	Timeout           time.Duration
	MaxConcurrent     int
	ProviderParams    map[string]any
	HealthCheckParams map[string]any
	StreamingParams   map[string]any
	CircuitBreaker    CircuitBreakerConfig
	HealthCheck       HealthCheckConfig
}

// ErrEndpointNotFound is returned when an endpoint id is not registered.
type ErrEndpointNotFound struct {
	ID string
}

func (e *ErrEndpointNotFound) Error() string {
	return fmt.Sprintf("endpoint not found: %s", e.ID)
}
