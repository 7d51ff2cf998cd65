// Package translator converts the canonical request into provider wire
// payloads. One function per family; undefined fields are never serialised.
package translator

import (
	"fmt"

	"github.com/thushan/porter/internal/core/domain"
)

// Translate builds the wire payload for the endpoint's provider family.
// stream is threaded separately so the same request can serve both modes.
func Translate(ep *domain.EndpointConfig, req *domain.NormalisedRequest, stream bool) (map[string]any, error) {
	var payload map[string]any
	var err error

	switch ep.Provider {
	case domain.ProviderOpenAI, domain.ProviderTogether, domain.ProviderRunPod, domain.ProviderCustom:
		payload = openAIPayload(ep, req, stream)
	case domain.ProviderAnthropic:
		payload = anthropicPayload(ep, req, stream, false)
	case domain.ProviderBedrock:
		payload, err = bedrockPayload(ep, req, stream)
	default:
		return nil, fmt.Errorf("no translation for provider kind %q", ep.Provider)
	}
	if err != nil {
		return nil, err
	}

	// precedence: family payload, then endpoint params, then the request's
	// own overrides
	mergeOverrides(payload, ep.ProviderParams)
	if stream {
		mergeOverrides(payload, ep.StreamingParams)
	}
	mergeOverrides(payload, req.ProviderOverrides)
	return payload, nil
}

// FastPathEligible reports whether the request can skip translation: the
// provider accepts canonical snake_case fields unchanged and no field needs
// restructuring for this family.
func FastPathEligible(ep *domain.EndpointConfig, req *domain.NormalisedRequest) bool {
	if !ep.Provider.SnakeCaseNative() {
		return false
	}
	// endpoint-level parameter injection needs the translation path
	if len(ep.ProviderParams) > 0 || len(ep.StreamingParams) > 0 {
		return false
	}
	// enable_thinking must be rehomed under chat_template_kwargs for
	// vLLM-style servers
	if ep.Provider.VLLMFamily() && req.EnableThinking != nil {
		return false
	}
	return true
}

// mergeOverrides applies providerOverrides last, shallow.
func mergeOverrides(payload map[string]any, overrides map[string]any) {
	for k, v := range overrides {
		payload[k] = v
	}
}

// Finish-reason mapping tables, canonicalising to the OpenAI vocabulary.
var anthropicFinishReasons = map[string]string{
	"end_turn":      "stop",
	"stop_sequence": "stop",
	"max_tokens":    "length",
	"tool_use":      "tool_calls",
}

var bedrockFinishReasons = map[string]string{
	"FINISH":           "stop",
	"COMPLETE":         "stop",
	"stop":             "stop",
	"END_TURN":         "stop",
	"LENGTH":           "length",
	"MAX_TOKENS":       "length",
	"length":           "length",
	"max_tokens":       "length",
	"CONTENT_FILTERED": "content_filter",
}

// CanonicalFinishReason maps a provider finish reason to the canonical set.
// Unknown reasons pass through unchanged.
func CanonicalFinishReason(kind domain.ProviderKind, family domain.BedrockFamily, reason string) string {
	if reason == "" {
		return ""
	}
	switch kind {
	case domain.ProviderAnthropic:
		if mapped, ok := anthropicFinishReasons[reason]; ok {
			return mapped
		}
	case domain.ProviderBedrock:
		if family == domain.BedrockAnthropic {
			if mapped, ok := anthropicFinishReasons[reason]; ok {
				return mapped
			}
		}
		if mapped, ok := bedrockFinishReasons[reason]; ok {
			return mapped
		}
	}
	return reason
}
