package provider

import (
	"fmt"
	"net/http"

	"github.com/thushan/porter/internal/core/constants"
	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/core/ports"
	"github.com/thushan/porter/internal/logger"
)

// New builds the adapter for an endpoint's provider kind. client may be nil,
// in which case a per-endpoint transport is created.
func New(ep *domain.EndpointConfig, client *http.Client, log *logger.StyledLogger) (ports.ProviderAdapter, error) {
	if client == nil {
		timeout := ep.Timeout
		if timeout <= 0 {
			timeout = constants.DefaultMaxProviderTimeout
		}
		client = newHTTPClient(timeout)
	}

	switch ep.Provider {
	case domain.ProviderOpenAI, domain.ProviderTogether, domain.ProviderRunPod, domain.ProviderCustom:
		return newOpenAIAdapter(ep, client, log), nil
	case domain.ProviderAnthropic:
		return newAnthropicAdapter(ep, client, log), nil
	case domain.ProviderBedrock:
		return newBedrockAdapter(ep, client, log), nil
	}
	return nil, fmt.Errorf("no adapter for provider kind %q", ep.Provider)
}
