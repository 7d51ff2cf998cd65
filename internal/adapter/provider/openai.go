package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/thushan/porter/internal/adapter/translator"
	"github.com/thushan/porter/internal/core/constants"
	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/logger"
)

// OpenAIAdapter speaks the OpenAI chat-completions wire format. Together,
// RunPod and custom endpoints are the same protocol with different hosts.
type OpenAIAdapter struct {
	httpBase
}

func newOpenAIAdapter(ep *domain.EndpointConfig, client *http.Client, log *logger.StyledLogger) *OpenAIAdapter {
	return &OpenAIAdapter{httpBase{ep: ep, client: client, logger: log}}
}

// fastPathBody wraps the canonical request for direct serialisation when no
// field needs restructuring.
type fastPathBody struct {
	*domain.NormalisedRequest
	Model  string `json:"model"`
	Stream bool   `json:"stream,omitempty"`
}

func (a *OpenAIAdapter) marshalBody(req *domain.NormalisedRequest, stream bool) ([]byte, error) {
	if translator.FastPathEligible(a.ep, req) && len(req.ProviderOverrides) == 0 {
		return json.Marshal(fastPathBody{
			NormalisedRequest: req,
			Model:             a.ep.UpstreamModelName,
			Stream:            stream,
		})
	}

	payload, err := translator.Translate(a.ep, req, stream)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payload)
}

func (a *OpenAIAdapter) Chat(ctx context.Context, req *domain.NormalisedRequest, cred domain.Credential) (*domain.Response, int, error) {
	body, err := a.marshalBody(req, false)
	if err != nil {
		return nil, 0, err
	}

	resp, err := a.postJSON(ctx, joinURL(a.ep.APIBase, constants.PathV1ChatCompletions), body, cred.AuthHeaders())
	if err != nil {
		return nil, 0, a.transportFailed(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, a.callFailed(resp)
	}
	defer resp.Body.Close()

	var out domain.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, resp.StatusCode, a.transportFailed(fmt.Errorf("decoding response: %w", err))
	}
	return &out, resp.StatusCode, nil
}

func (a *OpenAIAdapter) ChatStream(ctx context.Context, req *domain.NormalisedRequest, cred domain.Credential) (domain.Stream, int, error) {
	body, err := a.marshalBody(req, true)
	if err != nil {
		return nil, 0, err
	}

	headers := cred.AuthHeaders()
	if headers == nil {
		headers = map[string]string{}
	}
	headers["Accept"] = "text/event-stream"

	resp, err := a.postJSON(ctx, joinURL(a.ep.APIBase, constants.PathV1ChatCompletions), body, headers)
	if err != nil {
		return nil, 0, a.transportFailed(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, a.callFailed(resp)
	}

	out := make(chan domain.Chunk)
	go streamSSE(ctx, a.ep.ID, resp.Body, out, translateOpenAIChunk, a.logger)
	return out, resp.StatusCode, nil
}

// translateOpenAIChunk parses a chunk already in the canonical shape.
func translateOpenAIChunk(data []byte) (domain.Chunk, bool, error) {
	var chunk domain.Chunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return domain.Chunk{}, false, err
	}
	return chunk, true, nil
}

// HealthProbe lists models, the cheapest authenticated call the protocol has.
// Endpoints with health-check params get a one-token chat ping instead, since
// the models listing takes no body to carry them.
func (a *OpenAIAdapter) HealthProbe(ctx context.Context, cred domain.Credential) error {
	if len(a.ep.HealthCheckParams) > 0 {
		ping := &domain.NormalisedRequest{
			Messages:          []domain.Message{{Role: "user", Content: "ping"}},
			MaxTokens:         1,
			ProviderOverrides: a.ep.HealthCheckParams,
		}
		_, _, err := a.Chat(ctx, ping, cred)
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(a.ep.APIBase, constants.PathV1Models), nil)
	if err != nil {
		return err
	}
	for k, v := range cred.AuthHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return a.transportFailed(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return a.callFailed(resp)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodySize))
	resp.Body.Close()
	return nil
}

func (a *OpenAIAdapter) Capabilities() domain.Capabilities {
	return domain.Capabilities{
		Chat:            true,
		Completion:      true,
		Streaming:       true,
		JSONMode:        true,
		FunctionCalling: true,
		Vision:          a.ep.Provider == domain.ProviderOpenAI,
		Embeddings:      a.ep.Provider == domain.ProviderOpenAI,
	}
}
