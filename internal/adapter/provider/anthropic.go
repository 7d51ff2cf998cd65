package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/thushan/porter/internal/adapter/translator"
	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/logger"
)

const (
	anthropicMessagesPath  = "/v1/messages"
	anthropicAPIVersion    = "2023-06-01"
	anthropicVersionHeader = "anthropic-version"
	anthropicKeyHeader     = "x-api-key"
)

// AnthropicAdapter speaks the Anthropic messages API directly (not via
// Bedrock). Authentication is x-api-key, not a bearer token.
type AnthropicAdapter struct {
	httpBase
}

func newAnthropicAdapter(ep *domain.EndpointConfig, client *http.Client, log *logger.StyledLogger) *AnthropicAdapter {
	return &AnthropicAdapter{httpBase{ep: ep, client: client, logger: log}}
}

func (a *AnthropicAdapter) headers(cred domain.Credential) map[string]string {
	key := cred.APIKey
	if key == "" {
		key = cred.Token
	}
	return map[string]string{
		anthropicKeyHeader:     key,
		anthropicVersionHeader: anthropicAPIVersion,
	}
}

// anthropicResponse is the native /v1/messages response shape.
type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *AnthropicAdapter) Chat(ctx context.Context, req *domain.NormalisedRequest, cred domain.Credential) (*domain.Response, int, error) {
	payload, err := translator.Translate(a.ep, req, false)
	if err != nil {
		return nil, 0, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}

	resp, err := a.postJSON(ctx, joinURL(a.ep.APIBase, anthropicMessagesPath), body, a.headers(cred))
	if err != nil {
		return nil, 0, a.transportFailed(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, a.callFailed(resp)
	}
	defer resp.Body.Close()

	var native anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&native); err != nil {
		return nil, resp.StatusCode, a.transportFailed(fmt.Errorf("decoding response: %w", err))
	}
	return a.translateResponse(&native), resp.StatusCode, nil
}

func (a *AnthropicAdapter) translateResponse(native *anthropicResponse) *domain.Response {
	var text string
	for _, block := range native.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &domain.Response{
		ID:      native.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   native.Model,
		Choices: []domain.Choice{{
			Index:        0,
			Message:      domain.Message{Role: "assistant", Content: text},
			FinishReason: translator.CanonicalFinishReason(domain.ProviderAnthropic, "", native.StopReason),
		}},
		Usage: domain.Usage{
			PromptTokens:     native.Usage.InputTokens,
			CompletionTokens: native.Usage.OutputTokens,
			TotalTokens:      native.Usage.InputTokens + native.Usage.OutputTokens,
		},
	}
}

func (a *AnthropicAdapter) ChatStream(ctx context.Context, req *domain.NormalisedRequest, cred domain.Credential) (domain.Stream, int, error) {
	payload, err := translator.Translate(a.ep, req, true)
	if err != nil {
		return nil, 0, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}

	headers := a.headers(cred)
	headers["Accept"] = "text/event-stream"

	resp, err := a.postJSON(ctx, joinURL(a.ep.APIBase, anthropicMessagesPath), body, headers)
	if err != nil {
		return nil, 0, a.transportFailed(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, a.callFailed(resp)
	}

	streamID := "chatcmpl-" + uuid.NewString()
	out := make(chan domain.Chunk)
	go streamSSE(ctx, a.ep.ID, resp.Body, out, anthropicChunkTranslator(streamID, a.ep.UpstreamModelName), a.logger)
	return out, resp.StatusCode, nil
}

// anthropicStreamEvent covers the event payloads we translate; other event
// types (message_start, ping, content_block_start) carry no delta content.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func anthropicChunkTranslator(streamID, model string) chunkTranslator {
	created := time.Now().Unix()
	return func(data []byte) (domain.Chunk, bool, error) {
		var event anthropicStreamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return domain.Chunk{}, false, err
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta.Type != "text_delta" {
				return domain.Chunk{}, false, nil
			}
			return domain.Chunk{
				ID:      streamID,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []domain.ChunkChoice{{
					Index: event.Index,
					Delta: domain.Delta{Content: event.Delta.Text},
				}},
			}, true, nil

		case "message_delta":
			if event.Delta.StopReason == "" {
				return domain.Chunk{}, false, nil
			}
			return domain.Chunk{
				ID:      streamID,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []domain.ChunkChoice{{
					FinishReason: translator.CanonicalFinishReason(domain.ProviderAnthropic, "", event.Delta.StopReason),
				}},
			}, true, nil
		}
		return domain.Chunk{}, false, nil
	}
}

// HealthProbe sends a one-token ping; the messages API has no cheaper
// authenticated call.
func (a *AnthropicAdapter) HealthProbe(ctx context.Context, cred domain.Credential) error {
	ping := &domain.NormalisedRequest{
		Messages:          []domain.Message{{Role: "user", Content: "ping"}},
		MaxTokens:         1,
		ProviderOverrides: a.ep.HealthCheckParams,
	}
	_, _, err := a.Chat(ctx, ping, cred)
	return err
}

func (a *AnthropicAdapter) Capabilities() domain.Capabilities {
	return domain.Capabilities{
		Chat:            true,
		Streaming:       true,
		FunctionCalling: true,
		Vision:          true,
	}
}
