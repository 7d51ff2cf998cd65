package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/thushan/porter/internal/adapter/translator"
	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/logger"
)

const bedrockServiceName = "bedrock"

// BedrockAdapter invokes models through the Bedrock runtime API. Every call
// is SigV4-signed; the model id lives in the URL, the family decides the body
// schema and the response shape.
type BedrockAdapter struct {
	httpBase
	signer *v4.Signer
}

func newBedrockAdapter(ep *domain.EndpointConfig, client *http.Client, log *logger.StyledLogger) *BedrockAdapter {
	return &BedrockAdapter{
		httpBase: httpBase{ep: ep, client: client, logger: log},
		signer:   v4.NewSigner(),
	}
}

// invokeURL builds the runtime URL for the endpoint's model. api_base
// overrides the regional default, which testing and private endpoints use.
func (a *BedrockAdapter) invokeURL(region string, stream bool) string {
	base := a.ep.APIBase
	if base == "" {
		base = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)
	}
	action := "invoke"
	if stream {
		action = "invoke-with-response-stream"
	}
	return fmt.Sprintf("%s/model/%s/%s", base, url.PathEscape(a.ep.UpstreamModelName), action)
}

// signedPost builds, signs and sends one invoke request.
func (a *BedrockAdapter) signedPost(ctx context.Context, cred domain.Credential, payload []byte, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.invokeURL(cred.AWS.Region, stream), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", a.ep.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if stream {
		req.Header.Set("Accept", "application/vnd.amazon.eventstream")
	}

	hash := sha256.Sum256(payload)
	awsCreds := aws.Credentials{
		AccessKeyID:     cred.AWS.AccessKeyID,
		SecretAccessKey: cred.AWS.SecretAccessKey,
		SessionToken:    cred.AWS.SessionToken,
	}
	if err := a.signer.SignHTTP(ctx, awsCreds, req, hex.EncodeToString(hash[:]), bedrockServiceName, cred.AWS.Region, time.Now()); err != nil {
		return nil, fmt.Errorf("signing request for %s: %w", a.ep.ID, err)
	}

	return a.client.Do(req)
}

func (a *BedrockAdapter) Chat(ctx context.Context, req *domain.NormalisedRequest, cred domain.Credential) (*domain.Response, int, error) {
	payload, err := translator.Translate(a.ep, req, false)
	if err != nil {
		return nil, 0, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}

	resp, err := a.signedPost(ctx, cred, body, false)
	if err != nil {
		return nil, 0, a.transportFailed(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, a.callFailed(resp)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, a.transportFailed(err)
	}

	out, err := a.translateResponse(raw)
	if err != nil {
		return nil, resp.StatusCode, a.transportFailed(err)
	}
	return out, resp.StatusCode, nil
}

// translateResponse maps the family-specific invoke response to canonical.
func (a *BedrockAdapter) translateResponse(raw []byte) (*domain.Response, error) {
	var content, finish string
	var promptTokens, completionTokens int

	switch a.ep.Family {
	case domain.BedrockAnthropic:
		for _, block := range gjson.GetBytes(raw, "content").Array() {
			if block.Get("type").String() == "text" {
				content += block.Get("text").String()
			}
		}
		finish = gjson.GetBytes(raw, "stop_reason").String()
		promptTokens = int(gjson.GetBytes(raw, "usage.input_tokens").Int())
		completionTokens = int(gjson.GetBytes(raw, "usage.output_tokens").Int())

	case domain.BedrockLlama:
		content = gjson.GetBytes(raw, "generation").String()
		finish = gjson.GetBytes(raw, "stop_reason").String()
		promptTokens = int(gjson.GetBytes(raw, "prompt_token_count").Int())
		completionTokens = int(gjson.GetBytes(raw, "generation_token_count").Int())

	case domain.BedrockTitan:
		result := gjson.GetBytes(raw, "results.0")
		content = result.Get("outputText").String()
		finish = result.Get("completionReason").String()
		promptTokens = int(gjson.GetBytes(raw, "inputTextTokenCount").Int())
		completionTokens = int(result.Get("tokenCount").Int())

	case domain.BedrockNova:
		for _, block := range gjson.GetBytes(raw, "output.message.content").Array() {
			content += block.Get("text").String()
		}
		finish = gjson.GetBytes(raw, "stopReason").String()
		promptTokens = int(gjson.GetBytes(raw, "usage.inputTokens").Int())
		completionTokens = int(gjson.GetBytes(raw, "usage.outputTokens").Int())

	case domain.BedrockMistral:
		output := gjson.GetBytes(raw, "outputs.0")
		content = output.Get("text").String()
		finish = output.Get("stop_reason").String()

	case domain.BedrockCohere:
		content = gjson.GetBytes(raw, "text").String()
		finish = gjson.GetBytes(raw, "finish_reason").String()

	case domain.BedrockAI21:
		choice := gjson.GetBytes(raw, "choices.0")
		content = choice.Get("message.content").String()
		finish = choice.Get("finish_reason").String()
		promptTokens = int(gjson.GetBytes(raw, "usage.prompt_tokens").Int())
		completionTokens = int(gjson.GetBytes(raw, "usage.completion_tokens").Int())

	default:
		return nil, fmt.Errorf("no response translation for bedrock family %q", a.ep.Family)
	}

	return &domain.Response{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   a.ep.UpstreamModelName,
		Choices: []domain.Choice{{
			Index:        0,
			Message:      domain.Message{Role: "assistant", Content: content},
			FinishReason: translator.CanonicalFinishReason(domain.ProviderBedrock, a.ep.Family, finish),
		}},
		Usage: domain.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

func (a *BedrockAdapter) ChatStream(ctx context.Context, req *domain.NormalisedRequest, cred domain.Credential) (domain.Stream, int, error) {
	payload, err := translator.Translate(a.ep, req, true)
	if err != nil {
		return nil, 0, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}

	resp, err := a.signedPost(ctx, cred, body, true)
	if err != nil {
		return nil, 0, a.transportFailed(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, a.callFailed(resp)
	}

	out := make(chan domain.Chunk)
	go a.streamEvents(ctx, resp.Body, out)
	return out, resp.StatusCode, nil
}

// streamEvents decodes the AWS event stream and translates each chunk event.
// Malformed chunk payloads are logged and skipped; exception events and
// transport errors end the stream with a stream-level error.
func (a *BedrockAdapter) streamEvents(ctx context.Context, body io.ReadCloser, out chan<- domain.Chunk) {
	defer close(out)
	defer body.Close()

	streamID := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	decoder := eventstream.NewDecoder()
	payloadBuf := make([]byte, 0, 32*1024)

	for {
		msg, err := decoder.Decode(body, payloadBuf)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			select {
			case out <- domain.Chunk{Err: fmt.Errorf("endpoint %s: event stream: %w", a.ep.ID, err)}:
			case <-ctx.Done():
			}
			return
		}

		messageType := headerString(msg, ":message-type")
		if messageType == "exception" || messageType == "error" {
			select {
			case out <- domain.Chunk{Err: fmt.Errorf("endpoint %s: event stream %s: %s", a.ep.ID, headerString(msg, ":exception-type"), string(msg.Payload))}:
			case <-ctx.Done():
			}
			return
		}
		if headerString(msg, ":event-type") != "chunk" {
			continue
		}

		// chunk payloads wrap the family JSON in base64 under "bytes"
		encoded := gjson.GetBytes(msg.Payload, "bytes").String()
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			if a.logger != nil {
				a.logger.WarnWithEndpoint("Skipping malformed stream chunk", a.ep.ID, "error", err)
			}
			continue
		}

		chunk, ok := a.translateChunk(streamID, created, raw)
		if !ok {
			continue
		}

		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
	}
}

func headerString(msg eventstream.Message, name string) string {
	for _, h := range msg.Headers {
		if h.Name == name {
			if s, ok := h.Value.(eventstream.StringValue); ok {
				return string(s)
			}
		}
	}
	return ""
}

// translateChunk maps one decoded family payload to a canonical chunk.
// ok=false drops events that carry neither content nor a finish reason.
func (a *BedrockAdapter) translateChunk(streamID string, created int64, raw []byte) (domain.Chunk, bool) {
	var content, finish string

	switch a.ep.Family {
	case domain.BedrockAnthropic:
		switch gjson.GetBytes(raw, "type").String() {
		case "content_block_delta":
			content = gjson.GetBytes(raw, "delta.text").String()
		case "message_delta":
			finish = gjson.GetBytes(raw, "delta.stop_reason").String()
		default:
			return domain.Chunk{}, false
		}

	case domain.BedrockLlama:
		content = gjson.GetBytes(raw, "generation").String()
		finish = gjson.GetBytes(raw, "stop_reason").String()

	case domain.BedrockTitan:
		content = gjson.GetBytes(raw, "outputText").String()
		finish = gjson.GetBytes(raw, "completionReason").String()

	case domain.BedrockNova:
		if delta := gjson.GetBytes(raw, "contentBlockDelta.delta.text"); delta.Exists() {
			content = delta.String()
		} else if stop := gjson.GetBytes(raw, "messageStop.stopReason"); stop.Exists() {
			finish = stop.String()
		} else {
			return domain.Chunk{}, false
		}

	case domain.BedrockMistral:
		output := gjson.GetBytes(raw, "outputs.0")
		content = output.Get("text").String()
		finish = output.Get("stop_reason").String()

	case domain.BedrockCohere:
		content = gjson.GetBytes(raw, "text").String()
		if gjson.GetBytes(raw, "is_finished").Bool() {
			finish = gjson.GetBytes(raw, "finish_reason").String()
		}

	case domain.BedrockAI21:
		choice := gjson.GetBytes(raw, "choices.0")
		content = choice.Get("delta.content").String()
		finish = choice.Get("finish_reason").String()

	default:
		return domain.Chunk{}, false
	}

	if content == "" && finish == "" {
		return domain.Chunk{}, false
	}

	choice := domain.ChunkChoice{Delta: domain.Delta{Content: content}}
	if finish != "" {
		choice.FinishReason = translator.CanonicalFinishReason(domain.ProviderBedrock, a.ep.Family, finish)
	}

	return domain.Chunk{
		ID:      streamID,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   a.ep.UpstreamModelName,
		Choices: []domain.ChunkChoice{choice},
	}, true
}

// HealthProbe sends a one-token ping through the invoke path; Bedrock has no
// unauthenticated liveness surface per model.
func (a *BedrockAdapter) HealthProbe(ctx context.Context, cred domain.Credential) error {
	ping := &domain.NormalisedRequest{
		Messages:          []domain.Message{{Role: "user", Content: "ping"}},
		MaxTokens:         1,
		ProviderOverrides: a.ep.HealthCheckParams,
	}
	_, _, err := a.Chat(ctx, ping, cred)
	return err
}

func (a *BedrockAdapter) Capabilities() domain.Capabilities {
	caps := domain.Capabilities{
		Chat:      true,
		Streaming: true,
	}
	if a.ep.Family == domain.BedrockAnthropic || a.ep.Family == domain.BedrockNova {
		caps.FunctionCalling = true
		caps.Vision = true
	}
	return caps
}
