package translator

import "github.com/thushan/porter/internal/core/domain"

// bedrockAnthropicVersion is the fixed version marker Bedrock requires in
// Anthropic-family invoke bodies.
const bedrockAnthropicVersion = "bedrock-2023-05-31"

// defaultAnthropicMaxTokens applies when the caller omits max_tokens; the
// Anthropic API requires it.
const defaultAnthropicMaxTokens = 4096

// anthropicPayload emits the /v1/messages body. With bedrock set, the model
// moves into the URL and anthropic_version replaces it.
func anthropicPayload(ep *domain.EndpointConfig, req *domain.NormalisedRequest, stream, bedrock bool) map[string]any {
	system, messages := req.SystemPrompt()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	payload := map[string]any{
		"messages":   messages,
		"max_tokens": maxTokens,
	}

	if bedrock {
		payload["anthropic_version"] = bedrockAnthropicVersion
	} else {
		payload["model"] = ep.UpstreamModelName
		if stream {
			payload["stream"] = true
		}
	}

	if system != "" {
		payload["system"] = system
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if req.TopK != nil {
		payload["top_k"] = *req.TopK
	}
	if len(req.Stop) > 0 {
		payload["stop_sequences"] = req.Stop
	}
	if len(req.Tools) > 0 {
		payload["tools"] = anthropicTools(req.Tools)
	}
	if req.User != "" {
		payload["metadata"] = map[string]any{"user_id": req.User}
	}

	return payload
}

// anthropicTools reshapes OpenAI function tools into the Anthropic tool
// schema: name and description at the top level, parameters as input_schema.
func anthropicTools(tools []domain.Tool) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		tool := map[string]any{}
		if name, ok := t.Function["name"]; ok {
			tool["name"] = name
		}
		if desc, ok := t.Function["description"]; ok {
			tool["description"] = desc
		}
		if params, ok := t.Function["parameters"]; ok {
			tool["input_schema"] = params
		}
		out = append(out, tool)
	}
	return out
}
