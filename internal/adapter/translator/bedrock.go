package translator

import (
	"fmt"
	"strings"

	"github.com/thushan/porter/internal/core/domain"
)

// defaultBedrockMaxTokens applies to families whose schema requires an
// explicit token budget when the caller omits one.
const defaultBedrockMaxTokens = 2048

// bedrockPayload dispatches on the endpoint's model family. The model id is
// never in the body; it is URL-encoded into the invoke path.
func bedrockPayload(ep *domain.EndpointConfig, req *domain.NormalisedRequest, stream bool) (map[string]any, error) {
	switch ep.Family {
	case domain.BedrockAnthropic:
		return anthropicPayload(ep, req, stream, true), nil
	case domain.BedrockLlama:
		return llamaPayload(req), nil
	case domain.BedrockTitan:
		return titanPayload(req), nil
	case domain.BedrockNova:
		return novaPayload(req), nil
	case domain.BedrockMistral:
		return mistralPayload(req), nil
	case domain.BedrockCohere:
		return coherePayload(req, stream), nil
	case domain.BedrockAI21:
		return ai21Payload(req), nil
	}
	return nil, fmt.Errorf("no translation for bedrock family %q", ep.Family)
}

// llamaPayload flattens the conversation into the Llama 3 instruct template.
func llamaPayload(req *domain.NormalisedRequest) map[string]any {
	var b strings.Builder
	b.WriteString("<|begin_of_text|>")
	for _, m := range req.Messages {
		b.WriteString("<|start_header_id|>")
		b.WriteString(m.Role)
		b.WriteString("<|end_header_id|>\n\n")
		b.WriteString(m.Content)
		b.WriteString("<|eot_id|>")
	}
	b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")

	payload := map[string]any{"prompt": b.String()}
	if req.MaxTokens > 0 {
		payload["max_gen_len"] = req.MaxTokens
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	return payload
}

// titanPayload collapses messages into inputText with textGenerationConfig.
func titanPayload(req *domain.NormalisedRequest) map[string]any {
	var b strings.Builder
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			b.WriteString(m.Content)
			b.WriteString("\n")
		case "assistant":
			b.WriteString("Bot: ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		default:
			b.WriteString("User: ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
	}
	b.WriteString("Bot:")

	config := map[string]any{}
	if req.MaxTokens > 0 {
		config["maxTokenCount"] = req.MaxTokens
	}
	if req.Temperature != nil {
		config["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		config["topP"] = *req.TopP
	}
	if len(req.Stop) > 0 {
		config["stopSequences"] = req.Stop
	}

	payload := map[string]any{"inputText": b.String()}
	if len(config) > 0 {
		payload["textGenerationConfig"] = config
	}
	return payload
}

// novaPayload restructures to the Nova converse-style schema: content blocks
// per message, camelCase inferenceConfig, system as its own block list.
func novaPayload(req *domain.NormalisedRequest) map[string]any {
	system, rest := req.SystemPrompt()

	messages := make([]map[string]any, 0, len(rest))
	for _, m := range rest {
		messages = append(messages, map[string]any{
			"role":    m.Role,
			"content": []map[string]any{{"text": m.Content}},
		})
	}

	payload := map[string]any{"messages": messages}
	if system != "" {
		payload["system"] = []map[string]any{{"text": system}}
	}

	config := map[string]any{}
	if req.MaxTokens > 0 {
		config["maxTokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		config["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		config["topP"] = *req.TopP
	}
	if req.TopK != nil {
		config["topK"] = *req.TopK
	}
	if len(req.Stop) > 0 {
		config["stopSequences"] = req.Stop
	}
	if len(config) > 0 {
		payload["inferenceConfig"] = config
	}
	return payload
}

// mistralPayload flattens the conversation into the [INST] template.
func mistralPayload(req *domain.NormalisedRequest) map[string]any {
	system, rest := req.SystemPrompt()

	var b strings.Builder
	b.WriteString("<s>")
	for _, m := range rest {
		if m.Role == "assistant" {
			b.WriteString(m.Content)
			b.WriteString("</s>")
			continue
		}
		b.WriteString("[INST] ")
		if system != "" {
			b.WriteString(system)
			b.WriteString("\n\n")
			system = ""
		}
		b.WriteString(m.Content)
		b.WriteString(" [/INST]")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultBedrockMaxTokens
	}

	payload := map[string]any{
		"prompt":     b.String(),
		"max_tokens": maxTokens,
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if len(req.Stop) > 0 {
		payload["stop"] = req.Stop
	}
	return payload
}

// coherePayload splits the conversation into the trailing message plus
// chat_history with USER/CHATBOT roles.
func coherePayload(req *domain.NormalisedRequest, stream bool) map[string]any {
	system, rest := req.SystemPrompt()

	var message string
	history := []map[string]any{}
	if len(rest) > 0 {
		message = rest[len(rest)-1].Content
		for _, m := range rest[:len(rest)-1] {
			role := "USER"
			if m.Role == "assistant" {
				role = "CHATBOT"
			}
			history = append(history, map[string]any{"role": role, "message": m.Content})
		}
	}

	payload := map[string]any{"message": message}
	if stream {
		payload["stream"] = true
	}
	if len(history) > 0 {
		payload["chat_history"] = history
	}
	if system != "" {
		payload["preamble"] = system
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["p"] = *req.TopP
	}
	if len(req.Stop) > 0 {
		payload["stop_sequences"] = req.Stop
	}
	return payload
}

// ai21Payload emits the Jamba chat schema, close to canonical.
func ai21Payload(req *domain.NormalisedRequest) map[string]any {
	payload := map[string]any{"messages": req.Messages}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if len(req.Stop) > 0 {
		payload["stop_sequences"] = req.Stop
	}
	if req.N != nil {
		payload["n"] = *req.N
	}
	return payload
}
