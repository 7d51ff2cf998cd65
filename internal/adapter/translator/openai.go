package translator

import "github.com/thushan/porter/internal/core/domain"

// openAIPayload emits the canonical snake_case body. Together, RunPod and
// custom endpoints share this shape; the vLLM-family additions go under
// chat_template_kwargs.
func openAIPayload(ep *domain.EndpointConfig, req *domain.NormalisedRequest, stream bool) map[string]any {
	payload := map[string]any{
		"model":    ep.UpstreamModelName,
		"messages": req.Messages,
	}
	if stream {
		payload["stream"] = true
	}

	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
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
		payload["stop"] = req.Stop
	}
	if len(req.Tools) > 0 {
		payload["tools"] = req.Tools
	}
	if req.ToolChoice != nil {
		payload["tool_choice"] = req.ToolChoice
	}
	if req.ResponseFormat != nil {
		payload["response_format"] = req.ResponseFormat
	}
	if req.FrequencyPenalty != nil {
		payload["frequency_penalty"] = *req.FrequencyPenalty
	}
	if req.PresencePenalty != nil {
		payload["presence_penalty"] = *req.PresencePenalty
	}
	if req.User != "" {
		payload["user"] = req.User
	}
	if req.Seed != nil {
		payload["seed"] = *req.Seed
	}
	if req.N != nil {
		payload["n"] = *req.N
	}
	if req.MinP != nil {
		payload["min_p"] = *req.MinP
	}
	if req.RepetitionPenalty != nil {
		payload["repetition_penalty"] = *req.RepetitionPenalty
	}
	if req.LengthPenalty != nil {
		payload["length_penalty"] = *req.LengthPenalty
	}
	if req.IgnoreEOS != nil {
		payload["ignore_eos"] = *req.IgnoreEOS
	}
	if req.BestOf != nil {
		payload["best_of"] = *req.BestOf
	}
	if req.Echo != nil {
		payload["echo"] = *req.Echo
	}
	if req.Logprobs != nil {
		payload["logprobs"] = *req.Logprobs
	}
	if req.LogitBias != nil {
		payload["logit_bias"] = req.LogitBias
	}
	if req.IncludeStopStr != nil {
		payload["include_stop_str_in_output"] = *req.IncludeStopStr
	}

	if req.EnableThinking != nil {
		if ep.Provider.VLLMFamily() {
			payload["chat_template_kwargs"] = map[string]any{
				"enable_thinking": *req.EnableThinking,
			}
		} else {
			payload["enable_thinking"] = *req.EnableThinking
		}
	}

	return payload
}
