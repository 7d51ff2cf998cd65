package domain

// Message is one turn of a canonical chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool mirrors the OpenAI function-tool shape.
type Tool struct {
	Type     string         `json:"type"`
	Function map[string]any `json:"function"`
}

// NormalisedRequest is the gateway's canonical chat request. It is immutable
// once handed to the router; adapters translate it, never modify it.
type NormalisedRequest struct {
	Messages          []Message      `json:"messages"`
	MaxTokens         int            `json:"max_tokens,omitempty"`
	Temperature       *float64       `json:"temperature,omitempty"`
	TopP              *float64       `json:"top_p,omitempty"`
	TopK              *int           `json:"top_k,omitempty"`
	Stop              []string       `json:"stop,omitempty"`
	Stream            bool           `json:"stream,omitempty"`
	Tools             []Tool         `json:"tools,omitempty"`
	ToolChoice        any            `json:"tool_choice,omitempty"`
	ResponseFormat    map[string]any `json:"response_format,omitempty"`
	FrequencyPenalty  *float64       `json:"frequency_penalty,omitempty"`
	PresencePenalty   *float64       `json:"presence_penalty,omitempty"`
	User              string         `json:"user,omitempty"`
	Seed              *int           `json:"seed,omitempty"`
	N                 *int           `json:"n,omitempty"`
	MinP              *float64       `json:"min_p,omitempty"`
	RepetitionPenalty *float64       `json:"repetition_penalty,omitempty"`
	LengthPenalty     *float64       `json:"length_penalty,omitempty"`
	IgnoreEOS         *bool          `json:"ignore_eos,omitempty"`
	BestOf            *int           `json:"best_of,omitempty"`
	Echo              *bool          `json:"echo,omitempty"`
	Logprobs          *bool          `json:"logprobs,omitempty"`
	LogitBias         map[string]any `json:"logit_bias,omitempty"`
	IncludeStopStr    *bool          `json:"include_stop_str_in_output,omitempty"`
	EnableThinking    *bool          `json:"enable_thinking,omitempty"`
	ProviderOverrides map[string]any `json:"-"`
}

// SystemPrompt extracts the system message (joined if repeated) and the
// remaining conversational messages. Anthropic-style providers take the
// system prompt out of band.
func (r *NormalisedRequest) SystemPrompt() (string, []Message) {
	var system string
	rest := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
