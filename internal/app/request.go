package app

import (
	"fmt"
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"

	"github.com/thushan/porter/internal/core/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxRequestBody caps inbound bodies; large prompts fit comfortably, abuse
// does not.
const maxRequestBody = 10 << 20

// canonicalKeys is every top-level field the canonical request models.
// Anything else in the body is passed through as a provider override.
var canonicalKeys = map[string]struct{}{
	"model":                      {},
	"messages":                   {},
	"max_tokens":                 {},
	"temperature":                {},
	"top_p":                      {},
	"top_k":                      {},
	"stop":                       {},
	"stream":                     {},
	"tools":                      {},
	"tool_choice":                {},
	"response_format":            {},
	"frequency_penalty":          {},
	"presence_penalty":           {},
	"user":                       {},
	"seed":                       {},
	"n":                          {},
	"min_p":                      {},
	"repetition_penalty":         {},
	"length_penalty":             {},
	"ignore_eos":                 {},
	"best_of":                    {},
	"echo":                       {},
	"logprobs":                   {},
	"logit_bias":                 {},
	"include_stop_str_in_output": {},
	"enable_thinking":            {},
}

// parseChatRequest reads the body into the canonical request, returning the
// model name separately. Unknown fields survive as provider overrides so a
// caller can reach provider-specific knobs without a gateway release.
func parseChatRequest(r *http.Request) (string, *domain.NormalisedRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return "", nil, fmt.Errorf("reading request body: %w", err)
	}
	if len(body) == 0 {
		return "", nil, fmt.Errorf("empty request body")
	}

	model := gjson.GetBytes(body, "model")
	if model.Type != gjson.String || model.Str == "" {
		return "", nil, fmt.Errorf("model field is required")
	}

	req := &domain.NormalisedRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		return "", nil, fmt.Errorf("invalid request body: %w", err)
	}
	if len(req.Messages) == 0 {
		return "", nil, fmt.Errorf("messages must not be empty")
	}

	var raw map[string]jsoniter.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", nil, fmt.Errorf("invalid request body: %w", err)
	}
	for key, value := range raw {
		if _, known := canonicalKeys[key]; known {
			continue
		}
		var v any
		if err := json.Unmarshal(value, &v); err != nil {
			continue
		}
		if req.ProviderOverrides == nil {
			req.ProviderOverrides = make(map[string]any)
		}
		req.ProviderOverrides[key] = v
	}

	return model.Str, req, nil
}
