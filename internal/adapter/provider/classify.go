// Package provider implements the upstream adapters: one per endpoint,
// translating canonical requests to the provider wire format and performing
// the authenticated HTTP or streaming call.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/thushan/porter/internal/core/domain"
)

// CallError is the error every adapter returns for a failed upstream call.
// It carries the classification computed while the response body was still
// in hand.
type CallError struct {
	Class  domain.Classification
	Status int
	Err    error
}

func (e *CallError) Error() string {
	return e.Err.Error()
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Classify extracts the classification from an adapter error. Non-adapter
// errors fall back to transport-level bucketing.
func Classify(err error) domain.Classification {
	if err == nil {
		return domain.ClassSuccess
	}
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Class
	}
	return classifyErr(err)
}

// classifyStatus buckets an upstream HTTP status for breaker and retry
// decisions. The body is consulted for provider error types that reuse
// ambiguous status codes.
func classifyStatus(status int, body []byte) domain.Classification {
	errType := gjson.GetBytes(body, "error.type").String()
	errCode := gjson.GetBytes(body, "error.code").String()

	switch {
	// quota exhaustion will not clear on retry, even behind a 429
	case containsAny(errType, errCode, "quota", "content_policy", "content_filter", "model_not_supported"):
		return domain.ClassImmediate
	case status == 429, containsAny(errType, errCode, "throttl", "rate_limit", "too_many"):
		return domain.ClassRateLimited
	case containsAny(errType, errCode, "model_not_ready", "overloaded"):
		return domain.ClassTransient
	case status == 400, status == 401, status == 403, status == 404, status == 413, status == 422:
		return domain.ClassImmediate
	case status >= 500:
		return domain.ClassTransient
	case status >= 400:
		return domain.ClassImmediate
	}
	return domain.ClassTransient
}

func containsAny(a, b string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(a, n) || strings.Contains(b, n) {
			return true
		}
	}
	return false
}

// classifyErr buckets transport-level failures.
func classifyErr(err error) domain.Classification {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ClassTimeout
	case errors.Is(err, context.Canceled):
		return domain.ClassCancelled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ClassTimeout
	}
	return domain.ClassTransient
}

// upstreamError builds the error carried in a failed Outcome. The message
// embeds the status so the permanent-failure patterns can match on it.
func upstreamError(endpointID string, status int, body []byte) error {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = gjson.GetBytes(body, "message").String()
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
	}
	return fmt.Errorf("endpoint %s: upstream status %d %s: %s", endpointID, status, statusText(status), msg)
}

func statusText(status int) string {
	switch status {
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 408:
		return "Request Timeout"
	case 413:
		return "Payload Too Large"
	case 422:
		return "Unprocessable Entity"
	case 429:
		return "Too Many Requests"
	case 500:
		return "Internal Server Error"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	default:
		return ""
	}
}
