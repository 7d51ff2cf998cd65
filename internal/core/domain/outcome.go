package domain

import (
	"errors"
	"fmt"
	"time"
)

// Classification buckets an upstream outcome for breaker and retry decisions.
type Classification string

const (
	ClassSuccess     Classification = "success"
	ClassTransient   Classification = "transient"
	ClassRateLimited Classification = "rate-limited"
	ClassImmediate   Classification = "immediate-failure"
	ClassTimeout     Classification = "timeout"
	ClassCancelled   Classification = "cancelled"
)

// Retryable reports whether the router may move on to another endpoint after
// this outcome. Immediate failures are retryable on a different endpoint but
// never on the same one; that distinction lives in the router.
func (c Classification) Retryable() bool {
	switch c {
	case ClassTransient, ClassRateLimited, ClassImmediate:
		return true
	default:
		return false
	}
}

// CountsAsFailure reports whether the breaker records this outcome.
func (c Classification) CountsAsFailure() bool {
	switch c {
	case ClassTransient, ClassRateLimited, ClassImmediate, ClassTimeout:
		return true
	default:
		return false
	}
}

// Outcome is the result of one adapter call, as seen by the health manager.
type Outcome struct {
	OK             bool
	Response       *Response
	Stream         Stream
	Err            error
	Latency        time.Duration
	StatusCode     int
	Classification Classification
}

// Gateway error codes, the stable `code` values carried in user-visible
// failure bodies.
const (
	CodeTimeout            = "request_timeout"
	CodeCancelled          = "request_cancelled"
	CodeCircuitOpen        = "circuit_open"
	CodeTransient          = "upstream_error"
	CodeRateLimited        = "rate_limited"
	CodeImmediateFailure   = "upstream_rejected"
	CodeCredentialError    = "credential_error"
	CodeModelUnknown       = "model_unknown"
	CodeEndpointsExhausted = "all_endpoints_exhausted"
	CodeAtCapacity         = "at_capacity"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrAtCapacity      = errors.New("endpoint at capacity")
	ErrDeadlineTooLow  = errors.New("insufficient time remaining")
	ErrStreamNotReplay = errors.New("streams are not replayed across endpoints")
)

// GatewayError is the single user-visible error shape. The router is the only
// place that constructs these for callers.
type GatewayError struct {
	Code       string
	Type       string
	Message    string
	HTTPStatus int
	RequestID  string
	EndpointID string
	PoolID     string
	Err        error
}

func (e *GatewayError) Error() string {
	if e.EndpointID != "" {
		return fmt.Sprintf("%s (endpoint %s): %s", e.Code, e.EndpointID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewModelUnknownError reports a model with no pool mapping; no endpoint was
// attempted.
func NewModelUnknownError(model, requestID string) *GatewayError {
	return &GatewayError{
		Code:       CodeModelUnknown,
		Type:       "invalid_request_error",
		Message:    fmt.Sprintf("model %q is not configured", model),
		HTTPStatus: 400,
		RequestID:  requestID,
	}
}

// NewTimeoutError reports deadline exhaustion, surfaced as 408.
func NewTimeoutError(requestID string, err error) *GatewayError {
	return &GatewayError{
		Code:       CodeTimeout,
		Type:       "timeout_error",
		Message:    "request deadline exceeded",
		HTTPStatus: 408,
		RequestID:  requestID,
		Err:        err,
	}
}

// NewExhaustedError reports pool-chain exhaustion, carrying the last
// underlying error, surfaced as 503.
func NewExhaustedError(requestID string, last error) *GatewayError {
	msg := "all endpoints exhausted"
	if last != nil {
		msg = fmt.Sprintf("all endpoints exhausted: %v", last)
	}
	return &GatewayError{
		Code:       CodeEndpointsExhausted,
		Type:       "service_unavailable_error",
		Message:    msg,
		HTTPStatus: 503,
		RequestID:  requestID,
		Err:        last,
	}
}
