// Package reqctx carries a request's identity and deadline through the
// dispatch engine. Every sub-operation derives its context here so that no
// child can outlive its parent.
package reqctx

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTimedOut is the cancellation cause set when the deadline timer fires.
	ErrTimedOut = errors.New("request timed out")
	// ErrNoTimeRemaining is returned when a sub-operation is requested after
	// the deadline has already passed. No I/O is attempted.
	ErrNoTimeRemaining = errors.New("no time remaining before deadline")
)

// RequestContext owns the lifetime of one inbound request: its id, start
// time, deadline and cancellation token. The originating handler owns it and
// must call Release when done.
type RequestContext struct {
	ID        string
	StartTime time.Time
	Deadline  time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
	timer  *time.Timer
}

// New creates a RequestContext with the given timeout budget. A background
// timer cancels the context with ErrTimedOut when the deadline passes.
func New(parent context.Context, requestID string, timeout time.Duration) *RequestContext {
	if requestID == "" {
		requestID = uuid.NewString()
	}

	now := time.Now()
	ctx, cancel := context.WithCancelCause(parent)

	rc := &RequestContext{
		ID:        requestID,
		StartTime: now,
		Deadline:  now.Add(timeout),
		ctx:       ctx,
		cancel:    cancel,
	}

	rc.timer = time.AfterFunc(timeout, func() {
		cancel(ErrTimedOut)
	})

	return rc
}

// Context returns the cancellation token for this request.
func (rc *RequestContext) Context() context.Context {
	return rc.ctx
}

// Remaining returns the time left before the deadline, floored at zero.
func (rc *RequestContext) Remaining() time.Duration {
	if rem := time.Until(rc.Deadline); rem > 0 {
		return rem
	}
	return 0
}

// Elapsed returns the time since the request started.
func (rc *RequestContext) Elapsed() time.Duration {
	return time.Since(rc.StartTime)
}

// IsCancelled reports whether the token has fired, for any reason.
func (rc *RequestContext) IsCancelled() bool {
	return rc.ctx.Err() != nil
}

// TimedOut reports whether cancellation was caused by the deadline timer.
func (rc *RequestContext) TimedOut() bool {
	return errors.Is(context.Cause(rc.ctx), ErrTimedOut)
}

// Cancel cancels the request with the given cause. Idempotent; later calls
// are no-ops.
func (rc *RequestContext) Cancel(cause error) {
	rc.cancel(cause)
}

// Child derives a context for a sub-operation bounded by
// min(requested, remaining). A request with nothing left fails immediately
// with ErrNoTimeRemaining so callers never start I/O they cannot finish.
func (rc *RequestContext) Child(requested time.Duration) (context.Context, context.CancelFunc, error) {
	remaining := rc.Remaining()
	if remaining <= 0 {
		return nil, nil, ErrNoTimeRemaining
	}
	if requested <= 0 || requested > remaining {
		requested = remaining
	}
	ctx, cancel := context.WithTimeout(rc.ctx, requested)
	return ctx, cancel, nil
}

// Release stops the deadline timer and cancels the token. Safe to call more
// than once.
func (rc *RequestContext) Release() {
	if rc.timer != nil {
		rc.timer.Stop()
	}
	rc.cancel(context.Canceled)
}
