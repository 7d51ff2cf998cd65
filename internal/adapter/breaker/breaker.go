// Package breaker implements the per-endpoint circuit breaker: a three-state
// machine with consecutive-failure, windowed-rate and immediate trips, and
// exponential back-off escalation for permanent failures.
package breaker

import (
	"sync"
	"time"

	"github.com/thushan/porter/internal/core/constants"
	"github.com/thushan/porter/internal/core/domain"
)

// State is the breaker's admission state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// TripReason records why a breaker opened.
type TripReason string

const (
	TripConsecutive TripReason = "consecutive-failures"
	TripWindowRate  TripReason = "windowed-error-rate"
	TripImmediate   TripReason = "immediate-failure"
	TripProbeFailed TripReason = "half-open-probe-failed"
)

// Transition is emitted to the observer on every state change.
type Transition struct {
	EndpointID string
	From       State
	To         State
	Reason     string
	At         time.Time
}

// maxTransitionHistory bounds the retained transition log per breaker.
const maxTransitionHistory = 32

type sample struct {
	at     time.Time
	failed bool
}

// Breaker guards one endpoint. All mutations run under its mutex; the health
// manager is the only owner and no reference to internal state escapes.
type Breaker struct {
	mu  sync.Mutex
	cfg domain.CircuitBreakerConfig

	endpointID string
	state      State

	consecutiveFailures  int
	consecutiveSuccesses int
	window               []sample

	openedAt             time.Time
	nextAttemptAt        time.Time
	tripCount            int
	lastTripAt           time.Time
	lastTripWasImmediate bool

	probeInFlight bool

	transitions  []Transition
	onTransition func(Transition)
}

// New creates a breaker with defaults applied for zero config fields.
func New(endpointID string, cfg domain.CircuitBreakerConfig, onTransition func(Transition)) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = constants.DefaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = constants.DefaultResetTimeout
	}
	if cfg.MonitoringWindow <= 0 {
		cfg.MonitoringWindow = constants.DefaultMonitoringWindow
	}
	if cfg.MinRequestsThreshold <= 0 {
		cfg.MinRequestsThreshold = constants.DefaultMinRequestsThreshold
	}
	if cfg.ErrorThresholdPercentage <= 0 {
		cfg.ErrorThresholdPercentage = constants.DefaultErrorThresholdPercent
	}
	if cfg.TimeoutMultiplier <= 0 {
		cfg.TimeoutMultiplier = constants.DefaultImmediateTimeoutFactor
	}
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = constants.DefaultImmediateBaseTimeout
	}
	if cfg.MaxBackoffMultiplier <= 0 {
		cfg.MaxBackoffMultiplier = constants.DefaultMaxBackoffMultiplier
	}

	return &Breaker{
		cfg:          cfg,
		endpointID:   endpointID,
		state:        StateClosed,
		onTransition: onTransition,
	}
}

// Decision is the admission verdict for one request.
type Decision struct {
	Allowed bool
	Probe   bool // the single half-open probe; pass back to Record*
}

// Allow consults the breaker before a request runs. An open breaker whose
// nextAttemptAt has passed transitions to half-open and admits exactly one
// probe; everything else while half-open is rejected.
func (b *Breaker) Allow(now time.Time) Decision {
	if !b.cfg.Enabled {
		return Decision{Allowed: true}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return Decision{Allowed: true}

	case StateOpen:
		if now.Before(b.nextAttemptAt) {
			return Decision{Allowed: false}
		}
		b.transition(StateHalfOpen, "reset timeout elapsed", now)
		b.probeInFlight = true
		return Decision{Allowed: true, Probe: true}

	case StateHalfOpen:
		if b.probeInFlight {
			return Decision{Allowed: false}
		}
		b.probeInFlight = true
		return Decision{Allowed: true, Probe: true}
	}

	return Decision{Allowed: true}
}

// RecordSuccess applies a successful outcome. A successful half-open probe
// closes the breaker and resets counters; the trip count survives if the
// last trip was an immediate failure, decaying only via the decay window.
func (b *Breaker) RecordSuccess(now time.Time, probe bool) {
	if !b.cfg.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneWindow(now)
	b.window = append(b.window, sample{at: now})
	b.consecutiveFailures = 0
	b.consecutiveSuccesses++
	b.decayTripCount(now)

	if b.state == StateHalfOpen && probe {
		b.probeInFlight = false
		b.transition(StateClosed, "probe succeeded", now)
		b.window = b.window[:0]
		if !b.lastTripWasImmediate {
			b.tripCount = 0
		}
	}
}

// RecordFailure applies a failed outcome with its classification. Immediate
// failures trip on first occurrence regardless of any counter state.
func (b *Breaker) RecordFailure(now time.Time, class domain.Classification, probe bool) {
	if !b.cfg.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneWindow(now)
	b.window = append(b.window, sample{at: now, failed: true})
	b.consecutiveSuccesses = 0
	b.consecutiveFailures++

	if b.state == StateHalfOpen && probe {
		b.probeInFlight = false
		if class == domain.ClassImmediate {
			b.trip(TripImmediate, class, now)
		} else {
			b.trip(TripProbeFailed, class, now)
		}
		return
	}

	if b.state != StateClosed {
		return
	}

	switch {
	case class == domain.ClassImmediate:
		b.trip(TripImmediate, class, now)
	case b.consecutiveFailures >= b.cfg.FailureThreshold:
		b.trip(TripConsecutive, class, now)
	case b.windowTripped():
		b.trip(TripWindowRate, class, now)
	}
}

// trip opens the breaker and computes the reopen horizon. Immediate trips
// escalate exponentially; others use the flat reset timeout.
func (b *Breaker) trip(reason TripReason, class domain.Classification, now time.Time) {
	if reason == TripImmediate {
		base := b.cfg.ResetTimeout * time.Duration(b.cfg.TimeoutMultiplier)
		if base < b.cfg.BaseTimeout {
			base = b.cfg.BaseTimeout
		}
		shift := b.tripCount
		if shift > b.cfg.MaxBackoffMultiplier {
			shift = b.cfg.MaxBackoffMultiplier
		}
		b.nextAttemptAt = now.Add(base * (1 << shift))
		b.lastTripWasImmediate = true
	} else {
		b.nextAttemptAt = now.Add(b.cfg.ResetTimeout)
		b.lastTripWasImmediate = class == domain.ClassImmediate
	}

	b.tripCount++
	b.lastTripAt = now
	b.openedAt = now
	b.probeInFlight = false
	b.transition(StateOpen, string(reason), now)
}

func (b *Breaker) windowTripped() bool {
	total := len(b.window)
	if total < b.cfg.MinRequestsThreshold {
		return false
	}
	failures := 0
	for _, s := range b.window {
		if s.failed {
			failures++
		}
	}
	return float64(failures)/float64(total)*100 >= b.cfg.ErrorThresholdPercentage
}

func (b *Breaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.MonitoringWindow)
	keep := b.window[:0]
	for _, s := range b.window {
		if s.at.After(cutoff) {
			keep = append(keep, s)
		}
	}
	b.window = keep
}

func (b *Breaker) decayTripCount(now time.Time) {
	if b.cfg.TripCountDecayWindow <= 0 || b.tripCount == 0 {
		return
	}
	if now.Sub(b.lastTripAt) > b.cfg.TripCountDecayWindow {
		b.tripCount = 0
		b.lastTripWasImmediate = false
	}
}

func (b *Breaker) transition(to State, reason string, now time.Time) {
	from := b.state
	b.state = to

	t := Transition{
		EndpointID: b.endpointID,
		From:       from,
		To:         to,
		Reason:     reason,
		At:         now,
	}

	b.transitions = append(b.transitions, t)
	if len(b.transitions) > maxTransitionHistory {
		b.transitions = b.transitions[len(b.transitions)-maxTransitionHistory:]
	}

	if b.onTransition != nil {
		b.onTransition(t)
	}
}

// Snapshot is a copy of the breaker's observable state.
type Snapshot struct {
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	WindowedRequests     int
	WindowedFailures     int
	OpenedAt             time.Time
	NextAttemptAt        time.Time
	TripCount            int
	Transitions          []Transition
}

// Snapshot returns a point-in-time copy for observability.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	failures := 0
	for _, s := range b.window {
		if s.failed {
			failures++
		}
	}

	return Snapshot{
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		WindowedRequests:     len(b.window),
		WindowedFailures:     failures,
		OpenedAt:             b.openedAt,
		NextAttemptAt:        b.nextAttemptAt,
		TripCount:            b.tripCount,
		Transitions:          append([]Transition(nil), b.transitions...),
	}
}

// ReleaseProbe frees the half-open probe slot without recording an outcome.
// Used when an admitted probe never reached the endpoint, such as when the
// caller's deadline expired or the caller cancelled before any I/O.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
}

// Available reports whether a request could be admitted now, without
// consuming the half-open probe slot.
func (b *Breaker) Available(now time.Time) bool {
	if !b.cfg.Enabled {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		return !now.Before(b.nextAttemptAt)
	case StateHalfOpen:
		return !b.probeInFlight
	default:
		return true
	}
}

// Reset returns the breaker to closed with cleared counters.
func (b *Breaker) Reset(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.transition(StateClosed, "manual reset", now)
	}
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.window = b.window[:0]
	b.tripCount = 0
	b.probeInFlight = false
	b.lastTripWasImmediate = false
}
