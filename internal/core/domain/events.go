package domain

import "time"

// EventType names the gateway events consumed by the metrics layer.
type EventType string

const (
	EventRequestStarted      EventType = "request-started"
	EventRequestSucceeded    EventType = "request-succeeded"
	EventRequestFailed       EventType = "request-failed"
	EventStateTransition     EventType = "endpoint-state-transition"
	EventPoolHealthChanged   EventType = "pool-health-changed"
	EventCircuitTripped      EventType = "circuit-tripped"
	EventRateLimitObserved   EventType = "rate-limit-observed"
	EventCredentialResolved  EventType = "credential-resolved"
	EventCredentialCacheEvct EventType = "credential-cache-evicted"
)

// GatewayEvent is the single event envelope published on the bus. Fields
// irrelevant to a given type are left zero.
type GatewayEvent struct {
	Type       EventType
	RequestID  string
	EndpointID string
	PoolID     string
	Model      string
	From       string
	To         string
	Reason     string
	Latency    time.Duration
	At         time.Time
}
