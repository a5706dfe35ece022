package domain

import "time"

// EventType defines the type of event that occurred.
type EventType string

const (
	EventRouteIntent  EventType = "route.intent"
	EventConfigReload EventType = "config.reload"
	EventHostState    EventType = "host.state"
)

// Event represents a domain event published on the bus.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	HostID    string
	Data      any
}

// IntentOp describes what a route.intent event carries.
type IntentOp string

const (
	IntentUpsert IntentOp = "upsert"
	IntentRemove IntentOp = "remove"
)

// RouteIntentPayload contains data for route.intent events. For removals only
// RouteID and Version of the Intent are meaningful.
type RouteIntentPayload struct {
	Op     IntentOp
	Intent RouteIntent
}

// HostStatePayload contains data for host.state events.
type HostStatePayload struct {
	HostID string
	State  ConnectionState
}

// ConfigReloadPayload contains data for config.reload events.
type ConfigReloadPayload struct {
	Source string // "config" or "static_routes"
}
