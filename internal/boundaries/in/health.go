package in

import (
	"context"

	"dcrp/internal/domain"
)

// HealthStatus is the aggregate health of the controller.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
)

// HealthReport aggregates per-host connection states.
type HealthReport struct {
	Status HealthStatus        `json:"status"`
	Hosts  []domain.HostStatus `json:"hosts"`
}

// HealthService reports host connectivity health.
type HealthService interface {
	Report(ctx context.Context) HealthReport
}

// HostService exposes the configured hosts and their connection state.
type HostService interface {
	// Hosts returns a snapshot of all configured hosts.
	Hosts(ctx context.Context) []domain.Host

	// SetState records a host connection state change.
	SetState(ctx context.Context, hostID string, state domain.ConnectionState)

	// RemoveHost cancels the host's worker and releases its connection.
	// Route removal for the host's monitor routes follows through the
	// discovery resync path.
	RemoveHost(ctx context.Context, hostID string) error
}
