// Package out defines output ports (interfaces) for infrastructure.
// These interfaces define the contract between use cases and driven adapters
// (Docker, proxy admin API, event bus).
package out

import (
	"context"

	"dcrp/internal/domain"
)

// ContainerEvent is a normalized container lifecycle event from the engine.
type ContainerEvent struct {
	Action      string // "start", "stop", "die"
	ContainerID string
	Name        string
	Labels      map[string]string
	TimeNano    int64
}

// ContainerEngine abstracts the Docker API of a single host. Implementations
// behave identically whether the host is reached over the local socket or an
// SSH tunnel, so callers stay host-kind agnostic.
type ContainerEngine interface {
	// Events subscribes to container start/stop/die events. The event
	// channel preserves the host's event order. Both channels close when
	// the stream ends; a stream failure is reported on the error channel.
	Events(ctx context.Context) (<-chan ContainerEvent, <-chan error)

	// ListContainers returns all currently running containers.
	ListContainers(ctx context.Context) ([]domain.Container, error)

	// InspectContainer returns a single container by id.
	InspectContainer(ctx context.Context, containerID string) (domain.Container, error)

	// Ping verifies connectivity to the engine.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}
