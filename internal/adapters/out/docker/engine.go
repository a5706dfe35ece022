// Package docker implements the container engine adapter using the Docker
// API. The same adapter serves local hosts (unix socket) and remote hosts
// (dialer injected by the SSH tunnel), so callers never see the difference.
package docker

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/bnema/zerowrap"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"dcrp/internal/boundaries/out"
	"dcrp/internal/domain"
)

// Engine implements the ContainerEngine interface for one Docker host.
type Engine struct {
	client *client.Client
	hostID string
	log    zerowrap.Logger
}

var _ out.ContainerEngine = (*Engine)(nil)

// NewLocalEngine creates an engine over the local Docker socket (or
// DOCKER_HOST when set).
func NewLocalEngine(hostID string, log zerowrap.Logger) (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &Engine{client: cli, hostID: hostID, log: log}, nil
}

// DialFunc opens a connection to the engine socket; the SSH tunnel
// provides one for remote hosts.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// NewTunneledEngine creates an engine whose API calls are carried by dial,
// targeting the remote host's Docker socket.
func NewTunneledEngine(hostID, socketPath string, dial DialFunc, log zerowrap.Logger) (*Engine, error) {
	if socketPath == "" {
		socketPath = "/var/run/docker.sock"
	}
	cli, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socketPath),
		client.WithAPIVersionNegotiation(),
		client.WithDialContext(func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dial(ctx, "unix", socketPath)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tunneled Docker client: %w", err)
	}
	return &Engine{client: cli, hostID: hostID, log: log}, nil
}

// NewEngineWithClient creates an engine with a custom client (for testing).
func NewEngineWithClient(hostID string, cli *client.Client, log zerowrap.Logger) *Engine {
	return &Engine{client: cli, hostID: hostID, log: log}
}

// Events subscribes to container start/stop/die events for this host.
func (e *Engine) Events(ctx context.Context) (<-chan out.ContainerEvent, <-chan error) {
	f := filters.NewArgs()
	f.Add("type", string(events.ContainerEventType))
	f.Add("event", "start")
	f.Add("event", "stop")
	f.Add("event", "die")

	msgs, errs := e.client.Events(ctx, events.ListOptions{Filters: f})

	eventCh := make(chan out.ContainerEvent)
	errCh := make(chan error, 1)

	go func() {
		defer close(eventCh)
		defer close(errCh)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errs:
				if !ok {
					return
				}
				errCh <- err
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				eventCh <- out.ContainerEvent{
					Action:      string(msg.Action),
					ContainerID: msg.Actor.ID,
					Name:        msg.Actor.Attributes["name"],
					Labels:      msg.Actor.Attributes,
					TimeNano:    msg.TimeNano,
				}
			}
		}
	}()

	return eventCh, errCh
}

// ListContainers returns all currently running containers on the host.
func (e *Engine) ListContainers(ctx context.Context) ([]domain.Container, error) {
	containers, err := e.client.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list containers on %s: %w", e.hostID, err)
	}

	result := make([]domain.Container, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		ports := make(map[int]int, len(c.Ports))
		for _, p := range c.Ports {
			if p.PublicPort > 0 {
				ports[int(p.PrivatePort)] = int(p.PublicPort)
			}
		}
		result = append(result, domain.Container{
			ID:     c.ID,
			Name:   name,
			HostID: e.hostID,
			Labels: c.Labels,
			Ports:  ports,
		})
	}
	return result, nil
}

// InspectContainer returns a single container by id.
func (e *Engine) InspectContainer(ctx context.Context, containerID string) (domain.Container, error) {
	resp, err := e.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return domain.Container{}, fmt.Errorf("container %s on %s: %w", containerID, e.hostID, domain.ErrContainerGone)
		}
		return domain.Container{}, fmt.Errorf("inspect container %s on %s: %w", containerID, e.hostID, err)
	}

	c := domain.Container{
		ID:     resp.ID,
		Name:   strings.TrimPrefix(resp.Name, "/"),
		HostID: e.hostID,
		Ports:  map[int]int{},
	}
	if resp.Config != nil {
		c.Labels = resp.Config.Labels
	}
	if resp.NetworkSettings != nil {
		c.Ports = publishedPorts(resp.NetworkSettings.Ports)
	}
	return c, nil
}

// Ping verifies connectivity to the engine.
func (e *Engine) Ping(ctx context.Context) error {
	if _, err := e.client.Ping(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", e.hostID, err)
	}
	return nil
}

// Close releases the underlying connection.
func (e *Engine) Close() error {
	return e.client.Close()
}

func publishedPorts(ports nat.PortMap) map[int]int {
	out := make(map[int]int, len(ports))
	for port, bindings := range ports {
		if port.Proto() != "tcp" || len(bindings) == 0 {
			continue
		}
		private := port.Int()
		for _, b := range bindings {
			if hostPort, err := strconv.Atoi(b.HostPort); err == nil && hostPort > 0 {
				out[private] = hostPort
				break
			}
		}
	}
	return out
}
