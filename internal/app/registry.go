package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bnema/zerowrap"

	"dcrp/internal/boundaries/in"
	"dcrp/internal/domain"
)

// HostRegistry tracks configured hosts, their connection state, and the
// worker goroutines serving them. Hosts enter the registry at startup or by
// explicit registration and leave only through RemoveHost; a host that stops
// responding stays registered in a degraded state.
type HostRegistry struct {
	log zerowrap.Logger

	mu    sync.RWMutex
	hosts map[string]*hostEntry
}

type hostEntry struct {
	host   domain.Host
	cancel context.CancelFunc
}

var _ in.HostService = (*HostRegistry)(nil)

// NewHostRegistry creates an empty host registry.
func NewHostRegistry(log zerowrap.Logger) *HostRegistry {
	return &HostRegistry{
		log:   log,
		hosts: make(map[string]*hostEntry),
	}
}

// Register adds a host and the cancel func that tears down its worker.
func (r *HostRegistry) Register(host domain.Host, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.hosts[host.ID]; exists {
		return fmt.Errorf("%w: host %s already registered", domain.ErrInvalidConfig, host.ID)
	}
	r.hosts[host.ID] = &hostEntry{host: host, cancel: cancel}
	return nil
}

// Hosts returns a snapshot of all registered hosts, sorted by id.
func (r *HostRegistry) Hosts(ctx context.Context) []domain.Host {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hosts := make([]domain.Host, 0, len(r.hosts))
	for _, entry := range r.hosts {
		hosts = append(hosts, entry.host)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].ID < hosts[j].ID })
	return hosts
}

// SetState records a connection state change for a host.
func (r *HostRegistry) SetState(ctx context.Context, hostID string, state domain.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.hosts[hostID]
	if !ok {
		return
	}
	entry.host.State = state
	if state == domain.ConnectionConnected {
		entry.host.LastSeen = time.Now()
	}
}

// RemoveHost cancels the host's worker and drops it from the registry. The
// host's discovered routes drain through the normal removal path once the
// worker's context is cancelled.
func (r *HostRegistry) RemoveHost(ctx context.Context, hostID string) error {
	r.mu.Lock()
	entry, ok := r.hosts[hostID]
	if ok {
		delete(r.hosts, hostID)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrHostNotFound, hostID)
	}
	if entry.cancel != nil {
		entry.cancel()
	}
	r.log.Info().Str(zerowrap.FieldHost, hostID).Msg("host removed")
	return nil
}

// HostStateHandler feeds host.state events into the registry.
type HostStateHandler struct {
	ctx      context.Context
	registry *HostRegistry
}

// NewHostStateHandler creates a bus handler that updates the registry.
func NewHostStateHandler(ctx context.Context, registry *HostRegistry) *HostStateHandler {
	return &HostStateHandler{ctx: ctx, registry: registry}
}

// CanHandle reports whether this handler processes the event type.
func (h *HostStateHandler) CanHandle(eventType domain.EventType) bool {
	return eventType == domain.EventHostState
}

// Handle applies the state change to the registry.
func (h *HostStateHandler) Handle(event domain.Event) error {
	payload, ok := event.Data.(domain.HostStatePayload)
	if !ok {
		return fmt.Errorf("unexpected payload type %T for %s", event.Data, event.Type)
	}
	h.registry.SetState(h.ctx, payload.HostID, payload.State)
	return nil
}
