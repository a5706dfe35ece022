// Package discovery implements the per-host discovery agent. It consumes
// the host's container event stream, derives route intents from labels, and
// publishes them for the route store. One agent runs per configured host;
// agents are fully isolated from each other.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bnema/zerowrap"

	"dcrp/internal/boundaries/out"
	"dcrp/internal/domain"
	"dcrp/pkg/backoff"
)

// KnownRoutes is the slice of the route store the agent consults during
// resync to find orphaned routes for its host.
type KnownRoutes interface {
	MonitorRouteIDs(hostID string) []string
}

// Config holds per-agent settings.
type Config struct {
	HostID       string
	UpstreamHost string // address upstreams are reachable at, e.g. the host's hostname
	Backoff      backoff.Policy
}

// Agent watches one host's containers and keeps the route store informed.
type Agent struct {
	cfg    Config
	engine out.ContainerEngine
	bus    out.EventPublisher
	known  KnownRoutes

	mu     sync.Mutex
	routes map[string]string // container id -> route id
}

// NewAgent creates a discovery agent for one host.
func NewAgent(cfg Config, engine out.ContainerEngine, bus out.EventPublisher, known KnownRoutes) *Agent {
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = backoff.New(time.Second, 30*time.Second)
	}
	return &Agent{
		cfg:    cfg,
		engine: engine,
		bus:    bus,
		known:  known,
		routes: make(map[string]string),
	}
}

// Run consumes the event stream until ctx is cancelled, reconnecting with
// backoff after stream failures. Every (re)connect starts with a full
// resync: the stream may have silently dropped events across the
// disconnect window.
func (a *Agent) Run(ctx context.Context) {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldUseCase: "discovery",
		zerowrap.FieldHost:    a.cfg.HostID,
	})
	log := zerowrap.FromCtx(ctx)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		started := time.Now()
		err := a.watch(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > time.Minute {
			// The stream held for a while; treat this as a fresh outage.
			attempt = 0
		}

		delay := a.cfg.Backoff.Delay(attempt)
		attempt++
		log.Warn().Err(err).Dur("retry_in", delay).Int("attempt", attempt).
			Msg("event stream lost, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// watch performs one resync-then-stream cycle. It returns when the stream
// breaks.
func (a *Agent) watch(ctx context.Context) error {
	log := zerowrap.FromCtx(ctx)

	// Subscribe before listing so nothing slips between the two.
	events, errs := a.engine.Events(ctx)

	if err := a.Resync(ctx); err != nil {
		return fmt.Errorf("resync: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				return errors.New("event stream closed")
			}
			return err
		case ev, ok := <-events:
			if !ok {
				return errors.New("event stream closed")
			}
			a.handleEvent(ctx, ev)
			log.Debug().Str("action", ev.Action).Str(zerowrap.FieldEntityID, ev.ContainerID).Msg("container event")
		}
	}
}

func (a *Agent) handleEvent(ctx context.Context, ev out.ContainerEvent) {
	switch ev.Action {
	case "start":
		a.handleStart(ctx, ev)
	case "stop", "die":
		a.handleStop(ctx, ev)
	}
}

func (a *Agent) handleStart(ctx context.Context, ev out.ContainerEvent) {
	log := zerowrap.FromCtx(ctx)

	// The event carries the label set, but published ports only show up
	// on inspect.
	c, err := a.engine.InspectContainer(ctx, ev.ContainerID)
	if err != nil {
		if errors.Is(err, domain.ErrContainerGone) {
			return // stopped again before we looked
		}
		log.Warn().Err(err).Str(zerowrap.FieldEntityID, ev.ContainerID).Msg("inspect after start failed")
		c = domain.Container{ID: ev.ContainerID, Name: ev.Name, Labels: ev.Labels}
	}
	c.HostID = a.cfg.HostID
	if c.Name == "" {
		c.Name = ev.Name
	}

	// Versions always come from the controller's clock at receipt. Event
	// timestamps originate on the remote host and comparing them against
	// resync versions would let clock skew defeat the store's stale guard.
	intent, ok := a.deriveIntent(ctx, c, time.Now().UnixNano())
	if !ok {
		return
	}

	a.mu.Lock()
	a.routes[c.ID] = intent.RouteID
	a.mu.Unlock()

	a.publish(ctx, domain.IntentUpsert, intent)
}

func (a *Agent) handleStop(ctx context.Context, ev out.ContainerEvent) {
	a.mu.Lock()
	routeID, ok := a.routes[ev.ContainerID]
	delete(a.routes, ev.ContainerID)
	a.mu.Unlock()

	if !ok {
		// Not seen since our last resync; derive the id from the event's
		// label attributes instead.
		labels, routable, err := domain.ParseRouteLabels(ev.Labels)
		if err != nil || !routable {
			return
		}
		routeID = domain.MonitorRouteID(a.cfg.HostID, ev.Name, ev.ContainerID, fmt.Sprintf("%d", labels.Port))
	}

	a.publish(ctx, domain.IntentRemove, domain.RouteIntent{
		RouteID: routeID,
		HostID:  a.cfg.HostID,
		Origin:  domain.OriginMonitor,
		Version: time.Now().UnixNano(),
	})
}

// Resync re-derives intents for every running container and removes routes
// this host no longer backs.
func (a *Agent) Resync(ctx context.Context) error {
	log := zerowrap.FromCtx(ctx)

	containers, err := a.engine.ListContainers(ctx)
	if err != nil {
		return err
	}

	version := time.Now().UnixNano()
	current := make(map[string]bool)
	tracked := make(map[string]string)

	for _, c := range containers {
		c.HostID = a.cfg.HostID
		intent, ok := a.deriveIntent(ctx, c, version)
		if !ok {
			continue
		}
		current[intent.RouteID] = true
		tracked[c.ID] = intent.RouteID
		a.publish(ctx, domain.IntentUpsert, intent)
	}

	// Anything the store still attributes to this host but no running
	// container backs is an orphan from a dropped event.
	for _, routeID := range a.known.MonitorRouteIDs(a.cfg.HostID) {
		if current[routeID] {
			continue
		}
		log.Info().Str("route_id", routeID).Msg("removing orphaned route after resync")
		a.publish(ctx, domain.IntentRemove, domain.RouteIntent{
			RouteID: routeID,
			HostID:  a.cfg.HostID,
			Origin:  domain.OriginMonitor,
			Version: version,
		})
	}

	a.mu.Lock()
	a.routes = tracked
	a.mu.Unlock()

	log.Info().Int(zerowrap.FieldCount, len(current)).Msg("resync complete")
	return nil
}

// deriveIntent builds the monitor-origin intent for a container, or reports
// that the container is not routable. Malformed labels skip the container
// with a warning, never more.
func (a *Agent) deriveIntent(ctx context.Context, c domain.Container, version int64) (domain.RouteIntent, bool) {
	log := zerowrap.FromCtx(ctx)

	labels, routable, err := domain.ParseRouteLabels(c.Labels)
	if err != nil {
		log.Warn().Err(err).
			Str(zerowrap.FieldEntityID, c.ID).
			Str("container_name", c.Name).
			Msg("container skipped")
		return domain.RouteIntent{}, false
	}
	if !routable {
		return domain.RouteIntent{}, false
	}

	// Prefer the published host port when the container maps its labeled
	// port onto one.
	port := labels.Port
	if published, ok := c.Ports[labels.Port]; ok {
		port = published
	}

	routeID := domain.MonitorRouteID(a.cfg.HostID, c.Name, c.ID, fmt.Sprintf("%d", labels.Port))
	intent, err := domain.NewRouteIntent(routeID, labels.Host, fmt.Sprintf("%s:%d", a.cfg.UpstreamHost, port), domain.OriginMonitor)
	if err != nil {
		log.Warn().Err(err).Str(zerowrap.FieldEntityID, c.ID).Msg("container skipped")
		return domain.RouteIntent{}, false
	}
	intent.ForceSSL = labels.ForceSSL
	intent.WebSocket = labels.WebSocket
	intent.HostID = a.cfg.HostID
	intent.Version = version
	return intent, true
}

func (a *Agent) publish(ctx context.Context, op domain.IntentOp, intent domain.RouteIntent) {
	log := zerowrap.FromCtx(ctx)
	err := a.bus.Publish(domain.EventRouteIntent, domain.RouteIntentPayload{Op: op, Intent: intent})
	if err != nil {
		log.Warn().Err(err).Str("route_id", intent.RouteID).Msg("intent publish failed")
	}
}
