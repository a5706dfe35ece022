// Package routes implements the route store use case: the merged
// desired-state map, its conflict policy between origins, and the manual
// route management surface.
package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bnema/zerowrap"

	"dcrp/internal/adapters/out/telemetry"
	"dcrp/internal/domain"
)

type entry struct {
	intent domain.RouteIntent
	status domain.RouteStatus
}

// Store holds the merged desired-state map of routes keyed by route id, with
// a target-host index for collision detection across origins. It is the only
// shared mutable state in the core; every method holds the mutex for a
// bounded critical section and readers receive snapshots.
type Store struct {
	mu         sync.RWMutex
	routes     map[string]*entry
	byHost     map[string]string // target host -> owning route id
	tombstones map[string]int64  // route id -> last seen version, guards late upserts
	changed    chan struct{}
	log        zerowrap.Logger
	metrics    *telemetry.Metrics
}

// NewStore creates an empty route store.
func NewStore(log zerowrap.Logger) *Store {
	return &Store{
		routes:     make(map[string]*entry),
		byHost:     make(map[string]string),
		tombstones: make(map[string]int64),
		changed:    make(chan struct{}, 1),
		log:        log,
	}
}

// SetMetrics sets the telemetry metrics used by the store.
func (s *Store) SetMetrics(m *telemetry.Metrics) {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
}

// Changed returns a coalescing signal channel that fires after any mutation
// of the desired state. The reconciler drains it.
func (s *Store) Changed() <-chan struct{} {
	return s.changed
}

func (s *Store) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Upsert merges an intent into the desired state under the conflict policy:
// static- and manual-origin intents take precedence over monitor-origin
// intents for the same target host; a colliding monitor intent is recorded
// with state rejected, never silently dropped. Intents older than the stored
// version for their route id are discarded with ErrStaleIntent.
func (s *Store) Upsert(ctx context.Context, intent domain.RouteIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(ctx, intent)
}

// CreateExternal inserts a route on behalf of the management API. Unlike
// Upsert, a target host owned by a monitor route is a conflict rather than
// a displacement; the owner check and the merge share one critical section
// so a concurrent monitor claim cannot slip between them.
func (s *Store) CreateExternal(ctx context.Context, intent domain.RouteIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ownerID, ok := s.byHost[intent.Host]; ok && ownerID != intent.RouteID {
		if s.routes[ownerID].intent.Origin == domain.OriginMonitor {
			return fmt.Errorf("%w: host %s is owned by monitor route %s",
				domain.ErrRouteConflict, intent.Host, ownerID)
		}
	}
	return s.upsertLocked(ctx, intent)
}

func (s *Store) upsertLocked(ctx context.Context, intent domain.RouteIntent) error {
	log := zerowrap.FromCtx(ctx)

	if last, ok := s.tombstones[intent.RouteID]; ok && intent.Version <= last {
		s.countStale()
		return fmt.Errorf("%w: %s v%d", domain.ErrStaleIntent, intent.RouteID, intent.Version)
	}

	existing, ok := s.routes[intent.RouteID]
	if ok {
		if existing.intent.Origin != intent.Origin {
			// Duplicate route id across origins corrupts ownership rules;
			// skip the offending intent instead of the route table.
			log.Error().
				Str("route_id", intent.RouteID).
				Str("stored_origin", string(existing.intent.Origin)).
				Str("intent_origin", string(intent.Origin)).
				Msg("route id claimed by another origin, skipping intent")
			return fmt.Errorf("%w: route id %s already belongs to origin %s",
				domain.ErrInvalidRoute, intent.RouteID, existing.intent.Origin)
		}
		if intent.Version < existing.intent.Version {
			s.countStale()
			return fmt.Errorf("%w: %s v%d < v%d", domain.ErrStaleIntent,
				intent.RouteID, intent.Version, existing.intent.Version)
		}
	}

	ownerID, claimed := s.byHost[intent.Host]
	if claimed && ownerID != intent.RouteID {
		owner := s.routes[ownerID]
		if intent.Origin == domain.OriginMonitor {
			// Non-monitor routes always win; record the loser as rejected.
			s.reject(intent, fmt.Sprintf("host %s is owned by %s route %s",
				intent.Host, owner.intent.Origin, ownerID))
			log.Warn().
				Str("route_id", intent.RouteID).
				Str("target_host", intent.Host).
				Str("owner", ownerID).
				Msg("monitor intent rejected, host claimed by higher-precedence route")
			return nil
		}
		if owner.intent.Origin == domain.OriginMonitor {
			// Static/manual displaces monitor; the monitor intent stays
			// visible as rejected and is promoted back if the blocker goes.
			owner.status.State = domain.RouteStateRejected
			owner.status.Reason = fmt.Sprintf("host %s taken over by %s route %s",
				intent.Host, intent.Origin, intent.RouteID)
		} else {
			// Static vs manual: last writer wins.
			owner.status.State = domain.RouteStateRejected
			owner.status.Reason = fmt.Sprintf("superseded by %s route %s",
				intent.Origin, intent.RouteID)
		}
	}

	e := existing
	if e == nil {
		e = &entry{}
		s.routes[intent.RouteID] = e
	}
	oldHost := e.intent.Host
	e.intent = intent
	e.status.RouteID = intent.RouteID
	e.status.State = domain.RouteStatePending
	e.status.Reason = ""

	if oldHost != "" && oldHost != intent.Host && s.byHost[oldHost] == intent.RouteID {
		delete(s.byHost, oldHost)
		s.promote(oldHost)
	}
	s.byHost[intent.Host] = intent.RouteID

	s.notify()
	return nil
}

// Remove drops a monitor route because its backing container stopped. The
// version guards against a stale removal overtaking a newer start event.
func (s *Store) Remove(ctx context.Context, routeID string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.routes[routeID]
	if !ok {
		// Still record the version so a delayed start cannot resurrect it.
		if version > s.tombstones[routeID] {
			s.tombstones[routeID] = version
		}
		return nil
	}
	if version < e.intent.Version {
		s.countStale()
		return fmt.Errorf("%w: remove %s v%d < v%d", domain.ErrStaleIntent,
			routeID, version, e.intent.Version)
	}

	s.drop(routeID, e, version)
	s.notify()
	return nil
}

// DeleteExternal removes a route on behalf of the management API. Monitor
// routes are protected: only the discovery path may remove them.
func (s *Store) DeleteExternal(ctx context.Context, routeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.routes[routeID]
	if !ok {
		return domain.ErrRouteNotFound
	}
	if e.intent.Origin == domain.OriginMonitor {
		return fmt.Errorf("%w: %s", domain.ErrRouteProtected, routeID)
	}

	s.drop(routeID, e, time.Now().UnixNano())
	s.notify()
	return nil
}

// UpdateExternal rewrites the mutable fields of a static- or manual-origin
// route on behalf of the management API. Nil fields keep their current
// values. Monitor routes follow their container and cannot be edited.
func (s *Store) UpdateExternal(ctx context.Context, routeID string, upstream *string, forceSSL, websocket *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.routes[routeID]
	if !ok {
		return domain.ErrRouteNotFound
	}
	if e.intent.Origin == domain.OriginMonitor {
		return fmt.Errorf("%w: %s", domain.ErrRouteProtected, routeID)
	}

	intent := e.intent
	if upstream != nil {
		intent.Upstream = *upstream
	}
	if forceSSL != nil {
		intent.ForceSSL = *forceSSL
	}
	if websocket != nil {
		intent.WebSocket = *websocket
	}
	if intent.Upstream == "" {
		return fmt.Errorf("%w: upstream must not be empty", domain.ErrInvalidRoute)
	}
	intent.Version = time.Now().UnixNano()

	e.intent = intent
	if e.status.State != domain.RouteStateRejected {
		e.status.State = domain.RouteStatePending
		e.status.Reason = ""
	}
	s.notify()
	return nil
}

// drop removes the entry and, when it owned its target host, promotes the
// newest rejected intent for that host. Callers hold the lock.
func (s *Store) drop(routeID string, e *entry, version int64) {
	delete(s.routes, routeID)
	if version > s.tombstones[routeID] {
		s.tombstones[routeID] = version
	}
	if s.byHost[e.intent.Host] == routeID {
		delete(s.byHost, e.intent.Host)
		s.promote(e.intent.Host)
	}
}

// promote reactivates the newest rejected intent targeting host, if any.
// Callers hold the lock.
func (s *Store) promote(host string) {
	var best *entry
	for _, e := range s.routes {
		if e.intent.Host != host || e.status.State != domain.RouteStateRejected {
			continue
		}
		if best == nil || e.intent.Version > best.intent.Version {
			best = e
		}
	}
	if best == nil {
		return
	}
	best.status.State = domain.RouteStatePending
	best.status.Reason = ""
	s.byHost[host] = best.intent.RouteID
}

// reject records a colliding intent with state rejected so it stays
// observable through the management API. Callers hold the lock.
func (s *Store) reject(intent domain.RouteIntent, reason string) {
	e, ok := s.routes[intent.RouteID]
	if !ok {
		e = &entry{}
		s.routes[intent.RouteID] = e
	}
	e.intent = intent
	e.status = domain.RouteStatus{
		RouteID: intent.RouteID,
		State:   domain.RouteStateRejected,
		Reason:  reason,
	}
	if s.metrics != nil {
		s.metrics.RejectedIntents.Add(context.Background(), 1)
	}
}

func (s *Store) countStale() {
	if s.metrics != nil {
		s.metrics.StaleIntents.Add(context.Background(), 1)
	}
}

// Desired returns the active (non-rejected) intents, the reconciler's
// desired-state snapshot.
func (s *Store) Desired() []domain.RouteIntent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.RouteIntent, 0, len(s.routes))
	for _, e := range s.routes {
		if e.status.State == domain.RouteStateRejected {
			continue
		}
		out = append(out, e.intent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouteID < out[j].RouteID })
	return out
}

// List returns a read-consistent snapshot of every known route, rejected
// intents included.
func (s *Store) List() []domain.RouteInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.RouteInfo, 0, len(s.routes))
	for _, e := range s.routes {
		out = append(out, domain.RouteInfo{Intent: e.intent, Status: e.status})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Intent.RouteID < out[j].Intent.RouteID })
	return out
}

// Get returns a single route by id.
func (s *Store) Get(routeID string) (domain.RouteInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.routes[routeID]
	if !ok {
		return domain.RouteInfo{}, domain.ErrRouteNotFound
	}
	return domain.RouteInfo{Intent: e.intent, Status: e.status}, nil
}

// OwnerOrigin reports which origin currently owns the target host.
func (s *Store) OwnerOrigin(host string) (domain.Origin, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHost[host]
	if !ok {
		return "", false
	}
	return s.routes[id].intent.Origin, true
}

// MonitorRouteIDs returns the monitor-origin route ids belonging to a host,
// used by discovery resync to detect orphans after a reconnect.
func (s *Store) MonitorRouteIDs(hostID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for id, e := range s.routes {
		if e.intent.Origin == domain.OriginMonitor && e.intent.HostID == hostID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// MarkApplied records a successful proxy apply for the route. A route
// removed while its apply was in flight is ignored.
func (s *Store) MarkApplied(routeID, checksum string, fragment json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.routes[routeID]
	if !ok || e.status.State == domain.RouteStateRejected {
		return
	}
	e.status.Checksum = checksum
	e.status.Fragment = fragment
	e.status.LastAppliedAt = time.Now()
	e.status.State = domain.RouteStateApplied
	e.status.Reason = ""
}

// MarkError records a failed proxy apply; the route stays desired and is
// retried on the next reconciliation pass.
func (s *Store) MarkError(routeID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.routes[routeID]
	if !ok || e.status.State == domain.RouteStateRejected {
		return
	}
	e.status.State = domain.RouteStateError
	e.status.Reason = reason
}
