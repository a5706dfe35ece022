// Package reconcile implements the route reconciler: a single-writer loop
// that converges the proxy's applied state toward the route store's desired
// state. Bursts of intent changes coalesce inside a debounce window into one
// pass; failures stay scoped to their route.
package reconcile

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bnema/zerowrap"
	"golang.org/x/sync/errgroup"

	"dcrp/internal/adapters/out/telemetry"
	"dcrp/internal/boundaries/out"
	"dcrp/internal/domain"
)

// Store is the slice of the route store the reconciler drives.
type Store interface {
	Desired() []domain.RouteIntent
	Changed() <-chan struct{}
	Get(routeID string) (domain.RouteInfo, error)
	MarkApplied(routeID, checksum string, fragment json.RawMessage)
	MarkError(routeID, reason string)
}

// Config holds reconciler tuning.
type Config struct {
	Debounce      time.Duration // coalescing window for intent bursts
	Concurrency   int           // bounded parallelism against the admin API
	ApplyTimeout  time.Duration // per proxy call
	DriftInterval time.Duration // period of full drift passes, 0 disables
}

type applied struct {
	checksum string
	fragment json.RawMessage
}

// Reconciler converges applied proxy state toward desired state.
type Reconciler struct {
	cfg     Config
	store   Store
	proxy   out.ProxyAdmin
	metrics *telemetry.Metrics
	kick    chan struct{}

	mu      sync.Mutex
	applied map[string]applied
}

// New creates a reconciler.
func New(cfg Config, store Store, proxy out.ProxyAdmin) *Reconciler {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 300 * time.Millisecond
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 15 * time.Second
	}

	return &Reconciler{
		cfg:     cfg,
		store:   store,
		proxy:   proxy,
		kick:    make(chan struct{}, 1),
		applied: make(map[string]applied),
	}
}

// SetMetrics sets the telemetry metrics. Must be called before Run.
func (r *Reconciler) SetMetrics(m *telemetry.Metrics) {
	r.metrics = m
}

// Kick requests a reconciliation pass outside the store's change signal.
func (r *Reconciler) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run is the single-writer loop. All mutations of the applied map are
// linearized here; concurrent discovery agents and manual edits only ever
// touch the store.
func (r *Reconciler) Run(ctx context.Context) {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldUseCase: "reconcile",
	})
	log := zerowrap.FromCtx(ctx)

	// Recover applied state left behind by a previous run before the
	// first pass, so restarts do not re-apply the whole table.
	r.Refresh(ctx)

	var drift <-chan time.Time
	if r.cfg.DriftInterval > 0 {
		ticker := time.NewTicker(r.cfg.DriftInterval)
		defer ticker.Stop()
		drift = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("reconciler stopped")
			return
		case <-drift:
			r.Refresh(ctx)
		case <-r.kick:
			r.Pass(ctx)
		case <-r.store.Changed():
			r.debounce(ctx)
			r.Pass(ctx)
		}
	}
}

// debounce folds further change signals arriving within the coalescing
// window into the upcoming pass.
func (r *Reconciler) debounce(ctx context.Context) {
	timer := time.NewTimer(r.cfg.Debounce)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.store.Changed():
			// keep coalescing until the window closes
		case <-timer.C:
			return
		}
	}
}

// Refresh reloads the applied view from the proxy and runs a pass,
// reconverging any out-of-band edits.
func (r *Reconciler) Refresh(ctx context.Context) {
	r.refreshApplied(ctx)
	r.Pass(ctx)
}

// Pass runs one reconciliation: diff desired against applied and converge.
func (r *Reconciler) Pass(ctx context.Context) {
	log := zerowrap.FromCtx(ctx)
	start := time.Now()

	desired := r.store.Desired()
	want := make(map[string]domain.RouteIntent, len(desired))
	for _, intent := range desired {
		want[intent.RouteID] = intent
	}

	r.mu.Lock()
	var toApply []domain.RouteIntent
	for id, intent := range want {
		if r.applied[id].checksum != r.proxy.Render(intent) {
			toApply = append(toApply, intent)
		} else if info, err := r.store.Get(id); err == nil &&
			(info.Status.State != domain.RouteStateApplied || info.Status.Checksum != r.applied[id].checksum) {
			// Converged on the proxy but the store entry is fresh, e.g.
			// after a resync; surface the applied state. An entry that is
			// already applied is left alone so last_applied_at keeps
			// meaning what it says.
			r.store.MarkApplied(id, r.applied[id].checksum, r.applied[id].fragment)
		}
	}
	var toRemove []string
	for id := range r.applied {
		if _, ok := want[id]; !ok {
			toRemove = append(toRemove, id)
		}
	}
	r.mu.Unlock()

	if len(toApply) == 0 && len(toRemove) == 0 {
		return
	}

	log.Debug().
		Int("to_apply", len(toApply)).
		Int("to_remove", len(toRemove)).
		Msg("reconciliation pass")

	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Concurrency)

	for _, intent := range toApply {
		g.Go(func() error {
			r.applyOne(ctx, intent)
			return nil
		})
	}
	for _, id := range toRemove {
		g.Go(func() error {
			r.removeOne(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	if r.metrics != nil {
		r.metrics.ReconcilePasses.Add(ctx, 1)
		r.metrics.ReconcileDuration.Record(ctx, time.Since(start).Seconds())
	}
}

// applyOne installs one route. A failure marks only this route; the rest of
// the pass proceeds and the route retries next pass.
func (r *Reconciler) applyOne(ctx context.Context, intent domain.RouteIntent) {
	log := zerowrap.FromCtx(ctx)

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.ApplyTimeout)
	defer cancel()

	result, err := r.proxy.UpsertRoute(callCtx, intent)
	if err != nil {
		log.Warn().Err(err).Str("route_id", intent.RouteID).Msg("route apply failed")
		r.store.MarkError(intent.RouteID, err.Error())
		if r.metrics != nil {
			r.metrics.RouteApplyErrors.Add(ctx, 1)
		}
		return
	}

	r.mu.Lock()
	r.applied[intent.RouteID] = applied{checksum: result.Checksum, fragment: result.Fragment}
	r.mu.Unlock()

	r.store.MarkApplied(intent.RouteID, result.Checksum, result.Fragment)
	if r.metrics != nil {
		r.metrics.RouteApplies.Add(ctx, 1)
	}
	log.Info().
		Str("route_id", intent.RouteID).
		Str("target_host", intent.Host).
		Str("upstream", intent.Upstream).
		Msg("route applied")
}

func (r *Reconciler) removeOne(ctx context.Context, routeID string) {
	log := zerowrap.FromCtx(ctx)

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.ApplyTimeout)
	defer cancel()

	if err := r.proxy.DeleteRoute(callCtx, routeID); err != nil {
		log.Warn().Err(err).Str("route_id", routeID).Msg("route removal failed")
		return
	}

	r.mu.Lock()
	delete(r.applied, routeID)
	r.mu.Unlock()
	log.Info().Str("route_id", routeID).Msg("route removed")
}

// refreshApplied reloads the applied view from the proxy. Out-of-band edits
// to the proxy show up as checksum drift and get reconverged by the next
// pass.
func (r *Reconciler) refreshApplied(ctx context.Context) {
	log := zerowrap.FromCtx(ctx)

	routes, err := r.proxy.ListRoutes(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not read applied proxy state")
		return
	}

	fresh := make(map[string]applied, len(routes))
	for _, route := range routes {
		fresh[route.RouteID] = applied{checksum: route.Checksum, fragment: route.Fragment}
	}

	r.mu.Lock()
	r.applied = fresh
	r.mu.Unlock()
	log.Debug().Int(zerowrap.FieldCount, len(fresh)).Msg("applied state refreshed from proxy")
}
