package routes

import (
	"context"
	"time"

	"github.com/bnema/zerowrap"

	"dcrp/internal/domain"
)

// Service exposes the store to the management API and loads static-file
// routes. It implements in.RouteService.
type Service struct {
	store *Store
}

// NewService creates a new route service over the store.
func NewService(store *Store) *Service {
	return &Service{store: store}
}

// ListRoutes returns a snapshot of every known route.
func (s *Service) ListRoutes(ctx context.Context) []domain.RouteInfo {
	return s.store.List()
}

// GetRoute returns a single route by id.
func (s *Service) GetRoute(ctx context.Context, routeID string) (domain.RouteInfo, error) {
	return s.store.Get(routeID)
}

// CreateManualRoute records a manual-origin intent. A target host already
// owned by a monitor-origin route is a conflict: the caller must stop the
// container instead of shadowing it.
func (s *Service) CreateManualRoute(ctx context.Context, host, upstream string, forceSSL, websocket bool) (string, error) {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldUseCase: "CreateManualRoute",
		"target_host":         host,
	})
	log := zerowrap.FromCtx(ctx)

	intent, err := domain.NewRouteIntent(domain.ManualRouteID(host), host, upstream, domain.OriginManual)
	if err != nil {
		return "", err
	}
	intent.ForceSSL = forceSSL
	intent.WebSocket = websocket
	intent.Version = time.Now().UnixNano()

	if err := s.store.CreateExternal(ctx, intent); err != nil {
		return "", err
	}

	log.Info().Str("route_id", intent.RouteID).Str("upstream", upstream).Msg("manual route created")
	return intent.RouteID, nil
}

// UpdateRoute rewrites the mutable fields of an existing route. Unset
// fields keep their current values.
func (s *Service) UpdateRoute(ctx context.Context, routeID string, upstream *string, forceSSL, websocket *bool) error {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldUseCase: "UpdateRoute",
		"route_id":            routeID,
	})
	log := zerowrap.FromCtx(ctx)

	if err := s.store.UpdateExternal(ctx, routeID, upstream, forceSSL, websocket); err != nil {
		return err
	}
	log.Info().Msg("route updated")
	return nil
}

// DeleteRoute removes a static- or manual-origin route.
func (s *Service) DeleteRoute(ctx context.Context, routeID string) error {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldUseCase: "DeleteRoute",
		"route_id":            routeID,
	})
	log := zerowrap.FromCtx(ctx)

	if err := s.store.DeleteExternal(ctx, routeID); err != nil {
		return err
	}
	log.Info().Msg("route deleted")
	return nil
}

// LoadStatic replaces the static-origin routes with the given set. Static
// routes present before but absent from the new set are removed.
func (s *Service) LoadStatic(ctx context.Context, intents []domain.RouteIntent) error {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldUseCase: "LoadStatic",
	})
	log := zerowrap.FromCtx(ctx)

	version := time.Now().UnixNano()
	keep := make(map[string]bool, len(intents))
	for _, intent := range intents {
		intent.Version = version
		keep[intent.RouteID] = true
		if err := s.store.Upsert(ctx, intent); err != nil {
			log.Warn().Err(err).Str("route_id", intent.RouteID).Msg("static route not loaded")
		}
	}

	for _, info := range s.store.List() {
		if info.Intent.Origin != domain.OriginStatic || keep[info.Intent.RouteID] {
			continue
		}
		if err := s.store.DeleteExternal(ctx, info.Intent.RouteID); err != nil {
			log.Warn().Err(err).Str("route_id", info.Intent.RouteID).Msg("stale static route not removed")
		}
	}

	log.Info().Int(zerowrap.FieldCount, len(intents)).Msg("static routes loaded")
	return nil
}
