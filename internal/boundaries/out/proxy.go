package out

import (
	"context"
	"encoding/json"

	"dcrp/internal/domain"
)

// AppliedRoute is a route fragment as currently installed in the proxy.
type AppliedRoute struct {
	RouteID  string
	Checksum string
	Fragment json.RawMessage
}

// ProxyAdmin translates route intents into the reverse proxy's dynamic admin
// API. All writes are idempotent upserts keyed by route id.
type ProxyAdmin interface {
	// Render returns the checksum the intent's fragment would have once
	// applied, without touching the proxy. The reconciler diffs it
	// against applied state.
	Render(intent domain.RouteIntent) string

	// UpsertRoute installs or replaces the fragment for the intent's route
	// id and returns the applied fragment with its checksum.
	UpsertRoute(ctx context.Context, intent domain.RouteIntent) (AppliedRoute, error)

	// DeleteRoute removes the fragment for the route id. Deleting an
	// absent route is not an error.
	DeleteRoute(ctx context.Context, routeID string) error

	// ListRoutes reads the currently applied fragments, used for drift
	// detection against out-of-band proxy edits.
	ListRoutes(ctx context.Context) ([]AppliedRoute, error)

	// Config returns the full proxy configuration (debug surface).
	Config(ctx context.Context) (json.RawMessage, error)
}
