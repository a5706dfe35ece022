// Package in defines input ports (interfaces) for use cases.
// These interfaces define the contract between driving adapters (HTTP, CLI)
// and the business logic.
package in

import (
	"context"

	"dcrp/internal/domain"
)

// RouteService exposes route state and manual route management to the
// management API.
type RouteService interface {
	// ListRoutes returns a read-consistent snapshot of every known route,
	// including rejected intents with their reason.
	ListRoutes(ctx context.Context) []domain.RouteInfo

	// GetRoute returns a single route by id.
	GetRoute(ctx context.Context, routeID string) (domain.RouteInfo, error)

	// CreateManualRoute records a manual-origin intent. It fails with
	// ErrRouteConflict when the target host is already claimed by a
	// monitor-origin route.
	CreateManualRoute(ctx context.Context, host, upstream string, forceSSL, websocket bool) (string, error)

	// UpdateRoute rewrites the mutable fields of a static- or manual-origin
	// route; nil fields keep their current values. Monitor-origin routes
	// fail with ErrRouteProtected.
	UpdateRoute(ctx context.Context, routeID string, upstream *string, forceSSL, websocket *bool) error

	// DeleteRoute removes a static- or manual-origin route. Monitor-origin
	// routes may only be removed by their backing container stopping;
	// attempts fail with ErrRouteProtected.
	DeleteRoute(ctx context.Context, routeID string) error
}
