package domain

import "errors"

// Domain errors represent business-level failure conditions. Steady-state
// errors are always scoped to a host or a route and never escalate to
// process termination.
var (
	// Route errors
	ErrRouteNotFound  = errors.New("route not found")
	ErrRouteConflict  = errors.New("target host already claimed by another route")
	ErrRouteProtected = errors.New("route origin forbids external deletion")
	ErrInvalidRoute   = errors.New("invalid route configuration")
	ErrStaleIntent    = errors.New("route intent is older than the stored version")

	// Discovery errors
	ErrMalformedLabels = errors.New("malformed container labels")
	ErrContainerGone   = errors.New("container no longer exists")

	// Host errors
	ErrHostNotFound = errors.New("host not found")
	ErrHostDegraded = errors.New("host is degraded")
	ErrAuthFailed   = errors.New("ssh authentication failed")

	// Proxy errors
	ErrProxyUnavailable = errors.New("proxy admin api unavailable")
	ErrConcurrentEdit   = errors.New("concurrent proxy configuration change")

	// Config errors
	ErrInvalidConfig = errors.New("invalid configuration")
)
