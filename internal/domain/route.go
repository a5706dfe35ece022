package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Origin tags the source of truth a route intent came from. It governs which
// actor may create, update, or delete the route.
type Origin string

const (
	OriginMonitor Origin = "monitor"
	OriginStatic  Origin = "static"
	OriginManual  Origin = "manual"
)

// RouteState is the lifecycle state of a route as exposed by the management API.
type RouteState string

const (
	RouteStatePending  RouteState = "pending"
	RouteStateApplied  RouteState = "applied"
	RouteStateError    RouteState = "error"
	RouteStateRejected RouteState = "rejected"
)

// RouteIntent is the desired binding between a public hostname and an
// upstream address, prior to being applied to the proxy. Only one intent may
// be active per target host at a time.
type RouteIntent struct {
	RouteID   string
	Host      string
	Upstream  string
	Protocol  string
	ForceSSL  bool
	WebSocket bool
	Origin    Origin
	HostID    string
	Version   int64
}

// NewRouteIntent validates and constructs a RouteIntent. Malformed records
// are rejected at construction rather than propagated.
func NewRouteIntent(routeID, host, upstream string, origin Origin) (RouteIntent, error) {
	if routeID == "" {
		return RouteIntent{}, fmt.Errorf("%w: empty route id", ErrInvalidRoute)
	}
	if host == "" || upstream == "" {
		return RouteIntent{}, fmt.Errorf("%w: host and upstream are required", ErrInvalidRoute)
	}
	if strings.Contains(host, "://") {
		return RouteIntent{}, fmt.Errorf("%w: host must not contain a protocol", ErrInvalidRoute)
	}
	switch origin {
	case OriginMonitor, OriginStatic, OriginManual:
	default:
		return RouteIntent{}, fmt.Errorf("%w: unknown origin %q", ErrInvalidRoute, origin)
	}
	return RouteIntent{
		RouteID:  routeID,
		Host:     host,
		Upstream: upstream,
		Protocol: "http",
		Origin:   origin,
	}, nil
}

// RouteStatus mirrors a RouteIntent with the applied proxy state. It is
// mutated by the reconciler only and converges to the latest non-rejected
// intent for its route id, possibly lagging between reconciliation cycles.
type RouteStatus struct {
	RouteID       string
	Checksum      string
	Fragment      json.RawMessage
	LastAppliedAt time.Time
	State         RouteState
	Reason        string
}

// RouteInfo is the merged intent plus status view served by the management API.
type RouteInfo struct {
	Intent RouteIntent
	Status RouteStatus
}

// ManualRouteID derives the deterministic route id for a manually created
// route from its target host.
func ManualRouteID(host string) string {
	return "route_" + sanitizeHostID(host)
}

// StaticRouteID derives the deterministic route id for a static-file route.
func StaticRouteID(host string) string {
	return "static_" + sanitizeHostID(host)
}

// MonitorRouteID derives the deterministic route id for a discovered
// container service. Repeated discovery of the same container yields the
// same id.
func MonitorRouteID(hostID, containerName, containerID, port string) string {
	id := containerID
	if len(id) > 12 {
		id = id[:12]
	}
	return fmt.Sprintf("monitor_%s_%s_%s_%s", hostID, containerName, id, port)
}

func sanitizeHostID(host string) string {
	return strings.NewReplacer(".", "_", "*", "star").Replace(host)
}
