package domain

import (
	"fmt"
	"strconv"
)

// Label keys read from container metadata. A container is routable only when
// LabelEnable is true and LabelHost is present.
const (
	LabelEnable    = "dcrp.enable"
	LabelHost      = "dcrp.host"
	LabelPort      = "dcrp.port"
	LabelSSL       = "dcrp.ssl"
	LabelWebSocket = "dcrp.websocket"
)

// RouteLabels holds the routing contract parsed from container labels.
type RouteLabels struct {
	Host      string
	Port      int
	ForceSSL  bool
	WebSocket bool
}

// ParseRouteLabels extracts the routing contract from raw container labels.
// It returns (labels, true, nil) for a routable container, (_, false, nil)
// when the container opted out (missing enable/host), and ErrMalformedLabels
// when a present label cannot be parsed.
func ParseRouteLabels(labels map[string]string) (RouteLabels, bool, error) {
	enable, ok := labels[LabelEnable]
	if !ok {
		return RouteLabels{}, false, nil
	}
	enabled, err := strconv.ParseBool(enable)
	if err != nil {
		return RouteLabels{}, false, fmt.Errorf("%w: %s=%q", ErrMalformedLabels, LabelEnable, enable)
	}
	if !enabled {
		return RouteLabels{}, false, nil
	}

	host, ok := labels[LabelHost]
	if !ok || host == "" {
		return RouteLabels{}, false, nil
	}

	out := RouteLabels{Host: host, Port: 80}
	if raw, ok := labels[LabelPort]; ok {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return RouteLabels{}, false, fmt.Errorf("%w: %s=%q", ErrMalformedLabels, LabelPort, raw)
		}
		out.Port = port
	}
	if raw, ok := labels[LabelSSL]; ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return RouteLabels{}, false, fmt.Errorf("%w: %s=%q", ErrMalformedLabels, LabelSSL, raw)
		}
		out.ForceSSL = v
	}
	if raw, ok := labels[LabelWebSocket]; ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return RouteLabels{}, false, fmt.Errorf("%w: %s=%q", ErrMalformedLabels, LabelWebSocket, raw)
		}
		out.WebSocket = v
	}
	return out, true, nil
}
