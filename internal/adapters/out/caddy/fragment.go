package caddy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"dcrp/internal/domain"
)

// websocketHeaders are the request headers propagated to upstreams when a
// route enables websocket support.
var websocketHeaders = map[string][]string{
	"Upgrade":                  {"{http.request.header.Upgrade}"},
	"Connection":               {"{http.request.header.Connection}"},
	"Sec-WebSocket-Key":        {"{http.request.header.Sec-WebSocket-Key}"},
	"Sec-WebSocket-Version":    {"{http.request.header.Sec-WebSocket-Version}"},
	"Sec-WebSocket-Extensions": {"{http.request.header.Sec-WebSocket-Extensions}"},
}

// BuildFragment translates a route intent into a Caddy route fragment
// addressable by its route id. Every intent flag maps to a directive; none
// is dropped in translation.
func BuildFragment(intent domain.RouteIntent) map[string]any {
	reverseProxy := map[string]any{
		"handler":   "reverse_proxy",
		"upstreams": []any{map[string]any{"dial": intent.Upstream}},
	}
	if intent.WebSocket {
		reverseProxy["headers"] = map[string]any{
			"request": map[string]any{"set": websocketHeaders},
		}
	}

	fragment := map[string]any{
		"@id":   intent.RouteID,
		"match": []any{map[string]any{"host": []any{intent.Host}}},
	}

	if intent.ForceSSL {
		// HTTP requests get a permanent redirect to HTTPS; HTTPS requests
		// are proxied.
		fragment["handle"] = []any{map[string]any{
			"handler": "subroute",
			"routes": []any{
				map[string]any{
					"match": []any{map[string]any{"protocol": "http"}},
					"handle": []any{map[string]any{
						"handler": "static_response",
						"headers": map[string]any{
							"Location": []any{"https://" + intent.Host + "{http.request.uri}"},
						},
						"status_code": 308,
					}},
				},
				map[string]any{
					"match":  []any{map[string]any{"protocol": "https"}},
					"handle": []any{reverseProxy},
				},
			},
		}}
	} else {
		fragment["handle"] = []any{reverseProxy}
	}

	return fragment
}

// Checksum returns a stable digest of a fragment. encoding/json sorts map
// keys, so equal fragments always produce equal checksums.
func Checksum(fragment any) string {
	data, err := json.Marshal(fragment)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RouteInfo is the routing contract recovered from an applied fragment,
// used for drift detection against out-of-band proxy edits.
type RouteInfo struct {
	Host      string
	Upstream  string
	ForceSSL  bool
	WebSocket bool
}

// ExtractRouteInfo walks an applied fragment and recovers its routing
// contract.
func ExtractRouteInfo(fragment map[string]any) RouteInfo {
	var info RouteInfo

	if matches, ok := fragment["match"].([]any); ok {
		for _, m := range matches {
			match, ok := m.(map[string]any)
			if !ok {
				continue
			}
			if hosts, ok := match["host"].([]any); ok && len(hosts) > 0 {
				if h, ok := hosts[0].(string); ok {
					info.Host = h
					break
				}
			}
		}
	}

	if handlers, ok := fragment["handle"].([]any); ok {
		walkHandlers(handlers, &info)
	}
	return info
}

func walkHandlers(handlers []any, info *RouteInfo) {
	for _, h := range handlers {
		handler, ok := h.(map[string]any)
		if !ok {
			continue
		}
		switch handler["handler"] {
		case "reverse_proxy":
			if upstreams, ok := handler["upstreams"].([]any); ok && len(upstreams) > 0 {
				if up, ok := upstreams[0].(map[string]any); ok {
					if dial, ok := up["dial"].(string); ok {
						info.Upstream = dial
					}
				}
			}
			if headers, ok := handler["headers"].(map[string]any); ok {
				if request, ok := headers["request"].(map[string]any); ok {
					if set, ok := request["set"].(map[string]any); ok {
						if _, has := set["Upgrade"]; has {
							info.WebSocket = true
						}
					}
				}
			}
		case "subroute":
			routes, ok := handler["routes"].([]any)
			if !ok {
				continue
			}
			for _, r := range routes {
				route, ok := r.(map[string]any)
				if !ok {
					continue
				}
				if matches, ok := route["match"].([]any); ok {
					for _, m := range matches {
						if match, ok := m.(map[string]any); ok && match["protocol"] == "http" {
							info.ForceSSL = true
						}
					}
				}
				if inner, ok := route["handle"].([]any); ok {
					walkHandlers(inner, info)
				}
			}
		}
	}
}
