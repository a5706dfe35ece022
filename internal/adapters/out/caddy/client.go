// Package caddy implements the proxy control adapter against Caddy's
// dynamic admin API. Route fragments are addressed by @id inside the routes
// array of one HTTP server; writes use ETag preconditions so concurrent
// editors never clobber each other.
package caddy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bnema/zerowrap"

	"dcrp/internal/boundaries/out"
	"dcrp/internal/domain"
	"dcrp/pkg/backoff"
)

// Config holds the admin API connection settings.
type Config struct {
	AdminURL string `mapstructure:"admin_url"` // e.g. "http://caddy:2019"
	Server   string `mapstructure:"server"`    // server name inside the config tree, e.g. "srv0"
	Timeout  string `mapstructure:"timeout"`   // per-call timeout, default 10s
	Retries  int    `mapstructure:"retries"`   // bounded retry count per write, default 3
}

// Client implements out.ProxyAdmin against the Caddy admin API.
type Client struct {
	baseURL string
	server  string
	retries int
	http    *http.Client
	policy  backoff.Policy
	log     zerowrap.Logger
}

var _ out.ProxyAdmin = (*Client)(nil)

// NewClient creates a new Caddy admin client.
func NewClient(cfg Config, log zerowrap.Logger) *Client {
	timeout := 10 * time.Second
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = 3
	}
	server := cfg.Server
	if server == "" {
		server = "srv0"
	}

	return &Client{
		baseURL: cfg.AdminURL,
		server:  server,
		retries: retries,
		http:    &http.Client{Timeout: timeout},
		policy:  backoff.New(200*time.Millisecond, 5*time.Second),
		log:     log,
	}
}

// Render returns the checksum the intent's fragment would carry once
// applied.
func (c *Client) Render(intent domain.RouteIntent) string {
	return Checksum(BuildFragment(intent))
}

func (c *Client) routesPath() string {
	return fmt.Sprintf("%s/config/apps/http/servers/%s/routes", c.baseURL, c.server)
}

// UpsertRoute installs or replaces the fragment for the intent's route id.
func (c *Client) UpsertRoute(ctx context.Context, intent domain.RouteIntent) (out.AppliedRoute, error) {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "adapter",
		zerowrap.FieldAdapter: "caddy",
		zerowrap.FieldAction:  "UpsertRoute",
		"route_id":            intent.RouteID,
	})
	log := zerowrap.FromCtx(ctx)

	fragment := BuildFragment(intent)

	err := c.withRetry(ctx, func() error {
		routes, etag, err := c.fetchRoutes(ctx)
		if err != nil {
			return err
		}

		replaced := false
		for i, route := range routes {
			if routeID(route) == intent.RouteID {
				routes[i] = fragment
				replaced = true
				break
			}
		}
		if !replaced {
			// New routes are prepended so they match before any
			// catch-all the proxy carries.
			routes = append([]map[string]any{fragment}, routes...)
		}

		return c.patchRoutes(ctx, routes, etag)
	})
	if err != nil {
		return out.AppliedRoute{}, err
	}

	raw, err := json.Marshal(fragment)
	if err != nil {
		return out.AppliedRoute{}, fmt.Errorf("marshal fragment: %w", err)
	}

	log.Debug().Str("target_host", intent.Host).Str("upstream", intent.Upstream).Msg("route fragment applied")
	return out.AppliedRoute{
		RouteID:  intent.RouteID,
		Checksum: Checksum(fragment),
		Fragment: raw,
	}, nil
}

// DeleteRoute removes the fragment for the route id. Absent routes are
// ignored.
func (c *Client) DeleteRoute(ctx context.Context, id string) error {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "adapter",
		zerowrap.FieldAdapter: "caddy",
		zerowrap.FieldAction:  "DeleteRoute",
		"route_id":            id,
	})
	log := zerowrap.FromCtx(ctx)

	err := c.withRetry(ctx, func() error {
		routes, etag, err := c.fetchRoutes(ctx)
		if err != nil {
			return err
		}

		kept := routes[:0]
		for _, route := range routes {
			if routeID(route) != id {
				kept = append(kept, route)
			}
		}
		if len(kept) == len(routes) {
			return nil
		}

		return c.patchRoutes(ctx, kept, etag)
	})
	if err != nil {
		return err
	}

	log.Debug().Msg("route fragment removed")
	return nil
}

// ListRoutes reads the currently applied fragments that carry a route id.
func (c *Client) ListRoutes(ctx context.Context) ([]out.AppliedRoute, error) {
	routes, _, err := c.fetchRoutes(ctx)
	if err != nil {
		return nil, err
	}

	applied := make([]out.AppliedRoute, 0, len(routes))
	for _, route := range routes {
		id := routeID(route)
		if id == "" {
			continue
		}
		raw, err := json.Marshal(route)
		if err != nil {
			continue
		}
		applied = append(applied, out.AppliedRoute{
			RouteID:  id,
			Checksum: Checksum(route),
			Fragment: raw,
		})
	}
	return applied, nil
}

// Config returns the full proxy configuration.
func (c *Client) Config(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/config/", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProxyUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", domain.ErrProxyUnavailable, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) fetchRoutes(ctx context.Context) ([]map[string]any, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.routesPath(), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrProxyUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: fetch routes status %d", domain.ErrProxyUnavailable, resp.StatusCode)
	}

	var routes []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&routes); err != nil {
		return nil, "", fmt.Errorf("decode routes: %w", err)
	}
	return routes, resp.Header.Get("Etag"), nil
}

func (c *Client) patchRoutes(ctx context.Context, routes []map[string]any, etag string) error {
	body, err := json.Marshal(routes)
	if err != nil {
		return fmt.Errorf("marshal routes: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.routesPath(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProxyUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		return domain.ErrConcurrentEdit
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: patch routes status %d: %s", domain.ErrProxyUnavailable, resp.StatusCode, msg)
	}
	return nil
}

// withRetry runs fn with bounded retries, backing off between attempts.
// Concurrent-edit conflicts re-read the array and try again.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < c.retries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == c.retries-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.policy.Delay(attempt)):
		}
	}
	return err
}

func routeID(route map[string]any) string {
	id, _ := route["@id"].(string)
	return id
}
