package mgmt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bnema/zerowrap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcrp/internal/boundaries/in"
	"dcrp/internal/boundaries/out"
	"dcrp/internal/domain"
)

type fakeRouteService struct {
	routes    map[string]domain.RouteInfo
	createErr error
	updateErr error
	deleteErr error
	updated   []string
	deleted   []string
}

var _ in.RouteService = (*fakeRouteService)(nil)

func (s *fakeRouteService) ListRoutes(ctx context.Context) []domain.RouteInfo {
	result := make([]domain.RouteInfo, 0, len(s.routes))
	for _, r := range s.routes {
		result = append(result, r)
	}
	return result
}

func (s *fakeRouteService) GetRoute(ctx context.Context, routeID string) (domain.RouteInfo, error) {
	r, ok := s.routes[routeID]
	if !ok {
		return domain.RouteInfo{}, domain.ErrRouteNotFound
	}
	return r, nil
}

func (s *fakeRouteService) CreateManualRoute(ctx context.Context, host, upstream string, forceSSL, websocket bool) (string, error) {
	if s.createErr != nil {
		return "", s.createErr
	}
	return domain.ManualRouteID(host), nil
}

func (s *fakeRouteService) UpdateRoute(ctx context.Context, routeID string, upstream *string, forceSSL, websocket *bool) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	r, ok := s.routes[routeID]
	if !ok {
		return domain.ErrRouteNotFound
	}
	if upstream != nil {
		r.Intent.Upstream = *upstream
	}
	if forceSSL != nil {
		r.Intent.ForceSSL = *forceSSL
	}
	if websocket != nil {
		r.Intent.WebSocket = *websocket
	}
	s.routes[routeID] = r
	s.updated = append(s.updated, routeID)
	return nil
}

func (s *fakeRouteService) DeleteRoute(ctx context.Context, routeID string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	if _, ok := s.routes[routeID]; !ok {
		return domain.ErrRouteNotFound
	}
	s.deleted = append(s.deleted, routeID)
	return nil
}

type fakeHealthService struct {
	report in.HealthReport
}

func (s *fakeHealthService) Report(ctx context.Context) in.HealthReport {
	return s.report
}

type fakeProxy struct {
	config    json.RawMessage
	configErr error
}

var _ out.ProxyAdmin = (*fakeProxy)(nil)

func (p *fakeProxy) Render(domain.RouteIntent) string { return "" }
func (p *fakeProxy) UpsertRoute(ctx context.Context, intent domain.RouteIntent) (out.AppliedRoute, error) {
	return out.AppliedRoute{}, nil
}
func (p *fakeProxy) DeleteRoute(ctx context.Context, routeID string) error { return nil }
func (p *fakeProxy) ListRoutes(ctx context.Context) ([]out.AppliedRoute, error) {
	return nil, nil
}
func (p *fakeProxy) Config(ctx context.Context) (json.RawMessage, error) {
	return p.config, p.configErr
}

func appliedRoute(t *testing.T, host, upstream string) domain.RouteInfo {
	t.Helper()
	intent, err := domain.NewRouteIntent(domain.ManualRouteID(host), host, upstream, domain.OriginManual)
	require.NoError(t, err)
	return domain.RouteInfo{
		Intent: intent,
		Status: domain.RouteStatus{RouteID: intent.RouteID, State: domain.RouteStateApplied, Checksum: "abc"},
	}
}

func newTestHandler(routeSvc *fakeRouteService, healthSvc *fakeHealthService, proxy *fakeProxy) *Handler {
	if routeSvc == nil {
		routeSvc = &fakeRouteService{routes: map[string]domain.RouteInfo{}}
	}
	if healthSvc == nil {
		healthSvc = &fakeHealthService{}
	}
	if proxy == nil {
		proxy = &fakeProxy{config: json.RawMessage(`{}`)}
	}
	return NewHandler(routeSvc, healthSvc, proxy, zerowrap.Default())
}

func TestHandler_ListRoutes(t *testing.T) {
	info := appliedRoute(t, "app.example.com", "10.0.0.5:3000")
	svc := &fakeRouteService{routes: map[string]domain.RouteInfo{info.Intent.RouteID: info}}
	h := newTestHandler(svc, nil, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/routes", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body []routeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, "route_app_example_com", body[0].RouteID)
	assert.Equal(t, "applied", body[0].State)
	assert.Equal(t, "abc", body[0].Checksum)
	assert.Empty(t, body[0].RejectionReason)
}

func TestHandler_ListRoutesEmptyIsArray(t *testing.T) {
	h := newTestHandler(nil, nil, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/routes", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandler_GetRoute(t *testing.T) {
	info := appliedRoute(t, "app.example.com", "10.0.0.5:3000")
	svc := &fakeRouteService{routes: map[string]domain.RouteInfo{info.Intent.RouteID: info}}
	h := newTestHandler(svc, nil, nil)

	t.Run("found", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/routes/route_app_example_com", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp routeResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "app.example.com", resp.Host)
	})

	t.Run("not found", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/routes/route_nope", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandler_RejectedRouteCarriesReason(t *testing.T) {
	info := appliedRoute(t, "app.example.com", "10.0.0.5:3000")
	info.Status.State = domain.RouteStateRejected
	info.Status.Reason = "host is owned by manual route route_app_example_com"
	info.Status.Checksum = ""
	svc := &fakeRouteService{routes: map[string]domain.RouteInfo{info.Intent.RouteID: info}}
	h := newTestHandler(svc, nil, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/routes/"+info.Intent.RouteID, nil))

	var resp routeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "rejected", resp.State)
	assert.Contains(t, resp.RejectionReason, "owned by manual route")
	assert.Empty(t, resp.LastError)
}

func TestHandler_CreateRoute(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		h := newTestHandler(nil, nil, nil)
		body := strings.NewReader(`{"host":"app.example.com","upstream":"10.0.0.5:3000","force_ssl":true}`)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/routes", body))

		require.Equal(t, http.StatusCreated, rec.Code)
		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "route_app_example_com", resp["route_id"])
	})

	t.Run("invalid json", func(t *testing.T) {
		h := newTestHandler(nil, nil, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/routes", strings.NewReader("{not json")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("monitor owns host", func(t *testing.T) {
		svc := &fakeRouteService{createErr: domain.ErrRouteConflict}
		h := newTestHandler(svc, nil, nil)
		body := strings.NewReader(`{"host":"app.example.com","upstream":"10.0.0.5:3000"}`)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/routes", body))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("invalid route", func(t *testing.T) {
		svc := &fakeRouteService{createErr: domain.ErrInvalidRoute}
		h := newTestHandler(svc, nil, nil)
		body := strings.NewReader(`{"host":"","upstream":""}`)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/routes", body))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandler_UpdateRoute(t *testing.T) {
	t.Run("updated", func(t *testing.T) {
		info := appliedRoute(t, "app.example.com", "10.0.0.5:3000")
		svc := &fakeRouteService{routes: map[string]domain.RouteInfo{info.Intent.RouteID: info}}
		h := newTestHandler(svc, nil, nil)

		body := strings.NewReader(`{"upstream":"10.0.0.9:3000","websocket":true}`)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/routes/"+info.Intent.RouteID, body))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "updated", resp["status"])
		assert.Equal(t, info.Intent.RouteID, resp["route_id"])

		got := svc.routes[info.Intent.RouteID]
		assert.Equal(t, "10.0.0.9:3000", got.Intent.Upstream)
		assert.True(t, got.Intent.WebSocket)
		// Untouched fields keep their values.
		assert.False(t, got.Intent.ForceSSL)
	})

	t.Run("not found", func(t *testing.T) {
		h := newTestHandler(nil, nil, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/routes/route_nope", strings.NewReader(`{}`)))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("monitor route protected", func(t *testing.T) {
		svc := &fakeRouteService{updateErr: domain.ErrRouteProtected}
		h := newTestHandler(svc, nil, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/routes/monitor_srv1_web_abc_80", strings.NewReader(`{}`)))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("invalid json", func(t *testing.T) {
		h := newTestHandler(nil, nil, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/routes/route_x", strings.NewReader("{not json")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing id", func(t *testing.T) {
		h := newTestHandler(nil, nil, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/routes", strings.NewReader(`{}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandler_DeleteRoute(t *testing.T) {
	t.Run("deleted", func(t *testing.T) {
		info := appliedRoute(t, "app.example.com", "10.0.0.5:3000")
		svc := &fakeRouteService{routes: map[string]domain.RouteInfo{info.Intent.RouteID: info}}
		h := newTestHandler(svc, nil, nil)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/routes/"+info.Intent.RouteID, nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, []string{info.Intent.RouteID}, svc.deleted)
	})

	t.Run("not found", func(t *testing.T) {
		h := newTestHandler(nil, nil, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/routes/route_nope", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("monitor route protected", func(t *testing.T) {
		svc := &fakeRouteService{deleteErr: domain.ErrRouteProtected}
		h := newTestHandler(svc, nil, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/routes/monitor_srv1_web_abc_80", nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("missing id", func(t *testing.T) {
		h := newTestHandler(nil, nil, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/routes", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandler_Health(t *testing.T) {
	healthSvc := &fakeHealthService{report: in.HealthReport{
		Status: in.HealthDegraded,
		Hosts: []domain.HostStatus{
			{HostID: "local", State: domain.ConnectionConnected},
			{HostID: "srv1", State: domain.ConnectionDisconnected},
		},
	}}
	h := newTestHandler(nil, healthSvc, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var report in.HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, in.HealthDegraded, report.Status)
	require.Len(t, report.Hosts, 2)
}

func TestHandler_Config(t *testing.T) {
	t.Run("passthrough", func(t *testing.T) {
		proxy := &fakeProxy{config: json.RawMessage(`{"apps":{"http":{}}}`)}
		h := newTestHandler(nil, nil, proxy)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/config", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"apps":{"http":{}}}`, rec.Body.String())
	})

	t.Run("proxy down", func(t *testing.T) {
		proxy := &fakeProxy{configErr: domain.ErrProxyUnavailable}
		h := newTestHandler(nil, nil, proxy)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/config", nil))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h := newTestHandler(nil, nil, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/routes", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
