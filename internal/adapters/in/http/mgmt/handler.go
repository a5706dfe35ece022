// Package mgmt implements the HTTP adapter for the management API.
package mgmt

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bnema/zerowrap"

	"dcrp/internal/boundaries/in"
	"dcrp/internal/boundaries/out"
	"dcrp/internal/domain"
)

// maxRequestSize is the maximum allowed size for management API request bodies.
const maxRequestSize = 1 << 20 // 1MB

// Handler implements the HTTP handler for the management API.
type Handler struct {
	routeSvc  in.RouteService
	healthSvc in.HealthService
	proxy     out.ProxyAdmin
	log       zerowrap.Logger
}

type routeResponse struct {
	RouteID         string     `json:"route_id"`
	Host            string     `json:"host"`
	Upstream        string     `json:"upstream"`
	Origin          string     `json:"origin"`
	ForceSSL        bool       `json:"force_ssl"`
	WebSocket       bool       `json:"websocket"`
	HostID          string     `json:"host_id,omitempty"`
	State           string     `json:"state"`
	Checksum        string     `json:"checksum,omitempty"`
	LastAppliedAt   *time.Time `json:"last_applied_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
}

type createRouteRequest struct {
	Host      string `json:"host"`
	Upstream  string `json:"upstream"`
	ForceSSL  bool   `json:"force_ssl"`
	WebSocket bool   `json:"websocket"`
}

type updateRouteRequest struct {
	Upstream  *string `json:"upstream"`
	ForceSSL  *bool   `json:"force_ssl"`
	WebSocket *bool   `json:"websocket"`
}

// NewHandler creates a new management HTTP handler.
func NewHandler(routeSvc in.RouteService, healthSvc in.HealthService, proxy out.ProxyAdmin, log zerowrap.Logger) *Handler {
	return &Handler{
		routeSvc:  routeSvc,
		healthSvc: healthSvc,
		proxy:     proxy,
		log:       log,
	}
}

// RegisterRoutes registers the management routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/routes", h.handle)
	mux.HandleFunc("/routes/", h.handle)
	mux.HandleFunc("/health", h.handle)
	mux.HandleFunc("/config", h.handle)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r)
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	ctx := zerowrap.CtxWithFields(r.Context(), map[string]any{
		zerowrap.FieldLayer:   "adapter",
		zerowrap.FieldAdapter: "http",
		zerowrap.FieldHandler: "mgmt",
		zerowrap.FieldMethod:  r.Method,
		zerowrap.FieldPath:    r.URL.Path,
	})
	r = r.WithContext(ctx)

	path := r.URL.Path
	switch {
	case path == "/routes" || strings.HasPrefix(path, "/routes/"):
		h.handleRoutes(w, r, strings.TrimPrefix(strings.TrimPrefix(path, "/routes"), "/"))
	case path == "/health":
		h.handleHealth(w, r)
	case path == "/config":
		h.handleConfig(w, r)
	default:
		http.NotFound(w, r)
	}
}

// sendJSON sends a JSON response.
func (h *Handler) sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// sendError sends an error response.
func (h *Handler) sendError(w http.ResponseWriter, status int, message string) {
	h.sendJSON(w, status, map[string]string{"error": message})
}

// handleRoutes handles /routes endpoints.
func (h *Handler) handleRoutes(w http.ResponseWriter, r *http.Request, routeID string) {
	switch r.Method {
	case http.MethodGet:
		h.handleRoutesGet(w, r, routeID)
	case http.MethodPost:
		if routeID != "" {
			h.sendError(w, http.StatusBadRequest, "route id not allowed on create")
			return
		}
		h.handleRoutesPost(w, r)
	case http.MethodPatch:
		if routeID == "" {
			h.sendError(w, http.StatusBadRequest, "route id required in path")
			return
		}
		h.handleRoutesPatch(w, r, routeID)
	case http.MethodDelete:
		h.handleRoutesDelete(w, r, routeID)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleRoutesGet(w http.ResponseWriter, r *http.Request, routeID string) {
	ctx := r.Context()

	if routeID == "" {
		routes := h.routeSvc.ListRoutes(ctx)
		response := make([]routeResponse, 0, len(routes))
		for _, route := range routes {
			response = append(response, toRouteResponse(route))
		}
		h.sendJSON(w, http.StatusOK, response)
		return
	}

	route, err := h.routeSvc.GetRoute(ctx, routeID)
	if err != nil {
		h.sendError(w, http.StatusNotFound, "route not found")
		return
	}
	h.sendJSON(w, http.StatusOK, toRouteResponse(route))
}

func (h *Handler) handleRoutesPost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := zerowrap.FromCtx(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)

	var req createRouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn().Err(err).Msg("invalid route JSON")
		h.sendError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	routeID, err := h.routeSvc.CreateManualRoute(ctx, req.Host, req.Upstream, req.ForceSSL, req.WebSocket)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrRouteConflict):
			h.sendError(w, http.StatusConflict, "host is owned by a container-discovered route")
		case errors.Is(err, domain.ErrInvalidRoute):
			h.sendError(w, http.StatusBadRequest, err.Error())
		default:
			log.Error().Err(err).Str("target_host", req.Host).Msg("failed to create route")
			h.sendError(w, http.StatusInternalServerError, "failed to create route")
		}
		return
	}

	log.Info().Str("route_id", routeID).Str("target_host", req.Host).Msg("manual route created")
	h.sendJSON(w, http.StatusCreated, map[string]string{"route_id": routeID})
}

func (h *Handler) handleRoutesPatch(w http.ResponseWriter, r *http.Request, routeID string) {
	ctx := r.Context()
	log := zerowrap.FromCtx(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)

	var req updateRouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn().Err(err).Msg("invalid route JSON")
		h.sendError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := h.routeSvc.UpdateRoute(ctx, routeID, req.Upstream, req.ForceSSL, req.WebSocket); err != nil {
		switch {
		case errors.Is(err, domain.ErrRouteNotFound):
			h.sendError(w, http.StatusNotFound, "route not found")
		case errors.Is(err, domain.ErrRouteProtected):
			h.sendError(w, http.StatusForbidden, "container-discovered routes follow their container")
		case errors.Is(err, domain.ErrInvalidRoute):
			h.sendError(w, http.StatusBadRequest, err.Error())
		default:
			log.Error().Err(err).Str("route_id", routeID).Msg("failed to update route")
			h.sendError(w, http.StatusInternalServerError, "failed to update route")
		}
		return
	}

	log.Info().Str("route_id", routeID).Msg("route updated")
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "updated", "route_id": routeID})
}

func (h *Handler) handleRoutesDelete(w http.ResponseWriter, r *http.Request, routeID string) {
	ctx := r.Context()
	log := zerowrap.FromCtx(ctx)

	if routeID == "" {
		h.sendError(w, http.StatusBadRequest, "route id required in path")
		return
	}

	if err := h.routeSvc.DeleteRoute(ctx, routeID); err != nil {
		switch {
		case errors.Is(err, domain.ErrRouteNotFound):
			h.sendError(w, http.StatusNotFound, "route not found")
		case errors.Is(err, domain.ErrRouteProtected):
			h.sendError(w, http.StatusForbidden, "container-discovered routes are removed by their container")
		default:
			log.Error().Err(err).Str("route_id", routeID).Msg("failed to delete route")
			h.sendError(w, http.StatusInternalServerError, "failed to delete route")
		}
		return
	}

	log.Info().Str("route_id", routeID).Msg("route deleted")
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth handles the /health endpoint.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report := h.healthSvc.Report(r.Context())
	h.sendJSON(w, http.StatusOK, report)
}

// handleConfig handles the /config endpoint: the proxy's current
// configuration passed through verbatim for inspection.
func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	log := zerowrap.FromCtx(ctx)

	cfg, err := h.proxy.Config(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to fetch proxy config")
		h.sendError(w, http.StatusBadGateway, "proxy admin API unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(cfg)
}

func toRouteResponse(route domain.RouteInfo) routeResponse {
	resp := routeResponse{
		RouteID:   route.Intent.RouteID,
		Host:      route.Intent.Host,
		Upstream:  route.Intent.Upstream,
		Origin:    string(route.Intent.Origin),
		ForceSSL:  route.Intent.ForceSSL,
		WebSocket: route.Intent.WebSocket,
		HostID:    route.Intent.HostID,
		State:     string(route.Status.State),
		Checksum:  route.Status.Checksum,
	}
	switch route.Status.State {
	case domain.RouteStateRejected:
		resp.RejectionReason = route.Status.Reason
	case domain.RouteStateError:
		resp.LastError = route.Status.Reason
	}
	if !route.Status.LastAppliedAt.IsZero() {
		t := route.Status.LastAppliedAt
		resp.LastAppliedAt = &t
	}
	return resp
}
