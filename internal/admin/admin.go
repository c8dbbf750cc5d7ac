// Package admin serves the operator surface: liveness, readiness, runtime
// stats and endpoint cache invalidation.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/auth"
	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/cache"
	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/calllog"
	"github.com/gorilla/mux"
)

type EndpointCache interface {
	Invalidate(tenantID, endpointID string)
	Stats() cache.Stats
}

type CallLogStats interface {
	Stats() calllog.Stats
}

// Pinger is a dependency that must answer for the gateway to be ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires the handler. Every field except Logger may be left nil.
type Options struct {
	Cache         EndpointCache
	CallLog       CallLogStats
	RateLimitKeys func(ctx context.Context) (int, error)
	Dependencies  map[string]Pinger
	Logger        *slog.Logger
}

type AdminHandler struct {
	opts    Options
	started time.Time
}

func NewAdminHandler(opts Options) *AdminHandler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &AdminHandler{opts: opts, started: time.Now()}
}

// RegisterRoutes mounts /health and /ready publicly and the /admin routes
// behind the operator middleware. A nil middleware leaves /admin unmounted.
func (h *AdminHandler) RegisterRoutes(router *mux.Router, operators *auth.Middleware) {
	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.HandleFunc("/ready", h.Ready).Methods(http.MethodGet)

	if operators == nil {
		return
	}
	ops := router.PathPrefix("/admin").Subrouter()
	ops.Use(operators.Authenticate)
	ops.HandleFunc("/stats", h.GetStats).Methods(http.MethodGet)
	ops.HandleFunc("/cache/endpoints/{tenant_id}/{endpoint_id}", h.InvalidateEndpoint).Methods(http.MethodDelete)
}

func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *AdminHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.opts.Dependencies))
	status := http.StatusOK
	for name, dep := range h.opts.Dependencies {
		if err := dep.Ping(ctx); err != nil {
			h.opts.Logger.Warn("readiness check failed", "dependency", name, "error", err)
			checks[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

type rateLimitStats struct {
	Keys  int    `json:"keys"`
	Error string `json:"error,omitempty"`
}

type statsResponse struct {
	UptimeSeconds int64           `json:"uptime_seconds"`
	EndpointCache *cache.Stats    `json:"endpoint_cache,omitempty"`
	CallLog       *calllog.Stats  `json:"call_log,omitempty"`
	RateLimit     *rateLimitStats `json:"rate_limit,omitempty"`
}

func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{UptimeSeconds: int64(time.Since(h.started).Seconds())}

	if h.opts.Cache != nil {
		s := h.opts.Cache.Stats()
		resp.EndpointCache = &s
	}
	if h.opts.CallLog != nil {
		s := h.opts.CallLog.Stats()
		resp.CallLog = &s
	}
	if h.opts.RateLimitKeys != nil {
		keys, err := h.opts.RateLimitKeys(r.Context())
		resp.RateLimit = &rateLimitStats{Keys: keys}
		if err != nil {
			h.opts.Logger.Warn("failed to count rate limit keys", "error", err)
			resp.RateLimit.Error = "unavailable"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) InvalidateEndpoint(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID, endpointID := vars["tenant_id"], vars["endpoint_id"]

	if h.opts.Cache != nil {
		h.opts.Cache.Invalidate(tenantID, endpointID)
	}

	operator := ""
	if claims, ok := auth.GetOperatorFromContext(r.Context()); ok {
		operator = claims.Operator
	}
	h.opts.Logger.Info("endpoint cache invalidated",
		"tenant_id", tenantID,
		"endpoint_id", endpointID,
		"operator", operator,
	)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
