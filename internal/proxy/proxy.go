// Package proxy serves dynamic endpoint calls: it resolves the endpoint,
// checks the credential and rate budget, forwards a canonical envelope to the
// tenant's destination, relays the answer and records the call.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/auth"
	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/envelope"
	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/metrics"
	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/models"
	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/ratelimit"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const RequestIDHeader = "X-Request-ID"

// Stage is the last point a request reached in the pipeline.
type Stage string

const (
	StageReceived          Stage = "received"
	StageEndpointResolved  Stage = "endpoint_resolved"
	StageCredentialChecked Stage = "credential_checked"
	StageRateLimitChecked  Stage = "rate_limit_checked"
	StageForwarded         Stage = "forwarded"
	StageResponded         Stage = "responded"
	StageLogged            Stage = "logged"
)

type EndpointSource interface {
	GetEndpoint(ctx context.Context, tenantID, endpointID string) (*models.EndpointConfig, error)
}

type CredentialValidator interface {
	Validate(ctx context.Context, raw string, endpoint *models.EndpointConfig) auth.Result
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, budget models.RateBudget) ratelimit.Decision
}

type CallRecorder interface {
	Record(entry *models.CallLogEntry)
}

type Destination interface {
	Forward(ctx context.Context, destination string, body []byte, inbound http.Header) (*Response, error)
}

// HandlerConfig wires the handler's collaborators. Metrics and Logger are optional.
type HandlerConfig struct {
	Endpoints         EndpointSource
	Validator         CredentialValidator
	Limiter           RateLimiter
	Forwarder         Destination
	Recorder          CallRecorder
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
	MaxBodyBytes      int64
	TrustForwardedFor bool
}

type Handler struct {
	endpoints         EndpointSource
	validator         CredentialValidator
	limiter           RateLimiter
	forwarder         Destination
	recorder          CallRecorder
	metrics           *metrics.Metrics
	logger            *slog.Logger
	maxBodyBytes      int64
	trustForwardedFor bool
	now               func() time.Time
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handler{
		endpoints:         cfg.Endpoints,
		validator:         cfg.Validator,
		limiter:           cfg.Limiter,
		forwarder:         cfg.Forwarder,
		recorder:          cfg.Recorder,
		metrics:           cfg.Metrics,
		logger:            logger,
		maxBodyBytes:      maxBody,
		trustForwardedFor: cfg.TrustForwardedFor,
		now:               time.Now,
	}
}

// RegisterRoutes mounts the dynamic endpoint route. It should be registered
// after every fixed route so those take precedence.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.Handle("/{endpoint_id}/{tenant_id}", h).Methods(http.MethodPost)
}

// result is what the caller is sent once the pipeline stops.
type result struct {
	status      int
	body        []byte
	contentType string
	retryAfter  time.Duration
	err         *GatewayError
}

// call tracks one request through the pipeline.
type call struct {
	stage  Stage
	entry  *models.CallLogEntry
	logger *slog.Logger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := h.now()
	vars := mux.Vars(r)
	endpointID, tenantID := vars["endpoint_id"], vars["tenant_id"]

	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, requestID)

	logger := h.logger.With(
		"request_id", requestID,
		"tenant_id", tenantID,
		"endpoint_id", endpointID,
	)

	endpoint, gerr := h.resolve(r.Context(), tenantID, endpointID)
	if gerr != nil {
		if gerr.Kind != KindNotFound {
			logger.Error("endpoint lookup failed", "error", gerr.Err)
		}
		res := errorResult(gerr)
		h.respond(w, res)
		h.observe(res, StageReceived, h.now().Sub(start))
		return
	}

	c := &call{
		stage:  StageEndpointResolved,
		logger: logger,
		entry: &models.CallLogEntry{
			ID:         uuid.NewString(),
			EndpointID: endpoint.ID,
			RequestID:  requestID,
			Method:     r.Method,
			Path:       r.URL.Path,
			ClientAddr: clientAddr(r, h.trustForwardedFor),
			UserAgent:  r.UserAgent(),
		},
	}

	res := h.run(r, endpoint, c)
	h.respond(w, res)
	c.stage = StageResponded

	elapsed := h.now().Sub(start)
	c.entry.StatusCode = res.status
	c.entry.DurationMs = elapsed.Milliseconds()
	c.entry.CreatedAt = start.UTC()
	if res.err != nil {
		msg := res.err.logMessage()
		c.entry.ErrorMessage = &msg
		if res.err.Kind != KindUpstream && res.err.Kind != KindUnexpected {
			c.entry.ResponseBody = string(res.body)
		}
	} else {
		c.entry.ResponseBody = string(res.body)
	}
	h.recorder.Record(c.entry)
	c.stage = StageLogged

	h.observe(res, c.stage, elapsed)
	h.logCompletion(c, res, elapsed)
}

// resolve returns the active endpoint or a not-found error. Inactive and
// absent endpoints look the same to the caller.
func (h *Handler) resolve(ctx context.Context, tenantID, endpointID string) (endpoint *models.EndpointConfig, gerr *GatewayError) {
	defer func() {
		if p := recover(); p != nil {
			endpoint = nil
			gerr = newError(KindUnexpected, "Internal server error", fmt.Errorf("panic: %v", p))
		}
	}()

	endpoint, err := h.endpoints.GetEndpoint(ctx, tenantID, endpointID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, newError(KindNotFound, "Endpoint not found", nil)
		}
		return nil, newError(KindUnexpected, "Internal server error", err)
	}
	if !endpoint.Active {
		return nil, newError(KindNotFound, "Endpoint not found", nil)
	}
	return endpoint, nil
}

// run executes the pipeline after the endpoint is known. Panics become an
// unexpected error so the call is still answered and recorded.
func (h *Handler) run(r *http.Request, endpoint *models.EndpointConfig, c *call) (res result) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("panic while handling request",
				"stage", c.stage,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			res = errorResult(newError(KindUnexpected, "Internal server error", fmt.Errorf("panic: %v", p)))
		}
	}()

	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, h.maxBodyBytes))
	c.entry.RequestBody = string(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errorResult(newError(KindPayloadTooLarge, "Request body too large", err))
		}
		return errorResult(newError(KindBadRequest, "Failed to read request body", err))
	}

	verdict := h.validator.Validate(ctx, r.Header.Get(auth.CredentialHeader), endpoint)
	c.entry.CredentialID = verdict.CredentialID
	if !verdict.Status.Authorized() {
		return errorResult(newError(KindAuth, verdict.Status.Message(), nil))
	}
	c.stage = StageCredentialChecked

	decision := h.limiter.Allow(ctx, ratelimit.Key(endpoint.ID, c.entry.ClientAddr), endpoint.RateLimit)
	if !decision.Allowed {
		if h.metrics != nil {
			h.metrics.RateLimitRejects.Inc()
		}
		res := errorResult(newError(KindAdmission, "Rate limit exceeded", nil))
		res.retryAfter = decision.RetryAfter
		return res
	}
	c.stage = StageRateLimitChecked

	canonical, err := envelope.Build(endpoint.TenantID, endpoint.ID, endpoint.KnowledgeRefID(), body)
	if err != nil {
		return errorResult(newError(KindUnexpected, "Internal server error", err))
	}

	forwardStart := h.now()
	resp, err := h.forwarder.Forward(ctx, endpoint.DestinationURL, canonical, r.Header)
	if err != nil {
		if errors.Is(err, ErrInvalidDestination) {
			return errorResult(newError(KindConfiguration, "The route must be an absolute URL", err))
		}
		return errorResult(newError(KindUpstream, "Failed to reach destination", err))
	}
	c.stage = StageForwarded
	if h.metrics != nil {
		h.metrics.ForwardDuration.WithLabelValues(metrics.StatusClass(resp.StatusCode)).
			Observe(h.now().Sub(forwardStart).Seconds())
	}

	contentType := "text/plain; charset=utf-8"
	if resp.JSON {
		contentType = "application/json"
	}
	return result{status: resp.StatusCode, body: resp.Body, contentType: contentType}
}

func errorResult(gerr *GatewayError) result {
	body, _ := json.Marshal(map[string]string{"message": gerr.Message})
	return result{
		status:      gerr.Status(),
		body:        body,
		contentType: "application/json",
		err:         gerr,
	}
}

func (h *Handler) respond(w http.ResponseWriter, res result) {
	if res.contentType != "" {
		w.Header().Set("Content-Type", res.contentType)
	}
	if res.retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.retryAfter.Seconds()))))
	}
	w.WriteHeader(res.status)
	if len(res.body) > 0 {
		if _, err := w.Write(res.body); err != nil {
			h.logger.Debug("failed to write response", "error", err)
		}
	}
}

func outcome(res result) string {
	if res.err != nil {
		return res.err.Kind.String()
	}
	return "forwarded"
}

func (h *Handler) observe(res result, stage Stage, elapsed time.Duration) {
	if h.metrics == nil {
		return
	}
	o := outcome(res)
	h.metrics.RequestsTotal.WithLabelValues(o, string(stage)).Inc()
	h.metrics.RequestDuration.WithLabelValues(o).Observe(elapsed.Seconds())
}

func (h *Handler) logCompletion(c *call, res result, elapsed time.Duration) {
	attrs := []any{
		"status", res.status,
		"outcome", outcome(res),
		"client", c.entry.ClientAddr,
		"duration_ms", elapsed.Milliseconds(),
	}
	switch {
	case res.err == nil:
		c.logger.Info("request completed", attrs...)
	case res.err.Kind == KindUpstream || res.err.Kind == KindUnexpected:
		c.logger.Error("request failed", append(attrs, "error", res.err.logMessage())...)
	default:
		c.logger.Warn("request rejected", append(attrs, "reason", res.err.Message)...)
	}
}

// clientAddr picks the address used for rate limiting and call records.
// X-Forwarded-For is honoured only when the gateway sits behind a trusted proxy.
func clientAddr(r *http.Request, trustForwardedFor bool) string {
	if trustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
