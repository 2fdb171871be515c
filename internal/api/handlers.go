package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"throttler/internal/models"
	"throttler/internal/policy"
	"throttler/internal/ratelimit"
	"throttler/internal/storage"
	"throttler/internal/version"
)

// Limiter is the limiter surface used by the handlers. *ratelimit.HybridLimiter
// implements it.
type Limiter interface {
	ratelimit.Limiter
	State() ratelimit.State
	Health() ratelimit.HealthSnapshot
	Transitions() (degrades, recoveries int64)
	SharedConfigured() bool
}

// Handlers contains HTTP handlers for the throttler API
type Handlers struct {
	store            storage.Storage
	resolver         *policy.Resolver
	policies         *policy.Service
	limiter          Limiter
	stats            *ratelimit.Stats
	rateLimitEnabled bool
	info             version.Info
	startTime        time.Time
}

// HandlerOption configures optional Handlers dependencies.
type HandlerOption func(*Handlers)

// WithStats exposes in-process decision counts on the status endpoint.
func WithStats(stats *ratelimit.Stats) HandlerOption {
	return func(h *Handlers) {
		h.stats = stats
	}
}

// WithRateLimitEnabled reports whether the rate limit middleware is installed.
func WithRateLimitEnabled(enabled bool) HandlerOption {
	return func(h *Handlers) {
		h.rateLimitEnabled = enabled
	}
}

// WithVersionInfo overrides the build metadata reported by the handlers.
func WithVersionInfo(info version.Info) HandlerOption {
	return func(h *Handlers) {
		h.info = info
	}
}

// NewHandlers creates a new handlers instance
func NewHandlers(store storage.Storage, resolver *policy.Resolver, limiter Limiter, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		store:            store,
		resolver:         resolver,
		policies:         policy.NewService(store, resolver),
		limiter:          limiter,
		rateLimitEnabled: true,
		info:             version.GetInfo(),
		startTime:        time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HealthCheck handles health check requests
// GET /health
//
// A degraded limiter still answers every request, so the instance reports
// "degraded" with 200. Only an unreachable policy store yields 503.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := models.StatusHealthy
	statusCode := http.StatusOK

	response := models.NewHealthCheckResponse(status)
	response.Version = h.info.Version
	response.Uptime = time.Since(h.startTime).Round(time.Second).String()

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		slog.Error("Policy storage health check failed", "error", err)
		response.AddComponent("storage", models.StatusUnhealthy, "Policy storage is unreachable")
		status = models.StatusUnhealthy
		statusCode = http.StatusServiceUnavailable
	} else {
		response.AddComponent("storage", models.StatusHealthy, "Policy storage is operational")
	}

	switch {
	case h.limiter.Backend() == ratelimit.BackendShared:
		response.AddComponent("ratelimit", models.StatusHealthy, "Using shared counters")
	case h.limiter.SharedConfigured():
		response.AddComponent("ratelimit", models.StatusDegraded, "Shared store unavailable, limits are enforced per instance")
		if status == models.StatusHealthy {
			status = models.StatusDegraded
		}
	default:
		response.AddComponent("ratelimit", models.StatusHealthy, "Using local counters")
	}

	response.Status = status
	response.AddMetric("ratelimit_backend", string(h.limiter.Backend()))
	response.AddMetric("instance_id", h.info.InstanceID)

	h.writeJSONResponse(w, statusCode, response)
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	writeJSON(w, statusCode, data)
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSON(w, statusCode, models.NewErrorResponse(message, errorCode))
}

// writeServiceErrorResponse maps a policy.ServiceError to its status and code.
// Anything else is reported as an internal error.
func (h *Handlers) writeServiceErrorResponse(w http.ResponseWriter, err error) {
	var serviceErr *policy.ServiceError
	if errors.As(err, &serviceErr) {
		if serviceErr.StatusCode >= http.StatusInternalServerError {
			slog.Error("Policy service error", "code", serviceErr.Code, "error", err)
		}
		h.writeErrorResponse(w, serviceErr.StatusCode, serviceErr.Code, serviceErr.Message)
		return
	}
	slog.Error("Unexpected error", "error", err)
	h.writeErrorResponse(w, http.StatusInternalServerError, models.ErrorCodeInternalError, "Internal server error")
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already written; nothing else can be sent.
		slog.Error("Error encoding JSON response", "error", err)
	}
}

func quotaInfo(q ratelimit.Quota) models.QuotaInfo {
	return models.QuotaInfo{Limit: q.Limit, Window: int(q.Window.Seconds())}
}

// Root describes the service.
// GET /
func (h *Handlers) Root(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, map[string]string{
		"service":     "throttler",
		"version":     h.info.Version,
		"instance_id": h.info.ShortInstanceID(),
		"health":      "/health",
		"status":      "/api/v1/ratelimit/status",
	})
}
