package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"

	"throttler/internal/models"
	"throttler/internal/ratelimit"
)

// RouteOption configures optional route behavior.
type RouteOption func(*routeConfig)

type routeConfig struct {
	otelServiceName string
	rateLimiter     func(http.Handler) http.Handler
}

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(c *routeConfig) {
		c.otelServiceName = serviceName
	}
}

// WithRateLimiter adds rate limiting middleware to the router. It runs after
// organization and optional API key resolution so both can be part of the key.
func WithRateLimiter(middleware func(http.Handler) http.Handler) RouteOption {
	return func(c *routeConfig) {
		c.rateLimiter = middleware
	}
}

// SetupRoutes configures the HTTP routes for the API
func SetupRoutes(handlers *Handlers, config *models.Config, opts ...RouteOption) *mux.Router {
	rc := &routeConfig{}
	for _, opt := range opts {
		opt(rc)
	}

	router := mux.NewRouter()

	if rc.otelServiceName != "" {
		router.Use(otelmux.Middleware(rc.otelServiceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health" &&
					r.URL.Path != "/api/v1/health" &&
					r.URL.Path != "/metrics"
			}),
		))
	}
	router.Use(recoveryMiddleware)
	router.Use(loggingMiddleware)
	router.Use(organizationMiddleware)
	if config.Security.EnableAuth {
		router.Use(optionalAuthMiddleware(config.Security))
	}
	if rc.rateLimiter != nil {
		router.Use(rc.rateLimiter)
	}

	router.HandleFunc("/", handlers.Root).Methods("GET")
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	api.HandleFunc("/ratelimit/status", handlers.RateLimitStatus).Methods("GET")
	api.HandleFunc("/ratelimit/info", handlers.RateLimitInfo).Methods("GET")
	api.HandleFunc("/ratelimit/check", handlers.CheckRateLimit).Methods("POST")

	policies := api.PathPrefix("/policies").Subrouter()
	if config.Security.EnableAuth {
		policies.Use(authMiddleware(config.Security))
		policies.Use(RequirePermission(PermissionAdmin))
	}
	policies.HandleFunc("", handlers.ListPolicies).Methods("GET")
	policies.HandleFunc("/{org_id}", handlers.GetPolicy).Methods("GET")
	policies.HandleFunc("/{org_id}", handlers.PutPolicy).Methods("PUT")
	policies.HandleFunc("/{org_id}", handlers.DeletePolicy).Methods("DELETE")

	router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowedHandler)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, models.NewErrorResponse("Resource not found", models.ErrorCodeNotFound))
	})

	return router
}

// methodNotAllowedHandler handles requests with invalid HTTP methods
func methodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, models.NewErrorResponse("Method not allowed", models.ErrorCodeInvalidRequest))
}

// statusRecorder captures the response status for logging.
type statusRecorder struct {
	http.ResponseWriter
	start  time.Time
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
		sr.Header().Set("X-Process-Time", strconv.FormatFloat(time.Since(sr.start).Seconds(), 'f', 6, 64))
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.WriteHeader(http.StatusOK)
	}
	return sr.ResponseWriter.Write(b)
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, start: time.Now()}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(r.Context(), level, "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(rec.start),
			"remote_addr", ratelimit.ClientIP(r),
			"org_id", r.Header.Get(OrganizationHeader))
	})
}

// recoveryMiddleware handles panics
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("Panic recovered", "error", err, "path", r.URL.Path)
				writeJSON(w, http.StatusInternalServerError, models.NewErrorResponse("Internal server error", models.ErrorCodeInternalError))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
