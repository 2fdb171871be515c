package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"throttler/internal/models"
)

// DefaultSkipPaths are never throttled.
var DefaultSkipPaths = []string{"/", "/health", "/api/v1/health", "/metrics"}

// QuotaResolver resolves the quota that applies to an organization.
type QuotaResolver interface {
	Resolve(ctx context.Context, orgID string) Quota
}

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	keyFunc   KeyFunc
	skipPaths map[string]struct{}
	now       func() time.Time
}

// WithKeyFunc replaces ClientKey as the key builder.
func WithKeyFunc(fn KeyFunc) MiddlewareOption {
	return func(c *middlewareConfig) {
		if fn != nil {
			c.keyFunc = fn
		}
	}
}

// WithSkipPaths replaces DefaultSkipPaths.
func WithSkipPaths(paths []string) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.skipPaths = toSet(paths)
	}
}

// Middleware returns HTTP middleware that enforces the quota of the caller's
// organization. Informational headers are set on every throttled path; denied
// requests get 429 with a Retry-After hint and a JSON error body.
func Middleware(limiter Limiter, quotas QuotaResolver, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := &middlewareConfig{
		keyFunc:   ClientKey,
		skipPaths: toSet(DefaultSkipPaths),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := cfg.skipPaths[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			quota := quotas.Resolve(ctx, OrganizationFromContext(ctx))
			key := cfg.keyFunc(r)

			d := limiter.CheckAndConsume(ctx, key, quota.Limit, quota.Window)
			SetHeaders(w.Header(), d, quota.Window, cfg.now())

			if !d.Allowed {
				retryAfter := d.RetryAfterSeconds()
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)

				errorResp := models.NewErrorResponse("Rate limit exceeded", models.ErrorCodeRateLimited)
				errorResp.Details = map[string]string{
					"retry_after": strconv.Itoa(retryAfter),
					"limit":       strconv.Itoa(d.Limit),
					"window":      strconv.Itoa(int(quota.Window.Seconds())),
					"backend":     string(d.Backend),
				}
				json.NewEncoder(w).Encode(errorResp)

				slog.Warn("Rate limit exceeded",
					"key", key,
					"limit", d.Limit,
					"backend", d.Backend,
					"retry_after", retryAfter,
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SetHeaders writes the X-RateLimit-* headers for a decision.
func SetHeaders(h http.Header, d Decision, window time.Duration, now time.Time) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt(now).Unix(), 10))
	h.Set("X-RateLimit-Window", strconv.Itoa(int(window.Seconds())))
	h.Set("X-RateLimit-Backend", string(d.Backend))
}

func toSet(paths []string) map[string]struct{} {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return set
}
