package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"throttler/internal/models"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// staticQuotas returns a per-organization quota, or fallback.
type staticQuotas struct {
	fallback Quota
	orgs     map[string]Quota
}

func (s staticQuotas) Resolve(_ context.Context, orgID string) Quota {
	if q, ok := s.orgs[orgID]; ok {
		return q
	}
	return s.fallback
}

func newTestMiddleware(t *testing.T, quotas QuotaResolver, opts ...MiddlewareOption) http.Handler {
	t.Helper()
	limiter := newTestHybrid(t, nil)
	return Middleware(limiter, quotas, opts...)(http.HandlerFunc(okHandler))
}

func serve(h http.Handler, path, remoteAddr string, mutate ...func(*http.Request) *http.Request) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	req.RemoteAddr = remoteAddr
	for _, m := range mutate {
		req = m(req)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestMiddleware_AllowedRequest(t *testing.T) {
	handler := newTestMiddleware(t, staticQuotas{fallback: Quota{Limit: 10, Window: time.Minute}})

	before := time.Now()
	rr := serve(handler, "/test", "192.168.1.1:12345")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "10", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", rr.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", rr.Header().Get("X-RateLimit-Window"))
	assert.Equal(t, "local", rr.Header().Get("X-RateLimit-Backend"))
	assert.Empty(t, rr.Header().Get("Retry-After"))

	reset, err := strconv.ParseInt(rr.Header().Get("X-RateLimit-Reset"), 10, 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, reset, before.Add(59*time.Second).Unix())
	assert.LessOrEqual(t, reset, time.Now().Add(61*time.Second).Unix())
}

func TestMiddleware_DeniedRequest(t *testing.T) {
	handler := newTestMiddleware(t, staticQuotas{fallback: Quota{Limit: 2, Window: time.Minute}})

	for i := 0; i < 2; i++ {
		rr := serve(handler, "/test", "192.168.1.1:12345")
		assert.Equal(t, http.StatusOK, rr.Code)
	}

	// Third request should be denied
	rr := serve(handler, "/test", "192.168.1.1:12345")

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))
	assert.Equal(t, "2", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var errResp models.ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&errResp))
	assert.Equal(t, "Rate limit exceeded", errResp.Message)
	assert.Equal(t, models.ErrorCodeRateLimited, errResp.Code)
	assert.Equal(t, "60", errResp.Details["retry_after"])
	assert.Equal(t, "2", errResp.Details["limit"])
	assert.Equal(t, "local", errResp.Details["backend"])
}

func TestMiddleware_OrganizationQuota(t *testing.T) {
	quotas := staticQuotas{
		fallback: Quota{Limit: 1, Window: time.Minute},
		orgs:     map[string]Quota{"acme": {Limit: 3, Window: 10 * time.Second}},
	}
	handler := newTestMiddleware(t, quotas)
	withOrg := func(r *http.Request) *http.Request {
		return r.WithContext(WithOrganization(r.Context(), "acme"))
	}

	for i := 0; i < 3; i++ {
		rr := serve(handler, "/test", "10.0.0.1:1", withOrg)
		require.Equal(t, http.StatusOK, rr.Code, "request %d", i)
		assert.Equal(t, "3", rr.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "10", rr.Header().Get("X-RateLimit-Window"))
	}
	assert.Equal(t, http.StatusTooManyRequests, serve(handler, "/test", "10.0.0.1:1", withOrg).Code)

	// Same address under the default organization has its own counter.
	assert.Equal(t, http.StatusOK, serve(handler, "/test", "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(handler, "/test", "10.0.0.1:1").Code)
}

func TestMiddleware_ClientsAreIndependent(t *testing.T) {
	handler := newTestMiddleware(t, staticQuotas{fallback: Quota{Limit: 1, Window: time.Minute}})

	assert.Equal(t, http.StatusOK, serve(handler, "/test", "192.168.1.1:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(handler, "/test", "192.168.1.1:2").Code)
	assert.Equal(t, http.StatusOK, serve(handler, "/test", "192.168.1.2:1").Code)
}

func TestMiddleware_XForwardedFor(t *testing.T) {
	handler := newTestMiddleware(t, staticQuotas{fallback: Quota{Limit: 1, Window: time.Minute}})
	forwarded := func(ip string) func(*http.Request) *http.Request {
		return func(r *http.Request) *http.Request {
			r.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
			return r
		}
	}

	assert.Equal(t, http.StatusOK, serve(handler, "/test", "10.0.0.1:1", forwarded("203.0.113.7")).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(handler, "/test", "10.0.0.1:1", forwarded("203.0.113.7")).Code)
	assert.Equal(t, http.StatusOK, serve(handler, "/test", "10.0.0.1:1", forwarded("203.0.113.8")).Code)
}

func TestMiddleware_SkipPaths(t *testing.T) {
	handler := newTestMiddleware(t, staticQuotas{fallback: Quota{Limit: 1, Window: time.Minute}})

	for _, path := range DefaultSkipPaths {
		for i := 0; i < 3; i++ {
			rr := serve(handler, path, "192.168.1.1:1")
			assert.Equal(t, http.StatusOK, rr.Code, path)
			assert.Empty(t, rr.Header().Get("X-RateLimit-Limit"), path)
		}
	}

	custom := newTestMiddleware(t, staticQuotas{fallback: Quota{Limit: 1, Window: time.Minute}},
		WithSkipPaths([]string{"/internal"}))
	assert.Equal(t, http.StatusOK, serve(custom, "/internal", "192.168.1.1:1").Code)
	assert.Equal(t, http.StatusOK, serve(custom, "/internal", "192.168.1.1:1").Code)
	assert.Equal(t, http.StatusOK, serve(custom, "/health", "192.168.1.1:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(custom, "/health", "192.168.1.1:1").Code)
}

func TestMiddleware_CustomKeyFunc(t *testing.T) {
	byTenant := func(r *http.Request) string { return "tenant:" + r.Header.Get("X-Tenant") }
	handler := newTestMiddleware(t, staticQuotas{fallback: Quota{Limit: 1, Window: time.Minute}}, WithKeyFunc(byTenant))
	tenant := func(name string) func(*http.Request) *http.Request {
		return func(r *http.Request) *http.Request {
			r.Header.Set("X-Tenant", name)
			return r
		}
	}

	assert.Equal(t, http.StatusOK, serve(handler, "/test", "192.168.1.1:1", tenant("a")).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(handler, "/test", "192.168.1.2:1", tenant("a")).Code)
	assert.Equal(t, http.StatusOK, serve(handler, "/test", "192.168.1.1:1", tenant("b")).Code)
}

func TestSetHeaders(t *testing.T) {
	now := time.Unix(1700000000, 0)
	h := http.Header{}
	SetHeaders(h, Decision{Allowed: true, Limit: 100, Remaining: 42, ResetAfter: 30 * time.Second, Backend: BackendShared}, time.Minute, now)

	assert.Equal(t, "100", h.Get("X-RateLimit-Limit"))
	assert.Equal(t, "42", h.Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1700000030", h.Get("X-RateLimit-Reset"))
	assert.Equal(t, "60", h.Get("X-RateLimit-Window"))
	assert.Equal(t, "shared", h.Get("X-RateLimit-Backend"))
}
