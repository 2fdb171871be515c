package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"throttler/internal/logger"
	"throttler/internal/models"
	"throttler/internal/policy"
	"throttler/internal/ratelimit"
	"throttler/internal/storage"
)

const (
	testAdminKey = "admin-secret"
	testReadKey  = "read-secret"
)

// failingStorage is a memory store whose Ping fails.
type failingStorage struct {
	*storage.MemoryStorage
}

func (failingStorage) Ping(context.Context) error { return errors.New("connection refused") }

// stubLimiter reports a fixed backend state.
type stubLimiter struct {
	ratelimit.Limiter
	backend ratelimit.Backend
	shared  bool
	health  ratelimit.HealthSnapshot
}

func (s stubLimiter) Backend() ratelimit.Backend { return s.backend }
func (s stubLimiter) State() ratelimit.State {
	if s.backend == ratelimit.BackendShared {
		return ratelimit.StatePrimary
	}
	return ratelimit.StateDegraded
}
func (s stubLimiter) Health() ratelimit.HealthSnapshot { return s.health }
func (s stubLimiter) Transitions() (int64, int64)     { return 1, 0 }
func (s stubLimiter) SharedConfigured() bool          { return s.shared }

type testEnv struct {
	config   *models.Config
	store    storage.Storage
	resolver *policy.Resolver
	limiter  *ratelimit.HybridLimiter
	stats    *ratelimit.Stats
	handlers *Handlers
	router   *mux.Router
}

func newTestStore(t *testing.T) *storage.MemoryStorage {
	t.Helper()
	store, err := storage.NewMemoryStorage(storage.Config{})
	require.NoError(t, err)
	return store
}

// newTestEnv wires the full router over memory storage and a local-only
// limiter with a default quota of limit requests per minute.
func newTestEnv(t *testing.T, limit int, configure ...func(*models.Config)) *testEnv {
	t.Helper()

	cfg := models.NewDefaultConfig()
	cfg.RateLimit.Limit = limit
	cfg.Security.APIKeys = []models.APIKey{
		{Key: testAdminKey, Name: "ops", Permissions: []string{"admin"}, Enabled: true},
		{Key: testReadKey, Name: "dashboard", Permissions: []string{"read"}, Enabled: true},
		{Key: "disabled-secret", Name: "old", Permissions: []string{"admin"}, Enabled: false},
	}
	for _, c := range configure {
		c(cfg)
	}

	env := &testEnv{config: cfg, store: newTestStore(t)}

	var err error
	env.resolver, err = policy.NewResolver(env.store, ratelimit.Quota{Limit: cfg.RateLimit.Limit, Window: cfg.RateLimit.Window}, time.Minute)
	require.NoError(t, err)

	env.stats = ratelimit.NewStats(0)
	env.limiter, err = ratelimit.NewHybridLimiter(nil, ratelimit.NewLocalStore(0, 0),
		ratelimit.WithObserver(env.stats),
		ratelimit.WithLogger(logger.Discard()))
	require.NoError(t, err)
	t.Cleanup(env.limiter.Close)

	env.handlers = NewHandlers(env.store, env.resolver, env.limiter, WithStats(env.stats))
	env.router = SetupRoutes(env.handlers, cfg,
		WithRateLimiter(ratelimit.Middleware(env.limiter, env.resolver, ratelimit.WithSkipPaths(cfg.RateLimit.SkipPaths))))
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	return doRequest(t, e.router, method, path, body, headers...)
}

// doRequest serves one request. headers are name/value pairs.
func doRequest(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.10:4567"
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func bearer(key string) []string {
	return []string{"Authorization", "Bearer " + key}
}
