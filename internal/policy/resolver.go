// Package policy resolves the rate limit quota that applies to an
// organization: a stored override when one exists, the process default
// otherwise.
package policy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"throttler/internal/ratelimit"
	"throttler/internal/storage"
)

// DefaultCacheTTL is how long a resolved quota is reused before storage is
// consulted again.
const DefaultCacheTTL = 30 * time.Second

// maxCachedOrganizations bounds the cache; organization IDs come from request
// headers.
const maxCachedOrganizations = 10000

type cacheEntry struct {
	quota     ratelimit.Quota
	expiresAt time.Time
}

// Resolver implements ratelimit.QuotaResolver on top of policy storage.
// Lookups are cached per organization, including misses, so the request path
// reaches storage at most once per TTL per organization. A storage error
// yields the default quota and is not cached.
type Resolver struct {
	store    storage.Storage
	defaults ratelimit.Quota
	ttl      time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewResolver validates the default quota. ttl <= 0 disables caching.
func NewResolver(store storage.Storage, defaults ratelimit.Quota, ttl time.Duration) (*Resolver, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{
		store:    store,
		defaults: defaults,
		ttl:      ttl,
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
	}, nil
}

// Default returns the process-wide quota.
func (r *Resolver) Default() ratelimit.Quota {
	return r.defaults
}

// Resolve returns the quota for orgID.
func (r *Resolver) Resolve(ctx context.Context, orgID string) ratelimit.Quota {
	now := r.now()

	r.mu.RLock()
	entry, ok := r.cache[orgID]
	r.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.quota
	}

	policy, err := r.store.GetPolicy(ctx, orgID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		r.remember(orgID, r.defaults, now)
		return r.defaults
	case err != nil:
		slog.Warn("Failed to load organization policy, using default quota",
			"organization_id", orgID,
			"error", err,
		)
		return r.defaults
	}

	quota := ratelimit.Quota{Limit: policy.Limit, Window: policy.Window}
	if err := quota.Validate(); err != nil {
		slog.Warn("Ignoring invalid organization policy",
			"organization_id", orgID,
			"error", err,
		)
		quota = r.defaults
	}
	r.remember(orgID, quota, now)
	return quota
}

// Invalidate drops the cached quota for orgID so the next Resolve reads storage.
func (r *Resolver) Invalidate(orgID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, orgID)
}

func (r *Resolver) remember(orgID string, quota ratelimit.Quota, now time.Time) {
	if r.ttl <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cache[orgID]; !ok && len(r.cache) >= maxCachedOrganizations {
		for id, e := range r.cache {
			if !now.Before(e.expiresAt) {
				delete(r.cache, id)
			}
		}
		if len(r.cache) >= maxCachedOrganizations {
			return
		}
	}
	r.cache[orgID] = cacheEntry{quota: quota, expiresAt: now.Add(r.ttl)}
}
