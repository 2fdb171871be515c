package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"throttler/internal/models"
	"throttler/internal/ratelimit"
)

// RateLimitStatus reports backend selection and health for this instance.
// GET /api/v1/ratelimit/status
func (h *Handlers) RateLimitStatus(w http.ResponseWriter, r *http.Request) {
	health := h.limiter.Health()
	degrades, recoveries := h.limiter.Transitions()

	response := models.LimiterStatusResponse{
		Enabled:             h.rateLimitEnabled,
		State:               string(h.limiter.State()),
		Backend:             string(h.limiter.Backend()),
		SharedConfigured:    h.limiter.SharedConfigured(),
		Healthy:             health.Healthy,
		ConsecutiveFailures: health.ConsecutiveFailures,
		LastFailureAt:       optionalTime(health.LastFailureAt),
		LastProbeAt:         optionalTime(health.LastProbeAt),
		Degrades:            degrades,
		Recoveries:          recoveries,
		DefaultQuota:        quotaInfo(h.resolver.Default()),
		InstanceID:          h.info.InstanceID,
		Timestamp:           time.Now(),
	}

	if h.stats != nil {
		snap := h.stats.Snapshot()
		response.Stats = map[string]any{
			"allowed":             snap.Allowed,
			"denied":              snap.Denied,
			"shared_decisions":    snap.Shared,
			"local_decisions":     snap.Local,
			"tracked_keys":        snap.TrackedKeys,
			"untracked_decisions": snap.UntrackedHit,
		}
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}

// RateLimitInfo reports the caller's key, quota and remaining requests. The
// handler only peeks at the counter; the request itself is still counted by
// the rate limit middleware unless its path is listed in rate_limit.skip_paths.
// GET /api/v1/ratelimit/info
func (h *Handlers) RateLimitInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := ratelimit.OrganizationFromContext(ctx)
	quota := h.resolver.Resolve(ctx, orgID)
	key := ratelimit.ClientKey(r)

	d := h.limiter.Peek(ctx, key, quota.Limit, quota.Window)
	h.writeJSONResponse(w, http.StatusOK, checkResponse(key, orgID, quota, d, time.Now()))
}

// CheckRateLimit counts one request against an arbitrary key for callers
// that enforce limits themselves.
// POST /api/v1/ratelimit/check
func (h *Handlers) CheckRateLimit(w http.ResponseWriter, r *http.Request) {
	var req models.CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeBadRequest, "Invalid JSON body")
		return
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, err.Error())
		return
	}

	ctx := r.Context()
	orgID := req.OrganizationID
	if orgID == "" {
		orgID = ratelimit.OrganizationFromContext(ctx)
	}

	quota := h.resolver.Resolve(ctx, orgID)
	if req.Limit > 0 {
		quota.Limit = req.Limit
	}
	if req.Window > 0 {
		quota.Window = time.Duration(req.Window) * time.Second
	}
	if err := quota.Validate(); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, err.Error())
		return
	}

	now := time.Now()
	d := h.limiter.CheckAndConsume(ctx, req.Key, quota.Limit, quota.Window)
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
	}
	h.writeJSONResponse(w, http.StatusOK, checkResponse(req.Key, orgID, quota, d, now))
}

func checkResponse(key, orgID string, quota ratelimit.Quota, d ratelimit.Decision, now time.Time) models.CheckResponse {
	resp := models.CheckResponse{
		Key:            key,
		OrganizationID: orgID,
		Allowed:        d.Allowed,
		Limit:          d.Limit,
		Remaining:      d.Remaining,
		Window:         int(quota.Window.Seconds()),
		ResetAt:        d.ResetAt(now).UTC(),
		Backend:        string(d.Backend),
	}
	if !d.Allowed {
		resp.RetryAfter = d.RetryAfterSeconds()
	}
	return resp
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
