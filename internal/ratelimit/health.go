package ratelimit

import (
	"sync/atomic"
	"time"
)

// BackendHealth tracks whether the shared store is considered reachable. It is
// read on every request and written only by shared store call outcomes and
// recovery probes. All fields are atomics so readers never wait on a writer;
// a reader may see a state one call stale.
type BackendHealth struct {
	healthy             atomic.Bool
	consecutiveFailures atomic.Int64
	lastFailureAt       atomic.Int64 // unix nanoseconds, 0 when never
	lastProbeAt         atomic.Int64 // unix nanoseconds, 0 when never
}

// HealthSnapshot is a point-in-time copy of BackendHealth.
type HealthSnapshot struct {
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at,omitzero"`
	LastProbeAt         time.Time `json:"last_probe_at,omitzero"`
}

// NewBackendHealth returns a tracker that starts optimistic (healthy).
func NewBackendHealth() *BackendHealth {
	h := &BackendHealth{}
	h.healthy.Store(true)
	return h
}

// Healthy reports whether the shared store should be used.
func (h *BackendHealth) Healthy() bool {
	return h.healthy.Load()
}

// RecordSuccess marks the store healthy. It returns true only for the caller
// that flipped the state from unhealthy to healthy.
func (h *BackendHealth) RecordSuccess() bool {
	if h.consecutiveFailures.Load() != 0 {
		h.consecutiveFailures.Store(0)
	}
	if h.healthy.Load() {
		return false
	}
	return !h.healthy.Swap(true)
}

// RecordFailure marks the store unhealthy. It returns true only for the caller
// that flipped the state from healthy to unhealthy.
func (h *BackendHealth) RecordFailure(at time.Time) bool {
	h.consecutiveFailures.Add(1)
	h.lastFailureAt.Store(at.UnixNano())
	return h.healthy.Swap(false)
}

// RecordProbe notes that a recovery probe was attempted.
func (h *BackendHealth) RecordProbe(at time.Time) {
	h.lastProbeAt.Store(at.UnixNano())
}

// Snapshot returns a copy of the current state.
func (h *BackendHealth) Snapshot() HealthSnapshot {
	return HealthSnapshot{
		Healthy:             h.healthy.Load(),
		ConsecutiveFailures: h.consecutiveFailures.Load(),
		LastFailureAt:       unixNanoTime(h.lastFailureAt.Load()),
		LastProbeAt:         unixNanoTime(h.lastProbeAt.Load()),
	}
}

func unixNanoTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
