// Package ratelimit provides fixed-window request throttling for a fleet of
// stateless API instances. A HybridLimiter counts in a shared Redis store while
// it is reachable and falls back to an in-process counter when it is not. It
// also includes HTTP middleware that sets standard rate limit response headers.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Backend identifies which store produced a decision.
type Backend string

const (
	BackendShared Backend = "shared"
	BackendLocal  Backend = "local"
)

// Decision is the outcome of a single CheckAndConsume call.
type Decision struct {
	Allowed    bool
	Limit      int           // Maximum requests per window
	Remaining  int           // Requests left in the current window, never negative
	ResetAfter time.Duration // Time until the current window rolls over
	Backend    Backend       // Exposed for observability only
}

// ResetAt returns the wall-clock time at which the window rolls over.
func (d Decision) ResetAt(now time.Time) time.Time {
	return now.Add(d.ResetAfter)
}

// RetryAfterSeconds returns ResetAfter rounded up to whole seconds, at least 1.
func (d Decision) RetryAfterSeconds() int {
	secs := int(math.Ceil(d.ResetAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Quota is the number of requests allowed per fixed window.
type Quota struct {
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

// Validate rejects non-positive limits and windows shorter than a millisecond.
func (q Quota) Validate() error {
	if q.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidConfiguration, q.Limit)
	}
	if q.Window < time.Millisecond {
		return fmt.Errorf("%w: window must be at least 1ms, got %s", ErrInvalidConfiguration, q.Window)
	}
	return nil
}

// WindowCounter is a single fixed-window counting primitive. Implementations
// must be safe for concurrent use.
type WindowCounter interface {
	// CheckAndConsume counts one request against key if the window still has
	// room. Denied requests are not counted. A non-nil error means the counter
	// could not produce a decision at all.
	CheckAndConsume(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error)

	// Peek reports the state of key without consuming quota.
	Peek(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error)
}

// Limiter is the contract consumed by the HTTP layer. It always produces a
// decision; backend failures are handled internally.
type Limiter interface {
	CheckAndConsume(ctx context.Context, key string, limit int, window time.Duration) Decision
	Peek(ctx context.Context, key string, limit int, window time.Duration) Decision
	Backend() Backend
}
