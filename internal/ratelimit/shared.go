package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed fixed_window.lua
var fixedWindowScript string

const (
	// DefaultSharedTimeout bounds every call to the shared store.
	DefaultSharedTimeout = 50 * time.Millisecond

	// DefaultKeyPrefix namespaces counter keys in Redis.
	DefaultKeyPrefix = "throttler:"
)

// SharedStore is a WindowCounter backed by Redis. The read, compare, increment
// and expiry steps for a key run as one server-side script, so concurrent
// callers across the fleet can never both take the last slot of a window.
// The expiry is set only when the counter is created, which anchors the window
// to its first request. A changed window length therefore applies from the
// next window; LocalStore follows the same rule.
type SharedStore struct {
	client  redis.UniversalClient
	script  *redis.Script
	prefix  string
	timeout time.Duration
}

// SharedOption configures a SharedStore.
type SharedOption func(*SharedStore)

// WithKeyPrefix sets the namespace prepended to every counter key.
func WithKeyPrefix(prefix string) SharedOption {
	return func(s *SharedStore) {
		s.prefix = prefix
	}
}

// WithTimeout sets the hard deadline applied to each call.
func WithTimeout(d time.Duration) SharedOption {
	return func(s *SharedStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewSharedStore wraps a Redis client. The client is not owned by the store
// and is not closed by it.
func NewSharedStore(client redis.UniversalClient, opts ...SharedOption) *SharedStore {
	s := &SharedStore{
		client:  client,
		script:  redis.NewScript(fixedWindowScript),
		prefix:  DefaultKeyPrefix,
		timeout: DefaultSharedTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckAndConsume implements WindowCounter. The window is anchored by the
// key's TTL in Redis, so now is not used. A single attempt is made; retrying
// an increment could double-count.
func (s *SharedStore) CheckAndConsume(ctx context.Context, key string, limit int, window time.Duration, _ time.Time) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.script.Run(ctx, s.client, []string{s.prefix + key}, limit, window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}

	allowed, count, ttl, err := parseReply(res)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed:    allowed,
		Limit:      limit,
		ResetAfter: time.Duration(ttl) * time.Millisecond,
		Backend:    BackendShared,
	}
	if allowed {
		d.Remaining = max(limit-int(count), 0)
	}
	return d, nil
}

// Peek implements WindowCounter with a read-only GET and PTTL.
func (s *SharedStore) Peek(ctx context.Context, key string, limit int, window time.Duration, _ time.Time) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var get *redis.StringCmd
	var pttl *redis.DurationCmd
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		get = p.Get(ctx, s.prefix+key)
		pttl = p.PTTL(ctx, s.prefix+key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Decision{}, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}

	count, err := get.Int()
	if errors.Is(err, redis.Nil) {
		return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAfter: window, Backend: BackendShared}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("%w: counter value: %v", ErrMalformedReply, err)
	}

	resetAfter := pttl.Val()
	if resetAfter < 0 {
		resetAfter = window
	}
	remaining := max(limit-count, 0)
	return Decision{
		Allowed:    remaining > 0,
		Limit:      limit,
		Remaining:  remaining,
		ResetAfter: resetAfter,
		Backend:    BackendShared,
	}, nil
}

// Ping is the lightweight health probe used for recovery.
func (s *SharedStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	return nil
}

// parseReply decodes the {allowed, count, pttl} triple returned by the script.
func parseReply(res interface{}) (allowed bool, count, ttl int64, err error) {
	values, ok := res.([]interface{})
	if !ok || len(values) != 3 {
		return false, 0, 0, fmt.Errorf("%w: expected 3-element array, got %T", ErrMalformedReply, res)
	}
	nums := make([]int64, 3)
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return false, 0, 0, fmt.Errorf("%w: element %d is %T", ErrMalformedReply, i, v)
		}
		nums[i] = n
	}
	return nums[0] == 1, nums[1], nums[2], nil
}
