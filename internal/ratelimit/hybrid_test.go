package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"throttler/internal/logger"
)

// fakeShared counts in memory and fails on demand.
type fakeShared struct {
	counter *LocalStore

	mu      sync.Mutex
	failErr error
	pingErr error

	consumeCalls atomic.Int64
	pingCalls    atomic.Int64
}

func newFakeShared() *fakeShared {
	return &fakeShared{counter: NewLocalStore(0, 0)}
}

func (f *fakeShared) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
	f.pingErr = err
}

func (f *fakeShared) errs() (error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failErr, f.pingErr
}

func (f *fakeShared) CheckAndConsume(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	f.consumeCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if err, _ := f.errs(); err != nil {
		return Decision{}, err
	}
	d := f.counter.consume(key, limit, window, now)
	d.Backend = BackendShared
	return d, nil
}

func (f *fakeShared) Peek(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	if err, _ := f.errs(); err != nil {
		return Decision{}, err
	}
	d, _ := f.counter.Peek(ctx, key, limit, window, now)
	d.Backend = BackendShared
	return d, nil
}

func (f *fakeShared) Ping(ctx context.Context) error {
	f.pingCalls.Add(1)
	_, err := f.errs()
	return err
}

type fakeClock struct {
	nanos atomic.Int64
}

func newFakeClock(t time.Time) *fakeClock {
	c := &fakeClock{}
	c.nanos.Store(t.UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time { return time.Unix(0, c.nanos.Load()) }

func (c *fakeClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

type transition struct {
	from, to State
	cause    error
}

type recordingObserver struct {
	mu          sync.Mutex
	decisions   []Decision
	transitions []transition
}

func (r *recordingObserver) OnDecision(_ string, d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
}

func (r *recordingObserver) OnTransition(from, to State, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, transition{from, to, cause})
}

func (r *recordingObserver) Transitions() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transition(nil), r.transitions...)
}

var errRedisDown = errors.New("dial tcp 10.0.0.1:6379: connect: connection refused")

func newTestHybrid(t *testing.T, shared SharedCounter, opts ...HybridOption) *HybridLimiter {
	t.Helper()
	opts = append([]HybridOption{WithLogger(logger.Discard())}, opts...)
	h, err := NewHybridLimiter(shared, NewLocalStore(0, 0), opts...)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return h
}

func TestNewHybridLimiter_Validation(t *testing.T) {
	_, err := NewHybridLimiter(nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = NewHybridLimiter(nil, NewLocalStore(0, 0), WithProbeInterval(0))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = NewHybridLimiter(nil, NewLocalStore(0, 0), WithProbeTimeout(-time.Second))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestHybridLimiter_UsesSharedStoreWhenHealthy(t *testing.T) {
	shared := newFakeShared()
	h := newTestHybrid(t, shared)
	ctx := context.Background()

	assert.Equal(t, BackendShared, h.Backend())
	assert.Equal(t, StatePrimary, h.State())
	assert.True(t, h.SharedConfigured())

	for range 3 {
		d := h.CheckAndConsume(ctx, "k", 2, time.Minute)
		assert.Equal(t, BackendShared, d.Backend)
	}
	assert.Equal(t, int64(3), shared.consumeCalls.Load())
	assert.Zero(t, h.local.Len())
}

func TestHybridLimiter_SingleFailureDegrades(t *testing.T) {
	shared := newFakeShared()
	obs := &recordingObserver{}
	h := newTestHybrid(t, shared, WithObserver(obs))
	ctx := context.Background()

	shared.fail(errRedisDown)

	d := h.CheckAndConsume(ctx, "k", 5, time.Minute)
	assert.True(t, d.Allowed, "the failing call is answered locally")
	assert.Equal(t, BackendLocal, d.Backend)
	assert.Equal(t, 4, d.Remaining)

	assert.Equal(t, StateDegraded, h.State())
	assert.Equal(t, BackendLocal, h.Backend())

	degrades, recoveries := h.Transitions()
	assert.Equal(t, int64(1), degrades)
	assert.Zero(t, recoveries)

	health := h.Health()
	assert.False(t, health.Healthy)
	assert.Equal(t, int64(1), health.ConsecutiveFailures)
	assert.False(t, health.LastFailureAt.IsZero())

	transitions := obs.Transitions()
	require.Len(t, transitions, 1)
	assert.Equal(t, StatePrimary, transitions[0].from)
	assert.Equal(t, StateDegraded, transitions[0].to)
	assert.ErrorIs(t, transitions[0].cause, errRedisDown)
}

func TestHybridLimiter_DegradedSkipsSharedStore(t *testing.T) {
	shared := newFakeShared()
	clock := newFakeClock(t0)
	h := newTestHybrid(t, shared, WithClock(clock.Now))
	ctx := context.Background()

	shared.fail(errRedisDown)
	h.CheckAndConsume(ctx, "k", 3, time.Minute)
	require.Equal(t, int64(1), shared.consumeCalls.Load())

	for range 5 {
		h.CheckAndConsume(ctx, "k", 3, time.Minute)
	}
	assert.Equal(t, int64(1), shared.consumeCalls.Load())
	assert.Zero(t, shared.pingCalls.Load(), "no probe before the interval elapses")

	d := h.CheckAndConsume(ctx, "k", 3, time.Minute)
	assert.False(t, d.Allowed, "local counters enforce the quota while degraded")
	assert.Equal(t, BackendLocal, d.Backend)
}

func TestHybridLimiter_ProbeRecovers(t *testing.T) {
	shared := newFakeShared()
	obs := &recordingObserver{}
	h := newTestHybrid(t, shared, WithObserver(obs))
	ctx := context.Background()

	shared.fail(errRedisDown)
	h.CheckAndConsume(ctx, "k", 5, time.Minute)
	require.Equal(t, StateDegraded, h.State())

	assert.False(t, h.Probe(ctx))
	assert.Equal(t, StateDegraded, h.State())
	assert.False(t, h.Health().LastProbeAt.IsZero())

	shared.fail(nil)
	assert.True(t, h.Probe(ctx))
	assert.Equal(t, StatePrimary, h.State())
	assert.Zero(t, h.Health().ConsecutiveFailures)

	degrades, recoveries := h.Transitions()
	assert.Equal(t, int64(1), degrades)
	assert.Equal(t, int64(1), recoveries)

	d := h.CheckAndConsume(ctx, "k", 5, time.Minute)
	assert.Equal(t, BackendShared, d.Backend)
	assert.Equal(t, 4, d.Remaining, "shared counters start fresh after a switch")

	transitions := obs.Transitions()
	require.Len(t, transitions, 2)
	assert.Equal(t, StatePrimary, transitions[1].to)
	assert.NoError(t, transitions[1].cause)
}

func TestHybridLimiter_OutageCountsEveryFailure(t *testing.T) {
	shared := newFakeShared()
	obs := &recordingObserver{}
	clock := newFakeClock(t0)
	h := newTestHybrid(t, shared, WithObserver(obs), WithClock(clock.Now))
	ctx := context.Background()

	shared.fail(errRedisDown)
	h.CheckAndConsume(ctx, "k", 5, time.Minute)
	require.Equal(t, int64(1), h.Health().ConsecutiveFailures)
	degradedAt := h.Health().LastFailureAt

	for i := range 5 {
		clock.Advance(5 * time.Second)
		assert.False(t, h.Probe(ctx))

		health := h.Health()
		assert.Equal(t, int64(i+2), health.ConsecutiveFailures)
		assert.True(t, health.LastFailureAt.Equal(clock.Now()))
		assert.True(t, health.LastProbeAt.Equal(clock.Now()))
	}
	assert.True(t, h.Health().LastFailureAt.After(degradedAt))

	degrades, _ := h.Transitions()
	assert.Equal(t, int64(1), degrades, "failed probes while degraded are not new transitions")
	assert.Len(t, obs.Transitions(), 1)

	shared.fail(nil)
	require.True(t, h.Probe(ctx))
	assert.Zero(t, h.Health().ConsecutiveFailures)
}

func TestHybridLimiter_FailedPingWhilePrimaryDegrades(t *testing.T) {
	shared := newFakeShared()
	h := newTestHybrid(t, shared)

	shared.fail(errRedisDown)
	assert.False(t, h.Probe(context.Background()))
	assert.Equal(t, StateDegraded, h.State())

	degrades, _ := h.Transitions()
	assert.Equal(t, int64(1), degrades)
}

func TestHybridLimiter_RecoversWithoutTraffic(t *testing.T) {
	shared := newFakeShared()
	h := newTestHybrid(t, shared, WithProbeInterval(10*time.Millisecond))
	ctx := context.Background()

	shared.fail(errRedisDown)
	h.CheckAndConsume(ctx, "k", 5, time.Minute)
	require.Equal(t, StateDegraded, h.State())

	shared.fail(nil)
	assert.Eventually(t, func() bool { return h.State() == StatePrimary }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), shared.consumeCalls.Load(), "recovery came from the ticker, not from calls")
}

func TestHybridLimiter_CloseStopsTicker(t *testing.T) {
	shared := newFakeShared()
	h, err := NewHybridLimiter(shared, NewLocalStore(0, 0),
		WithProbeInterval(time.Millisecond), WithLogger(logger.Discard()))
	require.NoError(t, err)

	shared.fail(errRedisDown)
	h.CheckAndConsume(context.Background(), "k", 5, time.Minute)
	h.Close()

	pings := shared.pingCalls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, pings, shared.pingCalls.Load())
}

func TestHybridLimiter_BackgroundProbeAfterInterval(t *testing.T) {
	shared := newFakeShared()
	clock := newFakeClock(t0)
	h := newTestHybrid(t, shared, WithClock(clock.Now), WithProbeInterval(5*time.Second))
	ctx := context.Background()

	shared.fail(errRedisDown)
	h.CheckAndConsume(ctx, "k", 100, time.Minute)
	shared.fail(nil)

	clock.Advance(4 * time.Second)
	h.CheckAndConsume(ctx, "k", 100, time.Minute)
	assert.Zero(t, shared.pingCalls.Load())
	assert.Equal(t, StateDegraded, h.State())

	clock.Advance(time.Second)
	d := h.CheckAndConsume(ctx, "k", 100, time.Minute)
	assert.Equal(t, BackendLocal, d.Backend, "the triggering call does not wait for the probe")

	assert.Eventually(t, func() bool { return h.State() == StatePrimary }, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), shared.pingCalls.Load())
}

func TestHybridLimiter_FailedBackgroundProbeWaitsAnotherInterval(t *testing.T) {
	shared := newFakeShared()
	clock := newFakeClock(t0)
	h := newTestHybrid(t, shared, WithClock(clock.Now), WithProbeInterval(5*time.Second))
	ctx := context.Background()

	shared.fail(errRedisDown)
	h.CheckAndConsume(ctx, "k", 100, time.Minute)

	clock.Advance(5 * time.Second)
	h.CheckAndConsume(ctx, "k", 100, time.Minute)
	assert.Eventually(t, func() bool { return shared.pingCalls.Load() == 1 && !h.probing.Load() }, time.Second, time.Millisecond)

	for range 10 {
		h.CheckAndConsume(ctx, "k", 100, time.Minute)
	}
	assert.Equal(t, int64(1), shared.pingCalls.Load())
	assert.Equal(t, StateDegraded, h.State())
}

func TestHybridLimiter_IgnoresCallerCancellation(t *testing.T) {
	shared := newFakeShared()
	h := newTestHybrid(t, shared)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := h.CheckAndConsume(ctx, "k", 5, time.Minute)
	assert.Equal(t, BackendShared, d.Backend)
	assert.Equal(t, StatePrimary, h.State())
}

func TestHybridLimiter_MalformedReplyDegrades(t *testing.T) {
	shared := newFakeShared()
	h := newTestHybrid(t, shared)

	shared.fail(ErrMalformedReply)
	d := h.CheckAndConsume(context.Background(), "k", 5, time.Minute)
	assert.Equal(t, BackendLocal, d.Backend)
	assert.Equal(t, StateDegraded, h.State())
}

func TestHybridLimiter_ConcurrentFailuresDegradeOnce(t *testing.T) {
	shared := newFakeShared()
	obs := &recordingObserver{}
	h := newTestHybrid(t, shared, WithObserver(obs))
	shared.fail(errRedisDown)

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := h.CheckAndConsume(context.Background(), "k", 1000, time.Minute)
			assert.Equal(t, BackendLocal, d.Backend)
		}()
	}
	wg.Wait()

	degrades, _ := h.Transitions()
	assert.Equal(t, int64(1), degrades)
	assert.Len(t, obs.Transitions(), 1)
}

func TestHybridLimiter_LocalOnly(t *testing.T) {
	obs := &recordingObserver{}
	h := newTestHybrid(t, nil, WithObserver(obs))
	ctx := context.Background()

	assert.False(t, h.SharedConfigured())
	assert.Equal(t, BackendLocal, h.Backend())
	assert.Equal(t, StateDegraded, h.State())
	assert.False(t, h.Probe(ctx))

	assert.True(t, h.CheckAndConsume(ctx, "k", 1, time.Minute).Allowed)
	d := h.CheckAndConsume(ctx, "k", 1, time.Minute)
	assert.False(t, d.Allowed)
	assert.Equal(t, BackendLocal, d.Backend)

	assert.Empty(t, obs.Transitions())
	obs.mu.Lock()
	assert.Len(t, obs.decisions, 2)
	obs.mu.Unlock()
}

func TestHybridLimiter_Peek(t *testing.T) {
	shared := newFakeShared()
	h := newTestHybrid(t, shared)
	ctx := context.Background()

	h.CheckAndConsume(ctx, "k", 5, time.Minute)
	d := h.Peek(ctx, "k", 5, time.Minute)
	assert.Equal(t, BackendShared, d.Backend)
	assert.Equal(t, 4, d.Remaining)

	shared.fail(errRedisDown)
	d = h.Peek(ctx, "k", 5, time.Minute)
	assert.Equal(t, BackendLocal, d.Backend)
	assert.Equal(t, 5, d.Remaining)
	assert.Equal(t, StateDegraded, h.State())
}

func TestHybridLimiter_CloseIsIdempotent(t *testing.T) {
	h, err := NewHybridLimiter(newFakeShared(), NewLocalStore(time.Millisecond, 0))
	require.NoError(t, err)

	h.Close()
	assert.NotPanics(t, h.Close)
}

func TestHybridLimiter_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	stats := NewStats(0)
	h := newTestHybrid(t, NewSharedStore(client, WithTimeout(time.Second)), WithObserver(stats))
	ctx := context.Background()

	assert.True(t, h.CheckAndConsume(ctx, "k", 2, time.Minute).Allowed)
	assert.True(t, h.CheckAndConsume(ctx, "k", 2, time.Minute).Allowed)
	d := h.CheckAndConsume(ctx, "k", 2, time.Minute)
	assert.False(t, d.Allowed)
	assert.Equal(t, BackendShared, d.Backend)

	mr.SetError("ERR connection pool exhausted")
	d = h.CheckAndConsume(ctx, "k", 2, time.Minute)
	assert.True(t, d.Allowed, "local window starts fresh")
	assert.Equal(t, BackendLocal, d.Backend)

	assert.False(t, h.Probe(ctx))
	mr.SetError("")
	assert.True(t, h.Probe(ctx))

	d = h.CheckAndConsume(ctx, "k", 2, time.Minute)
	assert.False(t, d.Allowed, "shared window resumes where it was")
	assert.Equal(t, BackendShared, d.Backend)

	snap := stats.Snapshot()
	assert.Equal(t, int64(3), snap.Allowed)
	assert.Equal(t, int64(2), snap.Denied)
	assert.Equal(t, int64(1), snap.Degrades)
	assert.Equal(t, int64(1), snap.Recoveries)
	assert.Equal(t, int64(4), snap.Shared)
	assert.Equal(t, int64(1), snap.Local)
}
