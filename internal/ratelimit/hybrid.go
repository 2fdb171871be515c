package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DefaultProbeInterval is the fixed cadence at which a degraded limiter
// probes the shared store.
const DefaultProbeInterval = 5 * time.Second

// SharedCounter is a WindowCounter that can be probed for reachability.
type SharedCounter interface {
	WindowCounter
	Ping(ctx context.Context) error
}

// HybridLimiter prefers the shared store and falls back to the local store.
//
// In the primary state every call goes to the shared store with a bounded
// timeout. The first failure switches to the degraded state and the same call
// is answered locally. While degraded, calls are answered locally and at most
// one probe per probe interval is sent to the shared store in the background;
// one successful probe switches back. Probes are triggered by incoming calls
// and by a ticker at the probe interval, so an idle instance recovers too.
// Every failed probe is recorded in the health state.
//
// While degraded, quota is enforced per instance rather than fleet-wide: with
// N instances a key can receive up to N times its limit per window. Local and
// shared counters are independent, so a switch starts a fresh window on the
// other side.
type HybridLimiter struct {
	shared       SharedCounter
	local        *LocalStore
	health       *BackendHealth
	observer     Observer
	logger       *slog.Logger
	now          func() time.Time
	probeTimeout time.Duration

	probeInterval time.Duration
	probeGate     *rate.Limiter
	probing       atomic.Bool

	mu     sync.Mutex // guards closed and wg.Add
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup

	degrades   atomic.Int64
	recoveries atomic.Int64
}

// HybridOption configures a HybridLimiter.
type HybridOption func(*HybridLimiter)

// WithProbeInterval sets the minimum spacing between recovery probes.
func WithProbeInterval(d time.Duration) HybridOption {
	return func(h *HybridLimiter) {
		h.probeInterval = d
	}
}

// WithProbeTimeout bounds each recovery probe.
func WithProbeTimeout(d time.Duration) HybridOption {
	return func(h *HybridLimiter) {
		h.probeTimeout = d
	}
}

// WithObserver registers an observer for decisions and transitions.
func WithObserver(o Observer) HybridOption {
	return func(h *HybridLimiter) {
		if o != nil {
			h.observer = o
		}
	}
}

// WithLogger sets the logger used for transition messages.
func WithLogger(l *slog.Logger) HybridOption {
	return func(h *HybridLimiter) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) HybridOption {
	return func(h *HybridLimiter) {
		h.now = now
	}
}

// NewHybridLimiter builds a limiter over a shared and a local store. shared may
// be nil, in which case every decision comes from the local store and no
// probing happens. The local store is owned by the limiter and closed by Close.
func NewHybridLimiter(shared SharedCounter, local *LocalStore, opts ...HybridOption) (*HybridLimiter, error) {
	if local == nil {
		return nil, fmt.Errorf("%w: local store is required", ErrInvalidConfiguration)
	}
	h := &HybridLimiter{
		shared:        shared,
		local:         local,
		health:        NewBackendHealth(),
		observer:      nopObserver{},
		logger:        slog.Default(),
		now:           time.Now,
		probeTimeout:  DefaultSharedTimeout,
		probeInterval: DefaultProbeInterval,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.probeInterval <= 0 {
		return nil, fmt.Errorf("%w: probe interval must be positive, got %s", ErrInvalidConfiguration, h.probeInterval)
	}
	if h.probeTimeout <= 0 {
		return nil, fmt.Errorf("%w: probe timeout must be positive, got %s", ErrInvalidConfiguration, h.probeTimeout)
	}
	h.probeGate = rate.NewLimiter(rate.Every(h.probeInterval), 1)
	if shared == nil {
		h.health.healthy.Store(false)
		return h, nil
	}
	h.wg.Add(1)
	go h.watch()
	return h, nil
}

// CheckAndConsume returns a decision for key. It never fails: shared store
// errors degrade the limiter and the call is answered from the local store.
// Cancellation of ctx is ignored so a disconnecting client cannot be mistaken
// for a backend failure.
func (h *HybridLimiter) CheckAndConsume(ctx context.Context, key string, limit int, window time.Duration) Decision {
	now := h.now()
	if h.shared != nil && h.health.Healthy() {
		d, err := h.shared.CheckAndConsume(context.WithoutCancel(ctx), key, limit, window, now)
		if err == nil {
			h.recordSuccess()
			h.observer.OnDecision(key, d)
			return d
		}
		h.degrade(err, now)
	} else {
		h.maybeProbe()
	}

	d := h.local.consume(key, limit, window, now)
	h.observer.OnDecision(key, d)
	return d
}

// Peek reports the state of key on the backend in use without consuming
// quota. A shared store failure degrades the limiter like CheckAndConsume.
func (h *HybridLimiter) Peek(ctx context.Context, key string, limit int, window time.Duration) Decision {
	now := h.now()
	if h.shared != nil && h.health.Healthy() {
		d, err := h.shared.Peek(context.WithoutCancel(ctx), key, limit, window, now)
		if err == nil {
			h.recordSuccess()
			return d
		}
		h.degrade(err, now)
	}
	d, _ := h.local.Peek(ctx, key, limit, window, now)
	return d
}

// Backend returns the backend that will serve the next call.
func (h *HybridLimiter) Backend() Backend {
	if h.shared != nil && h.health.Healthy() {
		return BackendShared
	}
	return BackendLocal
}

// State returns the current state.
func (h *HybridLimiter) State() State {
	if h.Backend() == BackendShared {
		return StatePrimary
	}
	return StateDegraded
}

// Health returns a snapshot of the shared store health.
func (h *HybridLimiter) Health() HealthSnapshot {
	return h.health.Snapshot()
}

// Transitions returns how many times the limiter degraded and recovered.
func (h *HybridLimiter) Transitions() (degrades, recoveries int64) {
	return h.degrades.Load(), h.recoveries.Load()
}

// SharedConfigured reports whether a shared store was supplied.
func (h *HybridLimiter) SharedConfigured() bool {
	return h.shared != nil
}

// Probe pings the shared store once and switches back to the primary state on
// success. A failure is recorded in the health state and degrades the limiter
// if it was still primary. It returns whether the store answered.
func (h *HybridLimiter) Probe(ctx context.Context) bool {
	if h.shared == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, h.probeTimeout)
	defer cancel()

	now := h.now()
	h.health.RecordProbe(now)
	if err := h.shared.Ping(ctx); err != nil {
		h.logger.Debug("Shared rate limit store probe failed", "error", err)
		h.degrade(err, now)
		return false
	}
	h.recordSuccess()
	return true
}

// Close stops the probe ticker, waits for an in-flight probe and stops the
// local store sweeper.
func (h *HybridLimiter) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.done)
	h.mu.Unlock()

	h.wg.Wait()
	h.local.Close()
}

func (h *HybridLimiter) recordSuccess() {
	if !h.health.RecordSuccess() {
		return
	}
	h.recoveries.Add(1)
	h.logger.Info("Shared rate limit store recovered, switching back",
		"from", StateDegraded, "to", StatePrimary)
	h.observer.OnTransition(StateDegraded, StatePrimary, nil)
}

func (h *HybridLimiter) degrade(err error, now time.Time) {
	if !h.health.RecordFailure(now) {
		return
	}
	h.degrades.Add(1)
	// The interval starts now: the first probe waits a full interval.
	h.probeGate.AllowN(now, 1)
	h.logger.Warn("Shared rate limit store unavailable, falling back to local counters",
		"from", StatePrimary, "to", StateDegraded, "error", err)
	h.observer.OnTransition(StatePrimary, StateDegraded, err)
}

// watch offers a probe every interval while degraded, so recovery does not
// depend on traffic.
func (h *HybridLimiter) watch() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			if !h.health.Healthy() {
				h.maybeProbe()
			}
		}
	}
}

// maybeProbe starts a background probe if the interval has elapsed and no
// other probe is running.
func (h *HybridLimiter) maybeProbe() {
	if h.shared == nil || !h.probeGate.AllowN(h.now(), 1) {
		return
	}
	if !h.probing.CompareAndSwap(false, true) {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		h.probing.Store(false)
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.probing.Store(false)
		h.Probe(context.Background())
	}()
}
