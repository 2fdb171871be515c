package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultIdleWindows is how many window lengths an expired entry must go
// without traffic before the sweeper removes it.
const DefaultIdleWindows = 3

// windowState holds the fixed-window counter for one key.
type windowState struct {
	count       int
	limit       int
	windowStart time.Time
	windowSize  time.Duration
	lastSeen    time.Time
}

func (s *windowState) expired(now time.Time) bool {
	return !now.Before(s.windowStart.Add(s.windowSize))
}

// LocalStore is an in-process WindowCounter used while the shared store is
// unavailable. All map access goes through a single mutex; no I/O happens
// while it is held. A background goroutine periodically evicts entries whose
// window has expired and that have been idle for several window lengths.
//
// Counts kept here are private to the process: across N instances the
// effective ceiling for a key is up to N times its limit.
type LocalStore struct {
	sweepInterval time.Duration
	idleWindows   int
	now           func() time.Time

	mu      sync.Mutex
	entries map[string]*windowState
	done    chan struct{}
	closed  bool
}

// NewLocalStore creates a local counter. A positive sweepInterval starts the
// background eviction goroutine; idleWindows <= 0 uses DefaultIdleWindows.
func NewLocalStore(sweepInterval time.Duration, idleWindows int) *LocalStore {
	if idleWindows <= 0 {
		idleWindows = DefaultIdleWindows
	}
	s := &LocalStore{
		sweepInterval: sweepInterval,
		idleWindows:   idleWindows,
		now:           time.Now,
		entries:       make(map[string]*windowState),
		done:          make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweep()
	}
	return s
}

// CheckAndConsume implements WindowCounter. It never returns an error.
func (s *LocalStore) CheckAndConsume(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	return s.consume(key, limit, window, now), nil
}

// Peek implements WindowCounter. It never returns an error.
func (s *LocalStore) Peek(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.entries[key]
	if !ok || st.expired(now) {
		return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAfter: window, Backend: BackendLocal}, nil
	}
	remaining := limit - st.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:    remaining > 0,
		Limit:      limit,
		Remaining:  remaining,
		ResetAfter: st.windowStart.Add(st.windowSize).Sub(now),
		Backend:    BackendLocal,
	}, nil
}

// consume counts one request. A window that is already running keeps its
// length; a changed window takes effect when the next one starts, matching
// the shared store where the expiry is set when the counter is created.
func (s *LocalStore) consume(key string, limit int, window time.Duration, now time.Time) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.entries[key]
	if !ok || st.expired(now) {
		st = &windowState{windowStart: now, windowSize: window}
		s.entries[key] = st
	}
	st.limit = limit
	st.lastSeen = now

	d := Decision{
		Limit:      limit,
		ResetAfter: st.windowStart.Add(st.windowSize).Sub(now),
		Backend:    BackendLocal,
	}
	if st.count < limit {
		st.count++
		d.Allowed = true
		d.Remaining = limit - st.count
	}
	return d
}

// Len returns the number of tracked keys.
func (s *LocalStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the background sweep goroutine. It is safe to call twice.
func (s *LocalStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

func (s *LocalStore) sweep() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.evictStale(s.now())
		}
	}
}

// evictStale removes entries whose window has closed and which have seen no
// traffic for idleWindows window lengths. It returns the number removed.
func (s *LocalStore) evictStale(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, st := range s.entries {
		idleFor := time.Duration(s.idleWindows) * st.windowSize
		if st.expired(now) && now.Sub(st.lastSeen) >= idleFor {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}
