package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxTrackedKeys caps the per-key table kept by Stats.
const DefaultMaxTrackedKeys = 10000

// KeyStats holds decision counts for one key.
type KeyStats struct {
	Allowed  int64     `json:"allowed"`
	Denied   int64     `json:"denied"`
	LastSeen time.Time `json:"last_seen"`
}

// StatsSnapshot is a point-in-time copy of Stats totals.
type StatsSnapshot struct {
	Allowed      int64 `json:"allowed"`
	Denied       int64 `json:"denied"`
	Shared       int64 `json:"shared_decisions"`
	Local        int64 `json:"local_decisions"`
	Degrades     int64 `json:"degrades"`
	Recoveries   int64 `json:"recoveries"`
	TrackedKeys  int   `json:"tracked_keys"`
	UntrackedHit int64 `json:"untracked_decisions"`
}

// Stats is an Observer that keeps in-process decision counts, in total and per
// key. Once maxKeys keys are tracked, decisions for new keys only count toward
// the totals.
type Stats struct {
	allowed    atomic.Int64
	denied     atomic.Int64
	shared     atomic.Int64
	local      atomic.Int64
	degrades   atomic.Int64
	recoveries atomic.Int64
	untracked  atomic.Int64

	maxKeys int
	now     func() time.Time
	mu      sync.Mutex
	keys    map[string]*KeyStats
}

// NewStats creates a Stats observer. maxKeys <= 0 uses DefaultMaxTrackedKeys.
func NewStats(maxKeys int) *Stats {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxTrackedKeys
	}
	return &Stats{
		maxKeys: maxKeys,
		now:     time.Now,
		keys:    make(map[string]*KeyStats),
	}
}

// OnDecision implements Observer.
func (s *Stats) OnDecision(key string, d Decision) {
	if d.Allowed {
		s.allowed.Add(1)
	} else {
		s.denied.Add(1)
	}
	if d.Backend == BackendShared {
		s.shared.Add(1)
	} else {
		s.local.Add(1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.keys[key]
	if !ok {
		if len(s.keys) >= s.maxKeys {
			s.untracked.Add(1)
			return
		}
		ks = &KeyStats{}
		s.keys[key] = ks
	}
	if d.Allowed {
		ks.Allowed++
	} else {
		ks.Denied++
	}
	ks.LastSeen = s.now()
}

// OnTransition implements Observer.
func (s *Stats) OnTransition(_, to State, _ error) {
	if to == StateDegraded {
		s.degrades.Add(1)
	} else {
		s.recoveries.Add(1)
	}
}

// Key returns the counts recorded for key.
func (s *Stats) Key(key string) (KeyStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.keys[key]
	if !ok {
		return KeyStats{}, false
	}
	return *ks, true
}

// Snapshot returns the current totals.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	tracked := len(s.keys)
	s.mu.Unlock()

	return StatsSnapshot{
		Allowed:      s.allowed.Load(),
		Denied:       s.denied.Load(),
		Shared:       s.shared.Load(),
		Local:        s.local.Load(),
		Degrades:     s.degrades.Load(),
		Recoveries:   s.recoveries.Load(),
		TrackedKeys:  tracked,
		UntrackedHit: s.untracked.Load(),
	}
}
