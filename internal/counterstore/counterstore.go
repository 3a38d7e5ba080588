// Package counterstore tracks per-scope usage counters across three fixed
// windows (minute, day, month), lazily rolled forward to the current window
// boundary on access.
package counterstore

import (
	"sync"
	"time"

	"github.com/mcowger/simpleroutera/internal/clock"
)

// Delta is the set of metrics a single request contributes.
type Delta struct {
	Requests     int64
	InputTokens  int64
	OutputTokens int64
	Errors       int64
	Cost         float64
}

// Bucket is one (scope, window) counter record.
type Bucket struct {
	Requests     int64
	InputTokens  int64
	OutputTokens int64
	Errors       int64
	Cost         float64
	WindowStart  time.Time
}

// Snapshot is a point-in-time, per-window view of a scope's counters.
type Snapshot map[clock.Window]Bucket

type scopeState struct {
	mu      sync.Mutex
	buckets map[clock.Window]*Bucket
}

// Store is a concurrency-safe tally of five metrics across three windows,
// keyed by scope id. Counter reads and writes take only the per-scope lock;
// the store-wide RWMutex guards the scope map itself (lookup and creation).
type Store struct {
	clk clock.Clock

	mu     sync.RWMutex
	scopes map[string]*scopeState
}

// New creates an empty Store driven by clk.
func New(clk clock.Clock) *Store {
	return &Store{clk: clk, scopes: make(map[string]*scopeState)}
}

func (s *Store) getScope(scope string) *scopeState {
	s.mu.RLock()
	st, ok := s.scopes[scope]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok = s.scopes[scope]
	if ok {
		return st
	}
	st = &scopeState{buckets: make(map[clock.Window]*Bucket)}
	s.scopes[scope] = st
	return st
}

// rollForward zeroes b if its window-start is older than the current legal
// boundary for w. Idempotent: repeated calls at the same instant are no-ops.
func rollForward(b *Bucket, w clock.Window, now time.Time) {
	boundary := clock.Boundary(w, now)
	if b.WindowStart.Before(boundary) {
		*b = Bucket{WindowStart: boundary}
	}
}

func (st *scopeState) bucket(w clock.Window, now time.Time) *Bucket {
	b, ok := st.buckets[w]
	if !ok {
		b = &Bucket{WindowStart: clock.Boundary(w, now)}
		st.buckets[w] = b
	}
	rollForward(b, w, now)
	return b
}

// Snapshot returns a coherent per-window view of scope's counters after
// lazy roll-forward. Pure-read from the caller's perspective.
func (s *Store) Snapshot(scope string) Snapshot {
	st := s.getScope(scope)
	now := s.clk.Now()

	st.mu.Lock()
	defer st.mu.Unlock()

	out := make(Snapshot, len(clock.AllWindows))
	for _, w := range clock.AllWindows {
		out[w] = *st.bucket(w, now)
	}
	return out
}

// Record atomically advances all three windows for scope by delta.
func (s *Store) Record(scope string, delta Delta) {
	st := s.getScope(scope)
	now := s.clk.Now()

	st.mu.Lock()
	defer st.mu.Unlock()

	for _, w := range clock.AllWindows {
		b := st.bucket(w, now)
		b.Requests += delta.Requests
		b.InputTokens += delta.InputTokens
		b.OutputTokens += delta.OutputTokens
		b.Errors += delta.Errors
		b.Cost += delta.Cost
	}
}

// Reset zeroes the named windows for scope and sets their window-start to
// now's boundary.
func (s *Store) Reset(scope string, windows []clock.Window) {
	st := s.getScope(scope)
	now := s.clk.Now()

	st.mu.Lock()
	defer st.mu.Unlock()

	for _, w := range windows {
		st.buckets[w] = &Bucket{WindowStart: clock.Boundary(w, now)}
	}
}

// ExportedScope is one scope's buckets, suitable for JSON persistence.
type ExportedScope struct {
	Scope   string                    `json:"scope"`
	Buckets map[clock.Window]Bucket   `json:"buckets"`
}

// Export takes a point-in-time deep copy of every scope's buckets, for
// persistence.
func (s *Store) Export() []ExportedScope {
	s.mu.RLock()
	scopes := make([]string, 0, len(s.scopes))
	for id := range s.scopes {
		scopes = append(scopes, id)
	}
	s.mu.RUnlock()

	out := make([]ExportedScope, 0, len(scopes))
	for _, id := range scopes {
		st := s.getScope(id)
		st.mu.Lock()
		buckets := make(map[clock.Window]Bucket, len(st.buckets))
		for w, b := range st.buckets {
			buckets[w] = *b
		}
		st.mu.Unlock()
		out = append(out, ExportedScope{Scope: id, Buckets: buckets})
	}
	return out
}

// Import replaces the store's state with a previously exported snapshot.
// Used only during startup.
func (s *Store) Import(exported []ExportedScope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scopes = make(map[string]*scopeState, len(exported))
	for _, es := range exported {
		st := &scopeState{buckets: make(map[clock.Window]*Bucket, len(es.Buckets))}
		for w, b := range es.Buckets {
			bCopy := b
			st.buckets[w] = &bCopy
		}
		s.scopes[es.Scope] = st
	}
}
