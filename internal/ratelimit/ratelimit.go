package ratelimit

import (
	"sync"
	"time"
)

// Period is the reset cadence of a usage counter.
type Period int

const (
	Daily Period = iota
	Weekly
)

// Next returns the reset instant for a counter started at now.
func (p Period) Next(now time.Time) time.Time {
	if p == Weekly {
		return now.Add(7 * 24 * time.Hour)
	}
	return now.Add(24 * time.Hour)
}

// Usage is a snapshot of one (user, feature) counter.
type Usage struct {
	Count   int       `json:"count"`
	ResetAt time.Time `json:"reset_at"`
}

// Store holds usage counters keyed by (user, feature) and serializes the
// read-modify-write per key. Implementations may be in-memory (counters
// live for the process lifetime; a restart loosens limits briefly, which is
// an accepted tradeoff) or backed by a shared counter service.
type Store interface {
	Consume(userID, feature string, limit int, period Period, now time.Time) (allowed bool, remaining int, resetAt time.Time)
	Snapshot(userID, feature string, now time.Time) Usage
	Cleanup(now time.Time)
}

type counter struct {
	count   int
	resetAt time.Time
}

// MemoryStore is the in-process Store. One mutex guards the whole map;
// counter operations are cheap enough that per-key locks buy nothing.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*counter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*counter)}
}

func key(userID, feature string) string {
	return userID + ":" + feature
}

func (s *MemoryStore) Consume(userID, feature string, limit int, period Period, now time.Time) (bool, int, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(userID, feature)
	c, ok := s.counters[k]
	if !ok || now.After(c.resetAt) {
		c = &counter{resetAt: period.Next(now)}
		s.counters[k] = c
	}

	if c.count >= limit {
		return false, 0, c.resetAt
	}
	c.count++
	return true, limit - c.count, c.resetAt
}

func (s *MemoryStore) Snapshot(userID, feature string, now time.Time) Usage {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key(userID, feature)]
	if !ok || now.After(c.resetAt) {
		return Usage{}
	}
	return Usage{Count: c.count, ResetAt: c.resetAt}
}

// Cleanup removes expired counters.
func (s *MemoryStore) Cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, c := range s.counters {
		if now.After(c.resetAt) {
			delete(s.counters, k)
		}
	}
}

// Limiter gates per-user feature usage. It is entitlement-agnostic: the
// caller resolves premium vs free and passes the limit that applies.
type Limiter struct {
	store Store
	now   func() time.Time
}

func NewLimiter(store Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// TryConsume spends one unit of the user's budget for the feature. When the
// budget is exhausted it reports allowed=false without mutating state.
func (l *Limiter) TryConsume(userID, feature string, limit int, period Period) (allowed bool, remaining int, resetAt time.Time) {
	return l.store.Consume(userID, feature, limit, period, l.now())
}

// Usage returns the user's current counter for a feature without consuming.
func (l *Limiter) Usage(userID, feature string) Usage {
	return l.store.Snapshot(userID, feature, l.now())
}

// Cleanup drops expired counters; called periodically from the main loop.
func (l *Limiter) Cleanup() {
	l.store.Cleanup(l.now())
}
