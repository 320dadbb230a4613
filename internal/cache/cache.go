package cache

import (
	"sync"
	"time"

	"quotestream/internal/observ"
)

// Store is a thread-safe key/value cache with per-entry TTL. Reads are lazy:
// an entry past its expiry behaves as absent without waiting for a sweep.
// Last writer wins; there is no versioning.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

type entry struct {
	value       any
	lastUpdated time.Time
	expiresAt   time.Time
}

func New() *Store {
	return &Store{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// NewWithClock builds a store with an injected clock for tests.
func NewWithClock(now func() time.Time) *Store {
	return &Store{entries: make(map[string]entry), now: now}
}

// Put stores value under key with absolute expiry now+ttl, overwriting
// any prior entry unconditionally.
func (s *Store) Put(key string, value any, ttl time.Duration) {
	now := s.now()
	s.mu.Lock()
	s.entries[key] = entry{value: value, lastUpdated: now, expiresAt: now.Add(ttl)}
	s.mu.Unlock()
	observ.IncCounter("cache_put_total", nil)
}

// Get returns the value for key if it has not expired.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || !s.now().Before(e.expiresAt) {
		observ.IncCounter("cache_miss_total", nil)
		return nil, false
	}
	observ.IncCounter("cache_hit_total", nil)
	return e.value, true
}

// Delete removes key if present.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Len reports the number of stored entries, expired ones included until the
// next sweep. Used by the status endpoint.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep deletes entries whose TTL has passed and returns how many went.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.Lock()
	evicted := 0
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
			evicted++
		}
	}
	size := len(s.entries)
	s.mu.Unlock()

	if evicted > 0 {
		observ.IncCounterBy("cache_evictions_total", nil, int64(evicted))
	}
	observ.SetGauge("cache_size", float64(size), nil)
	return evicted
}
