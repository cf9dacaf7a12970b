package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/fnbridge/target"
)

// entry is a server-side reference to a presenter handle.
type entry struct {
	handle   target.Handle
	owner    string
	retained bool
	created  time.Time
	lastUsed time.Time
}

// HandleStore maps opaque string IDs to presenter handles. Retained
// handles are pinned; the others expire when unused for longer than the
// sweep TTL.
type HandleStore struct {
	mu      sync.Mutex
	handles map[string]*entry
}

// NewHandleStore creates a new handle store.
func NewHandleStore() *HandleStore {
	return &HandleStore{handles: make(map[string]*entry)}
}

// Create registers h and returns its ID. IDs are unique across server
// restarts so a stale client ID never names a new function.
func (s *HandleStore) Create(h target.Handle, owner string, retained bool) string {
	id := "h-" + uuid.NewString()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[id] = &entry{
		handle:   h,
		owner:    owner,
		retained: retained,
		created:  now,
		lastUsed: now,
	}
	return id
}

// Lookup retrieves the handle for id and marks it used.
func (s *HandleStore) Lookup(id string) (target.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.handles[id]
	if !ok {
		return nil, false
	}
	e.lastUsed = time.Now()
	return e.handle, true
}

// Release removes a handle. It reports whether the ID was known.
func (s *HandleStore) Release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handles[id]; !ok {
		return false
	}
	delete(s.handles, id)
	return true
}

// Replace swaps the handle stored under id, keeping its ownership and
// retention. It reports whether the ID was known.
func (s *HandleStore) Replace(id string, h target.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.handles[id]
	if !ok {
		return false
	}
	e.handle = h
	e.lastUsed = time.Now()
	return true
}

// Len returns the number of live handles.
func (s *HandleStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Sweep removes unretained handles that haven't been used within the TTL.
func (s *HandleStore) Sweep(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for id, e := range s.handles {
		if !e.retained && e.lastUsed.Before(cutoff) {
			delete(s.handles, id)
			removed++
		}
	}
	if removed > 0 {
		log.Debugf("swept %d idle handles", removed)
	}
	return removed
}

// StartSweeper runs periodic TTL sweeps in the background.
// Returns a stop function.
func (s *HandleStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep(ttl)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
