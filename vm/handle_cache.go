package vm

import (
	"sort"
	"sync/atomic"

	"github.com/chazu/fnbridge/target"
	"github.com/chazu/fnbridge/unit"
)

// Handle caching for call stubs
//
// Every marked member of a defined type owns one slot, declared by the
// rewriter and named after its call site. A stub reads the slot, checks
// the handle against the active presenter, and stores a fresh handle on a
// miss. Reads and writes are single atomic operations. Two goroutines
// missing the same slot at once each create a handle and the last store
// wins; the loser's handle is simply dropped.

type handleBox struct {
	h target.Handle
}

// SlotCache is the cache entry for one call site.
type SlotCache struct {
	Site unit.CallSite

	h         atomic.Pointer[handleBox]
	loads     atomic.Uint64
	creations atomic.Uint64
}

// Load returns the cached handle, or nil.
func (s *SlotCache) Load() target.Handle {
	s.loads.Add(1)
	if b := s.h.Load(); b != nil {
		return b.h
	}
	return nil
}

// Store caches h. A nil h clears the slot.
func (s *SlotCache) Store(h target.Handle) {
	if h == nil {
		s.h.Store(nil)
		return
	}
	s.creations.Add(1)
	s.h.Store(&handleBox{h: h})
}

// Creations returns how many handles were stored in the slot.
func (s *SlotCache) Creations() uint64 { return s.creations.Load() }

// HandleCache holds the slots of one defined type. The slot set is fixed
// when the type is defined.
type HandleCache struct {
	slots map[string]*SlotCache
}

// NewHandleCache declares one slot per entry of slots.
func NewHandleCache(slots []unit.Slot) *HandleCache {
	hc := &HandleCache{slots: make(map[string]*SlotCache, len(slots))}
	for _, s := range slots {
		hc.slots[s.Name] = &SlotCache{Site: s.Site}
	}
	return hc
}

// Get returns the named slot, or nil if it was never declared.
func (hc *HandleCache) Get(name string) *SlotCache {
	return hc.slots[name]
}

// Load returns the handle cached in the named slot.
func (hc *HandleCache) Load(name string) target.Handle {
	if s := hc.slots[name]; s != nil {
		return s.Load()
	}
	return nil
}

// Store caches h in the named slot. It reports false for an undeclared
// slot.
func (hc *HandleCache) Store(name string, h target.Handle) bool {
	s := hc.slots[name]
	if s == nil {
		return false
	}
	s.Store(h)
	return true
}

// Names returns the declared slot names, sorted.
func (hc *HandleCache) Names() []string {
	names := make([]string, 0, len(hc.slots))
	for n := range hc.slots {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of declared slots.
func (hc *HandleCache) Len() int {
	return len(hc.slots)
}

// Reset empties every slot. Counters are kept.
func (hc *HandleCache) Reset() {
	for _, s := range hc.slots {
		s.h.Store(nil)
	}
}

// CacheStats aggregates slot counters.
type CacheStats struct {
	Slots     int
	Filled    int
	Loads     uint64
	Creations uint64
}

// Merge adds o to s.
func (s *CacheStats) Merge(o CacheStats) {
	s.Slots += o.Slots
	s.Filled += o.Filled
	s.Loads += o.Loads
	s.Creations += o.Creations
}

// HitRate returns the share of loads that did not lead to a creation, as
// a percentage (0-100).
func (s CacheStats) HitRate() float64 {
	if s.Loads == 0 || s.Creations >= s.Loads {
		return 0
	}
	return float64(s.Loads-s.Creations) * 100 / float64(s.Loads)
}

// Stats returns aggregate statistics for all slots.
func (hc *HandleCache) Stats() CacheStats {
	var st CacheStats
	for _, s := range hc.slots {
		st.Slots++
		if s.h.Load() != nil {
			st.Filled++
		}
		st.Loads += s.loads.Load()
		st.Creations += s.creations.Load()
	}
	return st
}
