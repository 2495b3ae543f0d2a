package scheduler

import (
	"sync"

	"github.com/me/vgrid/internal/runningtest"
)

// Entry is a registered RunningTest and its registration sequence.
type Entry struct {
	Seq  uint64
	Test *runningtest.RunningTest
}

// Registry is the concurrency-safe set of live RunningTests. Its lock only
// guards membership; each RunningTest guards its own queue.
type Registry struct {
	mu      sync.RWMutex
	next    uint64
	entries []Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers rt and returns its sequence number. Sequence numbers grow
// with registration order and are never reused.
func (r *Registry) Add(rt *runningtest.RunningTest) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.entries = append(r.entries, Entry{Seq: r.next, Test: rt})
	return r.next
}

// Remove drops the test with the given id. It reports whether it was registered.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.Test.ID() == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Snapshot returns the live entries in registration order. The slice is a
// copy; the tests themselves stay live.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of live tests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
