// Package procreg is the process registry: it lets internal/frame hold
// only a ProcessID and look the real owner up lazily, instead of a pointer
// straight into another process's supplemental page table.
//
// The registry is a fixed array of buckets, each independently guarded by
// its own sync.RWMutex so operations on processes that hash to different
// buckets never contend.
package procreg

import (
	"sync"
	"sync/atomic"

	"vmkernel/internal/frame"
)

const bucketCount = 64

// Registry is a concurrent map from frame.ProcessID to V, plus an
// allocator for fresh ProcessIDs.
type Registry[V any] struct {
	next    atomic.Uint64
	buckets [bucketCount]bucket[V]
}

type bucket[V any] struct {
	mu    sync.RWMutex
	items map[frame.ProcessID]V
}

// New returns an empty registry. ProcessID allocation starts at 1, so the
// zero ProcessID is never handed out and can serve as a sentinel.
func New[V any]() *Registry[V] {
	r := &Registry[V]{}
	r.next.Store(0)
	for i := range r.buckets {
		r.buckets[i].items = make(map[frame.ProcessID]V)
	}
	return r
}

// Allocate returns a fresh, previously unused ProcessID. It does not
// register anything; callers register under the returned ID with Set.
func (r *Registry[V]) Allocate() frame.ProcessID {
	return frame.ProcessID(r.next.Add(1))
}

func (r *Registry[V]) bucketFor(id frame.ProcessID) *bucket[V] {
	return &r.buckets[uint64(id)%bucketCount]
}

// Set registers val under id, replacing any previous entry.
func (r *Registry[V]) Set(id frame.ProcessID, val V) {
	b := r.bucketFor(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[id] = val
}

// Get looks up id's entry.
func (r *Registry[V]) Get(id frame.ProcessID) (V, bool) {
	b := r.bucketFor(id)
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.items[id]
	return v, ok
}

// Delete removes id's entry, if any. Called at process teardown.
func (r *Registry[V]) Delete(id frame.ProcessID) {
	b := r.bucketFor(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.items, id)
}

// Resolver adapts Get to the frame.Resolver signature, which returns an
// (Owner, bool) pair: V is constrained to frame.Owner (true for
// *spt.Table), so this only compiles when V satisfies it.
func Resolver[V frame.Owner](r *Registry[V]) frame.Resolver {
	return func(id frame.ProcessID) (frame.Owner, bool) {
		v, ok := r.Get(id)
		if !ok {
			var zero frame.Owner
			return zero, false
		}
		return v, true
	}
}

// Size reports the total number of registered entries, summed across
// buckets. Intended for diagnostics and tests, not the hot path.
func (r *Registry[V]) Size() int {
	n := 0
	for i := range r.buckets {
		b := &r.buckets[i]
		b.mu.RLock()
		n += len(b.items)
		b.mu.RUnlock()
	}
	return n
}
