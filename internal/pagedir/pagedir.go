// Package pagedir simulates a page-directory hardware interface: an
// in-memory table addressed by virtual page number, carrying the same
// present/writable/accessed/dirty vocabulary a hardware page-table entry
// expresses in silicon.
package pagedir

import (
	"sync"

	"vmkernel/internal/kpage"
)

// VA is a user virtual address, always page-aligned when used as a key.
type VA uintptr

// Page truncates a virtual address down to its containing page.
func (v VA) Page() VA {
	return v &^ (kpage.PageSize - 1)
}

type entry struct {
	frame    kpage.ID
	writable bool
	accessed bool
	dirty    bool
}

// Table is one process's page directory.
type Table struct {
	mu      sync.Mutex
	entries map[VA]*entry
}

// New returns an empty page directory.
func New() *Table {
	return &Table{entries: make(map[VA]*entry)}
}

// Install maps va to frame with the given writability. Accessed and dirty
// start clear, matching a freshly loaded hardware PTE.
func (t *Table) Install(va VA, frame kpage.ID, writable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[va.Page()] = &entry{frame: frame, writable: writable}
}

// Clear removes the mapping for va, if any. Subsequent accesses fault.
func (t *Table) Clear(va VA) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, va.Page())
}

// Lookup reports the frame mapped at va, if present.
func (t *Table) Lookup(va VA) (kpage.ID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[va.Page()]
	if !ok {
		return 0, false
	}
	return e.frame, true
}

// Touch records a simulated hardware access to va: sets the accessed bit,
// and the dirty bit too if the access is a write. It is a no-op if va is
// unmapped (a real MMU cannot set bits on an entry that does not exist
// either).
func (t *Table) Touch(va VA, write bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[va.Page()]
	if !ok {
		return
	}
	e.accessed = true
	if write {
		e.dirty = true
	}
}

// Accessed reports and the accessed bit of va's mapping.
func (t *Table) Accessed(va VA) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[va.Page()]
	return ok && e.accessed
}

// ClearAccessed clears the accessed bit, the "second chance" step of the
// clock eviction algorithm.
func (t *Table) ClearAccessed(va VA) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[va.Page()]; ok {
		e.accessed = false
	}
}

// Dirty reports the hardware dirty bit of va's mapping.
func (t *Table) Dirty(va VA) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[va.Page()]
	return ok && e.dirty
}

// ClearDirty clears the dirty bit, done whenever a page is freshly loaded.
func (t *Table) ClearDirty(va VA) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[va.Page()]; ok {
		e.dirty = false
	}
}
