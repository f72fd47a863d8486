// Package frame implements the frame table: the process-wide registry of
// every physical user page currently on loan, and the clock-hand eviction
// policy that reclaims one when the pool runs dry.
//
// One mutex guards both the lookup structure and the insertion-ordered
// sequence used for eviction, acquired on entry and released on every exit
// path including failure. Frame-to-process is a weak back-reference, never
// a pointer into the owner's supplemental page table: the table holds only
// a ProcessID plus a resolver function to look the owner back up when
// eviction needs to touch its page directory or SPT entry.
package frame

import (
	"sync"

	"vmkernel/internal/kpage"
	"vmkernel/internal/pagedir"
	"vmkernel/internal/swap"
)

// ProcessID identifies the owning process. The frame table never
// dereferences it directly — only through Resolver.
type ProcessID uint64

// Owner is the narrow view of a process's supplemental page table that
// eviction needs: enough to find the victim's page directory and to push
// the swapped-out state back into its SPT entry. internal/spt.Table
// implements this interface.
type Owner interface {
	// PageDirectory returns the owner's page directory.
	PageDirectory() *pagedir.Table
	// MarkEvicted transitions the owner's SPT entry for va from RESIDENT
	// to SWAPPED, recording the new slot and sticky-dirty verdict.
	MarkEvicted(va pagedir.VA, slot swap.Slot, dirty bool)
}

// Resolver looks up the Owner for a ProcessID. Set once via SetResolver;
// this is what keeps the frame table decoupled from the process registry.
type Resolver func(ProcessID) (Owner, bool)

// Table is the frame table. There is exactly one per kernel instance —
// frames are a system-wide resource, not a per-process one.
type Table struct {
	mu       sync.Mutex
	pool     *swap.Area
	pages    *kpage.Pool
	resolve  Resolver
	onEvict  func(ProcessID, pagedir.VA)
	byFrame  map[kpage.ID]*entry
	sequence []kpage.ID // insertion order; clock hand scans this
	hand     int
}

type entry struct {
	owner  ProcessID
	va     pagedir.VA
	pinned bool
}

// New constructs a frame table over the given page pool and swap area.
// The resolver must be supplied before the first Allocate that can
// trigger eviction; see SetResolver.
func New(pages *kpage.Pool, swapArea *swap.Area) *Table {
	return &Table{
		pages:   pages,
		pool:    swapArea,
		byFrame: make(map[kpage.ID]*entry),
	}
}

// SetResolver installs the function used to resolve a victim's owner
// during eviction. Must be called before any Allocate that can evict.
func (t *Table) SetResolver(r Resolver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resolve = r
}

// SetEvictHook installs an optional callback invoked after each eviction
// with the victim's owner and virtual address. internal/diag uses this
// to record eviction counts without frame having to import it, the same
// decoupling device as Resolver.
func (t *Table) SetEvictHook(hook func(ProcessID, pagedir.VA)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEvict = hook
}

// Allocate returns a freshly owned, initially pinned user frame
// registered as belonging to (owner, va). ok is false only once eviction
// has been attempted and the pool is still exhausted.
func (t *Table) Allocate(owner ProcessID, va pagedir.VA) (kpage.ID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, buf, ok := t.pages.Alloc()
	if !ok {
		if !t.evictLocked() {
			return 0, false
		}
		id, buf, ok = t.pages.Alloc()
		if !ok {
			return 0, false
		}
	}
	clear(buf[:])

	e := &entry{owner: owner, va: va.Page(), pinned: true}
	t.byFrame[id] = e
	t.sequence = append(t.sequence, id)
	return id, true
}

// Release removes the frame's entry and returns the physical page to the
// pool.
func (t *Table) Release(id kpage.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(id)
	t.pages.Free(id)
}

// Detach removes the frame's entry without freeing the underlying page —
// used when another owner (e.g. SPT teardown of a still-resident page)
// will free it instead.
func (t *Table) Detach(id kpage.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(id)
}

func (t *Table) removeLocked(id kpage.ID) {
	if _, ok := t.byFrame[id]; !ok {
		panic("frame: unknown frame")
	}
	delete(t.byFrame, id)
	for i, fid := range t.sequence {
		if fid == id {
			t.sequence = append(t.sequence[:i], t.sequence[i+1:]...)
			if t.hand >= i && t.hand > 0 {
				t.hand--
			}
			break
		}
	}
}

// SetPin flips the pinned flag of id. Panics if id is unknown.
func (t *Table) SetPin(id kpage.ID, pinned bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byFrame[id]
	if !ok {
		panic("frame: unknown frame")
	}
	e.pinned = pinned
}

// Page returns the backing buffer for a frame this table currently owns.
func (t *Table) Page(id kpage.ID) *[kpage.PageSize]byte {
	return t.pages.Page(id)
}

// evictLocked selects and evicts a victim under the frame lock, using the
// clock-hand policy. Returns false only if the table holds no frames at
// all to scan (every page of the exhausted pool is held outside the frame
// table).
func (t *Table) evictLocked() bool {
	n := len(t.sequence)
	if n == 0 {
		return false
	}
	if t.resolve == nil {
		panic("frame: evict attempted with no resolver installed")
	}

	budget := 2 * n
	for scanned := 0; scanned < budget; scanned++ {
		id := t.advanceHandLocked()
		e := t.byFrame[id]
		if e.pinned {
			continue
		}
		owner, ok := t.resolve(e.owner)
		if !ok {
			panic("frame: owner vanished while still holding a frame")
		}
		pd := owner.PageDirectory()
		if pd.Accessed(e.va) {
			pd.ClearAccessed(e.va)
			continue
		}
		t.evictVictimLocked(id, e, owner, pd)
		return true
	}
	panic("frame: eviction impossible, every frame pinned")
}

func (t *Table) advanceHandLocked() kpage.ID {
	t.hand = (t.hand + 1) % len(t.sequence)
	return t.sequence[t.hand]
}

func (t *Table) evictVictimLocked(id kpage.ID, e *entry, owner Owner, pd *pagedir.Table) {
	// Hardware dirty must be read before the mapping is cleared. The
	// sticky software dirty bit is combined with it inside MarkEvicted,
	// on the owner's side.
	hwDirty := pd.Dirty(e.va)
	pd.Clear(e.va)

	slot := t.pool.AllocateAndWrite(t.pages.Page(id))
	owner.MarkEvicted(e.va, slot, hwDirty)

	if t.onEvict != nil {
		t.onEvict(e.owner, e.va)
	}

	t.removeLocked(id)
	t.pages.Free(id)
}
