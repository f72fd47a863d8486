// Package spt implements the supplemental page table: the per-process
// map from user virtual page to residency descriptor that is the source
// of truth for where a page's contents currently live.
//
// The residency status is modelled as a sum type rather than a wide
// struct with conditionally valid fields: each status is its own small
// type behind an unexported interface. Table.entries holds one residency
// value per virtual page plus the sticky dirty bit, which outlives any
// single status.
package spt

import (
	"fmt"
	"io"

	"vmkernel/internal/frame"
	"vmkernel/internal/kpage"
	"vmkernel/internal/pagedir"
	"vmkernel/internal/swap"
)

// residency is the tagged-variant payload for one SPT entry's status.
// Exactly one concrete type backs it at any time.
type residency interface {
	kind() Status
}

// Status names the four residency states a virtual page can be in.
type Status int

const (
	Zero Status = iota
	Resident
	Swapped
	File
)

func (s Status) String() string {
	switch s {
	case Zero:
		return "ZERO"
	case Resident:
		return "RESIDENT"
	case Swapped:
		return "SWAPPED"
	case File:
		return "FILE"
	default:
		return "UNKNOWN"
	}
}

type zeroState struct{}

func (zeroState) kind() Status { return Zero }

type residentState struct{ frame kpage.ID }

func (residentState) kind() Status { return Resident }

type swappedState struct{ slot swap.Slot }

func (swappedState) kind() Status { return Swapped }

// fileState is the demand-paged origin of a FILE page: where load reads
// its initial contents from. Unmap's own file/offset/bytes arguments are
// independent of this — the caller supplies them fresh at unmap time — so
// this struct exists only to serve load.
type fileState struct {
	source    io.ReaderAt
	offset    int64
	readBytes int
	zeroBytes int
	writable  bool
}

func (fileState) kind() Status { return File }

// entry is one SPT record: the current residency plus the sticky dirty
// bit, which survives a status transition.
type entry struct {
	va    pagedir.VA
	state residency
	dirty bool // sticky, OR'd with hardware dirty on eviction and on unmap
}

// Table is one process's supplemental page table.
type Table struct {
	owner    frame.ProcessID
	frames   *frame.Table
	pages    *kpage.Pool
	swapArea *swap.Area
	pagedir  *pagedir.Table
	entries  map[pagedir.VA]*entry
}

// New creates an empty SPT for owner.
func New(owner frame.ProcessID, pd *pagedir.Table, frames *frame.Table, pages *kpage.Pool, swapArea *swap.Area) *Table {
	return &Table{
		owner:    owner,
		frames:   frames,
		pages:    pages,
		swapArea: swapArea,
		pagedir:  pd,
		entries:  make(map[pagedir.VA]*entry),
	}
}

// PageDirectory implements frame.Owner.
func (t *Table) PageDirectory() *pagedir.Table {
	return t.pagedir
}

// MarkEvicted implements frame.Owner: the frame table calls this on the
// victim's owner after it has unmapped the page directory entry and
// written the frame's contents to swap.
func (t *Table) MarkEvicted(va pagedir.VA, slot swap.Slot, hwDirty bool) {
	e, ok := t.entries[va.Page()]
	if !ok {
		panic("spt: eviction of unknown page")
	}
	if e.state.kind() != Resident {
		panic("spt: eviction of non-resident entry")
	}
	e.dirty = e.dirty || hwDirty
	e.state = swappedState{slot: slot}
}

func (t *Table) insert(va pagedir.VA, state residency) {
	va = va.Page()
	if _, exists := t.entries[va]; exists {
		panic(fmt.Sprintf("spt: duplicate install for %#x", uintptr(va)))
	}
	t.entries[va] = &entry{va: va, state: state}
}

// InstallFile registers upage as demand-paged from source. readBytes +
// zeroBytes must equal the page size (invariant I4). Panics if upage is
// already installed.
func (t *Table) InstallFile(upage pagedir.VA, source io.ReaderAt, offset int64, readBytes, zeroBytes int, writable bool) {
	if readBytes+zeroBytes != kpage.PageSize {
		panic("spt: install-file read+zero bytes must equal page size")
	}
	t.insert(upage, fileState{
		source:    source,
		offset:    offset,
		readBytes: readBytes,
		zeroBytes: zeroBytes,
		writable:  writable,
	})
}

// InstallZero registers upage as demand-zero. Panics if already installed.
func (t *Table) InstallZero(upage pagedir.VA) {
	t.insert(upage, zeroState{})
}

// InstallResident registers upage as already backed by frame, used when a
// caller has already obtained a frame outside the fault path (e.g. the
// initial stack page). Panics if already installed.
func (t *Table) InstallResident(upage pagedir.VA, kframe kpage.ID) {
	t.insert(upage, residentState{frame: kframe})
}

// DirtyOr sticky-ORs value into upage's dirty flag. Panics if upage is
// unknown.
func (t *Table) DirtyOr(upage pagedir.VA, value bool) {
	e := t.mustLookup(upage)
	e.dirty = e.dirty || value
}

// Exists reports whether upage has an SPT entry.
func (t *Table) Exists(upage pagedir.VA) bool {
	_, ok := t.entries[upage.Page()]
	return ok
}

// EntryView is a read-only snapshot of an SPT entry, returned by Lookup.
type EntryView struct {
	VA     pagedir.VA
	Status Status
	Dirty  bool
}

// Lookup returns a snapshot of upage's entry, if any.
func (t *Table) Lookup(upage pagedir.VA) (EntryView, bool) {
	e, ok := t.entries[upage.Page()]
	if !ok {
		return EntryView{}, false
	}
	return EntryView{VA: e.va, Status: e.state.kind(), Dirty: e.dirty}, true
}

func (t *Table) mustLookup(upage pagedir.VA) *entry {
	e, ok := t.entries[upage.Page()]
	if !ok {
		panic(fmt.Sprintf("spt: unknown page %#x", uintptr(upage)))
	}
	return e
}

// Load is the page-fault resolver. It returns false when the fault cannot
// be resolved (no SPT entry, or a short file read), in which case the
// caller raises a user fault / exits the process.
func (t *Table) Load(upage pagedir.VA) bool {
	upage = upage.Page()
	e, ok := t.entries[upage]
	if !ok {
		return false
	}
	if e.state.kind() == Resident {
		return true // spurious fault; mapping already present
	}

	kframe, ok := t.frames.Allocate(t.owner, upage)
	if !ok {
		return false
	}

	writable, ok := t.materialize(e, kframe)
	if !ok {
		t.frames.Release(kframe)
		return false
	}

	t.pagedir.Install(upage, kframe, writable)
	e.state = residentState{frame: kframe}
	t.pagedir.ClearDirty(upage)
	t.frames.SetPin(kframe, false)
	return true
}

// materialize fills the freshly allocated frame according to e's current
// status and reports the writability the resulting mapping should have.
func (t *Table) materialize(e *entry, kframe kpage.ID) (writable bool, ok bool) {
	buf := t.frames.Page(kframe)
	switch st := e.state.(type) {
	case zeroState:
		clear(buf[:])
		return true, true
	case swappedState:
		t.swapArea.ReadAndFree(st.slot, buf)
		return true, true
	case fileState:
		n, err := st.source.ReadAt(buf[:st.readBytes], st.offset)
		if err != nil || n != st.readBytes {
			return false, false
		}
		for i := st.readBytes; i < st.readBytes+st.zeroBytes; i++ {
			buf[i] = 0
		}
		return st.writable, true
	default:
		panic("spt: materialize of resident entry")
	}
}

// Unmap tears down a memory-mapped file page. file/offset and the byte
// count to write back are supplied fresh by the caller, independent of
// whatever source InstallFile originally recorded.
func (t *Table) Unmap(upage pagedir.VA, file io.WriterAt, offset int64, bytes int) {
	upage = upage.Page()
	e := t.mustLookup(upage)

	switch st := e.state.(type) {
	case residentState:
		t.frames.SetPin(st.frame, true)
		dirty := e.dirty || t.pagedir.Dirty(upage)
		if dirty {
			writeBack(file, offset, t.frames.Page(st.frame)[:bytes])
		}
		t.frames.Release(st.frame)
		t.pagedir.Clear(upage)
	case swappedState:
		if e.dirty {
			var scratch [kpage.PageSize]byte
			t.swapArea.ReadAndFree(st.slot, &scratch)
			writeBack(file, offset, scratch[:bytes])
		} else {
			t.swapArea.Free(st.slot)
		}
	case fileState:
		// never faulted in: no resident resources to release.
	}

	delete(t.entries, upage)
}

func writeBack(file io.WriterAt, offset int64, data []byte) {
	n, err := file.WriteAt(data, offset)
	if err != nil || n != len(data) {
		panic(fmt.Sprintf("spt: short write-back at offset %d: %v", offset, err))
	}
}

// Destroy releases every resource still held by this SPT: resident frames
// and swap slots. Called at process exit.
func (t *Table) Destroy() {
	for va, e := range t.entries {
		switch st := e.state.(type) {
		case residentState:
			t.frames.Detach(st.frame)
			t.pages.Free(st.frame)
		case swappedState:
			t.swapArea.Free(st.slot)
		}
		delete(t.entries, va)
	}
}

// Pin and Unpin bracket kernel accesses to a user buffer: they forward to
// the frame table when upage is currently resident, and are a no-op for
// an installed page that is not resident — a page a caller intends to pin
// is expected to already have been faulted in via Load. Both panic if
// upage has no SPT entry.
func (t *Table) Pin(upage pagedir.VA) {
	t.setPinned(upage, true)
}

func (t *Table) Unpin(upage pagedir.VA) {
	t.setPinned(upage, false)
}

func (t *Table) setPinned(upage pagedir.VA, pinned bool) {
	e := t.mustLookup(upage)
	if st, ok := e.state.(residentState); ok {
		t.frames.SetPin(st.frame, pinned)
	}
}
