// Package kpage implements the fixed-size pool of page-sized physical
// memory the frame table lends to user processes: a flat array of pages
// and a singly-linked free list threaded through unused slots, guarded by
// one mutex. Pages are not refcounted or sharded per CPU — internal/frame
// is the sole owner of every page it hands out.
package kpage

import "sync"

// PageSize is the size in bytes of one page, fixed at compile time.
const PageSize = 4096

// SectorSize is the size in bytes of one block-device sector.
const SectorSize = 512

// SectorsPerPage is the number of device sectors backing one page.
const SectorsPerPage = PageSize / SectorSize

// ID names one physical page on loan from the pool: an index in
// [0, Cap()), so the zero value is the first page's ID.
type ID uint32

// invalidID is never handed out by Alloc.
const invalidID ID = ^ID(0)

// Pool is a fixed-capacity arena of page-sized buffers.
type Pool struct {
	mu      sync.Mutex
	pages   [][PageSize]byte
	freeNxt []ID // freeNxt[i] is the next free index after i, or invalidID
	freeHd  ID
	nfree   int
}

// New allocates a pool with room for count pages, all initially free.
func New(count int) *Pool {
	if count <= 0 {
		panic("kpage: bad pool size")
	}
	p := &Pool{
		pages:   make([][PageSize]byte, count),
		freeNxt: make([]ID, count),
	}
	for i := 0; i < count; i++ {
		if i == count-1 {
			p.freeNxt[i] = invalidID
		} else {
			p.freeNxt[i] = ID(i + 1)
		}
	}
	p.freeHd = 0
	p.nfree = count
	return p
}

// Cap reports the total number of pages the pool was created with.
func (p *Pool) Cap() int {
	return len(p.pages)
}

// Alloc removes one page from the free list and returns its ID and backing
// buffer. ok is false if the pool is exhausted.
func (p *Pool) Alloc() (ID, *[PageSize]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.freeHd == invalidID {
		return 0, nil, false
	}
	id := p.freeHd
	p.freeHd = p.freeNxt[id]
	p.nfree--
	return id, &p.pages[id], true
}

// Free returns a page to the pool. It panics if id is out of range; it is
// the caller's responsibility not to double-free (the frame table never
// frees a page it does not own).
func (p *Pool) Free(id ID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if int(id) >= len(p.pages) {
		panic("kpage: free of out-of-range id")
	}
	p.freeNxt[id] = p.freeHd
	p.freeHd = id
	p.nfree++
}

// Page returns the backing buffer for id without affecting the free list.
// Callers must only use this for an id they currently own.
func (p *Pool) Page(id ID) *[PageSize]byte {
	return &p.pages[id]
}

// FreeCount reports the number of pages currently unallocated.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nfree
}
