// Package syscallio implements the VM-facing slice of the system-call
// surface: read and write pin every page of the user buffer they touch
// before filesystem I/O and unpin after, so that no page a kernel thread
// is mid-copy into or out of can be selected for eviction.
//
// The filesystem and fd table live elsewhere; this package depends only
// on an injected io.Reader/io.Writer standing in for "the file this
// descriptor names".
package syscallio

import (
	"io"

	"vmkernel/internal/frame"
	"vmkernel/internal/kpage"
	"vmkernel/internal/pagedir"
	"vmkernel/internal/spt"
)

// FaultExitStatus is the process exit status used when a user buffer
// page cannot be resolved — an invalid user address.
const FaultExitStatus = -1

// Buffer identifies one process's address space for the purposes of
// bracketing kernel I/O into user memory.
type Buffer struct {
	SPT     *spt.Table
	Frames  *frame.Table
	Pagedir *pagedir.Table
}

// walk calls touch once per page spanned by [uva, uva+n), each time with
// that page's backing buffer and the byte range within it this access
// covers. If any page cannot be faulted in, walk stops and returns false
// without touching the remaining pages; partial progress already made by
// touch on earlier pages stands, so callers see a short count rather than
// having it discarded.
func (b *Buffer) walk(uva pagedir.VA, n int, touch func(page pagedir.VA, buf *[kpage.PageSize]byte, lo, hi int) int) (int, bool) {
	done := 0
	for done < n {
		va := uva + pagedir.VA(done)
		page := va.Page()

		if _, ok := b.Pagedir.Lookup(page); !ok {
			if !b.SPT.Load(page) {
				return done, false
			}
		}

		b.SPT.Pin(page)
		id, _ := b.Pagedir.Lookup(page)
		buf := b.Frames.Page(id)

		lo := int(va) - int(page)
		hi := lo + (n - done)
		if hi > kpage.PageSize {
			hi = kpage.PageSize
		}

		moved := touch(page, buf, lo, hi)
		b.SPT.Unpin(page)

		if moved == 0 {
			return done, true
		}
		done += moved
	}
	return done, true
}

// Read services the read(fd, buf, n) system call: it copies up to n
// bytes from src into the user buffer at uva, faulting pages in as
// needed. ok is false only when a page could not be resolved, in which
// case the caller should terminate the process with FaultExitStatus.
func (b *Buffer) Read(uva pagedir.VA, n int, src io.Reader) (int, bool) {
	return b.walk(uva, n, func(page pagedir.VA, buf *[kpage.PageSize]byte, lo, hi int) int {
		m, err := src.Read(buf[lo:hi])
		if m > 0 {
			b.Pagedir.Touch(page, true)
		}
		if err != nil && err != io.EOF {
			return 0
		}
		return m
	})
}

// Write services the write(fd, buf, n) system call: it copies up to n
// bytes from the user buffer at uva into dst, faulting pages in as
// needed. ok is false only when a page could not be resolved.
func (b *Buffer) Write(uva pagedir.VA, n int, dst io.Writer) (int, bool) {
	return b.walk(uva, n, func(page pagedir.VA, buf *[kpage.PageSize]byte, lo, hi int) int {
		m, err := dst.Write(buf[lo:hi])
		if err != nil {
			return 0
		}
		return m
	})
}
