package syscallio

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"vmkernel/internal/frame"
	"vmkernel/internal/kpage"
	"vmkernel/internal/pagedir"
	"vmkernel/internal/procreg"
	"vmkernel/internal/spt"
	"vmkernel/internal/swap"
)

type memFile struct{ data []byte }

func newMemFile(data []byte) *memFile {
	return &memFile{data: append([]byte(nil), data...)}
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, f.data[off:])
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	n := copy(f.data[off:], p)
	return n, nil
}

func newBuffer(t *testing.T, poolSize, swapSlots int) *Buffer {
	t.Helper()
	pages := kpage.New(poolSize)
	path := filepath.Join(t.TempDir(), "swap.img")
	area, err := swap.Open(path, swapSlots)
	if err != nil {
		t.Fatalf("swap.Open: %v", err)
	}
	t.Cleanup(func() { area.Close() })

	frames := frame.New(pages, area)
	procs := procreg.New[*spt.Table]()
	frames.SetResolver(procreg.Resolver(procs))

	id := procs.Allocate()
	pd := pagedir.New()
	table := spt.New(id, pd, frames, pages, area)
	procs.Set(id, table)

	return &Buffer{SPT: table, Frames: frames, Pagedir: pd}
}

func TestReadFaultsInZeroPage(t *testing.T) {
	b := newBuffer(t, 4, 4)
	const uva pagedir.VA = 0x8048000
	b.SPT.InstallZero(uva)

	src := strings.NewReader("hello")
	n, ok := b.Read(uva, 5, src)
	if !ok || n != 5 {
		t.Fatalf("Read = (%d, %v), want (5, true)", n, ok)
	}

	id, found := b.Pagedir.Lookup(uva)
	if !found {
		t.Fatalf("page not resident after Read")
	}
	got := b.Frames.Page(id)[:5]
	if string(got) != "hello" {
		t.Fatalf("buffer contents = %q, want hello", got)
	}
}

func TestReadAcrossPageBoundary(t *testing.T) {
	b := newBuffer(t, 4, 4)
	base := pagedir.VA(0x8048000 - 2)
	b.SPT.InstallZero(pagedir.VA(0x8048000 - kpage.PageSize))
	b.SPT.InstallZero(0x8048000)

	data := bytes.Repeat([]byte{0xAB}, 4)
	n, ok := b.Read(base, len(data), bytes.NewReader(data))
	if !ok || n != len(data) {
		t.Fatalf("Read = (%d, %v), want (%d, true)", n, ok, len(data))
	}
}

func TestReadUnresolvableFaultFails(t *testing.T) {
	b := newBuffer(t, 4, 4)
	const uva pagedir.VA = 0x9000000 // never installed
	_, ok := b.Read(uva, 10, strings.NewReader("x"))
	if ok {
		t.Fatalf("Read should fail on an unmapped, uninstalled page")
	}
}

func TestWritePinsAndUnpinsAcrossIO(t *testing.T) {
	b := newBuffer(t, 4, 4)
	const uva pagedir.VA = 0x8048000
	b.SPT.InstallZero(uva)
	b.SPT.Load(uva)

	id, _ := b.Pagedir.Lookup(uva)
	copy(b.Frames.Page(id)[:5], "adios")

	var out bytes.Buffer
	n, ok := b.Write(uva, 5, &out)
	if !ok || n != 5 {
		t.Fatalf("Write = (%d, %v), want (5, true)", n, ok)
	}
	if out.String() != "adios" {
		t.Fatalf("written data = %q, want adios", out.String())
	}

	// Pin/unpin must have been balanced: the page should still be
	// evictable afterwards. Every filler page is pinned once loaded, so
	// the fourth filler can only be made room for by evicting uva.
	for i := 0; i < 4; i++ {
		va := pagedir.VA(0x9000000 + i*kpage.PageSize)
		b.SPT.InstallZero(va)
		if !b.SPT.Load(va) {
			t.Fatalf("filling pool failed at page %d", i)
		}
		b.SPT.Pin(va)
	}
	ent, _ := b.SPT.Lookup(uva)
	if ent.Status != spt.Swapped {
		t.Fatalf("uva status = %v, want SWAPPED (evictable after Write)", ent.Status)
	}
}

// TestReadThroughSyscallSurvivesEvictionAndUnmap exercises a write made
// through the read(fd, buf, n) path into a writable, file-backed page:
// the page is evicted to swap under memory pressure and then unmapped,
// and the bytes the syscall wrote must still make it back to the file.
func TestReadThroughSyscallSurvivesEvictionAndUnmap(t *testing.T) {
	b := newBuffer(t, 1, 4)
	const uva pagedir.VA = 0x8048000

	backing := newMemFile(make([]byte, kpage.PageSize))
	b.SPT.InstallFile(uva, backing, 0, kpage.PageSize, 0, true)

	payload := []byte("etched into the mapped file")
	n, ok := b.Read(uva, len(payload), bytes.NewReader(payload))
	if !ok || n != len(payload) {
		t.Fatalf("Read = (%d, %v), want (%d, true)", n, ok, len(payload))
	}

	// The pool holds only one frame, so faulting in a second page must
	// evict uva first.
	const other pagedir.VA = 0x9000000
	b.SPT.InstallZero(other)
	if !b.SPT.Load(other) {
		t.Fatalf("forcing eviction of uva failed")
	}

	ent, _ := b.SPT.Lookup(uva)
	if ent.Status != spt.Swapped {
		t.Fatalf("uva status = %v, want SWAPPED after eviction", ent.Status)
	}

	b.SPT.Unmap(uva, backing, 0, len(payload))

	if got := string(backing.data[:len(payload)]); got != string(payload) {
		t.Fatalf("backing file = %q, want %q: write made through the read() path was lost", got, payload)
	}
}
