// Command vmdemo wires one process's address space — frame table, swap
// area, page directory, supplemental page table — and walks a fixed set
// of end-to-end scenarios against it, printing PASS/FAIL per scenario.
// It is a flat main package with no framework.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/google/pprof/profile"

	"vmkernel/internal/diag"
	"vmkernel/internal/frame"
	"vmkernel/internal/kpage"
	"vmkernel/internal/pagedir"
	"vmkernel/internal/procreg"
	"vmkernel/internal/spt"
	"vmkernel/internal/swap"
)

const (
	poolSize  = 4
	swapSlots = 8
)

func main() {
	profilePath := flag.String("profile", "", "write a diag snapshot (pprof format) to this path")
	flag.Parse()

	scenarios := []struct {
		name string
		run  func(*vm) error
	}{
		{"zero-page growth", scenarioZeroPageGrowth},
		{"demand-paged code", scenarioDemandPagedCode},
		{"eviction under pressure", scenarioEvictionUnderPressure},
		{"dirty write-back round trip", scenarioDirtyWriteBack},
		{"mmap unmap clean", scenarioMmapUnmapClean},
		{"mmap unmap dirty via swap", scenarioMmapUnmapDirty},
	}

	var rec *diag.Recorder
	failures := 0
	for _, s := range scenarios {
		v, err := newVM()
		if err != nil {
			log.Fatalf("vmdemo: set up VM for %q: %v", s.name, err)
		}
		rec = v.rec

		err = s.run(v)
		v.close()

		if err != nil {
			fmt.Printf("FAIL %s: %v\n", s.name, err)
			failures++
		} else {
			fmt.Printf("PASS %s\n", s.name)
		}
	}

	if *profilePath != "" && rec != nil {
		if err := writeProfile(rec.Snapshot(), *profilePath); err != nil {
			log.Fatalf("vmdemo: write profile: %v", err)
		}
	}

	if failures > 0 {
		os.Exit(1)
	}
}

func writeProfile(p *profile.Profile, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return p.Write(f)
}

// vm bundles the system-wide resources a single scenario exercises:
// one frame table and swap area shared by every process it creates.
type vm struct {
	procs    *procreg.Registry[*spt.Table]
	frames   *frame.Table
	pages    *kpage.Pool
	swapArea *swap.Area
	rec      *diag.Recorder
	swapFile string
}

func newVM() (*vm, error) {
	f, err := os.CreateTemp("", "vmdemo-swap-*")
	if err != nil {
		return nil, err
	}
	path := f.Name()
	f.Close()

	area, err := swap.Open(path, swapSlots)
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	pages := kpage.New(poolSize)
	frames := frame.New(pages, area)
	procs := procreg.New[*spt.Table]()
	frames.SetResolver(procreg.Resolver(procs))

	rec := diag.NewRecorder()
	frames.SetEvictHook(rec.RecordEviction)

	return &vm{
		procs:    procs,
		frames:   frames,
		pages:    pages,
		swapArea: area,
		rec:      rec,
		swapFile: path,
	}, nil
}

func (v *vm) close() {
	v.swapArea.Close()
	os.Remove(v.swapFile)
}

// process is one address space within a vm.
type process struct {
	id      frame.ProcessID
	spt     *spt.Table
	pagedir *pagedir.Table
}

func (v *vm) newProcess() *process {
	id := v.procs.Allocate()
	pd := pagedir.New()
	table := spt.New(id, pd, v.frames, v.pages, v.swapArea)
	v.procs.Set(id, table)
	p := &process{id: id, spt: table, pagedir: pd}
	return p
}

// load wraps spt.Load with diag recording and a plain-Go error instead of
// a bare bool, since main-package scenario code favours explicit errors
// over the VM core's fault-or-continue convention.
func (p *process) load(v *vm, va pagedir.VA) error {
	v.rec.RecordFault(p.id, va)
	if !p.spt.Load(va) {
		return fmt.Errorf("load(%#x) failed to resolve", uintptr(va))
	}
	return nil
}

func (p *process) frameBuffer(v *vm, va pagedir.VA) *[kpage.PageSize]byte {
	id, ok := p.pagedir.Lookup(va)
	if !ok {
		panic(fmt.Sprintf("vmdemo: %#x not mapped", uintptr(va)))
	}
	return v.frames.Page(id)
}

// memFile is a fixed-size in-memory stand-in for "the file this fd
// names"; spt depends only on io.ReaderAt/io.WriterAt.
type memFile struct {
	data []byte
}

func newMemFile(size int) *memFile {
	return &memFile{data: make([]byte, size)}
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) > len(f.data) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	if int(off)+len(p) > len(f.data) {
		return 0, fmt.Errorf("memfile: write past end")
	}
	return copy(f.data[off:], p), nil
}

const stackPage = pagedir.VA(0x8048000)

func fillPattern(buf []byte, b byte) {
	for i := range buf {
		buf[i] = b
	}
}

// touchOthers simulates hardware accesses to every page in vas except
// skip, so that a subsequent eviction scan's "second chance" step passes
// over them and the clock is driven to pick skip as its victim — used
// where a scenario needs a deterministic eviction target.
func touchOthers(pd *pagedir.Table, skip pagedir.VA, vas ...pagedir.VA) {
	for _, va := range vas {
		if va != skip {
			pd.Touch(va, false)
		}
	}
}

func scenarioZeroPageGrowth(v *vm) error {
	p := v.newProcess()
	const A = stackPage

	p.spt.InstallZero(A)
	if err := p.load(v, A); err != nil {
		return err
	}

	buf := p.frameBuffer(v, A)
	if buf[0] != 0 {
		return fmt.Errorf("first byte = %d, want 0", buf[0])
	}
	if used := v.pages.Cap() - v.pages.FreeCount(); used != 1 {
		return fmt.Errorf("frame count = %d, want 1", used)
	}
	if used := v.swapArea.UsedCount(); used != 0 {
		return fmt.Errorf("swap usage = %d, want 0", used)
	}
	return nil
}

func scenarioDemandPagedCode(v *vm) error {
	p := v.newProcess()
	const A = stackPage

	f := newMemFile(kpage.PageSize)
	f.data[0], f.data[1], f.data[2] = 1, 2, 3

	p.spt.InstallFile(A, f, 0, 3, kpage.PageSize-3, false)
	if err := p.load(v, A); err != nil {
		return err
	}

	buf := p.frameBuffer(v, A)
	want := [4]byte{1, 2, 3, 0}
	for i, w := range want {
		if buf[i] != w {
			return fmt.Errorf("byte %d = %d, want %d", i, buf[i], w)
		}
	}
	return nil
}

func scenarioEvictionUnderPressure(v *vm) error {
	p := v.newProcess()
	pages := [5]pagedir.VA{
		stackPage + 0*kpage.PageSize,
		stackPage + 1*kpage.PageSize,
		stackPage + 2*kpage.PageSize,
		stackPage + 3*kpage.PageSize,
		stackPage + 4*kpage.PageSize,
	}
	for _, va := range pages[:4] {
		p.spt.InstallZero(va)
		if err := p.load(v, va); err != nil {
			return err
		}
	}

	p.spt.InstallZero(pages[4])
	if err := p.load(v, pages[4]); err != nil {
		return err
	}

	swappedCount := 0
	var swappedVA pagedir.VA
	for _, va := range pages[:4] {
		ent, ok := p.spt.Lookup(va)
		if !ok {
			return fmt.Errorf("page %#x lost its SPT entry", uintptr(va))
		}
		if ent.Status == spt.Swapped {
			swappedCount++
			swappedVA = va
		}
	}
	if swappedCount != 1 {
		return fmt.Errorf("%d of A..D swapped, want exactly 1", swappedCount)
	}
	if ent, _ := p.spt.Lookup(pages[4]); ent.Status != spt.Resident {
		return fmt.Errorf("E status = %v, want RESIDENT", ent.Status)
	}

	if err := p.load(v, swappedVA); err != nil {
		return err
	}
	if ent, _ := p.spt.Lookup(swappedVA); ent.Status != spt.Resident {
		return fmt.Errorf("reloaded page status = %v, want RESIDENT", ent.Status)
	}
	return nil
}

func scenarioDirtyWriteBack(v *vm) error {
	p := v.newProcess()
	A := stackPage
	B := stackPage + 1*kpage.PageSize
	C := stackPage + 2*kpage.PageSize
	D := stackPage + 3*kpage.PageSize
	E := stackPage + 4*kpage.PageSize

	for _, va := range []pagedir.VA{A, B, C, D} {
		p.spt.InstallZero(va)
		if err := p.load(v, va); err != nil {
			return err
		}
	}

	pattern := make([]byte, kpage.PageSize)
	fillPattern(pattern, 0x42)
	copy(p.frameBuffer(v, A)[:], pattern)

	// Give B, C, D a second chance so the clock lands on A: anonymous
	// eviction always writes current contents to swap regardless of the
	// dirty verdict, so the round trip this scenario checks does not
	// depend on the dirty bit at all, only on picking A deterministically.
	touchOthers(p.pagedir, A, A, B, C, D)

	p.spt.InstallZero(E)
	if err := p.load(v, E); err != nil {
		return err
	}
	if ent, _ := p.spt.Lookup(A); ent.Status != spt.Swapped {
		return fmt.Errorf("A status = %v, want SWAPPED", ent.Status)
	}

	if err := p.load(v, A); err != nil {
		return err
	}
	got := p.frameBuffer(v, A)
	for i, w := range pattern {
		if got[i] != w {
			return fmt.Errorf("byte %d = %d, want %d", i, got[i], w)
		}
	}
	return nil
}

func scenarioMmapUnmapClean(v *vm) error {
	p := v.newProcess()
	const A = stackPage

	f := newMemFile(kpage.PageSize)
	fillPattern(f.data, 0x99)
	original := append([]byte(nil), f.data...)

	p.spt.InstallFile(A, f, 0, kpage.PageSize, 0, true)
	if err := p.load(v, A); err != nil {
		return err
	}

	p.spt.Unmap(A, f, 0, kpage.PageSize)

	for i, w := range original {
		if f.data[i] != w {
			return fmt.Errorf("file byte %d = %d, want %d", i, f.data[i], w)
		}
	}
	if used := v.swapArea.UsedCount(); used != 0 {
		return fmt.Errorf("swap usage = %d, want 0", used)
	}
	return nil
}

func scenarioMmapUnmapDirty(v *vm) error {
	p := v.newProcess()
	A := stackPage
	B := stackPage + 1*kpage.PageSize
	C := stackPage + 2*kpage.PageSize
	D := stackPage + 3*kpage.PageSize
	E := stackPage + 4*kpage.PageSize

	f := newMemFile(kpage.PageSize)

	p.spt.InstallFile(A, f, 0, kpage.PageSize, 0, true)
	if err := p.load(v, A); err != nil {
		return err
	}

	pattern := make([]byte, kpage.PageSize)
	fillPattern(pattern, 0x51)
	copy(p.frameBuffer(v, A)[:], pattern)
	// Mark the sticky dirty bit directly: hardware Touch would also set
	// the accessed bit, which would upset the deterministic eviction
	// target below. Contents were genuinely modified; the dirty verdict
	// just needs to reach eviction the way it would in the general case.
	p.spt.DirtyOr(A, true)

	for _, va := range []pagedir.VA{B, C, D} {
		p.spt.InstallZero(va)
		if err := p.load(v, va); err != nil {
			return err
		}
	}
	touchOthers(p.pagedir, A, A, B, C, D)

	p.spt.InstallZero(E)
	if err := p.load(v, E); err != nil {
		return err
	}
	if ent, _ := p.spt.Lookup(A); ent.Status != spt.Swapped {
		return fmt.Errorf("A status = %v, want SWAPPED", ent.Status)
	}
	if used := v.swapArea.UsedCount(); used != 1 {
		return fmt.Errorf("swap usage = %d, want 1", used)
	}

	p.spt.Unmap(A, f, 0, kpage.PageSize)

	for i, w := range pattern {
		if f.data[i] != w {
			return fmt.Errorf("file byte %d = %d, want %d", i, f.data[i], w)
		}
	}
	if used := v.swapArea.UsedCount(); used != 0 {
		return fmt.Errorf("swap usage after unmap = %d, want 0", used)
	}
	return nil
}
