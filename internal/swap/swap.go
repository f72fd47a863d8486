// Package swap implements the swap area: a fixed-size pool of page-sized
// slots on a block device. Slot availability is tracked with a bitmap
// where a set bit means free, initialised with every bit set. Device
// access is synchronous pread/pwrite against a backing file through
// golang.org/x/sys/unix — there is no request queue or block cache, only
// blocking, single-slot I/O.
package swap

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"vmkernel/internal/kpage"
)

// Slot names one page-sized region of the swap device.
type Slot int

const invalidSlot Slot = -1

// Area is the swap device: a bitmap of slot availability plus the file
// descriptor backing it.
type Area struct {
	mu     sync.Mutex
	bits   []uint64 // bit set => slot free
	nslots int
	file   *os.File
}

// Open creates (or truncates) path to hold nslots page-sized slots and
// returns an Area with every slot marked free, matching the swap device's
// state at boot: the swap area is re-initialised every boot and holds no
// cross-boot meaning.
func Open(path string, nslots int) (*Area, error) {
	if nslots <= 0 {
		panic("swap: bad slot count")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("swap: open backing file: %w", err)
	}
	size := int64(nslots) * kpage.PageSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("swap: size backing file: %w", err)
	}

	words := (nslots + 63) / 64
	bits := make([]uint64, words)
	for i := range bits {
		bits[i] = ^uint64(0)
	}
	// clear any padding bits beyond nslots in the final word
	if rem := nslots % 64; rem != 0 {
		bits[words-1] = (uint64(1) << uint(rem)) - 1
	}

	return &Area{bits: bits, nslots: nslots, file: f}, nil
}

// Close releases the backing file, for orderly shutdown in tests and
// cmd/vmdemo.
func (a *Area) Close() error {
	return a.file.Close()
}

// NumSlots reports the total slot count.
func (a *Area) NumSlots() int {
	return a.nslots
}

// UsedCount reports how many slots are currently occupied.
func (a *Area) UsedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	used := 0
	for slot := 0; slot < a.nslots; slot++ {
		if !a.isFree(Slot(slot)) {
			used++
		}
	}
	return used
}

func (a *Area) isFree(slot Slot) bool {
	return a.bits[slot/64]&(uint64(1)<<uint(slot%64)) != 0
}

func (a *Area) setFree(slot Slot, free bool) {
	word, bit := slot/64, uint(slot%64)
	if free {
		a.bits[word] |= uint64(1) << bit
	} else {
		a.bits[word] &^= uint64(1) << bit
	}
}

func (a *Area) lowestFree() (Slot, bool) {
	for w, word := range a.bits {
		if word == 0 {
			continue
		}
		for b := 0; b < 64; b++ {
			slot := Slot(w*64 + b)
			if int(slot) >= a.nslots {
				break
			}
			if word&(uint64(1)<<uint(b)) != 0 {
				return slot, true
			}
		}
	}
	return invalidSlot, false
}

// AllocateAndWrite finds the lowest free slot, writes page to the
// corresponding sectors, and returns the slot index now occupied. It
// panics if the swap area is exhausted — swap sizing is a deployment
// concern.
func (a *Area) AllocateAndWrite(page *[kpage.PageSize]byte) Slot {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot, ok := a.lowestFree()
	if !ok {
		panic("swap: area exhausted")
	}
	a.setFree(slot, false)
	a.writeSlot(slot, page)
	return slot
}

// ReadAndFree reads slot's contents into dst and marks the slot free. It
// panics if slot is already free — a cross-table invariant violation.
func (a *Area) ReadAndFree(slot Slot, dst *[kpage.PageSize]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.mustBeOccupied(slot)
	a.readSlot(slot, dst)
	a.setFree(slot, true)
}

// Free marks slot free without reading it back. It panics if slot is
// already free.
func (a *Area) Free(slot Slot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.mustBeOccupied(slot)
	a.setFree(slot, true)
}

func (a *Area) mustBeOccupied(slot Slot) {
	if int(slot) < 0 || int(slot) >= a.nslots {
		panic("swap: slot out of range")
	}
	if a.isFree(slot) {
		panic("swap: slot already free")
	}
}

func (a *Area) writeSlot(slot Slot, page *[kpage.PageSize]byte) {
	off := int64(slot) * kpage.PageSize
	n, err := unix.Pwrite(int(a.file.Fd()), page[:], off)
	if err != nil {
		panic(fmt.Sprintf("swap: write slot %d: %v", slot, err))
	}
	if n != kpage.PageSize {
		panic(fmt.Sprintf("swap: short write to slot %d: %d bytes", slot, n))
	}
}

func (a *Area) readSlot(slot Slot, dst *[kpage.PageSize]byte) {
	off := int64(slot) * kpage.PageSize
	n, err := unix.Pread(int(a.file.Fd()), dst[:], off)
	if err != nil {
		panic(fmt.Sprintf("swap: read slot %d: %v", slot, err))
	}
	if n != kpage.PageSize {
		panic(fmt.Sprintf("swap: short read from slot %d: %d bytes", slot, n))
	}
}
