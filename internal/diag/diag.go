// Package diag implements the kernel's profiling device: an on-demand
// pprof sample profile of page-fault and eviction activity, broken down
// per virtual page, so that kernel activity can be inspected with the
// standard pprof toolchain instead of a bespoke format.
package diag

import (
	"fmt"
	"sync"

	"github.com/google/pprof/profile"

	"vmkernel/internal/frame"
	"vmkernel/internal/pagedir"
)

type key struct {
	owner frame.ProcessID
	va    pagedir.VA
}

type counters struct {
	faults    int64
	evictions int64
}

// Recorder accumulates fault and eviction counts keyed by (process,
// virtual page). It is safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	byKey map[key]*counters
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{byKey: make(map[key]*counters)}
}

func (r *Recorder) entry(owner frame.ProcessID, va pagedir.VA) *counters {
	k := key{owner: owner, va: va.Page()}
	c, ok := r.byKey[k]
	if !ok {
		c = &counters{}
		r.byKey[k] = c
	}
	return c
}

// RecordFault records one page-fault resolution attempt for (owner, va),
// regardless of whether it succeeded.
func (r *Recorder) RecordFault(owner frame.ProcessID, va pagedir.VA) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(owner, va).faults++
}

// RecordEviction records one eviction of (owner, va).
func (r *Recorder) RecordEviction(owner frame.ProcessID, va pagedir.VA) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(owner, va).evictions++
}

// Snapshot renders the current counters into a pprof Profile with two
// sample types, "faults" and "evictions", one Location/Function per
// distinct virtual page observed. The result is ready for profile.Write.
func (r *Recorder) Snapshot() *profile.Profile {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "faults", Unit: "count"},
			{Type: "evictions", Unit: "count"},
		},
		PeriodType: &profile.ValueType{Type: "snapshot", Unit: "count"},
		Period:     1,
	}

	var nextID uint64 = 1
	for k, c := range r.byKey {
		nextID++
		fn := &profile.Function{
			ID:   nextID,
			Name: functionName(k),
		}
		p.Function = append(p.Function, fn)

		nextID++
		loc := &profile.Location{
			ID:      nextID,
			Address: uint64(k.va),
			Line:    []profile.Line{{Function: fn}},
		}
		p.Location = append(p.Location, loc)

		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{c.faults, c.evictions},
		})
	}
	return p
}

func functionName(k key) string {
	return fmt.Sprintf("proc %d page %#x", uint64(k.owner), uint64(k.va))
}
