package procreg

import (
	"sync"
	"testing"

	"vmkernel/internal/frame"
	"vmkernel/internal/pagedir"
	"vmkernel/internal/swap"
)

type fakeOwner struct{ pd *pagedir.Table }

func (o *fakeOwner) PageDirectory() *pagedir.Table { return o.pd }
func (o *fakeOwner) MarkEvicted(pagedir.VA, swap.Slot, bool) {}

func TestAllocateNeverReusesIDs(t *testing.T) {
	r := New[int]()
	seen := make(map[frame.ProcessID]bool)
	for i := 0; i < 1000; i++ {
		id := r.Allocate()
		if seen[id] {
			t.Fatalf("Allocate returned duplicate id %d", id)
		}
		seen[id] = true
	}
}

func TestSetGetDelete(t *testing.T) {
	r := New[string]()
	id := r.Allocate()

	if _, ok := r.Get(id); ok {
		t.Fatalf("Get found entry before Set")
	}

	r.Set(id, "process-one")
	v, ok := r.Get(id)
	if !ok || v != "process-one" {
		t.Fatalf("Get = (%q, %v), want (process-one, true)", v, ok)
	}

	r.Delete(id)
	if _, ok := r.Get(id); ok {
		t.Fatalf("Get found entry after Delete")
	}
}

func TestResolverAdapter(t *testing.T) {
	r := New[*fakeOwner]()
	id := r.Allocate()
	owner := &fakeOwner{pd: pagedir.New()}
	r.Set(id, owner)

	resolve := Resolver(r)
	got, ok := resolve(id)
	if !ok || got != frame.Owner(owner) {
		t.Fatalf("Resolver did not return the registered owner")
	}

	if _, ok := resolve(id + 1); ok {
		t.Fatalf("Resolver found an owner for an unregistered id")
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := New[int]()
	var wg sync.WaitGroup
	ids := make([]frame.ProcessID, 200)
	for i := range ids {
		ids[i] = r.Allocate()
	}

	for _, id := range ids {
		wg.Add(1)
		go func(id frame.ProcessID) {
			defer wg.Done()
			r.Set(id, int(id))
			if v, ok := r.Get(id); !ok || v != int(id) {
				t.Errorf("Get(%d) = (%d, %v)", id, v, ok)
			}
		}(id)
	}
	wg.Wait()

	if got := r.Size(); got != len(ids) {
		t.Fatalf("Size = %d, want %d", got, len(ids))
	}
}
