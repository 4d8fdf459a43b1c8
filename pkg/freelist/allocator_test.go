package freelist

import (
	"testing"

	"github.com/arbordb/arbor/pkg/gen"
	"github.com/arbordb/arbor/pkg/pagefile"
)

func mustOpen(t *testing.T) *pagefile.PagedFile {
	t.Helper()
	pf, err := pagefile.Open(":memory:", pagefile.Options{PageSize: pagefile.MinPageSize})
	if err != nil {
		t.Fatalf("pagefile.Open: %v", err)
	}
	t.Cleanup(func() { pf.Close() })
	return pf
}

func TestAcquireExtendsWhenBufferEmpty(t *testing.T) {
	pf := mustOpen(t)
	k := gen.NewKeeper()
	a := New(pf, k, nil)

	before := pf.PageCount()
	id, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if uint64(id) != before {
		t.Errorf("Acquire = %d, want %d (fresh page extending the file)", id, before)
	}
}

func TestReleasedPageNotReusedBeforeStableAdvances(t *testing.T) {
	pf := mustOpen(t)
	k := gen.NewKeeper()
	a := New(pf, k, nil)

	id, _ := a.Acquire()
	a.Release(id)

	if a.BufferedCount() != 1 {
		t.Fatalf("BufferedCount() = %d, want 1", a.BufferedCount())
	}

	// stable hasn't advanced past the release generation yet: must not
	// be handed back.
	reacquired, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if reacquired == id {
		t.Error("Acquire reused a page before stable advanced past its release generation")
	}
}

func TestReleasedPageReusedAfterStableAdvances(t *testing.T) {
	pf := mustOpen(t)
	k := gen.NewKeeper()
	a := New(pf, k, nil)

	id, _ := a.Acquire()
	a.Release(id)
	k.Advance()
	k.Advance()

	reused, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if reused != id {
		t.Errorf("Acquire = %d, want reused page %d", reused, id)
	}
	if a.BufferedCount() != 0 {
		t.Errorf("BufferedCount() = %d, want 0 after reuse", a.BufferedCount())
	}
}

func TestReaderSafePredicateBlocksReuse(t *testing.T) {
	pf := mustOpen(t)
	k := gen.NewKeeper()
	blocked := true
	a := New(pf, k, func(pageID uint64) bool { return !blocked })

	id, _ := a.Acquire()
	a.Release(id)
	k.Advance()
	k.Advance()

	if got, _ := a.Acquire(); got == id {
		t.Error("Acquire reused a page the ReaderSafe predicate rejected")
	}

	blocked = false
	reused, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if reused != id {
		t.Errorf("Acquire = %d, want %d once predicate allows reuse", reused, id)
	}
}

func TestFlushAndLoadRoundTrip(t *testing.T) {
	pf := mustOpen(t)
	k := gen.NewKeeper()
	a := New(pf, k, nil)

	var released []pagefile.PageID
	for i := 0; i < 50; i++ {
		id, err := a.Acquire()
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		a.Release(id)
		released = append(released, id)
	}

	head, err := a.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if head == 0 {
		t.Fatal("Flush: want non-zero head page for a non-empty buffer")
	}

	b := New(pf, k, nil)
	if err := b.Load(head); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if b.BufferedCount() != len(released) {
		t.Errorf("BufferedCount() = %d, want %d", b.BufferedCount(), len(released))
	}
}

func TestFlushEmptyBufferReturnsZero(t *testing.T) {
	pf := mustOpen(t)
	k := gen.NewKeeper()
	a := New(pf, k, nil)

	head, err := a.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if head != 0 {
		t.Errorf("Flush on empty buffer = %d, want 0", head)
	}
}
