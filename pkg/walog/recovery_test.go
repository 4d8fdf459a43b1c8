package walog

import (
	"context"
	"testing"
)

func TestReplayAllAppliesEveryPageWrite(t *testing.T) {
	l, _ := openTestLog(t)

	pages := map[uint64][]byte{}
	var positions []LogPosition
	for i, data := range [][]byte{[]byte("p0"), []byte("p1"), []byte("p2")} {
		pos, err := l.Append(Record{Type: RecordPageWrite, PageID: uint64(i), Generation: 1, PageData: data})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		positions = append(positions, pos)
		pages[uint64(i)] = data
	}

	applied := map[uint64][]byte{}
	last, err := Replay(l, RecoverAll(), func(pageID, generation uint64, data []byte) error {
		applied[pageID] = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(applied) != 3 {
		t.Fatalf("Replay applied %d pages, want 3", len(applied))
	}
	for id, want := range pages {
		if string(applied[id]) != string(want) {
			t.Fatalf("page %d = %q, want %q", id, applied[id], want)
		}
	}
	if last != positions[len(positions)-1] {
		t.Fatalf("Replay returned last position %+v, want %+v", last, positions[len(positions)-1])
	}
}

func TestReplayBoundedStopsAtCutoff(t *testing.T) {
	l, _ := openTestLog(t)

	pos0, err := l.Append(Record{Type: RecordPageWrite, PageID: 0, Generation: 1, PageData: []byte("keep")})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append(Record{Type: RecordPageWrite, PageID: 1, Generation: 1, PageData: []byte("drop")}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	var applied []uint64
	last, err := Replay(l, BoundedRecovery(pos0), func(pageID, generation uint64, data []byte) error {
		applied = append(applied, pageID)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(applied) != 1 || applied[0] != 0 {
		t.Fatalf("bounded replay applied %v, want [0]", applied)
	}
	if last != pos0 {
		t.Fatalf("Replay returned %+v, want cutoff %+v", last, pos0)
	}
}

func TestReplayEmptyLogReturnsZeroPosition(t *testing.T) {
	l, _ := openTestLog(t)
	pos, err := Replay(l, RecoverAll(), func(uint64, uint64, []byte) error { return nil })
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if pos != (LogPosition{}) {
		t.Fatalf("Replay on an empty log returned %+v, want zero value", pos)
	}
}

// fakeStore simulates a tiny page store with one page carrying an
// injected crash pointer: a slot whose "generation" field exceeds
// stable while another field marks it as the pre-crash value — the
// literal scenario in §8 ("inject a crashed write ... after recovery
// cleanup, slot B is zeroed and readers observe slot A").
type fakeStore struct {
	crashedPage uint64
	repaired    bool
}

func (f *fakeStore) scanner() CrashPointerScanner {
	return func(pageID uint64, stable uint64) (bool, error) {
		return pageID == f.crashedPage && !f.repaired, nil
	}
}

func (f *fakeStore) repairer() CrashPointerRepairer {
	return func(pageID uint64, stable uint64) error {
		if pageID == f.crashedPage {
			f.repaired = true
		}
		return nil
	}
}

func TestCleanupCollectorImmediateRepairsInjectedCrashPointer(t *testing.T) {
	store := &fakeStore{crashedPage: 3}
	c := NewCleanupCollector(CleanupImmediate, store.scanner(), store.repairer(), nil)

	if err := c.Run(context.Background(), 10, 5); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !store.repaired {
		t.Fatal("CleanupImmediate did not repair the injected crash pointer")
	}
	if c.Repaired() != 1 {
		t.Fatalf("Repaired() = %d, want 1", c.Repaired())
	}
	if c.InProgress(store.crashedPage) {
		t.Fatal("InProgress still true for a page after Run completed")
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done channel not closed after a synchronous CleanupImmediate run")
	}
}

func TestCleanupCollectorDeferredRunsInBackground(t *testing.T) {
	store := &fakeStore{crashedPage: 1}
	c := NewCleanupCollector(CleanupDeferred, store.scanner(), store.repairer(), nil)

	if err := c.Run(context.Background(), 4, 5); err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-c.Done()
	if !store.repaired {
		t.Fatal("CleanupDeferred did not repair the injected crash pointer")
	}
}

func TestCleanupCollectorRespectsCancellation(t *testing.T) {
	store := &fakeStore{crashedPage: 999}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCleanupCollector(CleanupImmediate, store.scanner(), store.repairer(), nil)
	err := c.Run(ctx, 100, 5)
	if err == nil {
		t.Fatal("Run did not report cancellation on an already-cancelled context")
	}
}

func TestCleanupCollectorNoCrashIsANoop(t *testing.T) {
	store := &fakeStore{crashedPage: 1000} // never scanned, out of range
	c := NewCleanupCollector(CleanupImmediate, store.scanner(), store.repairer(), nil)
	if err := c.Run(context.Background(), 5, 5); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.repaired {
		t.Fatal("collector repaired a page that was never crashed")
	}
	if c.Repaired() != 0 {
		t.Fatalf("Repaired() = %d, want 0", c.Repaired())
	}
}
