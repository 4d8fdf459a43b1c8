package freelist

import (
	"fmt"
	"sync"

	"github.com/arbordb/arbor/pkg/arborerr"
	"github.com/arbordb/arbor/pkg/gen"
	"github.com/arbordb/arbor/pkg/pagefile"
)

// ReaderSafe reports whether no long-running reader can still observe
// pageID — the caller-supplied half of the reuse predicate. The
// allocator supplies the other half itself: stable must have advanced
// past the page's release generation.
type ReaderSafe func(pageID uint64) bool

// Allocator hands out fresh page IDs from a PagedFile and buffers freed
// IDs until both halves of the reuse predicate hold:
//  1. stable has advanced past the page's release generation, and
//  2. the caller's ReaderSafe predicate allows it.
//
// This is what prevents use-after-read: a page freed mid-generation
// stays out of circulation until every reader that could have started
// before the free has had a chance to finish.
type Allocator struct {
	mu         sync.Mutex
	pf         *pagefile.PagedFile
	keeper     *gen.Keeper
	readerSafe ReaderSafe
	buffered   []entry
}

// New returns an Allocator drawing fresh pages from pf and gating reuse
// on keeper's stable generation plus readerSafe. readerSafe may be nil,
// in which case only the generation half of the predicate applies.
func New(pf *pagefile.PagedFile, keeper *gen.Keeper, readerSafe ReaderSafe) *Allocator {
	return &Allocator{pf: pf, keeper: keeper, readerSafe: readerSafe}
}

// Acquire returns a page ID: either a buffered free ID that has passed
// the reuse predicate, or a fresh one extending the file.
func (a *Allocator) Acquire() (pagefile.PageID, error) {
	a.mu.Lock()
	stable := a.keeper.Stable()
	for i, e := range a.buffered {
		if stable <= e.ReleaseGen {
			continue
		}
		if a.readerSafe != nil && !a.readerSafe(e.PageID) {
			continue
		}
		a.buffered = append(a.buffered[:i], a.buffered[i+1:]...)
		a.mu.Unlock()
		return pagefile.PageID(e.PageID), nil
	}
	a.mu.Unlock()

	id, err := a.pf.Extend()
	if err != nil {
		return 0, fmt.Errorf("freelist: acquire: %w", arborerr.ErrIO)
	}
	return id, nil
}

// Release places pageID in the buffered free list, tagged with the
// keeper's current unstable generation. Infallible: release never fails
// the caller's operation, matching the "release is infallible in the
// API" contract — a future Flush may still hit I/O trouble spilling the
// buffer to trunk pages in the paged file.
func (a *Allocator) Release(id pagefile.PageID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffered = append(a.buffered, entry{PageID: uint64(id), ReleaseGen: a.keeper.Unstable()})
}

// BufferedCount reports how many IDs are currently buffered awaiting
// reuse eligibility.
func (a *Allocator) BufferedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffered)
}

// Flush spills the buffered free list to a chain of trunk pages,
// persisting it across restarts. Returns the page ID of the chain's
// head trunk page (0 if the buffer was empty).
func (a *Allocator) Flush() (pagefile.PageID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.buffered) == 0 {
		return 0, nil
	}

	perTrunk := maxEntriesPerTrunk(a.pf.PageSize())
	if perTrunk <= 0 {
		return 0, fmt.Errorf("freelist: page size too small for a trunk entry: %w", arborerr.ErrOutOfBounds)
	}

	var chunks [][]entry
	for start := 0; start < len(a.buffered); start += perTrunk {
		end := start + perTrunk
		if end > len(a.buffered) {
			end = len(a.buffered)
		}
		chunks = append(chunks, a.buffered[start:end])
	}

	var next uint64
	var headID pagefile.PageID
	for i := len(chunks) - 1; i >= 0; i-- {
		id, err := a.pf.Extend()
		if err != nil {
			return 0, fmt.Errorf("freelist: flush: %w", arborerr.ErrIO)
		}
		cur, err := a.pf.Pin(id, pagefile.Write)
		if err != nil {
			return 0, fmt.Errorf("freelist: flush: %w", arborerr.ErrIO)
		}
		tp := trunkPage{Next: next, Entries: chunks[i]}
		cur.BeginWrite()
		tp.encode(cur.Data())
		cur.EndWrite()
		cur.Release()

		next = uint64(id)
		headID = id
	}

	return headID, nil
}

// Load replaces the buffered free list with the chain of trunk pages
// rooted at headID, as previously produced by Flush. Used on open to
// restore the buffer a clean shutdown persisted.
func (a *Allocator) Load(headID pagefile.PageID) error {
	var loaded []entry
	id := headID
	for id != 0 {
		cur, err := a.pf.Pin(id, pagefile.Read)
		if err != nil {
			return fmt.Errorf("freelist: load: %w", arborerr.ErrIO)
		}
		for cur.ShouldRetry() {
			cur.Reread()
		}
		tp := decodeTrunkPage(cur.Data())
		cur.Release()

		loaded = append(loaded, tp.Entries...)
		id = pagefile.PageID(tp.Next)
	}

	a.mu.Lock()
	a.buffered = loaded
	a.mu.Unlock()
	return nil
}
