package gbtree

import (
	"fmt"
	"sort"

	"github.com/arbordb/arbor/pkg/arborerr"
	"github.com/arbordb/arbor/pkg/gen"
	"github.com/arbordb/arbor/pkg/pagefile"
)

// maxSuccessorHops bounds how many successor pointers a seeker follows
// before giving up on a single descent step; generations only increase,
// so a well-formed tree never needs more than a handful.
const maxSuccessorHops = 64

// Seeker is a read-only view of the tree pinned to the generation pair
// observed at the moment it was created. It never blocks a Writer and
// is never blocked by one (§5).
type Seeker struct {
	tree     *Tree
	root     gen.Pair
	stable   uint64
	unstable uint64
	epochID  uint64
	closed   bool
}

// Close releases the reader-epoch slot this seeker held, letting the
// allocator consider reusing pages this seeker could have observed.
func (s *Seeker) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.tree.epoch.leave(s.epochID)
}

// resolvePage follows page's successor GSP, if any, to the node a
// writer actually wants readers to see — the non-blocking half of the
// COW handoff (§4.6, §4.7).
func (s *Seeker) resolvePage(pageID uint64) ([]byte, uint64, error) {
	for hops := 0; hops < maxSuccessorHops; hops++ {
		cur, err := s.tree.pf.Pin(pagefile.PageID(pageID), pagefile.Read)
		if err != nil {
			return nil, 0, fmt.Errorf("gbtree: seek: %w", err)
		}
		var page []byte
		for {
			page = cur.Data()
			if !cur.ShouldRetry() {
				break
			}
			cur.Reread()
		}
		cur.Release()

		if succID, ok := HasSuccessor(page, s.unstable); ok {
			pageID = succID
			continue
		}
		return page, pageID, nil
	}
	return nil, 0, fmt.Errorf("gbtree: seek: too many successor hops: %w", arborerr.ErrCorruption)
}

// descendToLeaf walks from root to the leaf that would contain key (or,
// for key==nil, the leftmost leaf), returning the resolved leaf page and
// its page ID.
func (s *Seeker) descendToLeaf(key []byte) ([]byte, uint64, error) {
	rootID, _, ok := s.root.Read(s.unstable)
	if !ok {
		return nil, 0, fmt.Errorf("gbtree: seek: %w", arborerr.ErrOutOfBounds)
	}

	pageID := rootID
	for {
		page, resolved, err := s.resolvePage(pageID)
		if err != nil {
			return nil, 0, err
		}
		pageID = resolved
		if Type(page) == NodeLeaf {
			return page, pageID, nil
		}

		idx, err := s.childIndex(page, key)
		if err != nil {
			return nil, 0, err
		}
		var childLink gen.Pair
		if idx == 0 {
			childLink = FirstChildGSP(page)
		} else {
			childLink = gen.Decode(s.tree.body.ValueAt(page, idx-1))
		}
		childID, _, ok := childLink.Read(s.unstable)
		if !ok {
			return nil, 0, fmt.Errorf("gbtree: seek: %w", arborerr.ErrOutOfBounds)
		}
		pageID = childID
	}
}

// childIndex returns the index of the child to descend into for key:
// the first i such that key < KeyAt(i), or KeyCount(page) if key is
// at or past every separator. key==nil means "leftmost".
func (s *Seeker) childIndex(page []byte, key []byte) (int, error) {
	count := KeyCount(page)
	if key == nil {
		return 0, nil
	}
	var cmpErr error
	idx := sort.Search(count, func(i int) bool {
		if cmpErr != nil {
			return true
		}
		cmp, err := s.tree.compareStoredKey(s.tree.body.KeyAt(page, i), key)
		if err != nil {
			cmpErr = err
			return true
		}
		return cmp > 0
	})
	return idx, cmpErr
}

// Iterator yields (key, value) pairs in [from, to) order, from==nil
// meaning unbounded below and to==nil meaning unbounded above.
type Iterator struct {
	seeker  *Seeker
	to      []byte
	page    []byte
	pageID  uint64
	idx     int
	lastKey []byte
	started bool
	done    bool
	err     error
}

// Seek returns an iterator positioned at the first live key >= from.
func (s *Seeker) Seek(from, to []byte) (*Iterator, error) {
	page, pageID, err := s.descendToLeaf(from)
	if err != nil {
		return nil, err
	}
	it := &Iterator{seeker: s, to: to, page: page, pageID: pageID}
	idx, err := it.firstIndexAtLeast(from)
	if err != nil {
		return nil, err
	}
	it.idx = idx
	return it, nil
}

func (it *Iterator) firstIndexAtLeast(from []byte) (int, error) {
	count := KeyCount(it.page)
	if from == nil {
		return 0, nil
	}
	var cmpErr error
	idx := sort.Search(count, func(i int) bool {
		if cmpErr != nil {
			return true
		}
		cmp, err := it.seeker.tree.compareStoredKey(it.seeker.tree.body.KeyAt(it.page, i), from)
		if err != nil {
			cmpErr = err
			return true
		}
		return cmp >= 0
	})
	return idx, cmpErr
}

// Next advances the iterator. It returns false when the range is
// exhausted or an error occurred (check Err).
func (it *Iterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	if it.started {
		it.idx++
	}
	it.started = true

	for {
		count := KeyCount(it.page)
		for it.idx < count {
			if it.seeker.tree.body.IsTombstone(it.page, it.idx) {
				it.idx++
				continue
			}
			key, err := it.seeker.tree.resolveSlot(it.seeker.tree.body.KeyAt(it.page, it.idx))
			if err != nil {
				it.err = err
				return false
			}
			if it.to != nil && it.seeker.tree.layout.CompareKeys(key, it.to) >= 0 {
				it.done = true
				return false
			}
			it.lastKey = key
			return true
		}

		// Leaf exhausted: follow the right sibling link of our snapshot
		// of this page and resume on that leaf at the first key after
		// lastKey. The iterator does not restart the descent from the
		// root.
		right := RightSibling(it.page)
		rightID, _, ok := right.Read(it.seeker.unstable)
		if !ok {
			it.done = true
			return false
		}
		page, pageID, err := it.seeker.resolvePage(rightID)
		if err != nil {
			it.err = err
			return false
		}
		it.page = page
		it.pageID = pageID
		idx, err := it.firstIndexAtLeast(nextKeyAfter(it.lastKey))
		if err != nil {
			it.err = err
			return false
		}
		it.idx = idx
	}
}

// nextKeyAfter returns the smallest key strictly greater than lastKey
// (lastKey with a 0x00 byte appended), so resuming at >= that key on
// the next leaf skips lastKey itself. A nil lastKey yields nil.
func nextKeyAfter(lastKey []byte) []byte {
	if lastKey == nil {
		return nil
	}
	return append(append([]byte(nil), lastKey...), 0)
}

// Key returns the current entry's key. Valid only after Next returns
// true.
func (it *Iterator) Key() []byte { return it.lastKey }

// Value returns the current entry's value, resolving an offloaded
// value through the offload store if needed.
func (it *Iterator) Value() ([]byte, error) {
	return it.seeker.tree.resolveSlot(it.seeker.tree.body.ValueAt(it.page, it.idx))
}

// Err returns the first error Next encountered, if any.
func (it *Iterator) Err() error { return it.err }
