package gbtree

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/arbordb/arbor/pkg/arborerr"
	"github.com/arbordb/arbor/pkg/gen"
	"github.com/arbordb/arbor/pkg/pagefile"
)

// Writer holds the tree's single-writer lock (§5: at most one Writer at
// a time, Seekers never block on it). Every mutating method runs at a
// fixed (stable, unstable) pair snapshotted at acquisition — the
// generation only moves forward at Checkpoint, never mid-operation.
type Writer struct {
	tree    *Tree
	stable  uint64
	unstable uint64
}

// Release gives up the single-writer lock. Safe to call once; calling
// it twice is a caller bug, not guarded against here (matching the
// teacher's convention of unchecked double-Close on other resources).
func (w *Writer) Release() {
	atomic.StoreInt32(&w.tree.writerHeld, 0)
}

func newWriter(t *Tree) *Writer {
	stable, unstable := t.keeper.Snapshot()
	return &Writer{tree: t, stable: stable, unstable: unstable}
}

// Put inserts key, or overwrites its value if key already exists.
func (w *Writer) Put(key, value []byte) error {
	t := w.tree
	if len(key) > t.layout.MaxKeySize() {
		return fmt.Errorf("gbtree: put: key exceeds MaxKeySize: %w", arborerr.ErrOutOfBounds)
	}
	if len(value) > t.layout.MaxValueSize() {
		return fmt.Errorf("gbtree: put: value exceeds MaxValueSize: %w", arborerr.ErrOutOfBounds)
	}
	keyStored, err := t.encodeSlot(key, t.layout.MaxInlineKeySize())
	if err != nil {
		return err
	}
	valStored, err := t.encodeSlot(value, t.layout.MaxInlineValueSize())
	if err != nil {
		return err
	}

	t.rootMu.Lock()
	defer t.rootMu.Unlock()

	rootID, _, ok := t.root.Read(w.unstable)
	if !ok {
		return fmt.Errorf("gbtree: put: root unreadable: %w", arborerr.ErrCorruption)
	}

	newRootID, splitKey, splitRightID, split, err := w.insertInto(rootID, keyStored, valStored, key)
	if err != nil {
		return err
	}

	if split {
		newRootPageID, err := t.alloc.Acquire()
		if err != nil {
			return err
		}
		cur, err := t.pf.Pin(newRootPageID, pagefile.Write)
		if err != nil {
			return err
		}
		cur.BeginWrite()
		page := cur.Data()
		initHeader(page, NodeInternal, LayerData, w.unstable)
		t.body.InitInternal(page)
		var firstChild gen.Pair
		if _, err := firstChild.Write(newRootID, w.unstable, w.stable); err != nil {
			cur.EndWrite()
			cur.Release()
			return err
		}
		setFirstChildGSP(page, firstChild)
		if !t.body.InsertKeyAndRightChildAt(page, splitKey, splitRightID, w.unstable, 0) {
			cur.EndWrite()
			cur.Release()
			return fmt.Errorf("gbtree: put: fresh root cannot hold one key: %w", arborerr.ErrCorruption)
		}
		cur.EndWrite()
		if err := cur.Release(); err != nil {
			return err
		}
		t.monitor.OnSplit(uint64(newRootPageID))
		newRootID = uint64(newRootPageID)
	}

	if _, err := t.root.Write(newRootID, w.unstable, w.stable); err != nil {
		return err
	}
	return nil
}

// ownOrCopy returns a Write cursor over pageID's content at generation
// w.unstable: if the page already belongs to this generation it is
// mutated in place; otherwise a fresh page is allocated, the content
// copied over, and the old page's Successor GSP is stamped so any
// seeker still holding it is redirected (§4.6 step 1).
func (w *Writer) ownOrCopy(pageID uint64) (cur *pagefile.Cursor, owned uint64, err error) {
	t := w.tree
	readCur, err := t.pf.Pin(pagefile.PageID(pageID), pagefile.Write)
	if err != nil {
		return nil, 0, err
	}
	if Generation(readCur.Data()) == w.unstable {
		return readCur, pageID, nil
	}

	newID, err := t.alloc.Acquire()
	if err != nil {
		readCur.Release()
		return nil, 0, err
	}
	writeCur, err := t.pf.Pin(newID, pagefile.Write)
	if err != nil {
		readCur.Release()
		return nil, 0, err
	}
	writeCur.BeginWrite()
	copy(writeCur.Data(), readCur.Data())
	setGeneration(writeCur.Data(), w.unstable)
	writeCur.EndWrite()

	readCur.BeginWrite()
	var succ gen.Pair
	if _, err := succ.Write(uint64(newID), w.unstable, w.stable); err != nil {
		readCur.EndWrite()
		readCur.Release()
		writeCur.Release()
		return nil, 0, err
	}
	setSuccessor(readCur.Data(), succ)
	readCur.EndWrite()
	if err := readCur.Release(); err != nil {
		writeCur.Release()
		return nil, 0, err
	}

	// pageID's content now lives at newID; every current-generation path
	// to it goes through the parent's updated child pointer. A seeker
	// that entered before this write still resolves pageID directly (or
	// via the Successor GSP just stamped above), so the page is only
	// buffered here, not reused, until the allocator's stable/readerSafe
	// gate confirms no such seeker remains (§4.2, mirroring how
	// releaseSlot/offload.Release hand back superseded pages).
	t.alloc.Release(pagefile.PageID(pageID))

	return writeCur, uint64(newID), nil
}

// childSearch returns the index of the child to descend into for
// cmpKey (the first i with cmpKey < KeyAt(i)). An exact match, if any,
// sits at idx-1; callers compare that key themselves.
func (w *Writer) childSearch(page []byte, cmpKey []byte) (idx int, err error) {
	count := KeyCount(page)
	var cmpErr error
	idx = sort.Search(count, func(i int) bool {
		if cmpErr != nil {
			return true
		}
		cmp, e := w.tree.compareStoredKey(w.tree.body.KeyAt(page, i), cmpKey)
		if e != nil {
			cmpErr = e
			return true
		}
		return cmp > 0
	})
	return idx, cmpErr
}

// insertInto inserts (keyStored, valStored) into the subtree rooted at
// pageID, returning the (possibly new, after COW) page ID that now
// holds this subtree, and, if the insert propagated a split upward, the
// promoted separator key and the new right sibling's page ID.
func (w *Writer) insertInto(pageID uint64, keyStored, valStored, cmpKey []byte) (newPageID uint64, splitKey []byte, splitRightID uint64, split bool, err error) {
	t := w.tree
	peekCur, err := t.pf.Pin(pagefile.PageID(pageID), pagefile.Read)
	if err != nil {
		return 0, nil, 0, false, err
	}
	nodeType := Type(peekCur.Data())
	peekCur.Release()

	if nodeType == NodeLeaf {
		return w.insertLeaf(pageID, keyStored, valStored, cmpKey)
	}
	return w.insertInternal(pageID, keyStored, valStored, cmpKey)
}

func (w *Writer) insertLeaf(pageID uint64, keyStored, valStored, cmpKey []byte) (uint64, []byte, uint64, bool, error) {
	t := w.tree
	cur, owned, err := w.ownOrCopy(pageID)
	if err != nil {
		return 0, nil, 0, false, err
	}
	defer cur.Release()

	cur.BeginWrite()
	defer cur.EndWrite()
	page := cur.Data()

	idx, err := w.childSearch(page, cmpKey)
	if err != nil {
		return 0, nil, 0, false, err
	}
	if idx > 0 {
		if cmp, err := t.compareStoredKey(t.body.KeyAt(page, idx-1), cmpKey); err != nil {
			return 0, nil, 0, false, err
		} else if cmp == 0 {
			old := t.body.ValueAt(page, idx-1)
			if err := t.releaseSlot(old); err != nil {
				return 0, nil, 0, false, err
			}
			t.body.RemoveKeyValueAt(page, idx-1)
		}
	}

	ov := t.body.LeafOverflow(page, keyStored, valStored)
	if ov == OverflowNeedDefrag {
		t.body.DefragmentLeaf(page)
		idx, err = w.childSearch(page, cmpKey)
		if err != nil {
			return 0, nil, 0, false, err
		}
	}
	if ov != OverflowYes {
		if !t.body.InsertKeyValueAt(page, keyStored, valStored, idx) {
			ov = OverflowYes
		} else {
			return owned, nil, 0, false, nil
		}
	}

	return w.splitLeaf(owned, page, keyStored, valStored, cmpKey)
}

// splitLeaf gathers every live slot plus the new entry, splits the
// sorted run evenly (the extra slot, if any, goes to the right
// sibling), rewrites the left half into the page already owned by this
// generation, and writes the right half into a freshly allocated page.
func (w *Writer) splitLeaf(ownedID uint64, page []byte, keyStored, valStored, cmpKey []byte) (uint64, []byte, uint64, bool, error) {
	t := w.tree
	type slot struct {
		key, value []byte
		cmp        []byte
	}
	count := KeyCount(page)
	survivors := make([]slot, 0, count+1)
	inserted := false
	for i := 0; i < count; i++ {
		if t.body.IsTombstone(page, i) {
			continue
		}
		k := append([]byte(nil), t.body.KeyAt(page, i)...)
		v := append([]byte(nil), t.body.ValueAt(page, i)...)
		resolved, err := t.resolveSlot(k)
		if err != nil {
			return 0, nil, 0, false, err
		}
		if !inserted && t.layout.CompareKeys(resolved, cmpKey) > 0 {
			survivors = append(survivors, slot{keyStored, valStored, cmpKey})
			inserted = true
		}
		survivors = append(survivors, slot{k, v, resolved})
	}
	if !inserted {
		survivors = append(survivors, slot{keyStored, valStored, cmpKey})
	}

	mid := len(survivors) / 2
	oldRight := RightSibling(page)

	initHeader(page, NodeLeaf, LayerData, w.unstable)
	t.body.InitLeaf(page)
	setKeyCount(page, 0)
	for i := 0; i < mid; i++ {
		if !t.body.InsertKeyValueAt(page, survivors[i].key, survivors[i].value, i) {
			return 0, nil, 0, false, fmt.Errorf("gbtree: split: left half does not fit: %w", arborerr.ErrCorruption)
		}
	}

	rightID, err := t.alloc.Acquire()
	if err != nil {
		return 0, nil, 0, false, err
	}
	rightCur, err := t.pf.Pin(rightID, pagefile.Write)
	if err != nil {
		return 0, nil, 0, false, err
	}
	rightCur.BeginWrite()
	rightPage := rightCur.Data()
	initHeader(rightPage, NodeLeaf, LayerData, w.unstable)
	t.body.InitLeaf(rightPage)
	for i := mid; i < len(survivors); i++ {
		if !t.body.InsertKeyValueAt(rightPage, survivors[i].key, survivors[i].value, i-mid) {
			rightCur.EndWrite()
			rightCur.Release()
			return 0, nil, 0, false, fmt.Errorf("gbtree: split: right half does not fit: %w", arborerr.ErrCorruption)
		}
	}

	setLeftSibling(rightPage, mustPair(ownedID, w.unstable, w.stable))
	setRightSibling(rightPage, oldRight)
	rightCur.EndWrite()
	if err := rightCur.Release(); err != nil {
		return 0, nil, 0, false, err
	}

	setRightSibling(page, mustPair(uint64(rightID), w.unstable, w.stable))

	if oldRightID, _, ok := oldRight.Read(w.unstable); ok {
		if err := w.relinkLeftSibling(oldRightID, uint64(rightID)); err != nil {
			return 0, nil, 0, false, err
		}
	}

	t.monitor.OnSplit(uint64(rightID))
	return ownedID, survivors[mid].cmp, uint64(rightID), true, nil
}

// relinkLeftSibling fixes up a node's Left GSP after its former left
// neighbor split, so the bidirectional sibling chain (invariant 3)
// stays consistent from both directions.
func (w *Writer) relinkLeftSibling(pageID uint64, newLeftID uint64) error {
	cur, owned, err := w.ownOrCopy(pageID)
	if err != nil {
		return err
	}
	defer cur.Release()
	cur.BeginWrite()
	defer cur.EndWrite()
	setLeftSibling(cur.Data(), mustPair(newLeftID, w.unstable, w.stable))
	_ = owned
	return nil
}

func mustPair(target, u, stable uint64) gen.Pair {
	var p gen.Pair
	p.Write(target, u, stable)
	return p
}

func (w *Writer) insertInternal(pageID uint64, keyStored, valStored, cmpKey []byte) (uint64, []byte, uint64, bool, error) {
	t := w.tree
	peekCur, err := t.pf.Pin(pagefile.PageID(pageID), pagefile.Read)
	if err != nil {
		return 0, nil, 0, false, err
	}
	idx, err := w.childSearch(peekCur.Data(), cmpKey)
	if err != nil {
		peekCur.Release()
		return 0, nil, 0, false, err
	}
	var childLink gen.Pair
	if idx == 0 {
		childLink = FirstChildGSP(peekCur.Data())
	} else {
		childLink = gen.Decode(t.body.ValueAt(peekCur.Data(), idx-1))
	}
	peekCur.Release()

	childID, _, ok := childLink.Read(w.unstable)
	if !ok {
		return 0, nil, 0, false, fmt.Errorf("gbtree: insert: unreadable child: %w", arborerr.ErrCorruption)
	}

	newChildID, splitKey, splitRightID, childSplit, err := w.insertInto(childID, keyStored, valStored, cmpKey)
	if err != nil {
		return 0, nil, 0, false, err
	}

	cur, owned, err := w.ownOrCopy(pageID)
	if err != nil {
		return 0, nil, 0, false, err
	}
	defer cur.Release()
	cur.BeginWrite()
	defer cur.EndWrite()
	page := cur.Data()

	// idx may be stale after ownOrCopy only if a concurrent writer could
	// run, which the single-writer lock precludes; it is safe to reuse.
	if err := t.body.SetChildAt(page, idx, newChildID, w.unstable, w.stable); err != nil {
		return 0, nil, 0, false, err
	}

	if !childSplit {
		return owned, nil, 0, false, nil
	}

	ov := t.body.LeafOverflow(page, splitKey, make([]byte, gen.EncodedSize))
	if ov == OverflowNeedDefrag {
		t.body.DefragmentLeaf(page)
	}
	if ov != OverflowYes {
		if t.body.InsertKeyAndRightChildAt(page, splitKey, splitRightID, w.unstable, idx) {
			return owned, nil, 0, false, nil
		}
	}

	return w.splitInternal(owned, page, idx, splitKey, splitRightID)
}

// splitInternal splits an overflowing internal node the same way
// splitLeaf does: gather the live (key, childID) pairs plus the newly
// promoted one, split the run evenly, and propagate the middle key
// upward instead of keeping it on either side (§4.6: internal split
// promotes rather than copies, unlike a leaf split).
func (w *Writer) splitInternal(ownedID uint64, page []byte, insertPos int, newKey []byte, newChildID uint64) (uint64, []byte, uint64, bool, error) {
	t := w.tree
	count := KeyCount(page)

	type pair struct {
		key   []byte
		child uint64
	}
	keys := make([]pair, 0, count+1)
	children := make([]uint64, 0, count+2)

	firstChildID, _, _ := FirstChildGSP(page).Read(w.unstable)
	children = append(children, firstChildID)
	for i := 0; i < count; i++ {
		k := append([]byte(nil), t.body.KeyAt(page, i)...)
		childID, _, _ := gen.Decode(t.body.ValueAt(page, i)).Read(w.unstable)
		keys = append(keys, pair{k, 0})
		children = append(children, childID)
		_ = k
	}
	// insert the new (key, rightChild) at insertPos
	newKeys := make([]pair, 0, len(keys)+1)
	newChildren := make([]uint64, 0, len(children)+1)
	newChildren = append(newChildren, children[0])
	for i := 0; i < len(keys); i++ {
		if i == insertPos {
			newKeys = append(newKeys, pair{newKey, 0})
			newChildren = append(newChildren, newChildID)
		}
		newKeys = append(newKeys, keys[i])
		newChildren = append(newChildren, children[i+1])
	}
	if insertPos == len(keys) {
		newKeys = append(newKeys, pair{newKey, 0})
		newChildren = append(newChildren, newChildID)
	}

	mid := len(newKeys) / 2
	promoted := newKeys[mid].key

	initHeader(page, NodeInternal, LayerData, w.unstable)
	t.body.InitInternal(page)
	setKeyCount(page, 0)
	var leftFirst gen.Pair
	if _, err := leftFirst.Write(newChildren[0], w.unstable, w.stable); err != nil {
		return 0, nil, 0, false, err
	}
	setFirstChildGSP(page, leftFirst)
	for i := 0; i < mid; i++ {
		if !t.body.InsertKeyAndRightChildAt(page, newKeys[i].key, newChildren[i+1], w.unstable, i) {
			return 0, nil, 0, false, fmt.Errorf("gbtree: split internal: left half does not fit: %w", arborerr.ErrCorruption)
		}
	}

	rightID, err := t.alloc.Acquire()
	if err != nil {
		return 0, nil, 0, false, err
	}
	rightCur, err := t.pf.Pin(rightID, pagefile.Write)
	if err != nil {
		return 0, nil, 0, false, err
	}
	rightCur.BeginWrite()
	rightPage := rightCur.Data()
	initHeader(rightPage, NodeInternal, LayerData, w.unstable)
	t.body.InitInternal(rightPage)
	var rightFirst gen.Pair
	if _, err := rightFirst.Write(newChildren[mid+1], w.unstable, w.stable); err != nil {
		rightCur.EndWrite()
		rightCur.Release()
		return 0, nil, 0, false, err
	}
	setFirstChildGSP(rightPage, rightFirst)
	for i := mid + 1; i < len(newKeys); i++ {
		if !t.body.InsertKeyAndRightChildAt(rightPage, newKeys[i].key, newChildren[i+1], w.unstable, i-mid-1) {
			rightCur.EndWrite()
			rightCur.Release()
			return 0, nil, 0, false, fmt.Errorf("gbtree: split internal: right half does not fit: %w", arborerr.ErrCorruption)
		}
	}
	rightCur.EndWrite()
	if err := rightCur.Release(); err != nil {
		return 0, nil, 0, false, err
	}

	t.monitor.OnSplit(uint64(rightID))
	return ownedID, promoted, uint64(rightID), true, nil
}

// Remove deletes key if present, reporting whether it was found.
func (w *Writer) Remove(key []byte) (bool, error) {
	t := w.tree
	t.rootMu.Lock()
	defer t.rootMu.Unlock()

	rootID, _, ok := t.root.Read(w.unstable)
	if !ok {
		return false, fmt.Errorf("gbtree: remove: root unreadable: %w", arborerr.ErrCorruption)
	}

	newRootID, found, err := w.removeFrom(rootID, key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	newRootID = w.collapseIfEmpty(newRootID)

	if _, err := t.root.Write(newRootID, w.unstable, w.stable); err != nil {
		return false, err
	}
	return true, nil
}

// collapseIfEmpty promotes a wrapper internal node (zero separator
// keys, one child left after a merge) to its single child, shrinking
// the tree by one level without a cascading rebalance (§4.6 design
// note: root-shrink, generalized to any level a merge can produce one).
func (w *Writer) collapseIfEmpty(pageID uint64) uint64 {
	t := w.tree
	cur, err := t.pf.Pin(pagefile.PageID(pageID), pagefile.Read)
	if err != nil {
		return pageID
	}
	defer cur.Release()
	page := cur.Data()
	if Type(page) != NodeInternal || KeyCount(page) != 0 {
		return pageID
	}
	childID, _, ok := FirstChildGSP(page).Read(w.unstable)
	if !ok {
		return pageID
	}
	t.alloc.Release(pagefile.PageID(pageID))
	return childID
}

func (w *Writer) removeFrom(pageID uint64, cmpKey []byte) (newPageID uint64, found bool, err error) {
	t := w.tree
	peekCur, err := t.pf.Pin(pagefile.PageID(pageID), pagefile.Read)
	if err != nil {
		return 0, false, err
	}
	nodeType := Type(peekCur.Data())
	peekCur.Release()

	if nodeType == NodeLeaf {
		return w.removeLeaf(pageID, cmpKey)
	}
	return w.removeInternal(pageID, cmpKey)
}

func (w *Writer) removeLeaf(pageID uint64, cmpKey []byte) (uint64, bool, error) {
	t := w.tree
	peekCur, err := t.pf.Pin(pagefile.PageID(pageID), pagefile.Read)
	if err != nil {
		return 0, false, err
	}
	idx, err := w.childSearch(peekCur.Data(), cmpKey)
	if err != nil {
		peekCur.Release()
		return 0, false, err
	}
	var match bool
	if idx > 0 {
		cmp, cerr := t.compareStoredKey(t.body.KeyAt(peekCur.Data(), idx-1), cmpKey)
		if cerr != nil {
			peekCur.Release()
			return 0, false, cerr
		}
		match = cmp == 0 && !t.body.IsTombstone(peekCur.Data(), idx-1)
	}
	peekCur.Release()
	if !match {
		return pageID, false, nil
	}

	cur, owned, err := w.ownOrCopy(pageID)
	if err != nil {
		return 0, false, err
	}
	defer cur.Release()
	cur.BeginWrite()
	defer cur.EndWrite()
	page := cur.Data()

	if err := t.releaseSlot(t.body.KeyAt(page, idx-1)); err != nil {
		return 0, false, err
	}
	if err := t.releaseSlot(t.body.ValueAt(page, idx-1)); err != nil {
		return 0, false, err
	}
	t.body.RemoveKeyValueAt(page, idx-1)
	return owned, true, nil
}

func (w *Writer) removeInternal(pageID uint64, cmpKey []byte) (uint64, bool, error) {
	t := w.tree
	peekCur, err := t.pf.Pin(pagefile.PageID(pageID), pagefile.Read)
	if err != nil {
		return 0, false, err
	}
	idx, err := w.childSearch(peekCur.Data(), cmpKey)
	if err != nil {
		peekCur.Release()
		return 0, false, err
	}
	var childLink gen.Pair
	if idx == 0 {
		childLink = FirstChildGSP(peekCur.Data())
	} else {
		childLink = gen.Decode(t.body.ValueAt(peekCur.Data(), idx-1))
	}
	peekCur.Release()

	childID, _, ok := childLink.Read(w.unstable)
	if !ok {
		return 0, false, fmt.Errorf("gbtree: remove: unreadable child: %w", arborerr.ErrCorruption)
	}

	newChildID, found, err := w.removeFrom(childID, cmpKey)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return pageID, false, nil
	}

	cur, owned, err := w.ownOrCopy(pageID)
	if err != nil {
		return 0, false, err
	}
	cur.BeginWrite()
	page := cur.Data()

	if err := t.body.SetChildAt(page, idx, newChildID, w.unstable, w.stable); err != nil {
		cur.EndWrite()
		cur.Release()
		return 0, false, err
	}
	cur.EndWrite()
	if err := cur.Release(); err != nil {
		return 0, false, err
	}

	merged, err := w.rebalanceChild(owned, idx, newChildID)
	if err != nil {
		return 0, false, err
	}
	if !merged {
		return owned, true, nil
	}

	// This node itself may now be a zero-key wrapper around a single
	// child; collapse it so the cascade stops here rather than leaving
	// a redundant level for the caller to discover separately.
	return w.collapseIfEmpty(owned), true, nil
}

// minFillKeys is the live-key floor at or below which a child is a
// rebalance candidate. Pages here are variable-byte-capacity, not fixed-arity, so
// this is a minimum occupancy rather than a classic B-tree order.
const minFillKeys = 1

// childLinkAt resolves the GSP for child-index i of an internal page:
// index 0 is the FirstChild header field, index i>0 pairs with key i-1.
func (w *Writer) childLinkAt(page []byte, i int) gen.Pair {
	if i == 0 {
		return FirstChildGSP(page)
	}
	return gen.Decode(w.tree.body.ValueAt(page, i-1))
}

// snapshotPage returns a private copy of pageID's current bytes, using
// the same optimistic-read retry the rest of the package relies on for
// a torn-free view of a page under concurrent mutation.
func (w *Writer) snapshotPage(pageID uint64) ([]byte, error) {
	cur, err := w.tree.pf.Pin(pagefile.PageID(pageID), pagefile.Read)
	if err != nil {
		return nil, err
	}
	defer cur.Release()
	page := cur.Data()
	for cur.ShouldRetry() {
		cur.Reread()
		page = cur.Data()
	}
	return append([]byte(nil), page...), nil
}

// mergeScratch computes, without mutating either input, what dstSnapshot
// would look like after absorbing src's live entries (for internal
// merges, a bridge key/child sits between the two runs: the parent's
// separator paired with the FirstChild of whichever node is on the
// right becomes one more body entry).
// prepend controls which end src's entries land on: false appends (src
// was the right-hand/removed child merging into its left neighbor),
// true prepends (merging into the right neighbor). Returns ok==false,
// with the returned slice meaningless, if everything would not fit —
// the caller must leave both pages untouched in that case.
func (t *Tree) mergeScratch(dstSnapshot, src []byte, bridgeKey []byte, bridgeChild gen.Pair, prepend bool) ([]byte, bool) {
	scratch := append([]byte(nil), dstSnapshot...)
	t.body.DefragmentLeaf(scratch)
	pos := 0

	insert := func(key, value []byte) bool {
		p := pos
		if !prepend {
			p = KeyCount(scratch)
		}
		ov := t.body.LeafOverflow(scratch, key, value)
		if ov == OverflowNeedDefrag {
			t.body.DefragmentLeaf(scratch)
			if !prepend {
				p = KeyCount(scratch)
			}
			ov = t.body.LeafOverflow(scratch, key, value)
		}
		if ov == OverflowYes {
			return false
		}
		if !t.body.InsertKeyValueAt(scratch, key, value, p) {
			return false
		}
		if prepend {
			pos++
		}
		return true
	}

	insertBridge := func() bool {
		if bridgeKey == nil {
			return true
		}
		var buf [gen.EncodedSize]byte
		bridgeChild.Encode(buf[:])
		return insert(bridgeKey, buf[:])
	}

	if !prepend && !insertBridge() {
		return nil, false
	}

	count := KeyCount(src)
	for i := 0; i < count; i++ {
		if t.body.IsTombstone(src, i) {
			continue
		}
		key := append([]byte(nil), t.body.KeyAt(src, i)...)
		value := append([]byte(nil), t.body.ValueAt(src, i)...)
		if !insert(key, value) {
			return nil, false
		}
	}
	if prepend && !insertBridge() {
		return nil, false
	}
	return scratch, true
}

// rebalanceChild checks whether newChildID (the child just returned
// from a recursive remove, at child-index idx of page) has fallen at or
// below minFillKeys live entries and, if so, tries to fold it into a
// live sibling — left neighbor first, then right — dropping the
// separator between them (§4.6 item 6). It reports whether a merge
// happened; declining (false, nil) leaves page and newChildID
// completely untouched; the caller keeps the underfull child as-is.
func (w *Writer) rebalanceChild(pageID uint64, idx int, newChildID uint64) (bool, error) {
	t := w.tree

	childCur, err := t.pf.Pin(pagefile.PageID(newChildID), pagefile.Read)
	if err != nil {
		return false, err
	}
	childType := Type(childCur.Data())
	live := t.body.LiveKeyCount(childCur.Data())
	if err := childCur.Release(); err != nil {
		return false, err
	}
	if live > minFillKeys {
		return false, nil
	}

	cur, err := t.pf.Pin(pagefile.PageID(pageID), pagefile.Read)
	if err != nil {
		return false, err
	}
	count := KeyCount(cur.Data())
	page := append([]byte(nil), cur.Data()...)
	if err := cur.Release(); err != nil {
		return false, err
	}

	if idx > 0 {
		merged, err := w.mergeIntoLeftSibling(pageID, page, idx, newChildID, childType)
		if err != nil || merged {
			return merged, err
		}
	}
	if idx < count {
		return w.mergeIntoRightSibling(pageID, page, idx, newChildID, childType)
	}
	return false, nil
}

// mergeIntoLeftSibling attempts to fold newChildID's live entries (plus
// a bridge key/child when childType is internal) onto the end of its
// left neighbor (child idx-1), then drops the separator between them
// from parentPage. parentSnap is a read-only snapshot of the parent
// used only to resolve the sibling link and, for an internal merge, the
// bridge key — the live parent page (pinned fresh here) is what
// actually gets mutated once the merge is known to fit.
func (w *Writer) mergeIntoLeftSibling(parentID uint64, parentSnap []byte, idx int, newChildID uint64, childType NodeType) (bool, error) {
	t := w.tree
	leftID, _, ok := w.childLinkAt(parentSnap, idx-1).Read(w.unstable)
	if !ok {
		return false, fmt.Errorf("gbtree: rebalance: unreadable left sibling: %w", arborerr.ErrCorruption)
	}

	leftSnap, err := w.snapshotPage(leftID)
	if err != nil {
		return false, err
	}
	childSnap, err := w.snapshotPage(newChildID)
	if err != nil {
		return false, err
	}

	var bridgeKey []byte
	var bridgeChild gen.Pair
	if childType == NodeInternal {
		bridgeKey = append([]byte(nil), t.body.KeyAt(parentSnap, idx-1)...)
		bridgeChild = FirstChildGSP(childSnap)
	}
	merged, ok := t.mergeScratch(leftSnap, childSnap, bridgeKey, bridgeChild, false)
	if !ok {
		return false, nil
	}

	leftCur, leftOwned, err := w.ownOrCopy(leftID)
	if err != nil {
		return false, err
	}
	leftCur.BeginWrite()
	copy(leftCur.Data(), merged)
	setGeneration(leftCur.Data(), w.unstable)
	var childRight gen.Pair
	if childType == NodeLeaf {
		childRight = RightSibling(childSnap)
		setRightSibling(leftCur.Data(), childRight)
	}
	leftCur.EndWrite()
	if err := leftCur.Release(); err != nil {
		return false, err
	}
	if childType == NodeLeaf {
		if rid, _, rok := childRight.Read(w.unstable); rok {
			if err := w.relinkLeftSibling(rid, leftOwned); err != nil {
				return false, err
			}
		}
	}

	cur, err := t.pf.Pin(pagefile.PageID(parentID), pagefile.Write)
	if err != nil {
		return false, err
	}
	cur.BeginWrite()
	t.body.RemoveKeyAndRightChildAt(cur.Data(), idx-1)
	if err := t.body.SetChildAt(cur.Data(), idx-1, leftOwned, w.unstable, w.stable); err != nil {
		cur.EndWrite()
		cur.Release()
		return false, err
	}
	cur.EndWrite()
	if err := cur.Release(); err != nil {
		return false, err
	}

	t.monitor.OnMerge(newChildID)
	t.alloc.Release(pagefile.PageID(newChildID))
	return true, nil
}

// mergeIntoRightSibling is mergeIntoLeftSibling's mirror image, used
// when the underfull child has no left sibling (idx==0) or the left
// merge declined for lack of space: newChildID's entries are prepended
// onto its right neighbor (child idx+1) instead.
func (w *Writer) mergeIntoRightSibling(parentID uint64, parentSnap []byte, idx int, newChildID uint64, childType NodeType) (bool, error) {
	t := w.tree
	rightID, _, ok := w.childLinkAt(parentSnap, idx+1).Read(w.unstable)
	if !ok {
		return false, fmt.Errorf("gbtree: rebalance: unreadable right sibling: %w", arborerr.ErrCorruption)
	}

	rightSnap, err := w.snapshotPage(rightID)
	if err != nil {
		return false, err
	}
	childSnap, err := w.snapshotPage(newChildID)
	if err != nil {
		return false, err
	}

	var bridgeKey []byte
	var bridgeChild gen.Pair
	if childType == NodeInternal {
		bridgeKey = append([]byte(nil), t.body.KeyAt(parentSnap, idx)...)
		bridgeChild = FirstChildGSP(rightSnap)
	}
	merged, ok := t.mergeScratch(rightSnap, childSnap, bridgeKey, bridgeChild, true)
	if !ok {
		return false, nil
	}

	rightCur, rightOwned, err := w.ownOrCopy(rightID)
	if err != nil {
		return false, err
	}
	rightCur.BeginWrite()
	copy(rightCur.Data(), merged)
	setGeneration(rightCur.Data(), w.unstable)
	if childType == NodeInternal {
		setFirstChildGSP(rightCur.Data(), FirstChildGSP(childSnap))
	}
	var childLeft gen.Pair
	if childType == NodeLeaf {
		childLeft = LeftSibling(childSnap)
		setLeftSibling(rightCur.Data(), childLeft)
	}
	rightCur.EndWrite()
	if err := rightCur.Release(); err != nil {
		return false, err
	}
	if childType == NodeLeaf {
		if lid, _, lok := childLeft.Read(w.unstable); lok {
			if err := w.relinkRightSibling(lid, rightOwned); err != nil {
				return false, err
			}
		}
	}

	cur, err := t.pf.Pin(pagefile.PageID(parentID), pagefile.Write)
	if err != nil {
		return false, err
	}
	cur.BeginWrite()
	t.body.RemoveKeyAndLeftChildAt(cur.Data(), idx)
	if err := t.body.SetChildAt(cur.Data(), idx, rightOwned, w.unstable, w.stable); err != nil {
		cur.EndWrite()
		cur.Release()
		return false, err
	}
	cur.EndWrite()
	if err := cur.Release(); err != nil {
		return false, err
	}

	t.monitor.OnMerge(newChildID)
	t.alloc.Release(pagefile.PageID(newChildID))
	return true, nil
}

// relinkRightSibling fixes up a node's Right GSP after its former right
// neighbor merged away, mirroring relinkLeftSibling for the opposite
// direction.
func (w *Writer) relinkRightSibling(pageID uint64, newRightID uint64) error {
	cur, owned, err := w.ownOrCopy(pageID)
	if err != nil {
		return err
	}
	defer cur.Release()
	cur.BeginWrite()
	defer cur.EndWrite()
	setRightSibling(cur.Data(), mustPair(newRightID, w.unstable, w.stable))
	_ = owned
	return nil
}

// Update reads key's current value (nil if absent), applies merge, and
// writes the result back through the same insert path as Put.
func (w *Writer) Update(key []byte, merge func(old []byte, present bool) ([]byte, error)) error {
	t := w.tree
	s := t.Seeker()
	defer s.Close()
	it, err := s.Seek(key, nil)
	if err != nil {
		return err
	}
	var old []byte
	present := false
	if it.Next() && t.layout.CompareKeys(it.Key(), key) == 0 {
		old, err = it.Value()
		if err != nil {
			return err
		}
		present = true
	}
	newValue, err := merge(old, present)
	if err != nil {
		return err
	}
	return w.Put(key, newValue)
}
