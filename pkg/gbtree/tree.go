package gbtree

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arbordb/arbor/pkg/arborerr"
	"github.com/arbordb/arbor/pkg/budget"
	"github.com/arbordb/arbor/pkg/freelist"
	"github.com/arbordb/arbor/pkg/gen"
	"github.com/arbordb/arbor/pkg/pagefile"
)

// BodyKind selects which node body layout a tree uses, chosen once at
// Open time and never revisited for the tree's lifetime (§9 design
// note: tagged variant decided up front, not a runtime class choice).
type BodyKind int

const (
	// AutoBody picks DynamicBodyKind unless Layout reports both a fixed
	// key and a fixed value size, in which case it picks FixedBodyKind.
	AutoBody BodyKind = iota
	FixedBodyKind
	DynamicBodyKind
)

// Monitor receives structural events for tests and operational tooling
// to observe (§8's pin/unpin/hit-style testable properties, extended to
// the tree layer).
type Monitor interface {
	OnSplit(pageID uint64)
	OnMerge(pageID uint64)
	OnCheckpoint(stable, unstable uint64)
}

type noopMonitor struct{}

func (noopMonitor) OnSplit(uint64)             {}
func (noopMonitor) OnMerge(uint64)             {}
func (noopMonitor) OnCheckpoint(uint64, uint64) {}

// Options configures Open.
type Options struct {
	PageSize  int
	CacheSize int
	ReadOnly  bool
	Layout    Layout
	BodyKind  BodyKind
	Monitor   Monitor
	Budget    *budget.Tracker
	// UserHeader, when opening a fresh tree, seeds the metadata page's
	// caller-defined header blob (§6 file layout).
	UserHeader []byte
}

// Tree is a generation-safe, copy-on-write B⁺-tree over one paged file.
// It holds no business data itself: Layout tells it how to compare and
// size keys and values, Body tells it how a node packs its slots, and
// everything else — allocation, generations, offload — is delegated to
// the packages that implement those concerns.
type Tree struct {
	pf      *pagefile.PagedFile
	keeper  *gen.Keeper
	alloc   *freelist.Allocator
	offload *OffloadStore
	body    Body
	layout  Layout
	monitor Monitor
	epoch   *readerEpoch

	rootMu sync.RWMutex
	root   gen.Pair

	lastTxID   uint64
	userHeader []byte

	writerHeld int32 // atomic: 0 free, 1 held
}

// Open opens or creates a tree at path (":memory:" for a pure in-memory
// store).
func Open(path string, opts Options) (*Tree, error) {
	if opts.Layout == nil {
		return nil, fmt.Errorf("gbtree: open: layout is required: %w", arborerr.ErrUnableToOpen)
	}
	pf, err := pagefile.Open(path, pagefile.Options{
		PageSize:  opts.PageSize,
		CacheSize: opts.CacheSize,
		ReadOnly:  opts.ReadOnly,
		Budget:    opts.Budget,
	})
	if err != nil {
		return nil, err
	}
	if pf.PageSize() < HeaderSize+opts.Layout.MaxKeySize()+opts.Layout.MaxValueSize() {
		pf.Close()
		return nil, fmt.Errorf("gbtree: page size %d too small for header+max key+max value: %w", pf.PageSize(), arborerr.ErrUnableToOpen)
	}

	monitor := opts.Monitor
	if monitor == nil {
		monitor = noopMonitor{}
	}

	t := &Tree{
		pf:      pf,
		layout:  opts.Layout,
		monitor: monitor,
		epoch:   newReaderEpoch(),
		body:    selectBody(opts.BodyKind, opts.Layout),
	}

	fresh, err := t.isFresh()
	if err != nil {
		pf.Close()
		return nil, err
	}

	if fresh {
		if opts.ReadOnly {
			pf.Close()
			return nil, fmt.Errorf("gbtree: cannot initialize a fresh tree read-only: %w", arborerr.ErrReadOnly)
		}
		if err := t.initFresh(opts.UserHeader); err != nil {
			pf.Close()
			return nil, err
		}
	} else {
		if err := t.loadExisting(); err != nil {
			pf.Close()
			return nil, err
		}
	}

	t.alloc = freelist.New(pf, t.keeper, t.readerSafe)
	t.offload = NewOffloadStore(pf, t.alloc)

	if !fresh {
		var meta Metadata
		meta, err = t.readMetadata()
		if err != nil {
			pf.Close()
			return nil, err
		}
		if meta.FreelistHead != 0 {
			if err := t.alloc.Load(pagefile.PageID(meta.FreelistHead)); err != nil {
				pf.Close()
				return nil, err
			}
		}
	}

	return t, nil
}

// newSubTree builds a Tree sharing an already-open paged file,
// allocator, and offload store with an independent generation pair and
// root pointer — the shape a multi-root tree's secondary roots need
// (§4.10: each root has its own generation/recovery rules, a shared
// paged file underneath).
func newSubTree(pf *pagefile.PagedFile, alloc *freelist.Allocator, offload *OffloadStore, body Body, layout Layout, monitor Monitor, keeper *gen.Keeper, root gen.Pair) *Tree {
	return &Tree{
		pf:      pf,
		alloc:   alloc,
		offload: offload,
		body:    body,
		layout:  layout,
		monitor: monitor,
		epoch:   newReaderEpoch(),
		keeper:  keeper,
		root:    root,
	}
}

func selectBody(kind BodyKind, layout Layout) Body {
	switch kind {
	case FixedBodyKind:
		keySize, _ := layout.FixedKeySize()
		valueSize, _ := layout.FixedValueSize()
		return fixedBody{keySize: keySize, valueSize: valueSize}
	case DynamicBodyKind:
		return dynamicBody{}
	default:
		keySize, keyFixed := layout.FixedKeySize()
		valueSize, valueFixed := layout.FixedValueSize()
		if keyFixed && valueFixed {
			return fixedBody{keySize: keySize, valueSize: valueSize}
		}
		return dynamicBody{}
	}
}

func (t *Tree) isFresh() (bool, error) {
	if t.pf.PageCount() > 1 {
		return false, nil
	}
	meta, err := t.readMetadata()
	if err != nil {
		return true, nil
	}
	return meta.Version == 0, nil
}

func (t *Tree) readMetadata() (Metadata, error) {
	cur, err := t.pf.Pin(MetadataPageID, pagefile.Read)
	if err != nil {
		return Metadata{}, fmt.Errorf("gbtree: read metadata: %w", err)
	}
	defer cur.Release()
	var buf []byte
	for {
		buf = cur.Data()
		if !cur.ShouldRetry() {
			break
		}
		cur.Reread()
	}
	return DecodeMetadata(buf)
}

// initFresh allocates a root leaf and writes the metadata page for a
// brand new tree.
func (t *Tree) initFresh(userHeader []byte) error {
	t.keeper = gen.NewKeeper()
	t.alloc = freelist.New(t.pf, t.keeper, func(uint64) bool { return true })
	t.offload = NewOffloadStore(t.pf, t.alloc)

	rootID, err := t.alloc.Acquire()
	if err != nil {
		return fmt.Errorf("gbtree: init fresh: %w", err)
	}
	rootCur, err := t.pf.Pin(rootID, pagefile.Write)
	if err != nil {
		return fmt.Errorf("gbtree: init fresh: %w", err)
	}
	rootCur.BeginWrite()
	initHeader(rootCur.Data(), NodeLeaf, LayerData, t.keeper.Unstable())
	t.body.InitLeaf(rootCur.Data())
	rootCur.EndWrite()
	if err := rootCur.Release(); err != nil {
		return err
	}

	var root gen.Pair
	if _, err := root.Write(uint64(rootID), t.keeper.Unstable(), t.keeper.Stable()); err != nil {
		return err
	}
	t.root = root
	t.userHeader = append([]byte(nil), userHeader...)

	return t.writeMetadata()
}

func (t *Tree) loadExisting() error {
	meta, err := t.readMetadata()
	if err != nil {
		return err
	}
	keeper, err := gen.Restore(meta.Stable, meta.Unstable)
	if err != nil {
		return err
	}
	t.keeper = keeper
	t.root = meta.Root
	t.lastTxID = meta.LastTxID
	t.userHeader = meta.UserHeader
	return nil
}

// writeMetadata flushes the tree's current root, generation pair, and
// freelist head to the metadata page.
func (t *Tree) writeMetadata() error {
	freelistHead, err := t.alloc.Flush()
	if err != nil {
		return fmt.Errorf("gbtree: write metadata: %w", err)
	}

	cur, err := t.pf.Pin(MetadataPageID, pagefile.Write)
	if err != nil {
		return fmt.Errorf("gbtree: write metadata: %w", err)
	}
	defer cur.Release()

	cur.BeginWrite()
	defer cur.EndWrite()
	stable, unstable := t.keeper.Snapshot()
	return EncodeMetadata(cur.Data(), Metadata{
		Version:      CurrentFormatVersion,
		PageSize:     uint32(t.pf.PageSize()),
		Root:         t.root,
		LastTxID:     t.lastTxID,
		Stable:       stable,
		Unstable:     unstable,
		FreelistHead: uint64(freelistHead),
		UserHeader:   t.userHeader,
	})
}

// readerSafe is the allocator's ReaderSafe predicate: a page is safe to
// reuse once no active seeker entered at a generation that could still
// observe it.
func (t *Tree) readerSafe(pageID uint64) bool {
	stable, _ := t.keeper.Snapshot()
	return t.epoch.minActive(stable+1) > stable
}

// Writer acquires the tree's single-writer lock. Release must be called
// exactly once.
func (t *Tree) Writer() (*Writer, error) {
	if t.pf.ReadOnly() {
		return nil, arborerr.ErrReadOnly
	}
	if !atomic.CompareAndSwapInt32(&t.writerHeld, 0, 1) {
		return nil, fmt.Errorf("gbtree: acquire writer: %w", arborerr.ErrConflict)
	}
	return newWriter(t), nil
}

// Seeker returns a read-only range seeker over the tree's consistent
// snapshot at the moment of the call.
func (t *Tree) Seeker() *Seeker {
	t.rootMu.RLock()
	root := t.root
	t.rootMu.RUnlock()
	stable, unstable := t.keeper.Snapshot()
	return &Seeker{
		tree:     t,
		root:     root,
		stable:   stable,
		unstable: unstable,
		epochID:  t.epoch.enter(unstable),
	}
}

// Checkpoint performs the five steps of §4.8: it must be called with no
// Writer concurrently open (callers coordinate this the same way they
// coordinate Writer acquisition). userHeader, if non-nil, replaces the
// tree's stored header blob.
func (t *Tree) Checkpoint(userHeader []byte) error {
	if t.pf.ReadOnly() {
		return arborerr.ErrReadOnly
	}
	if !atomic.CompareAndSwapInt32(&t.writerHeld, 0, 1) {
		return fmt.Errorf("gbtree: checkpoint: %w", arborerr.ErrConflict)
	}
	defer atomic.StoreInt32(&t.writerHeld, 0)

	if userHeader != nil {
		t.userHeader = userHeader
	}

	if err := t.pf.Flush(); err != nil {
		return err
	}
	if err := t.pf.Sync(); err != nil {
		return err
	}

	stable, unstable, err := t.keeper.Advance()
	if err != nil {
		return err
	}
	t.monitor.OnCheckpoint(stable, unstable)

	if err := t.writeMetadata(); err != nil {
		return err
	}
	return t.pf.Sync()
}

// ConsistencyCheck walks the tree structurally and reports any violated
// invariant it finds, without requiring the tree to be closed first.
func (t *Tree) ConsistencyCheck() Report {
	s := t.Seeker()
	defer s.Close()
	r := Report{}
	t.checkSubtree(s, t.root, nil, nil, &r)
	return r
}

// Close flushes, syncs, and releases the underlying paged file. It does
// not checkpoint — callers that want a durable checkpoint must call
// Checkpoint first.
func (t *Tree) Close() error {
	if err := t.pf.Flush(); err != nil {
		return err
	}
	if err := t.pf.Sync(); err != nil {
		return err
	}
	return t.pf.Close()
}

// Report is the result of a ConsistencyCheck pass.
type Report struct {
	NodesVisited int
	LeafCount    int
	KeyCount     int
	Errors       []string
}

func (r *Report) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// OK reports whether no invariant violation was found.
func (r Report) OK() bool { return len(r.Errors) == 0 }

func (t *Tree) checkSubtree(s *Seeker, link gen.Pair, lo, hi []byte, r *Report) {
	pageID, _, ok := link.Read(s.unstable)
	if !ok {
		return
	}
	cur, err := t.pf.Pin(pagefile.PageID(pageID), pagefile.Read)
	if err != nil {
		r.fail("page %d: %v", pageID, err)
		return
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

	r.NodesVisited++
	count := KeyCount(page)
	var prev []byte
	keys := make([][]byte, count)
	for i := 0; i < count; i++ {
		key, err := t.resolveSlot(t.body.KeyAt(page, i))
		if err != nil {
			r.fail("page %d slot %d: %v", pageID, i, err)
			continue
		}
		keys[i] = key
		if t.body.IsTombstone(page, i) {
			continue
		}
		if lo != nil && t.layout.CompareKeys(key, lo) < 0 {
			r.fail("page %d slot %d: key precedes subtree lower bound", pageID, i)
		}
		if hi != nil && t.layout.CompareKeys(key, hi) >= 0 {
			r.fail("page %d slot %d: key at or past subtree upper bound", pageID, i)
		}
		if prev != nil && t.layout.CompareKeys(prev, key) >= 0 {
			r.fail("page %d slot %d: keys out of order", pageID, i)
		}
		prev = key
	}

	if Type(page) == NodeLeaf {
		r.LeafCount++
		r.KeyCount += t.body.LiveKeyCount(page)
		return
	}

	for i := 0; i <= count; i++ {
		childID, childOK := t.body.ChildAt(page, i, s.unstable)
		if !childOK {
			r.fail("page %d: child %d unreadable at generation %d", pageID, i, s.unstable)
			continue
		}
		var childLo, childHi []byte
		if i > 0 {
			childLo = keys[i-1]
		} else {
			childLo = lo
		}
		if i < count {
			childHi = keys[i]
		} else {
			childHi = hi
		}
		var childLink gen.Pair
		if i == 0 {
			childLink = FirstChildGSP(page)
		} else {
			childLink = gen.Decode(t.body.ValueAt(page, i-1))
		}
		_ = childID
		t.checkSubtree(s, childLink, childLo, childHi, r)
	}
}
