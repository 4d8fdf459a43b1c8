package gbtree

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arbordb/arbor/pkg/arborerr"
	"github.com/arbordb/arbor/pkg/gen"
	"github.com/arbordb/arbor/pkg/pagefile"
)

// RootEntry is one subtree's directory row in a MultiRoot's root layer:
// its own generation pair and root GSP, independent of every other
// subtree's (§4.10 — each root has its own generation/recovery rules;
// only the checkpoint is global).
type RootEntry struct {
	Stable   uint64
	Unstable uint64
	Root     gen.Pair
}

const rootEntrySize = 8 + 8 + gen.EncodedSize

func encodeRootEntry(e RootEntry) []byte {
	buf := make([]byte, rootEntrySize)
	binary.LittleEndian.PutUint64(buf[0:8], e.Stable)
	binary.LittleEndian.PutUint64(buf[8:16], e.Unstable)
	e.Root.Encode(buf[16 : 16+gen.EncodedSize])
	return buf
}

func decodeRootEntry(buf []byte) RootEntry {
	return RootEntry{
		Stable:   binary.LittleEndian.Uint64(buf[0:8]),
		Unstable: binary.LittleEndian.Uint64(buf[8:16]),
		Root:     gen.Decode(buf[16 : 16+gen.EncodedSize]),
	}
}

// encodeName renders a subtree name as a big-endian key so the root
// layer's lexicographic key order agrees with numeric order.
func encodeName(name uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], name)
	return buf[:]
}

// SubtreeConfig tells MultiRoot.Open how to interpret one named
// subtree's keys and values.
type SubtreeConfig struct {
	BodyKind BodyKind
	Layout   Layout
}

// MultiRoot is several independent GBPTrees sharing one paged file, one
// allocator, and one offload store, each with its own generation pair
// and recovery history, checkpointed together (§4.10). The root layer
// itself is an ordinary fixed-body Tree keyed by subtree name, holding
// one RootEntry per open-or-ever-opened subtree.
type MultiRoot struct {
	root *Tree

	mu   sync.Mutex
	open map[uint64]*Tree
}

// OpenMultiRoot opens or creates the root layer at path. Layout and
// BodyKind in opts, if set, are ignored — the root layer always uses
// FixedIntLayout over RootEntry-sized values.
func OpenMultiRoot(path string, opts Options) (*MultiRoot, error) {
	rootOpts := opts
	rootOpts.Layout = FixedIntLayout{ValueSize: rootEntrySize}
	rootOpts.BodyKind = FixedBodyKind

	t, err := Open(path, rootOpts)
	if err != nil {
		return nil, err
	}
	return &MultiRoot{root: t, open: make(map[uint64]*Tree)}, nil
}

func (m *MultiRoot) lookupEntry(key []byte) (RootEntry, bool, error) {
	s := m.root.Seeker()
	defer s.Close()

	it, err := s.Seek(key, nextKeyAfter(key))
	if err != nil {
		return RootEntry{}, false, err
	}
	if !it.Next() {
		return RootEntry{}, false, it.Err()
	}
	value, err := it.Value()
	if err != nil {
		return RootEntry{}, false, err
	}
	return decodeRootEntry(value), true, nil
}

// Open returns the subtree named name, creating an empty one under cfg
// if it has never been opened before. Subsequent calls for the same
// name, even with a different cfg, return the already-open *Tree —
// cfg only matters the first time a name is created.
func (m *MultiRoot) Open(name uint64, cfg SubtreeConfig) (*Tree, error) {
	if cfg.Layout == nil {
		return nil, fmt.Errorf("gbtree: multiroot open: layout is required: %w", arborerr.ErrUnableToOpen)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.open[name]; ok {
		return t, nil
	}

	body := selectBody(cfg.BodyKind, cfg.Layout)
	key := encodeName(name)

	entry, found, err := m.lookupEntry(key)
	if err != nil {
		return nil, err
	}

	var keeper *gen.Keeper
	var root gen.Pair

	if found {
		keeper, err = gen.Restore(entry.Stable, entry.Unstable)
		if err != nil {
			return nil, err
		}
		root = entry.Root
	} else {
		keeper = gen.NewKeeper()

		rootID, err := m.root.alloc.Acquire()
		if err != nil {
			return nil, err
		}
		cur, err := m.root.pf.Pin(rootID, pagefile.Write)
		if err != nil {
			return nil, err
		}
		cur.BeginWrite()
		initHeader(cur.Data(), NodeLeaf, LayerData, keeper.Unstable())
		body.InitLeaf(cur.Data())
		cur.EndWrite()
		if err := cur.Release(); err != nil {
			return nil, err
		}

		if _, err := root.Write(uint64(rootID), keeper.Unstable(), keeper.Stable()); err != nil {
			return nil, err
		}

		w, err := m.root.Writer()
		if err != nil {
			return nil, err
		}
		putErr := w.Put(key, encodeRootEntry(RootEntry{
			Stable:   keeper.Stable(),
			Unstable: keeper.Unstable(),
			Root:     root,
		}))
		w.Release()
		if putErr != nil {
			return nil, putErr
		}
	}

	sub := newSubTree(m.root.pf, m.root.alloc, m.root.offload, body, cfg.Layout, m.root.monitor, keeper, root)
	m.open[name] = sub
	return sub, nil
}

// Checkpoint advances every open subtree's generation pair, persists
// each one's new RootEntry into the root layer, then checkpoints the
// root layer itself — one durable fsync boundary across every subtree
// (§4.10: independent generations, global checkpoints).
func (m *MultiRoot) Checkpoint() error {
	if err := m.root.pf.Flush(); err != nil {
		return err
	}
	if err := m.root.pf.Sync(); err != nil {
		return err
	}

	w, err := m.root.Writer()
	if err != nil {
		return err
	}

	m.mu.Lock()
	for name, sub := range m.open {
		if !atomic.CompareAndSwapInt32(&sub.writerHeld, 0, 1) {
			m.mu.Unlock()
			w.Release()
			return fmt.Errorf("gbtree: multiroot checkpoint: subtree %d busy: %w", name, arborerr.ErrConflict)
		}
		stable, unstable, advErr := sub.keeper.Advance()
		if advErr != nil {
			atomic.StoreInt32(&sub.writerHeld, 0)
			m.mu.Unlock()
			w.Release()
			return advErr
		}
		sub.monitor.OnCheckpoint(stable, unstable)

		sub.rootMu.RLock()
		root := sub.root
		sub.rootMu.RUnlock()

		putErr := w.Put(encodeName(name), encodeRootEntry(RootEntry{
			Stable:   stable,
			Unstable: unstable,
			Root:     root,
		}))
		atomic.StoreInt32(&sub.writerHeld, 0)
		if putErr != nil {
			m.mu.Unlock()
			w.Release()
			return putErr
		}
	}
	m.mu.Unlock()
	w.Release()

	return m.root.Checkpoint(nil)
}

// Close flushes and closes the shared paged file. Subtrees share the
// root layer's file and allocator and must not be closed individually.
func (m *MultiRoot) Close() error {
	m.mu.Lock()
	m.open = nil
	m.mu.Unlock()
	return m.root.Close()
}
