package gbtree

import (
	"encoding/binary"

	"github.com/arbordb/arbor/pkg/gen"
)

// Body implements the operations named abstractly in §4.4: accessors
// and mutators over a node's layout-specific slot area, which begins
// right after the fixed header (HeaderSize). Two implementations exist
// — dynamicBody and fixedBody — selected once per tree at Open time
// and dispatched through this interface rather than a class hierarchy
// (§9 design note on tagged variants).
type Body interface {
	InitLeaf(page []byte)
	InitInternal(page []byte)

	KeyAt(page []byte, i int) []byte
	ValueAt(page []byte, i int) []byte
	IsTombstone(page []byte, i int) bool

	// ChildAt reads the generation-safe child pointer at index i (i==0
	// is the node's FirstChild GSP; i>0 is the GSP paired with key i-1).
	ChildAt(page []byte, i int, unstable uint64) (pageID uint64, ok bool)

	// SetChildAt writes target into the child GSP at index i for
	// generation u, given the tree's current stable generation.
	SetChildAt(page []byte, i int, target, u, stable uint64) error

	// ChildGSP and SetChildGSP expose the raw generation-safe pointer
	// backing an in-body child slot (i>0; i==0 is the header's
	// FirstChildGSP and has no body-level representation), for callers
	// that need the whole pair rather than a resolved page ID — the
	// crash-pointer cleanup scanner in particular.
	ChildGSP(page []byte, i int) (gen.Pair, bool)
	SetChildGSP(page []byte, i int, p gen.Pair) bool

	InsertKeyValueAt(page []byte, key, value []byte, pos int) bool

	// InsertKeyAndRightChildAt inserts key at pos together with a fresh
	// one-slot child GSP pointing at child, generation u.
	InsertKeyAndRightChildAt(page []byte, key []byte, child, u uint64, pos int) bool

	RemoveKeyValueAt(page []byte, pos int)
	RemoveKeyAndRightChildAt(page []byte, pos int)
	RemoveKeyAndLeftChildAt(page []byte, pos int)

	SetValueAt(page []byte, value []byte, i int) bool

	LeafOverflow(page []byte, key, value []byte) Overflow
	DefragmentLeaf(page []byte)
	LiveKeyCount(page []byte) int
}

func putUint64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
func getUint64(b []byte) uint64    { return binary.LittleEndian.Uint64(b) }
