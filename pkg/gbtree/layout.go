// Package gbtree implements the generation-safe, copy-on-write B⁺-tree:
// node layout, the offload store for oversized entries, the tree writer
// (insert/remove/update with COW split/merge/rebalance), the read-only
// seeker, the metadata header, and the multi-root variant.
package gbtree

// Layout is the contract a caller injects to tell the tree how to
// compare and size its keys and values. Keys and values themselves are
// opaque []byte at this layer — callers that want a typed API wrap a
// Tree and marshal through a Layout implementation, the way the rest of
// this stack treats keys and values as bytes all the way down to disk.
type Layout interface {
	// CompareKeys returns <0, 0, >0 as a < b, a == b, a > b under the
	// tree's strict key ordering.
	CompareKeys(a, b []byte) int

	// CompareValues is used only for tests and deterministic equality
	// checks, never for tree structure.
	CompareValues(a, b []byte) int

	// FixedKeySize reports a constant key size, or ok==false if keys are
	// variable length.
	FixedKeySize() (size int, ok bool)

	// FixedValueSize reports a constant value size, or ok==false if
	// values are variable length.
	FixedValueSize() (size int, ok bool)

	// MaxKeySize is the largest key this layout will ever produce; a
	// page must be large enough to hold the header plus one max key and
	// one max value (§3 invariant on minimum page size).
	MaxKeySize() int

	// MaxValueSize is the largest value this layout will ever produce.
	MaxValueSize() int

	// MaxInlineKeySize is the largest key stored inline before the
	// writer offloads it to the overflow store.
	MaxInlineKeySize() int

	// MaxInlineValueSize is the largest value stored inline before the
	// writer offloads it to the overflow store.
	MaxInlineValueSize() int
}

// BytesLayout is a general-purpose Layout for variable-length byte
// string keys and values, ordered lexicographically. It is the default
// used by cmd/arborctl and by tests that don't need a typed codec.
type BytesLayout struct {
	MaxKey, MaxValue             int
	MaxInlineKey, MaxInlineValue int
}

func (l BytesLayout) CompareKeys(a, b []byte) int   { return compareBytes(a, b) }
func (l BytesLayout) CompareValues(a, b []byte) int { return compareBytes(a, b) }
func (l BytesLayout) FixedKeySize() (int, bool)     { return 0, false }
func (l BytesLayout) FixedValueSize() (int, bool)   { return 0, false }
func (l BytesLayout) MaxKeySize() int               { return l.MaxKey }
func (l BytesLayout) MaxValueSize() int             { return l.MaxValue }
func (l BytesLayout) MaxInlineKeySize() int          { return l.MaxInlineKey }
func (l BytesLayout) MaxInlineValueSize() int        { return l.MaxInlineValue }

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// FixedIntLayout is a Layout for fixed-size uint64 keys (used by the
// root layer of a multi-root tree and by tests exercising the
// fixed-size body) paired with fixed-size byte-string values.
type FixedIntLayout struct {
	ValueSize int
}

func (l FixedIntLayout) CompareKeys(a, b []byte) int   { return compareBytes(a, b) }
func (l FixedIntLayout) CompareValues(a, b []byte) int { return compareBytes(a, b) }
func (l FixedIntLayout) FixedKeySize() (int, bool)     { return 8, true }
func (l FixedIntLayout) FixedValueSize() (int, bool)   { return l.ValueSize, true }
func (l FixedIntLayout) MaxKeySize() int               { return 8 }
func (l FixedIntLayout) MaxValueSize() int             { return l.ValueSize }
func (l FixedIntLayout) MaxInlineKeySize() int          { return 8 }
func (l FixedIntLayout) MaxInlineValueSize() int        { return l.ValueSize }
