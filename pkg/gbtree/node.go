package gbtree

import (
	"encoding/binary"

	"github.com/arbordb/arbor/pkg/gen"
)

// NodeType tags a page as a leaf or internal node. Dispatch on this tag
// is a plain switch, not a class hierarchy (§9 design note: tagged
// variant, monomorphized dispatch).
type NodeType uint8

const (
	NodeLeaf NodeType = 1
	NodeInternal NodeType = 2
)

// LayerFlag distinguishes the data layer (ordinary tree nodes) from the
// root layer of a multi-root tree (§4.10), whose values are RootEntry
// rows (a subtree's generations and root GSP) rather than caller data.
type LayerFlag uint8

const (
	LayerData LayerFlag = 0
	LayerRoot LayerFlag = 1
)

// Header field offsets within a node page. Every node — leaf or
// internal, fixed or dynamic body — starts with this fixed layout;
// HeaderSize is where the layout-specific body begins.
const (
	offNodeType   = 0
	offLayerFlag  = 1
	offGeneration = 4
	offKeyCount   = 12
	offLeftSib    = 14
	offRightSib   = offLeftSib + gen.EncodedSize
	offSuccessor  = offRightSib + gen.EncodedSize
	offFirstChild = offSuccessor + gen.EncodedSize

	// HeaderSize is the byte offset where a node's body begins. A page
	// size smaller than HeaderSize plus one maximum key and one maximum
	// value must fail at open (§3 invariant on minimum page size).
	HeaderSize = offFirstChild + gen.EncodedSize
)

// Type reports whether page holds a leaf or internal node.
func Type(page []byte) NodeType { return NodeType(page[offNodeType]) }

// Layer reports whether page belongs to the data layer or the root
// layer of a multi-root tree.
func Layer(page []byte) LayerFlag { return LayerFlag(page[offLayerFlag]) }

// Generation returns the generation this node was last written in.
func Generation(page []byte) uint64 {
	return binary.LittleEndian.Uint64(page[offGeneration : offGeneration+8])
}

func setGeneration(page []byte, g uint64) {
	binary.LittleEndian.PutUint64(page[offGeneration:offGeneration+8], g)
}

// KeyCount returns the number of occupied slots, including any
// tombstoned leaf slots.
func KeyCount(page []byte) int {
	return int(binary.LittleEndian.Uint16(page[offKeyCount : offKeyCount+2]))
}

func setKeyCount(page []byte, n int) {
	binary.LittleEndian.PutUint16(page[offKeyCount:offKeyCount+2], uint16(n))
}

// LeftSibling, RightSibling, and Successor expose the node's three GSP
// pairs, bidirectional sibling links at the same level plus the
// successor pointer a COW copy leaves on the node it replaced.
func LeftSibling(page []byte) gen.Pair  { return gen.Decode(page[offLeftSib : offLeftSib+gen.EncodedSize]) }
func RightSibling(page []byte) gen.Pair { return gen.Decode(page[offRightSib : offRightSib+gen.EncodedSize]) }
func Successor(page []byte) gen.Pair    { return gen.Decode(page[offSuccessor : offSuccessor+gen.EncodedSize]) }

func setLeftSibling(page []byte, p gen.Pair)  { p.Encode(page[offLeftSib : offLeftSib+gen.EncodedSize]) }
func setRightSibling(page []byte, p gen.Pair) { p.Encode(page[offRightSib : offRightSib+gen.EncodedSize]) }
func setSuccessor(page []byte, p gen.Pair)    { p.Encode(page[offSuccessor : offSuccessor+gen.EncodedSize]) }

// HasSuccessor reports whether this node has been superseded by a COW
// copy — readers that see this must follow Successor instead.
func HasSuccessor(page []byte, unstable uint64) (pageID uint64, ok bool) {
	succ := Successor(page)
	id, _, ok := succ.Read(unstable)
	return id, ok
}

// FirstChildGSP returns the GSP pair for the leftmost child of an
// internal node — the child that precedes key 0, stored outside the
// slotted body since it has no paired separator key. Like every other
// child reference, it is generation-safe: a writer COW-ing this child
// writes the new target through the same dual-slot protocol used for
// siblings and the root pointer (§4.6 step 2).
func FirstChildGSP(page []byte) gen.Pair {
	return gen.Decode(page[offFirstChild : offFirstChild+gen.EncodedSize])
}

func setFirstChildGSP(page []byte, p gen.Pair) {
	p.Encode(page[offFirstChild : offFirstChild+gen.EncodedSize])
}

// initHeader resets the fixed header portion of page and stamps it with
// nodeType, layer, and generation. The body-specific Init then lays out
// an empty body.
func initHeader(page []byte, nodeType NodeType, layer LayerFlag, generation uint64) {
	for i := range page[:HeaderSize] {
		page[i] = 0
	}
	page[offNodeType] = byte(nodeType)
	page[offLayerFlag] = byte(layer)
	setGeneration(page, generation)
	setKeyCount(page, 0)
}

// Overflow reports the result of testing whether a leaf can accept one
// more (key, value) pair.
type Overflow int

const (
	OverflowNo Overflow = iota
	OverflowNeedDefrag
	OverflowYes
)
