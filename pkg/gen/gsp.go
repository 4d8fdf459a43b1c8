package gen

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/arbordb/arbor/pkg/arborerr"
)

// SlotName identifies which of a GSP pair's two slots was chosen by a
// read, or written to by a write — reported for test introspection.
type SlotName int

const (
	SlotNone SlotName = iota
	SlotA
	SlotB
)

func (s SlotName) String() string {
	switch s {
	case SlotA:
		return "A"
	case SlotB:
		return "B"
	default:
		return "none"
	}
}

// Slot is one half of a generation-safe pointer: a target page ID
// stamped with the generation that wrote it, plus a checksum over both
// so a torn write is detectable rather than silently read back.
// Generation 0 means the slot has never been written.
type Slot struct {
	PageID     uint64
	Generation uint64
	Checksum   uint32
}

func slotChecksum(pageID, generation uint64) uint32 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], pageID)
	binary.LittleEndian.PutUint64(buf[8:16], generation)
	return crc32.ChecksumIEEE(buf[:])
}

func makeSlot(pageID, generation uint64) Slot {
	return Slot{PageID: pageID, Generation: generation, Checksum: slotChecksum(pageID, generation)}
}

// valid reports whether the slot's checksum matches its contents. An
// all-zero slot (never written) fails this check, since the checksum of
// a zero page ID and generation is not zero.
func (s Slot) valid() bool {
	return s.Checksum == slotChecksum(s.PageID, s.Generation)
}

// Pair is a generation-safe pointer: two slots, at most one of which
// exceeds the pre-write stable generation at any time (invariant 2,
// §3 of the design this package implements).
type Pair struct {
	A, B Slot
}

// Write stamps target into whichever slot the GSP protocol selects for
// generation u, given the tree's current stable generation. Returns the
// slot written, for test introspection.
//
// Rule order (exact, per the generation-safe pointer write protocol):
//  1. if A's generation ∈ [MinGen, stable], overwrite A
//  2. else if B's generation ∈ [MinGen, stable], overwrite B
//  3. else if A's generation < u, overwrite A
//  4. else if B's generation < u, overwrite B
//  5. else fail — both slots already hold u; a logic error.
func (p *Pair) Write(target, u, stable uint64) (SlotName, error) {
	switch {
	case p.A.Generation >= MinGen && p.A.Generation <= stable:
		p.A = makeSlot(target, u)
		return SlotA, nil
	case p.B.Generation >= MinGen && p.B.Generation <= stable:
		p.B = makeSlot(target, u)
		return SlotB, nil
	case p.A.Generation < u:
		p.A = makeSlot(target, u)
		return SlotA, nil
	case p.B.Generation < u:
		p.B = makeSlot(target, u)
		return SlotB, nil
	default:
		return SlotNone, arborerr.ErrConflict
	}
}

// Read selects the reader-visible slot of a GSP pair at a given
// unstable generation.
//
//  1. Invalid (checksum-mismatched) slots are ignored.
//  2. Among valid slots with generation ∈ [MinGen, unstable], the
//     largest generation wins.
//  3. Ties favor slot A.
//  4. If no slot qualifies, the pointer is NO_NODE (ok == false).
func (p Pair) Read(unstable uint64) (pageID uint64, chosen SlotName, ok bool) {
	aOK := p.A.valid() && p.A.Generation >= MinGen && p.A.Generation <= unstable
	bOK := p.B.valid() && p.B.Generation >= MinGen && p.B.Generation <= unstable

	switch {
	case aOK && bOK:
		if p.A.Generation >= p.B.Generation {
			return p.A.PageID, SlotA, true
		}
		return p.B.PageID, SlotB, true
	case aOK:
		return p.A.PageID, SlotA, true
	case bOK:
		return p.B.PageID, SlotB, true
	default:
		return 0, SlotNone, false
	}
}

// ZeroSlot clears a single slot to its never-written state — used by the
// recovery cleanup collector to repair a crash pointer: a slot whose
// generation exceeds stable but whose write never completed.
func (p *Pair) ZeroSlot(name SlotName) {
	switch name {
	case SlotA:
		p.A = Slot{}
	case SlotB:
		p.B = Slot{}
	}
}

// CrashPointer reports whether exactly one slot holds a generation
// strictly greater than stable — the mark of an incomplete write
// surviving a crash — and names that slot. The other slot is judged by
// its generation alone; its checksum and target are not examined.
func (p Pair) CrashPointer(stable uint64) (name SlotName, isCrashed bool) {
	aStale := p.A.Generation > stable
	bStale := p.B.Generation > stable
	switch {
	case aStale && !bStale:
		return SlotA, true
	case bStale && !aStale:
		return SlotB, true
	default:
		return SlotNone, false
	}
}

// Encode serializes the pair into a fixed 40-byte on-disk form:
// two slots of (pageID uint64, generation uint64, checksum uint32).
func (p Pair) Encode(buf []byte) {
	putSlot(buf[0:20], p.A)
	putSlot(buf[20:40], p.B)
}

// EncodedSize is the fixed byte length Encode/Decode operate over.
const EncodedSize = 40

func putSlot(buf []byte, s Slot) {
	binary.LittleEndian.PutUint64(buf[0:8], s.PageID)
	binary.LittleEndian.PutUint64(buf[8:16], s.Generation)
	binary.LittleEndian.PutUint32(buf[16:20], s.Checksum)
}

func getSlot(buf []byte) Slot {
	return Slot{
		PageID:     binary.LittleEndian.Uint64(buf[0:8]),
		Generation: binary.LittleEndian.Uint64(buf[8:16]),
		Checksum:   binary.LittleEndian.Uint32(buf[16:20]),
	}
}

// Decode parses a Pair out of its fixed 40-byte on-disk form.
func Decode(buf []byte) Pair {
	return Pair{A: getSlot(buf[0:20]), B: getSlot(buf[20:40])}
}
