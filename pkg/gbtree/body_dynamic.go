package gbtree

import (
	"encoding/binary"

	"github.com/arbordb/arbor/pkg/gen"
)

// dynamicBody packs variable-length key/value slots into a slotted
// page: a directory of fixed-size entries grows forward from just
// after the header, while the actual key/value bytes are packed from
// the end of the page backward. Removing a leaf slot only flips its
// tombstone bit — the bytes it occupied become a "dead zone" that
// grows until DefragmentLeaf compacts it. Internal-node slots pair a
// key with a full GSP pair in the value position, generation-safe like
// every other child reference (§4.6 step 2).
type dynamicBody struct{}

// directory entry layout, 8 bytes: keyOff uint16, keyLen uint16 (top
// bit is the tombstone flag), valOff uint16, valLen uint16.
const dynEntrySize = 8

const tombstoneBit = uint16(0x8000)
const lenMask = uint16(0x7fff)

// offFreeEnd holds the page offset where the packed data area begins
// (it grows downward as slots are inserted); offDirStart is where the
// slot directory begins.
const offFreeEnd = HeaderSize
const offDirStart = HeaderSize + 2

func dynEntryOffset(i int) int { return offDirStart + i*dynEntrySize }

func dynFreeEnd(page []byte) int {
	return int(binary.LittleEndian.Uint16(page[offFreeEnd : offFreeEnd+2]))
}

func setDynFreeEnd(page []byte, v int) {
	binary.LittleEndian.PutUint16(page[offFreeEnd:offFreeEnd+2], uint16(v))
}

func (dynamicBody) initCommon(page []byte) {
	setDynFreeEnd(page, len(page))
}

func (d dynamicBody) InitLeaf(page []byte)     { d.initCommon(page) }
func (d dynamicBody) InitInternal(page []byte) { d.initCommon(page) }

type dynEntry struct {
	keyOff, keyLen int
	valOff, valLen int
	tombstone      bool
}

func readDynEntry(page []byte, i int) dynEntry {
	off := dynEntryOffset(i)
	keyOff := binary.LittleEndian.Uint16(page[off : off+2])
	keyLenFlag := binary.LittleEndian.Uint16(page[off+2 : off+4])
	valOff := binary.LittleEndian.Uint16(page[off+4 : off+6])
	valLen := binary.LittleEndian.Uint16(page[off+6 : off+8])
	return dynEntry{
		keyOff:    int(keyOff),
		keyLen:    int(keyLenFlag & lenMask),
		valOff:    int(valOff),
		valLen:    int(valLen),
		tombstone: keyLenFlag&tombstoneBit != 0,
	}
}

func writeDynEntry(page []byte, i int, e dynEntry) {
	off := dynEntryOffset(i)
	keyLenFlag := uint16(e.keyLen) & lenMask
	if e.tombstone {
		keyLenFlag |= tombstoneBit
	}
	binary.LittleEndian.PutUint16(page[off:off+2], uint16(e.keyOff))
	binary.LittleEndian.PutUint16(page[off+2:off+4], keyLenFlag)
	binary.LittleEndian.PutUint16(page[off+4:off+6], uint16(e.valOff))
	binary.LittleEndian.PutUint16(page[off+6:off+8], uint16(e.valLen))
}

func (dynamicBody) KeyAt(page []byte, i int) []byte {
	e := readDynEntry(page, i)
	return page[e.keyOff : e.keyOff+e.keyLen]
}

func (dynamicBody) ValueAt(page []byte, i int) []byte {
	e := readDynEntry(page, i)
	return page[e.valOff : e.valOff+e.valLen]
}

func (dynamicBody) IsTombstone(page []byte, i int) bool {
	return readDynEntry(page, i).tombstone
}

func (d dynamicBody) ChildAt(page []byte, i int, unstable uint64) (uint64, bool) {
	if i == 0 {
		id, _, ok := FirstChildGSP(page).Read(unstable)
		return id, ok
	}
	id, _, ok := gen.Decode(d.ValueAt(page, i-1)).Read(unstable)
	return id, ok
}

func (d dynamicBody) SetChildAt(page []byte, i int, target, u, stable uint64) error {
	if i == 0 {
		p := FirstChildGSP(page)
		if _, err := p.Write(target, u, stable); err != nil {
			return err
		}
		setFirstChildGSP(page, p)
		return nil
	}
	slot := d.ValueAt(page, i-1)
	p := gen.Decode(slot)
	if _, err := p.Write(target, u, stable); err != nil {
		return err
	}
	p.Encode(slot)
	return nil
}

// ChildGSP returns the raw generation-safe pointer paired with key i-1
// (i must be > 0; the first child lives in the header, not the body).
func (d dynamicBody) ChildGSP(page []byte, i int) (gen.Pair, bool) {
	if i == 0 {
		return gen.Pair{}, false
	}
	if i-1 >= KeyCount(page) {
		return gen.Pair{}, false
	}
	return gen.Decode(d.ValueAt(page, i-1)), true
}

// SetChildGSP overwrites the raw pair paired with key i-1.
func (d dynamicBody) SetChildGSP(page []byte, i int, p gen.Pair) bool {
	if i == 0 || i-1 >= KeyCount(page) {
		return false
	}
	p.Encode(d.ValueAt(page, i-1))
	return true
}

// dirEnd returns the byte offset just past the directory for count
// entries.
func dirEnd(count int) int { return offDirStart + count*dynEntrySize }

func (d dynamicBody) fits(page []byte, count, keyLen, valLen int) bool {
	needed := dynEntrySize + keyLen + valLen
	avail := dynFreeEnd(page) - dirEnd(count+1)
	return avail >= needed
}

// InsertKeyValueAt shifts directory entries [pos, count) right by one,
// writes the new key/value bytes into the data area, and places the
// new entry at pos. Returns false if there is not enough contiguous
// free space — callers must have already tested LeafOverflow.
func (d dynamicBody) InsertKeyValueAt(page []byte, key, value []byte, pos int) bool {
	count := KeyCount(page)
	if !d.fits(page, count, len(key), len(value)) {
		return false
	}

	for i := count; i > pos; i-- {
		writeDynEntry(page, i, readDynEntry(page, i-1))
	}

	freeEnd := dynFreeEnd(page)
	total := len(key) + len(value)
	freeEnd -= total
	copy(page[freeEnd:freeEnd+len(key)], key)
	copy(page[freeEnd+len(key):freeEnd+total], value)

	writeDynEntry(page, pos, dynEntry{
		keyOff: freeEnd, keyLen: len(key),
		valOff: freeEnd + len(key), valLen: len(value),
	})
	setDynFreeEnd(page, freeEnd)
	setKeyCount(page, count+1)
	return true
}

func (d dynamicBody) InsertKeyAndRightChildAt(page []byte, key []byte, child, u uint64, pos int) bool {
	var p gen.Pair
	if _, err := p.Write(child, u, gen.MinGen-1); err != nil {
		return false
	}
	var buf [gen.EncodedSize]byte
	p.Encode(buf[:])
	return d.InsertKeyValueAt(page, key, buf[:], pos)
}

func (dynamicBody) RemoveKeyValueAt(page []byte, pos int) {
	e := readDynEntry(page, pos)
	e.tombstone = true
	writeDynEntry(page, pos, e)
}

func (d dynamicBody) removeCompact(page []byte, pos int) {
	count := KeyCount(page)
	for i := pos; i < count-1; i++ {
		writeDynEntry(page, i, readDynEntry(page, i+1))
	}
	setKeyCount(page, count-1)
}

// RemoveKeyAndRightChildAt drops key[pos] together with child[pos+1],
// shifting later entries left. Internal nodes compact immediately —
// only leaves use tombstones (§4.4).
func (d dynamicBody) RemoveKeyAndRightChildAt(page []byte, pos int) {
	d.removeCompact(page, pos)
}

// RemoveKeyAndLeftChildAt drops key[pos] together with child[pos],
// promoting child[pos+1] to take child[pos]'s place.
func (d dynamicBody) RemoveKeyAndLeftChildAt(page []byte, pos int) {
	if pos == 0 {
		// Dropping the leftmost child: the first surviving slot's child
		// GSP becomes the new FirstChild GSP, copied verbatim rather than
		// collapsed through Read/Write so both slots survive intact.
		if KeyCount(page) > 0 {
			setFirstChildGSP(page, gen.Decode(d.ValueAt(page, 0)))
		}
		d.removeCompact(page, 0)
		return
	}
	// child[pos+1] is paired with key[pos]; move its GSP into the slot
	// paired with key[pos-1] (child[pos]), then drop entry pos.
	copy(d.ValueAt(page, pos-1), d.ValueAt(page, pos))
	d.removeCompact(page, pos)
}

func (d dynamicBody) SetValueAt(page []byte, value []byte, i int) bool {
	e := readDynEntry(page, i)
	if len(value) != e.valLen {
		return false
	}
	copy(page[e.valOff:e.valOff+e.valLen], value)
	return true
}

func (d dynamicBody) LeafOverflow(page []byte, key, value []byte) Overflow {
	count := KeyCount(page)
	if d.fits(page, count, len(key), len(value)) {
		return OverflowNo
	}

	reclaimable := 0
	for i := 0; i < count; i++ {
		e := readDynEntry(page, i)
		if e.tombstone {
			reclaimable += e.keyLen + e.valLen
		}
	}
	needed := dynEntrySize + len(key) + len(value)
	avail := dynFreeEnd(page) - dirEnd(count+1)
	if avail+reclaimable >= needed {
		return OverflowNeedDefrag
	}
	return OverflowYes
}

// DefragmentLeaf rebuilds the data area and directory, dropping every
// tombstoned slot and repacking the live ones in order. The number of
// live slots is preserved and their key order is unchanged (§8).
func (d dynamicBody) DefragmentLeaf(page []byte) {
	count := KeyCount(page)
	type live struct {
		key, value []byte
	}
	survivors := make([]live, 0, count)
	for i := 0; i < count; i++ {
		e := readDynEntry(page, i)
		if e.tombstone {
			continue
		}
		key := append([]byte(nil), page[e.keyOff:e.keyOff+e.keyLen]...)
		value := append([]byte(nil), page[e.valOff:e.valOff+e.valLen]...)
		survivors = append(survivors, live{key, value})
	}

	setDynFreeEnd(page, len(page))
	setKeyCount(page, 0)
	for _, s := range survivors {
		d.InsertKeyValueAt(page, s.key, s.value, KeyCount(page))
	}
}

func (d dynamicBody) LiveKeyCount(page []byte) int {
	count := KeyCount(page)
	live := 0
	for i := 0; i < count; i++ {
		if !readDynEntry(page, i).tombstone {
			live++
		}
	}
	return live
}
