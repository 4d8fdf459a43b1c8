package gbtree

import "github.com/arbordb/arbor/pkg/gen"

// fixedBody packs constant-size key/value slots at a constant stride,
// one tombstone byte per slot followed by the key bytes and then the
// value bytes. Used only when the tree's Layout reports a fixed key
// size and (for the leaf body) a fixed value size; internal-node slots
// always carry a full GSP pair as their value regardless of the leaf's
// value width, since a child reference is itself generation-safe
// (§4.6 step 2).
type fixedBody struct {
	keySize   int
	valueSize int // leaf value width; internal slots always use gen.EncodedSize
}

func (f fixedBody) valueWidth(page []byte) int {
	if Type(page) == NodeLeaf {
		return f.valueSize
	}
	return gen.EncodedSize
}

func (f fixedBody) stride(page []byte) int {
	return 1 + f.keySize + f.valueWidth(page)
}

func (f fixedBody) capacity(page []byte) int {
	return (len(page) - HeaderSize) / f.stride(page)
}

func (f fixedBody) slotOffset(page []byte, i int) int {
	return HeaderSize + i*f.stride(page)
}

func (f fixedBody) InitLeaf(page []byte)     {}
func (f fixedBody) InitInternal(page []byte) {}

func (f fixedBody) KeyAt(page []byte, i int) []byte {
	off := f.slotOffset(page, i)
	return page[off+1 : off+1+f.keySize]
}

func (f fixedBody) ValueAt(page []byte, i int) []byte {
	off := f.slotOffset(page, i)
	vw := f.valueWidth(page)
	return page[off+1+f.keySize : off+1+f.keySize+vw]
}

func (f fixedBody) IsTombstone(page []byte, i int) bool {
	return page[f.slotOffset(page, i)] != 0
}

func (f fixedBody) ChildAt(page []byte, i int, unstable uint64) (uint64, bool) {
	if i == 0 {
		id, _, ok := FirstChildGSP(page).Read(unstable)
		return id, ok
	}
	id, _, ok := gen.Decode(f.ValueAt(page, i-1)).Read(unstable)
	return id, ok
}

func (f fixedBody) SetChildAt(page []byte, i int, target, u, stable uint64) error {
	if i == 0 {
		p := FirstChildGSP(page)
		if _, err := p.Write(target, u, stable); err != nil {
			return err
		}
		setFirstChildGSP(page, p)
		return nil
	}
	slot := f.ValueAt(page, i-1)
	p := gen.Decode(slot)
	if _, err := p.Write(target, u, stable); err != nil {
		return err
	}
	p.Encode(slot)
	return nil
}

// ChildGSP returns the raw generation-safe pointer paired with key i-1
// (i must be > 0; the first child lives in the header, not the body).
func (f fixedBody) ChildGSP(page []byte, i int) (gen.Pair, bool) {
	if i == 0 || i-1 >= KeyCount(page) {
		return gen.Pair{}, false
	}
	return gen.Decode(f.ValueAt(page, i-1)), true
}

// SetChildGSP overwrites the raw pair paired with key i-1.
func (f fixedBody) SetChildGSP(page []byte, i int, p gen.Pair) bool {
	if i == 0 || i-1 >= KeyCount(page) {
		return false
	}
	p.Encode(f.ValueAt(page, i-1))
	return true
}

func (f fixedBody) InsertKeyValueAt(page []byte, key, value []byte, pos int) bool {
	count := KeyCount(page)
	if count+1 > f.capacity(page) {
		return false
	}
	stride := f.stride(page)
	src := f.slotOffset(page, pos)
	length := (count - pos) * stride
	if length > 0 {
		copy(page[src+stride:src+stride+length], page[src:src+length])
	}
	page[src] = 0
	copy(page[src+1:src+1+f.keySize], key)
	copy(page[src+1+f.keySize:src+1+f.keySize+len(value)], value)
	setKeyCount(page, count+1)
	return true
}

func (f fixedBody) InsertKeyAndRightChildAt(page []byte, key []byte, child, u uint64, pos int) bool {
	var p gen.Pair
	// A fresh slot's generation pair starts empty, so Write always
	// succeeds via the first branch it tries (§4.3 write algorithm).
	if _, err := p.Write(child, u, gen.MinGen-1); err != nil {
		return false
	}
	var buf [gen.EncodedSize]byte
	p.Encode(buf[:])
	return f.InsertKeyValueAt(page, key, buf[:], pos)
}

func (f fixedBody) RemoveKeyValueAt(page []byte, pos int) {
	off := f.slotOffset(page, pos)
	page[off] = 1
}

func (f fixedBody) removeCompact(page []byte, pos int) {
	count := KeyCount(page)
	stride := f.stride(page)
	src := f.slotOffset(page, pos+1)
	dst := f.slotOffset(page, pos)
	length := (count - pos - 1) * stride
	if length > 0 {
		copy(page[dst:dst+length], page[src:src+length])
	}
	setKeyCount(page, count-1)
}

func (f fixedBody) RemoveKeyAndRightChildAt(page []byte, pos int) {
	f.removeCompact(page, pos)
}

func (f fixedBody) RemoveKeyAndLeftChildAt(page []byte, pos int) {
	if pos == 0 {
		if KeyCount(page) > 0 {
			// Copy the raw GSP-pair bytes rather than decode/re-encode
			// through Read/Write — this promotion must preserve both
			// slots verbatim, not collapse them into a single generation.
			setFirstChildGSP(page, gen.Decode(f.ValueAt(page, 0)))
		}
		f.removeCompact(page, 0)
		return
	}
	// child[pos+1] is paired with key[pos]; move its GSP into the slot
	// paired with key[pos-1] (child[pos]), then drop entry pos.
	copy(f.ValueAt(page, pos-1), f.ValueAt(page, pos))
	f.removeCompact(page, pos)
}

func (f fixedBody) SetValueAt(page []byte, value []byte, i int) bool {
	if len(value) != f.valueWidth(page) {
		return false
	}
	copy(f.ValueAt(page, i), value)
	return true
}

func (f fixedBody) LeafOverflow(page []byte, key, value []byte) Overflow {
	count := KeyCount(page)
	capacity := f.capacity(page)
	if count+1 <= capacity {
		return OverflowNo
	}
	if f.LiveKeyCount(page)+1 <= capacity {
		return OverflowNeedDefrag
	}
	return OverflowYes
}

// DefragmentLeaf compacts out tombstoned slots in place, preserving the
// relative order of the live slots.
func (f fixedBody) DefragmentLeaf(page []byte) {
	count := KeyCount(page)
	stride := f.stride(page)
	write := 0
	for read := 0; read < count; read++ {
		if f.IsTombstone(page, read) {
			continue
		}
		if write != read {
			srcOff := f.slotOffset(page, read)
			dstOff := f.slotOffset(page, write)
			copy(page[dstOff:dstOff+stride], page[srcOff:srcOff+stride])
		}
		write++
	}
	setKeyCount(page, write)
}

func (f fixedBody) LiveKeyCount(page []byte) int {
	count := KeyCount(page)
	live := 0
	for i := 0; i < count; i++ {
		if !f.IsTombstone(page, i) {
			live++
		}
	}
	return live
}
