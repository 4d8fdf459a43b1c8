package gbtree

import "encoding/binary"

// Every key or value a dynamicBody leaf stores is prefixed with a
// 1-byte tag: tagInline means the raw bytes follow; tagOffload means an
// 8-byte OffloadID follows, and the real bytes live in the offload
// store (§4.5). fixedBody trees never offload — their Layout guarantees
// a key/value width small enough that MaxInlineKeySize/
// MaxInlineValueSize always cover it (the root layer of a multi-root
// tree, §4.10, is the only fixedBody user and its values are fixed
// 56-byte RootEntry rows).
const (
	tagInline  byte = 0
	tagOffload byte = 1
)

func encodeInlineSlot(raw []byte) []byte {
	buf := make([]byte, 1+len(raw))
	buf[0] = tagInline
	copy(buf[1:], raw)
	return buf
}

func encodeOffloadSlot(id OffloadID) []byte {
	buf := make([]byte, 9)
	buf[0] = tagOffload
	binary.LittleEndian.PutUint64(buf[1:], uint64(id))
	return buf
}

// decodeOffloadTag reports the OffloadID a stored slot carries, if it is
// tagged as offloaded.
func decodeOffloadTag(stored []byte) (OffloadID, bool) {
	if len(stored) == 9 && stored[0] == tagOffload {
		return OffloadID(binary.LittleEndian.Uint64(stored[1:])), true
	}
	return 0, false
}

// resolveSlot returns the logical bytes a stored slot represents,
// following the offload chain if the slot is tagged offloaded.
// fixedBody trees never tag — their slots are raw bytes as-is.
func (t *Tree) resolveSlot(stored []byte) ([]byte, error) {
	if _, isDynamic := t.body.(dynamicBody); !isDynamic {
		return stored, nil
	}
	if id, ok := decodeOffloadTag(stored); ok {
		return t.offload.Get(id)
	}
	if len(stored) == 0 {
		return stored, nil
	}
	return stored[1:], nil
}

// encodeSlot decides, for a dynamicBody tree, whether raw fits inline
// under max, and either wraps it inline or offloads it and returns the
// offload-tagged slot. fixedBody trees store raw, untagged bytes.
func (t *Tree) encodeSlot(raw []byte, max int) ([]byte, error) {
	if _, isDynamic := t.body.(dynamicBody); !isDynamic {
		return raw, nil
	}
	if len(raw) <= max {
		return encodeInlineSlot(raw), nil
	}
	id, err := t.offload.Put(raw)
	if err != nil {
		return nil, err
	}
	return encodeOffloadSlot(id), nil
}

// releaseSlot frees any offload chain a removed slot referenced. A
// no-op for inline slots.
func (t *Tree) releaseSlot(stored []byte) error {
	if _, isDynamic := t.body.(dynamicBody); !isDynamic {
		return nil
	}
	if id, ok := decodeOffloadTag(stored); ok {
		return t.offload.Release(id)
	}
	return nil
}

// compareStoredKey compares a raw search key against a node slot's
// stored (possibly offloaded) key.
func (t *Tree) compareStoredKey(stored []byte, searchKey []byte) (int, error) {
	actual, err := t.resolveSlot(stored)
	if err != nil {
		return 0, err
	}
	return t.layout.CompareKeys(actual, searchKey), nil
}
