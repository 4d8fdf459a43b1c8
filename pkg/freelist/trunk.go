// Package freelist implements the tree's page ID allocator: fresh page
// IDs extend the file; released IDs go through buffered reuse gated by
// a "safe to free" predicate tied to generations, so a page is never
// handed back out while a reader might still be observing it.
package freelist

import "encoding/binary"

// trunkHeaderSize is (next trunk page ID: 8 bytes) + (entry count: 4 bytes).
const trunkHeaderSize = 12

// trunkEntrySize is (page ID: 8 bytes) + (release generation: 8 bytes).
const trunkEntrySize = 16

// entry is one buffered free page ID, tagged with the generation that
// was unstable when it was released.
type entry struct {
	PageID     uint64
	ReleaseGen uint64
}

// trunkPage is one page of the on-disk buffered free list: a chain of
// trunk pages, each holding as many entries as fit, following SQLite's
// trunk/leaf freelist layout but carrying a release generation per
// entry so reuse eligibility survives a restart.
type trunkPage struct {
	Next    uint64 // page ID of the next trunk, 0 if this is the last
	Entries []entry
}

// maxEntriesPerTrunk returns how many entries fit in one trunk page of
// the given size.
func maxEntriesPerTrunk(pageSize int) int {
	return (pageSize - trunkHeaderSize) / trunkEntrySize
}

func (t *trunkPage) encode(data []byte) {
	binary.LittleEndian.PutUint64(data[0:8], t.Next)
	binary.LittleEndian.PutUint32(data[8:12], uint32(len(t.Entries)))
	for i, e := range t.Entries {
		off := trunkHeaderSize + i*trunkEntrySize
		binary.LittleEndian.PutUint64(data[off:off+8], e.PageID)
		binary.LittleEndian.PutUint64(data[off+8:off+16], e.ReleaseGen)
	}
}

func decodeTrunkPage(data []byte) trunkPage {
	next := binary.LittleEndian.Uint64(data[0:8])
	count := binary.LittleEndian.Uint32(data[8:12])
	entries := make([]entry, 0, count)
	for i := uint32(0); i < count; i++ {
		off := trunkHeaderSize + int(i)*trunkEntrySize
		entries = append(entries, entry{
			PageID:     binary.LittleEndian.Uint64(data[off : off+8]),
			ReleaseGen: binary.LittleEndian.Uint64(data[off+8 : off+16]),
		})
	}
	return trunkPage{Next: next, Entries: entries}
}
