package gbtree

import (
	"encoding/binary"
	"fmt"

	"github.com/arbordb/arbor/pkg/arborerr"
	"github.com/arbordb/arbor/pkg/freelist"
	"github.com/arbordb/arbor/pkg/pagefile"
)

// offloadHeaderSize is (next overflow page ID: 8 bytes) + (payload
// length in this page: 4 bytes).
const offloadHeaderSize = 12

// OffloadID is the opaque token a node stores in a slot instead of an
// oversized key or value's bytes. Its only meaningful operation is
// round-tripping through the OffloadStore it came from.
type OffloadID uint64

// OffloadStore holds keys and values too large for a node's per-slot
// budget in a chain of overflow pages, writing only this opaque ID
// inline. Offload pages participate in the same paged-file cursor
// discipline as tree nodes, but not in the GSP/generation protocol —
// they are written once and never mutated in place.
type OffloadStore struct {
	pf    *pagefile.PagedFile
	alloc *freelist.Allocator
}

// NewOffloadStore returns a store writing overflow chains through pf,
// allocating pages via alloc.
func NewOffloadStore(pf *pagefile.PagedFile, alloc *freelist.Allocator) *OffloadStore {
	return &OffloadStore{pf: pf, alloc: alloc}
}

// Put writes data across as many overflow pages as needed and returns
// the ID of the chain's head page.
func (o *OffloadStore) Put(data []byte) (OffloadID, error) {
	pageSize := o.pf.PageSize()
	chunkSize := pageSize - offloadHeaderSize
	if chunkSize <= 0 {
		return 0, fmt.Errorf("offload: page size too small for an overflow chunk: %w", arborerr.ErrOutOfBounds)
	}

	var chunks [][]byte
	for start := 0; start < len(data); start += chunkSize {
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[start:end])
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}

	var next uint64
	var headID pagefile.PageID
	for i := len(chunks) - 1; i >= 0; i-- {
		id, err := o.alloc.Acquire()
		if err != nil {
			return 0, fmt.Errorf("offload: put: %w", err)
		}
		cur, err := o.pf.Pin(id, pagefile.Write)
		if err != nil {
			return 0, fmt.Errorf("offload: put: %w", err)
		}
		cur.BeginWrite()
		binary.LittleEndian.PutUint64(cur.Data()[0:8], next)
		binary.LittleEndian.PutUint32(cur.Data()[8:12], uint32(len(chunks[i])))
		copy(cur.Data()[offloadHeaderSize:], chunks[i])
		cur.EndWrite()
		if err := cur.Release(); err != nil {
			return 0, err
		}

		next = uint64(id)
		headID = id
	}

	return OffloadID(headID), nil
}

// Get follows id's chain and returns the reassembled bytes.
func (o *OffloadStore) Get(id OffloadID) ([]byte, error) {
	if !o.Validate(id) {
		return nil, fmt.Errorf("offload: %w", arborerr.ErrOutOfBounds)
	}

	var out []byte
	next := uint64(id)
	for next != 0 || len(out) == 0 {
		cur, err := o.pf.Pin(pagefile.PageID(next), pagefile.Read)
		if err != nil {
			return nil, fmt.Errorf("offload: get: %w", err)
		}
		var buf []byte
		for {
			buf = cur.Data()
			if !cur.ShouldRetry() {
				break
			}
			cur.Reread()
		}
		length := binary.LittleEndian.Uint32(buf[8:12])
		out = append(out, buf[offloadHeaderSize:offloadHeaderSize+length]...)
		follow := binary.LittleEndian.Uint64(buf[0:8])
		cur.Release()

		if follow == 0 {
			break
		}
		next = follow
	}
	return out, nil
}

// Release frees every page in id's chain back to the allocator. Callers
// must ensure no reader can still reach id (the same discipline the
// allocator enforces for tree nodes).
func (o *OffloadStore) Release(id OffloadID) error {
	next := uint64(id)
	for next != 0 {
		cur, err := o.pf.Pin(pagefile.PageID(next), pagefile.Read)
		if err != nil {
			return fmt.Errorf("offload: release: %w", err)
		}
		follow := binary.LittleEndian.Uint64(cur.Data()[0:8])
		cur.Release()

		o.alloc.Release(pagefile.PageID(next))
		next = follow
	}
	return nil
}

// Validate reports whether id refers to a page within the file's
// current bounds — the injected validator the offload store uses
// before following a chain.
func (o *OffloadStore) Validate(id OffloadID) bool {
	return uint64(id) < o.pf.PageCount()
}
