package pagefile

import "sync/atomic"

// PageID identifies a page within a PagedFile. Page 0 is reserved for the
// file-level metadata page (see pkg/gbtree/header.go).
type PageID uint64

// page is the in-memory representation of one fixed-size page, cached by
// a PagedFile. Mutation uses a seqlock-style counter (even = stable, odd
// = write in progress) so read cursors can detect a torn read without
// taking a lock: they snapshot the sequence before and after copying the
// bytes out, and retry if it changed or was caught mid-write.
type page struct {
	id     PageID
	data   []byte
	seq    uint64 // atomic
	dirty  int32  // atomic bool
	pinned int32  // atomic ref count
}

func newPage(id PageID, size int) *page {
	return &page{id: id, data: make([]byte, size)}
}

func (p *page) beginWrite() { atomic.AddUint64(&p.seq, 1) }
func (p *page) endWrite()   { atomic.AddUint64(&p.seq, 1) }

func (p *page) loadSeq() uint64 { return atomic.LoadUint64(&p.seq) }

func (p *page) isDirty() bool    { return atomic.LoadInt32(&p.dirty) != 0 }
func (p *page) setDirty(v bool)  { atomic.StoreInt32(&p.dirty, boolToInt32(v)) }
func (p *page) pin()             { atomic.AddInt32(&p.pinned, 1) }
func (p *page) unpin()           { atomic.AddInt32(&p.pinned, -1) }
func (p *page) pinCount() int32  { return atomic.LoadInt32(&p.pinned) }

func boolToInt32(v bool) int32 {
	if v {
		return 1
	}
	return 0
}
