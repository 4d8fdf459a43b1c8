package pagefile

// Mode selects the access mode a Cursor is pinned in.
type Mode int

const (
	// Read cursors take no lock; they detect torn reads via ShouldRetry
	// instead and must be prepared to re-read.
	Read Mode = iota
	// Write cursors serialize writes to the same page. Ordering between
	// write cursors on different pages is not guaranteed by the paged
	// file — callers (the tree writer) enforce that via generations.
	Write
)

// Cursor is a scoped acquisition of one page, bound to one logical I/O
// activity. It must be released on every exit path.
type Cursor struct {
	pf     *PagedFile
	pg     *page
	mode   Mode
	seqLo  uint64 // sequence observed before the read copy, Read mode only
	buf    []byte // private copy handed to the caller for Read mode
	closed bool
}

// PageID returns the page this cursor is pinned to.
func (c *Cursor) PageID() PageID { return c.pg.id }

// Data returns the bytes backing this cursor. For a Read cursor this is
// a private snapshot copy; callers must call ShouldRetry after reading
// it. For a Write cursor it is the live page buffer — mutations are
// visible to the PagedFile immediately and become durable at Sync/Flush.
func (c *Cursor) Data() []byte {
	if c.mode == Read {
		return c.buf
	}
	return c.pg.data
}

// BeginWrite marks the start of a mutation on a Write cursor's page,
// flipping its sequence counter to odd so concurrent Read cursors detect
// the in-flight write. Callers must pair it with EndWrite.
func (c *Cursor) BeginWrite() {
	if c.mode != Write {
		return
	}
	c.pg.beginWrite()
	c.pg.setDirty(true)
}

// EndWrite closes out a mutation started with BeginWrite.
func (c *Cursor) EndWrite() {
	if c.mode != Write {
		return
	}
	c.pg.endWrite()
}

// ShouldRetry reports whether a Read cursor's snapshot may be torn and
// must be re-read. Write cursors never need a retry.
func (c *Cursor) ShouldRetry() bool {
	if c.mode != Read {
		return false
	}
	if c.seqLo%2 != 0 {
		return true
	}
	return c.pg.loadSeq() != c.seqLo
}

// Reread refreshes a Read cursor's private snapshot from the live page
// and resets the retry window. Call after ShouldRetry reports true.
func (c *Cursor) Reread() {
	if c.mode != Read {
		return
	}
	for {
		seq := c.pg.loadSeq()
		if seq%2 != 0 {
			continue // write in flight, spin
		}
		buf := make([]byte, len(c.pg.data))
		copy(buf, c.pg.data)
		if c.pg.loadSeq() == seq {
			c.buf = buf
			c.seqLo = seq
			return
		}
	}
}

// Next advances the cursor to the page immediately after its current
// one, releasing the old pin and acquiring a new one in the same mode.
// Returns false once it would advance past the file's high-water mark.
func (c *Cursor) Next() (bool, error) {
	nextID := c.pg.id + 1
	if uint64(nextID) >= c.pf.PageCount() {
		return false, nil
	}
	mode := c.mode
	if err := c.Release(); err != nil {
		return false, err
	}
	moved, err := c.pf.Pin(nextID, mode)
	if err != nil {
		return false, err
	}
	*c = *moved
	return true, nil
}

// Duplicate returns a sibling cursor pinned to the same page in the
// same mode.
func (c *Cursor) Duplicate() (*Cursor, error) {
	return c.pf.Pin(c.pg.id, c.mode)
}

// Release unpins the cursor. Safe to call more than once.
func (c *Cursor) Release() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.pg.unpin()
	c.pf.tracer.recordUnpin()
	return nil
}
