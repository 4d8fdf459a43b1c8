package pagefile

import "sync/atomic"

// Tracer counts pins, unpins, and cache hits across cursors obtained from
// a single PagedFile. Tests assert pins == unpins after every top-level
// tree operation, and hits <= pins.
type Tracer struct {
	pins   int64
	unpins int64
	hits   int64
}

func (t *Tracer) recordPin()   { atomic.AddInt64(&t.pins, 1) }
func (t *Tracer) recordUnpin() { atomic.AddInt64(&t.unpins, 1) }
func (t *Tracer) recordHit()   { atomic.AddInt64(&t.hits, 1) }

// Pins returns the total number of cursors pinned.
func (t *Tracer) Pins() int64 { return atomic.LoadInt64(&t.pins) }

// Unpins returns the total number of cursors released.
func (t *Tracer) Unpins() int64 { return atomic.LoadInt64(&t.unpins) }

// Hits returns the number of pins satisfied from the page cache without
// a storage read.
func (t *Tracer) Hits() int64 { return atomic.LoadInt64(&t.hits) }

// Balanced reports whether every pin has been matched by an unpin —
// the invariant every top-level operation must leave true.
func (t *Tracer) Balanced() bool { return t.Pins() == t.Unpins() }
