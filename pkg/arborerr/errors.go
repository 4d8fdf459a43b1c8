// Package arborerr defines the shared error taxonomy used across the
// paged file, tree, and recovery packages. It is deliberately just a set
// of sentinel errors wrapped with fmt.Errorf("...: %w", ...) at call
// sites — no custom error framework, matching how the rest of this
// module reports failures.
package arborerr

import "errors"

var (
	// ErrIO wraps an underlying page-cache or filesystem failure.
	ErrIO = errors.New("io error")

	// ErrCorruption signals a checksum mismatch or violated on-disk
	// invariant. Fatal for the tree instance that observes it.
	ErrCorruption = errors.New("corruption detected")

	// ErrOutOfBounds signals a page ID beyond the file, or a key that
	// exceeds the maximum inline size with offload disabled.
	ErrOutOfBounds = errors.New("out of bounds")

	// ErrConflict signals a second writer attempted to acquire the
	// single-writer lock.
	ErrConflict = errors.New("writer conflict")

	// ErrReadOnly signals a write, merge, or checkpoint attempted while
	// the store is read-only.
	ErrReadOnly = errors.New("store is read-only")

	// ErrFormatMismatch signals an on-disk format version older than
	// this engine supports without an explicit migration step.
	ErrFormatMismatch = errors.New("on-disk format requires migration")

	// ErrCancelled signals a cancellable operation observed cancellation.
	ErrCancelled = errors.New("operation cancelled")

	// ErrUnableToOpen signals the file is missing, locked by another
	// process, or has an incompatible page size.
	ErrUnableToOpen = errors.New("unable to open")
)

// CorruptionDetail names the page and slot an ErrCorruption diagnostic
// refers to, so callers can surface "page N, slot S" style messages.
type CorruptionDetail struct {
	PageID  uint64
	Slot    string
	Message string
}

func (d *CorruptionDetail) Error() string {
	if d.Slot != "" {
		return "page " + itoa(d.PageID) + " slot " + d.Slot + ": " + d.Message
	}
	return "page " + itoa(d.PageID) + ": " + d.Message
}

func (d *CorruptionDetail) Unwrap() error { return ErrCorruption }

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
