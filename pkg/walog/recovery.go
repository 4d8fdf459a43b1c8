package walog

import (
	"context"
	"fmt"

	"github.com/arbordb/arbor/pkg/arborerr"
)

// RecoveryPredicate decides how far a replay should run: to the end of
// the log (ALL) or up to a bounded cutoff position (§6:
// "recovery_predicate → ALL or a bounded cutoff").
type RecoveryPredicate struct {
	all    bool
	cutoff LogPosition
}

// RecoverAll replays every record in the log.
func RecoverAll() RecoveryPredicate {
	return RecoveryPredicate{all: true}
}

// BoundedRecovery replays only records at or before cutoff, the shape a
// point-in-time or partial recovery needs.
func BoundedRecovery(cutoff LogPosition) RecoveryPredicate {
	return RecoveryPredicate{cutoff: cutoff}
}

func (p RecoveryPredicate) includes(pos LogPosition) bool {
	if p.all {
		return true
	}
	return pos.Offset <= p.cutoff.Offset
}

// ApplyPage installs a recovered page's bytes at pageID/generation onto
// the underlying store.
type ApplyPage func(pageID, generation uint64, data []byte) error

// Replay walks log in order, applying every RecordPageWrite the
// predicate admits, and returns the position of the last applied
// record (§4.9: "replay the transaction log, reapplying writes").
func Replay(log *Log, predicate RecoveryPredicate, apply ApplyPage) (LogPosition, error) {
	var last LogPosition
	seenAny := false

	err := log.ForEach(func(rec Record, pos LogPosition) error {
		if !predicate.includes(pos) {
			return errStopIteration
		}
		if rec.Type == RecordPageWrite {
			if err := apply(rec.PageID, rec.Generation, rec.PageData); err != nil {
				return fmt.Errorf("walog: replay page %d: %w", rec.PageID, err)
			}
		}
		last = pos
		seenAny = true
		return nil
	})
	if err != nil {
		return LogPosition{}, err
	}
	if !seenAny {
		return LogPosition{}, nil
	}
	return last, nil
}

// CleanupPolicy selects when a crash-pointer cleanup pass runs relative
// to recovery finishing (§9: "policy immediate or deferred").
type CleanupPolicy int

const (
	// CleanupImmediate runs the cleanup pass synchronously before Run
	// returns, so the store is guaranteed clean the moment recovery
	// completes.
	CleanupImmediate CleanupPolicy = iota
	// CleanupDeferred launches the cleanup pass in the background and
	// returns immediately; callers that need the guarantee must wait on
	// the returned channel.
	CleanupDeferred
)

// CrashPointerScanner reports whether the page at pageID carries an
// unresolved crash pointer: a slot whose generation exceeds stable but
// whose write never completed. Implementations are layout-specific and
// injected so this package stays agnostic of node internals.
type CrashPointerScanner func(pageID uint64, stable uint64) (bool, error)

// CrashPointerRepairer zeroes the offending slot found by a scanner,
// restoring the page to a single valid generation (§8: "slot B is
// zeroed and readers observe slot A; single-unstable-slot invariant
// holds").
type CrashPointerRepairer func(pageID uint64, stable uint64) error

// Monitor receives progress events for recovery and cleanup (§6
// glossary: "Monitor: receives progress events for checkpointing,
// cleanup, and open").
type Monitor interface {
	OnRecoveryStart()
	OnRecoveryReplayed(pos LogPosition)
	OnCleanupScanned(pageID uint64)
	OnCleanupDone(repaired int)
}

// NoopMonitor implements Monitor with no-op methods, the default when a
// caller doesn't care about progress events.
type NoopMonitor struct{}

func (NoopMonitor) OnRecoveryStart()                  {}
func (NoopMonitor) OnRecoveryReplayed(_ LogPosition)  {}
func (NoopMonitor) OnCleanupScanned(_ uint64)         {}
func (NoopMonitor) OnCleanupDone(_ int)               {}

// CleanupCollector scans a page range for crash pointers left by an
// unfinished write and repairs them, tracking which pages are mid-scan
// so an allocator can refuse to reuse them (§4.9: "the tree must not
// hand out page IDs affected by unfinished cleanup for reuse").
type CleanupCollector struct {
	scan    CrashPointerScanner
	repair  CrashPointerRepairer
	monitor Monitor
	policy  CleanupPolicy

	inProgress map[uint64]struct{}
	done       chan struct{}
	repaired   int
}

// NewCleanupCollector builds a collector using the given scanner and
// repairer. A nil monitor is replaced with NoopMonitor.
func NewCleanupCollector(policy CleanupPolicy, scan CrashPointerScanner, repair CrashPointerRepairer, monitor Monitor) *CleanupCollector {
	if monitor == nil {
		monitor = NoopMonitor{}
	}
	return &CleanupCollector{
		scan:       scan,
		repair:     repair,
		monitor:    monitor,
		policy:     policy,
		inProgress: make(map[uint64]struct{}),
	}
}

// InProgress reports whether pageID is currently being scanned or
// repaired by this collector — the predicate an allocator consults
// before reusing a freed page ID.
func (c *CleanupCollector) InProgress(pageID uint64) bool {
	_, ok := c.inProgress[pageID]
	return ok
}

// Done returns a channel that closes once a deferred Run completes. For
// CleanupImmediate it is already closed by the time Run returns.
func (c *CleanupCollector) Done() <-chan struct{} {
	return c.done
}

// Run scans pages [0, pageCount) for crash pointers against stable and
// repairs every one found. Under CleanupImmediate it runs synchronously
// and returns once finished; under CleanupDeferred it launches a
// goroutine and returns immediately, leaving callers to wait on Done.
// Cancelling ctx stops the scan between pages and reports
// arborerr.ErrCancelled (§5: "cancellation causes the next safe exit
// ... to return with Cancelled").
func (c *CleanupCollector) Run(ctx context.Context, pageCount uint64, stable uint64) error {
	c.done = make(chan struct{})

	switch c.policy {
	case CleanupDeferred:
		go func() {
			defer close(c.done)
			_ = c.runSync(ctx, pageCount, stable)
		}()
		return nil
	default:
		defer close(c.done)
		return c.runSync(ctx, pageCount, stable)
	}
}

func (c *CleanupCollector) runSync(ctx context.Context, pageCount uint64, stable uint64) error {
	for pageID := uint64(0); pageID < pageCount; pageID++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("walog: cleanup cancelled: %w", arborerr.ErrCancelled)
		default:
		}

		c.inProgress[pageID] = struct{}{}
		crashed, err := c.scan(pageID, stable)
		if err != nil {
			delete(c.inProgress, pageID)
			return fmt.Errorf("walog: scan page %d: %w", pageID, err)
		}
		c.monitor.OnCleanupScanned(pageID)

		if crashed {
			if err := c.repair(pageID, stable); err != nil {
				delete(c.inProgress, pageID)
				return fmt.Errorf("walog: repair page %d: %w", pageID, err)
			}
			c.repaired++
		}
		delete(c.inProgress, pageID)
	}
	c.monitor.OnCleanupDone(c.repaired)
	return nil
}

// Repaired reports how many pages the most recent Run call fixed.
func (c *CleanupCollector) Repaired() int {
	return c.repaired
}
