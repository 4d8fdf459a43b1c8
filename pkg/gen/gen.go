// Package gen implements the generation keeper: the tree-scoped pair of
// monotone generation counters (stable, unstable) that every node and
// every generation-safe pointer is validated against, and the
// generation-safe pointer (GSP) protocol itself (see gsp.go).
//
// Generations are tree-scoped, not process-global — every call site is
// handed an explicit *Keeper rather than reaching for shared state.
package gen

import (
	"fmt"
	"sync"

	"github.com/arbordb/arbor/pkg/arborerr"
)

const (
	// MinGen is the smallest valid generation. 0 is reserved to mean
	// "never written" inside a GSP slot.
	MinGen uint64 = 1
	// MaxGen is the largest valid generation a write may target.
	MaxGen uint64 = 1<<63 - 1
)

// Keeper holds one tree's (stable, unstable) generation pair. unstable
// is the generation new writes are stamped with; stable is the last
// generation a checkpoint made durable. A node with generation ≤ stable
// is immutable.
type Keeper struct {
	mu       sync.RWMutex
	stable   uint64
	unstable uint64
}

// NewKeeper returns a Keeper positioned at the start of a fresh tree:
// stable is MinGen-1's successor-free floor and unstable is MinGen.
func NewKeeper() *Keeper {
	return &Keeper{stable: MinGen - 1, unstable: MinGen}
}

// Restore positions a Keeper at generations recovered from a metadata
// page (used by open/recovery, not fresh-tree creation).
func Restore(stable, unstable uint64) (*Keeper, error) {
	if unstable < stable {
		return nil, fmt.Errorf("gen: unstable %d < stable %d: %w", unstable, stable, arborerr.ErrCorruption)
	}
	return &Keeper{stable: stable, unstable: unstable}, nil
}

// Stable returns the last checkpointed generation.
func (k *Keeper) Stable() uint64 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.stable
}

// Unstable returns the generation in-flight writes are stamped with.
func (k *Keeper) Unstable() uint64 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.unstable
}

// Snapshot returns (stable, unstable) under a single lock acquisition,
// for callers (the seeker) that need a consistent pair.
func (k *Keeper) Snapshot() (stable, unstable uint64) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.stable, k.unstable
}

// Advance performs the generation step of a checkpoint: stable becomes
// the current unstable, and unstable becomes stable+1. Callers must
// hold the tree's writer lock while calling this — it is not itself
// synchronized against concurrent writers.
func (k *Keeper) Advance() (newStable, newUnstable uint64, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.unstable >= MaxGen {
		return 0, 0, fmt.Errorf("gen: advance past MaxGen: %w", arborerr.ErrOutOfBounds)
	}
	k.stable = k.unstable
	k.unstable = k.stable + 1
	return k.stable, k.unstable, nil
}

// SetGeneration pins unstable to an explicit value, used by tests
// exercising the MIN_GEN/MAX_GEN boundary. Fails outside [MinGen, MaxGen].
func (k *Keeper) SetGeneration(g uint64) error {
	if g < MinGen || g > MaxGen {
		return fmt.Errorf("gen: generation %d outside [%d, %d]: %w", g, MinGen, MaxGen, arborerr.ErrOutOfBounds)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.unstable = g
	return nil
}

// Valid reports whether g is a generation a write or a GSP slot may
// legally carry.
func Valid(g uint64) bool { return g >= MinGen && g <= MaxGen }
