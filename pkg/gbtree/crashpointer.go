package gbtree

import (
	"fmt"

	"github.com/arbordb/arbor/pkg/arborerr"
	"github.com/arbordb/arbor/pkg/gen"
	"github.com/arbordb/arbor/pkg/pagefile"
	"github.com/arbordb/arbor/pkg/walog"
)

// gspFields lists every GSP pair a node header carries, in the order
// the cleanup scanner checks them (§4.9: a crash pointer can surface in
// any sibling link, the successor pointer, or the first-child pointer).
var gspFields = []struct {
	name string
	get  func(page []byte) gen.Pair
	set  func(page []byte, p gen.Pair)
}{
	{"left-sibling", LeftSibling, setLeftSibling},
	{"right-sibling", RightSibling, setRightSibling},
	{"successor", Successor, setSuccessor},
	{"first-child", FirstChildGSP, setFirstChildGSP},
}

// CrashPointerScanner returns a walog.CrashPointerScanner grounded in
// this tree's on-disk page layout: it inspects every GSP pair a node
// header carries, plus (for internal nodes) every in-body child GSP,
// and reports whether any slot holds a generation beyond stable whose
// write never completed.
func (t *Tree) CrashPointerScanner() walog.CrashPointerScanner {
	return func(pageID uint64, stable uint64) (bool, error) {
		_, crashed, err := t.findCrashPointer(pageID, stable)
		if err != nil {
			return false, err
		}
		return crashed, nil
	}
}

// CrashPointerRepairer returns a walog.CrashPointerRepairer that zeroes
// the first crash pointer it finds on a page (§8: "slot B is zeroed and
// readers observe slot A; single-unstable-slot invariant holds").
func (t *Tree) CrashPointerRepairer() walog.CrashPointerRepairer {
	return func(pageID uint64, stable uint64) error {
		return t.repairCrashPointer(pageID, stable)
	}
}

type crashLocation struct {
	header bool   // true: one of the four header GSPs; false: an in-body child slot
	field  int    // index into gspFields, when header is true
	slot   int    // child slot index into the body, when header is false
}

func (t *Tree) findCrashPointer(pageID uint64, stable uint64) (crashLocation, bool, error) {
	cursor, err := t.pf.Pin(pagefile.PageID(pageID), pagefile.Read)
	if err != nil {
		return crashLocation{}, false, fmt.Errorf("gbtree: pin page %d for scan: %w", pageID, err)
	}
	defer cursor.Release()
	page := cursor.Data()

	for i, f := range gspFields {
		if _, crashed := f.get(page).CrashPointer(stable); crashed {
			return crashLocation{header: true, field: i}, true, nil
		}
	}

	if Type(page) == NodeInternal {
		n := KeyCount(page)
		// slot 0 is the header's FirstChildGSP, already checked above;
		// in-body child GSPs are paired with keys 0..n-1 at slots 1..n.
		for slot := 1; slot <= n; slot++ {
			pair, ok := t.body.ChildGSP(page, slot)
			if !ok {
				continue
			}
			if _, crashed := pair.CrashPointer(stable); crashed {
				return crashLocation{header: false, slot: slot}, true, nil
			}
		}
	}
	return crashLocation{}, false, nil
}

func (t *Tree) repairCrashPointer(pageID uint64, stable uint64) error {
	loc, crashed, err := t.findCrashPointer(pageID, stable)
	if err != nil {
		return err
	}
	if !crashed {
		return nil
	}

	cursor, err := t.pf.Pin(pagefile.PageID(pageID), pagefile.Write)
	if err != nil {
		return fmt.Errorf("gbtree: pin page %d for repair: %w", pageID, err)
	}
	defer cursor.Release()
	cursor.BeginWrite()
	defer cursor.EndWrite()
	page := cursor.Data()

	if loc.header {
		f := gspFields[loc.field]
		pair := f.get(page)
		name, crashed := pair.CrashPointer(stable)
		if !crashed {
			return nil
		}
		pair.ZeroSlot(name)
		f.set(page, pair)
		return nil
	}

	pair, ok := t.body.ChildGSP(page, loc.slot)
	if !ok {
		return fmt.Errorf("gbtree: repair page %d: child slot %d vanished: %w", pageID, loc.slot, arborerr.ErrCorruption)
	}
	name, crashed := pair.CrashPointer(stable)
	if !crashed {
		return nil
	}
	pair.ZeroSlot(name)
	if !t.body.SetChildGSP(page, loc.slot, pair) {
		return fmt.Errorf("gbtree: repair page %d: child slot %d vanished: %w", pageID, loc.slot, arborerr.ErrCorruption)
	}
	return nil
}
