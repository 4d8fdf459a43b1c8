package gbtree

import (
	"testing"

	"github.com/arbordb/arbor/pkg/gen"
	"github.com/arbordb/arbor/pkg/pagefile"
)

// rootPageID reads the tree's current root pointer under its own lock,
// resolved at the tree's current unstable generation.
func rootPageID(t *testing.T, tree *Tree) uint64 {
	t.Helper()
	tree.rootMu.RLock()
	root := tree.root
	tree.rootMu.RUnlock()
	id, _, ok := root.Read(tree.keeper.Unstable())
	if !ok {
		t.Fatal("tree root GSP resolved to NO_NODE")
	}
	return id
}

// injectCrashPointer writes a generation-safe pointer into pageID's
// right-sibling slot whose generation exceeds stable, the exact shape
// §8's scenario describes: "inject a crashed write (slot B has
// generation > stable, slot A is the pre-write value)".
func injectCrashPointer(t *testing.T, tree *Tree, pageID uint64, stable uint64) {
	t.Helper()
	cursor, err := tree.pf.Pin(pagefile.PageID(pageID), pagefile.Write)
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	defer cursor.Release()
	cursor.BeginWrite()
	defer cursor.EndWrite()
	page := cursor.Data()

	var pair gen.Pair
	if _, err := pair.Write(777, stable+50, stable); err != nil {
		t.Fatalf("Pair.Write: %v", err)
	}
	setRightSibling(page, pair)
}

func TestCrashPointerScannerDetectsInjectedCrash(t *testing.T) {
	tree := openTestTree(t, bytesLayout())
	putOne(t, tree, []byte("k"), []byte("v"))

	pageID := rootPageID(t, tree)
	stable := tree.keeper.Stable()

	scan := tree.CrashPointerScanner()
	crashed, err := scan(pageID, stable)
	if err != nil {
		t.Fatalf("scan (before injection): %v", err)
	}
	if crashed {
		t.Fatal("scanner reported a crash pointer before one was injected")
	}

	injectCrashPointer(t, tree, pageID, stable)

	crashed, err = scan(pageID, stable)
	if err != nil {
		t.Fatalf("scan (after injection): %v", err)
	}
	if !crashed {
		t.Fatal("scanner did not detect the injected crash pointer")
	}
}

func TestCrashPointerRepairerZeroesSlotAndScannerGoesClean(t *testing.T) {
	tree := openTestTree(t, bytesLayout())
	putOne(t, tree, []byte("k"), []byte("v"))

	pageID := rootPageID(t, tree)
	stable := tree.keeper.Stable()
	injectCrashPointer(t, tree, pageID, stable)

	scan := tree.CrashPointerScanner()
	repair := tree.CrashPointerRepairer()

	crashed, err := scan(pageID, stable)
	if err != nil || !crashed {
		t.Fatalf("scan before repair = (%v, %v), want (true, nil)", crashed, err)
	}

	if err := repair(pageID, stable); err != nil {
		t.Fatalf("repair: %v", err)
	}

	crashed, err = scan(pageID, stable)
	if err != nil {
		t.Fatalf("scan after repair: %v", err)
	}
	if crashed {
		t.Fatal("scanner still reports a crash pointer after repair")
	}

	// The repair must not have disturbed the node's live data.
	keys, values := seekAll(t, tree)
	if len(keys) != 1 || keys[0] != "k" || values[0] != "v" {
		t.Fatalf("got keys=%v values=%v after repair, want the original entry intact", keys, values)
	}
}

func TestCrashPointerRepairerIsNoopWhenNothingCrashed(t *testing.T) {
	tree := openTestTree(t, bytesLayout())
	putOne(t, tree, []byte("k"), []byte("v"))

	pageID := rootPageID(t, tree)
	stable := tree.keeper.Stable()

	if err := tree.CrashPointerRepairer()(pageID, stable); err != nil {
		t.Fatalf("repair on a clean page: %v", err)
	}
	keys, values := seekAll(t, tree)
	if len(keys) != 1 || keys[0] != "k" || values[0] != "v" {
		t.Fatalf("got keys=%v values=%v, want the original entry intact", keys, values)
	}
}
