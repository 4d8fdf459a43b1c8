package gbtree

import (
	"testing"

	"github.com/arbordb/arbor/pkg/gen"
)

func newLeafPage(body Body, pageSize int) []byte {
	page := make([]byte, pageSize)
	initHeader(page, NodeLeaf, LayerData, gen.MinGen)
	body.InitLeaf(page)
	return page
}

func newInternalPage(body Body, pageSize int) []byte {
	page := make([]byte, pageSize)
	initHeader(page, NodeInternal, LayerData, gen.MinGen)
	body.InitInternal(page)
	return page
}

func TestDynamicBodyInsertAndDefragPreservesOrder(t *testing.T) {
	body := dynamicBody{}
	page := newLeafPage(body, 512)

	entries := []struct{ key, value string }{
		{"b", "2"}, {"a", "1"}, {"c", "3"},
	}
	pos := 0
	for _, e := range entries {
		if !body.InsertKeyValueAt(page, []byte(e.key), []byte(e.value), pos) {
			t.Fatalf("InsertKeyValueAt(%q) failed", e.key)
		}
		pos++
	}
	if KeyCount(page) != 3 {
		t.Fatalf("KeyCount = %d, want 3", KeyCount(page))
	}

	// tombstone the middle slot, defrag, and confirm the live count and
	// relative order survive (§8: defrag preserves live-slot count and
	// order).
	body.RemoveKeyValueAt(page, 1)
	if body.LiveKeyCount(page) != 2 {
		t.Fatalf("LiveKeyCount after tombstone = %d, want 2", body.LiveKeyCount(page))
	}
	body.DefragmentLeaf(page)
	if KeyCount(page) != 2 {
		t.Fatalf("KeyCount after defrag = %d, want 2", KeyCount(page))
	}
	if string(body.KeyAt(page, 0)) != "b" || string(body.KeyAt(page, 1)) != "c" {
		t.Fatalf("got keys %q, %q after defrag, want b, c", body.KeyAt(page, 0), body.KeyAt(page, 1))
	}
}

func TestDynamicBodyChildGSPIsGenerationSafe(t *testing.T) {
	body := dynamicBody{}
	page := newInternalPage(body, 512)

	var first gen.Pair
	if _, err := first.Write(10, 1, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	setFirstChildGSP(page, first)

	if !body.InsertKeyAndRightChildAt(page, []byte("m"), 20, 1, 0) {
		t.Fatal("InsertKeyAndRightChildAt failed")
	}

	childID, ok := body.ChildAt(page, 0, 1)
	if !ok || childID != 10 {
		t.Fatalf("ChildAt(0) = (%d, %v), want (10, true)", childID, ok)
	}
	childID, ok = body.ChildAt(page, 1, 1)
	if !ok || childID != 20 {
		t.Fatalf("ChildAt(1) = (%d, %v), want (20, true)", childID, ok)
	}

	// A writer at a later generation COW-updates child 1 in place; the
	// GSP protocol must make the new target visible at that generation
	// without disturbing child 0.
	if err := body.SetChildAt(page, 1, 99, 2, 1); err != nil {
		t.Fatalf("SetChildAt: %v", err)
	}
	childID, ok = body.ChildAt(page, 1, 2)
	if !ok || childID != 99 {
		t.Fatalf("ChildAt(1) after SetChildAt at gen 2 = (%d, %v), want (99, true)", childID, ok)
	}
	childID, ok = body.ChildAt(page, 0, 2)
	if !ok || childID != 10 {
		t.Fatalf("ChildAt(0) after sibling's SetChildAt = (%d, %v), want (10, true)", childID, ok)
	}
}

func TestDynamicBodyRemoveKeyAndLeftChildPromotesFirstChild(t *testing.T) {
	body := dynamicBody{}
	page := newInternalPage(body, 512)

	var first gen.Pair
	first.Write(1, 1, 0)
	setFirstChildGSP(page, first)
	body.InsertKeyAndRightChildAt(page, []byte("m"), 2, 1, 0)
	body.InsertKeyAndRightChildAt(page, []byte("z"), 3, 1, 1)

	// Drop the leftmost child (index 0): child 2 (paired with key "m")
	// must be promoted to FirstChild.
	body.RemoveKeyAndLeftChildAt(page, 0)

	if KeyCount(page) != 1 {
		t.Fatalf("KeyCount after RemoveKeyAndLeftChildAt = %d, want 1", KeyCount(page))
	}
	childID, _, ok := FirstChildGSP(page).Read(1)
	if !ok || childID != 2 {
		t.Fatalf("FirstChild after promotion = (%d, %v), want (2, true)", childID, ok)
	}
	if string(body.KeyAt(page, 0)) != "z" {
		t.Fatalf("surviving key = %q, want z", body.KeyAt(page, 0))
	}
}

func TestFixedBodyInsertAndDefragPreservesOrder(t *testing.T) {
	body := fixedBody{keySize: 8, valueSize: 8}
	page := newLeafPage(body, 512)

	keys := [][]byte{[]byte("aaaaaaaa"), []byte("bbbbbbbb"), []byte("cccccccc")}
	for i, k := range keys {
		if !body.InsertKeyValueAt(page, k, k, i) {
			t.Fatalf("InsertKeyValueAt(%d) failed", i)
		}
	}

	body.RemoveKeyValueAt(page, 0)
	if body.LiveKeyCount(page) != 2 {
		t.Fatalf("LiveKeyCount = %d, want 2", body.LiveKeyCount(page))
	}
	body.DefragmentLeaf(page)
	if KeyCount(page) != 2 {
		t.Fatalf("KeyCount after defrag = %d, want 2", KeyCount(page))
	}
	if string(body.KeyAt(page, 0)) != "bbbbbbbb" || string(body.KeyAt(page, 1)) != "cccccccc" {
		t.Fatalf("got %q, %q after defrag", body.KeyAt(page, 0), body.KeyAt(page, 1))
	}
}

func TestFixedBodyChildGSPRoundTrips(t *testing.T) {
	body := fixedBody{keySize: 8, valueSize: 8}
	page := newInternalPage(body, 512)

	var first gen.Pair
	first.Write(5, 1, 0)
	setFirstChildGSP(page, first)
	if !body.InsertKeyAndRightChildAt(page, []byte("11111111"), 6, 1, 0) {
		t.Fatal("InsertKeyAndRightChildAt failed")
	}

	if childID, ok := body.ChildAt(page, 0, 1); !ok || childID != 5 {
		t.Fatalf("ChildAt(0) = (%d, %v), want (5, true)", childID, ok)
	}
	if childID, ok := body.ChildAt(page, 1, 1); !ok || childID != 6 {
		t.Fatalf("ChildAt(1) = (%d, %v), want (6, true)", childID, ok)
	}
}

func TestFixedBodyLeafOverflowReportsNeedDefragBeforeYes(t *testing.T) {
	body := fixedBody{keySize: 8, valueSize: 8}
	pageSize := 512
	page := newLeafPage(body, pageSize)
	capacity := body.capacity(page)

	key := []byte("11111111")
	for i := 0; i < capacity; i++ {
		if !body.InsertKeyValueAt(page, key, key, i) {
			t.Fatalf("InsertKeyValueAt(%d) failed before reaching capacity", i)
		}
	}
	if ov := body.LeafOverflow(page, key, key); ov != OverflowYes {
		t.Fatalf("LeafOverflow at full capacity with no tombstones = %v, want OverflowYes", ov)
	}

	body.RemoveKeyValueAt(page, 0)
	if ov := body.LeafOverflow(page, key, key); ov != OverflowNeedDefrag {
		t.Fatalf("LeafOverflow with one reclaimable tombstone = %v, want OverflowNeedDefrag", ov)
	}
}
