package gbtree

import (
	"testing"

	"github.com/arbordb/arbor/pkg/pagefile"
)

func TestDynamicTreeEncodeSlotTagsInlineVsOffload(t *testing.T) {
	layout := BytesLayout{MaxKey: 64, MaxValue: 4096, MaxInlineKey: 8, MaxInlineValue: 8}
	tree := openTestTree(t, layout)

	small := []byte("short")
	stored, err := tree.encodeSlot(small, layout.MaxInlineValueSize())
	if err != nil {
		t.Fatalf("encodeSlot(small): %v", err)
	}
	if stored[0] != tagInline {
		t.Fatalf("got tag %d for an inline-sized value, want tagInline", stored[0])
	}
	resolved, err := tree.resolveSlot(stored)
	if err != nil {
		t.Fatalf("resolveSlot: %v", err)
	}
	if string(resolved) != string(small) {
		t.Fatalf("resolveSlot = %q, want %q", resolved, small)
	}

	big := make([]byte, 100)
	for i := range big {
		big[i] = byte(i)
	}
	stored, err = tree.encodeSlot(big, layout.MaxInlineValueSize())
	if err != nil {
		t.Fatalf("encodeSlot(big): %v", err)
	}
	if stored[0] != tagOffload {
		t.Fatalf("got tag %d for an oversized value, want tagOffload", stored[0])
	}
	resolved, err = tree.resolveSlot(stored)
	if err != nil {
		t.Fatalf("resolveSlot(offloaded): %v", err)
	}
	if len(resolved) != len(big) {
		t.Fatalf("resolveSlot(offloaded) length = %d, want %d", len(resolved), len(big))
	}

	if err := tree.releaseSlot(stored); err != nil {
		t.Fatalf("releaseSlot: %v", err)
	}
}

func TestFixedBodyTreeNeverTagsSlots(t *testing.T) {
	layout := FixedIntLayout{ValueSize: 16}
	tree, err := Open(":memory:", Options{
		PageSize: pagefile.MinPageSize,
		Layout:   layout,
		BodyKind: FixedBodyKind,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { tree.Close() })

	raw := make([]byte, 16)
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	stored, err := tree.encodeSlot(raw, layout.MaxInlineValueSize())
	if err != nil {
		t.Fatalf("encodeSlot: %v", err)
	}
	if len(stored) != len(raw) {
		t.Fatalf("encodeSlot on a fixedBody tree changed length: got %d, want %d (no tag byte expected)", len(stored), len(raw))
	}
	for i := range raw {
		if stored[i] != raw[i] {
			t.Fatalf("encodeSlot on a fixedBody tree mutated bytes at %d: got %d, want %d", i, stored[i], raw[i])
		}
	}

	resolved, err := tree.resolveSlot(stored)
	if err != nil {
		t.Fatalf("resolveSlot: %v", err)
	}
	if string(resolved) != string(raw) {
		t.Fatalf("resolveSlot = %v, want %v", resolved, raw)
	}
}
