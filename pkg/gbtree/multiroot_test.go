package gbtree

import (
	"testing"

	"github.com/arbordb/arbor/pkg/pagefile"
)

func openMultiRoot(t *testing.T) *MultiRoot {
	t.Helper()
	mr, err := OpenMultiRoot(":memory:", Options{PageSize: pagefile.MinPageSize})
	if err != nil {
		t.Fatalf("OpenMultiRoot: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	return mr
}

func bytesSubtree() SubtreeConfig {
	return SubtreeConfig{
		BodyKind: DynamicBodyKind,
		Layout:   BytesLayout{MaxKey: 64, MaxValue: 256, MaxInlineKey: 24, MaxInlineValue: 24},
	}
}

func TestMultiRootSubtreesAreIndependent(t *testing.T) {
	mr := openMultiRoot(t)

	a, err := mr.Open(1, bytesSubtree())
	if err != nil {
		t.Fatalf("Open(1): %v", err)
	}
	b, err := mr.Open(2, bytesSubtree())
	if err != nil {
		t.Fatalf("Open(2): %v", err)
	}

	putOne(t, a, []byte("k"), []byte("tree-a"))
	putOne(t, b, []byte("k"), []byte("tree-b"))

	keysA, valuesA := seekAll(t, a)
	keysB, valuesB := seekAll(t, b)

	if len(keysA) != 1 || valuesA[0] != "tree-a" {
		t.Fatalf("subtree 1: got keys=%v values=%v", keysA, valuesA)
	}
	if len(keysB) != 1 || valuesB[0] != "tree-b" {
		t.Fatalf("subtree 2: got keys=%v values=%v", keysB, valuesB)
	}
}

func TestMultiRootOpenSameNameReturnsSameTree(t *testing.T) {
	mr := openMultiRoot(t)

	first, err := mr.Open(7, bytesSubtree())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	putOne(t, first, []byte("only"), []byte("value"))

	second, err := mr.Open(7, bytesSubtree())
	if err != nil {
		t.Fatalf("Open (again): %v", err)
	}
	if first != second {
		t.Fatal("Open(7) twice returned different *Tree instances for the same name")
	}

	keys, values := seekAll(t, second)
	if len(keys) != 1 || keys[0] != "only" || values[0] != "value" {
		t.Fatalf("got keys=%v values=%v, want the entry written through the first handle", keys, values)
	}
}

func TestMultiRootCheckpointPersistsAcrossReopen(t *testing.T) {
	path := t.TempDir() + "/multi.db"

	mr, err := OpenMultiRoot(path, Options{PageSize: pagefile.MinPageSize})
	if err != nil {
		t.Fatalf("OpenMultiRoot: %v", err)
	}
	sub, err := mr.Open(42, bytesSubtree())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	putOne(t, sub, []byte("durable"), []byte("yes"))
	if err := mr.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := mr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenMultiRoot(path, Options{PageSize: pagefile.MinPageSize})
	if err != nil {
		t.Fatalf("OpenMultiRoot (reopen): %v", err)
	}
	defer reopened.Close()

	resumed, err := reopened.Open(42, bytesSubtree())
	if err != nil {
		t.Fatalf("Open (reopen): %v", err)
	}
	keys, values := seekAll(t, resumed)
	if len(keys) != 1 || keys[0] != "durable" || values[0] != "yes" {
		t.Fatalf("got keys=%v values=%v, want the checkpointed subtree entry to survive reopen", keys, values)
	}
}

func TestMultiRootUnopenedNameStartsEmpty(t *testing.T) {
	mr := openMultiRoot(t)
	sub, err := mr.Open(99, bytesSubtree())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	keys, _ := seekAll(t, sub)
	if len(keys) != 0 {
		t.Fatalf("got %d keys for a never-before-opened name, want 0", len(keys))
	}
}
