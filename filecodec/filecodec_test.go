package filecodec

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/merkledl/datalayer/dlerrors"
	"github.com/merkledl/datalayer/store"
	"github.com/merkledl/datalayer/treehash"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "dl.sqlite")
	s, err := store.Open(dbPath, store.DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testStoreID(t *testing.T) treehash.Hash {
	t.Helper()
	h, err := treehash.HexToHash("1100000000000000000000000000000000000000000000000000000000cc")
	if err != nil {
		t.Fatalf("HexToHash: %v", err)
	}
	return h
}

func TestWriteFullTreeAndParseRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	storeID := testStoreID(t)
	if err := s.CreateStore(ctx, storeID, store.StatusCommitted); err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		if _, err := s.Autoinsert(ctx, storeID, []byte(kv[0]), []byte(kv[1]), store.StatusCommitted); err != nil {
			t.Fatalf("Autoinsert: %v", err)
		}
	}
	root, err := s.GetTreeRoot(ctx, storeID, nil)
	if err != nil {
		t.Fatalf("GetTreeRoot: %v", err)
	}

	data, err := WriteFullTree(ctx, s, root.NodeHash)
	if err != nil {
		t.Fatalf("WriteFullTree: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected non-empty full-tree file")
	}

	s2 := openTestStore(t)
	storeID2 := testStoreID(t)
	if err := s2.CreateStore(ctx, storeID2, store.StatusCommitted); err != nil {
		t.Fatalf("CreateStore (dst): %v", err)
	}
	parsedRoot, err := Parse(ctx, s2, storeID2, root.NodeHash, data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsedRoot.NodeHash != root.NodeHash {
		t.Fatalf("parsed root %s != original root %s", parsedRoot.NodeHash, root.NodeHash)
	}

	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		got, err := s2.GetValue(ctx, storeID2, []byte(kv[0]))
		if err != nil {
			t.Fatalf("GetValue(%s): %v", kv[0], err)
		}
		if string(got) != kv[1] {
			t.Fatalf("GetValue(%s) = %q, want %q", kv[0], got, kv[1])
		}
	}
}

func TestParseEmptyTree(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	storeID := testStoreID(t)
	if err := s.CreateStore(ctx, storeID, store.StatusCommitted); err != nil {
		t.Fatalf("CreateStore: %v", err)
	}

	root, err := Parse(ctx, s, storeID, treehash.ZeroHash, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !root.NodeHash.IsZero() {
		t.Fatalf("expected zero root for empty file, got %s", root.NodeHash)
	}
}

func TestParseRootHashMismatchRollsBack(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	storeID := testStoreID(t)
	if err := s.CreateStore(ctx, storeID, store.StatusCommitted); err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	before, err := s.Autoinsert(ctx, storeID, []byte("seed"), []byte("v"), store.StatusCommitted)
	if err != nil {
		t.Fatalf("Autoinsert: %v", err)
	}

	data, err := WriteFullTree(ctx, s, before.NodeHash)
	if err != nil {
		t.Fatalf("WriteFullTree: %v", err)
	}

	bogusRoot, err := treehash.HexToHash("ff000000000000000000000000000000000000000000000000000000000000ff")
	if err != nil {
		t.Fatalf("HexToHash: %v", err)
	}

	_, err = Parse(ctx, s, storeID, bogusRoot, data)
	if _, ok := dlerrors.AsRootHashMismatch(err); !ok {
		t.Fatalf("expected RootHashMismatchError, got %v", err)
	}

	after, err := s.GetTreeRoot(ctx, storeID, nil)
	if err != nil {
		t.Fatalf("GetTreeRoot after mismatch: %v", err)
	}
	if after.Generation != before.Generation {
		t.Fatalf("expected rollback to pre-parse generation %d, got %d", before.Generation, after.Generation)
	}
}

func TestFilenameFormat(t *testing.T) {
	storeID := testStoreID(t)
	root, err := treehash.HexToHash("2200000000000000000000000000000000000000000000000000000000dd")
	if err != nil {
		t.Fatalf("HexToHash: %v", err)
	}

	got := Filename(storeID, root, KindFull, 3, false)
	want := storeIDHexNoPrefix(t, storeID) + "-" + rootHexNoPrefix(t, root) + "-full-3-v1.0.dat"
	if got != want {
		t.Fatalf("Filename() = %q, want %q", got, want)
	}

	grouped := Filename(storeID, root, KindDelta, 3, true)
	if grouped == got {
		t.Fatalf("expected grouped filename to differ when group_files_by_store is set")
	}
}

func storeIDHexNoPrefix(t *testing.T, h treehash.Hash) string {
	t.Helper()
	return h.Hex()
}

func rootHexNoPrefix(t *testing.T, h treehash.Hash) string {
	t.Helper()
	return h.Hex()
}
