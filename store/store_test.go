package store

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/merkledl/datalayer/dlerrors"
	"github.com/merkledl/datalayer/treehash"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "dl.sqlite")
	s, err := Open(dbPath, DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testStoreID(t *testing.T) treehash.Hash {
	t.Helper()
	h, err := treehash.HexToHash("aa110000000000000000000000000000000000000000000000000000000000bb")
	if err != nil {
		t.Fatalf("HexToHash: %v", err)
	}
	return h
}

func TestAutoinsertAndGetValue(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	storeID := testStoreID(t)
	if err := s.CreateStore(ctx, storeID, StatusCommitted); err != nil {
		t.Fatalf("CreateStore: %v", err)
	}

	root, err := s.Autoinsert(ctx, storeID, []byte("alpha"), []byte("1"), StatusCommitted)
	if err != nil {
		t.Fatalf("Autoinsert: %v", err)
	}
	if root.Generation != 1 {
		t.Fatalf("expected generation 1, got %d", root.Generation)
	}

	root, err = s.Autoinsert(ctx, storeID, []byte("beta"), []byte("2"), StatusCommitted)
	if err != nil {
		t.Fatalf("Autoinsert second: %v", err)
	}
	if root.Generation != 2 {
		t.Fatalf("expected generation 2, got %d", root.Generation)
	}

	val, err := s.GetValue(ctx, storeID, []byte("alpha"))
	if err != nil {
		t.Fatalf("GetValue alpha: %v", err)
	}
	if string(val) != "1" {
		t.Fatalf("expected value %q, got %q", "1", val)
	}

	val, err = s.GetValue(ctx, storeID, []byte("beta"))
	if err != nil {
		t.Fatalf("GetValue beta: %v", err)
	}
	if string(val) != "2" {
		t.Fatalf("expected value %q, got %q", "2", val)
	}

	if _, err := s.GetValue(ctx, storeID, []byte("missing")); err == nil {
		t.Fatalf("expected error for missing key")
	}
}

func TestDeleteSingletonTree(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	storeID := testStoreID(t)
	if err := s.CreateStore(ctx, storeID, StatusCommitted); err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	if _, err := s.Autoinsert(ctx, storeID, []byte("only"), []byte("v"), StatusCommitted); err != nil {
		t.Fatalf("Autoinsert: %v", err)
	}

	root, err := s.Delete(ctx, storeID, []byte("only"), StatusCommitted)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !root.NodeHash.IsZero() {
		t.Fatalf("expected empty tree after deleting the only key, got %s", root.NodeHash)
	}
}

// TestDeleteSiblingSubtreePromotedToRootHasNoStaleAncestor covers a delete
// where the surviving sibling promoted straight to root was already an
// internal node under the previous root. buildAncestorTableForRoot must
// still record a fresh NULL-ancestor sentinel for the new root at the new
// generation even though that hash is not new to the tree, shadowing the
// older ancestor row that pointed at the now-gone parent.
func TestDeleteSiblingSubtreePromotedToRootHasNoStaleAncestor(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	storeID := testStoreID(t)
	if err := s.CreateStore(ctx, storeID, StatusCommitted); err != nil {
		t.Fatalf("CreateStore: %v", err)
	}

	rootA, err := s.Autoinsert(ctx, storeID, []byte("a"), []byte("1"), StatusCommitted)
	if err != nil {
		t.Fatalf("Autoinsert a: %v", err)
	}
	leafA := rootA.NodeHash

	rootAB, err := s.Insert(ctx, storeID, []byte("b"), []byte("2"), leafA, SideRight, StatusCommitted)
	if err != nil {
		t.Fatalf("Insert b: %v", err)
	}
	leafB, found, err := s.findTerminalByKey(ctx, rootAB.NodeHash, []byte("b"))
	if err != nil || !found {
		t.Fatalf("findTerminalByKey b: found=%v err=%v", found, err)
	}

	rootABC, err := s.Insert(ctx, storeID, []byte("c"), []byte("3"), leafB, SideRight, StatusCommitted)
	if err != nil {
		t.Fatalf("Insert c: %v", err)
	}

	// rootABC is Internal(leafA, Internal(leafB, leafC)); the right child is
	// already an internal node under the current committed root.
	beforeDelete, err := s.GetNode(ctx, rootABC.NodeHash)
	if err != nil {
		t.Fatalf("GetNode rootABC: %v", err)
	}
	subtreeHash := beforeDelete.Internal.RightHash

	newRoot, err := s.Delete(ctx, storeID, []byte("a"), StatusCommitted)
	if err != nil {
		t.Fatalf("Delete a: %v", err)
	}
	if newRoot.NodeHash != subtreeHash {
		t.Fatalf("expected promoted sibling %s as new root, got %s", subtreeHash, newRoot.NodeHash)
	}

	// The new root has no ancestor: GetAncestorsOptimized must return an
	// empty chain, not a stale hop into the deleted old root.
	optimized, err := s.GetAncestorsOptimized(ctx, newRoot.NodeHash, storeID, newRoot.Generation)
	if err != nil {
		t.Fatalf("GetAncestorsOptimized: %v", err)
	}
	if len(optimized) != 0 {
		t.Fatalf("expected empty ancestor chain for new root, got %d hops: %+v", len(optimized), optimized)
	}
	exhaustive, err := s.GetAncestors(ctx, newRoot.NodeHash, storeID, newRoot.Generation)
	if err != nil {
		t.Fatalf("GetAncestors: %v", err)
	}
	if len(exhaustive) != 0 {
		t.Fatalf("expected empty exhaustive ancestor chain for new root, got %d hops", len(exhaustive))
	}

	// A subsequent mutation under the promoted subtree must not resurrect
	// the deleted branch: upserting "b" should only ever touch leafB/leafC,
	// not the no-longer-existent leafA slot.
	afterUpsert, err := s.Upsert(ctx, storeID, []byte("b"), []byte("20"), StatusCommitted)
	if err != nil {
		t.Fatalf("Upsert b: %v", err)
	}
	val, err := s.GetValue(ctx, storeID, []byte("b"))
	if err != nil {
		t.Fatalf("GetValue b: %v", err)
	}
	if string(val) != "20" {
		t.Fatalf("expected b=20, got %q", val)
	}
	if _, err := s.GetValue(ctx, storeID, []byte("a")); err == nil {
		t.Fatalf("expected key a to remain absent after delete")
	}
	if val, err := s.GetValue(ctx, storeID, []byte("c")); err != nil || string(val) != "3" {
		t.Fatalf("expected c=3 to survive, got val=%q err=%v", val, err)
	}
	_ = afterUpsert
}

// TestInsertWithInternalReferenceIsInvalidReference covers Insert's
// reference-hash validation: a refHash naming an internal node (not a
// terminal) must fail with InvalidReferenceError, not KeyNotFoundError,
// since the key in question may well exist elsewhere in the tree.
func TestInsertWithInternalReferenceIsInvalidReference(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	storeID := testStoreID(t)
	if err := s.CreateStore(ctx, storeID, StatusCommitted); err != nil {
		t.Fatalf("CreateStore: %v", err)
	}

	rootA, err := s.Autoinsert(ctx, storeID, []byte("a"), []byte("1"), StatusCommitted)
	if err != nil {
		t.Fatalf("Autoinsert a: %v", err)
	}
	leafA := rootA.NodeHash
	rootAB, err := s.Insert(ctx, storeID, []byte("b"), []byte("2"), leafA, SideRight, StatusCommitted)
	if err != nil {
		t.Fatalf("Insert b: %v", err)
	}

	// rootAB.NodeHash is now an internal node, not a terminal.
	_, err = s.Insert(ctx, storeID, []byte("c"), []byte("3"), rootAB.NodeHash, SideLeft, StatusCommitted)
	if err == nil {
		t.Fatalf("expected error inserting against an internal reference hash")
	}
	if _, ok := dlerrors.AsInvalidReference(err); !ok {
		t.Fatalf("expected InvalidReferenceError, got %v (%T)", err, err)
	}
	if _, ok := dlerrors.AsKeyNotFound(err); ok {
		t.Fatalf("must not be reported as KeyNotFoundError: %v", err)
	}
}

func TestUpsertSingleGeneration(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	storeID := testStoreID(t)
	if err := s.CreateStore(ctx, storeID, StatusCommitted); err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	if _, err := s.Autoinsert(ctx, storeID, []byte("k1"), []byte("v1"), StatusCommitted); err != nil {
		t.Fatalf("Autoinsert k1: %v", err)
	}
	beforeRoot, err := s.Autoinsert(ctx, storeID, []byte("k2"), []byte("v2"), StatusCommitted)
	if err != nil {
		t.Fatalf("Autoinsert k2: %v", err)
	}

	afterRoot, err := s.Upsert(ctx, storeID, []byte("k1"), []byte("v1-updated"), StatusCommitted)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if afterRoot.Generation != beforeRoot.Generation+1 {
		t.Fatalf("expected exactly one new generation, got %d -> %d", beforeRoot.Generation, afterRoot.Generation)
	}

	val, err := s.GetValue(ctx, storeID, []byte("k1"))
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if string(val) != "v1-updated" {
		t.Fatalf("expected updated value, got %q", val)
	}

	// Upserting with the identical value must not create a new generation.
	sameRoot, err := s.Upsert(ctx, storeID, []byte("k1"), []byte("v1-updated"), StatusCommitted)
	if err != nil {
		t.Fatalf("Upsert no-op: %v", err)
	}
	if sameRoot.Generation != afterRoot.Generation {
		t.Fatalf("expected no new generation on value-identical upsert, got %d -> %d", afterRoot.Generation, sameRoot.Generation)
	}
}

func TestInsertBatchNoChangeError(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	storeID := testStoreID(t)
	if err := s.CreateStore(ctx, storeID, StatusCommitted); err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	if _, err := s.Autoinsert(ctx, storeID, []byte("x"), []byte("1"), StatusCommitted); err != nil {
		t.Fatalf("Autoinsert: %v", err)
	}

	changes := []Change{
		{Action: "insert", Key: []byte("y"), Value: []byte("2")},
		{Action: "delete", Key: []byte("y")},
	}
	_, err := s.InsertBatch(ctx, storeID, changes, StatusCommitted)
	if _, ok := dlerrors.AsNoChange(err); !ok {
		t.Fatalf("expected NoChangeError, got %v", err)
	}
}

func TestInsertBatchSingleGeneration(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	storeID := testStoreID(t)
	if err := s.CreateStore(ctx, storeID, StatusCommitted); err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	before, err := s.Autoinsert(ctx, storeID, []byte("seed"), []byte("v"), StatusCommitted)
	if err != nil {
		t.Fatalf("Autoinsert: %v", err)
	}

	changes := []Change{
		{Action: "insert", Key: []byte("a"), Value: []byte("1")},
		{Action: "insert", Key: []byte("b"), Value: []byte("2")},
		{Action: "upsert", Key: []byte("seed"), Value: []byte("v2")},
	}
	after, err := s.InsertBatch(ctx, storeID, changes, StatusCommitted)
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if after.Generation != before.Generation+1 {
		t.Fatalf("expected exactly one new generation for the whole batch, got %d -> %d", before.Generation, after.Generation)
	}

	for _, kv := range []struct{ k, v string }{{"a", "1"}, {"b", "2"}, {"seed", "v2"}} {
		got, err := s.GetValue(ctx, storeID, []byte(kv.k))
		if err != nil {
			t.Fatalf("GetValue(%s): %v", kv.k, err)
		}
		if string(got) != kv.v {
			t.Fatalf("GetValue(%s) = %q, want %q", kv.k, got, kv.v)
		}
	}
}

func TestGetKVDiff(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	storeID := testStoreID(t)
	if err := s.CreateStore(ctx, storeID, StatusCommitted); err != nil {
		t.Fatalf("CreateStore: %v", err)
	}

	rootA, err := s.Autoinsert(ctx, storeID, []byte("common"), []byte("same"), StatusCommitted)
	if err != nil {
		t.Fatalf("Autoinsert common: %v", err)
	}
	rootA, err = s.Autoinsert(ctx, storeID, []byte("only-a"), []byte("a-val"), StatusCommitted)
	if err != nil {
		t.Fatalf("Autoinsert only-a: %v", err)
	}

	rootB, err := s.Delete(ctx, storeID, []byte("only-a"), StatusCommitted)
	if err != nil {
		t.Fatalf("Delete only-a: %v", err)
	}
	rootB, err = s.Autoinsert(ctx, storeID, []byte("only-b"), []byte("b-val"), StatusCommitted)
	if err != nil {
		t.Fatalf("Autoinsert only-b: %v", err)
	}

	diff, err := s.GetKVDiff(ctx, rootA.NodeHash, rootB.NodeHash)
	if err != nil {
		t.Fatalf("GetKVDiff: %v", err)
	}
	if len(diff) != 2 {
		t.Fatalf("expected 2 diff entries, got %d: %+v", len(diff), diff)
	}

	var sawDeleteA, sawInsertB bool
	for _, d := range diff {
		switch {
		case d.Type == OperationDelete && string(d.Key) == "only-a":
			sawDeleteA = true
		case d.Type == OperationInsert && string(d.Key) == "only-b":
			sawInsertB = true
		}
	}
	if !sawDeleteA || !sawInsertB {
		t.Fatalf("diff missing expected entries: %+v", diff)
	}
}

func TestGetKVDiffEmptyTree(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	storeID := testStoreID(t)
	if err := s.CreateStore(ctx, storeID, StatusCommitted); err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	root, err := s.Autoinsert(ctx, storeID, []byte("k"), []byte("v"), StatusCommitted)
	if err != nil {
		t.Fatalf("Autoinsert: %v", err)
	}

	diff, err := s.GetKVDiff(ctx, treehash.ZeroHash, root.NodeHash)
	if err != nil {
		t.Fatalf("GetKVDiff: %v", err)
	}
	if len(diff) != 1 || diff[0].Type != OperationInsert {
		t.Fatalf("expected a single insert against the empty tree, got %+v", diff)
	}
}

func TestGetKVDiffUnknownRoot(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	bogus, err := treehash.HexToHash("ff000000000000000000000000000000000000000000000000000000000000ff")
	if err != nil {
		t.Fatalf("HexToHash: %v", err)
	}

	_, err = s.GetKVDiff(ctx, treehash.ZeroHash, bogus)
	if _, ok := dlerrors.AsUnknownRoot(err); !ok {
		t.Fatalf("expected UnknownRootError, got %v", err)
	}
}

func TestCheckIntegrityCleanStore(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	storeID := testStoreID(t)
	if err := s.CreateStore(ctx, storeID, StatusCommitted); err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	for i, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}, {"d", "4"}} {
		if _, err := s.Autoinsert(ctx, storeID, []byte(kv[0]), []byte(kv[1]), StatusCommitted); err != nil {
			t.Fatalf("Autoinsert %d: %v", i, err)
		}
	}

	problems, err := s.CheckIntegrity(ctx)
	if err != nil {
		t.Fatalf("CheckIntegrity: %v", err)
	}
	if len(problems) != 0 {
		t.Fatalf("expected a clean store, got problems: %v", problems)
	}
}

func TestGetAncestorsOptimizedMatchesExhaustive(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	storeID := testStoreID(t)
	if err := s.CreateStore(ctx, storeID, StatusCommitted); err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	var last treehash.Hash
	for i, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}, {"d", "4"}, {"e", "5"}} {
		root, err := s.Autoinsert(ctx, storeID, []byte(kv[0]), []byte(kv[1]), StatusCommitted)
		if err != nil {
			t.Fatalf("Autoinsert %d: %v", i, err)
		}
		last = root.NodeHash
		_ = root
	}

	leafHash, found, err := s.findTerminalByKey(ctx, last, []byte("c"))
	if err != nil {
		t.Fatalf("findTerminalByKey: %v", err)
	}
	if !found {
		t.Fatalf("expected key c to be found")
	}

	finalRoot, err := s.GetTreeRoot(ctx, storeID, nil)
	if err != nil {
		t.Fatalf("GetTreeRoot: %v", err)
	}

	optimized, err := s.GetAncestorsOptimized(ctx, leafHash, storeID, finalRoot.Generation)
	if err != nil {
		t.Fatalf("GetAncestorsOptimized: %v", err)
	}
	exhaustive, err := s.GetAncestors(ctx, leafHash, storeID, finalRoot.Generation)
	if err != nil {
		t.Fatalf("GetAncestors: %v", err)
	}
	if len(optimized) != len(exhaustive) {
		t.Fatalf("ancestor chain length mismatch: optimized=%d exhaustive=%d", len(optimized), len(exhaustive))
	}
	for i := range optimized {
		if optimized[i].LeftHash != exhaustive[i].LeftHash || optimized[i].RightHash != exhaustive[i].RightHash {
			t.Fatalf("ancestor chain mismatch at %d: %+v vs %+v", i, optimized[i], exhaustive[i])
		}
	}
}

func TestGetKeysValuesOrdering(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	storeID := testStoreID(t)
	if err := s.CreateStore(ctx, storeID, StatusCommitted); err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	want := map[string]string{}
	for _, kv := range [][2]string{{"k1", "v1"}, {"k2", "v2"}, {"k3", "v3"}} {
		if _, err := s.Autoinsert(ctx, storeID, []byte(kv[0]), []byte(kv[1]), StatusCommitted); err != nil {
			t.Fatalf("Autoinsert: %v", err)
		}
		want[kv[0]] = kv[1]
	}

	kvs, err := s.GetKeysValues(ctx, storeID, nil)
	if err != nil {
		t.Fatalf("GetKeysValues: %v", err)
	}
	if len(kvs) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(kvs))
	}
	for _, kv := range kvs {
		if want[string(kv.Key)] != string(kv.Value) {
			t.Fatalf("unexpected entry %s=%s", kv.Key, kv.Value)
		}
	}
}

// TestAutoinsertBalance exercises the leaf-placement rule over 2000 random
// keys: spec.md §8 requires every leaf depth <= 14 and a mean depth in
// [11, 12]. Keys/values are derived from a counter run through sha256
// rather than math/rand so the fixture is reproducible across runs without
// pulling in an RNG seed.
func TestAutoinsertBalance(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	storeID := testStoreID(t)
	if err := s.CreateStore(ctx, storeID, StatusCommitted); err != nil {
		t.Fatalf("CreateStore: %v", err)
	}

	const n = 2000
	keys := make([][]byte, n)
	for i := 0; i < n; i++ {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(i))
		digest := sha256.Sum256(buf[:])
		key := append([]byte(nil), digest[:16]...)
		value := append([]byte(nil), digest[16:]...)
		keys[i] = key
		if _, err := s.Autoinsert(ctx, storeID, key, value, StatusCommitted); err != nil {
			t.Fatalf("Autoinsert %d: %v", i, err)
		}
	}

	root, err := s.GetTreeRoot(ctx, storeID, nil)
	if err != nil {
		t.Fatalf("GetTreeRoot: %v", err)
	}

	var totalDepth int
	for i, key := range keys {
		leafHash, found, err := s.FindLeafHash(ctx, storeID, key)
		if err != nil || !found {
			t.Fatalf("FindLeafHash %d: found=%v err=%v", i, found, err)
		}
		ancestors, err := s.GetAncestorsOptimized(ctx, leafHash, storeID, root.Generation)
		if err != nil {
			t.Fatalf("GetAncestorsOptimized %d: %v", i, err)
		}
		depth := len(ancestors)
		if depth > 14 {
			t.Fatalf("leaf %d at depth %d exceeds the maximum of 14", i, depth)
		}
		totalDepth += depth
	}

	mean := float64(totalDepth) / float64(n)
	if mean < 11 || mean > 12 {
		t.Fatalf("mean leaf depth %.3f outside [11, 12]", mean)
	}
}

func TestDeleteStoreDataRemovesUnsharedNodes(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	storeID := testStoreID(t)
	if err := s.CreateStore(ctx, storeID, StatusCommitted); err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	if _, err := s.Autoinsert(ctx, storeID, []byte("k"), []byte("v"), StatusCommitted); err != nil {
		t.Fatalf("Autoinsert: %v", err)
	}

	if err := s.DeleteStoreData(ctx, storeID); err != nil {
		t.Fatalf("DeleteStoreData: %v", err)
	}
	exists, err := s.StoreIDExists(ctx, storeID)
	if err != nil {
		t.Fatalf("StoreIDExists: %v", err)
	}
	if exists {
		t.Fatalf("expected store to be gone after DeleteStoreData")
	}
}
