package dlsync_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/merkledl/datalayer/dlsync"
	"github.com/merkledl/datalayer/store"
	"github.com/merkledl/datalayer/subscription"
	"github.com/merkledl/datalayer/treehash"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.sqlite"), store.DefaultConfig())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestRegistry(t *testing.T) *subscription.Registry {
	t.Helper()
	dir := t.TempDir()
	r, err := subscription.Open(filepath.Join(dir, "subs.sqlite"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// fakeWallet stands in for the on-chain wallet: it reports whatever history
// has been recorded for a store via record.
type fakeWallet struct {
	history map[treehash.Hash][]dlsync.HistoryEntry
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{history: map[treehash.Hash][]dlsync.HistoryEntry{}}
}

func (w *fakeWallet) record(storeID treehash.Hash, gen uint32, root treehash.Hash) {
	w.history[storeID] = append(w.history[storeID], dlsync.HistoryEntry{Generation: gen, RootHash: root})
}

func (w *fakeWallet) LatestSingleton(ctx context.Context, storeID treehash.Hash) (dlsync.SingletonState, bool, error) {
	h := w.history[storeID]
	if len(h) == 0 {
		return dlsync.SingletonState{}, false, nil
	}
	last := h[len(h)-1]
	return dlsync.SingletonState{Generation: last.Generation, RootHash: last.RootHash}, true, nil
}

func (w *fakeWallet) History(ctx context.Context, storeID treehash.Hash, fromGen uint32) ([]dlsync.HistoryEntry, error) {
	var out []dlsync.HistoryEntry
	for _, e := range w.history[storeID] {
		if e.Generation > fromGen {
			out = append(out, e)
		}
	}
	return out, nil
}

func (w *fakeWallet) Track(ctx context.Context, storeID treehash.Hash) error         { return nil }
func (w *fakeWallet) StopTracking(ctx context.Context, storeID treehash.Hash) error { return nil }

// publishGenerations commits five generations of single-key inserts on src,
// uploads a delta file per generation into uploadDir via FilesystemUploader,
// and records each generation's root with wallet.
func publishGenerations(t *testing.T, ctx context.Context, src *store.Store, storeID treehash.Hash, uploadDir string, wallet *fakeWallet) {
	t.Helper()
	if err := src.CreateStore(ctx, storeID, store.StatusCommitted); err != nil {
		t.Fatalf("create store: %v", err)
	}
	uploader := dlsync.FilesystemUploader{Source: src}
	for i := byte(1); i <= 5; i++ {
		root, err := src.Autoinsert(ctx, storeID, []byte{i}, []byte{i, i}, store.StatusCommitted)
		if err != nil {
			t.Fatalf("autoinsert gen %d: %v", i, err)
		}
		if err := uploader.Upload(ctx, storeID, root, uploadDir, true); err != nil {
			t.Fatalf("upload gen %d: %v", i, err)
		}
		wallet.record(storeID, root.Generation, root.NodeHash)
	}
}

func TestSchedulerDeltaSyncSuccess(t *testing.T) {
	ctx := context.Background()
	storeID := treehash.BytesToHash([]byte("delta-sync-success"))

	src := newTestStore(t)
	uploadDir := t.TempDir()
	wallet := newFakeWallet()
	publishGenerations(t, ctx, src, storeID, uploadDir, wallet)

	dst := newTestStore(t)
	if err := dst.CreateStore(ctx, storeID, store.StatusCommitted); err != nil {
		t.Fatalf("create dest store: %v", err)
	}
	subs := newTestRegistry(t)
	if err := subs.Subscribe(ctx, storeID, []string{uploadDir}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sched := dlsync.NewScheduler(dst, subs, wallet, []dlsync.Downloader{dlsync.FilesystemDownloader{}}, dlsync.DefaultConfig())
	if err := sched.SyncStore(ctx, storeID); err != nil {
		t.Fatalf("sync store: %v", err)
	}

	wantRoot, err := src.GetTreeRoot(ctx, storeID, nil)
	if err != nil {
		t.Fatalf("src root: %v", err)
	}
	gotRoot, err := dst.GetTreeRoot(ctx, storeID, nil)
	if err != nil {
		t.Fatalf("dst root: %v", err)
	}
	if gotRoot.NodeHash != wantRoot.NodeHash {
		t.Fatalf("root mismatch after sync: want %s got %s", wantRoot.NodeHash, gotRoot.NodeHash)
	}

	gotKVs, err := dst.GetKeysValues(ctx, storeID, nil)
	if err != nil {
		t.Fatalf("dst kvs: %v", err)
	}
	if len(gotKVs) != 5 {
		t.Fatalf("expected 5 keys synced, got %d", len(gotKVs))
	}

	validated, err := dst.GetValidatedGeneration(ctx, storeID)
	if err != nil {
		t.Fatalf("validated generation: %v", err)
	}
	if validated != wantRoot.Generation {
		t.Fatalf("validated generation %d != root generation %d", validated, wantRoot.Generation)
	}
}

func TestSchedulerDeltaSyncMismatchRollsBack(t *testing.T) {
	ctx := context.Background()
	storeID := treehash.BytesToHash([]byte("delta-sync-mismatch"))

	src := newTestStore(t)
	uploadDir := t.TempDir()
	wallet := newFakeWallet()
	publishGenerations(t, ctx, src, storeID, uploadDir, wallet)

	// Corrupt the wallet's advertised root for the final generation. Delta
	// file names embed the root hash, so no server holds a file for it.
	lastIdx := len(wallet.history[storeID]) - 1
	wallet.history[storeID][lastIdx].RootHash = treehash.BytesToHash([]byte("not-the-real-root"))

	dst := newTestStore(t)
	if err := dst.CreateStore(ctx, storeID, store.StatusCommitted); err != nil {
		t.Fatalf("create dest store: %v", err)
	}
	subs := newTestRegistry(t)
	if err := subs.Subscribe(ctx, storeID, []string{uploadDir}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sched := dlsync.NewScheduler(dst, subs, wallet, []dlsync.Downloader{dlsync.FilesystemDownloader{}}, dlsync.DefaultConfig())
	if err := sched.SyncStore(ctx, storeID); err == nil {
		t.Fatalf("expected sync to fail on root hash mismatch")
	}

	// The store must stay at the last generation that verified (4), with
	// nothing of generation 5 applied.
	gotRoot, err := dst.GetTreeRoot(ctx, storeID, nil)
	if err != nil {
		t.Fatalf("dst root: %v", err)
	}
	if gotRoot.Generation != 4 {
		t.Fatalf("expected rollback to generation 4, got %d", gotRoot.Generation)
	}

	validated, err := dst.GetValidatedGeneration(ctx, storeID)
	if err != nil {
		t.Fatalf("validated generation: %v", err)
	}
	if validated != 4 {
		t.Fatalf("expected validated generation 4 after rollback, got %d", validated)
	}

	servers, err := subs.GetServers(ctx, storeID)
	if err != nil {
		t.Fatalf("get servers: %v", err)
	}
	if len(servers) != 1 || servers[0].ConsecutiveFailures != 1 {
		t.Fatalf("expected the server to record one failure, got %+v", servers)
	}
}
