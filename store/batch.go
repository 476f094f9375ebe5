package store

import (
	"context"
	"fmt"

	"github.com/merkledl/datalayer/dlerrors"
	"github.com/merkledl/datalayer/metrics"
	"github.com/merkledl/datalayer/treehash"
)

// InsertBatch applies changes sequentially, writing every intermediate root
// as StatusCommitted to reuse the single-step insert/delete/upsert code
// paths and their ancestor-table invariants, then rolls the store back to
// the pre-batch generation and commits exactly one new root for the final
// state under the requested status. See the open design note on this
// rollback-and-replay pattern: it must leave no observable trace of the
// intermediate generations.
func (s *Store) InsertBatch(ctx context.Context, storeID treehash.Hash, changes []Change, status Status) (Root, error) {
	metrics.BatchSize.Observe(float64(len(changes)))

	oldRoot, err := s.GetTreeRoot(ctx, storeID, nil)
	if err != nil {
		return Root{}, err
	}

	for i, change := range changes {
		if _, err := s.applyChange(ctx, storeID, change); err != nil {
			_ = s.RollbackToGeneration(ctx, storeID, oldRoot.Generation)
			return Root{}, fmt.Errorf("store: batch step %d (%s %x): %w", i, change.Action, change.Key, err)
		}
	}

	finalRoot, err := s.GetTreeRoot(ctx, storeID, nil)
	if err != nil {
		return Root{}, err
	}
	if finalRoot.NodeHash == oldRoot.NodeHash {
		if err := s.RollbackToGeneration(ctx, storeID, oldRoot.Generation); err != nil {
			return Root{}, err
		}
		return Root{}, dlerrors.NewNoChange()
	}

	if err := s.RollbackToGeneration(ctx, storeID, oldRoot.Generation); err != nil {
		return Root{}, err
	}

	newRoot, err := s.InsertRoot(ctx, storeID, finalRoot.NodeHash, status)
	if err != nil {
		return Root{}, err
	}
	if newRoot.Generation != oldRoot.Generation+1 {
		return Root{}, fmt.Errorf("store: batch postcondition violated: generation %d != %d + 1", newRoot.Generation, oldRoot.Generation)
	}
	return newRoot, nil
}

func (s *Store) applyChange(ctx context.Context, storeID treehash.Hash, change Change) (Root, error) {
	switch change.Action {
	case "insert":
		if change.RefHash != nil && change.Side != nil {
			return s.Insert(ctx, storeID, change.Key, change.Value, *change.RefHash, *change.Side, StatusCommitted)
		}
		return s.Autoinsert(ctx, storeID, change.Key, change.Value, StatusCommitted)
	case "delete":
		return s.Delete(ctx, storeID, change.Key, StatusCommitted)
	case "upsert":
		return s.Upsert(ctx, storeID, change.Key, change.Value, StatusCommitted)
	default:
		return Root{}, fmt.Errorf("store: unknown batch action %q", change.Action)
	}
}
