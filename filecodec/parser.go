package filecodec

import (
	"context"
	"fmt"

	"github.com/merkledl/datalayer/dlerrors"
	"github.com/merkledl/datalayer/store"
	"github.com/merkledl/datalayer/treehash"
)

// nodeInserter is the subset of store.Store a parser needs: insert nodes,
// commit a root, and roll back on verification failure.
type nodeInserter interface {
	InsertNode(ctx context.Context, n store.Node) error
	InsertRoot(ctx context.Context, storeID treehash.Hash, nodeHash treehash.Hash, status store.Status) (store.Root, error)
	RollbackToGeneration(ctx context.Context, storeID treehash.Hash, g uint32) error
	GetTreeRoot(ctx context.Context, storeID treehash.Hash, gen *uint32) (store.Root, error)
}

// Parse streams data's length-prefixed records into the node store, then
// commits storeID's root at advertisedRoot for the next generation. If the
// file's actual final node hash differs from advertisedRoot, the store is
// rolled back to the generation it was at before parsing and
// RootHashMismatchError is returned.
//
// An empty file together with a zero advertisedRoot represents the empty
// tree: no records are inserted, and the root is still committed so the
// generation counter advances.
func Parse(ctx context.Context, dst nodeInserter, storeID, advertisedRoot treehash.Hash, data []byte) (store.Root, error) {
	preParseRoot, err := dst.GetTreeRoot(ctx, storeID, nil)
	if err != nil {
		return store.Root{}, err
	}

	if len(data) == 0 {
		if !advertisedRoot.IsZero() {
			return store.Root{}, dlerrors.NewRootHashMismatch(advertisedRoot, treehash.ZeroHash)
		}
		return dst.InsertRoot(ctx, storeID, treehash.ZeroHash, store.StatusCommitted)
	}

	var lastHash treehash.Hash
	rest := data
	for len(rest) > 0 {
		var record []byte
		record, rest, err = readLengthPrefixed(rest)
		if err != nil {
			return store.Root{}, fmt.Errorf("filecodec: parse: %w", err)
		}
		n, err := decodeRecord(record)
		if err != nil {
			return store.Root{}, fmt.Errorf("filecodec: parse: %w", err)
		}
		if err := dst.InsertNode(ctx, n); err != nil {
			return store.Root{}, fmt.Errorf("filecodec: parse: insert %s: %w", n.Hash, err)
		}
		lastHash = n.Hash
	}

	if lastHash != advertisedRoot {
		if rbErr := dst.RollbackToGeneration(ctx, storeID, preParseRoot.Generation); rbErr != nil {
			return store.Root{}, fmt.Errorf("filecodec: rollback after mismatch: %w", rbErr)
		}
		return store.Root{}, dlerrors.NewRootHashMismatch(advertisedRoot, lastHash)
	}

	return dst.InsertRoot(ctx, storeID, advertisedRoot, store.StatusCommitted)
}
