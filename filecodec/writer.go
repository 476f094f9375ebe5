package filecodec

import (
	"context"
	"fmt"

	"github.com/merkledl/datalayer/store"
	"github.com/merkledl/datalayer/treehash"
)

// nodeSource is the subset of store.Store a writer needs: read access to
// nodes by hash.
type nodeSource interface {
	GetNode(ctx context.Context, hash treehash.Hash) (store.Node, error)
}

// WriteFullTree serializes every node reachable from root, post-order
// left-then-right, as the full-tree file contents.
func WriteFullTree(ctx context.Context, src nodeSource, root treehash.Hash) ([]byte, error) {
	if root.IsZero() {
		return nil, nil
	}
	var out []byte
	visited := map[treehash.Hash]struct{}{}
	if err := writePostOrder(ctx, src, root, visited, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func writePostOrder(ctx context.Context, src nodeSource, hash treehash.Hash, visited map[treehash.Hash]struct{}, out *[]byte) error {
	if _, ok := visited[hash]; ok {
		return nil
	}
	n, err := src.GetNode(ctx, hash)
	if err != nil {
		return err
	}
	if n.Type == store.NodeTypeInternal {
		if err := writePostOrder(ctx, src, n.Internal.LeftHash, visited, out); err != nil {
			return err
		}
		if err := writePostOrder(ctx, src, n.Internal.RightHash, visited, out); err != nil {
			return err
		}
	}
	*out = appendLengthPrefixed(*out, encodeRecord(n))
	visited[hash] = struct{}{}
	return nil
}

// minGenerationLookup resolves the earliest generation at which a node hash
// was recorded in a store's ancestor table (or as its root), used to decide
// which nodes are new in a given generation for the delta file.
type minGenerationLookup interface {
	MinGenerationForHash(ctx context.Context, storeID, hash treehash.Hash) (uint32, bool, error)
}

// WriteDeltaTree serializes only the nodes reachable from root whose
// earliest recorded generation in storeID's ancestor table equals
// currentGeneration: the nodes that first appeared in this generation.
// Traversal is still post-order so a parser can replay it directly.
func WriteDeltaTree(ctx context.Context, src nodeSource, gens minGenerationLookup, storeID, root treehash.Hash, currentGeneration uint32) ([]byte, error) {
	if root.IsZero() {
		return nil, nil
	}
	var out []byte
	visited := map[treehash.Hash]struct{}{}
	if err := writeDeltaPostOrder(ctx, src, gens, storeID, root, currentGeneration, visited, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeDeltaPostOrder(ctx context.Context, src nodeSource, gens minGenerationLookup, storeID, hash treehash.Hash, currentGeneration uint32, visited map[treehash.Hash]struct{}, out *[]byte) error {
	if _, ok := visited[hash]; ok {
		return nil
	}
	visited[hash] = struct{}{}

	n, err := src.GetNode(ctx, hash)
	if err != nil {
		return err
	}
	if n.Type == store.NodeTypeInternal {
		if err := writeDeltaPostOrder(ctx, src, gens, storeID, n.Internal.LeftHash, currentGeneration, visited, out); err != nil {
			return err
		}
		if err := writeDeltaPostOrder(ctx, src, gens, storeID, n.Internal.RightHash, currentGeneration, visited, out); err != nil {
			return err
		}
	}

	minGen, found, err := gens.MinGenerationForHash(ctx, storeID, hash)
	if err != nil {
		return fmt.Errorf("filecodec: resolve minimum generation for %s: %w", hash, err)
	}
	if found && minGen == currentGeneration {
		*out = appendLengthPrefixed(*out, encodeRecord(n))
	}
	return nil
}
