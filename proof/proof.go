// Package proof implements proof-of-inclusion construction and
// verification over the store's Merkle tree. A proof is the ordered
// sibling list from a leaf to the root; it is built from the same
// ancestor index the tree engine uses for path rebuilds, so its cost is
// the same O(depth) walk as an insert or delete.
package proof

import (
	"context"
	"fmt"

	"github.com/merkledl/datalayer/dlerrors"
	"github.com/merkledl/datalayer/store"
	"github.com/merkledl/datalayer/treehash"
)

// Layer is one step of an inclusion proof, ordered leaf to root.
// CombinedHash is the hash produced by combining the current node's hash
// with OtherHash according to OtherSide.
type Layer struct {
	OtherHash    treehash.Hash
	OtherSide    store.Side
	CombinedHash treehash.Hash
}

// Proof is the full sibling chain from a leaf to its store's root. A
// root-only tree (the leaf is itself the root) yields an empty Proof.
type Proof struct {
	Layers []Layer
}

// source is the subset of *store.Store the proof layer reads.
type source interface {
	GetTreeRoot(ctx context.Context, storeID treehash.Hash, gen *uint32) (store.Root, error)
	FindLeafHash(ctx context.Context, storeID treehash.Hash, key []byte) (treehash.Hash, bool, error)
	GetAncestorsOptimized(ctx context.Context, childHash, storeID treehash.Hash, gen uint32) ([]store.InternalNode, error)
	GetNode(ctx context.Context, hash treehash.Hash) (store.Node, error)
}

// ByKey builds the inclusion proof for key in storeID's current committed
// tree. Fails with KeyNotFoundError if key is absent — no proof can be
// constructed for a key that isn't there.
func ByKey(ctx context.Context, src source, storeID treehash.Hash, key []byte) (Proof, error) {
	root, err := src.GetTreeRoot(ctx, storeID, nil)
	if err != nil {
		return Proof{}, err
	}
	leafHash, found, err := src.FindLeafHash(ctx, storeID, key)
	if err != nil {
		return Proof{}, err
	}
	if !found {
		return Proof{}, dlerrors.NewKeyNotFound(key)
	}
	return build(ctx, src, storeID, root, leafHash)
}

// ByHash builds the inclusion proof for the terminal node identified by
// nodeHash in storeID's current committed tree.
func ByHash(ctx context.Context, src source, storeID, nodeHash treehash.Hash) (Proof, error) {
	root, err := src.GetTreeRoot(ctx, storeID, nil)
	if err != nil {
		return Proof{}, err
	}
	if _, err := src.GetNode(ctx, nodeHash); err != nil {
		return Proof{}, err
	}
	return build(ctx, src, storeID, root, nodeHash)
}

func build(ctx context.Context, src source, storeID treehash.Hash, root store.Root, leafHash treehash.Hash) (Proof, error) {
	ancestors, err := src.GetAncestorsOptimized(ctx, leafHash, storeID, root.Generation)
	if err != nil {
		return Proof{}, err
	}

	var layers []Layer
	current := leafHash
	for _, ancestor := range ancestors {
		var otherHash treehash.Hash
		var otherSide store.Side
		switch current {
		case ancestor.LeftHash:
			otherHash, otherSide = ancestor.RightHash, store.SideRight
		case ancestor.RightHash:
			otherHash, otherSide = ancestor.LeftHash, store.SideLeft
		default:
			return Proof{}, fmt.Errorf("proof: ancestor chain inconsistent at %s", current)
		}
		combined := combine(current, otherHash, otherSide)
		layers = append(layers, Layer{OtherHash: otherHash, OtherSide: otherSide, CombinedHash: combined})
		current = combined
	}
	return Proof{Layers: layers}, nil
}

// combine recomputes the parent hash of a node and its sibling, given which
// side the sibling occupies.
func combine(thisHash, otherHash treehash.Hash, otherSide store.Side) treehash.Hash {
	if otherSide == store.SideRight {
		return treehash.InternalHash(thisHash, otherHash)
	}
	return treehash.InternalHash(otherHash, thisHash)
}

// Verify recomputes p from leafHash and reports whether the final combined
// hash equals root (and every intermediate CombinedHash was internally
// consistent). An empty proof verifies iff leafHash itself is root.
func Verify(p Proof, leafHash, root treehash.Hash) bool {
	current := leafHash
	for _, l := range p.Layers {
		current = combine(current, l.OtherHash, l.OtherSide)
		if current != l.CombinedHash {
			return false
		}
	}
	return current == root
}
