package store

import (
	"context"

	"github.com/holiman/uint256"
	"github.com/merkledl/datalayer/dlerrors"
	"github.com/merkledl/datalayer/treehash"
)

// maxAncestors is the tree-height invariant from the data model: a mutation
// that would require more ancestors than this places a node at depth >= 63.
const maxAncestors = 62

// Autoinsert places (key, value) without an explicit reference node. On an
// empty tree it becomes the sole leaf; otherwise it descends from the root
// following the bits of its own leaf hash until it reaches a terminal node,
// then inserts itself as that terminal's sibling.
func (s *Store) Autoinsert(ctx context.Context, storeID treehash.Hash, key, value []byte, status Status) (Root, error) {
	root, err := s.GetTreeRoot(ctx, storeID, nil)
	if err != nil {
		return Root{}, err
	}

	if root.NodeHash.IsZero() {
		return s.insertIntoEmpty(ctx, storeID, key, value, status)
	}

	seed := treehash.LeafHash(key, value)
	refHash, err := s.descendForSeed(ctx, root.NodeHash, seed)
	if err != nil {
		return Root{}, err
	}
	side := SideLeft
	if seed[0] >= 128 {
		side = SideRight
	}
	return s.insertAt(ctx, storeID, key, value, refHash, side, status, root)
}

// descendForSeed walks from root to a terminal node, consuming seed's bits
// least-significant-first (bit i of the 256-bit big-endian integer formed
// by seed selects left when 0, right when 1), matching the original
// reference descent exactly.
func (s *Store) descendForSeed(ctx context.Context, current treehash.Hash, seed treehash.Hash) (treehash.Hash, error) {
	i := 0
	for {
		n, err := s.GetNode(ctx, current)
		if err != nil {
			return treehash.Hash{}, err
		}
		if n.Type == NodeTypeTerminal {
			return current, nil
		}
		if seedBit(seed, i) == 0 {
			current = n.Internal.LeftHash
		} else {
			current = n.Internal.RightHash
		}
		i++
	}
}

// seedBit returns bit i (0 = least significant) of the 256-bit big-endian
// integer formed by seed's 32 bytes.
func seedBit(seed treehash.Hash, i int) byte {
	byteIdx := 31 - i/8
	if byteIdx < 0 {
		byteIdx = 0
	}
	return (seed[byteIdx] >> uint(i%8)) & 1
}

func (s *Store) insertIntoEmpty(ctx context.Context, storeID treehash.Hash, key, value []byte, status Status) (Root, error) {
	leafHash := treehash.LeafHash(key, value)
	if err := s.InsertNode(ctx, Node{Hash: leafHash, Type: NodeTypeTerminal, Terminal: &TerminalNode{Key: key, Value: value}}); err != nil {
		return Root{}, err
	}
	return s.InsertRoot(ctx, storeID, leafHash, status)
}

// Insert places (key, value) as the sibling of refHash, on the given side.
// The tree must be non-empty; refHash must reference a terminal node, and
// key must not already exist anywhere in the tree.
func (s *Store) Insert(ctx context.Context, storeID treehash.Hash, key, value []byte, refHash treehash.Hash, side Side, status Status) (Root, error) {
	root, err := s.GetTreeRoot(ctx, storeID, nil)
	if err != nil {
		return Root{}, err
	}
	if root.NodeHash.IsZero() {
		return Root{}, dlerrors.NewInvalidReference(refHash)
	}
	refNode, err := s.GetNode(ctx, refHash)
	if err != nil {
		return Root{}, err
	}
	if refNode.Type != NodeTypeTerminal {
		return Root{}, dlerrors.NewInvalidReference(refHash)
	}
	return s.insertAt(ctx, storeID, key, value, refHash, side, status, root)
}

// insertAt performs the shared path-rebuild of 4.4.2 for both Insert and
// Autoinsert, after the reference node and side have been determined.
func (s *Store) insertAt(ctx context.Context, storeID treehash.Hash, key, value []byte, refHash treehash.Hash, side Side, status Status, root Root) (Root, error) {
	if _, found, err := s.findTerminalByKey(ctx, root.NodeHash, key); err != nil {
		return Root{}, err
	} else if found {
		return Root{}, dlerrors.NewKeyAlreadyPresent(key)
	}

	ancestors, err := s.GetAncestorsOptimized(ctx, refHash, storeID, root.Generation)
	if err != nil {
		return Root{}, err
	}
	if len(ancestors) >= maxAncestors {
		return Root{}, dlerrors.NewTreeDepthExceeded(len(ancestors) + 1)
	}

	newLeafHash := treehash.LeafHash(key, value)
	if err := s.InsertNode(ctx, Node{Hash: newLeafHash, Type: NodeTypeTerminal, Terminal: &TerminalNode{Key: key, Value: value}}); err != nil {
		return Root{}, err
	}

	var firstLeft, firstRight treehash.Hash
	if side == SideLeft {
		firstLeft, firstRight = newLeafHash, refHash
	} else {
		firstLeft, firstRight = refHash, newLeafHash
	}
	if err := s.InsertNode(ctx, internalNode(firstLeft, firstRight)); err != nil {
		return Root{}, err
	}

	newRootHash, err := s.rebuildChain(ctx, refHash, treehash.InternalHash(firstLeft, firstRight), ancestors)
	if err != nil {
		return Root{}, err
	}
	return s.InsertRoot(ctx, storeID, newRootHash, status)
}

// rebuildChain walks ancestors (immediate parent of oldChildHash first, root
// last) substituting oldChildHash -> newChildHash at each level and
// recomputing hashes bottom-up, inserting every newly built internal node.
// It returns the new root hash.
func (s *Store) rebuildChain(ctx context.Context, oldChildHash, newChildHash treehash.Hash, ancestors []InternalNode) (treehash.Hash, error) {
	currentOld := oldChildHash
	currentNew := newChildHash
	for _, ancestor := range ancestors {
		var newLeft, newRight treehash.Hash
		switch currentOld {
		case ancestor.LeftHash:
			newLeft, newRight = currentNew, ancestor.RightHash
		case ancestor.RightHash:
			newLeft, newRight = ancestor.LeftHash, currentNew
		default:
			return treehash.Hash{}, dlerrors.NewTreeDepthExceeded(0)
		}
		if err := s.InsertNode(ctx, internalNode(newLeft, newRight)); err != nil {
			return treehash.Hash{}, err
		}
		currentOld = treehash.InternalHash(ancestor.LeftHash, ancestor.RightHash)
		currentNew = treehash.InternalHash(newLeft, newRight)
	}
	return currentNew, nil
}

func internalNode(left, right treehash.Hash) Node {
	return Node{Hash: treehash.InternalHash(left, right), Type: NodeTypeInternal, Internal: &InternalNode{LeftHash: left, RightHash: right}}
}

// Delete removes key from the store, rebuilding ancestors above the removed
// leaf's sibling.
func (s *Store) Delete(ctx context.Context, storeID treehash.Hash, key []byte, status Status) (Root, error) {
	root, err := s.GetTreeRoot(ctx, storeID, nil)
	if err != nil {
		return Root{}, err
	}
	leafHash, found, err := s.findTerminalByKey(ctx, root.NodeHash, key)
	if err != nil {
		return Root{}, err
	}
	if !found {
		return Root{}, dlerrors.NewKeyNotFound(key)
	}

	ancestors, err := s.GetAncestorsOptimized(ctx, leafHash, storeID, root.Generation)
	if err != nil {
		return Root{}, err
	}

	if len(ancestors) == 0 {
		return s.InsertRoot(ctx, storeID, treehash.ZeroHash, status)
	}

	parent := ancestors[0]
	var siblingHash treehash.Hash
	if parent.LeftHash == leafHash {
		siblingHash = parent.RightHash
	} else {
		siblingHash = parent.LeftHash
	}

	if len(ancestors) == 1 {
		return s.InsertRoot(ctx, storeID, siblingHash, status)
	}

	parentHash := treehash.InternalHash(parent.LeftHash, parent.RightHash)
	newRootHash, err := s.rebuildChain(ctx, parentHash, siblingHash, ancestors[1:])
	if err != nil {
		return Root{}, err
	}
	return s.InsertRoot(ctx, storeID, newRootHash, status)
}

// Upsert sets key to newValue. If the key is absent this is an Autoinsert;
// if present, the existing leaf is replaced in place (the same path
// position, same ancestors) rather than deleted and re-inserted elsewhere,
// so the committed root differs iff the value actually changed.
func (s *Store) Upsert(ctx context.Context, storeID treehash.Hash, key, newValue []byte, status Status) (Root, error) {
	root, err := s.GetTreeRoot(ctx, storeID, nil)
	if err != nil {
		return Root{}, err
	}
	oldLeafHash, found, err := s.findTerminalByKey(ctx, root.NodeHash, key)
	if err != nil {
		return Root{}, err
	}
	if !found {
		return s.Autoinsert(ctx, storeID, key, newValue, status)
	}

	newLeafHash := treehash.LeafHash(key, newValue)
	if newLeafHash == oldLeafHash {
		return root, nil
	}

	if err := s.InsertNode(ctx, Node{Hash: newLeafHash, Type: NodeTypeTerminal, Terminal: &TerminalNode{Key: key, Value: newValue}}); err != nil {
		return Root{}, err
	}

	ancestors, err := s.GetAncestorsOptimized(ctx, oldLeafHash, storeID, root.Generation)
	if err != nil {
		return Root{}, err
	}
	if len(ancestors) == 0 {
		return s.InsertRoot(ctx, storeID, newLeafHash, status)
	}

	newRootHash, err := s.rebuildChain(ctx, oldLeafHash, newLeafHash, ancestors)
	if err != nil {
		return Root{}, err
	}
	return s.InsertRoot(ctx, storeID, newRootHash, status)
}

// FindLeafHash returns the content-addressed hash of the terminal node
// holding key in storeID's current committed tree, and whether it was
// found. Used by the proof layer to locate the leaf a proof starts from.
func (s *Store) FindLeafHash(ctx context.Context, storeID treehash.Hash, key []byte) (treehash.Hash, bool, error) {
	root, err := s.GetTreeRoot(ctx, storeID, nil)
	if err != nil {
		return treehash.Hash{}, false, err
	}
	return s.findTerminalByKey(ctx, root.NodeHash, key)
}

// GetValue looks up a single key's value in the current committed tree,
// raising KeyNotFoundError if key is absent.
func (s *Store) GetValue(ctx context.Context, storeID treehash.Hash, key []byte) ([]byte, error) {
	root, err := s.GetTreeRoot(ctx, storeID, nil)
	if err != nil {
		return nil, err
	}
	hash, found, err := s.findTerminalByKey(ctx, root.NodeHash, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, dlerrors.NewKeyNotFound(key)
	}
	n, err := s.GetNode(ctx, hash)
	if err != nil {
		return nil, err
	}
	return n.Terminal.Value, nil
}

// findTerminalByKey searches the tree reachable from root for a terminal
// with the given key.
func (s *Store) findTerminalByKey(ctx context.Context, root treehash.Hash, key []byte) (treehash.Hash, bool, error) {
	if root.IsZero() {
		return treehash.Hash{}, false, nil
	}
	n, err := s.GetNode(ctx, root)
	if err != nil {
		return treehash.Hash{}, false, err
	}
	if n.Type == NodeTypeTerminal {
		if string(n.Terminal.Key) == string(key) {
			return root, true, nil
		}
		return treehash.Hash{}, false, nil
	}
	if h, found, err := s.findTerminalByKey(ctx, n.Internal.LeftHash, key); err != nil || found {
		return h, found, err
	}
	return s.findTerminalByKey(ctx, n.Internal.RightHash, key)
}

// GetKeysValues enumerates every terminal reachable from the committed root
// at gen (or the latest committed root if gen is nil), in deterministic
// left-to-right order.
func (s *Store) GetKeysValues(ctx context.Context, storeID treehash.Hash, gen *uint32) ([]TerminalNode, error) {
	root, err := s.GetTreeRoot(ctx, storeID, gen)
	if err != nil {
		return nil, err
	}
	if root.NodeHash.IsZero() {
		return nil, nil
	}
	var out []TerminalNode
	if err := s.walkKV(ctx, root.NodeHash, 0, new(uint256.Int), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) walkKV(ctx context.Context, hash treehash.Hash, depth int, rights *uint256.Int, out *[]TerminalNode) error {
	if depth > maxAncestors {
		return dlerrors.NewTreeDepthExceeded(depth)
	}
	n, err := s.GetNode(ctx, hash)
	if err != nil {
		return err
	}
	if n.Type == NodeTypeTerminal {
		*out = append(*out, *n.Terminal)
		return nil
	}
	if err := s.walkKV(ctx, n.Internal.LeftHash, depth+1, rights, out); err != nil {
		return err
	}
	step := new(uint256.Int).Lsh(uint256.NewInt(1), uint(maxAncestors-depth))
	rightRights := new(uint256.Int).Add(rights, step)
	return s.walkKV(ctx, n.Internal.RightHash, depth+1, rightRights, out)
}
