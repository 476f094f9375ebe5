package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/merkledl/datalayer/treehash"
)

// OneAncestor returns the parent of childHash in storeID as of gen: the
// ancestor row with the largest generation <= gen. A nil ancestor hash
// means childHash is the root at that generation.
func (s *Store) OneAncestor(ctx context.Context, childHash treehash.Hash, storeID treehash.Hash, gen uint32) (*InternalNode, error) {
	row := s.reader.QueryRowContext(ctx,
		`SELECT ancestor FROM ancestors
		 WHERE hash = ? AND store_id = ? AND generation <= ?
		 ORDER BY generation DESC LIMIT 1`,
		childHash.Hex(), storeID.Hex(), gen)

	var ancestorHex sql.NullString
	if err := row.Scan(&ancestorHex); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if !ancestorHex.Valid {
		return nil, nil
	}
	ancestorHash, err := treehash.HexToHash(ancestorHex.String)
	if err != nil {
		return nil, err
	}
	n, err := s.GetNode(ctx, ancestorHash)
	if err != nil {
		return nil, err
	}
	return n.Internal, nil
}

// GetAncestorsOptimized walks the ancestor chain from childHash to the root
// via successive OneAncestor lookups, returning internal nodes ordered
// leaf-to-root.
func (s *Store) GetAncestorsOptimized(ctx context.Context, childHash treehash.Hash, storeID treehash.Hash, gen uint32) ([]InternalNode, error) {
	var chain []InternalNode
	current := childHash
	for {
		parent, err := s.OneAncestor(ctx, current, storeID, gen)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			break
		}
		chain = append(chain, *parent)
		current = treehash.InternalHash(parent.LeftHash, parent.RightHash)
		if len(chain) > 64 {
			return nil, fmt.Errorf("store: ancestor chain exceeds tree height bound")
		}
	}
	return chain, nil
}

// GetAncestors derives the ancestor chain exhaustively: walk from the
// store's root at gen down to childHash via the node table itself, then
// reverse. Used to cross-validate GetAncestorsOptimized in tests.
func (s *Store) GetAncestors(ctx context.Context, childHash treehash.Hash, storeID treehash.Hash, gen uint32) ([]InternalNode, error) {
	root, err := s.GetTreeRoot(ctx, storeID, &gen)
	if err != nil {
		return nil, err
	}
	if root.NodeHash.IsZero() {
		return nil, nil
	}

	var path []InternalNode
	found, err := s.findPath(ctx, root.NodeHash, childHash, &path)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("store: %s not reachable from root at generation %d", childHash, gen)
	}
	// findPath appends root-to-leaf; reverse to leaf-to-root.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

func (s *Store) findPath(ctx context.Context, current, target treehash.Hash, path *[]InternalNode) (bool, error) {
	if current == target {
		return true, nil
	}
	n, err := s.GetNode(ctx, current)
	if err != nil {
		return false, err
	}
	if n.Type != NodeTypeInternal {
		return false, nil
	}
	*path = append(*path, *n.Internal)
	if ok, err := s.findPath(ctx, n.Internal.LeftHash, target, path); err != nil || ok {
		return ok, err
	}
	if ok, err := s.findPath(ctx, n.Internal.RightHash, target, path); err != nil || ok {
		return ok, err
	}
	*path = (*path)[:len(*path)-1]
	return false, nil
}

// MinGenerationForHash returns the earliest generation at which hash was
// recorded in storeID's ancestor table (as a child or as the root
// sentinel), used by the file codec to decide whether a node is new in a
// given generation.
func (s *Store) MinGenerationForHash(ctx context.Context, storeID, hash treehash.Hash) (uint32, bool, error) {
	var gen sql.NullInt64
	err := s.reader.QueryRowContext(ctx,
		`SELECT MIN(generation) FROM ancestors WHERE hash = ? AND store_id = ?`,
		hash.Hex(), storeID.Hex()).Scan(&gen)
	if err != nil {
		return 0, false, err
	}
	if !gen.Valid {
		return 0, false, nil
	}
	return uint32(gen.Int64), true, nil
}

// buildAncestorTableForRoot implements the sparse ancestor-index build
// rule: for every internal node reachable from newRoot that was not
// reachable from the previous committed root, insert ancestor rows for
// its two children.
func (s *Store) buildAncestorTableForRoot(ctx context.Context, tx *sql.Tx, storeID treehash.Hash, newRoot Root) error {
	if newRoot.NodeHash.IsZero() {
		return nil
	}

	prevSet := map[treehash.Hash]struct{}{}
	if newRoot.Generation > 0 {
		prevGen := newRoot.Generation - 1
		prevRoot, err := s.GetTreeRoot(ctx, storeID, &prevGen)
		if err == nil && !prevRoot.NodeHash.IsZero() {
			if err := s.collectInternalNodes(ctx, prevRoot.NodeHash, prevSet); err != nil {
				return err
			}
		}
	}

	newSet := map[treehash.Hash]struct{}{}
	if err := s.collectInternalNodes(ctx, newRoot.NodeHash, newSet); err != nil {
		return err
	}

	for hash := range newSet {
		if _, ok := prevSet[hash]; ok {
			continue
		}
		n, err := s.GetNode(ctx, hash)
		if err != nil {
			return err
		}
		if err := s.insertAncestorRow(ctx, tx, n.Internal.LeftHash, &hash, storeID, newRoot.Generation); err != nil {
			return err
		}
		if err := s.insertAncestorRow(ctx, tx, n.Internal.RightHash, &hash, storeID, newRoot.Generation); err != nil {
			return err
		}
	}
	// The root itself has no parent; record it with a NULL ancestor so
	// OneAncestor(root, ...) terminates the walk. This is unconditional: the
	// new root's hash may already have been an internal node under the
	// previous root (e.g. a delete that promotes a multi-leaf sibling
	// straight to root), in which case an older ancestor row for that hash
	// still points at its now-deleted former parent and must be shadowed by
	// a fresh NULL-ancestor row at this generation. insertAncestorRow's
	// generation-qualified primary key means this never conflicts with that
	// older row.
	if err := s.insertAncestorRow(ctx, tx, newRoot.NodeHash, nil, storeID, newRoot.Generation); err != nil {
		return err
	}
	return nil
}

// collectInternalNodes walks from root, adding every internal node hash to
// set.
func (s *Store) collectInternalNodes(ctx context.Context, root treehash.Hash, set map[treehash.Hash]struct{}) error {
	n, err := s.GetNode(ctx, root)
	if err != nil {
		return err
	}
	if n.Type != NodeTypeInternal {
		return nil
	}
	set[root] = struct{}{}
	if err := s.collectInternalNodes(ctx, n.Internal.LeftHash, set); err != nil {
		return err
	}
	return s.collectInternalNodes(ctx, n.Internal.RightHash, set)
}

// insertAncestorRow inserts (child, ancestor, store, gen), silently
// de-duplicating an identical row and rejecting a row whose ancestor
// contradicts one already on file for the same key.
func (s *Store) insertAncestorRow(ctx context.Context, tx *sql.Tx, child treehash.Hash, ancestor *treehash.Hash, storeID treehash.Hash, gen uint32) error {
	var existing sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT ancestor FROM ancestors WHERE hash = ? AND store_id = ? AND generation = ?`,
		child.Hex(), storeID.Hex(), gen).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == nil {
		var existingHex string
		if existing.Valid {
			existingHex = existing.String
		}
		var wantHex string
		if ancestor != nil {
			wantHex = ancestor.Hex()
		}
		if existingHex != wantHex {
			return fmt.Errorf("store: ancestor table conflict for %s at generation %d", child, gen)
		}
		return nil
	}

	var ancestorArg any
	if ancestor != nil {
		ancestorArg = ancestor.Hex()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO ancestors (hash, ancestor, store_id, generation) VALUES (?, ?, ?, ?)`,
		child.Hex(), ancestorArg, storeID.Hex(), gen)
	return err
}
