package store

import (
	"context"
	"database/sql"

	"github.com/merkledl/datalayer/dlerrors"
	"github.com/merkledl/datalayer/treehash"
)

// GetKVDiff enumerates the symmetric difference between the key/value sets
// reachable from rootA and rootB: inserts are entries present in B but not
// A, deletes are entries present in A but not B. A zero hash denotes the
// empty tree and yields no leaves. Fails with UnknownRootError if either
// non-zero root is absent from the node store.
func (s *Store) GetKVDiff(ctx context.Context, rootA, rootB treehash.Hash) ([]DiffData, error) {
	setA, err := s.terminalSet(ctx, rootA)
	if err != nil {
		return nil, err
	}
	setB, err := s.terminalSet(ctx, rootB)
	if err != nil {
		return nil, err
	}

	var out []DiffData
	for k, v := range setA {
		if vb, ok := setB[k]; !ok || vb != v {
			out = append(out, DiffData{Type: OperationDelete, Key: []byte(k), Value: []byte(v)})
		}
	}
	for k, v := range setB {
		if va, ok := setA[k]; !ok || va != v {
			out = append(out, DiffData{Type: OperationInsert, Key: []byte(k), Value: []byte(v)})
		}
	}
	return out, nil
}

// terminalSet returns key->value for every terminal reachable from root,
// keyed by raw bytes cast to string for map use.
func (s *Store) terminalSet(ctx context.Context, root treehash.Hash) (map[string]string, error) {
	out := map[string]string{}
	if root.IsZero() {
		return out, nil
	}
	if _, err := s.GetNode(ctx, root); err != nil {
		return nil, dlerrors.NewUnknownRoot(root)
	}
	if err := s.collectTerminals(ctx, root, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) collectTerminals(ctx context.Context, hash treehash.Hash, out map[string]string) error {
	n, err := s.GetNode(ctx, hash)
	if err != nil {
		return err
	}
	if n.Type == NodeTypeTerminal {
		out[string(n.Terminal.Key)] = string(n.Terminal.Value)
		return nil
	}
	if err := s.collectTerminals(ctx, n.Internal.LeftHash, out); err != nil {
		return err
	}
	return s.collectTerminals(ctx, n.Internal.RightHash, out)
}

// DeleteStoreData removes every node row referenced only by storeID,
// leaving nodes shared with other stores intact, and leaves other stores'
// pending roots untouched. Safe to call at any time.
func (s *Store) DeleteStoreData(ctx context.Context, storeID treehash.Hash) error {
	roots, err := s.allRootHashesForStore(ctx, storeID)
	if err != nil {
		return err
	}
	owned := map[treehash.Hash]struct{}{}
	for _, r := range roots {
		if r.IsZero() {
			continue
		}
		if err := s.collectAllNodes(ctx, r, owned); err != nil {
			return err
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM root WHERE store_id = ?`, storeID.Hex()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM ancestors WHERE store_id = ?`, storeID.Hex()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM stores WHERE store_id = ?`, storeID.Hex()); err != nil {
			return err
		}
		for hash := range owned {
			referenced, err := s.nodeReferencedByOtherStoreTx(ctx, tx, hash, storeID)
			if err != nil {
				return err
			}
			if !referenced {
				if _, err := tx.ExecContext(ctx, `DELETE FROM node WHERE hash = ?`, hash.Hex()); err != nil {
					return err
				}
				s.cache.Del(hash[:])
			}
		}
		return nil
	})
}

func (s *Store) allRootHashesForStore(ctx context.Context, storeID treehash.Hash) ([]treehash.Hash, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT DISTINCT node_hash FROM root WHERE store_id = ? AND node_hash IS NOT NULL`, storeID.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []treehash.Hash
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			return nil, err
		}
		h, err := treehash.HexToHash(hex)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) collectAllNodes(ctx context.Context, hash treehash.Hash, out map[treehash.Hash]struct{}) error {
	if _, ok := out[hash]; ok {
		return nil
	}
	n, err := s.GetNode(ctx, hash)
	if err != nil {
		return err
	}
	out[hash] = struct{}{}
	if n.Type == NodeTypeInternal {
		if err := s.collectAllNodes(ctx, n.Internal.LeftHash, out); err != nil {
			return err
		}
		if err := s.collectAllNodes(ctx, n.Internal.RightHash, out); err != nil {
			return err
		}
	}
	return nil
}

// nodeReferencedByOtherStoreTx reports whether hash is still reachable from
// some other store's committed history, either as a root or as a child
// recorded in that store's own ancestor table.
func (s *Store) nodeReferencedByOtherStoreTx(ctx context.Context, tx *sql.Tx, hash treehash.Hash, excludeStore treehash.Hash) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM root WHERE node_hash = ? AND store_id != ?`,
		hash.Hex(), excludeStore.Hex()).Scan(&count)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ancestors WHERE hash = ? AND store_id != ?`,
		hash.Hex(), excludeStore.Hex()).Scan(&count)
	return count > 0, err
}
