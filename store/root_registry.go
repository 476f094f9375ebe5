package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/merkledl/datalayer/metrics"
	"github.com/merkledl/datalayer/treehash"
)

// CreateStore registers a new store_id with an empty generation-0 root
// under initialStatus (normally StatusCommitted).
func (s *Store) CreateStore(ctx context.Context, storeID treehash.Hash, initialStatus Status) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stores (store_id, label, validated_generation) VALUES (?, '', 0)`, storeID.Hex()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO root (store_id, generation, node_hash, status) VALUES (?, 0, NULL, ?)`,
			storeID.Hex(), int(initialStatus))
		return err
	})
}

// InsertRoot appends a new root at the next generation for storeID.
func (s *Store) InsertRoot(ctx context.Context, storeID treehash.Hash, nodeHash treehash.Hash, status Status) (Root, error) {
	var newRoot Root
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var maxGen sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(generation) FROM root WHERE store_id = ?`, storeID.Hex()).Scan(&maxGen); err != nil {
			return err
		}
		nextGen := uint32(0)
		if maxGen.Valid {
			nextGen = uint32(maxGen.Int64) + 1
		}

		var hashArg any
		if !nodeHash.IsZero() {
			hashArg = nodeHash.Hex()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO root (store_id, generation, node_hash, status) VALUES (?, ?, ?, ?)`,
			storeID.Hex(), nextGen, hashArg, int(status)); err != nil {
			return err
		}

		newRoot = Root{StoreID: storeID, Generation: nextGen, NodeHash: nodeHash, Status: status}

		if status == StatusCommitted {
			return s.buildAncestorTableForRoot(ctx, tx, storeID, newRoot)
		}
		return nil
	})
	if err == nil && status == StatusCommitted {
		metrics.RootsCommitted.Inc()
	}
	return newRoot, err
}

// GetTreeRoot returns the committed root at gen, or the latest committed
// root if gen is nil.
func (s *Store) GetTreeRoot(ctx context.Context, storeID treehash.Hash, gen *uint32) (Root, error) {
	var row *sql.Row
	if gen != nil {
		row = s.reader.QueryRowContext(ctx,
			`SELECT generation, node_hash FROM root WHERE store_id = ? AND status = ? AND generation = ?`,
			storeID.Hex(), int(StatusCommitted), *gen)
	} else {
		row = s.reader.QueryRowContext(ctx,
			`SELECT generation, node_hash FROM root WHERE store_id = ? AND status = ? ORDER BY generation DESC LIMIT 1`,
			storeID.Hex(), int(StatusCommitted))
	}
	return scanRoot(row, storeID)
}

// GetPendingRoot returns the store's single non-committed root, if any.
func (s *Store) GetPendingRoot(ctx context.Context, storeID treehash.Hash) (Root, bool, error) {
	row := s.reader.QueryRowContext(ctx,
		`SELECT generation, node_hash, status FROM root WHERE store_id = ? AND status != ? ORDER BY generation DESC LIMIT 1`,
		storeID.Hex(), int(StatusCommitted))

	var gen uint32
	var nodeHash sql.NullString
	var status int
	if err := row.Scan(&gen, &nodeHash, &status); err != nil {
		if err == sql.ErrNoRows {
			return Root{}, false, nil
		}
		return Root{}, false, err
	}
	r := Root{StoreID: storeID, Generation: gen, Status: Status(status)}
	if nodeHash.Valid {
		h, err := treehash.HexToHash(nodeHash.String)
		if err != nil {
			return Root{}, false, err
		}
		r.NodeHash = h
	}
	return r, true, nil
}

// GetRootsBetween returns committed roots with generation in [gLo, gHi].
func (s *Store) GetRootsBetween(ctx context.Context, storeID treehash.Hash, gLo, gHi uint32) ([]Root, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT generation, node_hash FROM root WHERE store_id = ? AND status = ? AND generation BETWEEN ? AND ? ORDER BY generation ASC`,
		storeID.Hex(), int(StatusCommitted), gLo, gHi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Root
	for rows.Next() {
		var gen uint32
		var nodeHash sql.NullString
		if err := rows.Scan(&gen, &nodeHash); err != nil {
			return nil, err
		}
		r := Root{StoreID: storeID, Generation: gen, Status: StatusCommitted}
		if nodeHash.Valid {
			h, err := treehash.HexToHash(nodeHash.String)
			if err != nil {
				return nil, err
			}
			r.NodeHash = h
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ChangeRootStatus promotes or demotes a root's status. Promotion to
// StatusCommitted triggers the ancestor-table build for that generation.
func (s *Store) ChangeRootStatus(ctx context.Context, storeID treehash.Hash, gen uint32, newStatus Status) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var oldStatus int
		if err := tx.QueryRowContext(ctx,
			`SELECT status FROM root WHERE store_id = ? AND generation = ?`, storeID.Hex(), gen).Scan(&oldStatus); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE root SET status = ? WHERE store_id = ? AND generation = ? AND status = ?`,
			int(newStatus), storeID.Hex(), gen, oldStatus); err != nil {
			return err
		}
		if newStatus == StatusCommitted && Status(oldStatus) != StatusCommitted {
			root, err := scanRoot(tx.QueryRowContext(ctx,
				`SELECT generation, node_hash FROM root WHERE store_id = ? AND status = ? AND generation = ?`,
				storeID.Hex(), int(StatusCommitted), gen), storeID)
			if err != nil {
				return err
			}
			return s.buildAncestorTableForRoot(ctx, tx, storeID, root)
		}
		return nil
	})
}

// ClearPendingRoots deletes every non-committed root for storeID.
func (s *Store) ClearPendingRoots(ctx context.Context, storeID treehash.Hash) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM root WHERE store_id = ? AND status != ?`, storeID.Hex(), int(StatusCommitted))
		return err
	})
}

// RollbackToGeneration deletes every root and ancestor row with
// generation > g, for storeID. Idempotent; leaves committed [0..g] intact.
func (s *Store) RollbackToGeneration(ctx context.Context, storeID treehash.Hash, g uint32) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM root WHERE store_id = ? AND generation > ?`, storeID.Hex(), g); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM ancestors WHERE store_id = ? AND generation > ?`, storeID.Hex(), g)
		return err
	})
}

// StoreIDExists reports whether storeID has been registered via CreateStore.
func (s *Store) StoreIDExists(ctx context.Context, storeID treehash.Hash) (bool, error) {
	var count int
	err := s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM stores WHERE store_id = ?`, storeID.Hex()).Scan(&count)
	return count > 0, err
}

// GetStoreIDs returns every registered store_id.
func (s *Store) GetStoreIDs(ctx context.Context) ([]treehash.Hash, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT store_id FROM stores`)
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

// GetValidatedGeneration returns the sync scheduler's locally persisted
// last fully verified generation counter for storeID, scoped per store.
func (s *Store) GetValidatedGeneration(ctx context.Context, storeID treehash.Hash) (uint32, error) {
	var gen uint32
	err := s.reader.QueryRowContext(ctx,
		`SELECT validated_generation FROM stores WHERE store_id = ?`, storeID.Hex()).Scan(&gen)
	return gen, err
}

// SetValidatedGeneration persists the sync scheduler's validated-generation
// counter for storeID. Written only by the sync scheduler after a
// generation's delta files have been downloaded and verified.
func (s *Store) SetValidatedGeneration(ctx context.Context, storeID treehash.Hash, gen uint32) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE stores SET validated_generation = ? WHERE store_id = ?`, gen, storeID.Hex())
		return err
	})
}

func scanRoot(row *sql.Row, storeID treehash.Hash) (Root, error) {
	var gen uint32
	var nodeHash sql.NullString
	if err := row.Scan(&gen, &nodeHash); err != nil {
		if err == sql.ErrNoRows {
			return Root{}, fmt.Errorf("store: no root found for %s", storeID)
		}
		return Root{}, err
	}
	r := Root{StoreID: storeID, Generation: gen, Status: StatusCommitted}
	if nodeHash.Valid {
		h, err := treehash.HexToHash(nodeHash.String)
		if err != nil {
			return Root{}, err
		}
		r.NodeHash = h
	}
	return r, nil
}
