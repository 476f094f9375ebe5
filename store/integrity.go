package store

import (
	"context"

	"github.com/merkledl/datalayer/dlerrors"
	"github.com/merkledl/datalayer/treehash"
)

// CheckIntegrity runs all five node-store self-checks and returns one
// IntegrityError per failing rule (not per row), so a caller sees every
// violated invariant in a single pass rather than aborting at the first.
func (s *Store) CheckIntegrity(ctx context.Context) ([]error, error) {
	var failures []error

	checks := []func(context.Context) (dlerrors.IntegrityErrorKind, []treehash.Hash, error){
		s.checkInternalKeyValue,
		s.checkInternalLeftRightHash,
		s.checkTerminalLeftRight,
		s.checkGenerationsIncrementing,
		s.checkNodeHashes,
	}
	for _, check := range checks {
		kind, hashes, err := check(ctx)
		if err != nil {
			return nil, err
		}
		if len(hashes) > 0 {
			failures = append(failures, dlerrors.NewIntegrityError(kind, hashes))
		}
	}
	return failures, nil
}

func (s *Store) checkInternalKeyValue(ctx context.Context) (dlerrors.IntegrityErrorKind, []treehash.Hash, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT hash FROM node WHERE node_type = ? AND (key IS NOT NULL OR value IS NOT NULL)`, int(NodeTypeInternal))
	if err != nil {
		return 0, nil, err
	}
	hashes, err := scanHashes(rows)
	return dlerrors.IntegrityInternalKeyValue, hashes, err
}

func (s *Store) checkInternalLeftRightHash(ctx context.Context) (dlerrors.IntegrityErrorKind, []treehash.Hash, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT hash FROM node WHERE node_type = ? AND (left_hash IS NULL OR right_hash IS NULL OR length(left_hash) != 64 OR length(right_hash) != 64)`,
		int(NodeTypeInternal))
	if err != nil {
		return 0, nil, err
	}
	hashes, err := scanHashes(rows)
	return dlerrors.IntegrityInternalLeftRightNotHash, hashes, err
}

func (s *Store) checkTerminalLeftRight(ctx context.Context) (dlerrors.IntegrityErrorKind, []treehash.Hash, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT hash FROM node WHERE node_type = ? AND (left_hash IS NOT NULL OR right_hash IS NOT NULL)`, int(NodeTypeTerminal))
	if err != nil {
		return 0, nil, err
	}
	hashes, err := scanHashes(rows)
	return dlerrors.IntegrityTerminalLeftRight, hashes, err
}

func (s *Store) checkGenerationsIncrementing(ctx context.Context) (dlerrors.IntegrityErrorKind, []treehash.Hash, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT DISTINCT store_id FROM root WHERE status = ?`, int(StatusCommitted))
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	var offending []treehash.Hash
	for rows.Next() {
		var storeIDHex string
		if err := rows.Scan(&storeIDHex); err != nil {
			return 0, nil, err
		}
		gens, err := s.committedGenerations(ctx, storeIDHex)
		if err != nil {
			return 0, nil, err
		}
		for i, g := range gens {
			if uint32(i) != g {
				storeID, _ := treehash.HexToHash(storeIDHex)
				offending = append(offending, storeID)
				break
			}
		}
	}
	return dlerrors.IntegrityGenerationsNotIncrementing, offending, rows.Err()
}

func (s *Store) committedGenerations(ctx context.Context, storeIDHex string) ([]uint32, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT generation FROM root WHERE store_id = ? AND status = ? ORDER BY generation ASC`,
		storeIDHex, int(StatusCommitted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gens []uint32
	for rows.Next() {
		var g uint32
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		gens = append(gens, g)
	}
	return gens, rows.Err()
}

func (s *Store) checkNodeHashes(ctx context.Context) (dlerrors.IntegrityErrorKind, []treehash.Hash, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT hash FROM node`)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	var offending []treehash.Hash
	var allHashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return 0, nil, err
		}
		allHashes = append(allHashes, h)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}

	for _, hexHash := range allHashes {
		hash, err := treehash.HexToHash(hexHash)
		if err != nil {
			return 0, nil, err
		}
		n, err := s.GetNode(ctx, hash)
		if err != nil {
			return 0, nil, err
		}
		var recomputed treehash.Hash
		switch n.Type {
		case NodeTypeInternal:
			recomputed = treehash.InternalHash(n.Internal.LeftHash, n.Internal.RightHash)
		case NodeTypeTerminal:
			recomputed = treehash.LeafHash(n.Terminal.Key, n.Terminal.Value)
		}
		if recomputed != hash {
			offending = append(offending, hash)
		}
	}
	return dlerrors.IntegrityNodeHash, offending, nil
}

func scanHashes(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
	Close() error
}) ([]treehash.Hash, error) {
	defer rows.Close()
	var out []treehash.Hash
	for rows.Next() {
		var hexHash string
		if err := rows.Scan(&hexHash); err != nil {
			return nil, err
		}
		h, err := treehash.HexToHash(hexHash)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
