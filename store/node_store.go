package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/merkledl/datalayer/dlerrors"
	"github.com/merkledl/datalayer/metrics"
	"github.com/merkledl/datalayer/treehash"
)

// InsertNode inserts an Internal or Terminal node. It is idempotent on an
// exact match of an existing row and fails if hash is already present with
// any differing field.
func (s *Store) InsertNode(ctx context.Context, n Node) error {
	existing, err := s.GetNode(ctx, n.Hash)
	if err == nil {
		if !nodesEqual(existing, n) {
			return fmt.Errorf("store: insert_node: hash %s present with differing fields", n.Hash)
		}
		return nil
	}
	var notFound *dlerrors.KeyNotFoundError
	if !errors.As(err, &notFound) {
		return err
	}

	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		switch n.Type {
		case NodeTypeInternal:
			_, err := tx.ExecContext(ctx,
				`INSERT INTO node (hash, node_type, left_hash, right_hash, key, value) VALUES (?, ?, ?, ?, NULL, NULL)`,
				n.Hash.Hex(), int(NodeTypeInternal), n.Internal.LeftHash.Hex(), n.Internal.RightHash.Hex())
			return err
		case NodeTypeTerminal:
			_, err := tx.ExecContext(ctx,
				`INSERT INTO node (hash, node_type, left_hash, right_hash, key, value) VALUES (?, ?, NULL, NULL, ?, ?)`,
				n.Hash.Hex(), int(NodeTypeTerminal), n.Terminal.Key, n.Terminal.Value)
			return err
		default:
			return fmt.Errorf("store: insert_node: unknown node type %d", n.Type)
		}
	}); err != nil {
		return err
	}
	metrics.NodeInserts.Inc()
	return nil
}

func nodesEqual(a, b Node) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case NodeTypeInternal:
		return a.Internal.LeftHash == b.Internal.LeftHash && a.Internal.RightHash == b.Internal.RightHash
	case NodeTypeTerminal:
		return string(a.Terminal.Key) == string(b.Terminal.Key) && string(a.Terminal.Value) == string(b.Terminal.Value)
	default:
		return false
	}
}

// GetNode reads a single node by hash, consulting the in-process read cache
// first.
func (s *Store) GetNode(ctx context.Context, hash treehash.Hash) (Node, error) {
	metrics.NodeReads.Inc()

	if buf, ok := s.cache.HasGet(nil, hash[:]); ok {
		metrics.NodeCacheHits.Inc()
		return decodeCachedNode(hash, buf)
	}

	row := s.reader.QueryRowContext(ctx,
		`SELECT node_type, left_hash, right_hash, key, value FROM node WHERE hash = ?`, hash.Hex())

	var nodeType int
	var left, right sql.NullString
	var key, value []byte
	if err := row.Scan(&nodeType, &left, &right, &key, &value); err != nil {
		if err == sql.ErrNoRows {
			return Node{}, dlerrors.NewKeyNotFound(hash.Bytes())
		}
		return Node{}, err
	}

	n := Node{Hash: hash, Type: NodeType(nodeType)}
	switch n.Type {
	case NodeTypeInternal:
		l, err := treehash.HexToHash(left.String)
		if err != nil {
			return Node{}, err
		}
		r, err := treehash.HexToHash(right.String)
		if err != nil {
			return Node{}, err
		}
		n.Internal = &InternalNode{LeftHash: l, RightHash: r}
	case NodeTypeTerminal:
		n.Terminal = &TerminalNode{Key: key, Value: value}
	}

	s.cache.Set(hash[:], encodeCachedNode(n))
	return n, nil
}

// GetNodes reads every hash in hashes, failing if any is missing.
func (s *Store) GetNodes(ctx context.Context, hashes []treehash.Hash) ([]Node, error) {
	out := make([]Node, 0, len(hashes))
	for _, h := range hashes {
		n, err := s.GetNode(ctx, h)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// GetNodeType returns only the type tag for hash.
func (s *Store) GetNodeType(ctx context.Context, hash treehash.Hash) (NodeType, error) {
	n, err := s.GetNode(ctx, hash)
	if err != nil {
		return 0, err
	}
	return n.Type, nil
}

// encodeCachedNode/decodeCachedNode give fastcache a flat byte encoding:
// [type:1][left(32)+right(32) | varlen key + varlen value].
func encodeCachedNode(n Node) []byte {
	switch n.Type {
	case NodeTypeInternal:
		buf := make([]byte, 1, 65)
		buf[0] = byte(NodeTypeInternal)
		buf = append(buf, n.Internal.LeftHash[:]...)
		buf = append(buf, n.Internal.RightHash[:]...)
		return buf
	default:
		buf := make([]byte, 1, 1+4+len(n.Terminal.Key)+4+len(n.Terminal.Value))
		buf[0] = byte(NodeTypeTerminal)
		buf = appendVarBytes(buf, n.Terminal.Key)
		buf = appendVarBytes(buf, n.Terminal.Value)
		return buf
	}
}

func decodeCachedNode(hash treehash.Hash, buf []byte) (Node, error) {
	if len(buf) == 0 {
		return Node{}, fmt.Errorf("store: corrupt cache entry for %s", hash)
	}
	n := Node{Hash: hash, Type: NodeType(buf[0])}
	rest := buf[1:]
	switch n.Type {
	case NodeTypeInternal:
		if len(rest) != 64 {
			return Node{}, fmt.Errorf("store: corrupt internal cache entry for %s", hash)
		}
		var left, right treehash.Hash
		copy(left[:], rest[:32])
		copy(right[:], rest[32:])
		n.Internal = &InternalNode{LeftHash: left, RightHash: right}
	case NodeTypeTerminal:
		key, rest2, err := readVarBytes(rest)
		if err != nil {
			return Node{}, err
		}
		value, _, err := readVarBytes(rest2)
		if err != nil {
			return Node{}, err
		}
		n.Terminal = &TerminalNode{Key: key, Value: value}
	default:
		return Node{}, fmt.Errorf("store: corrupt cache entry type for %s", hash)
	}
	return n, nil
}
