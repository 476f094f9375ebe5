// Package filecodec implements the C5 full-tree and delta-tree file format:
// a sequence of length-prefixed node records in post-order (children before
// parents), with a root-hash-verified parsing contract. The binary layout
// follows the same length-prefixed record encoding used for Merkle proof
// serialization elsewhere in this codebase's storage layers, adapted to
// this store's flat two-node-type model.
package filecodec

import (
	"encoding/binary"
	"fmt"

	"github.com/merkledl/datalayer/store"
	"github.com/merkledl/datalayer/treehash"
)

const (
	tagInternal byte = 0
	tagTerminal byte = 1
)

// encodeRecord serializes one node as tag || payload: Terminal is
// tag=1 || varbytes(key) || varbytes(value); Internal is
// tag=0 || 32(left_hash) || 32(right_hash).
func encodeRecord(n store.Node) []byte {
	switch n.Type {
	case store.NodeTypeInternal:
		buf := make([]byte, 1, 65)
		buf[0] = tagInternal
		buf = append(buf, n.Internal.LeftHash[:]...)
		buf = append(buf, n.Internal.RightHash[:]...)
		return buf
	default:
		buf := make([]byte, 1, 1+4+len(n.Terminal.Key)+4+len(n.Terminal.Value))
		buf[0] = tagTerminal
		buf = appendVarBytes(buf, n.Terminal.Key)
		buf = appendVarBytes(buf, n.Terminal.Value)
		return buf
	}
}

// decodeRecord parses a single record payload (without its length prefix)
// back into a Node. The node's content-addressed hash is derived from its
// decoded fields, not stored in the file: post-order traversal guarantees
// an Internal record's children were already decoded (and so already carry
// their real hashes) by the time the parent record is read.
func decodeRecord(payload []byte) (store.Node, error) {
	if len(payload) == 0 {
		return store.Node{}, fmt.Errorf("filecodec: empty record")
	}
	switch payload[0] {
	case tagInternal:
		if len(payload) != 65 {
			return store.Node{}, fmt.Errorf("filecodec: malformed internal record: %d bytes", len(payload))
		}
		var left, right treehash.Hash
		copy(left[:], payload[1:33])
		copy(right[:], payload[33:65])
		return store.Node{
			Hash:     treehash.InternalHash(left, right),
			Type:     store.NodeTypeInternal,
			Internal: &store.InternalNode{LeftHash: left, RightHash: right},
		}, nil
	case tagTerminal:
		key, rest, err := readVarBytes(payload[1:])
		if err != nil {
			return store.Node{}, fmt.Errorf("filecodec: malformed terminal key: %w", err)
		}
		value, _, err := readVarBytes(rest)
		if err != nil {
			return store.Node{}, fmt.Errorf("filecodec: malformed terminal value: %w", err)
		}
		return store.Node{
			Hash:     treehash.LeafHash(key, value),
			Type:     store.NodeTypeTerminal,
			Terminal: &store.TerminalNode{Key: key, Value: value},
		}, nil
	default:
		return store.Node{}, fmt.Errorf("filecodec: unknown tag %d", payload[0])
	}
}

func appendVarBytes(dst, b []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, b...)
}

func readVarBytes(src []byte) (value, rest []byte, err error) {
	if len(src) < 4 {
		return nil, nil, fmt.Errorf("filecodec: truncated length prefix")
	}
	n := binary.BigEndian.Uint32(src[:4])
	src = src[4:]
	if uint64(len(src)) < uint64(n) {
		return nil, nil, fmt.Errorf("filecodec: truncated payload: want %d, have %d", n, len(src))
	}
	return src[:n], src[n:], nil
}

func appendLengthPrefixed(dst, record []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(record)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, record...)
}

func readLengthPrefixed(src []byte) (record, rest []byte, err error) {
	if len(src) < 4 {
		return nil, nil, fmt.Errorf("filecodec: truncated record length")
	}
	n := binary.BigEndian.Uint32(src[:4])
	src = src[4:]
	if uint64(len(src)) < uint64(n) {
		return nil, nil, fmt.Errorf("filecodec: truncated record: want %d, have %d", n, len(src))
	}
	return src[:n], src[n:], nil
}
