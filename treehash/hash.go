// Package treehash defines the 32-byte digest type and domain-separated
// tree-hash scheme shared by every node, root, and proof in the store.
package treehash

import (
	"encoding/hex"
	"fmt"
)

const HashLength = 32

// Hash is a 32-byte content-addressing digest: a node hash, a root hash, or
// a store_id.
type Hash [HashLength]byte

// ZeroHash is the sentinel denoting the empty tree's root.
var ZeroHash = Hash{}

// BytesToHash converts bytes to Hash, left-padding if shorter than 32 bytes
// and truncating to the trailing 32 bytes if longer.
func BytesToHash(b []byte) Hash {
	var h Hash
	h.SetBytes(b)
	return h
}

// HexToHash converts a "0x"-prefixed or bare hex string to Hash.
func HexToHash(s string) (Hash, error) {
	b, err := hex.DecodeString(trimHexPrefix(s))
	if err != nil {
		return Hash{}, fmt.Errorf("treehash: invalid hex hash %q: %w", s, err)
	}
	return BytesToHash(b), nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// Bytes returns the byte representation of the hash.
func (h Hash) Bytes() []byte { return h[:] }

// Hex returns the 64-character lowercase hex string of the hash, without a
// "0x" prefix.
func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

// SetBytes sets the hash from a byte slice, left-padding if necessary.
func (h *Hash) SetBytes(b []byte) {
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
}

// IsZero returns whether the hash is the empty-tree sentinel.
func (h Hash) IsZero() bool { return h == Hash{} }

// String implements fmt.Stringer.
func (h Hash) String() string { return h.Hex() }
