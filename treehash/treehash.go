package treehash

import "crypto/sha256"

// Domain-separation tags for the tree-hash scheme: an atom (raw bytes) hashes
// under tag 1, a pair (two already-hashed 32-byte digests) hashes under tag
// 2. This mirrors the CLVM tree-hash convention the store's root hash is
// published under, so that internal and leaf hashes never collide with each
// other or with a bare sha256 of the same bytes.
const (
	atomTag byte = 1
	pairTag byte = 2
)

// atomHash hashes a raw byte string as a tree atom.
func atomHash(b []byte) Hash {
	h := sha256.New()
	h.Write([]byte{atomTag})
	h.Write(b)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// pairHashPrecalc hashes a pair of two already-computed digests, without
// re-wrapping them as atoms first (the "precalc" variant used when the two
// children are themselves node hashes rather than raw values).
func pairHashPrecalc(a, b Hash) Hash {
	h := sha256.New()
	h.Write([]byte{pairTag})
	h.Write(a[:])
	h.Write(b[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// InternalHash computes hash = H(0x02 || left_hash || right_hash) for an
// internal node, per the node invariant in the data model.
func InternalHash(left, right Hash) Hash {
	return pairHashPrecalc(left, right)
}

// LeafHash computes hash = H_pair(key, value) for a terminal node: the
// domain-separated pair hash of the two atom-hashed values.
func LeafHash(key, value []byte) Hash {
	return pairHashPrecalc(atomHash(key), atomHash(value))
}
