package proof

import (
	"encoding/binary"
	"fmt"

	"github.com/merkledl/datalayer/store"
	"github.com/merkledl/datalayer/treehash"
)

// Serialize encodes p as a layer count, a big-endian bitmask (bit i set
// when layer i's OtherSide is SideLeft), and the ordered sibling hashes.
// CombinedHash is not carried on the wire since a verifier recomputes it
// from the leaf hash it already holds (Recompute).
func Serialize(p Proof) []byte {
	out := make([]byte, 12, 12+32*len(p.Layers))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(p.Layers)))

	var sides uint64
	for i, l := range p.Layers {
		if l.OtherSide == store.SideLeft {
			sides |= 1 << uint(i)
		}
	}
	binary.BigEndian.PutUint64(out[4:12], sides)

	for _, l := range p.Layers {
		out = append(out, l.OtherHash[:]...)
	}
	return out
}

// Deserialize parses Serialize's wire form. Each layer's CombinedHash is
// left zero; call Recompute with the claimed leaf hash to fill it in and
// obtain the resulting root.
func Deserialize(data []byte) (Proof, error) {
	if len(data) < 12 {
		return Proof{}, fmt.Errorf("proof: truncated header")
	}
	count := binary.BigEndian.Uint32(data[0:4])
	sides := binary.BigEndian.Uint64(data[4:12])
	rest := data[12:]
	if uint64(len(rest)) != uint64(count)*32 {
		return Proof{}, fmt.Errorf("proof: length mismatch: want %d hash(es), have %d byte(s)", count, len(rest))
	}

	layers := make([]Layer, count)
	for i := uint32(0); i < count; i++ {
		var h treehash.Hash
		copy(h[:], rest[i*32:i*32+32])
		side := store.SideRight
		if sides&(1<<uint(i)) != 0 {
			side = store.SideLeft
		}
		layers[i] = Layer{OtherHash: h, OtherSide: side}
	}
	return Proof{Layers: layers}, nil
}

// Recompute fills in every layer's CombinedHash starting from leafHash,
// without consulting storage, and returns the resulting root hash — this
// is how a peer that received a serialized proof out of band verifies it.
func Recompute(p Proof, leafHash treehash.Hash) (Proof, treehash.Hash) {
	current := leafHash
	out := make([]Layer, len(p.Layers))
	for i, l := range p.Layers {
		current = combine(current, l.OtherHash, l.OtherSide)
		l.CombinedHash = current
		out[i] = l
	}
	return Proof{Layers: out}, current
}
