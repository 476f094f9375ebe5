package filecodec

import (
	"fmt"
	"path"
	"strings"

	"github.com/merkledl/datalayer/treehash"
)

const formatVersion = "v1.0"

// Kind distinguishes the two file kinds a generation publishes.
type Kind string

const (
	KindFull  Kind = "full"
	KindDelta Kind = "delta"
)

// Filename returns the bit-exact name peers rely on:
// "<store_id_hex>-<root_hex>-full|delta-<gen>-v1.0.dat", stripped of their
// "0x" prefixes, optionally nested under a "<store_id_hex>/" directory when
// groupByStore is set.
func Filename(storeID, root treehash.Hash, kind Kind, generation uint32, groupByStore bool) string {
	storeIDHex := strings.TrimPrefix(storeID.Hex(), "0x")
	rootHex := strings.TrimPrefix(root.Hex(), "0x")
	name := fmt.Sprintf("%s-%s-%s-%d-%s.dat", storeIDHex, rootHex, kind, generation, formatVersion)
	if groupByStore {
		return path.Join(storeIDHex, name)
	}
	return name
}
