package store

import (
	"encoding/binary"
	"fmt"
)

// appendVarBytes appends a u32_be length prefix followed by b.
func appendVarBytes(dst []byte, b []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, b...)
	return dst
}

// readVarBytes reads a u32_be-length-prefixed byte string, returning the
// value and the remaining tail.
func readVarBytes(src []byte) (value []byte, rest []byte, err error) {
	if len(src) < 4 {
		return nil, nil, fmt.Errorf("store: truncated varbytes length")
	}
	n := binary.BigEndian.Uint32(src[:4])
	src = src[4:]
	if uint32(len(src)) < n {
		return nil, nil, fmt.Errorf("store: truncated varbytes payload")
	}
	return src[:n], src[n:], nil
}
