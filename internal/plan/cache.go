package plan

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// hashKey computes the scratch-cache key — (field, op, value) → bitmap
// — from its component parts. The plan's cache map is itself already
// scoped to one segment, so the segment's start doesn't need to be
// folded in.
func hashKey(parts ...[]byte) uint64 {
	h := xxh3.New()
	var lenBuf [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(p)))
		h.Write(lenBuf[:])
		h.Write(p)
	}
	return h.Sum64()
}

func u64Bytes(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func boolByte(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}
