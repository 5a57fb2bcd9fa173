package codec

import "encoding/binary"

// ZigZagEncode64 maps a signed 64-bit integer to an unsigned one so that
// small-magnitude values (positive or negative) encode to small varints.
// Used for the PMap disk node page's child_offset field: positive
// means "another node page", negative means "a data-file offset".
func ZigZagEncode64(n int64) uint64 {
	return uint64((n << 1) ^ (n >> 63))
}

// ZigZagDecode64 inverts ZigZagEncode64.
func ZigZagDecode64(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

// PutUvarint appends the varint encoding of v to buf.
func PutUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// PutZigZag appends the zigzag-varint encoding of a signed offset to buf.
func PutZigZag(buf []byte, v int64) []byte {
	return PutUvarint(buf, ZigZagEncode64(v))
}

// Uvarint reads a varint from buf, returning the value and bytes consumed.
func Uvarint(buf []byte) (uint64, int) {
	return binary.Uvarint(buf)
}

// ReadZigZag reads a zigzag-varint signed offset from buf.
func ReadZigZag(buf []byte) (int64, int) {
	u, n := binary.Uvarint(buf)
	return ZigZagDecode64(u), n
}
