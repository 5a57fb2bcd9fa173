package fulltext

import "encoding/binary"

// docKey encodes a DocMap key (local_id, token) as a 4-byte
// big-endian local id followed by the raw token bytes, so DocMap entries
// for one document sort contiguously ahead of any larger id and the
// sentinel token "" (the document-length entry) sorts first within a
// document's run.
func docKey(id uint32, token string) []byte {
	buf := make([]byte, 4+len(token))
	binary.BigEndian.PutUint32(buf, id)
	copy(buf[4:], token)
	return buf
}

// encodePositions packs a position list as consecutive big-endian u32
// words; decodePositions is its inverse. A length prefix isn't needed
// since the buffer length is always a multiple of 4.
func encodePositions(positions []uint32) []byte {
	buf := make([]byte, len(positions)*4)
	for i, p := range positions {
		binary.BigEndian.PutUint32(buf[i*4:], p)
	}
	return buf
}

func decodePositions(buf []byte) []uint32 {
	out := make([]uint32, len(buf)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(buf[i*4:])
	}
	return out
}
