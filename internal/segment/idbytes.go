package segment

import "encoding/binary"

// localIDBytes renders a local id as the 4-byte big-endian key used by
// the source store and as the name store's value.
func localIDBytes(id uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, id)
	return buf
}

func beUint32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }
