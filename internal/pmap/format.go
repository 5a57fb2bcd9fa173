package pmap

import (
	"encoding/binary"

	"github.com/cubeflow-ai/calmcore/internal/calmerr"
	"github.com/cubeflow-ai/calmcore/internal/codec"
)

// fileMagic is the 2-byte magic shared by both the node and data files.
var fileMagic = [2]byte{0x5F, 0x43}

// headerSize is len(magic) + key_len(u16 BE) + tree_len(u32 BE).
const headerSize = 2 + 2 + 4

// fileHeader is the 8-byte prefix of both node and data files.
type fileHeader struct {
	KeyLen  uint16 // 0 means keys are length-prefixed varints
	TreeLen uint32 // total entry count, informational
}

func encodeHeader(h fileHeader) []byte {
	buf := make([]byte, headerSize)
	buf[0], buf[1] = fileMagic[0], fileMagic[1]
	binary.BigEndian.PutUint16(buf[2:4], h.KeyLen)
	binary.BigEndian.PutUint32(buf[4:8], h.TreeLen)
	return buf
}

func decodeHeader(buf []byte) (fileHeader, error) {
	if len(buf) < headerSize || buf[0] != fileMagic[0] || buf[1] != fileMagic[1] {
		return fileHeader{}, calmerr.New(calmerr.DecodeError, "pmap: bad file magic")
	}
	return fileHeader{
		KeyLen:  binary.BigEndian.Uint16(buf[2:4]),
		TreeLen: binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// pageEntry is one (key, child_offset) pair in a node page. child_offset
// > 0 addresses another node page; child_offset < 0 addresses a data-file
// offset, encoded as -(dataOffset+1) so that a data offset of 0 is still
// distinguishable from the unused zero value.
type pageEntry struct {
	key         []byte
	childOffset int64
}

func encodeDataRef(dataOffset int64) int64 { return -(dataOffset + 1) }
func decodeDataRef(childOffset int64) int64 { return -childOffset - 1 }

// encodePage serialises a node page: [item_count:varint u16][(key,
// child_offset:zigzag i64)*]. keyLen == 0 means keys are length-prefixed;
// otherwise every key must be exactly keyLen bytes.
func encodePage(entries []pageEntry, keyLen uint16) []byte {
	buf := codec.PutUvarint(nil, uint64(len(entries)))
	for _, e := range entries {
		if keyLen == 0 {
			buf = codec.PutUvarint(buf, uint64(len(e.key)))
		}
		buf = append(buf, e.key...)
		buf = codec.PutZigZag(buf, e.childOffset)
	}
	return buf
}

// decodePage parses a node page written by encodePage.
func decodePage(buf []byte, keyLen uint16) ([]pageEntry, error) {
	count, n := codec.Uvarint(buf)
	if n <= 0 {
		return nil, calmerr.New(calmerr.DecodeError, "pmap: truncated page item count")
	}
	buf = buf[n:]
	entries := make([]pageEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		var key []byte
		if keyLen == 0 {
			klen, kn := codec.Uvarint(buf)
			if kn <= 0 || uint64(len(buf)) < uint64(kn)+klen {
				return nil, calmerr.New(calmerr.DecodeError, "pmap: truncated page key")
			}
			buf = buf[kn:]
			key = buf[:klen]
			buf = buf[klen:]
		} else {
			if uint64(len(buf)) < uint64(keyLen) {
				return nil, calmerr.New(calmerr.DecodeError, "pmap: truncated fixed key")
			}
			key = buf[:keyLen]
			buf = buf[keyLen:]
		}
		off, on := codec.ReadZigZag(buf)
		if on <= 0 {
			return nil, calmerr.New(calmerr.DecodeError, "pmap: truncated child offset")
		}
		buf = buf[on:]
		entries = append(entries, pageEntry{key: key, childOffset: off})
	}
	return entries, nil
}

// encodeDataValue prefixes value with its varint u32 length.
func encodeDataValue(value []byte) []byte {
	buf := codec.PutUvarint(nil, uint64(len(value)))
	return append(buf, value...)
}

func decodeDataValue(buf []byte) ([]byte, int, error) {
	vlen, n := codec.Uvarint(buf)
	if n <= 0 || uint64(len(buf)) < uint64(n)+vlen {
		return nil, 0, calmerr.New(calmerr.DecodeError, "pmap: truncated data value")
	}
	return buf[n : uint64(n)+vlen], n + int(vlen), nil
}
