// Package record defines the engine's record tuple (name, id, data,
// vectors) and its binary codec for the segment source store.
package record

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/cubeflow-ai/calmcore/internal/calmerr"
	"github.com/cubeflow-ai/calmcore/internal/codec"
)

// zstd compresses every encoded record at SpeedFastest: compression runs
// on the write hot path (one record at a time, inside the write lock) so
// it must stay cheap, while decompression is cold (one Get/Doc lookup)
// and can afford the better ratio that level affords on the read side.
var (
	zstdEncOnce sync.Once
	zstdEnc     *zstd.Encoder
	zstdDecOnce sync.Once
	zstdDec     *zstd.Decoder
)

func encoder() *zstd.Encoder {
	zstdEncOnce.Do(func() {
		zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	return zstdEnc
}

func decoder() *zstd.Decoder {
	zstdDecOnce.Do(func() {
		zstdDec, _ = zstd.NewReader(nil)
	})
	return zstdDec
}

// VectorRef is a named embedding attached to a record. Vector
// indexing itself is out of scope; VectorRef is still carried on the wire so the binary format
// round-trips records that do carry one.
type VectorRef struct {
	Field  string
	Vector []float32
}

// Record is the stored tuple: a user-visible name, the engine-wide id,
// the JSON payload, and any attached vectors.
type Record struct {
	Name    string
	ID      uint64
	Data    []byte
	Vectors []VectorRef
}

// Encode serialises r as a length-prefixed, fixed, language-neutral
// binary encoding: every variable-length field is a varint-prefixed
// byte run, so decoding never depends on host endianness or struct
// padding.
func Encode(r *Record) []byte {
	buf := codec.PutUvarint(nil, uint64(len(r.Name)))
	buf = append(buf, r.Name...)

	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], r.ID)
	buf = append(buf, idBuf[:]...)

	buf = codec.PutUvarint(buf, uint64(len(r.Data)))
	buf = append(buf, r.Data...)

	buf = codec.PutUvarint(buf, uint64(len(r.Vectors)))
	for _, v := range r.Vectors {
		buf = codec.PutUvarint(buf, uint64(len(v.Field)))
		buf = append(buf, v.Field...)
		buf = codec.PutUvarint(buf, uint64(len(v.Vector)))
		for _, f := range v.Vector {
			var fbuf [4]byte
			binary.BigEndian.PutUint32(fbuf[:], math.Float32bits(f))
			buf = append(buf, fbuf[:]...)
		}
	}
	return encoder().EncodeAll(buf, nil)
}

// Decode parses the format Encode produces.
func Decode(compressed []byte) (*Record, error) {
	buf, err := decoder().DecodeAll(compressed, nil)
	if err != nil {
		return nil, calmerr.WrapData(calmerr.DecodeError, "record: decompress", compressed, err)
	}
	r := &Record{}

	name, n, err := readBytes(buf)
	if err != nil {
		return nil, err
	}
	r.Name = string(name)
	buf = buf[n:]

	if len(buf) < 8 {
		return nil, calmerr.New(calmerr.DecodeError, "record: truncated id")
	}
	r.ID = binary.BigEndian.Uint64(buf[:8])
	buf = buf[8:]

	data, n, err := readBytes(buf)
	if err != nil {
		return nil, err
	}
	r.Data = data
	buf = buf[n:]

	vcount, n := codec.Uvarint(buf)
	if n <= 0 {
		return nil, calmerr.New(calmerr.DecodeError, "record: truncated vector count")
	}
	buf = buf[n:]

	r.Vectors = make([]VectorRef, 0, vcount)
	for i := uint64(0); i < vcount; i++ {
		field, n, err := readBytes(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]

		flen, n := codec.Uvarint(buf)
		if n <= 0 {
			return nil, calmerr.New(calmerr.DecodeError, "record: truncated vector length")
		}
		buf = buf[n:]

		if uint64(len(buf)) < flen*4 {
			return nil, calmerr.New(calmerr.DecodeError, "record: truncated vector data")
		}
		vec := make([]float32, flen)
		for j := range vec {
			vec[j] = math.Float32frombits(binary.BigEndian.Uint32(buf[j*4:]))
		}
		buf = buf[flen*4:]

		r.Vectors = append(r.Vectors, VectorRef{Field: string(field), Vector: vec})
	}

	return r, nil
}

func readBytes(buf []byte) ([]byte, int, error) {
	l, n := codec.Uvarint(buf)
	if n <= 0 || uint64(len(buf)) < uint64(n)+l {
		return nil, 0, calmerr.New(calmerr.DecodeError, "record: truncated length-prefixed field")
	}
	return buf[n : uint64(n)+l], n + int(l), nil
}
