package engine

import (
	"encoding/hex"
	"hash"
	"hash/fnv"
	"sort"
	"strconv"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"

	"github.com/cubeflow-ai/calmcore/internal/schema"
)

// Fingerprint algorithm constants, selectable via Config.HashAlgorithm.
const (
	AlgXXHash3 = 1 // default, fastest
	AlgFNV1a   = 2 // no external dependencies
	AlgBlake2b = 3 // best distribution
)

// fingerprint digests a field set into a 16-hex-character string, so
// Open can detect a base schema.json edited outside the API between
// create and reopen. Each field feeds its name and type into the digest
// in sorted name order, so two schemas with the same fields always
// fingerprint identically regardless of map iteration order.
func fingerprint(alg int, fields map[string]*schema.Field) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	h := newDigest(alg)
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{':'})
		h.Write([]byte(strconv.Itoa(int(fields[name].Type))))
		h.Write([]byte{';'})
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// newDigest returns the 64-bit digest backing the fingerprint for alg.
func newDigest(alg int) hash.Hash {
	switch alg {
	case AlgFNV1a:
		return fnv.New64a()
	case AlgBlake2b:
		h, _ := blake2b.New(8, nil)
		return h
	default:
		return xxh3.New()
	}
}
