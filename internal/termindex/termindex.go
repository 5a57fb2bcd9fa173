// Package termindex implements the per-field structured index: an
// ordered map from a memory-comparable encoded value to a bitmap
// of local ids, supporting term, in_terms and between.
//
// Keys arriving here are already encoded by the caller via
// internal/codec — this package only ever compares raw bytes, so the same
// ordered map serves Bool/Int/Float/String fields alike. Text fields get
// no term index; they are indexed by internal/fulltext only.
package termindex

import (
	"bytes"

	"github.com/cubeflow-ai/calmcore/internal/bitset"
	"github.com/cubeflow-ai/calmcore/internal/calmerr"
	"github.com/cubeflow-ai/calmcore/internal/pmap"
)

// Reader answers term/in_terms/between queries against either a hot
// (Memory) or warm (Disk) backing PMap.
type Reader struct {
	pm pmap.Reader
}

// NewReader wraps a PMap reader (Memory or Disk) as a term index reader.
func NewReader(pm pmap.Reader) *Reader {
	return &Reader{pm: pm}
}

// Term returns the posting for an exact encoded value, or an empty set.
func (r *Reader) Term(key []byte) *bitset.Set {
	raw, ok := r.pm.Get(key)
	if !ok {
		return bitset.New()
	}
	bs, err := decodeBitmap(raw)
	if err != nil {
		return bitset.New()
	}
	return bs
}

// InTerms unions the postings of every value in the list.
func (r *Reader) InTerms(keys [][]byte) *bitset.Set {
	result := bitset.New()
	for _, k := range keys {
		result = result.Or(r.Term(k))
	}
	return result
}

// Between scans the ordered map starting at low (or the beginning, if low
// is nil), stopping once high is exceeded, honoring the inclusive flags
// exactly on the boundary keys. A nil bound is unbounded.
func (r *Reader) Between(low []byte, lowInclusive bool, high []byte, highInclusive bool) *bitset.Set {
	result := bitset.New()

	var cur pmap.Cursor
	if low == nil {
		cur = r.pm.Seek(nil)
	} else {
		cur = r.pm.Seek(low)
	}
	defer cur.Close()

	for ; cur.Valid(); cur.Advance() {
		key := cur.Key()

		if low != nil && !lowInclusive && bytes.Equal(key, low) {
			continue
		}

		if high != nil {
			cmp := bytes.Compare(key, high)
			if cmp > 0 {
				break
			}
			if cmp == 0 && !highInclusive {
				break
			}
		}

		bs, err := decodeBitmap(cur.Value())
		if err != nil {
			continue
		}
		result = result.Or(bs)
	}
	return result
}

func decodeBitmap(raw []byte) (*bitset.Set, error) {
	bs := bitset.New()
	if err := bs.UnmarshalBinary(raw); err != nil {
		return nil, calmerr.Wrap(calmerr.DecodeError, "termindex: decode posting bitmap", err)
	}
	return bs, nil
}

// Writer batches per-field posting updates for one write batch: records
// are grouped per term, and each touched posting becomes the union of
// the existing bitmap and the newly added local ids, written back in a
// single batch.
type Writer struct {
	pm      *pmap.Memory
	pending map[string]*bitset.Set
	keys    map[string][]byte
}

// NewWriter opens a batch against a hot (Memory) term index.
func NewWriter(pm *pmap.Memory) *Writer {
	return &Writer{pm: pm, pending: make(map[string]*bitset.Set), keys: make(map[string][]byte)}
}

// Add records that local id should be added to key's posting.
func (w *Writer) Add(key []byte, id uint32) {
	s := string(key)
	bs, ok := w.pending[s]
	if !ok {
		bs = bitset.New()
		if raw, found := w.pm.Get(key); found {
			if decoded, err := decodeBitmap(raw); err == nil {
				bs = decoded
			}
		}
		w.pending[s] = bs
		w.keys[s] = append([]byte(nil), key...)
	}
	bs.Add(id)
}

// Commit writes every touched posting back to the PMap as one sorted
// batch, so readers cloned before Commit keep seeing the pre-write state.
func (w *Writer) Commit() error {
	if len(w.pending) == 0 {
		return nil
	}
	entries := make([]pmap.Entry, 0, len(w.pending))
	for s, bs := range w.pending {
		raw, err := bs.MarshalBinary()
		if err != nil {
			return calmerr.Wrap(calmerr.Internal, "termindex: marshal posting bitmap", err)
		}
		entries = append(entries, pmap.Entry{Key: w.keys[s], Value: raw})
	}
	pmap.SortEntries(entries)
	w.pm.BatchWrite(entries)
	return nil
}
