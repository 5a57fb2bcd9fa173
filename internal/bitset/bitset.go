// Package bitset wraps github.com/RoaringBitmap/roaring/v2 with the small
// set of operations the index layer needs. Keeping this as a thin wrapper
// rather than importing roaring directly everywhere lets segment/plan code
// read like the domain (postings, candidates, tombstones) instead of a
// generic bitmap library.
package bitset

import (
	"bytes"

	"github.com/RoaringBitmap/roaring/v2"
)

// Set is a compressed bitmap of local ids (each fits u32).
type Set struct {
	bm *roaring.Bitmap
}

// New returns an empty Set.
func New() *Set { return &Set{bm: roaring.New()} }

// FromValues returns a Set containing exactly the given local ids.
func FromValues(vals ...uint32) *Set {
	return &Set{bm: roaring.BitmapOf(vals...)}
}

// Add inserts a local id.
func (s *Set) Add(v uint32) { s.bm.Add(v) }

// Remove deletes a local id.
func (s *Set) Remove(v uint32) { s.bm.Remove(v) }

// Contains reports whether v is a member.
func (s *Set) Contains(v uint32) bool { return s.bm.Contains(v) }

// Cardinality returns the number of members.
func (s *Set) Cardinality() uint64 { return s.bm.GetCardinality() }

// Clone returns an independent copy, used whenever a bitmap is cached and
// must not be mutated through later aliasing.
func (s *Set) Clone() *Set { return &Set{bm: s.bm.Clone()} }

// Or returns the union of s and other, without mutating either.
func (s *Set) Or(other *Set) *Set {
	return &Set{bm: roaring.Or(s.bm, other.bm)}
}

// And returns the intersection of s and other, without mutating either.
func (s *Set) And(other *Set) *Set {
	return &Set{bm: roaring.And(s.bm, other.bm)}
}

// AndNot returns s minus other, without mutating either.
func (s *Set) AndNot(other *Set) *Set {
	return &Set{bm: roaring.AndNot(s.bm, other.bm)}
}

// Union computes the union of many sets at once; used by multi-token
// Text "or" composition.
func Union(sets ...*Set) *Set {
	if len(sets) == 0 {
		return New()
	}
	bms := make([]*roaring.Bitmap, len(sets))
	for i, s := range sets {
		bms[i] = s.bm
	}
	return &Set{bm: roaring.FastOr(bms...)}
}

// Intersect computes the intersection of many sets; used for multi-token
// Text "and" composition.
func Intersect(sets ...*Set) *Set {
	if len(sets) == 0 {
		return New()
	}
	out := sets[0].Clone()
	for _, s := range sets[1:] {
		out = out.And(s)
	}
	return out
}

// Range returns the Set {from, from+1, ..., to-1}, the starting point
// for a segment's live-record set before tombstones are subtracted.
func Range(from, to uint32) *Set {
	bm := roaring.New()
	bm.AddRange(uint64(from), uint64(to))
	return &Set{bm: bm}
}

// Iterator yields member values in ascending order.
type Iterator struct {
	it roaring.IntPeekable
}

// Iterator returns a forward iterator over s, ascending.
func (s *Set) Iterator() *Iterator {
	return &Iterator{it: s.bm.Iterator()}
}

// HasNext reports whether another value remains.
func (it *Iterator) HasNext() bool { return it.it.HasNext() }

// Next returns the next value in ascending order.
func (it *Iterator) Next() uint32 { return it.it.Next() }

// AdvanceIfNeeded moves the cursor to the first value >= minval, without
// consuming it; used by Combine streams' next_value.
func (it *Iterator) AdvanceIfNeeded(minval uint32) { it.it.AdvanceIfNeeded(minval) }

// PeekNext returns the next value without consuming it, or (0, false) at
// end of stream.
func (it *Iterator) PeekNext() (uint32, bool) {
	if !it.it.HasNext() {
		return 0, false
	}
	return it.it.PeekNext(), true
}

// MarshalBinary serialises the bitmap using roaring's portable format.
func (s *Set) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := s.bm.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary parses the portable roaring serialization produced by
// MarshalBinary.
func (s *Set) UnmarshalBinary(data []byte) error {
	bm := roaring.New()
	if _, err := bm.ReadFrom(bytes.NewReader(data)); err != nil {
		return err
	}
	s.bm = bm
	return nil
}

// IsEmpty reports whether the set has no members.
func (s *Set) IsEmpty() bool { return s.bm.IsEmpty() }

// ToArray materialises all members; intended for small sets (tests,
// debugging), not hot paths.
func (s *Set) ToArray() []uint32 { return s.bm.ToArray() }
