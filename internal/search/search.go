// Package search implements the multi-segment top-N searcher: it
// collects hit streams from every segment's compiled
// plan, maintains a bounded best-N set keyed by a memory-comparable
// sort key, and projects the final hits.
package search

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/cubeflow-ai/calmcore/internal/calmerr"
	"github.com/cubeflow-ai/calmcore/internal/codec"
	"github.com/cubeflow-ai/calmcore/internal/plan"
	"github.com/cubeflow-ai/calmcore/internal/schema"
	"github.com/cubeflow-ai/calmcore/internal/segment"
	"github.com/cubeflow-ai/calmcore/query"
	"github.com/cubeflow-ai/calmcore/record"
)

// Hit is one returned result: its (possibly projected) record and the
// score its winning stream branch contributed.
type Hit struct {
	Record *record.Record
	Score  float64
}

// Result is the (hits, total_hits) pair search() returns.
type Result struct {
	Hits      []Hit
	TotalHits uint64
}

type candidate struct {
	key   []byte
	seg   segment.Reader
	id    uint64
	score float64
	rec   *record.Record
}

// Search runs q against segs, which must already be ordered newest-start
// -first, and returns the top
// offset+count hits plus total_hits.
func Search(segs []segment.Reader, fields map[string]*schema.Field, q *query.Search) (*Result, error) {
	plans := make([]*plan.Plan, len(segs))
	var g errgroup.Group
	for i, seg := range segs {
		i, seg := i, seg
		g.Go(func() error {
			p, err := plan.Compile(seg, q.Query)
			if err != nil {
				return err
			}
			plans[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var filterCard uint64
	hasText := false
	for _, p := range plans {
		filterCard += p.FilterBitmap().Cardinality()
		if p.HasText() {
			hasText = true
		}
	}

	needsRecord := false
	for _, sf := range q.OrderBy {
		if sf.Field != "_score" {
			needsRecord = true
		}
	}
	// With no order_by, the sort key reduces to the id; ids only grow
	// within a segment, so a full best set means the rest of the segment
	// can be skipped — unless a Text stream is in play, in which case
	// total_hits must count every streamed candidate.
	idOnly := len(q.OrderBy) == 0 && !hasText

	capacity := q.Limit.Offset + q.Limit.Count

	var best []*candidate
	var streamed uint64

	for i, seg := range segs {
		s := plans[i].Stream()
		for s.Next() {
			id := s.Value()
			streamed++

			if capacity <= 0 {
				continue
			}

			if idOnly && len(best) >= capacity && id >= decodeID(best[len(best)-1].key) {
				break // ids only grow from here within this segment
			}

			var rec *record.Record
			if needsRecord {
				var err error
				rec, err = seg.Doc(id)
				if err != nil {
					return nil, err
				}
				if rec == nil {
					continue
				}
			}

			key, err := sortKey(q.OrderBy, id, s.Score(), rec, fields)
			if err != nil {
				return nil, err
			}

			if len(best) >= capacity && bytes.Compare(key, best[len(best)-1].key) >= 0 {
				continue // dropped without materializing further
			}

			best = insertSorted(best, &candidate{key: key, seg: seg, id: id, score: s.Score(), rec: rec}, capacity)
		}
	}

	totalHits := filterCard
	if hasText || len(q.OrderBy) > 0 {
		totalHits = streamed
	}

	start := q.Limit.Offset
	if start > len(best) {
		start = len(best)
	}
	end := len(best)
	if q.Limit.Count > 0 && start+q.Limit.Count < end {
		end = start + q.Limit.Count
	}

	res := &Result{TotalHits: totalHits}
	for _, c := range best[start:end] {
		rec := c.rec
		if rec == nil {
			var err error
			rec, err = c.seg.Doc(c.id)
			if err != nil {
				return nil, err
			}
		}
		rec, err := project(rec, q.Projection)
		if err != nil {
			return nil, err
		}
		res.Hits = append(res.Hits, Hit{Record: rec, Score: c.score})
	}
	return res, nil
}

// sortKey builds the full concatenated sort key for one hit: the
// encoded order_by fields (complemented when descending) followed by
// the id as a big-endian tiebreak.
func sortKey(orderBy []query.SortField, id uint64, score float64, rec *record.Record, fields map[string]*schema.Field) ([]byte, error) {
	var key []byte
	var values map[string]any

	for _, sf := range orderBy {
		var enc []byte
		var err error
		if sf.Field == "_score" {
			enc = codec.EncodeFloat64(float64(float32(score)))
		} else {
			f, ok := fields[sf.Field]
			if !ok {
				return nil, calmerr.Newf(calmerr.InvalidParam, "search: unknown order_by field %q", sf.Field)
			}
			if values == nil {
				values, err = segment.DecodeJSON(rec.Data)
				if err != nil {
					return nil, err
				}
			}
			enc, err = encodeSortValue(f.Type, values[sf.Field])
			if err != nil {
				return nil, err
			}
		}
		if !sf.Ascending {
			enc = codec.Complement255(enc)
		}
		key = append(key, enc...)
	}

	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], id)
	return append(key, idBuf[:]...), nil
}

func decodeID(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

// insertSorted inserts c into best (kept sorted ascending by key),
// trimming to capacity.
func insertSorted(best []*candidate, c *candidate, capacity int) []*candidate {
	idx := sort.Search(len(best), func(i int) bool { return bytes.Compare(best[i].key, c.key) >= 0 })
	best = append(best, nil)
	copy(best[idx+1:], best[idx:])
	best[idx] = c
	if len(best) > capacity {
		best = best[:capacity]
	}
	return best
}

// project filters rec's JSON object to the given keys and re-encodes
// Data, or returns rec unchanged when projection is empty.
func project(rec *record.Record, projection []string) (*record.Record, error) {
	if rec == nil || len(projection) == 0 {
		return rec, nil
	}
	v, err := segment.DecodeJSON(rec.Data)
	if err != nil {
		return nil, err
	}
	filtered := make(map[string]any, len(projection))
	for _, k := range projection {
		if val, ok := v[k]; ok {
			filtered[k] = val
		}
	}
	data, err := json.Marshal(filtered)
	if err != nil {
		return nil, calmerr.Wrap(calmerr.Internal, "search: encode projected record", err)
	}
	return &record.Record{Name: rec.Name, ID: rec.ID, Data: data, Vectors: rec.Vectors}, nil
}
