package fulltext

import (
	"github.com/cubeflow-ai/calmcore/internal/analyzer"
	"github.com/cubeflow-ai/calmcore/internal/bitset"
	"github.com/cubeflow-ai/calmcore/internal/calmerr"
	"github.com/cubeflow-ai/calmcore/internal/pmap"
)

// Writer batches one write batch's worth of full-text updates against a
// hot (Memory-backed) field: every token touched in the batch
// accumulates its new local ids against the prior posting before a
// single BatchWrite commits them.
type Writer struct {
	analyzer *analyzer.Analyzer
	tokenMap *pmap.Memory
	docMap   *pmap.Memory

	tokenPending map[string]*bitset.Set
	docEntries   []pmap.Entry

	docCountDelta  uint32
	totalTermDelta uint64
}

// NewWriter opens a batch against the given hot token/doc maps.
func NewWriter(an *analyzer.Analyzer, tokenMap, docMap *pmap.Memory) *Writer {
	return &Writer{
		analyzer:     an,
		tokenMap:     tokenMap,
		docMap:       docMap,
		tokenPending: make(map[string]*bitset.Set),
	}
}

// Add analyzes text for local id and stages its token postings and
// position lists. An empty text is skipped entirely and does not count
// toward doc_count/total_term.
func (w *Writer) Add(id uint32, text string) {
	if text == "" {
		return
	}
	tokens := w.analyzer.AnalyzeIndex(text)
	if len(tokens) == 0 {
		return
	}

	w.docCountDelta++
	w.totalTermDelta += uint64(len(tokens))

	w.docEntries = append(w.docEntries, pmap.Entry{
		Key:   docKey(id, ""),
		Value: encodePositions([]uint32{uint32(len(tokens))}),
	})

	byToken := make(map[string][]uint32)
	order := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, seen := byToken[t.Text]; !seen {
			order = append(order, t.Text)
		}
		byToken[t.Text] = append(byToken[t.Text], uint32(t.Index))
	}

	for _, term := range order {
		positions := byToken[term]
		w.docEntries = append(w.docEntries, pmap.Entry{Key: docKey(id, term), Value: encodePositions(positions)})

		bs, ok := w.tokenPending[term]
		if !ok {
			bs = bitset.New()
			if raw, found := w.tokenMap.Get([]byte(term)); found {
				if decoded, err := decodeBitmap(raw); err == nil {
					bs = decoded
				}
			}
			w.tokenPending[term] = bs
		}
		bs.Add(id)
	}
}

// Commit writes both maps back in one batch each and returns the
// doc_count/total_term deltas to apply to the field's atomic counters.
func (w *Writer) Commit() (docCountDelta uint32, totalTermDelta uint64, err error) {
	if len(w.tokenPending) > 0 {
		entries := make([]pmap.Entry, 0, len(w.tokenPending))
		for term, bs := range w.tokenPending {
			raw, merr := bs.MarshalBinary()
			if merr != nil {
				return 0, 0, calmerr.Wrap(calmerr.Internal, "fulltext: marshal token posting", merr)
			}
			entries = append(entries, pmap.Entry{Key: []byte(term), Value: raw})
		}
		pmap.SortEntries(entries)
		w.tokenMap.BatchWrite(entries)
	}

	if len(w.docEntries) > 0 {
		pmap.SortEntries(w.docEntries)
		w.docMap.BatchWrite(w.docEntries)
	}

	return w.docCountDelta, w.totalTermDelta, nil
}

func decodeBitmap(raw []byte) (*bitset.Set, error) {
	bs := bitset.New()
	if err := bs.UnmarshalBinary(raw); err != nil {
		return nil, calmerr.Wrap(calmerr.DecodeError, "fulltext: decode token posting", err)
	}
	return bs, nil
}
