package fulltext

import (
	"math"

	"github.com/cubeflow-ai/calmcore/internal/analyzer"
	"github.com/cubeflow-ai/calmcore/internal/bitset"
	"github.com/cubeflow-ai/calmcore/internal/pmap"
)

// Reader answers full-text queries against either a hot or warm backing
// pair of PMaps, plus the field's doc_count/total_term counters, read
// once at reader construction so a long-running query scores against
// one consistent snapshot.
type Reader struct {
	Analyzer *analyzer.Analyzer

	tokenMap pmap.Reader
	docMap   pmap.Reader

	DocCount  uint32
	TotalTerm uint64
}

// NewReader builds a Reader over the given token/doc PMaps and counter
// snapshot.
func NewReader(an *analyzer.Analyzer, tokenMap, docMap pmap.Reader, docCount uint32, totalTerm uint64) *Reader {
	return &Reader{Analyzer: an, tokenMap: tokenMap, docMap: docMap, DocCount: docCount, TotalTerm: totalTerm}
}

// Posting returns the bitmap of local ids containing token, or an empty
// set.
func (r *Reader) Posting(token string) *bitset.Set {
	raw, ok := r.tokenMap.Get([]byte(token))
	if !ok {
		return bitset.New()
	}
	bs, err := decodeBitmap(raw)
	if err != nil {
		return bitset.New()
	}
	return bs
}

// Positions returns the position list for (id, token), or nil if absent.
func (r *Reader) Positions(id uint32, token string) []uint32 {
	raw, ok := r.docMap.Get(docKey(id, token))
	if !ok {
		return nil
	}
	return decodePositions(raw)
}

// DocLength returns the stored token count for id (the sentinel
// (id, "") entry), defaulting to 1 if absent.
func (r *Reader) DocLength(id uint32) uint32 {
	raw, ok := r.docMap.Get(docKey(id, ""))
	if !ok {
		return 1
	}
	positions := decodePositions(raw)
	if len(positions) == 0 {
		return 1
	}
	return positions[0]
}

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Score computes the BM25 score plus the optional phrase filter.
// tokens is the analyzed query token stream (after synonym expansion);
// tokenDF supplies each distinct token's document frequency as known by
// the caller's compiled plan. strict requires every
// token to chain within slop of its expected offset (phrase query); if
// the phrase filter rejects the document, Score returns (0, false).
func (r *Reader) Score(id uint32, tokens []analyzer.Token, tokenDF map[string]uint64, strict bool, slop int) (float64, bool) {
	offsets := make(map[string][]uint32)
	for _, t := range tokens {
		if _, ok := offsets[t.Text]; ok {
			continue
		}
		offsets[t.Text] = r.Positions(id, t.Text)
	}

	if strict && !phraseFilter(tokens, offsets, slop) {
		return 0, false
	}

	dl := float64(r.DocLength(id))
	avgdl := float64(r.TotalTerm) / float64(r.DocCount)
	if r.DocCount == 0 {
		avgdl = 1
	}

	return r.bm25(dl, avgdl, tokenDF, offsets), true
}

// bm25 sums the per-token BM25 contribution over every distinct
// token present in offsets; a token absent from the document
// contributes nothing.
func (r *Reader) bm25(dl, avgdl float64, tokenDF map[string]uint64, offsets map[string][]uint32) float64 {
	norm := 1 - bm25B + bm25B*(dl/avgdl)
	var score float64
	for term, positions := range offsets {
		tf := float64(len(positions))
		df := float64(1)
		if v, ok := tokenDF[term]; ok {
			df = float64(v)
		}
		idf := math.Log((float64(r.DocCount) - df + 0.5) / (df + 0.5))
		score += idf * (tf * (bm25K1 + 1)) / (tf + bm25K1*norm)
	}
	return score
}
