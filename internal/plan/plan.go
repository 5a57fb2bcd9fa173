// Package plan compiles a logical query.Node into one segment's
// physical plan — a tree of Map/Text/Combine nodes backed
// by a per-(field, op, value) scratch bitmap cache — and the subsequent
// filter-projection pass that tightens every leaf to the query's overall
// candidate set.
package plan

import (
	"github.com/cubeflow-ai/calmcore/internal/analyzer"
	"github.com/cubeflow-ai/calmcore/internal/bitset"
	"github.com/cubeflow-ai/calmcore/internal/calmerr"
	"github.com/cubeflow-ai/calmcore/internal/fulltext"
	"github.com/cubeflow-ai/calmcore/internal/schema"
	"github.com/cubeflow-ai/calmcore/internal/segment"
	"github.com/cubeflow-ai/calmcore/query"
)

type nodeKind int

const (
	kindMap nodeKind = iota
	kindText
	kindCombine
)

// node is one physical plan node. Only the fields relevant to its kind
// are populated.
type node struct {
	kind  nodeKind
	boost float64

	// kindMap
	bitmap   *bitset.Set
	cacheKey uint64

	// kindText
	reader    *fulltext.Reader
	tokens    []analyzer.Token
	candidate *bitset.Set
	tokenDF   map[string]uint64
	strict    bool
	slop      int

	// kindCombine
	children []node
	op       query.LogicalOp
}

// Plan is one segment's compiled query, along with the scratch cache it
// was built against.
type Plan struct {
	seg   segment.Reader
	cache map[uint64]*bitset.Set
	root  node

	allRecords *bitset.Set
}

// Compile builds seg's physical plan for q.
func Compile(seg segment.Reader, q query.Node) (*Plan, error) {
	p := &Plan{seg: seg, cache: make(map[uint64]*bitset.Set)}
	root, err := p.compile(q)
	if err != nil {
		return nil, err
	}
	p.root = root
	return p, nil
}

func (p *Plan) all() *bitset.Set {
	if p.allRecords == nil {
		p.allRecords = p.seg.AllRecords()
	}
	return p.allRecords
}

func (p *Plan) field(name string) (*schema.Field, error) {
	f, ok := p.seg.Field(name)
	if !ok {
		return nil, calmerr.Newf(calmerr.InvalidParam, "plan: unknown field %q", name)
	}
	return f, nil
}

func boostOrDefault(b float64) float64 {
	if b == 0 {
		return 1
	}
	return b
}

func (p *Plan) compile(q query.Node) (node, error) {
	switch n := q.(type) {
	case *query.Term:
		return p.compileTerm(n)
	case *query.Between:
		return p.compileBetween(n)
	case *query.InList:
		return p.compileInList(n)
	case *query.Phrase:
		return p.compileText(n.Field, n.Value, query.TextAnd, n.Boost, true, n.Slop)
	case *query.Text:
		return p.compileText(n.Field, n.Value, n.Operator, n.Boost, n.Operator == query.TextAnd, -1)
	case *query.Logical:
		left, err := p.compile(n.Left)
		if err != nil {
			return node{}, err
		}
		right, err := p.compile(n.Right)
		if err != nil {
			return node{}, err
		}
		if n.Op == query.And {
			return p.combineAnd(left, right), nil
		}
		return p.combineOr(left, right), nil
	default:
		return node{}, calmerr.Newf(calmerr.InvalidParam, "plan: unsupported query node %T", q)
	}
}

func (p *Plan) cachedBitmap(key uint64, build func() *bitset.Set) *bitset.Set {
	if bm, ok := p.cache[key]; ok {
		return bm
	}
	bm := build()
	p.cache[key] = bm
	return bm
}

func (p *Plan) compileTerm(n *query.Term) (node, error) {
	f, err := p.field(n.Field)
	if err != nil {
		return node{}, err
	}
	keyBytes, err := encodeValue(f.Type, n.Value)
	if err != nil {
		return node{}, err
	}
	key := hashKey([]byte(f.Name), []byte("eq"), keyBytes)
	bm := p.cachedBitmap(key, func() *bitset.Set { return p.seg.Term(f, keyBytes) })
	if n.Op == query.NotEq {
		bm = p.all().AndNot(bm)
	}
	return node{kind: kindMap, boost: boostOrDefault(n.Boost), bitmap: bm, cacheKey: key}, nil
}

func (p *Plan) compileBetween(n *query.Between) (node, error) {
	f, err := p.field(n.Field)
	if err != nil {
		return node{}, err
	}
	var lowBytes, highBytes []byte
	if n.Low != nil {
		if lowBytes, err = encodeValue(f.Type, n.Low); err != nil {
			return node{}, err
		}
	}
	if n.High != nil {
		if highBytes, err = encodeValue(f.Type, n.High); err != nil {
			return node{}, err
		}
	}
	key := hashKey([]byte(f.Name), []byte("between"), boolByte(n.LowInclusive), lowBytes, boolByte(n.HighInclusive), highBytes)
	bm := p.cachedBitmap(key, func() *bitset.Set {
		return p.seg.Between(f, lowBytes, n.LowInclusive, highBytes, n.HighInclusive)
	})
	return node{kind: kindMap, boost: boostOrDefault(n.Boost), bitmap: bm, cacheKey: key}, nil
}

func (p *Plan) compileInList(n *query.InList) (node, error) {
	f, err := p.field(n.Field)
	if err != nil {
		return node{}, err
	}
	keys := make([][]byte, len(n.Values))
	parts := make([][]byte, 0, len(n.Values)+2)
	parts = append(parts, []byte(f.Name), []byte("in"))
	for i, v := range n.Values {
		kb, err := encodeValue(f.Type, v)
		if err != nil {
			return node{}, err
		}
		keys[i] = kb
		parts = append(parts, kb)
	}
	key := hashKey(parts...)
	bm := p.cachedBitmap(key, func() *bitset.Set { return p.seg.InTerms(f, keys) })
	return node{kind: kindMap, boost: boostOrDefault(n.Boost), bitmap: bm, cacheKey: key}, nil
}

func (p *Plan) compileText(field, value string, op query.TextOp, boost float64, strict bool, slop int) (node, error) {
	f, err := p.field(field)
	if err != nil {
		return node{}, err
	}
	reader, err := p.seg.TextReader(f)
	if err != nil {
		return node{}, err
	}
	tokens := reader.Analyzer.AnalyzeQuery(value)

	tokenDF := make(map[string]uint64)
	seen := make(map[string]bool, len(tokens))
	postings := make([]*bitset.Set, 0, len(tokens))
	for _, t := range tokens {
		if seen[t.Text] {
			continue
		}
		seen[t.Text] = true
		key := hashKey([]byte(field), []byte("token"), []byte(t.Text))
		bm := p.cachedBitmap(key, func() *bitset.Set { return reader.Posting(t.Text) })
		postings = append(postings, bm)
		tokenDF[t.Text] = bm.Cardinality()
	}

	var candidate *bitset.Set
	switch {
	case len(postings) == 0:
		candidate = bitset.New()
	case op == query.TextAnd:
		candidate = bitset.Intersect(postings...)
	default:
		candidate = bitset.Union(postings...)
	}

	return node{
		kind:      kindText,
		boost:     boostOrDefault(boost),
		reader:    reader,
		tokens:    tokens,
		candidate: candidate,
		tokenDF:   tokenDF,
		strict:    strict,
		slop:      slop,
	}, nil
}

// combineAnd applies the And compilation rules: Map∧Map materializes;
// Map∧Combine distributes the Map into every Map child (boost
// accumulates); everything else, Combine∧Combine included, falls
// through to a generic 2-child Combine, since Text nodes never merge
// into Maps.
func (p *Plan) combineAnd(left, right node) node {
	if left.kind == kindMap && right.kind == kindMap {
		return p.materializeMapAnd(left, right)
	}
	if left.kind == kindMap && right.kind == kindCombine {
		return p.distributeMapIntoCombine(left, right)
	}
	if right.kind == kindMap && left.kind == kindCombine {
		return p.distributeMapIntoCombine(right, left)
	}
	return node{kind: kindCombine, children: []node{left, right}, op: query.And}
}

// combineOr always keeps Or as a Combine; an Or is never materialized
// into a single bitmap.
func (p *Plan) combineOr(left, right node) node {
	return node{kind: kindCombine, children: []node{left, right}, op: query.Or}
}

func (p *Plan) materializeMapAnd(left, right node) node {
	key := hashKey([]byte("and"), u64Bytes(left.cacheKey), u64Bytes(right.cacheKey))
	bm := p.cachedBitmap(key, func() *bitset.Set { return left.bitmap.And(right.bitmap) })
	return node{kind: kindMap, boost: left.boost + right.boost, bitmap: bm, cacheKey: key}
}

func (p *Plan) distributeMapIntoCombine(outer, combine node) node {
	children := make([]node, len(combine.children))
	for i, c := range combine.children {
		if c.kind == kindMap {
			children[i] = p.materializeMapAnd(outer, c)
		} else {
			children[i] = node{kind: kindCombine, children: []node{outer, c}, op: query.And}
		}
	}
	return node{kind: kindCombine, children: children, op: combine.op}
}

// FilterBitmap walks the compiled tree to compute the query's overall
// per-segment candidate bitmap (And = ∩, Or = ∪, Text contributes its
// candidate set), intersects it with the segment's live set — postings
// still carry tombstoned ids, and the filter must never exceed
// all_record() — and tightens every leaf against it, so stream
// iteration never visits an id outside the query's true domain.
func (p *Plan) FilterBitmap() *bitset.Set {
	overall := computeCandidate(p.root).And(p.all())
	tighten(&p.root, overall)
	return overall
}

func computeCandidate(n node) *bitset.Set {
	switch n.kind {
	case kindMap:
		return n.bitmap
	case kindText:
		return n.candidate
	case kindCombine:
		result := computeCandidate(n.children[0])
		for _, c := range n.children[1:] {
			cc := computeCandidate(c)
			if n.op == query.And {
				result = result.And(cc)
			} else {
				result = result.Or(cc)
			}
		}
		return result
	default:
		return bitset.New()
	}
}

func tighten(n *node, overall *bitset.Set) {
	switch n.kind {
	case kindMap:
		n.bitmap = n.bitmap.And(overall)
	case kindText:
		n.candidate = n.candidate.And(overall)
	case kindCombine:
		for i := range n.children {
			tighten(&n.children[i], overall)
		}
	}
}

// HasText reports whether any Text/Phrase leaf appears in the compiled
// tree, which callers use to decide whether total_hits must come from
// walking the stream rather than the candidate bitmap's cardinality.
func (p *Plan) HasText() bool {
	return hasText(p.root)
}

func hasText(n node) bool {
	switch n.kind {
	case kindText:
		return true
	case kindCombine:
		for _, c := range n.children {
			if hasText(c) {
				return true
			}
		}
	}
	return false
}

// Stream builds the root hit stream for this plan.
func (p *Plan) Stream() Stream {
	return p.buildStream(p.root)
}

func (p *Plan) buildStream(n node) Stream {
	switch n.kind {
	case kindMap:
		return newMapStream(p.seg.Start(), n.boost, n.bitmap)
	case kindText:
		return newTextStream(p.seg.Start(), n.boost, n.reader, n.tokens, n.candidate, n.tokenDF, n.strict, n.slop)
	case kindCombine:
		children := make([]Stream, len(n.children))
		for i, c := range n.children {
			children[i] = p.buildStream(c)
		}
		if n.op == query.And {
			return newAndStream(children)
		}
		return newOrStream(children)
	default:
		return newMapStream(p.seg.Start(), 1, bitset.New())
	}
}
