package plan

import (
	"testing"

	"github.com/goccy/go-json"

	"github.com/cubeflow-ai/calmcore/internal/schema"
	"github.com/cubeflow-ai/calmcore/internal/segment"
	"github.com/cubeflow-ai/calmcore/query"
	"github.com/cubeflow-ai/calmcore/record"
)

func newTestReader(t *testing.T, docs []map[string]any) segment.Reader {
	t.Helper()
	fields := map[string]*schema.Field{
		"category": {Name: "category", Type: schema.String},
		"price":    {Name: "price", Type: schema.Int},
		"body":     {Name: "body", Type: schema.Text},
	}
	hot, err := segment.NewHot(0, fields)
	if err != nil {
		t.Fatalf("NewHot: %v", err)
	}

	wrappers := make([]*segment.Wrapper, 0, len(docs))
	var maxID uint64
	for i, d := range docs {
		id := uint64(i)
		data, err := json.Marshal(d)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		w := segment.NewWrapper(segment.Append, &record.Record{ID: id, Data: data})
		wrappers = append(wrappers, w)
		if id > maxID {
			maxID = id
		}
	}
	if err := hot.WriteRecords(wrappers, maxID, ""); err != nil {
		t.Fatalf("WriteRecords: %v", err)
	}
	return hot.Reader()
}

func TestCompileTermEqMatchesExactDocs(t *testing.T) {
	seg := newTestReader(t, []map[string]any{
		{"category": "a", "price": 10},
		{"category": "b", "price": 20},
		{"category": "a", "price": 30},
	})

	p, err := Compile(seg, query.TermEq("category", "a"))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	bm := p.FilterBitmap()
	if bm.Cardinality() != 2 {
		t.Fatalf("expected 2 matches, got %d", bm.Cardinality())
	}
	if !bm.Contains(0) || !bm.Contains(2) {
		t.Fatalf("expected docs 0 and 2, got %v", bm.ToArray())
	}
}

func TestCompileBetweenInclusiveBounds(t *testing.T) {
	seg := newTestReader(t, []map[string]any{
		{"category": "a", "price": 10},
		{"category": "a", "price": 20},
		{"category": "a", "price": 30},
	})

	p, err := Compile(seg, query.BetweenRange("price", int64(10), true, int64(20), false))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	bm := p.FilterBitmap()
	if bm.Cardinality() != 1 || !bm.Contains(0) {
		t.Fatalf("expected only doc 0 in [10,20), got %v", bm.ToArray())
	}
}

func TestCompileAndOfTwoMapsMaterializes(t *testing.T) {
	seg := newTestReader(t, []map[string]any{
		{"category": "a", "price": 10},
		{"category": "a", "price": 20},
		{"category": "b", "price": 10},
	})

	q := query.AndNodes(query.TermEq("category", "a"), query.TermEq("price", int64(10)))
	p, err := Compile(seg, q)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	bm := p.FilterBitmap()
	if bm.Cardinality() != 1 || !bm.Contains(0) {
		t.Fatalf("expected only doc 0, got %v", bm.ToArray())
	}
}

func TestCompileOrNeverMaterializesButFilterIsUnion(t *testing.T) {
	seg := newTestReader(t, []map[string]any{
		{"category": "a", "price": 10},
		{"category": "b", "price": 20},
		{"category": "c", "price": 30},
	})

	q := query.OrNodes(query.TermEq("category", "a"), query.TermEq("category", "b"))
	p, err := Compile(seg, q)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	bm := p.FilterBitmap()
	if bm.Cardinality() != 2 || !bm.Contains(0) || !bm.Contains(1) {
		t.Fatalf("expected docs 0 and 1, got %v", bm.ToArray())
	}
}

func TestCompileTextMatchesTokenPosting(t *testing.T) {
	seg := newTestReader(t, []map[string]any{
		{"body": "the quick brown fox"},
		{"body": "a slow turtle"},
	})

	p, err := Compile(seg, query.TextMatch("body", "quick", query.TextOr))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !p.HasText() {
		t.Fatal("expected HasText true for a Text node")
	}
	bm := p.FilterBitmap()
	if bm.Cardinality() != 1 || !bm.Contains(0) {
		t.Fatalf("expected only doc 0, got %v", bm.ToArray())
	}
}

func TestStreamAndStreamAlignsOnIntersection(t *testing.T) {
	seg := newTestReader(t, []map[string]any{
		{"category": "a", "price": 10},
		{"category": "a", "price": 20},
		{"category": "b", "price": 10},
	})

	// Combine∧Combine path: wrap each side as an Or of itself so neither
	// side is a bare Map, forcing the generic Combine fallthrough.
	left := query.OrNodes(query.TermEq("category", "a"), query.TermEq("category", "a"))
	right := query.OrNodes(query.TermEq("price", int64(10)), query.TermEq("price", int64(10)))
	q := query.AndNodes(left, right)

	p, err := Compile(seg, q)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	p.FilterBitmap()

	s := p.Stream()
	var got []uint64
	for s.Next() {
		got = append(got, s.Value())
	}
	if len(got) != 1 || got[0] != 0 {
		t.Fatalf("expected only doc 0 from the stream, got %v", got)
	}
}
