package segment

import (
	"testing"

	"github.com/goccy/go-json"

	"github.com/cubeflow-ai/calmcore/internal/bitset"
	"github.com/cubeflow-ai/calmcore/internal/schema"
	"github.com/cubeflow-ai/calmcore/record"
)

func testFields() map[string]*schema.Field {
	return map[string]*schema.Field{
		"category": {Name: "category", Type: schema.String},
		"price":    {Name: "price", Type: schema.Int},
		"body":     {Name: "body", Type: schema.Text},
	}
}

func writeDocs(t *testing.T, h *Hot, start uint64, docs []map[string]any) {
	t.Helper()
	wrappers := make([]*Wrapper, 0, len(docs))
	maxID := start
	for i, d := range docs {
		id := start + uint64(i)
		data, err := json.Marshal(d)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		wrappers = append(wrappers, NewWrapper(Append, &record.Record{Name: d["_n"].(string), ID: id, Data: data}))
		if id > maxID {
			maxID = id
		}
	}
	if err := h.WriteRecords(wrappers, maxID, ""); err != nil {
		t.Fatalf("WriteRecords: %v", err)
	}
}

func docs(n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{
			"_n":       string(rune('a' + i)),
			"category": "cat",
			"price":    10 * (i + 1),
			"body":     "quick brown fox",
		}
	}
	return out
}

func TestHotWriteThenReadBack(t *testing.T) {
	h, err := NewHot(0, testFields())
	if err != nil {
		t.Fatalf("NewHot: %v", err)
	}
	writeDocs(t, h, 0, docs(3))

	if h.End() != 3 {
		t.Fatalf("End = %d, want 3", h.End())
	}

	id, ok := h.FindByName("b")
	if !ok || id != 1 {
		t.Fatalf("FindByName(b) = %d, %v", id, ok)
	}
	rec, err := h.FindByID(1)
	if err != nil || rec == nil || rec.Name != "b" {
		t.Fatalf("FindByID(1) = %+v, %v", rec, err)
	}

	r := h.Reader()
	all := r.AllRecords()
	if all.Cardinality() != 3 {
		t.Fatalf("AllRecords = %v", all.ToArray())
	}
}

// TestHotReaderSnapshotIsolation pins the reader contract: a reader
// taken before a commit keeps observing the pre-commit state even while
// the hot segment takes further writes.
func TestHotReaderSnapshotIsolation(t *testing.T) {
	h, err := NewHot(0, testFields())
	if err != nil {
		t.Fatalf("NewHot: %v", err)
	}
	writeDocs(t, h, 0, docs(2))

	before := h.Reader()
	writeDocs(t, h, 2, []map[string]any{{"_n": "late", "category": "cat", "price": 99, "body": "late doc"}})

	if got := before.AllRecords().Cardinality(); got != 2 {
		t.Fatalf("stale reader sees %d records, want 2", got)
	}
	if rec, _ := before.Get("late"); rec != nil {
		t.Fatal("stale reader should not resolve a name written after the snapshot")
	}
	if got := h.Reader().AllRecords().Cardinality(); got != 3 {
		t.Fatalf("fresh reader sees %d records, want 3", got)
	}
}

func TestHotMarkDeletedRoutesByStart(t *testing.T) {
	h, err := NewHot(10, testFields())
	if err != nil {
		t.Fatalf("NewHot: %v", err)
	}
	writeDocs(t, h, 10, docs(2))

	h.MarkDeleted(11) // own range: local tombstone
	h.MarkDeleted(3)  // before start: history for an older segment

	if got := h.Reader().AllRecords().ToArray(); len(got) != 1 || got[0] != 0 {
		t.Fatalf("expected only local id 0 live, got %v", got)
	}

	history := h.DrainHistory()
	if history.Cardinality() != 1 || !history.Contains(3) {
		t.Fatalf("expected history {3}, got %v", history.ToArray())
	}
	if !h.DrainHistory().IsEmpty() {
		t.Fatal("second drain should be empty")
	}
}

func TestPersistHotOpenWarmRoundTrip(t *testing.T) {
	fields := testFields()
	h, err := NewHot(0, fields)
	if err != nil {
		t.Fatalf("NewHot: %v", err)
	}
	writeDocs(t, h, 0, docs(3))
	h.MarkDeleted(1)

	dir := t.TempDir() + "/0-3"
	if err := PersistHot(h, dir); err != nil {
		t.Fatalf("PersistHot: %v", err)
	}
	w, err := OpenWarm(dir, 0, 3, fields)
	if err != nil {
		t.Fatalf("OpenWarm: %v", err)
	}
	defer w.Close()

	if got := w.AllRecords().ToArray(); len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("warm AllRecords = %v, want [0 2]", got)
	}
	rec, err := w.Get("c")
	if err != nil || rec == nil || rec.ID != 2 {
		t.Fatalf("warm Get(c) = %+v, %v", rec, err)
	}

	f := fields["price"]
	hotBm := h.Reader().Term(f, mustTermKey(t, schema.Int, float64(20)))
	warmBm := w.Term(f, mustTermKey(t, schema.Int, float64(20)))
	if hotBm.Cardinality() != warmBm.Cardinality() {
		t.Fatalf("hot and warm postings disagree: %v vs %v", hotBm.ToArray(), warmBm.ToArray())
	}
}

func TestWarmMarkDeletedVisibleBeforeFlush(t *testing.T) {
	fields := testFields()
	h, err := NewHot(0, fields)
	if err != nil {
		t.Fatalf("NewHot: %v", err)
	}
	writeDocs(t, h, 0, docs(2))

	dir := t.TempDir() + "/0-2"
	if err := PersistHot(h, dir); err != nil {
		t.Fatalf("PersistHot: %v", err)
	}
	w, err := OpenWarm(dir, 0, 2, fields)
	if err != nil {
		t.Fatalf("OpenWarm: %v", err)
	}

	w.MarkDeleted(0)
	if got := w.AllRecords().ToArray(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected in-memory tombstone to hide id 0, got %v", got)
	}

	// Draining even an empty history must flush the pending mark so a
	// reopen observes it.
	if err := w.AbsorbHistory(bitset.New()); err != nil {
		t.Fatalf("AbsorbHistory: %v", err)
	}
	w.Close()

	reopened, err := OpenWarm(dir, 0, 2, fields)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if got := reopened.AllRecords().ToArray(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("tombstone lost across reopen, got %v", got)
	}
}

func TestAbsorbHistoryIgnoresForeignIDs(t *testing.T) {
	fields := testFields()
	h, err := NewHot(5, fields)
	if err != nil {
		t.Fatalf("NewHot: %v", err)
	}
	writeDocs(t, h, 5, docs(2))

	dir := t.TempDir() + "/5-7"
	if err := PersistHot(h, dir); err != nil {
		t.Fatalf("PersistHot: %v", err)
	}
	w, err := OpenWarm(dir, 5, 7, fields)
	if err != nil {
		t.Fatalf("OpenWarm: %v", err)
	}
	defer w.Close()

	history := bitset.FromValues(1, 6, 40) // only 6 falls in [5,7)
	if err := w.AbsorbHistory(history); err != nil {
		t.Fatalf("AbsorbHistory: %v", err)
	}
	if got := w.AllRecords().ToArray(); len(got) != 1 || got[0] != 0 {
		t.Fatalf("expected only local id 0 live, got %v", got)
	}
}

// TestUncoercibleFieldValueStillStoresRecord: a record whose value
// can't be coerced to the field's type is stored
// and retrievable, but gets no index entry for that field.
func TestUncoercibleFieldValueStillStoresRecord(t *testing.T) {
	fields := testFields()
	h, err := NewHot(0, fields)
	if err != nil {
		t.Fatalf("NewHot: %v", err)
	}
	writeDocs(t, h, 0, []map[string]any{
		{"_n": "odd", "category": 123, "price": "not-a-number", "body": "still here"},
	})

	r := h.Reader()
	rec, err := r.Get("odd")
	if err != nil || rec == nil {
		t.Fatalf("Get(odd) = %+v, %v", rec, err)
	}
	if bm := r.Term(fields["category"], mustTermKey(t, schema.String, "123")); !bm.IsEmpty() {
		t.Fatalf("expected no index entry for the uncoercible value, got %v", bm.ToArray())
	}
	tr, err := r.TextReader(fields["body"])
	if err != nil {
		t.Fatalf("TextReader: %v", err)
	}
	if tr.Posting("still").IsEmpty() {
		t.Fatal("other fields of the same record should still index")
	}
}

func mustTermKey(t *testing.T, ft schema.FieldType, v any) []byte {
	t.Helper()
	keys := termKeys(ft, v)
	if len(keys) != 1 {
		t.Fatalf("termKeys(%v, %v) = %d keys", ft, v, len(keys))
	}
	return keys[0]
}
