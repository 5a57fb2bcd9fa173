package engine

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/cubeflow-ai/calmcore/internal/calmerr"
	"github.com/cubeflow-ai/calmcore/internal/schema"
	"github.com/cubeflow-ai/calmcore/internal/segment"
	"github.com/cubeflow-ai/calmcore/internal/writepipeline"
	"github.com/cubeflow-ai/calmcore/query"
)

func testBase() schema.Schema {
	return schema.Schema{
		Fields: map[string]*schema.Field{
			"title": {Name: "title", Type: schema.Text},
		},
	}
}

func appendAction(name, jsonData string) []writepipeline.Action {
	return []writepipeline.Action{{Kind: segment.Append, Name: name, Data: []byte(jsonData)}}
}

func TestCreateThenOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()

	e, err := Create(dir, "docs", testBase(), Config{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.Mutate(appendAction("hello", `{"title":"hello world"}`), ""); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	// Close does not persist the hot segment; only persisted data is
	// reloaded by Open.
	if err := e.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir, "docs", Config{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	rec, err := reopened.Get("hello")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec == nil {
		t.Fatal("expected record to survive reopen")
	}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	dir := t.TempDir()
	e, err := Create(dir, "docs", testBase(), Config{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Close()

	if _, err := Create(dir, "docs", testBase(), Config{}, nil); err == nil {
		t.Fatal("expected duplicate-engine error")
	}
}

func TestOpenMissingEngineFails(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(dir, "nope", Config{}, nil); err == nil {
		t.Fatal("expected not-existed error")
	}
}

func TestAddIndexFieldThenSearch(t *testing.T) {
	dir := t.TempDir()
	e, err := Create(dir, "docs", testBase(), Config{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Close()

	if err := e.AddIndexField(&schema.Field{Name: "rating", Type: schema.Int}); err != nil {
		t.Fatalf("AddIndexField: %v", err)
	}

	if _, err := e.Mutate(appendAction("a", `{"title":"x","rating":5}`), ""); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	res, err := e.Search(query.NewSearch(nil, query.TermEq("rating", int64(5)), nil, 0, 10))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Hits) != 1 {
		t.Fatalf("expected 1 hit on the newly added field, got %d", len(res.Hits))
	}
}

func TestDeleteIndexFieldRemovesField(t *testing.T) {
	dir := t.TempDir()
	e, err := Create(dir, "docs", testBase(), Config{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Close()

	if err := e.AddIndexField(&schema.Field{Name: "rating", Type: schema.Int}); err != nil {
		t.Fatalf("AddIndexField: %v", err)
	}
	if err := e.DeleteIndexField("rating"); err != nil {
		t.Fatalf("DeleteIndexField: %v", err)
	}
	if err := e.DeleteIndexField("rating"); err == nil {
		t.Fatal("expected not-existed on second delete")
	}
}

func TestPersistFlushesToWarmSegments(t *testing.T) {
	dir := t.TempDir()
	e, err := Create(dir, "docs", testBase(), Config{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Close()

	if _, err := e.Mutate(appendAction("a", `{"title":"x"}`), ""); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if err := e.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	var sawWarm bool
	for _, info := range e.Info() {
		if info.StoreType == "warm" {
			sawWarm = true
		}
	}
	if !sawWarm {
		t.Fatal("expected at least one warm segment after Persist")
	}
}

// TestUpsertSemantics walks an insert-then-upsert end to end: after the
// upsert, the name resolves to the new value and the old value is no
// longer queryable.
func TestUpsertSemantics(t *testing.T) {
	dir := t.TempDir()
	base := schema.Schema{Fields: map[string]*schema.Field{
		"v": {Name: "v", Type: schema.Int},
	}}
	e, err := Create(dir, "docs", base, Config{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Close()

	if _, err := e.Mutate([]writepipeline.Action{{Kind: segment.Insert, Name: "a", Data: []byte(`{"v":1}`)}}, ""); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := e.Mutate([]writepipeline.Action{{Kind: segment.Upsert, Name: "a", Data: []byte(`{"v":2}`)}}, ""); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec, err := e.Get("a")
	if err != nil || rec == nil {
		t.Fatalf("Get: %+v, %v", rec, err)
	}
	if string(rec.Data) != `{"v":2}` {
		t.Fatalf("expected upserted value, got %s", rec.Data)
	}

	old, err := e.Search(query.NewSearch(nil, query.TermEq("v", int64(1)), nil, 0, 10))
	if err != nil {
		t.Fatalf("search v=1: %v", err)
	}
	if old.TotalHits != 0 {
		t.Fatalf("total_hits of the old value = %d, want 0", old.TotalHits)
	}
	cur, err := e.Search(query.NewSearch(nil, query.TermEq("v", int64(2)), nil, 0, 10))
	if err != nil {
		t.Fatalf("search v=2: %v", err)
	}
	if cur.TotalHits != 1 {
		t.Fatalf("total_hits of the new value = %d, want 1", cur.TotalHits)
	}
}

// TestPersistEquivalence: the same query must return the same hits and
// total before persisting, after persisting, and after a full
// close/reopen cycle.
func TestPersistEquivalence(t *testing.T) {
	dir := t.TempDir()
	base := schema.Schema{Fields: map[string]*schema.Field{
		"age": {Name: "age", Type: schema.Int},
	}}
	e, err := Create(dir, "docs", base, Config{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const n = 100
	actions := make([]writepipeline.Action, 0, n)
	for i := 0; i < n; i++ {
		actions = append(actions, writepipeline.Action{
			Kind: segment.Append,
			Data: []byte(fmt.Sprintf(`{"age":%d}`, 20+i%10)),
		})
	}
	if _, err := e.Mutate(actions, ""); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	q := func() *query.Search {
		return query.NewSearch(nil, query.TermEq("age", int64(25)),
			[]query.SortField{{Field: "age", Ascending: true}}, 0, 5)
	}
	snapshot := func(e *Engine) ([]uint64, uint64) {
		t.Helper()
		res, err := e.Search(q())
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		ids := make([]uint64, 0, len(res.Hits))
		for _, h := range res.Hits {
			ids = append(ids, h.Record.ID)
		}
		return ids, res.TotalHits
	}

	wantIDs, wantTotal := snapshot(e)
	if wantTotal != 10 || len(wantIDs) != 5 {
		t.Fatalf("baseline: total=%d hits=%d, want 10/5", wantTotal, len(wantIDs))
	}

	if err := e.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	gotIDs, gotTotal := snapshot(e)
	if gotTotal != wantTotal || !equalIDs(gotIDs, wantIDs) {
		t.Fatalf("post-persist: ids=%v total=%d, want %v/%d", gotIDs, gotTotal, wantIDs, wantTotal)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	reopened, err := Open(dir, "docs", Config{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()
	gotIDs, gotTotal = snapshot(reopened)
	if gotTotal != wantTotal || !equalIDs(gotIDs, wantIDs) {
		t.Fatalf("post-reopen: ids=%v total=%d, want %v/%d", gotIDs, gotTotal, wantIDs, wantTotal)
	}
}

// TestDeleteAgainstPersistedSegment deletes a record that already lives
// in a warm segment and verifies the deletion both takes effect
// immediately and survives a persist+reopen.
func TestDeleteAgainstPersistedSegment(t *testing.T) {
	dir := t.TempDir()
	base := schema.Schema{Fields: map[string]*schema.Field{
		"v": {Name: "v", Type: schema.Int},
	}}
	e, err := Create(dir, "docs", base, Config{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := e.Mutate([]writepipeline.Action{
		{Kind: segment.Insert, Name: "a", Data: []byte(`{"v":1}`)},
		{Kind: segment.Insert, Name: "b", Data: []byte(`{"v":2}`)},
	}, ""); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := e.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	results, err := e.Mutate([]writepipeline.Action{{Kind: segment.Delete, Name: "a"}}, "")
	if err != nil || results[0].Err != nil {
		t.Fatalf("delete: %v / %v", err, results[0].Err)
	}
	if rec, _ := e.Get("a"); rec != nil {
		t.Fatal("deleted record still resolves")
	}
	res, err := e.Search(query.NewSearch(nil, query.TermEq("v", int64(1)), nil, 0, 10))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.TotalHits != 0 {
		t.Fatalf("deleted record still matches, total=%d", res.TotalHits)
	}

	if err := e.Persist(); err != nil {
		t.Fatalf("second Persist: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	reopened, err := Open(dir, "docs", Config{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()
	if rec, _ := reopened.Get("a"); rec != nil {
		t.Fatal("tombstone lost across reopen")
	}
	if rec, err := reopened.Get("b"); err != nil || rec == nil {
		t.Fatalf("undeleted record must survive, got %+v, %v", rec, err)
	}
}

func equalIDs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TestClosedEngineRejectsOperations pins the close contract: once Close
// has begun, lookups and writes fail fast instead of racing the warm
// segments' unmap, and a second Close is a no-op.
func TestClosedEngineRejectsOperations(t *testing.T) {
	dir := t.TempDir()
	e, err := Create(dir, "docs", testBase(), Config{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.Mutate(appendAction("a", `{"title":"x"}`), ""); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := e.Get("a"); !errors.Is(err, calmerr.NotExisted) {
		t.Fatalf("Get on closed engine: %v, want NotExisted", err)
	}
	if _, err := e.Search(query.NewSearch(nil, query.TextMatch("title", "x", query.TextOr), nil, 0, 10)); !errors.Is(err, calmerr.NotExisted) {
		t.Fatalf("Search on closed engine: %v, want NotExisted", err)
	}
	if _, err := e.Mutate(appendAction("b", `{"title":"y"}`), ""); !errors.Is(err, calmerr.NotExisted) {
		t.Fatalf("Mutate on closed engine: %v, want NotExisted", err)
	}
	if got := e.Info(); got != nil {
		t.Fatalf("Info on closed engine = %+v, want nil", got)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close must be a no-op, got %v", err)
	}
}

// TestCloseDrainsInFlightReaders hammers Get from other goroutines while
// Close runs: every call must either succeed or fail with the closing
// error, never crash on an unmapped page.
func TestCloseDrainsInFlightReaders(t *testing.T) {
	dir := t.TempDir()
	e, err := Create(dir, "docs", testBase(), Config{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.Mutate(appendAction("a", `{"title":"x"}`), ""); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if err := e.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rec, err := e.Get("a")
				if err != nil {
					if !errors.Is(err, calmerr.NotExisted) {
						t.Errorf("Get: %v", err)
					}
					return
				}
				if rec == nil {
					t.Error("Get returned nil for a live record")
					return
				}
			}
		}()
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()
}

func TestRotateIfNeededRespectsSegmentMaxSize(t *testing.T) {
	dir := t.TempDir()
	e, err := Create(dir, "docs", testBase(), Config{SegmentMaxSize: 1}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Close()

	if _, err := e.Mutate(appendAction("a", `{"title":"x"}`), ""); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if err := e.RotateIfNeeded(); err != nil {
		t.Fatalf("RotateIfNeeded: %v", err)
	}

	infos := e.Info()
	if len(infos) < 2 {
		t.Fatalf("expected rotation to have frozen the old hot segment, got %d segments", len(infos))
	}
}
