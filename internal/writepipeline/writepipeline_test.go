package writepipeline

import (
	"errors"
	"testing"

	"github.com/cubeflow-ai/calmcore/internal/calmerr"
	"github.com/cubeflow-ai/calmcore/internal/indexstore"
	"github.com/cubeflow-ai/calmcore/internal/schema"
	"github.com/cubeflow-ai/calmcore/internal/segment"
)

func openStore(t *testing.T) *indexstore.Store {
	t.Helper()
	fields := map[string]*schema.Field{
		"v": {Name: "v", Type: schema.Int},
	}
	s, err := indexstore.Open(t.TempDir(), fields, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	s := openStore(t)
	actions := []Action{
		{Kind: segment.Append, Data: []byte(`{"v":1}`)},
		{Kind: segment.Append, Data: []byte(`{"v":2}`)},
		{Kind: segment.Append, Data: []byte(`{"v":3}`)},
	}
	results, err := Run(s, actions, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("result %d: %v", i, r.Err)
		}
		if i > 0 && results[i].ID != results[i-1].ID+1 {
			t.Fatalf("ids not consecutive: %d then %d", results[i-1].ID, results[i].ID)
		}
	}
}

func TestInsertDuplicateNameFails(t *testing.T) {
	s := openStore(t)
	if _, err := Run(s, []Action{{Kind: segment.Insert, Name: "a", Data: []byte(`{"v":1}`)}}, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}
	results, err := Run(s, []Action{{Kind: segment.Insert, Name: "a", Data: []byte(`{"v":2}`)}}, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(results[0].Err, calmerr.Duplicated) {
		t.Fatalf("expected Duplicated, got %v", results[0].Err)
	}
	// The losing insert must not have replaced the original.
	rec, err := s.FindByName("a")
	if err != nil || rec == nil {
		t.Fatalf("FindByName: %+v, %v", rec, err)
	}
	if string(rec.Data) != `{"v":1}` {
		t.Fatalf("original record clobbered: %s", rec.Data)
	}
}

// TestUpsertReplacesAndTombstonesOldID: after an upsert, the name
// resolves to the new record and the old id is dead.
func TestUpsertReplacesAndTombstonesOldID(t *testing.T) {
	s := openStore(t)
	first, err := Run(s, []Action{{Kind: segment.Insert, Name: "a", Data: []byte(`{"v":1}`)}}, "")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	second, err := Run(s, []Action{{Kind: segment.Upsert, Name: "a", Data: []byte(`{"v":2}`)}}, "")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if second[0].ID <= first[0].ID {
		t.Fatalf("upsert must assign a fresh id: %d then %d", first[0].ID, second[0].ID)
	}

	rec, err := s.FindByName("a")
	if err != nil || rec == nil {
		t.Fatalf("FindByName: %+v, %v", rec, err)
	}
	if string(rec.Data) != `{"v":2}` || rec.ID != second[0].ID {
		t.Fatalf("expected the upserted record, got id=%d data=%s", rec.ID, rec.Data)
	}
	if old, _ := s.FindByID(first[0].ID); old != nil {
		t.Fatalf("old id %d should be tombstoned, got %+v", first[0].ID, old)
	}
}

func TestDeleteMissingNameFails(t *testing.T) {
	s := openStore(t)
	results, err := Run(s, []Action{{Kind: segment.Delete, Name: "ghost"}}, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(results[0].Err, calmerr.NotExisted) {
		t.Fatalf("expected NotExisted, got %v", results[0].Err)
	}
}

func TestDeleteThenGetMisses(t *testing.T) {
	s := openStore(t)
	if _, err := Run(s, []Action{{Kind: segment.Insert, Name: "a", Data: []byte(`{"v":1}`)}}, ""); err != nil {
		t.Fatalf("insert: %v", err)
	}
	results, err := Run(s, []Action{{Kind: segment.Delete, Name: "a"}}, "")
	if err != nil || results[0].Err != nil {
		t.Fatalf("delete: %v / %v", err, results[0].Err)
	}
	if rec, _ := s.FindByName("a"); rec != nil {
		t.Fatalf("deleted name still resolves: %+v", rec)
	}
}

// TestMalformedJSONConsumesNoID pins the batch failure rule: a record whose
// JSON fails to parse is reported in its batch slot, is not indexed, and
// burns no id — the next good record gets the id the bad one would have.
func TestMalformedJSONConsumesNoID(t *testing.T) {
	s := openStore(t)
	results, err := Run(s, []Action{
		{Kind: segment.Append, Data: []byte(`{"v":1}`)},
		{Kind: segment.Append, Data: []byte(`{not json`)},
		{Kind: segment.Append, Data: []byte(`{"v":3}`)},
	}, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("good records must survive the batch: %v / %v", results[0].Err, results[2].Err)
	}
	if !errors.Is(results[1].Err, calmerr.DecodeError) {
		t.Fatalf("expected DecodeError, got %v", results[1].Err)
	}
	if results[2].ID != results[0].ID+1 {
		t.Fatalf("bad record consumed an id: %d then %d", results[0].ID, results[2].ID)
	}
}

func TestEmptyBatchIsNoOp(t *testing.T) {
	s := openStore(t)
	results, err := Run(s, nil, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
	first, err := Run(s, []Action{{Kind: segment.Append, Data: []byte(`{"v":1}`)}}, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if first[0].ID != 0 {
		t.Fatalf("empty batch must not advance the id counter, first id = %d", first[0].ID)
	}
}
