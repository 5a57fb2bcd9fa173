package schema

import "testing"

func baseScope() *Scope {
	base := Schema{Name: "docs", Fields: map[string]*Field{
		"title": {Name: "title", Type: Text},
	}}
	return NewScope(base, nil)
}

func TestScopeAddFieldRejectsReservedDuplicateAndScore(t *testing.T) {
	s := baseScope()

	if _, err := s.AddField(&Field{Name: "_hidden", Type: Int}); err == nil {
		t.Fatal("expected reserved-name error")
	}
	if _, err := s.AddField(&Field{Name: "title", Type: Int}); err == nil {
		t.Fatal("expected duplicate-against-base error")
	}
	if _, err := s.AddField(&Field{Name: scoreField, Type: Int}); err == nil {
		t.Fatal("expected rejection of the synthetic score field name")
	}

	if _, err := s.AddField(&Field{Name: "rating", Type: Int}); err != nil {
		t.Fatalf("AddField rating: %v", err)
	}
	if _, err := s.AddField(&Field{Name: "rating", Type: Int}); err == nil {
		t.Fatal("expected duplicate-against-user error")
	}
}

func TestScopeAllFieldsMergesBaseAndUser(t *testing.T) {
	s := baseScope()
	if _, err := s.AddField(&Field{Name: "rating", Type: Int}); err != nil {
		t.Fatalf("AddField: %v", err)
	}

	all := s.AllFields()
	if len(all) != 2 {
		t.Fatalf("expected 2 fields, got %d: %+v", len(all), all)
	}
	if _, ok := all["title"]; !ok {
		t.Fatal("missing base field in merged view")
	}
	if _, ok := all["rating"]; !ok {
		t.Fatal("missing user field in merged view")
	}
}

func TestScopeRemoveFieldOnlyAffectsUserFields(t *testing.T) {
	s := baseScope()
	if _, err := s.RemoveField("title"); err == nil {
		t.Fatal("expected base field to be unremovable via Scope")
	}

	if _, err := s.AddField(&Field{Name: "rating", Type: Int}); err != nil {
		t.Fatalf("AddField: %v", err)
	}
	remaining, err := s.RemoveField("rating")
	if err != nil {
		t.Fatalf("RemoveField: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected empty user slice, got %+v", remaining)
	}
	if _, ok := s.Field("rating"); ok {
		t.Fatal("rating should no longer resolve")
	}
}

func TestScopeRestoreFieldUndoesRemoval(t *testing.T) {
	s := baseScope()
	f := &Field{Name: "rating", Type: Int}
	if _, err := s.AddField(f); err != nil {
		t.Fatalf("AddField: %v", err)
	}
	if _, err := s.RemoveField("rating"); err != nil {
		t.Fatalf("RemoveField: %v", err)
	}
	s.RestoreField(f)
	if got, ok := s.Field("rating"); !ok || got.Type != Int {
		t.Fatalf("expected rating restored, got %+v ok=%v", got, ok)
	}
}
