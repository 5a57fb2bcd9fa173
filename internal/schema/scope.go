package schema

import (
	"strings"
	"sync"
)

// scoreField is the synthetic sort key name; it can never be
// declared as a real field.
const scoreField = "_score"

// Scope is one engine's live schema: the base Schema fixed at create
// time plus a lock-guarded set of fields added afterward via
// add_index_field. add_index_field/delete_index_field mutate the
// user-fields map first (in memory) and the caller persists and rotates
// afterwards; the change is visible through Field and AllFields as soon
// as the map is mutated, before the segment has been rotated.
type Scope struct {
	base Schema

	mu   sync.RWMutex
	user map[string]*Field
}

// NewScope builds a Scope from a reloaded base schema and user field
// list (as read back from a Store).
func NewScope(base Schema, user []*Field) *Scope {
	s := &Scope{base: base, user: make(map[string]*Field, len(user))}
	for _, f := range user {
		s.user[f.Name] = f
	}
	return s
}

// AllFields returns a merged point-in-time snapshot of base and user
// fields, suitable for handing to a segment or plan compiler.
func (s *Scope) AllFields() map[string]*Field {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Field, len(s.base.Fields)+len(s.user))
	for k, v := range s.base.Fields {
		out[k] = v
	}
	for k, v := range s.user {
		out[k] = v
	}
	return out
}

// Field looks up one field by name across base+user.
func (s *Scope) Field(name string) (*Field, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if f, ok := s.user[name]; ok {
		return f, true
	}
	f, ok := s.base.Fields[name]
	return f, ok
}

// AddField validates and inserts f into the user map: the reserved "_"
// prefix, a duplicate across base+user, and the synthetic "_score" name
// are all rejected. Returns the updated user field slice for the caller
// to persist before rotating.
func (s *Scope) AddField(f *Field) ([]*Field, error) {
	if f.Name == scoreField {
		return nil, errReservedName(f.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.base.Fields[f.Name]; ok {
		return nil, errFieldExists(f.Name)
	}
	if _, ok := s.user[f.Name]; ok {
		return nil, errFieldExists(f.Name)
	}
	if strings.HasPrefix(f.Name, reservedPrefix) {
		return nil, errReservedName(f.Name)
	}
	s.user[f.Name] = f
	return s.userSliceLocked(), nil
}

// RemoveField deletes a user field by name, returning the updated slice
// to persist. Base fields can never be removed through Scope.
func (s *Scope) RemoveField(name string) ([]*Field, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.user[name]; !ok {
		return nil, errFieldMissing(name)
	}
	delete(s.user, name)
	return s.userSliceLocked(), nil
}

// RestoreField reinserts f into the user map without validation, used
// to roll back a failed delete_index_field (persist or rotate failure) to
// the state it had before the attempt.
func (s *Scope) RestoreField(f *Field) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user[f.Name] = f
}

func (s *Scope) userSliceLocked() []*Field {
	out := make([]*Field, 0, len(s.user))
	for _, f := range s.user {
		out = append(out, f)
	}
	return out
}
