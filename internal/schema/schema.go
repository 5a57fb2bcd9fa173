// Package schema defines an engine's field and schema types and their
// JSON persistence: a base schema (system-defined) and a user schema
// (fields added at runtime via add_index_field), kept as two sidecar
// files under an engine's data directory.
package schema

import (
	"fmt"
	"strings"
)

// FieldType is the indexing kind of one field.
type FieldType int

const (
	Bool FieldType = iota
	Int
	Float
	String
	Text
	Geo
	Vector
)

func (t FieldType) String() string {
	switch t {
	case Bool:
		return "bool"
	case Int:
		return "int"
	case Float:
		return "float"
	case String:
		return "string"
	case Text:
		return "text"
	case Geo:
		return "geo"
	case Vector:
		return "vector"
	default:
		return "unknown"
	}
}

// MarshalJSON/UnmarshalJSON render FieldType as its lowercase name
// rather than the bare int, keeping the schema sidecars readable and
// diffable.
func (t FieldType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

func (t *FieldType) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	switch s {
	case "bool":
		*t = Bool
	case "int":
		*t = Int
	case "float":
		*t = Float
	case "string":
		*t = String
	case "text":
		*t = Text
	case "geo":
		*t = Geo
	case "vector":
		*t = Vector
	default:
		return fmt.Errorf("schema: unknown field type %q", s)
	}
	return nil
}

// EmbeddingMetric is the similarity function an embedding field uses
// (only meaningful when Field.Type is Vector; vector indexing itself is
// out of scope, so this is carried but unconsumed).
type EmbeddingMetric int

const (
	DotProduct EmbeddingMetric = iota
	Manhattan
	Euclidean
	CosineSimilarity
	Angular
)

// EmbeddingOption configures a Vector field.
type EmbeddingOption struct {
	Dimension int             `json:"dimension"`
	Embedding string          `json:"embedding,omitempty"`
	Metric    EmbeddingMetric `json:"metric"`
	BatchSize int             `json:"batch_size,omitempty"`
}

// Field is one named, typed, indexable column.
type Field struct {
	Name      string           `json:"name"`
	Type      FieldType        `json:"type"`
	Embedding *EmbeddingOption `json:"embedding,omitempty"`
}

// IsIndexable reports whether the field is carried by an index
// (term or full-text). Geo/Vector fields are accepted on the wire but
// are not indexed.
func (f *Field) IsIndexable() bool {
	switch f.Type {
	case Bool, Int, Float, String, Text:
		return true
	default:
		return false
	}
}

// Schema is the full set of fields for one engine, plus whether
// unknown fields are tolerated (schemaless).
type Schema struct {
	Name       string            `json:"name"`
	Schemaless bool              `json:"schemaless"`
	Fields     map[string]*Field `json:"fields"`
}

// reservedPrefix names system-owned fields (e.g. a future "_id") that a
// caller may never declare.
const reservedPrefix = "_"

// AddField validates and inserts field into the schema, returning
// calmerr.Existed if the name is already taken.
func (s *Schema) AddField(f *Field) error {
	if strings.HasPrefix(f.Name, reservedPrefix) {
		return errReservedName(f.Name)
	}
	if s.Fields == nil {
		s.Fields = make(map[string]*Field)
	}
	if _, ok := s.Fields[f.Name]; ok {
		return errFieldExists(f.Name)
	}
	s.Fields[f.Name] = f
	return nil
}

// RemoveField deletes a field by name, returning calmerr.NotExisted if
// absent.
func (s *Schema) RemoveField(name string) error {
	if _, ok := s.Fields[name]; !ok {
		return errFieldMissing(name)
	}
	delete(s.Fields, name)
	return nil
}
