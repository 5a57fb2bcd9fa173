package schema

import (
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/cubeflow-ai/calmcore/internal/calmerr"
)

// File names under an engine's schema/ directory: a base schema the
// engine is created with, and a user schema of fields added afterward
// via add_index_field, so a rebuild can tell which fields were declared
// at create time.
const (
	baseSchemaFile  = "schema.json"
	userSchemaFile  = "user_schema.json"
	fingerprintFile = "fingerprint.json"
)

// Store persists and reloads a Schema's base/user field split under
// dir/schema.
type Store struct {
	dir string
}

// Open ensures dir/schema exists and returns a Store rooted there.
func Open(dir string) (*Store, error) {
	path := filepath.Join(dir, "schema")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, calmerr.Wrap(calmerr.IOError, "schema: create schema dir", err)
	}
	return &Store{dir: path}, nil
}

// WriteBase persists the base schema (fields declared at create time).
func (s *Store) WriteBase(sc *Schema) error {
	return writeJSON(filepath.Join(s.dir, baseSchemaFile), sc)
}

// ReadBase reloads the base schema.
func (s *Store) ReadBase() (*Schema, error) {
	var sc Schema
	if err := readJSON(filepath.Join(s.dir, baseSchemaFile), &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// WriteUser persists the set of fields added at runtime.
func (s *Store) WriteUser(fields []*Field) error {
	return writeJSON(filepath.Join(s.dir, userSchemaFile), fields)
}

// ReadUser reloads the set of fields added at runtime. A missing file
// (first run) is not an error; it returns an empty slice.
func (s *Store) ReadUser() ([]*Field, error) {
	path := filepath.Join(s.dir, userSchemaFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	var fields []*Field
	if err := readJSON(path, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// WriteFingerprint persists the base schema's fingerprint (a hash of its
// field set, computed by the caller), recorded at create time so a
// later Open can detect a schema.json edited outside the API.
func (s *Store) WriteFingerprint(fp string) error {
	return writeJSON(filepath.Join(s.dir, fingerprintFile), fp)
}

// ReadFingerprint reloads the fingerprint written by WriteFingerprint.
// A missing file (pre-fingerprint engine) reports ok=false rather than
// an error.
func (s *Store) ReadFingerprint() (fp string, ok bool, err error) {
	path := filepath.Join(s.dir, fingerprintFile)
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return "", false, nil
	}
	if err := readJSON(path, &fp); err != nil {
		return "", false, err
	}
	return fp, true, nil
}

// writeJSON renders v as pretty JSON and writes it via a tmp-file-then-
// rename so a crash mid-write never leaves a half-written sidecar (same
// pattern as internal/pmap's Persist).
func writeJSON(path string, v any) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return calmerr.Wrap(calmerr.Internal, "schema: marshal", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return calmerr.Wrap(calmerr.IOError, "schema: write "+path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return calmerr.Wrap(calmerr.IOError, "schema: rename "+path, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return calmerr.Wrap(calmerr.IOError, "schema: read "+path, err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return calmerr.Wrap(calmerr.DecodeError, "schema: decode "+path, err)
	}
	return nil
}
