package segment

import (
	"github.com/goccy/go-json"

	"github.com/cubeflow-ai/calmcore/internal/calmerr"
	"github.com/cubeflow-ai/calmcore/record"
)

// ActionType is the write intent behind one record in a mutate batch.
type ActionType int

const (
	Append ActionType = iota
	Insert
	Upsert
	Delete
)

// Wrapper carries one record through id assignment, JSON decoding, and
// segment indexing. Its Err field starts nil; a JSON decode failure
// sets it immediately, excluding the record from indexing, while a
// name-resolution failure (duplicate insert / missing delete) is set by
// the write pipeline before the record ever reaches a segment.
type Wrapper struct {
	Action ActionType
	Record *record.Record
	Value  map[string]any
	Err    error
}

// NewWrapper decodes rec.Data as JSON into Value. A record with empty
// Data has a nil Value and no error; malformed JSON sets Err but the
// Wrapper otherwise still carries the record through the pipeline so the
// caller can report a per-record failure without aborting the batch.
func NewWrapper(action ActionType, rec *record.Record) *Wrapper {
	w := &Wrapper{Action: action, Record: rec}
	v, err := DecodeJSON(rec.Data)
	if err != nil {
		w.Err = err
		return w
	}
	w.Value = v
	return w
}

// DecodeJSON parses a record's data payload into a generic JSON object,
// or returns (nil, nil) for empty data. Also used by the searcher to
// extract order_by and projection values from a stored record.
func DecodeJSON(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, calmerr.Wrap(calmerr.DecodeError, "segment: decode record data", err)
	}
	return v, nil
}

// ValidIndex reports whether this record should be fed to the field
// indexes: not a delete, and no error so far.
func (w *Wrapper) ValidIndex() bool {
	return w.Action != Delete && w.Err == nil
}

// AbsID returns the record's id relative to a segment's start.
func (w *Wrapper) AbsID(start uint64) uint32 {
	return uint32(w.Record.ID - start)
}
