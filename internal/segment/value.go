package segment

import (
	"strings"

	"github.com/cubeflow-ai/calmcore/internal/codec"
	"github.com/cubeflow-ai/calmcore/internal/schema"
)

// termKeys converts a decoded JSON value into zero or more
// memory-comparable encoded keys for a Bool/Int/Float/String field. An
// array value indexes one key per element (so a record with
// tags:["a","b"] is found by a term query on either "a" or "b"); a value
// of the wrong shape for the field's type is silently skipped rather
// than failing the record.
func termKeys(ft schema.FieldType, v any) [][]byte {
	if arr, ok := v.([]any); ok {
		var keys [][]byte
		for _, elem := range arr {
			if k, ok := termKey(ft, elem); ok {
				keys = append(keys, k)
			}
		}
		return keys
	}
	if k, ok := termKey(ft, v); ok {
		return [][]byte{k}
	}
	return nil
}

func termKey(ft schema.FieldType, v any) ([]byte, bool) {
	switch ft {
	case schema.Bool:
		b, ok := v.(bool)
		if !ok {
			return nil, false
		}
		return codec.EncodeBool(b), true
	case schema.Int:
		f, ok := v.(float64)
		if !ok {
			return nil, false
		}
		return codec.EncodeInt64(int64(f)), true
	case schema.Float:
		f, ok := v.(float64)
		if !ok {
			return nil, false
		}
		return codec.EncodeFloat64(f), true
	case schema.String:
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		return codec.EncodeString(s), true
	default:
		return nil, false
	}
}

// termKeyLen returns the fixed on-disk key width for ft, or 0 for a
// length-prefixed (String) key.
func termKeyLen(ft schema.FieldType) uint16 {
	switch ft {
	case schema.Bool:
		return 1
	case schema.Int, schema.Float:
		return 8
	default:
		return 0
	}
}

// textValue converts a decoded JSON value into the plain text an
// analyzer tokenizes for a Text field. A string is used directly; an
// array of strings is joined with spaces so each element still
// contributes its own token stream.
func textValue(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []any:
		parts := make([]string, 0, len(t))
		for _, elem := range t {
			s, ok := elem.(string)
			if !ok {
				return "", false
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, " "), true
	default:
		return "", false
	}
}
