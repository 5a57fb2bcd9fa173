package search

import (
	"github.com/cubeflow-ai/calmcore/internal/calmerr"
	"github.com/cubeflow-ai/calmcore/internal/codec"
	"github.com/cubeflow-ai/calmcore/internal/schema"
)

// encodeSortValue renders one order_by field's decoded JSON value into
// its memory-comparable sort-key bytes, using the same transform
// as term-index keys so ORDER BY and BETWEEN agree on boundaries.
// A field absent from the document is treated as its type's zero value
// (false, 0 or ""), so Bool/Int/Float keys for that field all have the
// same width; String/Text keys vary in width with the string.
func encodeSortValue(ft schema.FieldType, v any) ([]byte, error) {
	if v == nil {
		switch ft {
		case schema.Bool:
			v = false
		case schema.Int:
			v = int64(0)
		case schema.Float:
			v = float64(0)
		default:
			v = ""
		}
	}
	switch ft {
	case schema.Bool:
		b, ok := v.(bool)
		if !ok {
			return nil, calmerr.Newf(calmerr.InvalidParam, "search: expected bool value, got %T", v)
		}
		return codec.EncodeBool(b), nil
	case schema.Int:
		n, ok := toInt64(v)
		if !ok {
			return nil, calmerr.Newf(calmerr.InvalidParam, "search: expected int value, got %T", v)
		}
		return codec.EncodeInt64(n), nil
	case schema.Float:
		f, ok := toFloat64(v)
		if !ok {
			return nil, calmerr.Newf(calmerr.InvalidParam, "search: expected numeric value, got %T", v)
		}
		return codec.EncodeFloat64(f), nil
	case schema.String, schema.Text:
		s, ok := v.(string)
		if !ok {
			return nil, calmerr.Newf(calmerr.InvalidParam, "search: expected string value, got %T", v)
		}
		return codec.EncodeString(s), nil
	default:
		return nil, calmerr.Newf(calmerr.Notsupport, "search: field type %s does not support ordering", ft)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
