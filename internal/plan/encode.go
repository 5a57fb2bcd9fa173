package plan

import (
	"github.com/cubeflow-ai/calmcore/internal/calmerr"
	"github.com/cubeflow-ai/calmcore/internal/codec"
	"github.com/cubeflow-ai/calmcore/internal/schema"
)

// encodeValue renders a query-side literal (typically a decoded JSON
// value: bool, float64, string) into the field's memory-comparable
// term-index key. Text/Geo/Vector fields never reach Term/Between
// /InList — those route through compileText instead.
func encodeValue(ft schema.FieldType, v any) ([]byte, error) {
	switch ft {
	case schema.Bool:
		b, ok := v.(bool)
		if !ok {
			return nil, calmerr.Newf(calmerr.InvalidParam, "plan: expected bool value, got %T", v)
		}
		return codec.EncodeBool(b), nil
	case schema.Int:
		n, ok := toInt64(v)
		if !ok {
			return nil, calmerr.Newf(calmerr.InvalidParam, "plan: expected int value, got %T", v)
		}
		return codec.EncodeInt64(n), nil
	case schema.Float:
		f, ok := toFloat64(v)
		if !ok {
			return nil, calmerr.Newf(calmerr.InvalidParam, "plan: expected numeric value, got %T", v)
		}
		return codec.EncodeFloat64(f), nil
	case schema.String:
		s, ok := v.(string)
		if !ok {
			return nil, calmerr.Newf(calmerr.InvalidParam, "plan: expected string value, got %T", v)
		}
		return codec.EncodeString(s), nil
	default:
		return nil, calmerr.Newf(calmerr.Notsupport, "plan: field type %s does not support term/range queries", ft)
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
