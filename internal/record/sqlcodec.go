// Relational codec: maps normalized values to SQL storage classes and back.

package record

import (
	"encoding/json"
	"fmt"
	"strconv"

	dberrors "github.com/maruel/flatdb/internal/errors"
)

// The relational backend stores one column per field. The column's kind is
// fixed when the column is created:
//
//	null     → no column until a non-null value arrives
//	bool     → SMALLINT (0 or 1)
//	number   → REAL / DOUBLE PRECISION
//	string   → TEXT
//	sequence → TEXT (canonical JSON)
//	mapping  → TEXT (canonical JSON)
//
// Reading back requires the kind since SQL drivers return int64 for booleans
// and string for composites.

// EncodeSQL converts a normalized value into a value suitable as a SQL
// argument, along with its kind.
func EncodeSQL(v any) (any, Kind, error) {
	switch t := v.(type) {
	case nil:
		return nil, KindNull, nil
	case bool:
		if t {
			return int64(1), KindBool, nil
		}
		return int64(0), KindBool, nil
	case float64:
		return t, KindNumber, nil
	case string:
		return t, KindString, nil
	case []any:
		s, err := Canonical(t)
		if err != nil {
			return nil, KindSequence, dberrors.TypeCoercion("sequence is not representable").Wrap(err)
		}
		return s, KindSequence, nil
	case map[string]any:
		s, err := Canonical(t)
		if err != nil {
			return nil, KindMapping, dberrors.TypeCoercion("mapping is not representable").Wrap(err)
		}
		return s, KindMapping, nil
	}
	return nil, KindNull, dberrors.TypeCoercion("value of type %T is not normalized", v)
}

// DecodeSQL converts a value scanned from a column of the given kind back to
// its normalized form.
func DecodeSQL(v any, k Kind) (any, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch k {
	case KindNull:
		return nil, fmt.Errorf("unexpected value %v in null column", v)
	case KindBool:
		switch t := v.(type) {
		case bool:
			return t, nil
		case int64:
			return t != 0, nil
		case int32:
			return t != 0, nil
		case int16:
			return t != 0, nil
		case float64:
			return t != 0, nil
		case string:
			i, err := strconv.ParseInt(t, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid boolean %q", t)
			}
			return i != 0, nil
		}
	case KindNumber:
		switch t := v.(type) {
		case float64:
			return t, nil
		case float32:
			return float64(t), nil
		case int64:
			return float64(t), nil
		case int32:
			return float64(t), nil
		case string:
			f, err := strconv.ParseFloat(t, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", t)
			}
			return f, nil
		}
	case KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case KindSequence, KindMapping:
		s, ok := v.(string)
		if !ok {
			break
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", k, err)
		}
		if got := KindOf(out); got != k {
			return nil, fmt.Errorf("column holds %s, expected %s", got, k)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected %T in %s column", v, k)
}
