// Value normalization and comparison for the tagged value union.

package record

import (
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	dberrors "github.com/maruel/flatdb/internal/errors"
)

// Kind is the tag of a normalized value.
//
// Normalized values are limited to:
//
//	null     → nil
//	bool     → bool
//	number   → float64
//	string   → string
//	sequence → []any
//	mapping  → map[string]any
//
// The declaration order is the rank used when ordering values of different kinds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindSequence
	KindMapping
)

var kindNames = [...]string{"null", "bool", "number", "string", "sequence", "mapping"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for i, n := range kindNames {
		if n == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown kind %q", s)
}

// KindOf returns the kind of a value. Values that are not normalized are
// classified by their normalized form; values with no representation, such as
// channels, report KindNull.
func KindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case float64:
		return KindNumber
	case string:
		return KindString
	case []any:
		return KindSequence
	case map[string]any:
		return KindMapping
	}
	if n := normalized(v); n != nil {
		return KindOf(n)
	}
	return KindNull
}

// normalized returns v in normalized form, or nil when it has none.
func normalized(v any) any {
	switch v.(type) {
	case nil, bool, float64, string, []any, map[string]any:
		return v
	}
	n, err := Normalize(v)
	if err != nil {
		return nil
	}
	switch n.(type) {
	case bool, float64, string, []any, map[string]any:
		return n
	}
	return nil
}

// Normalize converts a Go value into its normalized form. Integers and other
// numeric types become float64, typed slices become []any, maps with string
// keys become map[string]any and values implementing json.Marshaler or
// structs are converted through their JSON encoding.
//
// Values with no representation fail with a TypeCoercionError.
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return t, nil
	case float64:
		return checkFloat(t)
	case float32:
		return checkFloat(float64(t))
	case int:
		return float64(t), nil
	case int8:
		return float64(t), nil
	case int16:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint8:
		return float64(t), nil
	case uint16:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, dberrors.TypeCoercion("invalid number %q", t.String())
		}
		return checkFloat(f)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			n, err := Normalize(t[i])
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			n, err := Normalize(e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case *Record:
		if t == nil {
			return nil, nil
		}
		return Normalize(t.Map())
	case json.Marshaler:
		return viaJSON(v)
	}
	return normalizeReflect(reflect.ValueOf(v))
}

func normalizeReflect(rv reflect.Value) (any, error) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return Normalize(rv.Elem().Interface())
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return checkFloat(rv.Float())
	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			// []byte follows encoding/json: base64 string.
			return viaJSON(rv.Interface())
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			n, err := Normalize(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, dberrors.TypeCoercion("map key type %s is not a string", rv.Type().Key())
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			n, err := Normalize(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = n
		}
		return out, nil
	case reflect.Struct:
		return viaJSON(rv.Interface())
	case reflect.Invalid:
		return nil, nil
	case reflect.Complex64, reflect.Complex128, reflect.Chan, reflect.Func,
		reflect.UnsafePointer, reflect.Uintptr:
		return nil, dberrors.TypeCoercion("values of type %s are not representable", rv.Type())
	}
	return nil, dberrors.TypeCoercion("values of type %s are not representable", rv.Type())
}

func viaJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, dberrors.TypeCoercion("value of type %T is not representable", v).Wrap(err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, dberrors.TypeCoercion("value of type %T is not representable", v).Wrap(err)
	}
	return out, nil
}

func checkFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, dberrors.TypeCoercion("number %v is not representable", f)
	}
	return f, nil
}

// Canonical returns the canonical JSON text of a normalized value. Mapping
// keys are sorted, so deep-equal values have identical canonical text.
func Canonical(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare compares two non-null values of the same kind. ok is false when the
// kinds differ or either value is null or has no normalized form. Values are
// normalized first, so 1 and 1.0 compare equal.
//
// Numbers compare numerically, strings by byte order, false sorts before true
// and composites compare by canonical JSON text.
func Compare(a, b any) (c int, ok bool) {
	a, b = normalized(a), normalized(b)
	ka, kb := KindOf(a), KindOf(b)
	if ka != kb || ka == KindNull {
		return 0, false
	}
	switch ka {
	case KindBool:
		return cmpBool(a.(bool), b.(bool)), true
	case KindNumber:
		return cmp.Compare(a.(float64), b.(float64)), true
	case KindString:
		return cmp.Compare(a.(string), b.(string)), true
	case KindNull, KindSequence, KindMapping:
	}
	sa, _ := Canonical(a)
	sb, _ := Canonical(b)
	return cmp.Compare(sa, sb), true
}

// Order returns a total order over values for sorting: values of different
// kinds order by kind rank, values of the same kind by [Compare]. Values with
// no normalized form order as null.
func Order(a, b any) int {
	a, b = normalized(a), normalized(b)
	ka, kb := KindOf(a), KindOf(b)
	if ka != kb {
		return cmp.Compare(ka, kb)
	}
	if ka == KindNull {
		return 0
	}
	c, _ := Compare(a, b)
	return c
}

func cmpBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}
