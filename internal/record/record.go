// Package record defines the schema-less row shape shared by every flatdb
// backend and the codecs that translate it to and from each backend's
// representation.
package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"maps"
	"reflect"
	"slices"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// IDField is the name of the generated unique identifier field.
const IDField = "id"

// DeletedAtField holds the soft-delete marker. A null or missing value means
// the record is live.
const DeletedAtField = "deleted_at"

var errNotObject = errors.New("record must be a JSON object")

// Record is an ordered mapping of field name to value.
//
// Values are expected to be in normalized form (see [Normalize]) once the
// record has crossed a storage boundary. The zero value is not usable; use
// [New].
type Record struct {
	m *orderedmap.OrderedMap[string, any]
}

// New returns an empty record.
func New() *Record {
	return &Record{m: orderedmap.New[string, any]()}
}

// FromMap builds a record from a map. Go maps are unordered so fields are
// added in lexical order, except id which always comes first.
func FromMap(data map[string]any) *Record {
	r := New()
	if v, ok := data[IDField]; ok {
		r.Set(IDField, v)
	}
	for _, k := range slices.Sorted(maps.Keys(data)) {
		if k != IDField {
			r.Set(k, data[k])
		}
	}
	return r
}

// Set stores a field, keeping its position if it already exists. It returns
// the record for chaining.
func (r *Record) Set(name string, value any) *Record {
	r.m.Set(name, value)
	return r
}

// Get returns the value of a field and whether it is present.
func (r *Record) Get(name string) (any, bool) {
	return r.m.Get(name)
}

// Value returns the value of a field, or nil if missing.
func (r *Record) Value(name string) any {
	v, _ := r.m.Get(name)
	return v
}

// Delete removes a field.
func (r *Record) Delete(name string) {
	r.m.Delete(name)
}

// Len returns the number of fields.
func (r *Record) Len() int {
	return r.m.Len()
}

// Keys returns field names in order.
func (r *Record) Keys() []string {
	keys := make([]string, 0, r.m.Len())
	for p := r.m.Oldest(); p != nil; p = p.Next() {
		keys = append(keys, p.Key)
	}
	return keys
}

// Fields iterates over fields in order.
func (r *Record) Fields() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		for p := r.m.Oldest(); p != nil; p = p.Next() {
			if !yield(p.Key, p.Value) {
				return
			}
		}
	}
}

// ID returns the record identifier, or "" if unset.
func (r *Record) ID() string {
	s, _ := r.Value(IDField).(string)
	return s
}

// SetID sets the identifier and moves it to the front.
func (r *Record) SetID(id string) {
	r.m.Set(IDField, id)
	_ = r.m.MoveToFront(IDField)
}

// IsDeleted reports whether the record carries a soft-delete marker.
func (r *Record) IsDeleted() bool {
	return r.Value(DeletedAtField) != nil
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := New()
	for k, v := range r.Fields() {
		c.m.Set(k, cloneValue(v))
	}
	return c
}

// Map returns the fields as a plain map. Nested values are shared.
func (r *Record) Map() map[string]any {
	out := make(map[string]any, r.m.Len())
	for k, v := range r.Fields() {
		out[k] = v
	}
	return out
}

// Equal reports whether both records hold the same fields with deep-equal
// values. Field order is not compared.
func (r *Record) Equal(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}
	if r.Len() != other.Len() {
		return false
	}
	for k, v := range r.Fields() {
		ov, ok := other.Get(k)
		if !ok || !reflect.DeepEqual(v, ov) {
			return false
		}
	}
	return true
}

// Merge applies patch to r with shallow replacement: every field of patch
// replaces the field in r wholesale, nested containers included. The id field
// is never changed. It reports whether any value changed.
func (r *Record) Merge(patch *Record) bool {
	changed := false
	for k, v := range patch.Fields() {
		if k == IDField {
			continue
		}
		if old, ok := r.Get(k); ok && reflect.DeepEqual(old, v) {
			continue
		}
		r.m.Set(k, cloneValue(v))
		changed = true
	}
	return changed
}

// Normalize returns a copy of the record with every value converted to its
// normalized form.
func (r *Record) Normalize() (*Record, error) {
	c := New()
	for k, v := range r.Fields() {
		if k == "" {
			return nil, errors.New("empty field name")
		}
		n, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		c.m.Set(k, n)
	}
	return c, nil
}

// MarshalJSON implements json.Marshaler, preserving field order.
func (r *Record) MarshalJSON() ([]byte, error) {
	if r == nil || r.m == nil {
		return []byte("null"), nil
	}
	return r.m.MarshalJSON()
}

// UnmarshalJSON implements json.Unmarshaler. The input must be a valid JSON
// object.
func (r *Record) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return errors.New("invalid JSON")
	}
	if len(data) == 0 || data[0] != '{' {
		return errNotObject
	}
	m := orderedmap.New[string, any]()
	if err := m.UnmarshalJSON(data); err != nil {
		return err
	}
	r.m = m
	return nil
}

// MarshalYAML implements yaml.Marshaler, preserving field order.
func (r *Record) MarshalYAML() (any, error) {
	return r.m.MarshalYAML()
}

// String returns the JSON encoding, for logs and test failures.
func (r *Record) String() string {
	b, err := r.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid record: %v>", err)
	}
	return string(b)
}

// GetString returns the string value for a field, or "" if missing or of another kind.
func (r *Record) GetString(name string) string {
	s, _ := r.Value(name).(string)
	return s
}

// GetNumber returns the numeric value for a field, or 0 if missing or of another kind.
func (r *Record) GetNumber(name string) float64 {
	f, _ := r.Value(name).(float64)
	return f
}

// GetBool returns the boolean value for a field, or false if missing or of another kind.
func (r *Record) GetBool(name string) bool {
	b, _ := r.Value(name).(bool)
	return b
}

// GetStrings returns the string elements of a sequence field.
// Returns nil if missing or of another kind.
func (r *Record) GetStrings(name string) []string {
	switch v := r.Value(name).(type) {
	case []string:
		return v
	case []any:
		result := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	}
	return nil
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []any:
		c := make([]any, len(t))
		for i := range t {
			c[i] = cloneValue(t[i])
		}
		return c
	case map[string]any:
		c := make(map[string]any, len(t))
		for k, e := range t {
			c[k] = cloneValue(e)
		}
		return c
	default:
		return v
	}
}
