// Package query defines the backend-neutral query model, its fluent builder
// and the in-memory evaluator used by the document engine.
package query

import (
	"fmt"
	"slices"
	"strings"
)

// Op is a predicate comparison operator.
type Op string

// Supported operators.
const (
	OpEq   Op = "="
	OpNe   Op = "!="
	OpGt   Op = ">"
	OpGe   Op = ">="
	OpLt   Op = "<"
	OpLe   Op = "<="
	OpLike Op = "LIKE"
)

// ParseOp returns the operator for s. LIKE is case-insensitive and "<>" is
// accepted for "!=".
func ParseOp(s string) (Op, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "=", "==":
		return OpEq, nil
	case "!=", "<>":
		return OpNe, nil
	case ">":
		return OpGt, nil
	case ">=":
		return OpGe, nil
	case "<":
		return OpLt, nil
	case "<=":
		return OpLe, nil
	case "LIKE":
		return OpLike, nil
	}
	return "", fmt.Errorf("invalid operator %q", s)
}

// Direction is a sort direction.
type Direction string

// Sort directions.
const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// ParseDirection returns the direction for s, case-insensitively.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case Asc:
		return Asc, nil
	case Desc:
		return Desc, nil
	}
	return "", fmt.Errorf("invalid sort direction %q", s)
}

// Trashed selects how soft-deleted records are treated.
type Trashed int

const (
	// ExcludeTrashed skips soft-deleted records. It is the default.
	ExcludeTrashed Trashed = iota
	// WithTrashed includes soft-deleted records.
	WithTrashed
	// OnlyTrashed selects only soft-deleted records.
	OnlyTrashed
)

func (t Trashed) String() string {
	switch t {
	case WithTrashed:
		return "with"
	case OnlyTrashed:
		return "only"
	default:
		return "exclude"
	}
}

// Predicate is a single (field, operator, value) condition. Value is in
// normalized form.
type Predicate struct {
	Field string
	Op    Op
	Value any
}

// Sort is one ordering key.
type Sort struct {
	Field string
	Dir   Direction
}

// Query is the accumulated state of a builder.
//
// Predicates are ANDed. Sorts apply in order, earlier keys take priority.
// Limit 0 means no limit.
type Query struct {
	Table      string
	Predicates []Predicate
	Sorts      []Sort
	Limit      int
	Offset     int
	Trashed    Trashed
}

// Clone returns a copy that shares no slices with q.
func (q *Query) Clone() *Query {
	c := *q
	c.Predicates = slices.Clone(q.Predicates)
	c.Sorts = slices.Clone(q.Sorts)
	return &c
}

// String is a compact human readable form, for logs.
func (q *Query) String() string {
	var b strings.Builder
	b.WriteString(q.Table)
	for i, p := range q.Predicates {
		if i == 0 {
			b.WriteString(" where ")
		} else {
			b.WriteString(" and ")
		}
		fmt.Fprintf(&b, "%s %s %v", p.Field, p.Op, p.Value)
	}
	for i, s := range q.Sorts {
		if i == 0 {
			b.WriteString(" order by ")
		} else {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s %s", s.Field, s.Dir)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " limit %d", q.Limit)
	}
	if q.Offset > 0 {
		fmt.Fprintf(&b, " offset %d", q.Offset)
	}
	if q.Trashed != ExcludeTrashed {
		fmt.Fprintf(&b, " trashed=%s", q.Trashed)
	}
	return b.String()
}
