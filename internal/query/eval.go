// Filtering and sorting of records in memory.

package query

import (
	"slices"
	"strings"

	"github.com/maruel/flatdb/internal/record"
)

// Evaluate applies q to rows: filter, stable sort, then offset and limit.
//
// rows is not modified. The returned records are the same pointers as in
// rows.
func Evaluate(q *Query, rows []*record.Record) []*record.Record {
	result := make([]*record.Record, 0, len(rows))
	for _, r := range rows {
		if Match(q, r) {
			result = append(result, r)
		}
	}
	if len(q.Sorts) > 0 {
		sortRecords(result, q.Sorts)
	}
	if q.Offset > 0 {
		if q.Offset >= len(result) {
			return result[:0]
		}
		result = result[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(result) {
		result = result[:q.Limit]
	}
	return result
}

// Count returns the number of rows matching q, ignoring ordering and paging.
func Count(q *Query, rows []*record.Record) int {
	n := 0
	for _, r := range rows {
		if Match(q, r) {
			n++
		}
	}
	return n
}

// Match reports whether r satisfies the trashed mode and every predicate of q.
func Match(q *Query, r *record.Record) bool {
	switch q.Trashed {
	case ExcludeTrashed:
		if r.IsDeleted() {
			return false
		}
	case OnlyTrashed:
		if !r.IsDeleted() {
			return false
		}
	case WithTrashed:
	}
	for i := range q.Predicates {
		if !matchPredicate(r, &q.Predicates[i]) {
			return false
		}
	}
	return true
}

// matchPredicate applies a single condition. A missing field is null.
func matchPredicate(r *record.Record, p *Predicate) bool {
	return matchOperator(r.Value(p.Field), p.Op, p.Value)
}

// matchOperator compares a field value with the predicate operand.
//
// Null only takes part in = and !=. Mismatched kinds are never equal and
// never ordered.
func matchOperator(value any, op Op, operand any) bool {
	if op == OpLike {
		s, ok := value.(string)
		sub, ok2 := operand.(string)
		return ok && ok2 && strings.Contains(s, sub)
	}
	if operand == nil {
		switch op {
		case OpEq:
			return value == nil
		case OpNe:
			return value != nil
		default:
			return false
		}
	}
	if value == nil {
		return false
	}
	c, ok := record.Compare(value, operand)
	if !ok {
		return op == OpNe
	}
	switch op {
	case OpEq:
		return c == 0
	case OpNe:
		return c != 0
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	default:
		return false
	}
}

// sortRecords sorts in place, keeping the relative order of ties.
func sortRecords(rows []*record.Record, sorts []Sort) {
	slices.SortStableFunc(rows, func(a, b *record.Record) int {
		for _, s := range sorts {
			c := record.Order(a.Value(s.Field), b.Value(s.Field))
			if s.Dir == Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	})
}
