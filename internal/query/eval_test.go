// Tests for filtering and sorting logic.

package query

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"

	"github.com/maruel/flatdb/internal/record"
)

func makeRecord(id string, data map[string]any) *record.Record {
	r := record.FromMap(data)
	r.SetID(id)
	n, err := r.Normalize()
	if err != nil {
		panic(err)
	}
	return n
}

func ids(rows []*record.Record) string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ID()
	}
	return strings.Join(out, ",")
}

func TestEvaluateFilters(t *testing.T) {
	rows := []*record.Record{
		makeRecord("a", map[string]any{"name": "Alice", "age": 30, "active": true, "email": "a@example.com"}),
		makeRecord("b", map[string]any{"name": "Bob", "age": 25, "active": false, "email": "b@example.com"}),
		makeRecord("c", map[string]any{"name": "Charlie", "age": "old", "email": "c@other.com"}),
		makeRecord("d", map[string]any{"name": nil, "age": 40}),
	}
	tests := []struct {
		name string
		p    []Predicate
		want string
	}{
		{"equals", []Predicate{{"name", OpEq, "Bob"}}, "b"},
		{"not equals skips null", []Predicate{{"name", OpNe, "Bob"}}, "a,c"},
		{"not equals across kinds", []Predicate{{"age", OpNe, 30.0}}, "b,c,d"},
		{"greater than skips other kinds", []Predicate{{"age", OpGt, 26.0}}, "a,d"},
		{"less or equal", []Predicate{{"age", OpLe, 30.0}}, "a,b"},
		{"string ordering", []Predicate{{"name", OpGe, "B"}}, "b,c"},
		{"bool", []Predicate{{"active", OpEq, true}}, "a"},
		{"equals null matches missing", []Predicate{{"active", OpEq, nil}}, "c,d"},
		{"not null", []Predicate{{"name", OpNe, nil}}, "a,b,c"},
		{"ordering with null is false", []Predicate{{"name", OpGt, nil}}, ""},
		{"like", []Predicate{{"email", OpLike, "@example.com"}}, "a,b"},
		{"like is case sensitive", []Predicate{{"name", OpLike, "alice"}}, ""},
		{"like on non string", []Predicate{{"age", OpLike, "3"}}, ""},
		{"and", []Predicate{{"active", OpNe, nil}, {"age", OpLt, 28.0}}, "b"},
		{"missing field", []Predicate{{"nope", OpEq, "x"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(Evaluate(&Query{Predicates: tt.p}, rows))
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if n := Count(&Query{Predicates: tt.p}, rows); n != len(Evaluate(&Query{Predicates: tt.p}, rows)) {
				t.Errorf("Count = %d", n)
			}
		})
	}
}

func TestEvaluateComposite(t *testing.T) {
	rows := []*record.Record{
		makeRecord("a", map[string]any{"tags": []string{"x", "y"}, "meta": map[string]any{"k": 1, "j": "v"}}),
		makeRecord("b", map[string]any{"tags": []string{"y"}}),
	}
	got := ids(Evaluate(&Query{Predicates: []Predicate{{"meta", OpEq, map[string]any{"j": "v", "k": 1.0}}}}, rows))
	if got != "a" {
		t.Errorf("mapping equality: got %q", got)
	}
	got = ids(Evaluate(&Query{Predicates: []Predicate{{"tags", OpEq, []any{"y"}}}}, rows))
	if got != "b" {
		t.Errorf("sequence equality: got %q", got)
	}
}

func TestEvaluateTrashed(t *testing.T) {
	rows := []*record.Record{
		makeRecord("a", map[string]any{}),
		makeRecord("b", map[string]any{"deleted_at": "2025-01-01T00:00:00Z"}),
		makeRecord("c", map[string]any{"deleted_at": nil}),
	}
	for mode, want := range map[Trashed]string{ExcludeTrashed: "a,c", WithTrashed: "a,b,c", OnlyTrashed: "b"} {
		t.Run(mode.String(), func(t *testing.T) {
			if got := ids(Evaluate(&Query{Trashed: mode}, rows)); got != want {
				t.Errorf("got %q, want %q", got, want)
			}
		})
	}
}

func TestEvaluateSort(t *testing.T) {
	rows := []*record.Record{
		makeRecord("1", map[string]any{"last": "Smith", "first": "Jane", "n": 2}),
		makeRecord("2", map[string]any{"last": "Doe", "first": "John"}),
		makeRecord("3", map[string]any{"last": "Smith", "first": "Adam", "n": 1}),
		makeRecord("4", map[string]any{"last": "Doe", "first": "Jane", "n": "x"}),
		makeRecord("5", map[string]any{"last": "Smith", "first": "Jane", "n": 3}),
	}
	tests := []struct {
		name  string
		sorts []Sort
		want  string
	}{
		{"stable single key", []Sort{{"last", Asc}}, "2,4,1,3,5"},
		{"composite", []Sort{{"last", Asc}, {"first", Desc}}, "2,4,1,5,3"},
		{"null first ascending, kinds ranked", []Sort{{"n", Asc}}, "2,3,1,5,4"},
		{"null last descending", []Sort{{"n", Desc}}, "4,5,1,3,2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := slices.Clone(rows)
			got := ids(Evaluate(&Query{Sorts: tt.sorts}, in))
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if ids(in) != "1,2,3,4,5" {
				t.Error("input was reordered")
			}
		})
	}
}

func TestEvaluatePaging(t *testing.T) {
	var rows []*record.Record
	for i := range 5 {
		rows = append(rows, makeRecord(fmt.Sprint(i), map[string]any{"i": i}))
	}
	tests := []struct {
		limit, offset int
		want          string
	}{
		{0, 0, "0,1,2,3,4"},
		{2, 0, "0,1"},
		{2, 2, "2,3"},
		{0, 3, "3,4"},
		{10, 4, "4"},
		{1, 9, ""},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("limit%d_offset%d", tt.limit, tt.offset), func(t *testing.T) {
			if got := ids(Evaluate(&Query{Limit: tt.limit, Offset: tt.offset}, rows)); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

// TestEvaluateBruteForce checks the filter against a direct reimplementation
// on random numeric data.
func TestEvaluateBruteForce(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	var rows []*record.Record
	for i := range 200 {
		data := map[string]any{}
		if rng.IntN(5) != 0 {
			data["v"] = rng.IntN(20)
		}
		rows = append(rows, makeRecord(fmt.Sprint(i), data))
	}
	ops := map[Op]func(a, b float64) bool{
		OpEq: func(a, b float64) bool { return a == b },
		OpNe: func(a, b float64) bool { return a != b },
		OpGt: func(a, b float64) bool { return a > b },
		OpGe: func(a, b float64) bool { return a >= b },
		OpLt: func(a, b float64) bool { return a < b },
		OpLe: func(a, b float64) bool { return a <= b },
	}
	for op, fn := range ops {
		for x := range 20 {
			operand := float64(x)
			var want []*record.Record
			for _, r := range rows {
				if v, ok := r.Value("v").(float64); ok && fn(v, operand) {
					want = append(want, r)
				}
			}
			got := Evaluate(&Query{Predicates: []Predicate{{"v", op, operand}}}, rows)
			if ids(got) != ids(want) {
				t.Fatalf("v %s %v: got %s, want %s", op, operand, ids(got), ids(want))
			}
		}
	}
}
