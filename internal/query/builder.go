package query

import (
	"context"
	"strings"
	"time"

	dberrors "github.com/maruel/flatdb/internal/errors"
	"github.com/maruel/flatdb/internal/record"
)

// Executor runs queries against one storage engine.
//
// The Query passed to an executor is a private copy; executors may keep or
// modify it.
type Executor interface {
	// All returns the records matching q, ordered and paged.
	All(ctx context.Context, q *Query) ([]*record.Record, error)
	// Count returns the number of records matching q, ignoring paging.
	Count(ctx context.Context, q *Query) (int, error)
	// Insert stores rec in table and returns its id.
	Insert(ctx context.Context, table string, rec *record.Record) (string, error)
	// Update merges patch into every record matching q and returns how many
	// records matched.
	Update(ctx context.Context, q *Query, patch *record.Record) (int, error)
}

// timeNow is replaced in tests.
var timeNow = time.Now

// Builder accumulates a query on one table and runs it.
//
// Builder methods mutate and return the receiver. Terminal calls never reset
// the accumulated state, so a builder can be reused. A Builder is not safe
// for concurrent use.
type Builder struct {
	exec Executor
	q    Query
	err  error
}

// New returns a builder for table running on exec.
func New(exec Executor, table string) *Builder {
	return &Builder{exec: exec, q: Query{Table: table}}
}

// Table returns the table name.
func (b *Builder) Table() string {
	return b.q.Table
}

// Query returns a copy of the accumulated query.
func (b *Builder) Query() *Query {
	return b.q.Clone()
}

// Err returns the first construction error, if any.
func (b *Builder) Err() error {
	return b.err
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// Where adds the condition "field op value". op is one of =, !=, >, >=, <,
// <= and LIKE.
//
// For LIKE, value must be a string; surrounding % wildcards are ignored since
// LIKE always matches substrings.
func (b *Builder) Where(field, op string, value any) *Builder {
	o, err := ParseOp(op)
	if err != nil {
		return b.fail(dberrors.Configuration("%v", err).WithTable(b.q.Table))
	}
	if field == "" {
		return b.fail(dberrors.Configuration("empty field name in where clause").WithTable(b.q.Table))
	}
	v, err := record.Normalize(value)
	if err != nil {
		return b.fail(dberrors.TypeCoercion("where %s: %v", field, err).WithTable(b.q.Table))
	}
	if o == OpLike {
		s, ok := v.(string)
		if !ok {
			return b.fail(dberrors.Configuration("LIKE on %s requires a string, got %s", field, record.KindOf(v)).WithTable(b.q.Table))
		}
		v = strings.Trim(s, "%")
	}
	b.q.Predicates = append(b.q.Predicates, Predicate{Field: field, Op: o, Value: v})
	return b
}

// WhereEq adds the condition "field = value".
func (b *Builder) WhereEq(field string, value any) *Builder {
	return b.Where(field, string(OpEq), value)
}

// OrderBy adds an ordering key. dir is "asc" or "desc".
func (b *Builder) OrderBy(field, dir string) *Builder {
	d, err := ParseDirection(dir)
	if err != nil {
		return b.fail(dberrors.Configuration("%v", err).WithTable(b.q.Table))
	}
	if field == "" {
		return b.fail(dberrors.Configuration("empty field name in order clause").WithTable(b.q.Table))
	}
	b.q.Sorts = append(b.q.Sorts, Sort{Field: field, Dir: d})
	return b
}

// Order adds an ascending ordering key.
func (b *Builder) Order(field string) *Builder {
	return b.OrderBy(field, string(Asc))
}

// Limit caps the number of returned records. 0 removes the cap.
func (b *Builder) Limit(n int) *Builder {
	if n < 0 {
		return b.fail(dberrors.Configuration("negative limit %d", n).WithTable(b.q.Table))
	}
	b.q.Limit = n
	return b
}

// Offset skips the first n matching records.
func (b *Builder) Offset(n int) *Builder {
	if n < 0 {
		return b.fail(dberrors.Configuration("negative offset %d", n).WithTable(b.q.Table))
	}
	b.q.Offset = n
	return b
}

// WithTrashed includes soft-deleted records.
func (b *Builder) WithTrashed() *Builder {
	b.q.Trashed = WithTrashed
	return b
}

// OnlyTrashed restricts the query to soft-deleted records.
func (b *Builder) OnlyTrashed() *Builder {
	b.q.Trashed = OnlyTrashed
	return b
}

// First returns the first matching record, or nil when nothing matches.
func (b *Builder) First(ctx context.Context) (*record.Record, error) {
	if b.err != nil {
		return nil, b.err
	}
	q := b.q.Clone()
	q.Limit = 1
	rows, err := b.exec.All(ctx, q)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// All returns every matching record. An empty result is an empty slice.
func (b *Builder) All(ctx context.Context) ([]*record.Record, error) {
	if b.err != nil {
		return nil, b.err
	}
	rows, err := b.exec.All(ctx, b.q.Clone())
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []*record.Record{}
	}
	return rows, nil
}

// Count returns the number of matching records. Limit and offset are
// ignored.
func (b *Builder) Count(ctx context.Context) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	return b.exec.Count(ctx, b.q.Clone())
}

// Insert stores rec in the table and returns its id. Accumulated conditions
// are ignored.
func (b *Builder) Insert(ctx context.Context, rec *record.Record) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	return b.exec.Insert(ctx, b.q.Table, rec)
}

// Update merges patch into every matching record and returns how many
// matched. The id field of patch is ignored.
func (b *Builder) Update(ctx context.Context, patch *record.Record) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	if patch == nil {
		return 0, dberrors.Configuration("nil patch").WithTable(b.q.Table)
	}
	p := patch.Clone()
	p.Delete(record.IDField)
	if p.Len() == 0 {
		// Nothing to change; still report the matches.
		return b.Count(ctx)
	}
	return b.exec.Update(ctx, b.q.Clone(), p)
}

// Delete soft-deletes every matching record by stamping deleted_at with the
// current UTC time. It returns how many records were deleted.
func (b *Builder) Delete(ctx context.Context) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	ts := timeNow().UTC().Format(time.RFC3339Nano)
	return b.exec.Update(ctx, b.q.Clone(), record.New().Set(record.DeletedAtField, ts))
}

// Restore clears the soft-delete marker of every matching soft-deleted
// record and returns how many were restored.
func (b *Builder) Restore(ctx context.Context) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	q := b.q.Clone()
	q.Trashed = OnlyTrashed
	return b.exec.Update(ctx, q, record.New().Set(record.DeletedAtField, nil))
}
