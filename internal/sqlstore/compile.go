// Query compilation to SQL.

package sqlstore

import (
	"fmt"
	"strconv"
	"strings"

	dberrors "github.com/maruel/flatdb/internal/errors"
	"github.com/maruel/flatdb/internal/query"
	"github.com/maruel/flatdb/internal/record"
)

const (
	sqlTrue  = "1=1"
	sqlFalse = "1=0"
)

// sqlBuilder accumulates bind arguments for one statement.
type sqlBuilder struct {
	d    *dialect
	args []any
}

func (b *sqlBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return b.d.placeholder(len(b.args))
}

// column returns the quoted column, with byte-wise collation for text.
func (b *sqlBuilder) column(field string, k record.Kind) string {
	c := quoteIdent(field)
	if textual(k) {
		c += b.d.collate
	}
	return c
}

// where compiles the trashed mode and predicates of q. It returns "" when
// there is no condition.
//
// Predicates on fields without a column are folded to constants: such
// fields are null in every row.
func (b *sqlBuilder) where(q *query.Query, m *tableMeta) (string, error) {
	var conds []string
	_, hasDeleted := m.cols[record.DeletedAtField]
	switch q.Trashed {
	case query.ExcludeTrashed:
		if hasDeleted {
			conds = append(conds, quoteIdent(record.DeletedAtField)+" IS NULL")
		}
	case query.OnlyTrashed:
		if !hasDeleted {
			conds = append(conds, sqlFalse)
		} else {
			conds = append(conds, quoteIdent(record.DeletedAtField)+" IS NOT NULL")
		}
	case query.WithTrashed:
	}
	for i := range q.Predicates {
		c, err := b.predicate(&q.Predicates[i], m)
		if err != nil {
			return "", err
		}
		conds = append(conds, c)
	}
	return strings.Join(conds, " AND "), nil
}

func (b *sqlBuilder) predicate(p *query.Predicate, m *tableMeta) (string, error) {
	k, known := m.cols[p.Field]
	if p.Op == query.OpLike {
		s, ok := p.Value.(string)
		if !ok || !known || k != record.KindString {
			return sqlFalse, nil
		}
		return fmt.Sprintf(b.d.contains, quoteIdent(p.Field), b.arg(s)), nil
	}
	if p.Value == nil {
		switch {
		case p.Op == query.OpEq && !known:
			return sqlTrue, nil
		case p.Op == query.OpEq:
			return quoteIdent(p.Field) + " IS NULL", nil
		case p.Op == query.OpNe && known:
			return quoteIdent(p.Field) + " IS NOT NULL", nil
		default:
			return sqlFalse, nil
		}
	}
	if !known {
		return sqlFalse, nil
	}
	v, vk, err := record.EncodeSQL(p.Value)
	if err != nil {
		return "", dberrors.TypeCoercion("where %s: %v", p.Field, err).WithTable(m.name)
	}
	if vk != k {
		// Values of different kinds are never equal nor ordered.
		if p.Op == query.OpNe {
			return quoteIdent(p.Field) + " IS NOT NULL", nil
		}
		return sqlFalse, nil
	}
	switch p.Op {
	case query.OpEq, query.OpNe, query.OpGt, query.OpGe, query.OpLt, query.OpLe:
	default:
		return "", dberrors.Configuration("invalid operator %q", p.Op).WithTable(m.name)
	}
	return b.column(p.Field, k) + " " + string(p.Op) + " " + b.arg(v), nil
}

// orderBy compiles the sort keys, nulls first ascending and last
// descending, then insertion order. Fields without a column are skipped.
func (b *sqlBuilder) orderBy(q *query.Query, m *tableMeta) string {
	parts := make([]string, 0, len(q.Sorts)+1)
	for _, s := range q.Sorts {
		k, ok := m.cols[s.Field]
		if !ok {
			continue
		}
		if s.Dir == query.Desc {
			parts = append(parts, b.column(s.Field, k)+" DESC NULLS LAST")
		} else {
			parts = append(parts, b.column(s.Field, k)+" ASC NULLS FIRST")
		}
	}
	parts = append(parts, quoteIdent(seqColumn)+" ASC")
	return strings.Join(parts, ", ")
}

// page compiles limit and offset.
func (b *sqlBuilder) page(q *query.Query) string {
	switch {
	case q.Limit > 0 && q.Offset > 0:
		return " LIMIT " + strconv.Itoa(q.Limit) + " OFFSET " + strconv.Itoa(q.Offset)
	case q.Limit > 0:
		return " LIMIT " + strconv.Itoa(q.Limit)
	case q.Offset > 0 && b.d == sqliteDialect:
		// SQLite has no OFFSET without LIMIT.
		return " LIMIT -1 OFFSET " + strconv.Itoa(q.Offset)
	case q.Offset > 0:
		return " OFFSET " + strconv.Itoa(q.Offset)
	}
	return ""
}

// selectStmt builds the SELECT statement for q over the given data columns.
func (b *sqlBuilder) selectStmt(q *query.Query, m *tableMeta, cols []string) (string, error) {
	where, err := b.where(q, m)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(quoteIdent(record.IDField))
	sb.WriteString(", ")
	sb.WriteString(quoteIdent(fieldsColumn))
	for _, c := range cols {
		sb.WriteString(", ")
		sb.WriteString(quoteIdent(c))
	}
	sb.WriteString(" FROM ")
	sb.WriteString(quoteIdent(m.sqlName))
	if where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(b.orderBy(q, m))
	sb.WriteString(b.page(q))
	return sb.String(), nil
}

// countStmt builds the COUNT statement for q.
func (b *sqlBuilder) countStmt(q *query.Query, m *tableMeta) (string, error) {
	where, err := b.where(q, m)
	if err != nil {
		return "", err
	}
	stmt := "SELECT COUNT(*) FROM " + quoteIdent(m.sqlName)
	if where != "" {
		stmt += " WHERE " + where
	}
	return stmt, nil
}
