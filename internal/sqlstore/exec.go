package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/maruel/ksid"

	dberrors "github.com/maruel/flatdb/internal/errors"
	"github.com/maruel/flatdb/internal/query"
	"github.com/maruel/flatdb/internal/record"
)

// All implements query.Executor.
func (s *Store) All(ctx context.Context, q *query.Query) ([]*record.Record, error) {
	var out []*record.Record
	err := s.inReadTx(ctx, q.Table, func(tx *sql.Tx) error {
		m, err := s.loadMeta(ctx, tx, q.Table)
		if err != nil || !m.exists {
			return err
		}
		out, err = s.selectRows(ctx, tx, q, m)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// selectRows runs the SELECT for q against the layout m.
func (s *Store) selectRows(ctx context.Context, tx *sql.Tx, q *query.Query, m *tableMeta) ([]*record.Record, error) {
	cols := dataColumns(m)
	b := &sqlBuilder{d: s.d}
	stmt, err := b.selectStmt(q, m, cols)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := tx.QueryContext(ctx, stmt, b.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*record.Record
	vals := make([]any, 2+len(cols))
	ptrs := make([]any, len(vals))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		clear(vals)
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r, err := decodeRow(m, cols, vals)
		if err != nil {
			return nil, dberrors.CorruptTable(q.Table, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.log.DebugContext(ctx, "select", "table", m.sqlName, "rows", len(out), "dur", time.Since(start))
	return out, nil
}

// Count implements query.Executor.
func (s *Store) Count(ctx context.Context, q *query.Query) (int, error) {
	var n int64
	err := s.inReadTx(ctx, q.Table, func(tx *sql.Tx) error {
		m, err := s.loadMeta(ctx, tx, q.Table)
		if err != nil || !m.exists {
			return err
		}
		b := &sqlBuilder{d: s.d}
		stmt, err := b.countStmt(q, m)
		if err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, stmt, b.args...).Scan(&n); err != nil {
			return fmt.Errorf("failed to count: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Insert implements query.Executor.
func (s *Store) Insert(ctx context.Context, table string, rec *record.Record) (string, error) {
	if rec == nil {
		return "", dberrors.Configuration("nil record").WithTable(table)
	}
	r, err := rec.Normalize()
	if err != nil {
		return "", dberrors.TypeCoercion("%v", err).WithTable(table)
	}
	switch v := r.Value(record.IDField).(type) {
	case nil:
		r.SetID(ksid.NewID().String())
	case string:
		if v == "" {
			return "", dberrors.TypeCoercion("id must be a non-empty string").WithTable(table)
		}
		r.SetID(v)
	default:
		return "", dberrors.TypeCoercion("id must be a string, got %s", record.KindOf(v)).WithTable(table)
	}
	fields, err := json.Marshal(r.Keys())
	if err != nil {
		return "", dberrors.TypeCoercion("%v", err).WithTable(table)
	}
	err = s.inTx(ctx, table, func(tx *sql.Tx) error {
		m, err := s.loadMeta(ctx, tx, table)
		if err != nil {
			return err
		}
		if err := s.ensureTable(ctx, tx, m); err != nil {
			return err
		}
		b := &sqlBuilder{d: s.d}
		names := []string{quoteIdent(record.IDField), quoteIdent(fieldsColumn)}
		params := []string{b.arg(r.ID()), b.arg(string(fields))}
		for name, v := range r.Fields() {
			if name == record.IDField || v == nil {
				continue
			}
			enc, k, err := record.EncodeSQL(v)
			if err != nil {
				return dberrors.TypeCoercion("field %q: %v", name, err).WithTable(table)
			}
			if err := s.ensureColumn(ctx, tx, m, name, k); err != nil {
				return err
			}
			names = append(names, quoteIdent(name))
			params = append(params, b.arg(enc))
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(m.sqlName), strings.Join(names, ", "), strings.Join(params, ", "))
		if _, err := tx.ExecContext(ctx, stmt, b.args...); err != nil {
			return fmt.Errorf("failed to insert %s: %w", r.ID(), err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return r.ID(), nil
}

// Update implements query.Executor.
func (s *Store) Update(ctx context.Context, q *query.Query, patch *record.Record) (int, error) {
	if patch == nil {
		return 0, dberrors.Configuration("nil patch").WithTable(q.Table)
	}
	p, err := patch.Normalize()
	if err != nil {
		return 0, dberrors.TypeCoercion("%v", err).WithTable(q.Table)
	}
	p.Delete(record.IDField)
	n := 0
	err = s.inTx(ctx, q.Table, func(tx *sql.Tx) error {
		m, err := s.loadMeta(ctx, tx, q.Table)
		if err != nil || !m.exists {
			return err
		}
		matches, err := s.matching(ctx, tx, q, m)
		if err != nil || len(matches) == 0 {
			return err
		}
		n = len(matches)

		// Columns are added after matching: predicates must see the layout
		// the rows were written with.
		b := &sqlBuilder{d: s.d}
		var sets []string
		for name, v := range p.Fields() {
			if v == nil {
				if _, ok := m.cols[name]; ok {
					sets = append(sets, quoteIdent(name)+" = NULL")
				}
				continue
			}
			enc, k, err := record.EncodeSQL(v)
			if err != nil {
				return dberrors.TypeCoercion("field %q: %v", name, err).WithTable(q.Table)
			}
			if err := s.ensureColumn(ctx, tx, m, name, k); err != nil {
				return err
			}
			sets = append(sets, quoteIdent(name)+" = "+b.arg(enc))
		}
		sets = append(sets, quoteIdent(fieldsColumn)+" = "+s.d.placeholder(len(b.args)+1))
		stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
			quoteIdent(m.sqlName), strings.Join(sets, ", "), quoteIdent(seqColumn), s.d.placeholder(len(b.args)+2))
		patchNames := p.Keys()
		for _, row := range matches {
			fields := row.fields
			for _, name := range patchNames {
				if !slices.Contains(fields, name) {
					fields = append(fields, name)
				}
			}
			data, err := json.Marshal(fields)
			if err != nil {
				return err
			}
			args := append(slices.Clone(b.args), string(data), row.seq)
			if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
				return fmt.Errorf("failed to update row %d: %w", row.seq, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.log.DebugContext(ctx, "update", "table", s.SQLName(q.Table), "matched", n)
	return n, nil
}

type matchedRow struct {
	seq    int64
	fields []string
}

// matching returns the insertion key and field list of the rows matching q.
func (s *Store) matching(ctx context.Context, tx *sql.Tx, q *query.Query, m *tableMeta) ([]matchedRow, error) {
	b := &sqlBuilder{d: s.d}
	where, err := b.where(q, m)
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("SELECT %s, %s FROM %s", quoteIdent(seqColumn), quoteIdent(fieldsColumn), quoteIdent(m.sqlName))
	if where != "" {
		stmt += " WHERE " + where
	}
	stmt += " ORDER BY " + quoteIdent(seqColumn)
	rows, err := tx.QueryContext(ctx, stmt, b.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select rows: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []matchedRow
	for rows.Next() {
		var seq int64
		var raw any
		if err := rows.Scan(&seq, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		fields, err := decodeFields(raw)
		if err != nil {
			return nil, dberrors.CorruptTable(q.Table, fmt.Errorf("row %d: %w", seq, err))
		}
		out = append(out, matchedRow{seq: seq, fields: fields})
	}
	return out, rows.Err()
}

// inTx runs fn in a transaction holding the table's write lock, classifying
// failures as write failures.
func (s *Store) inTx(ctx context.Context, table string, fn func(tx *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify(ctx, table, fmt.Errorf("failed to begin transaction: %w", err), true)
	}
	if err := s.lockTx(ctx, tx, table, true); err != nil {
		_ = tx.Rollback()
		return s.classify(ctx, table, err, true)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return s.classify(ctx, table, err, true)
	}
	if err := tx.Commit(); err != nil {
		return s.classify(ctx, table, fmt.Errorf("failed to commit: %w", err), true)
	}
	return nil
}

// inReadTx runs fn in a read-only snapshot, classifying failures as read
// failures.
func (s *Store) inReadTx(ctx context.Context, table string, fn func(tx *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: s.d.readIsolation, ReadOnly: true})
	if err != nil {
		return s.classify(ctx, table, fmt.Errorf("failed to begin transaction: %w", err), false)
	}
	// Nothing to keep: rolling back ends the snapshot.
	defer func() { _ = tx.Rollback() }()
	if err := s.lockTx(ctx, tx, table, false); err != nil {
		return s.classify(ctx, table, err, false)
	}
	if err := fn(tx); err != nil {
		return s.classify(ctx, table, err, false)
	}
	return nil
}

// lockTx bounds lock waits of tx and, for writers, serializes them per table.
// sqlite needs neither: busy_timeout bounds waits and BEGIN IMMEDIATE takes
// the database write lock.
func (s *Store) lockTx(ctx context.Context, tx *sql.Tx, table string, write bool) error {
	if s.d.lockTimeout != "" {
		ms := max(s.lockTimeout.Milliseconds(), 1)
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(s.d.lockTimeout, ms)); err != nil {
			return fmt.Errorf("failed to set lock timeout: %w", err)
		}
	}
	if write && s.d.tableLock != "" {
		if _, err := tx.ExecContext(ctx, s.d.tableLock, s.SQLName(table)); err != nil {
			return fmt.Errorf("failed to lock table: %w", err)
		}
	}
	return nil
}

// dataColumns returns the field columns other than id, sorted.
func dataColumns(m *tableMeta) []string {
	cols := slices.Sorted(maps.Keys(m.cols))
	return slices.DeleteFunc(cols, func(c string) bool { return c == record.IDField })
}

// decodeRow rebuilds a record from id, the field list and the data columns.
func decodeRow(m *tableMeta, cols []string, vals []any) (*record.Record, error) {
	id, err := asString(vals[0])
	if err != nil {
		return nil, fmt.Errorf("id: %w", err)
	}
	fields, err := decodeFields(vals[1])
	if err != nil {
		return nil, fmt.Errorf("row %s: %w", id, err)
	}
	byName := make(map[string]any, len(cols))
	for i, c := range cols {
		byName[c] = vals[2+i]
	}
	r := record.New()
	for _, name := range fields {
		if name == record.IDField {
			r.Set(name, id)
			continue
		}
		raw := byName[name]
		if raw == nil {
			r.Set(name, nil)
			continue
		}
		v, err := record.DecodeSQL(raw, m.cols[name])
		if err != nil {
			return nil, fmt.Errorf("row %s field %q: %w", id, name, err)
		}
		r.Set(name, v)
	}
	r.SetID(id)
	return r, nil
}

func decodeFields(raw any) ([]string, error) {
	s, err := asString(raw)
	if err != nil {
		return nil, fmt.Errorf("field list: %w", err)
	}
	var fields []string
	if err := json.Unmarshal([]byte(s), &fields); err != nil {
		return nil, fmt.Errorf("field list: %w", err)
	}
	return fields, nil
}

func asString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	}
	return "", fmt.Errorf("expected text, got %T", v)
}
