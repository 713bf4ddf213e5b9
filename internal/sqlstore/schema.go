// Table layout and lazy schema evolution.

package sqlstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	dberrors "github.com/maruel/flatdb/internal/errors"
	"github.com/maruel/flatdb/internal/record"
)

// Internal columns. Fields with these names cannot be stored.
const (
	seqColumn    = "_seq"
	fieldsColumn = "_fields"
)

// maxIdentLen is the PostgreSQL identifier limit; longer names are silently
// truncated by the server.
const maxIdentLen = 63

// maxNamePrefix bounds the readable part of a physical table name so the
// hash suffix always fits in maxIdentLen.
const maxNamePrefix = 40

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// tableMeta is what is known about a table's layout.
type tableMeta struct {
	name    string
	sqlName string
	exists  bool
	// cols maps field names to the kind of their column. id is always
	// present once the table exists.
	cols map[string]record.Kind
}

// SQLName returns the physical SQL table name for a table of the namespace.
//
// The name is lower case and ends with a hash of the exact (namespace, table)
// pair, so distinct pairs never share a table even when the engine folds case
// or truncates identifiers.
func (s *Store) SQLName(table string) string {
	return physicalName(s.ns, table)
}

func physicalName(ns, table string) string {
	h := sha256.Sum256([]byte(ns + "\x00" + table))
	prefix := strings.ToLower(ns + "_" + table)
	if len(prefix) > maxNamePrefix {
		prefix = prefix[:maxNamePrefix]
	}
	return prefix + "_" + hex.EncodeToString(h[:8])
}

// loadMeta reads the table registration and its column kinds.
func (s *Store) loadMeta(ctx context.Context, q queryer, table string) (*tableMeta, error) {
	m := &tableMeta{name: table, sqlName: s.SQLName(table), cols: map[string]record.Kind{}}
	p1, p2 := s.d.placeholder(1), s.d.placeholder(2)
	rows, err := q.QueryContext(ctx, "SELECT sql_name FROM flatdb_tables WHERE namespace = "+p1+" AND name = "+p2, s.ns, table)
	if err != nil {
		return nil, fmt.Errorf("failed to look up table: %w", err)
	}
	for rows.Next() {
		if err := rows.Scan(&m.sqlName); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to look up table: %w", err)
		}
		m.exists = true
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if !m.exists {
		return m, nil
	}
	m.cols[record.IDField] = record.KindString

	rows, err = q.QueryContext(ctx, "SELECT column_name, kind FROM flatdb_columns WHERE namespace = "+p1+" AND table_name = "+p2, s.ns, table)
	if err != nil {
		return nil, fmt.Errorf("failed to load columns: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var name, kind string
		if err := rows.Scan(&name, &kind); err != nil {
			return nil, fmt.Errorf("failed to load columns: %w", err)
		}
		k, err := record.ParseKind(kind)
		if err != nil {
			return nil, dberrors.CorruptTable(table, fmt.Errorf("column %q: %w", name, err))
		}
		m.cols[name] = k
	}
	return m, rows.Err()
}

// ensureTable creates the table and registers it if needed.
func (s *Store) ensureTable(ctx context.Context, tx queryer, m *tableMeta) error {
	if m.exists {
		return nil
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s %s, %s TEXT NOT NULL UNIQUE, %s TEXT NOT NULL)",
		quoteIdent(m.sqlName), quoteIdent(seqColumn), s.d.seqColumn, quoteIdent(record.IDField), quoteIdent(fieldsColumn))
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	stmt = "INSERT INTO flatdb_tables (namespace, name, sql_name) VALUES (" +
		s.d.placeholder(1) + ", " + s.d.placeholder(2) + ", " + s.d.placeholder(3) + ") ON CONFLICT DO NOTHING"
	if _, err := tx.ExecContext(ctx, stmt, s.ns, m.name, m.sqlName); err != nil {
		return fmt.Errorf("failed to register table: %w", err)
	}
	s.log.InfoContext(ctx, "table created", "table", m.sqlName)
	m.exists = true
	m.cols[record.IDField] = record.KindString
	return nil
}

// ensureColumn makes sure field has a column holding kind k.
func (s *Store) ensureColumn(ctx context.Context, tx queryer, m *tableMeta, field string, k record.Kind) error {
	if err := checkField(field); err != nil {
		return dberrors.TypeCoercion("%v", err).WithTable(m.name)
	}
	if cur, ok := m.cols[field]; ok {
		if cur != k {
			return dberrors.TypeCoercion("field %q holds %s values, cannot store %s", field, cur, k).WithTable(m.name)
		}
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s%s %s", quoteIdent(m.sqlName), s.d.ifNotExists, quoteIdent(field), s.d.columnType(k))
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to add column %q: %w", field, err)
	}
	stmt = "INSERT INTO flatdb_columns (namespace, table_name, column_name, kind) VALUES (" +
		s.d.placeholder(1) + ", " + s.d.placeholder(2) + ", " + s.d.placeholder(3) + ", " + s.d.placeholder(4) + ") ON CONFLICT DO NOTHING"
	if _, err := tx.ExecContext(ctx, stmt, s.ns, m.name, field, k.String()); err != nil {
		return fmt.Errorf("failed to record column %q: %w", field, err)
	}
	s.log.DebugContext(ctx, "column added", "table", m.sqlName, "column", field, "kind", k)
	m.cols[field] = k
	return nil
}

// checkField rejects field names that cannot be columns.
func checkField(name string) error {
	switch {
	case name == seqColumn || name == fieldsColumn:
		return fmt.Errorf("field name %q is reserved", name)
	case len(name) > maxIdentLen:
		return fmt.Errorf("field name %q is longer than %d bytes", name, maxIdentLen)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("field name %q contains NUL", name)
	}
	return nil
}
