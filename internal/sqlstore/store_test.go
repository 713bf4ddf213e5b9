package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	dberrors "github.com/maruel/flatdb/internal/errors"
	"github.com/maruel/flatdb/internal/query"
	"github.com/maruel/flatdb/internal/record"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.Context(), Options{
		Driver:    "sqlite",
		DSN:       filepath.Join(t.TempDir(), "flatdb.sqlite"),
		Namespace: "app",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := t.Context()
	s := openSQLite(t)

	rec := record.New().
		Set("name", "Jane").
		Set("age", 42).
		Set("active", true).
		Set("nothing", nil).
		Set("tags", []string{"a", "b"}).
		Set("meta", map[string]any{"k": 1, "nested": []any{true, nil}})
	id, err := s.Insert(ctx, "users", rec)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rows, err := s.All(ctx, &query.Query{Table: "users"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	got := rows[0]
	assert.Equal(t, []string{"id", "name", "age", "active", "nothing", "tags", "meta"}, got.Keys())
	assert.Equal(t, id, got.ID())
	assert.Equal(t, 42.0, got.Value("age"))
	assert.Equal(t, true, got.Value("active"))
	v, present := got.Get("nothing")
	assert.True(t, present)
	assert.Nil(t, v)
	assert.Equal(t, []any{"a", "b"}, got.Value("tags"))
	assert.Equal(t, map[string]any{"k": 1.0, "nested": []any{true, nil}}, got.Value("meta"))

	_, present = got.Get("missing")
	assert.False(t, present)

	tables, err := s.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, tables)
}

func TestStoreQueries(t *testing.T) {
	ctx := t.Context()
	s := openSQLite(t)
	for _, r := range []*record.Record{
		record.New().Set("first", "John").Set("last", "Doe").Set("email", "a@example.com").Set("n", 3),
		record.New().Set("first", "Jane").Set("last", "Smith").Set("email", "b@example.com"),
		record.New().Set("first", "Bob").Set("last", "Smith").Set("email", "c@other.com").Set("n", 1),
		record.New().Set("first", "bob").Set("last", "Doe").Set("n", 2),
	} {
		_, err := s.Insert(ctx, "users", r)
		require.NoError(t, err)
	}
	firsts := func(rows []*record.Record) string {
		var out []string
		for _, r := range rows {
			out = append(out, r.GetString("first"))
		}
		return strings.Join(out, ",")
	}
	tests := []struct {
		name string
		q    query.Query
		want string
	}{
		{"all in insertion order", query.Query{}, "John,Jane,Bob,bob"},
		{"equal", query.Query{Predicates: []query.Predicate{{Field: "first", Op: query.OpEq, Value: "Jane"}, {Field: "last", Op: query.OpEq, Value: "Smith"}}}, "Jane"},
		{"like case sensitive", query.Query{Predicates: []query.Predicate{{Field: "email", Op: query.OpLike, Value: "@example.com"}}}, "John,Jane"},
		{"like no wildcard semantics", query.Query{Predicates: []query.Predicate{{Field: "first", Op: query.OpLike, Value: "B"}}}, "Bob"},
		{"null equality", query.Query{Predicates: []query.Predicate{{Field: "n", Op: query.OpEq, Value: nil}}}, "Jane"},
		{"not null", query.Query{Predicates: []query.Predicate{{Field: "email", Op: query.OpNe, Value: nil}}}, "John,Jane,Bob"},
		{"unknown field", query.Query{Predicates: []query.Predicate{{Field: "zzz", Op: query.OpEq, Value: nil}}}, "John,Jane,Bob,bob"},
		{"kind mismatch", query.Query{Predicates: []query.Predicate{{Field: "n", Op: query.OpNe, Value: "x"}}}, "John,Bob,bob"},
		{"byte order", query.Query{Sorts: []query.Sort{{Field: "first", Dir: query.Asc}}}, "Bob,Jane,John,bob"},
		{"nulls first", query.Query{Sorts: []query.Sort{{Field: "n", Dir: query.Asc}}}, "Jane,Bob,bob,John"},
		{"nulls last desc", query.Query{Sorts: []query.Sort{{Field: "n", Dir: query.Desc}}}, "John,bob,Bob,Jane"},
		{"stable composite", query.Query{Sorts: []query.Sort{{Field: "last", Dir: query.Asc}}}, "John,bob,Jane,Bob"},
		{"limit offset", query.Query{Limit: 2, Offset: 1}, "Jane,Bob"},
		{"offset only", query.Query{Offset: 3}, "bob"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.q.Table = "users"
			rows, err := s.All(ctx, &tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, firsts(rows))
			if tt.q.Limit == 0 && tt.q.Offset == 0 {
				n, err := s.Count(ctx, &tt.q)
				require.NoError(t, err)
				assert.Len(t, rows, n)
			}
		})
	}
}

func TestStoreUpdate(t *testing.T) {
	ctx := t.Context()
	s := openSQLite(t)
	id, err := s.Insert(ctx, "users", record.New().Set("first", "Jane").Set("last", "Smith"))
	require.NoError(t, err)
	_, err = s.Insert(ctx, "users", record.New().Set("first", "John").Set("last", "Doe"))
	require.NoError(t, err)

	jane := &query.Query{Table: "users", Predicates: []query.Predicate{{Field: "first", Op: query.OpEq, Value: "Jane"}}}
	n, err := s.Update(ctx, jane, record.New().Set("last", "Doe").Set("score", 7).Set("id", "other"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	nobody := &query.Query{Table: "users", Predicates: []query.Predicate{{Field: "first", Op: query.OpEq, Value: "Nobody"}}}
	n, err = s.Update(ctx, nobody, record.New().Set("last", "X"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	rows, err := s.All(ctx, jane)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].ID())
	assert.Equal(t, "Doe", rows[0].GetString("last"))
	assert.Equal(t, []string{"id", "first", "last", "score"}, rows[0].Keys())

	t.Run("soft delete", func(t *testing.T) {
		n, err := s.Update(ctx, jane, record.New().Set(record.DeletedAtField, "2025-01-01T00:00:00Z"))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		c, err := s.Count(ctx, &query.Query{Table: "users"})
		require.NoError(t, err)
		assert.Equal(t, 1, c)
		c, err = s.Count(ctx, &query.Query{Table: "users", Trashed: query.OnlyTrashed})
		require.NoError(t, err)
		assert.Equal(t, 1, c)

		restore := jane.Clone()
		restore.Trashed = query.OnlyTrashed
		n, err = s.Update(ctx, restore, record.New().Set(record.DeletedAtField, nil))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		c, err = s.Count(ctx, &query.Query{Table: "users"})
		require.NoError(t, err)
		assert.Equal(t, 2, c)
	})

	t.Run("unknown table", func(t *testing.T) {
		n, err := s.Update(ctx, &query.Query{Table: "nope"}, record.New().Set("a", 1))
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		rows, err := s.All(ctx, &query.Query{Table: "nope"})
		require.NoError(t, err)
		assert.Empty(t, rows)
	})
}

func TestStoreTypeCoercion(t *testing.T) {
	ctx := t.Context()
	s := openSQLite(t)
	_, err := s.Insert(ctx, "t", record.New().Set("v", 1))
	require.NoError(t, err)

	tests := []struct {
		name string
		rec  *record.Record
	}{
		{"kind conflict", record.New().Set("v", "one")},
		{"reserved field", record.New().Set("_seq", 1)},
		{"long field", record.New().Set(strings.Repeat("x", 64), 1)},
		{"non string id", record.New().Set("id", 3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Insert(ctx, "t", tt.rec)
			assert.ErrorIs(t, err, dberrors.ErrTypeCoercion)
		})
	}

	// The failed inserts rolled back.
	n, err := s.Count(ctx, &query.Query{Table: "t"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Update(ctx, &query.Query{Table: "t"}, record.New().Set("v", true))
	assert.ErrorIs(t, err, dberrors.ErrTypeCoercion)
}

func TestStoreDuplicateID(t *testing.T) {
	ctx := t.Context()
	s := openSQLite(t)
	_, err := s.Insert(ctx, "t", record.New().Set("id", "x"))
	require.NoError(t, err)
	_, err = s.Insert(ctx, "t", record.New().Set("id", "x"))
	assert.ErrorIs(t, err, dberrors.ErrWrite)
}

func TestStoreConcurrentInserts(t *testing.T) {
	const n = 20
	s := openSQLite(t)
	eg, ctx := errgroup.WithContext(t.Context())
	for i := range n {
		eg.Go(func() error {
			// Every writer may add a column: schema evolution must serialize.
			_, err := s.Insert(ctx, "t", record.New().Set("i", i).Set("field"+string(rune('a'+i%5)), "x"))
			return err
		})
	}
	require.NoError(t, eg.Wait())
	c, err := s.Count(t.Context(), &query.Query{Table: "t"})
	require.NoError(t, err)
	assert.Equal(t, n, c)
}

func TestStoreReopen(t *testing.T) {
	ctx := t.Context()
	dsn := filepath.Join(t.TempDir(), "db.sqlite")
	s, err := Open(ctx, Options{Driver: "sqlite", DSN: dsn, Namespace: "ns"})
	require.NoError(t, err)
	_, err = s.Insert(ctx, "t", record.New().Set("a", 1))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Migrations are idempotent.
	s, err = Open(ctx, Options{Driver: "sqlite", DSN: dsn, Namespace: "ns"})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	rows, err := s.All(ctx, &query.Query{Table: "t"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1.0, rows[0].Value("a"))

	other, err := New(s.db, "sqlite", "other", nil)
	require.NoError(t, err)
	tables, err := other.Tables(ctx)
	require.NoError(t, err)
	assert.Empty(t, tables, "namespaces are isolated")
}

func TestOpenErrors(t *testing.T) {
	ctx := t.Context()
	_, err := Open(ctx, Options{Driver: "oracle"})
	assert.ErrorIs(t, err, dberrors.ErrConfiguration)

	_, err = Open(ctx, Options{Driver: "sqlite"})
	assert.ErrorIs(t, err, dberrors.ErrConfiguration)

	_, err = Open(ctx, Options{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "missing", "dir", "db.sqlite")})
	assert.ErrorIs(t, err, dberrors.ErrBackendConnection)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = Open(canceled, Options{Driver: "postgres", Host: "127.0.0.1", Port: 1, Database: "x"})
	assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, dberrors.ErrBackendConnection), "got %v", err)
}

func TestDSN(t *testing.T) {
	assert.Equal(t,
		"/tmp/x.db?_pragma=busy_timeout%282000%29&_pragma=foreign_keys%281%29&_txlock=immediate",
		sqliteDSN("/tmp/x.db", 2*time.Second))
	assert.Equal(t,
		"file:x.db?mode=rwc&_txlock=deferred&_pragma=busy_timeout%285000%29&_pragma=foreign_keys%281%29",
		sqliteDSN("file:x.db?mode=rwc&_txlock=deferred", 0))
	assert.Equal(t,
		"postgres://u:p@db:5433/app?sslmode=require",
		postgresDSN(&Options{Host: "db", Port: 5433, Database: "app", SSLMode: "require", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://localhost:5432/app?sslmode=disable", postgresDSN(&Options{Database: "app"}))
	assert.Equal(t, "postgres://bob@[::1]:5432/app?sslmode=disable", postgresDSN(&Options{Host: "::1", Database: "app", User: "bob"}))

	// Separators in values stay inside their component.
	opts := &Options{Host: "db", Database: "my db", User: "us er", Password: `p w'd\ sslmode=disable@x/y?z`, SSLMode: "verify-full"}
	cfg, err := pgconn.ParseConfig(postgresDSN(opts))
	require.NoError(t, err)
	assert.Equal(t, "db", cfg.Host)
	assert.Equal(t, uint16(5432), cfg.Port)
	assert.Equal(t, "my db", cfg.Database)
	assert.Equal(t, "us er", cfg.User)
	assert.Equal(t, opts.Password, cfg.Password)
	assert.NotNil(t, cfg.TLSConfig, "sslmode is not overridden by the password")
}

func TestPhysicalName(t *testing.T) {
	names := map[string]string{}
	for _, p := range [][2]string{{"a_b", "c"}, {"a", "b_c"}, {"App", "users"}, {"app", "users"}, {"app", "Users"}} {
		n := physicalName(p[0], p[1])
		assert.Equal(t, strings.ToLower(n), n)
		assert.LessOrEqual(t, len(n), maxIdentLen)
		if prev, ok := names[n]; ok {
			t.Fatalf("%v and %s share %s", p, prev, n)
		}
		names[n] = p[0] + "/" + p[1]
	}
	assert.Equal(t, physicalName("a", "b"), physicalName("a", "b"))
	assert.True(t, strings.HasPrefix(physicalName("app", "users"), "app_users_"))

	// Names differing only past the identifier limit stay distinct.
	long := strings.Repeat("x", 62)
	a, b := physicalName("ns", long+"a"), physicalName("ns", long+"b")
	assert.NotEqual(t, a, b)
	assert.LessOrEqual(t, len(a), maxIdentLen)
}

func TestStoreNamespacesShareDatabase(t *testing.T) {
	ctx := t.Context()
	dsn := filepath.Join(t.TempDir(), "shared.sqlite")
	open := func(ns string) *Store {
		s, err := Open(ctx, Options{Driver: "sqlite", DSN: dsn, Namespace: ns})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}
	type ref struct{ ns, table string }
	refs := []ref{{"a_b", "c"}, {"a", "b_c"}, {"App", "users"}, {"app", "users"}}
	stores := map[ref]*Store{}
	for i, r := range refs {
		s := open(r.ns)
		stores[r] = s
		// The same field gets a different kind in every namespace.
		var v any = r.ns
		if i%2 == 1 {
			v = float64(i)
		}
		_, err := s.Insert(ctx, r.table, record.New().Set("id", r.ns+"/"+r.table).Set("x", v))
		require.NoError(t, err, "%v", r)
	}
	for r, s := range stores {
		rows, err := s.All(ctx, &query.Query{Table: r.table})
		require.NoError(t, err, "%v", r)
		require.Len(t, rows, 1, "%v", r)
		assert.Equal(t, r.ns+"/"+r.table, rows[0].ID())
		tables, err := s.Tables(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{r.table}, tables, "%v", r)
	}
	n, err := stores[ref{"a", "b_c"}].Count(ctx, &query.Query{Table: "c"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStoreReadSnapshot(t *testing.T) {
	ctx := t.Context()
	// WAL lets the writer commit while the reader's snapshot is open.
	dsn := "file:" + filepath.Join(t.TempDir(), "snap.sqlite") + "?_pragma=journal_mode(WAL)"
	reader, err := Open(ctx, Options{Driver: "sqlite", DSN: dsn, Namespace: "app"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Close() })
	writer, err := Open(ctx, Options{Driver: "sqlite", DSN: dsn, Namespace: "app"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	_, err = writer.Insert(ctx, "users", record.New().Set("id", "u1").Set("name", "Jane"))
	require.NoError(t, err)

	var rows []*record.Record
	var n int64
	err = reader.inReadTx(ctx, "users", func(tx *sql.Tx) error {
		m, err := reader.loadMeta(ctx, tx, "users")
		if err != nil {
			return err
		}
		assert.NotContains(t, m.cols, "age")
		// A concurrent write adds a column and a row using it.
		if _, err := writer.Insert(ctx, "users", record.New().Set("id", "u2").Set("name", "Joe").Set("age", 30)); err != nil {
			return err
		}
		rows, err = reader.selectRows(ctx, tx, &query.Query{Table: "users"}, m)
		if err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(m.sqlName)).Scan(&n)
	})
	require.NoError(t, err)
	require.Len(t, rows, 1, "the row written after the layout lookup is not visible")
	assert.Equal(t, "u1", rows[0].ID())
	assert.Equal(t, int64(1), n)

	// A fresh read sees the new column with its value, never as null.
	rows, err = reader.All(ctx, &query.Query{Table: "users", Predicates: []query.Predicate{{Field: "age", Op: query.OpEq, Value: 30.0}}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 30.0, rows[0].Value("age"))
	c, err := reader.Count(ctx, &query.Query{Table: "users"})
	require.NoError(t, err)
	assert.Equal(t, 2, c)
}
