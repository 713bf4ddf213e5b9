package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dberrors "github.com/maruel/flatdb/internal/errors"
)

// run executes the command line against a data directory and returns stdout.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(nil)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(`{"name":"from stdin"}`))
	cmd.SetArgs(append([]string{"--data-dir", dir}, args...))
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func mustRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := run(t, dir, args...)
	require.NoError(t, err, "flatdb %s", strings.Join(args, " "))
	return out
}

func TestCommands(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := t.TempDir()

	assert.Equal(t, "document\n", mustRun(t, dir, "backend"))
	assert.Equal(t, "", mustRun(t, dir, "tables"))

	id := strings.TrimSpace(mustRun(t, dir, "insert", "users", `{"name":"Jane Smith","email":"jane@example.com","age":31,"verified":true}`))
	require.NotEmpty(t, id)
	mustRun(t, dir, "insert", "users", `{"name":"John Doe","email":"john@other.com","age":25}`)
	mustRun(t, dir, "insert", "users", "-")
	assert.Equal(t, "users\n", mustRun(t, dir, "tables"))

	out := mustRun(t, dir, "query", "users", "--where", "email:LIKE:@example.com", "--format", "json")
	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0]["id"])
	assert.Equal(t, true, rows[0]["verified"])

	out = mustRun(t, dir, "query", "users", "--where", "age:>=:18", "--order", "age:desc", "--first", "--format", "yaml")
	assert.Contains(t, out, "name: Jane Smith")
	assert.NotContains(t, out, "John")

	out = mustRun(t, dir, "query", "users", "--order", "name")
	assert.Contains(t, out, "Jane Smith")
	assert.Contains(t, out, "(3 rows)")

	assert.Equal(t, "3\n", mustRun(t, dir, "count", "users"))
	assert.Equal(t, "1\n", mustRun(t, dir, "update", "users", `{"status":"active"}`, "--where", "id:=:"+id))
	assert.Equal(t, "0\n", mustRun(t, dir, "update", "users", `{"status":"active"}`, "--where", "id:=:missing"))
	assert.Equal(t, "1\n", mustRun(t, dir, "count", "users", "--where", "status:=:active"))

	assert.Equal(t, "1\n", mustRun(t, dir, "delete", "users", "--where", "name:=:John Doe"))
	assert.Equal(t, "2\n", mustRun(t, dir, "count", "users"))
	assert.Equal(t, "1\n", mustRun(t, dir, "count", "users", "--only-trashed"))
	assert.Equal(t, "3\n", mustRun(t, dir, "count", "users", "--with-trashed"))
	assert.Equal(t, "1\n", mustRun(t, dir, "restore", "users", "--where", "name:=:John Doe"))
	assert.Equal(t, "3\n", mustRun(t, dir, "count", "users"))

	assert.Equal(t, "(0 rows)\n", mustRun(t, dir, "query", "users", "--where", "age:>:100"))
}

func TestCommandsSQLite(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := t.TempDir()
	sqlFlags := []string{"--sql-driver", "sqlite", "--sql-dsn", filepath.Join(t.TempDir(), "db.sqlite")}
	with := func(args ...string) []string { return append(append([]string{}, sqlFlags...), args...) }

	assert.Equal(t, "sql\n", mustRun(t, dir, with("backend")...))
	mustRun(t, dir, with("insert", "users", `{"name":"Jane","tags":["a","b"]}`)...)
	out := mustRun(t, dir, with("query", "users", "--format", "json")...)
	assert.Contains(t, out, `"tags": [`)
	assert.Equal(t, "users\n", mustRun(t, dir, with("tables")...))

	_, err := run(t, dir, with("watch")...)
	assert.ErrorIs(t, err, dberrors.ErrConfiguration)
}

func TestCommandErrors(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := t.TempDir()
	tests := []struct {
		name string
		args []string
		want error
	}{
		{"bad namespace", []string{"--namespace", "a-b", "backend"}, dberrors.ErrConfiguration},
		{"bad table", []string{"count", "a/b"}, dberrors.ErrConfiguration},
		{"bad operator", []string{"query", "users", "--where", "a:~:1"}, dberrors.ErrConfiguration},
		{"bad filter", []string{"query", "users", "--where", "a"}, dberrors.ErrConfiguration},
		{"bad format", []string{"query", "users", "--format", "xml"}, dberrors.ErrConfiguration},
		{"negative limit", []string{"query", "users", "--limit", "-1"}, dberrors.ErrConfiguration},
		{"bad record", []string{"insert", "users", "[1]"}, dberrors.ErrTypeCoercion},
		{"unknown driver", []string{"--sql-driver", "oracle", "backend"}, dberrors.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, dir, tt.args...)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := run(t, dir, "delete", "users")
	assert.ErrorContains(t, err, "--where is required")
}

func TestConfigCommands(t *testing.T) {
	t.Chdir(t.TempDir())
	out := mustRun(t, t.TempDir(), "config", "schema")
	assert.Contains(t, out, `"lock_timeout"`)
	assert.Contains(t, out, `"relational"`)

	out = mustRun(t, t.TempDir(), "--namespace", "blog", "--sql-driver", "postgres", "--sql-dsn", "postgres://u:pw@h/db", "config", "show")
	assert.Contains(t, out, "namespace: blog")
	assert.Contains(t, out, "lock_timeout: 5s")
	assert.NotContains(t, out, "pw@")
}

func TestParseWhere(t *testing.T) {
	tests := []struct {
		in    string
		field string
		op    string
		value any
	}{
		{"age:>=:18", "age", ">=", 18.0},
		{"ok:=:true", "ok", "=", true},
		{"x:=:null", "x", "=", nil},
		{`name:=:"42"`, "name", "=", "42"},
		{"email:LIKE:@example.com", "email", "LIKE", "@example.com"},
		{"t:=:12:30", "t", "=", "12:30"},
		{"tags:=:[\"a\"]", "tags", "=", []any{"a"}},
	}
	for _, tt := range tests {
		field, op, value, err := parseWhere(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.field, field, tt.in)
		assert.Equal(t, tt.op, op, tt.in)
		assert.Equal(t, tt.value, value, tt.in)
	}
}
