package storage

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	dberrors "github.com/maruel/flatdb/internal/errors"
	"github.com/maruel/flatdb/internal/jsonldb"
	"github.com/maruel/flatdb/internal/query"
	"github.com/maruel/flatdb/internal/record"
)

const tableExt = ".jsonl"

// documentEngine runs queries on the JSONL tables of one directory. Every
// call reads the file anew so that writes from other processes are seen.
type documentEngine struct {
	dir  string
	opts jsonldb.Options
}

func newDocumentEngine(dir string, opts jsonldb.Options) *documentEngine {
	return &documentEngine{dir: dir, opts: opts}
}

func (e *documentEngine) table(name string) *jsonldb.Table {
	return jsonldb.NewTable(e.dir, name, e.opts)
}

func (e *documentEngine) All(ctx context.Context, q *query.Query) ([]*record.Record, error) {
	rows, err := e.table(q.Table).Load(ctx)
	if err != nil {
		return nil, err
	}
	return query.Evaluate(q, rows), nil
}

func (e *documentEngine) Count(ctx context.Context, q *query.Query) (int, error) {
	rows, err := e.table(q.Table).Load(ctx)
	if err != nil {
		return 0, err
	}
	return query.Count(q, rows), nil
}

func (e *documentEngine) Insert(ctx context.Context, table string, rec *record.Record) (string, error) {
	return e.table(table).Insert(ctx, rec)
}

// Update ignores ordering and paging: every matching record is patched.
func (e *documentEngine) Update(ctx context.Context, q *query.Query, patch *record.Record) (int, error) {
	return e.table(q.Table).Update(ctx, func(r *record.Record) bool { return query.Match(q, r) }, patch)
}

// Tables lists the .jsonl files of the directory.
func (e *documentEngine) Tables(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dberrors.Configuration("data directory %s is not readable", e.dir).Wrap(fmt.Errorf("failed to list tables: %w", err))
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name, ok := tableName(entry.Name()); ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

func (e *documentEngine) Close() error {
	return nil
}

// tableName returns the table stored in a file name, ignoring lock and
// temporary files.
func tableName(file string) (string, bool) {
	name, ok := strings.CutSuffix(file, tableExt)
	if !ok || name == "" || strings.HasPrefix(name, ".") {
		return "", false
	}
	return name, true
}
