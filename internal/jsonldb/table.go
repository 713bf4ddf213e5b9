package jsonldb

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/maruel/ksid"

	dberrors "github.com/maruel/flatdb/internal/errors"
	"github.com/maruel/flatdb/internal/record"
)

// DefaultLockTimeout bounds how long a mutation waits for the table lock.
const DefaultLockTimeout = 5 * time.Second

// Options configures a Table.
type Options struct {
	// LockTimeout bounds the wait for the exclusive table lock. Defaults to
	// DefaultLockTimeout when zero.
	LockTimeout time.Duration
}

// Table is one JSONL file holding the records of a table.
//
// A Table holds no rows in memory; it is safe for concurrent use by multiple
// goroutines and processes.
type Table struct {
	name        string
	path        string
	lockPath    string
	lockTimeout time.Duration
}

// NewTable binds a table to <dir>/<name>.jsonl. It does not touch the
// filesystem.
func NewTable(dir, name string, opts Options) *Table {
	p := filepath.Join(dir, name+".jsonl")
	to := opts.LockTimeout
	if to <= 0 {
		to = DefaultLockTimeout
	}
	return &Table{name: name, path: p, lockPath: p + ".lock", lockTimeout: to}
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.name
}

// Path returns the path of the data file.
func (t *Table) Path() string {
	return t.path
}

// Load returns every record in file order.
//
// A missing file is an empty table.
func (t *Table) Load(ctx context.Context) ([]*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, dberrors.CorruptTable(t.name, fmt.Errorf("failed to read table file: %w", err))
	}
	rows, err := decodeRows(data)
	if err != nil {
		return nil, dberrors.CorruptTable(t.name, err)
	}
	return rows, nil
}

func decodeRows(data []byte) ([]*record.Record, error) {
	var rows []*record.Record
	first := true
	for i, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if first {
			first = false
			_, isHeader, err := parseHeader(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", i+1, err)
			}
			if isHeader {
				continue
			}
		}
		r := record.New()
		if err := json.Unmarshal(line, r); err != nil {
			return nil, fmt.Errorf("line %d: failed to unmarshal row: %w", i+1, err)
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// Insert stores rec and returns its id. An id is assigned when rec has none.
func (t *Table) Insert(ctx context.Context, rec *record.Record) (string, error) {
	ids, err := t.InsertMany(ctx, []*record.Record{rec})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// InsertMany stores recs with a single rewrite and returns their ids in order.
func (t *Table) InsertMany(ctx context.Context, recs []*record.Record) ([]string, error) {
	prepared := make([]*record.Record, len(recs))
	ids := make([]string, len(recs))
	for i, r := range recs {
		p, err := t.prepareInsert(r)
		if err != nil {
			return nil, err
		}
		prepared[i] = p
		ids[i] = p.ID()
	}
	err := t.Modify(ctx, func(rows []*record.Record) ([]*record.Record, bool, error) {
		seen := make(map[string]struct{}, len(rows)+len(prepared))
		for _, r := range rows {
			seen[r.ID()] = struct{}{}
		}
		for _, p := range prepared {
			if _, ok := seen[p.ID()]; ok {
				return nil, false, dberrors.Newf(dberrors.CodeWrite, "duplicate id %q", p.ID()).WithTable(t.name)
			}
			seen[p.ID()] = struct{}{}
		}
		return append(rows, prepared...), len(prepared) != 0, nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (t *Table) prepareInsert(rec *record.Record) (*record.Record, error) {
	if rec == nil {
		return nil, dberrors.Configuration("nil record").WithTable(t.name)
	}
	n, err := rec.Normalize()
	if err != nil {
		return nil, dberrors.TypeCoercion("%v", err).WithTable(t.name)
	}
	switch v := n.Value(record.IDField).(type) {
	case nil:
		n.SetID(ksid.NewID().String())
	case string:
		if v == "" {
			return nil, dberrors.TypeCoercion("id must be a non-empty string").WithTable(t.name)
		}
		n.SetID(v)
	default:
		return nil, dberrors.TypeCoercion("id must be a string, got %s", record.KindOf(v)).WithTable(t.name)
	}
	return n, nil
}

// Update merges patch into every record for which match returns true and
// returns the number of matched records. The file is rewritten only when a
// value actually changed.
func (t *Table) Update(ctx context.Context, match func(*record.Record) bool, patch *record.Record) (int, error) {
	if patch == nil {
		return 0, dberrors.Configuration("nil patch").WithTable(t.name)
	}
	p, err := patch.Normalize()
	if err != nil {
		return 0, dberrors.TypeCoercion("%v", err).WithTable(t.name)
	}
	n := 0
	err = t.Modify(ctx, func(rows []*record.Record) ([]*record.Record, bool, error) {
		n = 0
		changed := false
		for _, r := range rows {
			if !match(r) {
				continue
			}
			n++
			if r.Merge(p) {
				changed = true
			}
		}
		return rows, changed, nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Modify runs a read-modify-write cycle under the exclusive table lock.
//
// fn receives the current rows and returns the new rows and whether they
// differ. The file is rewritten only when fn reports a change. Errors
// returned by fn are returned as is.
func (t *Table) Modify(ctx context.Context, fn func(rows []*record.Record) ([]*record.Record, bool, error)) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil { //nolint:gosec // G301: shared data directory
		return dberrors.Write(t.name, fmt.Errorf("failed to create directory: %w", err))
	}
	start := time.Now()
	lock, err := acquireLock(ctx, t.lockPath, t.lockTimeout)
	if err != nil {
		switch {
		case errors.Is(err, errLockTimeout):
			return dberrors.LockTimeout(t.name, fmt.Errorf("waited %s", t.lockTimeout))
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()
		default:
			return dberrors.Write(t.name, err)
		}
	}
	defer func() {
		if relErr := lock.release(); relErr != nil && err == nil {
			err = dberrors.Write(t.name, fmt.Errorf("failed to release lock: %w", relErr))
		}
	}()
	waited := time.Since(start)

	rows, err := t.Load(ctx)
	if err != nil {
		return err
	}
	out, changed, err := fn(rows)
	if err != nil {
		return err
	}
	if !changed {
		slog.DebugContext(ctx, "jsonldb: no change", "table", t.name, "rows", len(rows))
		return nil
	}
	if err := t.write(out); err != nil {
		return dberrors.Write(t.name, err)
	}
	slog.DebugContext(ctx, "jsonldb: table rewritten", "table", t.name, "rows", len(out), "lockWait", waited, "dur", time.Since(start))
	return nil
}

// write replaces the data file with a header and rows. The lock must be held.
func (t *Table) write(rows []*record.Record) error {
	h := schemaHeader{Version: currentVersion, Table: t.name, Columns: inferColumns(rows)}
	return replaceFile(t.path, func(w *bufio.Writer) error {
		data, err := json.Marshal(&h)
		if err != nil {
			return fmt.Errorf("failed to marshal header: %w", err)
		}
		if err := writeLine(w, data); err != nil {
			return err
		}
		for _, r := range rows {
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to marshal row %s: %w", r.ID(), err)
			}
			if err := writeLine(w, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeLine(w *bufio.Writer, data []byte) error {
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	if err := w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}
