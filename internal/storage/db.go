// Package storage selects the storage backend and routes queries to it.
//
// The backend is decided once when the DB is opened and never changes: the
// document backend stores each table as a JSONL file, the sql backend stores
// it in a relational engine. Calling code is identical for both.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/maruel/flatdb/internal/config"
	dberrors "github.com/maruel/flatdb/internal/errors"
	"github.com/maruel/flatdb/internal/jsonldb"
	"github.com/maruel/flatdb/internal/query"
	"github.com/maruel/flatdb/internal/record"
	"github.com/maruel/flatdb/internal/sqlstore"
)

// Backend identifies where records live.
type Backend string

// Backends.
const (
	BackendDocument Backend = "document"
	BackendSQL      Backend = "sql"
)

// engine is a query.Executor that can also enumerate its tables.
type engine interface {
	query.Executor
	Tables(ctx context.Context) ([]string, error)
	Close() error
}

// DB is an opened storage handle. It is safe for concurrent use; it holds no
// query state.
type DB struct {
	backend Backend
	ns      string
	dir     string // document backend only
	eng     engine
}

// Open validates cfg, decides the backend and prepares it.
func Open(ctx context.Context, cfg config.Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.UsesRelational() {
		r := cfg.Relational
		s, err := sqlstore.Open(ctx, sqlstore.Options{
			Driver:      r.Driver,
			DSN:         r.DSN,
			Host:        r.Host,
			Port:        r.Port,
			Database:    r.Database,
			User:        r.User,
			Password:    r.Password,
			SSLMode:     r.SSLMode,
			Namespace:   cfg.Namespace,
			LockTimeout: cfg.LockTimeout,
			Logger:      slog.Default().With("backend", BackendSQL),
		})
		if err != nil {
			return nil, err
		}
		slog.InfoContext(ctx, "storage opened", "backend", BackendSQL, "driver", s.Driver(), "namespace", cfg.Namespace)
		return &DB{backend: BackendSQL, ns: cfg.Namespace, eng: s}, nil
	}

	dir := filepath.Join(cfg.DataDir, cfg.Namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: shared data directory
		return nil, dberrors.Configuration("data directory %s is not usable", dir).Wrap(err)
	}
	slog.InfoContext(ctx, "storage opened", "backend", BackendDocument, "dir", dir, "namespace", cfg.Namespace)
	return &DB{
		backend: BackendDocument,
		ns:      cfg.Namespace,
		dir:     dir,
		eng:     newDocumentEngine(dir, jsonldb.Options{LockTimeout: cfg.LockTimeout}),
	}, nil
}

// Backend returns the backend chosen at Open.
func (db *DB) Backend() Backend {
	return db.backend
}

// Namespace returns the namespace every table belongs to.
func (db *DB) Namespace() string {
	return db.ns
}

// Table returns a query builder on the named table.
//
// An invalid name is reported by the builder's first terminal call.
func (db *DB) Table(name string) *query.Builder {
	return query.New(&dispatcher{eng: db.eng}, name)
}

// Tables lists the tables of the namespace, sorted by name.
func (db *DB) Tables(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names, err := db.eng.Tables(ctx)
	return names, normalize(ctx, "", err, false)
}

// Close releases the backend's resources.
func (db *DB) Close() error {
	if err := db.eng.Close(); err != nil {
		return dberrors.BackendConnection(fmt.Errorf("failed to close: %w", err))
	}
	return nil
}

// dispatcher forwards every call to the active engine after validating the
// table name, and normalizes the errors it returns.
type dispatcher struct {
	eng engine
}

func (d *dispatcher) check(ctx context.Context, table string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return config.ValidateName("table", table)
}

func (d *dispatcher) All(ctx context.Context, q *query.Query) ([]*record.Record, error) {
	if err := d.check(ctx, q.Table); err != nil {
		return nil, err
	}
	rows, err := d.eng.All(ctx, q)
	if err != nil {
		return nil, normalize(ctx, q.Table, err, false)
	}
	return rows, nil
}

func (d *dispatcher) Count(ctx context.Context, q *query.Query) (int, error) {
	if err := d.check(ctx, q.Table); err != nil {
		return 0, err
	}
	n, err := d.eng.Count(ctx, q)
	if err != nil {
		return 0, normalize(ctx, q.Table, err, false)
	}
	return n, nil
}

func (d *dispatcher) Insert(ctx context.Context, table string, rec *record.Record) (string, error) {
	if err := d.check(ctx, table); err != nil {
		return "", err
	}
	id, err := d.eng.Insert(ctx, table, rec)
	if err != nil {
		return "", normalize(ctx, table, err, true)
	}
	return id, nil
}

func (d *dispatcher) Update(ctx context.Context, q *query.Query, patch *record.Record) (int, error) {
	if err := d.check(ctx, q.Table); err != nil {
		return 0, err
	}
	n, err := d.eng.Update(ctx, q, patch)
	if err != nil {
		return 0, normalize(ctx, q.Table, err, true)
	}
	return n, nil
}

// normalize makes sure err is one of the typed storage errors. Context
// errors pass through.
func normalize(ctx context.Context, table string, err error, write bool) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	var e *dberrors.Error
	if errors.As(err, &e) {
		if e.Table() == "" && table != "" {
			e.WithTable(table)
		}
		return err
	}
	if write {
		return dberrors.Write(table, err)
	}
	return dberrors.CorruptTable(table, err)
}
