// Package sqlstore runs flatdb queries on a relational engine.
//
// Each table maps to one SQL table, named after the namespace and the table
// with a hash suffix, holding an insertion order column, a unique id column, the list of the record's field
// names and one column per field, added on the first non-null value. The
// kind of a field is fixed when its column is created.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	// Database drivers.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/lock"

	dberrors "github.com/maruel/flatdb/internal/errors"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Options configures a Store.
type Options struct {
	// Driver is "sqlite" or "postgres".
	Driver string
	// DSN is the data source name. For postgres it is built from the fields
	// below when empty. For sqlite it is the database file path.
	DSN      string
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	// Namespace prefixes every SQL table name.
	Namespace string
	// LockTimeout bounds how long a statement waits on a lock: busy_timeout
	// on sqlite, lock_timeout on postgres.
	LockTimeout time.Duration
	// Logger defaults to discarding everything.
	Logger *slog.Logger
}

// Store is a relational engine for one namespace. It implements
// query.Executor.
type Store struct {
	db          *sql.DB
	d           *dialect
	ns          string
	lockTimeout time.Duration
	log         *slog.Logger
}

// defaultLockTimeout applies when Options.LockTimeout is not set.
const defaultLockTimeout = 5 * time.Second

// Open connects to the relational engine, verifies the connection and
// applies the bootstrap migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, dberrors.Configuration("%v", err)
	}
	dsn, err := buildDSN(d, &opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger.DebugContext(ctx, "connecting", "driver", d.name, "host", opts.Host, "database", opts.Database)

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, dberrors.BackendConnection(fmt.Errorf("failed to open %s connection: %w", d.name, err))
	}
	if isMemory(dsn) {
		// Each connection to an in-memory database is a different database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, dberrors.BackendConnection(fmt.Errorf("failed to ping %s: %w", d.name, err))
	}
	s, err := New(db, d.name, opts.Namespace, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if opts.LockTimeout > 0 {
		s.lockTimeout = opts.LockTimeout
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database. It does not run migrations.
func New(db *sql.DB, driver, namespace string, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, dberrors.BackendConnection(errors.New("database connection not established"))
	}
	d, err := dialectFor(driver)
	if err != nil {
		return nil, dberrors.Configuration("%v", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{db: db, d: d, ns: namespace, lockTimeout: defaultLockTimeout, log: logger}, nil
}

// Migrate applies the embedded bootstrap migrations.
func (s *Store) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	opts := []goose.ProviderOption{goose.WithSlog(s.log)}
	if s.d == postgresDialect {
		locker, err := lock.NewPostgresSessionLocker()
		if err != nil {
			return dberrors.Configuration("failed to create migration locker: %v", err)
		}
		opts = append(opts, goose.WithSessionLocker(locker))
	}
	p, err := goose.NewProvider(s.d.goose, s.db, fsys, opts...)
	if err != nil {
		return dberrors.Configuration("failed to set up migrations: %v", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return s.classify(ctx, "", fmt.Errorf("failed to run migrations: %w", err), true)
	}
	for _, r := range results {
		s.log.DebugContext(ctx, "migration applied", "source", r.Source.Path, "dur", r.Duration)
	}
	return nil
}

// Driver returns the canonical driver name.
func (s *Store) Driver() string {
	return s.d.name
}

// Namespace returns the namespace.
func (s *Store) Namespace() string {
	return s.ns
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tables lists the tables of the namespace that were written to.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	q := "SELECT name FROM flatdb_tables WHERE namespace = " + s.d.placeholder(1) + " ORDER BY name"
	rows, err := s.db.QueryContext(ctx, q, s.ns)
	if err != nil {
		return nil, s.classify(ctx, "", fmt.Errorf("failed to list tables: %w", err), false)
	}
	defer func() { _ = rows.Close() }()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, s.classify(ctx, "", fmt.Errorf("failed to scan table name: %w", err), false)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(ctx, "", err, false)
	}
	return names, nil
}

// buildDSN returns the connection string for the dialect.
func buildDSN(d *dialect, opts *Options) (string, error) {
	switch d {
	case sqliteDialect:
		if opts.DSN == "" {
			return "", dberrors.Configuration("sqlite requires a dsn (database file path)")
		}
		return sqliteDSN(opts.DSN, opts.LockTimeout), nil
	default:
		if opts.DSN != "" {
			return opts.DSN, nil
		}
		if opts.Database == "" {
			return "", dberrors.Configuration("postgres requires a dsn or a database name")
		}
		return postgresDSN(opts), nil
	}
}

// sqliteDSN adds the pragmas flatdb relies on unless already present.
//
// BEGIN IMMEDIATE serializes writers up front so that concurrent schema
// evolution waits on busy_timeout instead of failing on upgrade.
func sqliteDSN(dsn string, timeout time.Duration) string {
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	var params []string
	if !strings.Contains(dsn, "busy_timeout") {
		params = append(params, "_pragma="+url.QueryEscape(fmt.Sprintf("busy_timeout(%d)", timeout.Milliseconds())))
	}
	if !strings.Contains(dsn, "foreign_keys") {
		params = append(params, "_pragma="+url.QueryEscape("foreign_keys(1)"))
	}
	if !strings.Contains(dsn, "_txlock") {
		params = append(params, "_txlock=immediate")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// postgresDSN builds a postgres:// URL; net/url escapes every component.
func postgresDSN(opts *Options) string {
	host := opts.Host
	if host == "" {
		host = "localhost"
	}
	port := opts.Port
	if port == 0 {
		port = 5432
	}
	sslmode := opts.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     "/" + opts.Database,
		RawQuery: url.Values{"sslmode": {sslmode}}.Encode(),
	}
	switch {
	case opts.Password != "":
		u.User = url.UserPassword(opts.User, opts.Password)
	case opts.User != "":
		u.User = url.User(opts.User)
	}
	return u.String()
}

func isMemory(dsn string) bool {
	return strings.HasPrefix(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}
