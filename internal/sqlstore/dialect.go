package sqlstore

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/pressly/goose/v3"

	"github.com/maruel/flatdb/internal/record"
)

// dialect holds what differs between the supported engines.
type dialect struct {
	// name is the canonical driver name used in configuration.
	name string
	// driver is the database/sql driver name.
	driver string
	goose  goose.Dialect
	// seqColumn is the definition of the insertion order column.
	seqColumn string
	// numberType and boolType are column types for those kinds. Text and
	// composites use TEXT everywhere.
	numberType string
	boolType   string
	// collate is appended to text comparisons and ordering so strings
	// compare by bytes.
	collate string
	// contains formats a substring test of a column and a placeholder.
	contains string
	// ifNotExists is inserted in ADD COLUMN when supported.
	ifNotExists string
	numbered    bool
	// readIsolation gives reads one snapshot across the layout lookup and
	// the row scan.
	readIsolation sql.IsolationLevel
	// lockTimeout, when set, is a format taking milliseconds that bounds lock
	// waits for the current transaction.
	lockTimeout string
	// tableLock, when set, takes a transaction scoped lock keyed by the
	// physical table name.
	tableLock string
}

var (
	sqliteDialect = &dialect{
		name:       "sqlite",
		driver:     "sqlite",
		goose:      goose.DialectSQLite3,
		seqColumn:  "INTEGER PRIMARY KEY AUTOINCREMENT",
		numberType: "REAL",
		boolType:   "SMALLINT",
		contains:   "instr(%s, %s) > 0",
	}
	postgresDialect = &dialect{
		name:        "postgres",
		driver:      "pgx",
		goose:       goose.DialectPostgres,
		seqColumn:   "BIGSERIAL PRIMARY KEY",
		numberType:  "DOUBLE PRECISION",
		boolType:    "SMALLINT",
		collate:     ` COLLATE "C"`,
		contains:    "strpos(%s, %s) > 0",
		ifNotExists: "IF NOT EXISTS ",
		numbered:    true,
		// Read-only snapshot; sqlite gets it from a deferred BEGIN.
		readIsolation: sql.LevelRepeatableRead,
		lockTimeout:   "SET LOCAL lock_timeout = '%dms'",
		tableLock:     "SELECT pg_advisory_xact_lock(hashtext($1))",
	}
)

// Drivers lists the accepted driver names.
var Drivers = []string{"sqlite", "postgres"}

// dialectFor returns the dialect for a configured driver name.
func dialectFor(driver string) (*dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return sqliteDialect, nil
	case "postgres", "postgresql", "pgx":
		return postgresDialect, nil
	}
	return nil, fmt.Errorf("unsupported relational driver %q (supported: %s)", driver, strings.Join(Drivers, ", "))
}

// placeholder returns the n-th (1-based) bind parameter.
func (d *dialect) placeholder(n int) string {
	if d.numbered {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// columnType returns the column type used to store values of kind k.
func (d *dialect) columnType(k record.Kind) string {
	switch k {
	case record.KindNumber:
		return d.numberType
	case record.KindBool:
		return d.boolType
	default:
		return "TEXT"
	}
}

// textual reports whether values of kind k are stored as text.
func textual(k record.Kind) bool {
	return k == record.KindString || k == record.KindSequence || k == record.KindMapping
}

// quoteIdent quotes an identifier, doubling embedded quotes.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
