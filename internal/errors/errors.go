// Package errors defines the typed failures surfaced by flatdb.
//
// Every error leaving the storage layer is an [*Error] carrying one of a small
// set of [Code] values, so callers can branch on the kind of failure without
// knowing which backend is active.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code identifies the kind of a storage failure.
type Code string

const (
	// CodeConfiguration is returned for an invalid or missing namespace, table
	// name, query construction error or configuration value.
	CodeConfiguration Code = "CONFIGURATION"
	// CodeWrite is returned when the destination is not writable.
	CodeWrite Code = "WRITE"
	// CodeCorruptTable is returned when existing table data is not validly serialized.
	CodeCorruptTable Code = "CORRUPT_TABLE"
	// CodeLockTimeout is returned when the exclusive table lock was not
	// obtained within the configured bound.
	CodeLockTimeout Code = "LOCK_TIMEOUT"
	// CodeBackendConnection is returned when the relational backend is unreachable.
	CodeBackendConnection Code = "BACKEND_CONNECTION"
	// CodeTypeCoercion is returned when a value is not representable in the
	// target backend's encoding.
	CodeTypeCoercion Code = "TYPE_COERCION"
)

// Sentinels for use with errors.Is. They match any *Error with the same code.
var (
	ErrConfiguration     = &Error{code: CodeConfiguration, message: "configuration error"}
	ErrWrite             = &Error{code: CodeWrite, message: "write error"}
	ErrCorruptTable      = &Error{code: CodeCorruptTable, message: "corrupt table"}
	ErrLockTimeout       = &Error{code: CodeLockTimeout, message: "lock timeout"}
	ErrBackendConnection = &Error{code: CodeBackendConnection, message: "backend connection error"}
	ErrTypeCoercion      = &Error{code: CodeTypeCoercion, message: "type coercion error"}
)

// Error is a storage failure with a code, the table involved if any and an
// optional wrapped cause.
type Error struct {
	code       Code
	message    string
	table      string
	wrappedErr error
}

// New creates a new Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

// WithTable records the table the failure relates to.
func (e *Error) WithTable(table string) *Error {
	e.table = table
	return e
}

// Wrap wraps an underlying error.
func (e *Error) Wrap(err error) *Error {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.message
	if e.table != "" {
		msg = fmt.Sprintf("table %s: %s", e.table, msg)
	}
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", msg, e.wrappedErr)
	}
	return msg
}

// Code returns the error code.
func (e *Error) Code() Code {
	return e.code
}

// Table returns the table the failure relates to, if known.
func (e *Error) Table() string {
	return e.table
}

// Unwrap returns the wrapped error if any.
func (e *Error) Unwrap() error {
	return e.wrappedErr
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.code == e.code
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.code
	}
	return ""
}

// Configuration creates a ConfigurationError.
func Configuration(format string, args ...any) *Error {
	return Newf(CodeConfiguration, format, args...)
}

// Write creates a WriteError wrapping err.
func Write(table string, err error) *Error {
	return New(CodeWrite, "write failed").WithTable(table).Wrap(err)
}

// CorruptTable creates a CorruptTableError wrapping err.
func CorruptTable(table string, err error) *Error {
	return New(CodeCorruptTable, "table data is not validly serialized").WithTable(table).Wrap(err)
}

// LockTimeout creates a LockTimeoutError.
func LockTimeout(table string, err error) *Error {
	return New(CodeLockTimeout, "exclusive lock not obtained").WithTable(table).Wrap(err)
}

// BackendConnection creates a BackendConnectionError wrapping err.
func BackendConnection(err error) *Error {
	return New(CodeBackendConnection, "relational backend unreachable").Wrap(err)
}

// TypeCoercion creates a TypeCoercionError.
func TypeCoercion(format string, args ...any) *Error {
	return Newf(CodeTypeCoercion, format, args...)
}
