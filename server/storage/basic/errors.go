package basic

import (
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/pkg/errors"
)

// FatalError reports a corrupted or impossible persistent state: the shared
// memory cache and the catalog disagree, or a caller broke a precondition.
// It is never caught in normal operation; the node that raises it is
// restarted and rebuilds its state from the durable catalog.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string {
	return "PANIC: " + e.Msg
}

// Fatalf builds a FatalError with a stack trace attached.
func Fatalf(format string, args ...interface{}) error {
	return errors.WithStack(&FatalError{Msg: fmt.Sprintf(format, args...)})
}

// IsFatal reports whether err carries a FatalError anywhere in its chain.
// Wrappers that only expose Cause, such as juju/errors traces, are
// followed too.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe) || errors.As(errors.Cause(err), &fe)
}

// SQLError is a user-facing error with a SQLSTATE code.
type SQLError struct {
	Code    string
	Message string
	Detail  string
}

func (e *SQLError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("ERROR: %s (SQLSTATE %s) DETAIL: %s", e.Message, e.Code, e.Detail)
	}
	return fmt.Sprintf("ERROR: %s (SQLSTATE %s)", e.Message, e.Code)
}

func NewSQLError(code string, format string, args ...interface{}) *SQLError {
	return &SQLError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail returns a copy of e carrying detail.
func (e *SQLError) WithDetail(format string, args ...interface{}) *SQLError {
	c := *e
	c.Detail = fmt.Sprintf(format, args...)
	return &c
}

// SQLState returns the SQLSTATE of err, or "" when err is not a SQLError.
func SQLState(err error) string {
	var se *SQLError
	if errors.As(err, &se) || errors.As(errors.Cause(err), &se) {
		return se.Code
	}
	return ""
}

func ErrDuplicateObject(kind, name string) error {
	return NewSQLError(pgerrcode.DuplicateObject, "%s \"%s\" already exists", kind, name)
}

func ErrDuplicateDatabase(name string) error {
	return NewSQLError(pgerrcode.DuplicateDatabase, "database \"%s\" already exists", name)
}

func ErrUndefinedObject(kind, name string) error {
	return NewSQLError(pgerrcode.UndefinedObject, "%s \"%s\" does not exist", kind, name)
}

func ErrUndefinedDatabase(name string) error {
	return NewSQLError(pgerrcode.InvalidCatalogName, "database \"%s\" does not exist", name)
}

func ErrReservedName(kind, name string) error {
	return NewSQLError(pgerrcode.ReservedName, "unacceptable %s name \"%s\"", kind, name).
		WithDetail("The prefix \"pg_\" is reserved for system %ss.", kind)
}

func ErrObjectInUse(format string, args ...interface{}) error {
	return NewSQLError(pgerrcode.ObjectInUse, format, args...)
}

func ErrNotEmpty(kind, name string) error {
	return NewSQLError(pgerrcode.ObjectNotInPrerequisiteState, "%s \"%s\" is not empty", kind, name)
}

func ErrInvalidPath(format string, args ...interface{}) error {
	return NewSQLError(pgerrcode.InvalidParameterValue, format, args...)
}

func ErrInsufficientPrivilege(format string, args ...interface{}) error {
	return NewSQLError(pgerrcode.InsufficientPrivilege, format, args...)
}

func ErrActiveTransaction(stmt string) error {
	return NewSQLError(pgerrcode.ActiveSQLTransaction, "%s cannot run inside a transaction block", stmt)
}

func ErrOutOfSharedMemory(kind ObjKind, max int) error {
	return NewSQLError(pgerrcode.OutOfMemory, "out of shared memory adding %s entry", kind).
		WithDetail("Increase max_%ss (currently %d).", kind, max)
}
