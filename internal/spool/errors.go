package spool

import (
	"errors"
	"fmt"
)

// Kind classifies a store failure so callers can branch on the failure kind
// without matching message strings.
type Kind int

const (
	// KindStorage covers I/O and permission failures (directory creation,
	// temp file writes, renames).
	KindStorage Kind = iota
	// KindNotFound means the transaction directory or a required artifact
	// is absent.
	KindNotFound
	// KindInvalidMetadata means the metadata artifact is undecodable or
	// missing required keys.
	KindInvalidMetadata
	// KindInvalidPID means the pid artifact does not parse as an integer.
	KindInvalidPID
	// KindInvalidExitcode means the exitcode artifact is missing or does
	// not parse as an integer.
	KindInvalidExitcode
)

func (k Kind) String() string {
	switch k {
	case KindStorage:
		return "storage failure"
	case KindNotFound:
		return "not found"
	case KindInvalidMetadata:
		return "invalid metadata"
	case KindInvalidPID:
		return "invalid PID"
	case KindInvalidExitcode:
		return "invalid exitcode"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by the results store. Every
// failure is local to one transaction; a malformed transaction never affects
// operations on any other.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Detail)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op, detail string, err error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err}
}

// IsKind reports whether err is (or wraps) a store Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}
