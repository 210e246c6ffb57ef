package patcher

import (
	"errors"
	"fmt"
)

// Kind classifies why a Patcher call failed, so callers can branch on
// failure category without string-matching error messages.
type Kind int

// The closed set of failure kinds a Patcher call can report.
const (
	KindUnknown Kind = iota
	// FileAccess: the backing file could not be opened, stat'd, mapped, or
	// read (OS-level failure).
	FileAccess
	// HeaderInvalid: the .npy header failed to parse (bad magic, unsupported
	// version, malformed descriptor, column-major order, rank too low).
	HeaderInvalid
	// TypeMismatch: the file's element type does not match the Patcher's
	// type parameter.
	TypeMismatch
	// ShapeMismatch: pshape/pstride rank does not match the array's spatial
	// rank, or an explicit padding_request has the wrong length.
	ShapeMismatch
	// PaddingInvalid: an explicit padding value is not strictly less than
	// the corresponding pshape entry on that axis.
	PaddingInvalid
	// PnumOutOfRange: pnum is negative or >= the resolved patch grid's total
	// size.
	PnumOutOfRange
	// QidxOutOfRange: a requested leading-axis index is negative or >= the
	// array's leading-axis extent.
	QidxOutOfRange
)

func (k Kind) String() string {
	switch k {
	case FileAccess:
		return "FileAccess"
	case HeaderInvalid:
		return "HeaderInvalid"
	case TypeMismatch:
		return "TypeMismatch"
	case ShapeMismatch:
		return "ShapeMismatch"
	case PaddingInvalid:
		return "PaddingInvalid"
	case PnumOutOfRange:
		return "PnumOutOfRange"
	case QidxOutOfRange:
		return "QidxOutOfRange"
	default:
		return "Unknown"
	}
}

// Error is the error type returned by every Patcher method. Callers that
// need to distinguish failure categories should use errors.As, not string
// matching.
type Error struct {
	Kind Kind
	msg  string
	err  error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("patcher: %s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("patcher: %s: %s", e.Kind, e.msg)
}

// Unwrap lets errors.Is/As and errors.Unwrap see through to the cause.
func (e *Error) Unwrap() error { return e.err }

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

func wrapError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, msg: msg, err: cause}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
