// Package lazyerr defines the error taxonomy shared by every LazyCopy
// component: the interceptor, fetch engine, lock registry, stream context
// store, helper protocol and config store all return errors tagged with
// one of these kinds so a caller can branch on failure category without
// string matching.
package lazyerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way the driver's own status codes did:
// by what a caller should do about it, not by which component raised it.
type Kind int

const (
	// Unknown is the zero value; never returned deliberately.
	Unknown Kind = iota

	// InvalidArgument means a caller-supplied value was malformed or
	// out of range (a negative size, a nil pointer where one is required).
	InvalidArgument

	// NotFound means a lookup (stream context, lock entry, stub mark)
	// found nothing.
	NotFound

	// AlreadyExists means a create-if-missing op lost a race to an
	// existing entry and is attaching to it instead.
	AlreadyExists

	// Disconnected means the helper session's socket is gone.
	Disconnected

	// Timeout means an operation did not complete before its deadline
	// (fetch IO_TIMEOUT, lock wait, helper round trip).
	Timeout

	// AccessDenied means the local OS refused the requested operation.
	AccessDenied

	// Misaligned means a wire value violated the protocol's alignment
	// requirement.
	Misaligned

	// Malformed means a wire frame failed to parse (truncated, bad
	// length field).
	Malformed

	// IOFailed means a read/write to the local or remote file failed
	// for a reason not covered by a more specific kind.
	IOFailed
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case Disconnected:
		return "disconnected"
	case Timeout:
		return "timeout"
	case AccessDenied:
		return "access_denied"
	case Misaligned:
		return "misaligned"
	case Malformed:
		return "malformed"
	case IOFailed:
		return "io_failed"
	default:
		return "unknown"
	}
}

// Error is a Kind paired with context, compatible with errors.Is/As via
// the standard %w wrapping verb.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(kind Kind, op string) error {
	return &Error{Kind: kind, Op: op}
}

// Wrap builds an *Error wrapping err, or returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}
