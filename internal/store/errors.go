package store

import (
	"errors"
	"fmt"
)

// ErrorKind classifies repository failures.
type ErrorKind uint8

const (
	// ErrNotFound: the referenced document does not exist.
	ErrNotFound ErrorKind = iota + 1
	// ErrConflict: duplicate user, duplicate conversation pair, already pinned.
	ErrConflict
	// ErrInvariant: pin cap, status downgrade, delete by non-author,
	// accept of a non-request conversation.
	ErrInvariant
	// ErrBackend: the underlying driver failed.
	ErrBackend
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNotFound:
		return "not_found"
	case ErrConflict:
		return "conflict"
	case ErrInvariant:
		return "invariant"
	case ErrBackend:
		return "backend"
	default:
		return "unknown"
	}
}

// OpError is the typed failure every repository operation returns.
type OpError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e OpError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e OpError) Unwrap() error { return e.Err }

// Message returns the client-safe failure message, if any.
func (e OpError) Message() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func kindOf(err error) ErrorKind {
	var oe OpError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return 0
}

// IsNotFound reports whether err is a NotFound repository failure.
func IsNotFound(err error) bool { return kindOf(err) == ErrNotFound }

// IsConflict reports whether err is a Conflict repository failure.
func IsConflict(err error) bool { return kindOf(err) == ErrConflict }

// IsInvariant reports whether err is an Invariant repository failure.
func IsInvariant(err error) bool { return kindOf(err) == ErrInvariant }

// IsBackend reports whether err is a Backend repository failure.
func IsBackend(err error) bool { return kindOf(err) == ErrBackend }

func notFound(op, msg string) error {
	return OpError{Op: op, Kind: ErrNotFound, Err: errors.New(msg)}
}

func conflict(op, msg string) error {
	return OpError{Op: op, Kind: ErrConflict, Err: errors.New(msg)}
}

func invariant(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvariant, Err: errors.New(msg)}
}

func backend(op string, err error) error {
	return OpError{Op: op, Kind: ErrBackend, Err: err}
}
