// Package errkind classifies daemon errors into the kinds the Command
// Interface and Reconciler need to treat differently: which are synchronous
// and terminal, which are retriable, which disable a resource outright.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds of the daemon's error handling design.
type Kind string

const (
	Validation  Kind = "validation"
	NotFound    Kind = "not_found"
	Conflict    Kind = "conflict"
	Precondition Kind = "precondition"
	External    Kind = "external"
	Integrity   Kind = "integrity"
	Fatal       Kind = "fatal"
)

// Error wraps an inner error with a Kind.
type Error struct {
	kind Kind
	err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind returns the error's kind.
func (e *Error) Kind() Kind {
	return e.kind
}

// New wraps err with the given kind. If err is nil, New returns nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: err}
}

// Newf builds a new error of kind directly from a format string.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, err: fmt.Errorf(format, args...)}
}

// Is reports whether err (or something it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.kind == kind
	}
	return false
}

// KindOf returns the kind of err, or "" if err was never classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return ""
}

// Retriable reports whether the reconciler should retry with backoff rather
// than give up, per the propagation rules of the error handling design.
func Retriable(err error) bool {
	return KindOf(err) == External
}
