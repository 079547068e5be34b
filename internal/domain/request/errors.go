package request

import (
	"errors"
	"fmt"
)

// Kind classifies an operation failure so callers and the transport layer
// can react uniformly.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindForbidden         Kind = "forbidden"
	KindInvalidTransition Kind = "invalid_transition"
	KindConflict          Kind = "conflict"
	KindUnavailable       Kind = "unavailable"
)

// Error is a classified domain error. The message is safe to show to the
// acting user; it never names other patients or doctors.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is comparisons against another *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// NewValidation reports malformed input.
func NewValidation(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}

// NewNotFound reports an unknown request id.
func NewNotFound(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

// NewForbidden reports an actor not authorized for a transition.
func NewForbidden(format string, args ...any) *Error {
	return newError(KindForbidden, format, args...)
}

// NewInvalidTransition reports a transition that is never legal from the
// current state.
func NewInvalidTransition(format string, args ...any) *Error {
	return newError(KindInvalidTransition, format, args...)
}

// NewConflict reports a lost claim race or a failed batch precondition.
func NewConflict(format string, args ...any) *Error {
	return newError(KindConflict, format, args...)
}

// NewUnavailable wraps a dependency failure. The whole operation is safe to
// retry because no partial state was committed.
func NewUnavailable(err error, format string, args ...any) *Error {
	e := newError(KindUnavailable, format, args...)
	e.Err = err
	return e
}

// KindOf returns the kind of err, or "" when err is not a domain error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is a domain error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
