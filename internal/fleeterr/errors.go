// Package fleeterr defines the error taxonomy shared by the ingest and read
// paths. Every error surfaced to a caller carries a stable kind tag that maps
// onto an HTTP status class.
package fleeterr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation Kind = "validation" // malformed or out-of-range input
	KindNotFound   Kind = "not_found"  // unknown vehicle
	KindState      Kind = "state"      // vehicle known but not accepting locations
	KindCapacity   Kind = "capacity"   // pool exhaustion or timed-out wait, retryable
	KindStorage    Kind = "storage"    // persistence failure after retry exhaustion
)

type Error struct {
	kind  Kind
	msg   string
	cause error
}

func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{kind: kind, msg: msg, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Kind() Kind { return e.kind }

// Message is the human-readable part without cause detail; cause chains are
// internal diagnostics and never reach the response body.
func (e *Error) Message() string { return e.msg }

// KindOf classifies an arbitrary error. Errors that carry no taxonomy tag are
// treated as storage failures, the catch-all 500 class.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindStorage
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindState:
		return http.StatusConflict
	case KindCapacity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
