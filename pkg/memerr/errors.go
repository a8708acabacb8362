// Package memerr defines the typed error taxonomy shared by the ingest
// pipeline, the extraction worker, and the retrieval engine.
package memerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind string

const (
	// KindValidation is bad input shape or values. Surfaced, never retried.
	KindValidation Kind = "validation"

	// KindNotFound is an addressed resource that does not exist.
	KindNotFound Kind = "not_found"

	// KindTransient covers timeouts, rate limits, connection resets, and
	// upstream 5xx. Retried locally or via the job queue with backoff.
	KindTransient Kind = "transient"

	// KindTerminal covers auth failures, schema-violating LLM output, and
	// invalid upstream responses. Never retried.
	KindTerminal Kind = "terminal"

	// KindIntegrity is a violated invariant (hash mismatch, out-of-bounds
	// evidence span). Treated as terminal for the current job.
	KindIntegrity Kind = "integrity"
)

// Error is the typed error carried across package boundaries.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a typed error without a cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and code to an underlying cause.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Validation is shorthand for a validation error with code INVALID_PARAMETER.
func Validation(format string, args ...any) *Error {
	return Newf(KindValidation, "INVALID_PARAMETER", format, args...)
}

// NotFound is shorthand for a not-found error.
func NotFound(format string, args ...any) *Error {
	return Newf(KindNotFound, "NOT_FOUND", format, args...)
}

// KindOf returns the kind of err, or KindTerminal when err carries no
// taxonomy (an unclassified error must not be retried blindly).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTerminal
}

// CodeOf returns the error code of err, or INTERNAL_ERROR.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "INTERNAL_ERROR"
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsTerminal reports whether err is terminal (including integrity faults).
func IsTerminal(err error) bool {
	k := KindOf(err)
	return k == KindTerminal || k == KindIntegrity
}
