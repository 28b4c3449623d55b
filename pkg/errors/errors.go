package errors

import (
	"fmt"

	crdberrors "github.com/cockroachdb/errors"
)

// InvariantError reports corruption of the cache structures: a lock taken
// out of order, a list node that should exist but does not, an exclusive
// section re-entered. There is no safe way to continue past one.
type InvariantError struct {
	Message string
	Cause   error
}

func (e *InvariantError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *InvariantError) Unwrap() error {
	return e.Cause
}

// IsInvariantError checks if an error is an invariant violation
func IsInvariantError(err error) bool {
	var ie *InvariantError
	return crdberrors.As(err, &ie)
}

// Invariantf creates a new invariant error. The cause is an assertion
// failure carrying the stack at the point of detection.
func Invariantf(format string, args ...interface{}) *InvariantError {
	return newInvariant(2, format, args...)
}

func newInvariant(depth int, format string, args ...interface{}) *InvariantError {
	return &InvariantError{
		Message: "invariant violated",
		Cause:   crdberrors.AssertionFailedWithDepthf(depth, format, args...),
	}
}

// Fatal aborts the current goroutine with an invariant error. The dispatch
// loop only recovers its own loop-exit value, so this always propagates.
func Fatal(format string, args ...interface{}) {
	panic(newInvariant(2, format, args...))
}

// Wrap wraps an ordinary failure with context
func Wrap(err error, message string) error {
	return crdberrors.Wrap(err, message)
}

// Wrapf wraps an ordinary failure with formatted context
func Wrapf(err error, format string, args ...interface{}) error {
	return crdberrors.Wrapf(err, format, args...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return crdberrors.Is(err, target)
}

// New creates an ordinary error with a stack trace
func New(msg string) error {
	return crdberrors.New(msg)
}

// Newf creates an ordinary error with a formatted message
func Newf(format string, args ...interface{}) error {
	return crdberrors.Newf(format, args...)
}
