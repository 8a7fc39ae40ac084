// Package dispatcherr defines the structured error kinds the controller,
// ledger, and estimator raise. A transport shell translates a Kind into a
// status code; this package only carries the classification.
package dispatcherr

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way the job controller's callers need to
// react to it, independent of any particular transport.
type Kind string

const (
	Auth       Kind = "AUTH"
	Forbidden  Kind = "FORBIDDEN"
	NotFound   Kind = "NOT_FOUND"
	Validation Kind = "VALIDATION"
	Policy     Kind = "POLICY"
	State      Kind = "STATE"
	Config     Kind = "CONFIG"
	Internal   Kind = "INTERNAL"
)

// Error wraps a Kind, a human message, and an optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind, so
// errors.Is(err, dispatcherr.New(dispatcherr.Policy, "")) matches any Policy
// error. The message is not compared: a sentinel *Error matches every error
// of its Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err, defaulting to Internal for anything not
// raised through this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
