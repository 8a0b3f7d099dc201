package inference

import (
	"errors"
	"fmt"
)

// Kind classifies why a backend call did not produce text.
type Kind string

const (
	KindUnreachable  Kind = "unreachable"
	KindTimeout      Kind = "timeout"
	KindIncomplete   Kind = "incomplete"
	KindUnconfigured Kind = "unconfigured"
)

// Error is returned by Generate for every backend failure. StatusCode is set
// when the backend answered with a non-200 status.
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := "inference: " + string(e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) HTTPStatusCode() int {
	return e.StatusCode
}

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return ""
}

func newError(kind Kind, status int, err error) *Error {
	return &Error{Kind: kind, StatusCode: status, Err: err}
}
