// Package fault defines the failure kinds shared by every launch component.
//
// Components return *Error values; only the dispatcher decides whether a kind
// is fatal for the step or advisory.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a launch failure. The string form is the stable value
// carried in step reports.
type Kind string

const (
	None         Kind = ""
	Validation   Kind = "validation"
	Environment  Kind = "environment"
	Interconnect Kind = "interconnect"
	Spawn        Kind = "spawn"
	Privilege    Kind = "privilege"
	Timeout      Kind = "timeout"
	NonZeroExit  Kind = "nonzero_exit"
	Decode       Kind = "decode"
	Canceled     Kind = "canceled"
)

// Error implements error so a bare Kind can be used as an errors.Is target.
func (k Kind) Error() string { return string(k) }

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "prolog" or "attach task 2".
	Op string
	// Status is the exit status of the offending script or task, when known.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Kind == NonZeroExit {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match against a bare Kind so callers can write
// errors.Is(err, fault.Timeout).
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New returns a classified error wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf returns a classified error with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Exit returns a NonZeroExit error carrying status.
func Exit(op string, status int, err error) *Error {
	return &Error{Kind: NonZeroExit, Op: op, Status: status, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or None.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return None
}

// StatusOf returns the exit status carried by err, or 0.
func StatusOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Status
	}
	return 0
}
