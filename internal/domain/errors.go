package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures so callers can decide between
// retrying, surfacing a client error, or giving up.
type ErrorKind string

const (
	KindInvalidTransition      ErrorKind = "invalid_transition"
	KindConcurrencyConflict    ErrorKind = "concurrency_conflict"
	KindCapExceeded            ErrorKind = "cap_exceeded"
	KindStreakThresholdReached ErrorKind = "streak_threshold_reached"
	KindUpstreamTimeout        ErrorKind = "upstream_timeout"
	KindPolicyState            ErrorKind = "policy_state"
	KindNotFound               ErrorKind = "not_found"
	KindInvalid                ErrorKind = "invalid"
)

// Error is the error type returned by the engine, stores and services.
type Error struct {
	Kind      ErrorKind
	Op        string
	SessionID string
	Msg       string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.SessionID != "" {
		return fmt.Sprintf("%s: %s (session %s): %s", e.Op, e.Kind, e.SessionID, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed if sent again.
func (e *Error) Retryable() bool {
	return e.Kind == KindConcurrencyConflict || e.Kind == KindUpstreamTimeout
}

// Errorf builds an *Error with a formatted message.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to err.
func Wrap(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is a retryable engine error.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable()
	}
	return false
}

// WithSession returns a copy of err tagged with a session ID.
func WithSession(err error, sessionID string) error {
	var de *Error
	if !errors.As(err, &de) || de.SessionID != "" {
		return err
	}
	cp := *de
	cp.SessionID = sessionID
	return &cp
}
