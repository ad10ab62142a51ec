// Package errors provides structured error types for the session watchdog.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout        = errors.New("operation timed out")
	ErrNotFound       = errors.New("resource not found")
	ErrDenied         = errors.New("access denied")
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnavailable    = errors.New("execution context unavailable")
	ErrAlreadyRunning = errors.New("already running")
	ErrLoggingOut     = errors.New("logout already underway")
)

// SessionError ties a failure to the session it happened in.
type SessionError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// Wrap returns err annotated with the session and operation, or nil when err is nil.
func Wrap(sessionID, op string, err error) error {
	if err == nil {
		return nil
	}
	return &SessionError{SessionID: sessionID, Op: op, Err: err}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

// Is is errors.Is, re-exported so callers need only one errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As is errors.As, re-exported so callers need only one errors import.
func As(err error, target any) bool { return errors.As(err, target) }
