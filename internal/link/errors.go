package link

import (
	"errors"
	"fmt"
)

// Failure kinds. Every Failed, Lost and ReconnectFailed event carries an
// error matching exactly one of these with errors.Is.
var (
	// ErrPermissionDenied is returned when the permission check fails before any socket call.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrInitializationFailed is returned when a socket or channel cannot be created.
	ErrInitializationFailed = errors.New("initialization failed")
	// ErrDialFailed is returned when every dial strategy failed.
	ErrDialFailed = errors.New("dial failed")
	// ErrIOFailure is returned for read or write errors on a live session.
	ErrIOFailure = errors.New("i/o failure")
	// ErrTimeout is returned when no traffic arrived within the timeout window.
	ErrTimeout = errors.New("timeout")
	// ErrMaxRetriesExceeded is returned when automatic reconnection gave up.
	ErrMaxRetriesExceeded = errors.New("max reconnection attempts exceeded")
)

var (
	// ErrNotConnected is returned by collaborators when a write is refused.
	ErrNotConnected = errors.New("not connected")
	// ErrInvalidPeer is returned by Connect for an empty address.
	ErrInvalidPeer = errors.New("invalid peer address")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("manager shut down")
)

// Error is a classified link failure. Its message is the human readable
// reason reported to collaborators.
type Error struct {
	Kind   error
	Reason string
	Err    error
}

func newError(kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// Error implements error.
func (e *Error) Error() string {
	return e.Reason
}

// Unwrap exposes both the kind and the underlying cause to errors.Is.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func checkPermission(permission func() error) *Error {
	if permission == nil {
		return nil
	}
	if err := permission(); err != nil {
		return newError(ErrPermissionDenied, err, "permission denied")
	}
	return nil
}
