package uiprotect

import (
	"errors"
	"fmt"
)

// Error taxonomy. Auth, permission, not-found and bad-request errors surface
// to the caller; protocol and stream errors recover locally (drop packet,
// reconnect, re-bootstrap).

// AuthError means the controller rejected the credentials, or a 401 survived
// one refresh attempt. A login failure in Start or in the websocket
// re-login moves the session to StateFailed; an AuthError returned by an
// ordinary API request leaves the session state unchanged.
type AuthError struct {
	Status int
	Msg    string
}

func (e *AuthError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("authentication failed (status %d)", e.Status)
	}
	return fmt.Sprintf("authentication failed (status %d): %s", e.Status, e.Msg)
}

// PermissionError is a 403 on a specific operation. Session state is
// untouched.
type PermissionError struct {
	Op  string
	Msg string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("not allowed to %s: %s", e.Op, e.Msg)
}

// NotFoundError is a 404 on a specific device action.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}

// BadRequestError is any other 4xx; Msg carries the controller's body.
type BadRequestError struct {
	Status int
	Msg    string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("controller rejected request (status %d): %s", e.Status, e.Msg)
}

// TransportError wraps connect/DNS/TLS failures after retries are exhausted.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a malformed websocket frame or unknown action. Handled
// locally: log and drop the packet. It does not count toward the divergence
// window, so repeated protocol errors do not force a re-bootstrap.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// StreamError is an unexpected websocket close; it triggers reconnect.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string { return fmt.Sprintf("stream error: %v", e.Err) }

func (e *StreamError) Unwrap() error { return e.Err }

// StateError is an operation invalid for the current session state.
type StateError struct {
	Op    string
	State SessionState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s while session is %s", e.Op, e.State)
}

// ErrClosed rejects operations, including pending setter saves, after
// Close().
var ErrClosed = errors.New("client is closed")

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
