package proxy

import (
	"errors"
	"fmt"
)

// FailureKind classifies why a session terminated.
type FailureKind string

const (
	FailureProtocolError       FailureKind = "protocol_error"
	FailureUnsupportedProtocol FailureKind = "unsupported_protocol"
	FailureBackendUnreachable  FailureKind = "backend_unreachable"
	FailureTLSError            FailureKind = "tls_error"
	FailureCredentialError     FailureKind = "credential_error"
	FailureBackendAuthFailed   FailureKind = "backend_auth_failed"
	FailureRelayIOError        FailureKind = "relay_io_error"
	FailureAuthzDenied         FailureKind = "authz_denied"
)

var (
	// ErrUnsupportedProtocol is returned for protocol versions other than 3.0.
	ErrUnsupportedProtocol = errors.New("unsupported protocol version")
	// ErrCancelRequest is returned when the client opens with a CancelRequest
	// instead of a StartupMessage.
	ErrCancelRequest = errors.New("cancel requests are not proxied")
	// ErrNoUser is returned when a startup message has no user parameter.
	ErrNoUser = errors.New("no user in startup message")
	// ErrDatabaseNotAllowed is returned when the authorizer denies the
	// (user, database) pair at connect time.
	ErrDatabaseNotAllowed = errors.New("database not allowed for user")
)

// SessionError wraps a failure with the session phase and failure kind so the
// supervisor can log and count it without inspecting the cause chain.
type SessionError struct {
	Kind FailureKind
	Err  error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// failure builds a SessionError of the given kind.
func failure(kind FailureKind, format string, args ...interface{}) *SessionError {
	return &SessionError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// failureKind extracts the FailureKind from an error chain.
// Errors that never went through a session phase map to relay_io_error.
func failureKind(err error) FailureKind {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind
	}
	return FailureRelayIOError
}
