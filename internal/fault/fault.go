// Package fault defines the bridge's error taxonomy. Every failure that can
// reach a caller is classified with a Kind so the API layer can return a
// structured {kind, message} object instead of leaking transport internals.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a bridge failure.
type Kind string

const (
	// SpawnFailed means a local or container process could not start.
	SpawnFailed Kind = "spawn_failed"
	// ConnectFailed means the SSH connection or authentication failed.
	ConnectFailed Kind = "connect_failed"
	// ExecFailed means the remote command could not start after the
	// connection succeeded.
	ExecFailed Kind = "exec_failed"
	// HandshakeFailed means the protocol initialize or session creation
	// was rejected by the agent.
	HandshakeFailed Kind = "handshake_failed"
	// SessionNotFound means no session is registered under the given id.
	SessionNotFound Kind = "session_not_found"
	// SessionBusy means a prompt was rejected because one is in flight.
	SessionBusy Kind = "session_busy"
	// SessionClosed means an operation arrived after termination.
	SessionClosed Kind = "session_closed"
	// PermissionTimeout means the negotiator failed to decide in bounded
	// time; treated as cancellation.
	PermissionTimeout Kind = "permission_timeout"
	// ProtocolDecodeError means a malformed frame arrived from the agent.
	ProtocolDecodeError Kind = "protocol_decode_error"
	// Internal is the fallback for unclassified failures.
	Internal Kind = "internal"
)

// Error is a classified bridge error.
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

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, format string, v ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, v...)}
}

// Wrap wraps err with a classification. Returns nil if err is nil.
func Wrap(kind Kind, err error, format string, v ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, v...), Err: err}
}

// KindOf extracts the Kind from err, or Internal for unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
