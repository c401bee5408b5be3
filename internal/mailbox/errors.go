package mailbox

import (
	"errors"
	"fmt"
)

// ConnectionError is a network, TLS or timeout failure. It is fatal to the
// current sync attempt; retrying is up to the caller.
type ConnectionError struct {
	Addr string
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error (%s, %s): %v", e.Addr, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError indicates that the server rejected the account's credentials.
// It should not be retried without new credentials.
type AuthError struct {
	Username string
	Method   string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s via %s): %v", e.Username, e.Method, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ProtocolError is a command the server refused, scoped to one folder.
type ProtocolError struct {
	Folder string
	Op     string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%s on %q): %v", e.Op, e.Folder, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err (or any error in its chain) is a ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsProtocolError reports whether err (or any error in its chain) is a ProtocolError.
func IsProtocolError(err error) bool {
	var protoErr *ProtocolError
	return errors.As(err, &protoErr)
}
