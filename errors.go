package patchbay

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestTimeout is reported when no response arrives for a request
	// within the endpoint's configured timeout.
	ErrRequestTimeout = errors.New("patchbay: request timeout")

	// ErrConnectionClosed is reported to callers whose pending requests were
	// poisoned because the owning connection closed.
	ErrConnectionClosed = errors.New("patchbay: connection closed")

	// ErrTransportClosed is reported by transport implementations for
	// operations on a closed transport.
	ErrTransportClosed = errors.New("patchbay: transport closed")
)

// Error kinds carried in error responses. HandlerError marks a failure
// reported by the route handler itself; HandlerPanic marks a recovered panic.
const (
	errKindRouteNotFound = "RouteNotFound"
	errKindHandlerError  = "HandlerError"
	errKindHandlerPanic  = "HandlerPanic"
	errKindVerifyFailed  = "VerifyFailed"
)

// ErrorInfo is the wire descriptor of a failure that occurred on a remote
// endpoint: an error kind name plus a message. It is opaque diagnostic data;
// the remote error is never reconstructed as a typed local error.
//
// ErrorInfo implements the error interface, so a route handler may return an
// *ErrorInfo directly to control the kind reported to the caller.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ErrorInfo) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// infoFromError converts a route handler failure into its wire descriptor.
func infoFromError(err error) *ErrorInfo {
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	var rnf *RouteNotFoundError
	if errors.As(err, &rnf) {
		return &ErrorInfo{Kind: errKindRouteNotFound, Message: err.Error()}
	}
	return &ErrorInfo{Kind: errKindHandlerError, Message: err.Error()}
}

// RouteNotFoundError is reported when a named route is not registered, or is
// registered only in the namespace the request did not address.
type RouteNotFoundError struct {
	Route string
}

// Error implements the error interface.
func (e *RouteNotFoundError) Error() string {
	return fmt.Sprintf("route %q not found", e.Route)
}

// ListenerNotFoundError is reported by Unlisten when no listeners are
// registered for the named event.
type ListenerNotFoundError struct {
	Event string
}

// Error implements the error interface.
func (e *ListenerNotFoundError) Error() string {
	return fmt.Sprintf("no listeners for event %q", e.Event)
}

// TargetNotFoundError is reported for a request addressed to an identifier
// that is not in the caller's roster.
type TargetNotFoundError struct {
	Target Identifier
}

// Error implements the error interface.
func (e *TargetNotFoundError) Error() string {
	return fmt.Sprintf("target %q not found", e.Target)
}

// RemoteError is reported when the remote handler for a request failed. It
// carries the remote error descriptor verbatim.
type RemoteError struct {
	Kind    string // the remote error kind name
	Message string // the remote failure message
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error: [%s] %s", e.Kind, e.Message)
}

// VerifyError is reported when the relay rejects an identity claim at
// handshake. It is terminal for that connection attempt; the client does not
// retry a rejected identifier.
type VerifyError struct {
	Reason string
}

// Error implements the error interface.
func (e *VerifyError) Error() string {
	return fmt.Sprintf("verification failed: %s", e.Reason)
}
