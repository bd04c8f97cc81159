package transport

// ============================================================================
// Transport Error Definitions
// Purpose: Classify every failed exchange with the remote service
// ============================================================================

import (
	"errors"
	"fmt"
)

// Fixed messages shown to the caller when the service gives none.
const (
	ConnectivityMessage = "There was a problem connecting to the server. Please try again."
	GenericMessage      = "There was an error processing your request."
)

// Predefined errors
var (
	// ErrTransportFailure indicates a non-200 response or an unreadable body
	ErrTransportFailure = errors.New("transport: request failed")

	// ErrServiceFailure indicates the service answered with msg=ERROR
	ErrServiceFailure = errors.New("transport: service reported error")
)

// Kind separates the two terminal failure classes.
type Kind int

const (
	TransportFailure Kind = iota
	ServiceFailure
)

func (k Kind) String() string {
	switch k {
	case TransportFailure:
		return "transport"
	case ServiceFailure:
		return "service"
	default:
		return "unknown"
	}
}

// Error carries the human-readable message surfaced in ERROR events.
type Error struct {
	Kind       Kind   // Failure class
	Endpoint   string // Endpoint name (submit, submit_single, result)
	StatusCode int    // HTTP status, 0 when no response was received
	Message    string // Message for the caller
	Cause      error  // Underlying error, if any
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: %s %s failure (status=%d): %s", e.Endpoint, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("transport: %s %s failure: %s", e.Endpoint, e.Kind, e.Message)
}

// Is lets errors.Is match the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransportFailure:
		return e.Kind == TransportFailure
	case ErrServiceFailure:
		return e.Kind == ServiceFailure
	}
	return false
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Message extracts the caller-facing message from any error.
// Errors that did not come from the transport map to the connectivity message.
func Message(err error) string {
	var te *Error
	if errors.As(err, &te) && te.Message != "" {
		return te.Message
	}
	return ConnectivityMessage
}

func transportError(endpoint string, status int, cause error) *Error {
	return &Error{
		Kind:       TransportFailure,
		Endpoint:   endpoint,
		StatusCode: status,
		Message:    ConnectivityMessage,
		Cause:      cause,
	}
}

func serviceError(endpoint, msg string) *Error {
	if msg == "" {
		msg = GenericMessage
	}
	return &Error{
		Kind:     ServiceFailure,
		Endpoint: endpoint,
		Message:  msg,
	}
}
