// Package transerr defines the structured errors the transport core hands
// to the application layer. Every failure crossing the client boundary
// carries a code the UI can switch on and a retryability verdict that
// tells it whether showing a retry affordance makes sense.
package transerr

import (
	"errors"
	"fmt"
)

// Code categorizes a transport failure for handling and monitoring.
type Code string

const (
	// CodeConnectionTimeout indicates the websocket dial exceeded its deadline.
	CodeConnectionTimeout Code = "CONNECTION_TIMEOUT"

	// CodeAuthRejected indicates the server refused the credentials.
	CodeAuthRejected Code = "AUTH_REJECTED"

	// CodeMaxReconnectAttempts indicates the reconnect budget is exhausted.
	CodeMaxReconnectAttempts Code = "MAX_RECONNECT_ATTEMPTS"

	// CodeSessionExpired indicates the refresh token no longer works; the
	// user must authenticate again.
	CodeSessionExpired Code = "SESSION_EXPIRED"

	// CodeQueueStorage indicates the durable offline queue failed.
	CodeQueueStorage Code = "QUEUE_STORAGE"

	// CodeConnection indicates a transient network failure.
	CodeConnection Code = "CONNECTION_ERROR"

	// CodeInternal indicates an unexpected internal failure.
	CodeInternal Code = "INTERNAL_ERROR"
)

// Error is a structured transport error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the underlying error to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the failure is transient. Auth and storage
// failures are not: retrying without new credentials or a healthy disk
// cannot succeed.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case CodeConnectionTimeout, CodeConnection:
		return true
	default:
		return false
	}
}

// New creates an Error wrapping err.
func New(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the code from err, walking the wrap chain. Errors that
// never passed through this package report CodeInternal.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeInternal
}

// IsRetryable reports retryability for any error, structured or not.
// Unclassified errors are assumed transient so callers err on the side of
// trying again.
func IsRetryable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.IsRetryable()
	}
	return true
}
