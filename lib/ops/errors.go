package ops

import (
	"errors"
	"fmt"
)

// ErrorKind is the error taxonomy of the client engine
type ErrorKind uint8

const (
	ErrorGeneral    ErrorKind = iota // malformed or unspecified protocol error
	ErrorClient                      // the server rejected the request
	ErrorServer                      // the server failed to process the request
	ErrorTimeout                     // no response before the deadline
	ErrorCancelled                   // cancelled by the caller or by shutdown
	ErrorConnection                  // socket level failure
)

// String returns the string representation of an ErrorKind
func (k ErrorKind) String() string {
	switch k {
	case ErrorGeneral:
		return "GENERAL"
	case ErrorClient:
		return "CLIENT"
	case ErrorServer:
		return "SERVER"
	case ErrorTimeout:
		return "TIMEOUT"
	case ErrorCancelled:
		return "CANCELLED"
	case ErrorConnection:
		return "CONNECTION"
	default:
		return "UNKNOWN"
	}
}

// Sentinel errors matched by OperationError via errors.Is
var (
	ErrTimeout    = errors.New("operation timed out")
	ErrCancelled  = errors.New("operation cancelled")
	ErrConnection = errors.New("connection failure")
	ErrProtocol   = errors.New("protocol error")
)

// OperationError is attached to an operation that failed. Protocol errors
// (GENERAL, CLIENT, SERVER) complete the operation without tearing down the connection.
type OperationError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// NewOperationError creates a new OperationError
func NewOperationError(kind ErrorKind, message string, cause error) *OperationError {
	return &OperationError{Kind: kind, Message: message, Cause: cause}
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("%s error", e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel error of the error kind
func (e *OperationError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == ErrorTimeout
	case ErrCancelled:
		return e.Kind == ErrorCancelled
	case ErrConnection:
		return e.Kind == ErrorConnection
	case ErrProtocol:
		return e.Kind == ErrorGeneral || e.Kind == ErrorClient || e.Kind == ErrorServer
	}
	return false
}
