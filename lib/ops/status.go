package ops

import "fmt"

// StatusCode classifies the result of a command as reported by the server
// (or synthesised by the client for cancel and timeout)
type StatusCode uint8

const (
	StatusSuccess StatusCode = iota
	StatusNotFound
	StatusExists
	StatusTooLarge
	StatusInvalidArguments
	StatusNotStored
	StatusNonNumeric
	StatusNotMyVbucket
	StatusAuthError
	StatusAuthContinue
	StatusUnknownCommand
	StatusOutOfMemory
	StatusNotSupported
	StatusInternalError
	StatusBusy
	StatusTemporaryFailure
	StatusCancelled
	StatusTimedOut
	StatusError
)

// String returns the string representation of a StatusCode
func (c StatusCode) String() string {
	switch c {
	case StatusSuccess:
		return "SUCCESS"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusExists:
		return "EXISTS"
	case StatusTooLarge:
		return "TOO_LARGE"
	case StatusInvalidArguments:
		return "INVALID_ARGUMENTS"
	case StatusNotStored:
		return "NOT_STORED"
	case StatusNonNumeric:
		return "NON_NUMERIC"
	case StatusNotMyVbucket:
		return "NOT_MY_VBUCKET"
	case StatusAuthError:
		return "AUTH_ERROR"
	case StatusAuthContinue:
		return "AUTH_CONTINUE"
	case StatusUnknownCommand:
		return "UNKNOWN_COMMAND"
	case StatusOutOfMemory:
		return "OUT_OF_MEMORY"
	case StatusNotSupported:
		return "NOT_SUPPORTED"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	case StatusBusy:
		return "BUSY"
	case StatusTemporaryFailure:
		return "TEMPORARY_FAILURE"
	case StatusCancelled:
		return "CANCELLED"
	case StatusTimedOut:
		return "TIMED_OUT"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Status is the outcome of a command as delivered through Callback.ReceivedStatus
type Status struct {
	Success bool
	Code    StatusCode
	Message string
	CAS     uint64 // set by store and gets responses
}

// NewStatus creates a status; Success is derived from the code
func NewStatus(code StatusCode, message string) Status {
	return Status{
		Success: code == StatusSuccess,
		Code:    code,
		Message: message,
	}
}

// String returns a formatted string representation of the status
func (s Status) String() string {
	if s.Message == "" {
		return s.Code.String()
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}
