package ingress

import (
	"errors"
	"fmt"

	"github.com/itskum47/taskforge/ratelimit"
	"github.com/itskum47/taskforge/task"
)

// Code is the stable client-facing error vocabulary. Transports map
// codes to their own status schemes; the strings never change.
type Code string

const (
	CodeNotFound          Code = "NotFound"
	CodeConflict          Code = "Conflict"
	CodeAlreadyExists     Code = "AlreadyExists"
	CodeValidation        Code = "ValidationError"
	CodeRateLimitTimeout  Code = "RateLimitTimeout"
	CodeCircuitOpen       Code = "CircuitOpen"
	CodeDependencyMissing Code = "DependencyMissing"
	CodeInternal          Code = "Internal"
)

// Error is the structured result every ingress operation fails with.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func NewError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts a structured ingress error.
func AsError(err error) (*Error, bool) {
	var ie *Error
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// wrap maps lifecycle and limiter errors onto ingress codes. Anything
// unrecognized is Internal.
func wrap(err error) *Error {
	var ie *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ie):
		return ie
	case errors.Is(err, task.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, task.ErrAlreadyExists):
		return &Error{Code: CodeAlreadyExists, Message: err.Error()}
	case errors.Is(err, task.ErrConflict):
		return &Error{Code: CodeConflict, Message: err.Error()}
	case errors.Is(err, ratelimit.ErrAcquireTimeout):
		return &Error{Code: CodeRateLimitTimeout, Message: err.Error()}
	default:
		return &Error{Code: CodeInternal, Message: err.Error()}
	}
}
