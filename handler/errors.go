package handler

import (
	"fmt"
	"net/http"
	"strings"
)

// Class is the stable error classification recorded on tasks and used
// to pick retry behavior. Values are part of the wire format.
type Class string

const (
	ClassPermanent          Class = "Permanent"
	ClassRateLimit          Class = "Transient/RateLimit"
	ClassServiceUnavailable Class = "Transient/ServiceUnavailable"
	ClassCredits            Class = "Transient/Credits"
	ClassNetwork            Class = "Transient/Network"
	ClassCircuitOpen        Class = "Transient/CircuitOpen"
	ClassTimeout            Class = "Transient/Timeout"
	ClassDefault            Class = "Transient/Default"
	ClassInternal           Class = "Internal"
)

// Transient reports whether the class allows scheduled retries.
func (c Class) Transient() bool {
	return strings.HasPrefix(string(c), "Transient/")
}

// Error is a classified task failure.
type Error struct {
	Class      Class
	Subtype    string
	Message    string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Class))
	if e.Subtype != "" {
		b.WriteString(" (")
		b.WriteString(e.Subtype)
		b.WriteString(")")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " [status %d]", e.StatusCode)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewPermanent builds a non-retryable failure.
func NewPermanent(subtype, message string) *Error {
	return &Error{Class: ClassPermanent, Subtype: subtype, Message: message}
}

// NewInternal builds a broker-side failure; these go straight to the
// dead letter queue.
func NewInternal(message string, cause error) *Error {
	return &Error{Class: ClassInternal, Message: message, Cause: cause}
}

// NewTransient builds a retryable failure of the given class.
func NewTransient(class Class, message string) *Error {
	return &Error{Class: class, Message: message}
}

// FromStatus classifies a provider HTTP status.
func FromStatus(code int, message string) *Error {
	e := &Error{Message: message, StatusCode: code}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		e.Class = ClassPermanent
		e.Subtype = "api_key_invalid"
	case code == http.StatusPaymentRequired:
		e.Class = ClassCredits
	case code == http.StatusTooManyRequests:
		e.Class = ClassRateLimit
	case code == http.StatusRequestTimeout:
		e.Class = ClassTimeout
	case code >= 500:
		e.Class = ClassServiceUnavailable
	case code >= 400:
		e.Class = ClassPermanent
		e.Subtype = "invalid_request"
	default:
		e.Class = ClassDefault
	}
	return e
}
