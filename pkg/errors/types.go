package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType int

const (
	// ErrorTypeTransport indicates a transport layer error (dial refused, socket closed)
	ErrorTypeTransport ErrorType = iota
	// ErrorTypeProtocol indicates a malformed or unexpected frame
	ErrorTypeProtocol
	// ErrorTypeUnauthorized indicates a rejected or expired credential
	ErrorTypeUnauthorized
	// ErrorTypeTimeout indicates a timeout error
	ErrorTypeTimeout
	// ErrorTypeValidation indicates a validation error
	ErrorTypeValidation
	// ErrorTypeNotFound indicates a not found error
	ErrorTypeNotFound
	// ErrorTypeInternal indicates an internal error
	ErrorTypeInternal
)

// String returns the lowercase name of the type.
func (t ErrorType) String() string {
	switch t {
	case ErrorTypeTransport:
		return "transport"
	case ErrorTypeProtocol:
		return "protocol"
	case ErrorTypeUnauthorized:
		return "unauthorized"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeValidation:
		return "validation"
	case ErrorTypeNotFound:
		return "not_found"
	case ErrorTypeInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error represents a structured error with metadata
type Error struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		if e.Details != "" {
			return fmt.Sprintf("[%s] %s: %s (caused by: %v)", e.Code, e.Message, e.Details, e.Cause)
		}
		return fmt.Sprintf("[%s] %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// New creates a new error
func New(errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
	}
}

// WithDetails adds details to an error
func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}

// IsType reports whether any error in err's chain is an *Error of type t.
func IsType(err error, t ErrorType) bool {
	var e *Error
	if !stderrors.As(err, &e) {
		return false
	}
	return e.Type == t
}

// TypeOf returns the type of the first *Error in err's chain.
func TypeOf(err error) (ErrorType, bool) {
	var e *Error
	if !stderrors.As(err, &e) {
		return 0, false
	}
	return e.Type, true
}
