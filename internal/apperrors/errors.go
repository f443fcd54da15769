// Package apperrors provides the error taxonomy shared by every engine
// component and the HTTP boundary that normalizes it.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"

	pkgerrors "github.com/pkg/errors"
)

// Code is a machine-readable error category.
type Code string

const (
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeInvalidSubject      Code = "INVALID_SUBJECT"
	CodeInvalidRole         Code = "INVALID_ROLE"
	CodeInvalidInput        Code = "INVALID_INPUT"
	CodeFeatureDisabled     Code = "FEATURE_DISABLED"
	CodeUpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
	CodeConflict            Code = "CONFLICT"
	CodeNotFound            Code = "NOT_FOUND"
	CodeSessionClosed       Code = "SESSION_CLOSED"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeInternal            Code = "INTERNAL"
)

// HTTPStatus returns the response status for the code.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeInvalidSubject, CodeInvalidRole, CodeInvalidInput:
		return http.StatusBadRequest
	case CodeFeatureDisabled:
		return http.StatusForbidden
	case CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case CodeConflict, CodeSessionClosed:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may retry the same request unchanged.
func (c Code) Retryable() bool {
	return c == CodeUpstreamUnavailable || c == CodeConflict || c == CodeRateLimited
}

// Error is the domain error type.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error

	// trace records where the error was constructed.
	trace error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// StackTrace renders the construction stack.
func (e *Error) StackTrace() string {
	if e.trace == nil {
		return ""
	}
	return fmt.Sprintf("%+v", e.trace)
}

// New creates a domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		trace:   pkgerrors.New(message),
	}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
		trace:   pkgerrors.WithStack(cause),
	}
}

// WithMetadata attaches key/value context and returns the same error.
func (e *Error) WithMetadata(key, value string) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Sentinels for errors.Is checks against a code.
var (
	ErrUnauthorized        = &Error{Code: CodeUnauthorized}
	ErrInvalidSubject      = &Error{Code: CodeInvalidSubject}
	ErrInvalidRole         = &Error{Code: CodeInvalidRole}
	ErrInvalidInput        = &Error{Code: CodeInvalidInput}
	ErrFeatureDisabled     = &Error{Code: CodeFeatureDisabled}
	ErrUpstreamUnavailable = &Error{Code: CodeUpstreamUnavailable}
	ErrConflict            = &Error{Code: CodeConflict}
	ErrNotFound            = &Error{Code: CodeNotFound}
	ErrSessionClosed       = &Error{Code: CodeSessionClosed}
	ErrRateLimited         = &Error{Code: CodeRateLimited}
)

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// statusCoder is implemented by errors that already chose a transport status.
type statusCoder interface {
	StatusCode() int
}

// HTTPStatus resolves the response status for err. Errors that already carry
// a non-200 status keep it; anything unclassified becomes 500.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code.HTTPStatus()
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		if status := sc.StatusCode(); status != http.StatusOK && status != 0 {
			return status
		}
	}
	return http.StatusInternalServerError
}

// Stack returns a printable stack for err when one was captured.
func Stack(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		if s := appErr.StackTrace(); s != "" {
			return s
		}
	}
	return fmt.Sprintf("%+v", pkgerrors.WithStack(err))
}
