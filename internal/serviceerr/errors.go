// Package serviceerr defines the errors surfaced at the HTTP boundary of the
// callback service together with their HTTP status mapping.
package serviceerr

import (
	"fmt"
	"net/http"
)

type Code string

// RFC6749 codes
const (
	CodeInvalidRequest Code = "invalid_request"
	CodeAccessDenied   Code = "access_denied"
	CodeServerError    Code = "server_error"
)

// Custom codes
const (
	CodeCSRFRejected    Code = "csrf_rejected"
	CodeAuthFailed      Code = "auth_failed"
	CodeTransport       Code = "transport_error"
	CodeUnauthorized    Code = "unauthorized"
	CodeTooManyRequests Code = "too_many_requests"
	CodeNotFound        Code = "not_found"
	CodeConflict        Code = "conflict"
	CodeUnknown         Code = "unknown"
)

type Error struct {
	Err         Code
	Description string
}

var (
	ErrInvalidRequest = &Error{Err: CodeInvalidRequest}
	ErrAccessDenied   = &Error{Err: CodeAccessDenied}

	ErrBadRequest      = &Error{Err: CodeInvalidRequest, Description: "missing or malformed callback parameters"}
	ErrCSRFRejected    = &Error{Err: CodeCSRFRejected, Description: "state verification failed"}
	ErrAuthFailed      = &Error{Err: CodeAuthFailed, Description: "authentication with the identity provider failed"}
	ErrTransport       = &Error{Err: CodeTransport, Description: "identity provider unreachable"}
	ErrUnauthorized    = &Error{Err: CodeUnauthorized, Description: "authentication failed"}
	ErrTooManyRequests = &Error{Err: CodeTooManyRequests, Description: "too many failed attempts"}
	ErrNotFound        = &Error{Err: CodeNotFound, Description: "not found"}
	ErrConflict        = &Error{Err: CodeConflict, Description: "already exists"}
	ErrUnknown         = &Error{Err: CodeUnknown, Description: "unknown error"}
)

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Err, e.Description)
}

func (e *Error) HTTPStatus() int {
	switch e.Err {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeAccessDenied, CodeCSRFRejected:
		return http.StatusForbidden
	case CodeAuthFailed, CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeTransport:
		return http.StatusBadGateway
	case CodeTooManyRequests:
		return http.StatusTooManyRequests
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Public returns the error that may be shown to the caller. Security relevant
// failures collapse into ErrUnauthorized so the response does not tell an
// attacker which check failed.
func (e *Error) Public() *Error {
	switch e.Err {
	case CodeCSRFRejected, CodeAuthFailed, CodeTransport, CodeAccessDenied:
		return ErrUnauthorized
	case CodeInvalidRequest, CodeTooManyRequests, CodeUnauthorized:
		return e
	default:
		return ErrUnknown
	}
}

// Wrap returns an error matching both base (via errors.As / errors.Is) and cause.
func Wrap(base *Error, cause error) error {
	if cause == nil {
		return base
	}

	return fmt.Errorf("%w: %w", base, cause)
}
