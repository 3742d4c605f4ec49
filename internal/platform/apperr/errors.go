// Package apperr defines the error taxonomy shared by handlers and platform
// services, and the echo error handler that turns it into HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP mapping and logging.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindRateLimit      Kind = "rate_limit"
	KindRemote         Kind = "remote_service"
	KindConfiguration  Kind = "configuration"
)

// Error is a classified application error. Message is safe to show to
// clients; Err carries the underlying cause for server-side logs only.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status code for the error's kind.
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the message returned to clients. Server-side failures
// never expose their cause.
func (e *Error) PublicMessage() string {
	switch e.Kind {
	case KindRemote:
		return "upstream service request failed"
	case KindConfiguration:
		return "server is not configured correctly"
	}
	return e.Message
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Authentication(msg string, cause error) *Error {
	return &Error{Kind: KindAuthentication, Message: msg, Err: cause}
}

func RateLimited(msg string) *Error {
	return &Error{Kind: KindRateLimit, Message: msg}
}

func Remote(msg string, cause error) *Error {
	return &Error{Kind: KindRemote, Message: msg, Err: cause}
}

func Configuration(msg string, cause error) *Error {
	return &Error{Kind: KindConfiguration, Message: msg, Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// there is none.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
