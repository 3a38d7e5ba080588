// Package routeerr defines the typed error taxonomy shared by every
// component: Code identifies the kind, Detail carries structured context
// for logging and for the HTTP layer's response body.
package routeerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is one of the fixed internal error kinds.
type Code string

const (
	ClientRequestInvalid Code = "client_request_invalid"
	NoProviderAvailable  Code = "no_provider_available"
	UpstreamExhausted    Code = "upstream_exhausted"
	UpstreamTransient    Code = "upstream_transient"
	UpstreamAuth         Code = "upstream_auth"
	LimitExceeded        Code = "limit_exceeded"
	RateLimited          Code = "rate_limited"
	StreamingInterrupted Code = "streaming_interrupted"
)

// Error is a structured, wrappable error carrying a taxonomy Code plus
// free-form detail for logs and API responses.
type Error struct {
	Code    Code
	Message string
	Err     error
	Detail  map[string]any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail attaches a key/value to the error's detail map, returning e
// for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

// New constructs a routeerr.Error of the given code.
func New(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// CodeOf returns the Code of err if it (or something it wraps) is a
// *Error, and ok=false otherwise.
func CodeOf(err error) (Code, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re.Code, true
	}
	return "", false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// httpStatus maps a Code to the status this section of the design
// specifies. Codes that never surface directly to a client (they drive
// internal failover instead) fall through to the unmapped default.
var httpStatus = map[Code]int{
	ClientRequestInvalid: http.StatusBadRequest,
	NoProviderAvailable:  http.StatusServiceUnavailable,
	UpstreamExhausted:    http.StatusBadGateway,
	LimitExceeded:        http.StatusTooManyRequests,
}

// HTTPStatus returns the response status for err, defaulting to 500 for
// codes that have no defined mapping (UpstreamTransient, UpstreamAuth and
// RateLimited are recovered from internally by the Dispatcher, and
// StreamingInterrupted arises after a stream's status has already been
// sent, so none of them should normally reach this function).
func HTTPStatus(err error) int {
	code, ok := CodeOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	if status, ok := httpStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Recoverable reports whether the Dispatcher should treat this error as
// a local failover signal rather than surfacing it to the client.
func Recoverable(err error) bool {
	code, ok := CodeOf(err)
	if !ok {
		return false
	}
	switch code {
	case UpstreamTransient, UpstreamAuth, RateLimited:
		return true
	default:
		return false
	}
}
