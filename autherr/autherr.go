// Package autherr defines the error taxonomy shared by the login flow, the
// token exchange endpoint and the auth state manager.
//
// Every error carries a human-readable Message safe to show a customer. Detail
// holds diagnostics (upstream status codes, truncated bodies) and is only
// exposed in development mode. Token values never appear in either.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an authentication failure.
type Kind int

const (
	// KindUnknown is reported for errors outside the taxonomy.
	KindUnknown Kind = iota
	// KindConfiguration: required tenant, client or app URL settings are absent.
	KindConfiguration
	// KindUserDenied: the provider reported access_denied.
	KindUserDenied
	// KindProtocol: malformed or missing code/state, state or nonce mismatch.
	KindProtocol
	// KindSessionExpired: the ephemeral flow data is missing at callback time.
	KindSessionExpired
	// KindExchange: the provider rejected the code or refresh token.
	KindExchange
	// KindTransport: network, timeout or DNS failure after retries.
	KindTransport
	// KindServer: unexpected failure of our own backend.
	KindServer
)

var kindNames = map[Kind]string{
	KindUnknown:        "unknown",
	KindConfiguration:  "configuration",
	KindUserDenied:     "user_denied",
	KindProtocol:       "protocol",
	KindSessionExpired: "session_expired",
	KindExchange:       "exchange",
	KindTransport:      "transport",
	KindServer:         "server",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// defaultStatus is the HTTP status used when an Error has none set.
func (k Kind) defaultStatus() int {
	switch k {
	case KindConfiguration, KindServer, KindUnknown:
		return http.StatusInternalServerError
	case KindUserDenied:
		return http.StatusForbidden
	case KindSessionExpired:
		return http.StatusUnauthorized
	case KindTransport:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// Error is a classified authentication error.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Detail  string
	Cause   error
}

// New returns an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithStatus sets the HTTP status reported for e.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// WithCause sets the wrapped cause of e.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetail attaches development-only diagnostics.
func (e *Error) WithDetail(format string, args ...any) *Error {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return "autherr: <nil>"
	}
	msg := e.Kind.String() + ": " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// HTTPStatus returns Status, or the kind's default.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return e.Kind.defaultStatus()
}

// Public returns the message and, in development mode only, the detail.
func (e *Error) Public(dev bool) (message, detail string) {
	if dev {
		return e.Message, e.Detail
	}
	return e.Message, ""
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) && ae != nil {
		return ae, true
	}
	return nil, false
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// StatusOf returns the HTTP status for err; unclassified errors are 500.
func StatusOf(err error) int {
	if ae, ok := As(err); ok {
		return ae.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// MessageOf returns the customer-facing message for err.
func MessageOf(err error) string {
	if ae, ok := As(err); ok && ae.Message != "" {
		return ae.Message
	}
	return "An unexpected error occurred. Please try again."
}
