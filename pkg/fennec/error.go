package fennec

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies SDK failures.
type ErrorKind string

const (
	// KindAuth means the API key or streaming token was rejected.
	KindAuth ErrorKind = "auth"

	// KindTimeout means an operation did not complete within its deadline.
	KindTimeout ErrorKind = "timeout"

	// KindTransport means the underlying connection failed.
	KindTransport ErrorKind = "transport"

	// KindMalformedFrame means a wire frame did not match the envelope.
	KindMalformedFrame ErrorKind = "malformed_frame"

	// KindBackpressure means the pending queue could not accept audio.
	KindBackpressure ErrorKind = "backpressure"

	// KindSessionClosed means the operation raced with session shutdown.
	KindSessionClosed ErrorKind = "session_closed"

	// KindProtocol means the server violated the stream protocol.
	KindProtocol ErrorKind = "protocol"

	// KindFatal means the server declared the session unrecoverable
	// (auth revoked, quota exceeded).
	KindFatal ErrorKind = "fatal"
)

// Error is the Fennec ASR API error type.
type Error struct {
	// Kind classifies the failure.
	Kind ErrorKind `json:"kind"`

	// Code is the service error code, when the server supplied one.
	Code int `json:"code,omitempty"`

	// Message is a human readable description.
	Message string `json:"message"`

	// HTTPStatus is set for errors originating from an HTTP response.
	HTTPStatus int `json:"-"`

	// err is an optional wrapped cause.
	err error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("fennec: %s (kind=%s, code=%d)", e.Message, e.Kind, e.Code)
	}
	return fmt.Sprintf("fennec: %s (kind=%s)", e.Message, e.Kind)
}

func (e *Error) Unwrap() error { return e.err }

// IsAuth reports whether this is an authentication failure.
func (e *Error) IsAuth() bool {
	return e.Kind == KindAuth ||
		e.HTTPStatus == http.StatusUnauthorized ||
		e.HTTPStatus == http.StatusForbidden
}

// IsTimeout reports whether this is a deadline failure.
func (e *Error) IsTimeout() bool { return e.Kind == KindTimeout }

// IsBackpressure reports whether audio was refused because the
// pending queue is full.
func (e *Error) IsBackpressure() bool { return e.Kind == KindBackpressure }

// IsQuotaExceeded reports whether the account ran out of quota.
func (e *Error) IsQuotaExceeded() bool {
	return e.HTTPStatus == http.StatusPaymentRequired || e.Code == codeQuotaExceeded
}

// Fatal reports whether the error terminates the session.
func (e *Error) Fatal() bool { return e.Kind == KindFatal }

// Retryable reports whether the failure is worth a reconnect attempt.
// Auth failures and server-declared fatal conditions are not.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransport, KindTimeout, KindProtocol:
		return true
	}
	return e.HTTPStatus == http.StatusTooManyRequests ||
		e.HTTPStatus >= http.StatusInternalServerError
}

// AsError unwraps err as a *Error.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Service error codes carried in error frames and HTTP bodies.
const (
	codeAuthRevoked   = 4001
	codeQuotaExceeded = 4002
	codeRateLimited   = 4003
	codeBadAudio      = 4004
	codeServerError   = 5000
)

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func wrapError(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg + ": " + err.Error(), err: err}
}

// apiResponse is the generic HTTP response envelope.
type apiResponse struct {
	ReqID   string          `json:"reqid"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// parseAPIError turns a non-2xx HTTP response body into a *Error.
func parseAPIError(statusCode int, body []byte) error {
	kind := KindTransport
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		kind = KindAuth
	case statusCode == http.StatusPaymentRequired:
		kind = KindFatal
	}

	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return &Error{
			Kind:       kind,
			Code:       statusCode,
			Message:    string(body),
			HTTPStatus: statusCode,
		}
	}
	return &Error{
		Kind:       kind,
		Code:       resp.Code,
		Message:    resp.Message,
		HTTPStatus: statusCode,
	}
}
