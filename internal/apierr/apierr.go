// Package apierr defines the error taxonomy shared by every handler:
// each value carries the HTTP status and the stable numeric sub-code
// that the JSON envelope exposes to clients.
package apierr

import (
	"errors"
	"fmt"
)

// Error is a request-terminating error with a stable wire code.
type Error struct {
	Status  int    // HTTP status
	Code    int    // stable sub-code, e.g. 40901
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on (Status, Code) so sentinel values below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Status == t.Status && e.Code == t.Code
}

// Wrap returns a copy of e carrying cause, so handlers can attach the
// underlying I/O error without changing the wire code.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// WithMessage returns a copy of e with a more specific message.
func (e *Error) WithMessage(msg string) *Error {
	cp := *e
	cp.Message = msg
	return &cp
}

var (
	ErrBadRequest = &Error{Status: 400, Code: 40001, Message: "bad request"}
	// PathEscape is reported as a generic bad request on the wire; the raw
	// target path is never echoed back.
	ErrPathEscape       = &Error{Status: 400, Code: 40001, Message: "invalid path"}
	ErrUnauthorized     = &Error{Status: 401, Code: 40101, Message: "unauthorized"}
	ErrForbidden        = &Error{Status: 403, Code: 40301, Message: "forbidden"}
	ErrNotFound         = &Error{Status: 404, Code: 40401, Message: "not found"}
	ErrConflict         = &Error{Status: 409, Code: 40901, Message: "already exists"}
	ErrPayloadTooLarge  = &Error{Status: 413, Code: 41301, Message: "payload too large"}
	ErrAuthMisconfigured = &Error{Status: 500, Code: 50001, Message: "auth password not configured"}
	ErrStorageUnavailable = &Error{Status: 503, Code: 50301, Message: "storage backend unavailable"}
	ErrInternal          = &Error{Status: 500, Code: 1, Message: "internal error"}
)

// From coerces any error into an *Error, defaulting to ErrInternal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrInternal.Wrap(err)
}
