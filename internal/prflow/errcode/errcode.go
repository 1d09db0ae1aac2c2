// Package errcode defines the stable error codes surfaced by the queue
// layer and the CLI JSON envelope.
package errcode

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Stable machine-readable error codes.
const (
	InvalidInput  = "INVALID_INPUT"
	ConfigError   = "CONFIG_ERROR"
	DBUnavailable = "DB_UNAVAILABLE"
	DBQueryFailed = "DB_QUERY_FAILED"
	Upstream      = "UPSTREAM_FAILED"
	LockHeld      = "LOCK_HELD"
	Deduped       = "DEDUPED"
)

// Error is a coded error with a retryability hint. It marshals to the
// {code, message, retryable} shape used in the CLI envelope.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates a coded error.
func New(code, message string, retryable bool) *Error {
	return &Error{Code: code, Message: message, Retryable: retryable}
}

// Newf creates a coded error with a formatted message.
func Newf(code string, retryable bool, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: retryable}
}

// From extracts a coded error from err, or wraps it as a non-retryable
// internal error with the given fallback code.
func From(err error, fallbackCode string) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Code: fallbackCode, Message: err.Error()}
}

// Envelope is the JSON error envelope printed by the CLI.
type Envelope struct {
	Err Error `json:"error"`
}

// MarshalEnvelope renders err as the {"error":{...}} JSON envelope.
func MarshalEnvelope(err *Error) []byte {
	b, merr := json.Marshal(Envelope{Err: *err})
	if merr != nil {
		return []byte(`{"error":{"code":"INTERNAL","message":"encoding error envelope","retryable":false}}`)
	}
	return b
}
