// Package errs defines the bus's error taxonomy (spec §7), the Go
// equivalent of the teacher's internal/errors package: a single typed
// error carrying a machine-readable code, adapted here for an in-process
// API rather than an HTTP one (there is no status-code mapping because
// the core never speaks HTTP).
package errs

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error identifier, UPPER_SNAKE_CASE, mirroring
// the teacher's AppError.Code convention.
type Code string

const (
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeAuthn        Code = "AUTHENTICATION_ERROR"
	CodePendingLimit Code = "PENDING_REQUEST_LIMIT_EXCEEDED"
	CodeTimeout      Code = "TIMEOUT"
	CodeCancelled    Code = "CANCELLED"
	CodeTransport    Code = "TRANSPORT_ERROR"
	CodeHandler      Code = "HANDLER_ERROR"
	CodeProgramming  Code = "PROGRAMMING_ERROR"
)

// BusError is the error type raised across all four components.
type BusError struct {
	Code    Code
	Message string
	Err     error
}

func (e *BusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BusError) Unwrap() error { return e.Err }

// Is reports whether target is a BusError with the same Code, so callers
// can use errors.Is(err, errs.ErrTimeout) against sentinels below.
func (e *BusError) Is(target error) bool {
	var other *BusError
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

func newSentinel(code Code, msg string) *BusError {
	return &BusError{Code: code, Message: msg}
}

// Sentinels for errors.Is comparisons. AuthenticationError has no
// sentinel: the core never raises it, only surfaces the code for
// collaborators (spec §7).
var (
	ErrValidation   = newSentinel(CodeValidation, "validation error")
	ErrPendingLimit = newSentinel(CodePendingLimit, "pending request limit exceeded")
	ErrTimeout      = newSentinel(CodeTimeout, "request timed out")
	ErrCancelled    = newSentinel(CodeCancelled, "request cancelled")
	ErrTransport    = newSentinel(CodeTransport, "transport error")
	ErrHandler      = newSentinel(CodeHandler, "handler error")
	ErrProgramming  = newSentinel(CodeProgramming, "programming error")
)

// Validation builds a ValidationError with a specific message.
func Validation(format string, args ...any) *BusError {
	return &BusError{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Programming builds a ProgrammingError for bad internal-API inputs.
func Programming(format string, args ...any) *BusError {
	return &BusError{Code: CodeProgramming, Message: fmt.Sprintf(format, args...)}
}

// Transport wraps a socket write/close failure.
func Transport(err error) *BusError {
	return &BusError{Code: CodeTransport, Message: "transport failure", Err: err}
}

// Handler wraps a panic/error raised from inside a user handler.
func Handler(topic string, err error) *BusError {
	return &BusError{Code: CodeHandler, Message: fmt.Sprintf("handler error on topic %q", topic), Err: err}
}

// PendingLimit builds the error raised synchronously from request() when a
// session is at its pending-request cap.
func PendingLimit(sessionID string, cap int) *BusError {
	return &BusError{Code: CodePendingLimit, Message: fmt.Sprintf("session %q has reached the pending request cap (%d)", sessionID, cap)}
}

// Timeout builds the error raised when a reply future does not resolve in
// time.
func Timeout(requestID string) *BusError {
	return &BusError{Code: CodeTimeout, Message: fmt.Sprintf("request %q timed out waiting for reply", requestID)}
}

// Cancelled builds the error a pending request observes when its owning
// session unregisters mid-flight or the caller's context is cancelled.
func Cancelled(requestID string) *BusError {
	return &BusError{Code: CodeCancelled, Message: fmt.Sprintf("request %q cancelled", requestID)}
}
