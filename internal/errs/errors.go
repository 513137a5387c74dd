// Package errs implements the error taxonomy and outbound sanitization
// described in spec §7. Every error that crosses the transport boundary is
// mapped to one of the Codes below, preserves its causal chain in a
// structured Causes slice, and is redacted before being serialized.
package errs

import (
	"errors"
	"fmt"
)

// Code is the machine-readable error code carried in the user-visible
// error envelope. Values are exhaustive per spec §7.
type Code string

const (
	// Transport
	CodeParseError    Code = "ParseError"
	CodeFrameTooLarge Code = "FrameTooLarge"
	CodeIoError       Code = "IoError"
	CodeEOF           Code = "Eof"

	// Protocol
	CodeMethodNotFound   Code = "MethodNotFound"
	CodeInvalidParams    Code = "InvalidParams"
	CodePayloadTooLarge  Code = "PayloadTooLarge"
	CodeUnauthorized     Code = "Unauthorized"
	CodeRateLimited      Code = "RateLimited"
	CodePermissionDenied Code = "PermissionDenied"

	// Validation
	CodeNotFound              Code = "NotFound"
	CodeSchemaMismatch        Code = "SchemaMismatch"
	CodeUnknownComponent      Code = "UnknownComponent"
	CodeInvalidQuery          Code = "InvalidQuery"
	CodePathTraversalRejected Code = "PathTraversalRejected"

	// Connection
	CodeConnectionError Code = "ConnectionError"
	CodeTimeout         Code = "Timeout"
	CodeCircuitOpen     Code = "CircuitOpen"
	CodeBackpressure    Code = "Backpressure"
	CodeQueueFull        Code = "QueueFull"

	// Execution
	CodeHandlerFailed     Code = "HandlerFailed"
	CodeDeadlineExceeded  Code = "DeadlineExceeded"
	CodeCancelled         Code = "Cancelled"
	CodeSafetyAborted     Code = "SafetyAborted"

	// Persistence
	CodeCheckpointCorrupted Code = "CheckpointCorrupted"
	CodeCheckpointNotFound  Code = "CheckpointNotFound"
	CodeDiskFull            Code = "DiskFull"

	// Internal
	CodeBug Code = "Bug"
)

// Error is the core's structured error type. It is never serialized
// directly — Sanitize/Envelope convert it to the wire shape in spec §7.
type Error struct {
	Code        Code
	Message     string
	Context     map[string]any
	Suggestions []string
	RetryAfterMS *uint32
	Causes      []string
	wrapped     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New creates an Error with no causal chain.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error that records err's message in its Causes chain and
// as the underlying cause for errors.As/errors.Is traversal.
func Wrap(code Code, message string, err error) *Error {
	e := &Error{Code: code, Message: message, wrapped: err}
	if err != nil {
		var inner *Error
		if errors.As(err, &inner) {
			e.Causes = append(append([]string{}, inner.Causes...), inner.Error())
		} else {
			e.Causes = []string{err.Error()}
		}
	}
	return e
}

// WithContext attaches a context map, returning the same *Error for chaining.
func (e *Error) WithContext(ctx map[string]any) *Error {
	e.Context = ctx
	return e
}

// WithSuggestions attaches recovery suggestions, returning the same *Error.
func (e *Error) WithSuggestions(s ...string) *Error {
	e.Suggestions = s
	return e
}

// WithRetryAfter attaches a retry-after hint in milliseconds.
func (e *Error) WithRetryAfter(ms uint32) *Error {
	e.RetryAfterMS = &ms
	return e
}

// AsError converts any error into *Error, wrapping unknown errors as Bug
// so every outbound path always has a Code to map.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeBug, "unhandled internal error", err)
}

// Retryable reports whether the core should automatically retry this error
// class. Connection/Timeout errors are retried by the BRP client's own
// state machine; Backpressure/RateLimited are surfaced with retry_after;
// everything else (Validation, Protocol, Permission) is never retried.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeConnectionError, CodeTimeout:
		return true
	default:
		return false
	}
}
