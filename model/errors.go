package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Domain error codes.
const (
	ErrMalformedInput     = "MALFORMED_INPUT"
	ErrUnknownBranch      = "UNKNOWN_BRANCH"
	ErrHandlerFailure     = "HANDLER_FAILURE"
	ErrNotAwaitingInput   = "NOT_AWAITING_INPUT"
	ErrPersistenceFailure = "PERSISTENCE_FAILURE"
	ErrTransientNetwork   = "TRANSIENT_NETWORK"
)

// ErrorEnvelope is the standard error value and response envelope.
// It implements the error interface.
type ErrorEnvelope struct {
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Details   []FieldError `json:"details,omitempty"`
	Retryable bool         `json:"retryable,omitempty"`
	TraceID   string       `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewMalformedInputError returns a MALFORMED_INPUT error for payloads or
// definitions that violate structural invariants.
func NewMalformedInputError(msg string, details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrMalformedInput, Message: msg, Details: details}
}

// NewUnknownBranchError returns an UNKNOWN_BRANCH error.
func NewUnknownBranchError(label string, available []string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownBranch,
		Message: fmt.Sprintf("no branch labelled %q (available: %v)", label, available),
	}
}

// NewNotAwaitingInputError returns a NOT_AWAITING_INPUT error.
func NewNotAwaitingInputError(status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNotAwaitingInput,
		Message: fmt.Sprintf("instance is %s, not awaiting input", status),
	}
}

// NewHandlerFailureError wraps an action handler failure. The instance stays
// at its current node, so the call may be repeated.
func NewHandlerFailureError(action string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:      ErrHandlerFailure,
		Message:   fmt.Sprintf("action %q failed", action),
		Retryable: true,
		cause:     cause,
	}
}

// NewPersistenceError wraps a storage failure. State was not advanced.
func NewPersistenceError(cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:      ErrPersistenceFailure,
		Message:   "failed to persist state",
		Retryable: true,
		cause:     cause,
	}
}

// NewTransientNetworkError wraps a remote call failure.
func NewTransientNetworkError(msg string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:      ErrTransientNetwork,
		Message:   msg,
		Retryable: true,
		cause:     cause,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// CodeOf returns the envelope code carried by err, or INTERNAL_ERROR when err
// is not an envelope. It returns "" for a nil error.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ErrInternalError
}

// IsRetryable reports whether err is an envelope marked retryable.
func IsRetryable(err error) bool {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Retryable
	}
	return false
}
