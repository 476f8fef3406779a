package core

import (
	"fmt"
)

// Error is the structured error surfaced to clients and logs.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	TurnID    string    `json:"turn_id,omitempty"`
	Service   string    `json:"service,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrTimeout        ErrorType = "timeout_error"
	ErrCanceled       ErrorType = "canceled"
	ErrProvider       ErrorType = "provider_error"
	ErrInternal       ErrorType = "internal_error"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewInvalidRequestErrorWithParam creates an invalid request error with a parameter.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
		Param:   param,
	}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{
		Type:    ErrNotFound,
		Message: message,
	}
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(message string) *Error {
	return &Error{
		Type:    ErrTimeout,
		Message: message,
	}
}

// NewCanceledError marks work abandoned by barge-in or teardown.
func NewCanceledError(message string) *Error {
	return &Error{
		Type:    ErrCanceled,
		Message: message,
	}
}

// NewProviderError wraps a failure from an upstream streaming service.
// Service is one of "asr", "llm", "tts".
func NewProviderError(service string, underlying error) *Error {
	return &Error{
		Type:    ErrProvider,
		Message: fmt.Sprintf("%s: %v", service, underlying),
		Service: service,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(message string) *Error {
	return &Error{
		Type:    ErrInternal,
		Message: message,
	}
}

// IsCanceled reports whether the error represents cancellation rather than failure.
func (e *Error) IsCanceled() bool {
	return e.Type == ErrCanceled
}

// TerminatesTurn reports whether the error should end the current turn.
// Tool failures never reach this path; they are fed back to the model.
func (e *Error) TerminatesTurn() bool {
	switch e.Type {
	case ErrProvider, ErrTimeout, ErrInternal:
		return true
	default:
		return false
	}
}
