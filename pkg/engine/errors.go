// Package engine implements the command listener, the deployment and
// teardown workflows, and the status stream that drives them. Commands
// arrive on the bus, are dispatched by kind, and report progress as typed
// status events.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassValidation indicates a malformed or incomplete request.
	// Never retried.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassTransient indicates a temporary failure that may succeed
	// on retry. Examples: network timeouts, provider throttling.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable failure.
	// Examples: permission denied, quota exhausted.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassBlocked indicates a deletion skipped because a dependent
	// resource could not be removed first.
	ErrorClassBlocked ErrorClass = "blocked"
)

// OpError is a classified error carrying the slot and operation it occurred
// on.
type OpError struct {
	Class ErrorClass

	Message string

	// Slot is the resource slot the operation targeted, if any.
	Slot string

	// Operation is the provider or engine operation being performed.
	Operation string

	Err error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	if e.Slot != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (slot=%s, operation=%s): %s",
			e.Class, e.Message, e.Slot, e.Operation, e.unwrapMessage())
	}
	if e.Slot != "" {
		return fmt.Sprintf("[%s] %s (slot=%s): %s", e.Class, e.Message, e.Slot, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for chain inspection.
func (e *OpError) Unwrap() error {
	return e.Err
}

func (e *OpError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// NewValidationError creates a validation error.
func NewValidationError(message string, err error) *OpError {
	return &OpError{Class: ErrorClassValidation, Message: message, Err: err}
}

// NewTransientError creates a transient error.
func NewTransientError(message string, err error) *OpError {
	return &OpError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewPermanentError creates a permanent error.
func NewPermanentError(message string, err error) *OpError {
	return &OpError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewBlockedError creates a blocked error.
func NewBlockedError(message string, err error) *OpError {
	return &OpError{Class: ErrorClassBlocked, Message: message, Err: err}
}

// WithSlot adds slot context to an error.
func (e *OpError) WithSlot(slot string) *OpError {
	e.Slot = slot
	return e
}

// WithOperation adds operation context to an error.
func (e *OpError) WithOperation(operation string) *OpError {
	e.Operation = operation
	return e
}

// Classify returns the class of err, or permanent for unclassified errors.
func Classify(err error) ErrorClass {
	var e *OpError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

// IsRetryable reports whether the error may succeed on retry. Only
// transient errors qualify.
func IsRetryable(err error) bool {
	return Classify(err) == ErrorClassTransient
}
