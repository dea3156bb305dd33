package inventory

import (
	"errors"
	"fmt"
)

// Sentinel causes carried by ConflictError. Match them with errors.Is.
var (
	ErrDuplicateBatch    = errors.New("batch number already exists for this medication")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrVersionConflict   = errors.New("medication was modified concurrently")
	ErrInactive          = errors.New("medication is inactive")
	ErrBatchNotReceived  = errors.New("batch has not been received")
)

// NotFoundError reports a medication or batch that does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ValidationError reports a missing or malformed input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ConflictError reports a request that is well formed but cannot be applied
// to the current state of the medication.
type ConflictError struct {
	Reason string
	Err    error
}

func (e *ConflictError) Error() string {
	switch {
	case e.Reason == "":
		return e.Err.Error()
	case e.Err == nil:
		return e.Reason
	default:
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
}

func (e *ConflictError) Unwrap() error { return e.Err }

// TransientError wraps a storage failure that may succeed if retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("temporary storage failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func conflict(cause error, format string, args ...interface{}) error {
	return &ConflictError{Reason: fmt.Sprintf(format, args...), Err: cause}
}

// retryable reports whether an operation that failed with err may be attempted
// again from scratch.
func retryable(err error) bool {
	var te *TransientError
	return errors.As(err, &te) || errors.Is(err, ErrVersionConflict)
}
