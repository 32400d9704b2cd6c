package service

import (
	"errors"
	"fmt"

	"github.com/phrazzld/archivist/internal/domain"
	"github.com/phrazzld/archivist/internal/store"
)

// Sentinel errors returned by the job service. The API layer maps them to
// HTTP status codes.
var (
	// ErrJobNotFound indicates the job does not exist. Maps to 404.
	ErrJobNotFound = errors.New("job not found")

	// ErrTaskNotFound indicates the task does not exist. Maps to 404.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition indicates the job or task is not in a state the
	// operation applies to. Maps to 409.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidRequest indicates the submitted job or filter failed
	// validation. Maps to 400.
	ErrInvalidRequest = errors.New("invalid request")
)

// JobServiceError wraps unexpected errors from the job service with context.
type JobServiceError struct {
	// Operation is the operation that failed (e.g., "cancel_job")
	Operation string
	// Message is a human-readable description of the error
	Message string
	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for JobServiceError.
func (e *JobServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("job service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("job service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *JobServiceError) Unwrap() error {
	return e.Err
}

// NewJobServiceError creates a JobServiceError. Store and domain sentinels
// are translated to the service sentinels instead of being wrapped.
func NewJobServiceError(operation, message string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrJobNotFound), errors.Is(err, store.ErrJobNotFound):
		return ErrJobNotFound
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, store.ErrTaskNotFound):
		return ErrTaskNotFound
	case errors.Is(err, ErrInvalidTransition):
		return err
	case errors.Is(err, store.ErrInvalidEntity), errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidScript), errors.Is(err, domain.ErrInvalidTaskState),
		errors.Is(err, domain.ErrInvalidJobState):
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	return &JobServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
