package domain

import "errors"

var (
	// ErrValidation wraps field level failures from Validate methods.
	ErrValidation = errors.New("validation failed")

	ErrInvalidID        = errors.New("invalid ID")
	ErrInvalidJobState  = errors.New("invalid job state")
	ErrInvalidJobType   = errors.New("invalid job type")
	ErrInvalidTaskState = errors.New("invalid task state")

	// ErrInvalidScript means a task script is not a JSON document.
	ErrInvalidScript = errors.New("invalid task script")

	ErrNegativeDependCount = errors.New("depend count cannot be negative")
)
