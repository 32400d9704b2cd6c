package store

import (
	"errors"
	"fmt"
)

// Errors returned by every JobStore implementation. Callers match them with
// errors.Is; implementations wrap them with driver detail.
var (
	ErrNotFound = errors.New("not found")

	ErrJobNotFound  = fmt.Errorf("job %w", ErrNotFound)
	ErrTaskNotFound = fmt.Errorf("task %w", ErrNotFound)

	// ErrDuplicate reports a key collision, which only happens if an id is
	// reused.
	ErrDuplicate = errors.New("already exists")

	// ErrInvalidEntity reports a row the schema rejects, such as a task
	// for a purged job.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrTransactionFailed reports a unit of work that was rolled back as a
	// whole: begin or commit failed, or the database aborted it.
	ErrTransactionFailed = errors.New("transaction failed")
)
