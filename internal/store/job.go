package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/archivist/internal/domain"
)

// JobFilter narrows ListJobs results.
type JobFilter struct {
	// State limits results to jobs in this state when non-empty.
	State domain.JobState
	// PrincipalID limits results to jobs owned by this principal when non-nil.
	PrincipalID uuid.UUID
	// Limit caps the number of rows returned. Zero means the store default.
	Limit int
}

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	// States limits results to tasks in any of these states when non-empty.
	States []domain.TaskState
	// Limit caps the number of rows returned. Zero means the store default.
	Limit int
}

// DefaultListLimit is applied when a filter does not specify a limit.
const DefaultListLimit = 100

// JobStore defines the interface for job and task persistence.
// All methods must be safe for concurrent use.
// Version: 1.0
type JobStore interface {
	// CreateJob allocates an ID, inserts the job, its zeroed counters and,
	// when the spec carries a script, the Waiting root task. All rows are
	// written in a single unit of work.
	CreateJob(ctx context.Context, spec domain.JobSpec) (*domain.Job, error)

	// GetJob retrieves a job with its counters.
	// Returns ErrJobNotFound if the job does not exist.
	GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// ListJobs returns jobs newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error)

	// SetJobState moves a job from expected to state.
	// Returns false without error when the job is not in the expected state.
	SetJobState(ctx context.Context, id uuid.UUID, state, expected domain.JobState) (bool, error)

	// FinishJob moves an Active job to Finished when every task succeeded
	// or was skipped. Returns true only for the caller that performed the
	// transition.
	FinishJob(ctx context.Context, id uuid.UUID) (bool, error)

	// IncrementJobStats adds the given deltas to the job's asset counters.
	IncrementJobStats(ctx context.Context, id uuid.UUID, delta domain.AssetCounts) error

	// ExpireJobs soft-expires up to limit Finished jobs whose finish time is
	// older than olderThan, purging their tasks. Returns the number expired.
	ExpireJobs(ctx context.Context, olderThan time.Duration, limit int) (int, error)

	// CreateTask inserts a Waiting task and increments the job's total and
	// waiting counters in the same unit of work.
	// Returns ErrJobNotFound if the job does not exist.
	CreateTask(ctx context.Context, jobID uuid.UUID, spec domain.TaskSpec) (*domain.Task, error)

	// GetTask retrieves a task by ID.
	// Returns ErrTaskNotFound if the task does not exist.
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// ListTasks returns the tasks of a job oldest first.
	ListTasks(ctx context.Context, jobID uuid.UUID, filter TaskFilter) ([]*domain.Task, error)

	// SetTaskState moves a task from expected to state. On success it stamps
	// the state change time (and start or stop time where applicable), moves
	// one unit between the job's per-state counters and, for terminal states,
	// releases every waiting task gated on this task or its parent.
	// Returns false without error when the persisted state is not expected.
	SetTaskState(ctx context.Context, id uuid.UUID, state, expected domain.TaskState) (bool, error)

	// IncrementDependCount raises the task's fan-in gate by delta and, if the
	// task has a depend parent, the parent's gate as well.
	IncrementDependCount(ctx context.Context, id uuid.UUID, delta int) error

	// DecrementDependCount lowers the task's fan-in gate by delta and, if the
	// task has a depend parent, the parent's gate as well. Gates never drop
	// below zero.
	DecrementDependCount(ctx context.Context, id uuid.UUID, delta int) error

	// AdjustDependents changes the fan-in gate of every waiting task whose
	// depend parent is id by delta, clamping at zero.
	AdjustDependents(ctx context.Context, id uuid.UUID, delta int) error

	// GetWaitingSchedulable returns up to limit Waiting tasks with an open
	// gate that belong to Active jobs, oldest first.
	GetWaitingSchedulable(ctx context.Context, limit int) ([]*domain.Task, error)

	// GetOrphanTasks returns up to limit Queued or Running tasks whose last
	// state change is older than olderThan, oldest first.
	GetOrphanTasks(ctx context.Context, limit int, olderThan time.Duration) ([]*domain.Task, error)

	// SetHost records the worker a task was dispatched to.
	SetHost(ctx context.Context, id uuid.UUID, host string) error

	// SetExitStatus records the exit status reported for a task.
	SetExitStatus(ctx context.Context, id uuid.UUID, code int) error
}
