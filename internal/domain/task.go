package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskState represents the lifecycle state of a task
type TaskState string

// Possible task state values. Skipped is only reachable by explicit
// cancellation of a waiting task.
const (
	TaskStateWaiting TaskState = "waiting"
	TaskStateQueued  TaskState = "queued"
	TaskStateRunning TaskState = "running"
	TaskStateSuccess TaskState = "success"
	TaskStateFailure TaskState = "failure"
	TaskStateSkipped TaskState = "skipped"
)

// TaskStates lists every task state in lifecycle order.
var TaskStates = []TaskState{
	TaskStateWaiting,
	TaskStateQueued,
	TaskStateRunning,
	TaskStateSuccess,
	TaskStateFailure,
	TaskStateSkipped,
}

// IsTerminal reports whether no further transitions are expected from s.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateSuccess, TaskStateFailure, TaskStateSkipped:
		return true
	default:
		return false
	}
}

// IsValidTaskState checks if the given state is a known TaskState.
func IsValidTaskState(state TaskState) bool {
	for _, s := range TaskStates {
		if s == state {
			return true
		}
	}
	return false
}

// TaskSpec describes a task to be created within an existing job.
type TaskSpec struct {
	Name           string
	Script         []byte
	ParentID       uuid.NullUUID
	DependParentID uuid.NullUUID
	DependCount    int
}

// Validate checks the spec before it is persisted.
func (s *TaskSpec) Validate() error {
	if err := validateScript(s.Script); err != nil {
		return err
	}
	if s.DependCount < 0 {
		return ErrNegativeDependCount
	}
	return nil
}

// Task is a single unit of work within a job. The script is opaque to the
// scheduler and forwarded to workers unchanged.
type Task struct {
	ID             uuid.UUID       `json:"id"`
	JobID          uuid.UUID       `json:"job_id"`
	ParentID       uuid.NullUUID   `json:"parent_id"`
	DependParentID uuid.NullUUID   `json:"depend_parent_id"`
	DependCount    int             `json:"depend_count"`
	Name           string          `json:"name"`
	State          TaskState       `json:"state"`
	Script         json.RawMessage `json:"script"`
	Host           string          `json:"host,omitempty"`
	ExitStatus     *int            `json:"exit_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	StoppedAt      *time.Time      `json:"stopped_at,omitempty"`
	StateChangedAt time.Time       `json:"state_changed_at"`
}

// NewTask creates a Waiting task for the given job from a validated spec.
func NewTask(jobID uuid.UUID, spec TaskSpec) (*Task, error) {
	if jobID == uuid.Nil {
		return nil, ErrInvalidID
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Task{
		ID:             uuid.New(),
		JobID:          jobID,
		ParentID:       spec.ParentID,
		DependParentID: spec.DependParentID,
		DependCount:    spec.DependCount,
		Name:           spec.Name,
		State:          TaskStateWaiting,
		Script:         json.RawMessage(spec.Script),
		CreatedAt:      now,
		StateChangedAt: now,
	}, nil
}

// Schedulable reports whether the task itself is eligible for dispatch.
// The owning job must additionally be active.
func (t *Task) Schedulable() bool {
	return t.State == TaskStateWaiting && t.DependCount == 0
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Script = append(json.RawMessage(nil), t.Script...)
	if t.ExitStatus != nil {
		v := *t.ExitStatus
		c.ExitStatus = &v
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.StoppedAt != nil {
		v := *t.StoppedAt
		c.StoppedAt = &v
	}
	return &c
}

func validateScript(script []byte) error {
	if len(script) == 0 || !json.Valid(script) {
		return ErrInvalidScript
	}
	return nil
}
