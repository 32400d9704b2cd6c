package domain

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// JobState represents the lifecycle state of a job
type JobState string

// Possible job state values
const (
	JobStateActive    JobState = "active"
	JobStateCancelled JobState = "cancelled"
	JobStateFinished  JobState = "finished"
)

// JobType tags what kind of processing graph a job runs
type JobType string

// Known job types
const (
	JobTypeImport JobType = "import"
	JobTypeExport JobType = "export"
	JobTypeBatch  JobType = "batch"
)

var jobValidator = validator.New()

// JobSpec describes a job submission. The Script, when present, becomes the
// job's root task.
type JobSpec struct {
	Name        string            `json:"name" validate:"required,max=255"`
	Type        JobType           `json:"type" validate:"required,oneof=import export batch"`
	PrincipalID uuid.UUID         `json:"principal_id"`
	RootPath    string            `json:"root_path" validate:"max=1024"`
	Args        map[string]any    `json:"args"`
	Env         map[string]string `json:"env"`
	Script      []byte            `json:"script"`
}

// Validate checks the spec against its struct tags and verifies the root
// script, if any, is a JSON document.
func (s *JobSpec) Validate() error {
	if err := jobValidator.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if len(s.Script) > 0 {
		if err := validateScript(s.Script); err != nil {
			return err
		}
	}
	return nil
}

// AssetCounts aggregates the outcome of indexing work done on behalf of a job.
type AssetCounts struct {
	Created  int64 `json:"created"`
	Updated  int64 `json:"updated"`
	Replaced int64 `json:"replaced"`
	Warnings int64 `json:"warnings"`
	Errors   int64 `json:"errors"`
	Total    int64 `json:"total"`
}

// Add returns the field-wise sum of c and o.
func (c AssetCounts) Add(o AssetCounts) AssetCounts {
	return AssetCounts{
		Created:  c.Created + o.Created,
		Updated:  c.Updated + o.Updated,
		Replaced: c.Replaced + o.Replaced,
		Warnings: c.Warnings + o.Warnings,
		Errors:   c.Errors + o.Errors,
		Total:    c.Total + o.Total,
	}
}

// IsZero reports whether every counter is zero.
func (c AssetCounts) IsZero() bool {
	return c == AssetCounts{}
}

// TaskCounts holds the per-state task counters of a job.
// Total must always equal the sum of the per-state counters.
type TaskCounts struct {
	Total   int64 `json:"total"`
	Waiting int64 `json:"waiting"`
	Queued  int64 `json:"queued"`
	Running int64 `json:"running"`
	Success int64 `json:"success"`
	Failure int64 `json:"failure"`
	Skipped int64 `json:"skipped"`
}

// Sum returns the sum of the per-state counters.
func (c TaskCounts) Sum() int64 {
	return c.Waiting + c.Queued + c.Running + c.Success + c.Failure + c.Skipped
}

// Consistent reports whether Total matches the per-state counters.
func (c TaskCounts) Consistent() bool {
	return c.Total == c.Sum()
}

// Complete reports whether every task of the job succeeded or was skipped.
// A job without tasks is never complete.
func (c TaskCounts) Complete() bool {
	return c.Total > 0 && c.Total == c.Success+c.Skipped
}

// Get returns the counter for the given state.
func (c TaskCounts) Get(state TaskState) int64 {
	switch state {
	case TaskStateWaiting:
		return c.Waiting
	case TaskStateQueued:
		return c.Queued
	case TaskStateRunning:
		return c.Running
	case TaskStateSuccess:
		return c.Success
	case TaskStateFailure:
		return c.Failure
	case TaskStateSkipped:
		return c.Skipped
	default:
		return 0
	}
}

// Move returns the counters after one task moved from one state to another.
func (c TaskCounts) Move(from, to TaskState) TaskCounts {
	c.add(from, -1)
	c.add(to, 1)
	return c
}

func (c *TaskCounts) add(state TaskState, delta int64) {
	switch state {
	case TaskStateWaiting:
		c.Waiting += delta
	case TaskStateQueued:
		c.Queued += delta
	case TaskStateRunning:
		c.Running += delta
	case TaskStateSuccess:
		c.Success += delta
	case TaskStateFailure:
		c.Failure += delta
	case TaskStateSkipped:
		c.Skipped += delta
	}
}

// Job is a processing graph submitted by a principal. Its tasks are stored
// separately and reference the job by ID.
type Job struct {
	ID          uuid.UUID         `json:"id"`
	Name        string            `json:"name"`
	Type        JobType           `json:"type"`
	PrincipalID uuid.UUID         `json:"principal_id"`
	State       JobState          `json:"state"`
	RootPath    string            `json:"root_path"`
	Args        map[string]any    `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Assets      AssetCounts       `json:"assets"`
	Tasks       TaskCounts        `json:"tasks"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
	ExpiredAt   *time.Time        `json:"expired_at,omitempty"`
}

// NewJob creates an Active job from a validated spec. Counters start at zero;
// the store is responsible for accounting the root task.
func NewJob(spec JobSpec) (*Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Job{
		ID:          uuid.New(),
		Name:        spec.Name,
		Type:        spec.Type,
		PrincipalID: spec.PrincipalID,
		State:       JobStateActive,
		RootPath:    spec.RootPath,
		Args:        spec.Args,
		Env:         spec.Env,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Validate checks if the Job has valid data.
func (j *Job) Validate() error {
	if j.ID == uuid.Nil {
		return ErrInvalidID
	}
	if !IsValidJobState(j.State) {
		return ErrInvalidJobState
	}
	if !IsValidJobType(j.Type) {
		return ErrInvalidJobType
	}
	return nil
}

// IsValidJobState checks if the given state is a known JobState.
func IsValidJobState(state JobState) bool {
	switch state {
	case JobStateActive, JobStateCancelled, JobStateFinished:
		return true
	default:
		return false
	}
}

// IsValidJobType checks if the given type is a known JobType.
func IsValidJobType(t JobType) bool {
	switch t {
	case JobTypeImport, JobTypeExport, JobTypeBatch:
		return true
	default:
		return false
	}
}
