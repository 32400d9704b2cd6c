package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/archivist/internal/domain"
	"github.com/phrazzld/archivist/internal/events"
	"github.com/phrazzld/archivist/internal/store"
)

// JobService is the administrative surface over jobs and tasks.
type JobService interface {
	// Submit creates a job and, when the spec carries a script, its root task.
	Submit(ctx context.Context, spec domain.JobSpec) (*domain.Job, error)

	// GetJob returns a job with its counters.
	GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// ListJobs returns jobs newest first.
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*domain.Job, error)

	// CancelJob stops scheduling the tasks of an active job. Tasks already
	// in flight run to completion.
	CancelJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// RestartJob makes a cancelled job active again.
	RestartJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// GetTask returns a single task.
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// ListTasks returns the tasks of a job oldest first.
	ListTasks(ctx context.Context, jobID uuid.UUID, filter store.TaskFilter) ([]*domain.Task, error)

	// RetryTask returns a failed task to waiting and re-closes the gates its
	// failure opened.
	RetryTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// SkipTask marks a waiting task skipped, which counts as done for gating
	// and job completion.
	SkipTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// ListOrphans returns queued or running tasks that have not changed
	// state for longer than olderThan.
	ListOrphans(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Task, error)
}

type jobServiceImpl struct {
	store   store.JobStore
	emitter events.EventEmitter
	trigger func()
	logger  *slog.Logger
}

var _ JobService = (*jobServiceImpl)(nil)

// NewJobService creates a JobService. trigger, which may be nil, is called
// whenever an operation may have made tasks schedulable.
func NewJobService(s store.JobStore, emitter events.EventEmitter, trigger func(), logger *slog.Logger) (JobService, error) {
	if s == nil {
		return nil, &JobServiceError{Operation: "create_service", Message: "store cannot be nil"}
	}
	if emitter == nil {
		return nil, &JobServiceError{Operation: "create_service", Message: "emitter cannot be nil"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if trigger == nil {
		trigger = func() {}
	}
	return &jobServiceImpl{
		store:   s,
		emitter: emitter,
		trigger: trigger,
		logger:  logger.With("component", "job_service"),
	}, nil
}

func (s *jobServiceImpl) Submit(ctx context.Context, spec domain.JobSpec) (*domain.Job, error) {
	job, err := s.store.CreateJob(ctx, spec)
	if err != nil {
		s.logger.Warn("failed to create job", "name", spec.Name, "type", spec.Type, "error", err)
		return nil, NewJobServiceError("submit_job", "failed to create job", err)
	}
	s.logger.Info("job submitted",
		"job_id", job.ID,
		"type", job.Type,
		"principal_id", job.PrincipalID,
		"tasks", job.Tasks.Total)
	if job.Tasks.Waiting > 0 {
		s.trigger()
	}
	return job, nil
}

func (s *jobServiceImpl) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, NewJobServiceError("get_job", "failed to load job", err)
	}
	return job, nil
}

func (s *jobServiceImpl) ListJobs(ctx context.Context, filter store.JobFilter) ([]*domain.Job, error) {
	if filter.State != "" && !domain.IsValidJobState(filter.State) {
		return nil, NewJobServiceError("list_jobs", "invalid state filter", domain.ErrInvalidJobState)
	}
	jobs, err := s.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, NewJobServiceError("list_jobs", "failed to list jobs", err)
	}
	return jobs, nil
}

func (s *jobServiceImpl) CancelJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	job, err := s.transitionJob(ctx, "cancel_job", id, domain.JobStateCancelled, domain.JobStateActive)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, events.JobCancelled, job)
	return job, nil
}

func (s *jobServiceImpl) RestartJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	job, err := s.transitionJob(ctx, "restart_job", id, domain.JobStateActive, domain.JobStateCancelled)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, events.JobRestarted, job)

	// Tasks that completed while the job was cancelled may already have
	// made it complete.
	if finished, err := s.finish(ctx, "restart_job", id); err != nil {
		return nil, err
	} else if finished != nil {
		return finished, nil
	}

	s.trigger()
	return job, nil
}

func (s *jobServiceImpl) transitionJob(
	ctx context.Context,
	op string,
	id uuid.UUID,
	state, expected domain.JobState,
) (*domain.Job, error) {
	ok, err := s.store.SetJobState(ctx, id, state, expected)
	if err != nil {
		return nil, NewJobServiceError(op, "failed to change job state", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: job %s is not %s", ErrInvalidTransition, id, expected)
	}
	s.logger.Info("job state changed", "job_id", id, "from", expected, "to", state)

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, NewJobServiceError(op, "failed to reload job", err)
	}
	return job, nil
}

func (s *jobServiceImpl) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, NewJobServiceError("get_task", "failed to load task", err)
	}
	return task, nil
}

func (s *jobServiceImpl) ListTasks(ctx context.Context, jobID uuid.UUID, filter store.TaskFilter) ([]*domain.Task, error) {
	for _, st := range filter.States {
		if !domain.IsValidTaskState(st) {
			return nil, NewJobServiceError("list_tasks", "invalid state filter", domain.ErrInvalidTaskState)
		}
	}
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, NewJobServiceError("list_tasks", "failed to load job", err)
	}
	tasks, err := s.store.ListTasks(ctx, jobID, filter)
	if err != nil {
		return nil, NewJobServiceError("list_tasks", "failed to list tasks", err)
	}
	return tasks, nil
}

func (s *jobServiceImpl) RetryTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, NewJobServiceError("retry_task", "failed to load task", err)
	}

	ok, err := s.store.SetTaskState(ctx, id, domain.TaskStateWaiting, domain.TaskStateFailure)
	if err != nil {
		return nil, NewJobServiceError("retry_task", "failed to change task state", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: task %s is not %s", ErrInvalidTransition, id, domain.TaskStateFailure)
	}

	// The failure released gates waiting on this task and on its parent.
	if err := s.store.AdjustDependents(ctx, id, 1); err != nil {
		return nil, NewJobServiceError("retry_task", "failed to re-gate dependents", err)
	}
	if task.ParentID.Valid {
		if err := s.store.AdjustDependents(ctx, task.ParentID.UUID, 1); err != nil {
			return nil, NewJobServiceError("retry_task", "failed to re-gate siblings", err)
		}
	}

	s.logger.Info("task retried", "task_id", id, "job_id", task.JobID)
	s.trigger()
	return s.GetTask(ctx, id)
}

func (s *jobServiceImpl) SkipTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	ok, err := s.store.SetTaskState(ctx, id, domain.TaskStateSkipped, domain.TaskStateWaiting)
	if err != nil {
		return nil, NewJobServiceError("skip_task", "failed to change task state", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: task %s is not %s", ErrInvalidTransition, id, domain.TaskStateWaiting)
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("task skipped", "task_id", id, "job_id", task.JobID)

	if _, err := s.finish(ctx, "skip_task", task.JobID); err != nil {
		return nil, err
	}
	s.trigger()
	return task, nil
}

func (s *jobServiceImpl) ListOrphans(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Task, error) {
	if olderThan < 0 {
		return nil, fmt.Errorf("%w: negative age", ErrInvalidRequest)
	}
	tasks, err := s.store.GetOrphanTasks(ctx, limit, olderThan)
	if err != nil {
		return nil, NewJobServiceError("list_orphans", "failed to list orphaned tasks", err)
	}
	return tasks, nil
}

// finish attempts to complete the job and returns it when this call won.
func (s *jobServiceImpl) finish(ctx context.Context, op string, jobID uuid.UUID) (*domain.Job, error) {
	won, err := s.store.FinishJob(ctx, jobID)
	if err != nil {
		return nil, NewJobServiceError(op, "failed to check job completion", err)
	}
	if !won {
		return nil, nil
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, NewJobServiceError(op, "failed to reload job", err)
	}
	s.logger.Info("job finished", "job_id", jobID)
	s.emit(ctx, events.JobFinished, job)
	return job, nil
}

func (s *jobServiceImpl) emit(ctx context.Context, eventType string, job *domain.Job) {
	event, err := events.NewJobEvent(eventType, job.ID, job)
	if err != nil {
		s.logger.Error("failed to build job event", "type", eventType, "job_id", job.ID, "error", err)
		return
	}
	if err := s.emitter.EmitEvent(ctx, event); err != nil {
		s.logger.Error("job event handler failed", "type", eventType, "job_id", job.ID, "error", err)
	}
}
