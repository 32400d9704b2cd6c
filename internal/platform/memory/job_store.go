// Package memory provides an in-process implementation of store.JobStore.
// Every operation runs under a single mutex, which makes each call one
// atomic unit of work with the same observable semantics as the PostgreSQL
// store. It backs tests and the "memory" database driver.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/archivist/internal/domain"
	"github.com/phrazzld/archivist/internal/platform/logger"
	"github.com/phrazzld/archivist/internal/store"
)

// taskRecord pairs a task with its insertion sequence so that ordering by
// creation is stable even when timestamps collide.
type taskRecord struct {
	task *domain.Task
	seq  uint64
}

// JobStore implements store.JobStore in memory.
type JobStore struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*domain.Job
	tasks  map[uuid.UUID]*taskRecord
	byJob  map[uuid.UUID][]uuid.UUID
	seq    uint64
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a JobStore.
type Option func(*JobStore)

// WithClock replaces the time source. Tests use it to age tasks.
func WithClock(now func() time.Time) Option {
	return func(s *JobStore) { s.now = now }
}

// NewJobStore creates an empty JobStore.
func NewJobStore(l *slog.Logger, opts ...Option) *JobStore {
	if l == nil {
		l = slog.Default()
	}
	s := &JobStore{
		jobs:   make(map[uuid.UUID]*domain.Job),
		tasks:  make(map[uuid.UUID]*taskRecord),
		byJob:  make(map[uuid.UUID][]uuid.UUID),
		now:    func() time.Time { return time.Now().UTC() },
		logger: l.With(slog.String("component", "memory_job_store")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.JobStore = (*JobStore)(nil)

// CreateJob implements store.JobStore.
func (s *JobStore) CreateJob(ctx context.Context, spec domain.JobSpec) (*domain.Job, error) {
	job, err := domain.NewJob(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	var root *domain.Task
	if len(spec.Script) > 0 {
		root, err = domain.NewTask(job.ID, domain.TaskSpec{Name: "root", Script: spec.Script})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	job.CreatedAt, job.UpdatedAt = now, now
	s.jobs[job.ID] = job
	if root != nil {
		s.insertTaskLocked(job, root)
	}

	logger.FromContextOrDefault(ctx, s.logger).Debug("job created",
		slog.String("job_id", job.ID.String()),
		slog.Bool("has_root", root != nil))

	return cloneJob(job), nil
}

// GetJob implements store.JobStore.
func (s *JobStore) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return cloneJob(job), nil
}

// ListJobs implements store.JobStore.
func (s *JobStore) ListJobs(ctx context.Context, filter store.JobFilter) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Job, 0)
	for _, job := range s.jobs {
		if filter.State != "" && job.State != filter.State {
			continue
		}
		if filter.PrincipalID != uuid.Nil && job.PrincipalID != filter.PrincipalID {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return truncate(out, limitOrDefault(filter.Limit)), nil
}

// SetJobState implements store.JobStore.
func (s *JobStore) SetJobState(
	ctx context.Context,
	id uuid.UUID,
	state, expected domain.JobState,
) (bool, error) {
	if !domain.IsValidJobState(state) || !domain.IsValidJobState(expected) {
		return false, domain.ErrInvalidJobState
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, store.ErrJobNotFound
	}
	if job.State != expected {
		return false, nil
	}

	now := s.now()
	job.State = state
	job.UpdatedAt = now
	switch state {
	case domain.JobStateFinished:
		job.FinishedAt = &now
	case domain.JobStateActive:
		job.FinishedAt = nil
	}
	return true, nil
}

// FinishJob implements store.JobStore.
func (s *JobStore) FinishJob(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, store.ErrJobNotFound
	}
	if job.State != domain.JobStateActive || !job.Tasks.Complete() {
		return false, nil
	}

	now := s.now()
	job.State = domain.JobStateFinished
	job.FinishedAt = &now
	job.UpdatedAt = now
	return true, nil
}

// IncrementJobStats implements store.JobStore.
func (s *JobStore) IncrementJobStats(ctx context.Context, id uuid.UUID, delta domain.AssetCounts) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return store.ErrJobNotFound
	}
	job.Assets = job.Assets.Add(delta)
	job.UpdatedAt = s.now()
	return nil
}

// ExpireJobs implements store.JobStore.
func (s *JobStore) ExpireJobs(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	candidates := make([]*domain.Job, 0)
	for _, job := range s.jobs {
		if job.State == domain.JobStateFinished && job.ExpiredAt == nil &&
			job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			candidates = append(candidates, job)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].FinishedAt.Before(*candidates[j].FinishedAt)
	})
	candidates = truncate(candidates, limitOrDefault(limit))

	now := s.now()
	for _, job := range candidates {
		job.ExpiredAt = &now
		for _, taskID := range s.byJob[job.ID] {
			delete(s.tasks, taskID)
		}
		delete(s.byJob, job.ID)
	}
	return len(candidates), nil
}

// CreateTask implements store.JobStore.
func (s *JobStore) CreateTask(ctx context.Context, jobID uuid.UUID, spec domain.TaskSpec) (*domain.Task, error) {
	task, err := domain.NewTask(jobID, spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	s.insertTaskLocked(job, task)
	return task.Clone(), nil
}

// GetTask implements store.JobStore.
func (s *JobStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return rec.task.Clone(), nil
}

// ListTasks implements store.JobStore.
func (s *JobStore) ListTasks(ctx context.Context, jobID uuid.UUID, filter store.TaskFilter) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return nil, store.ErrJobNotFound
	}

	limit := limitOrDefault(filter.Limit)
	out := make([]*domain.Task, 0)
	for _, id := range s.byJob[jobID] {
		t := s.tasks[id].task
		if len(filter.States) > 0 && !containsState(filter.States, t.State) {
			continue
		}
		out = append(out, t.Clone())
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// SetTaskState implements store.JobStore.
func (s *JobStore) SetTaskState(
	ctx context.Context,
	id uuid.UUID,
	state, expected domain.TaskState,
) (bool, error) {
	if !domain.IsValidTaskState(state) || !domain.IsValidTaskState(expected) {
		return false, domain.ErrInvalidTaskState
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return false, store.ErrTaskNotFound
	}
	task := rec.task
	if task.State != expected {
		return false, nil
	}

	now := s.now()
	task.State = state
	task.StateChangedAt = now
	switch {
	case state == domain.TaskStateRunning:
		task.StartedAt = &now
	case state.IsTerminal():
		task.StoppedAt = &now
	}

	job := s.jobs[task.JobID]
	job.Tasks = job.Tasks.Move(expected, state)
	job.UpdatedAt = now

	if state.IsTerminal() && !expected.IsTerminal() {
		s.adjustDependentsLocked(task.ID, -1)
		if task.ParentID.Valid {
			s.adjustDependentsLocked(task.ParentID.UUID, -1)
		}
	}
	return true, nil
}

// IncrementDependCount implements store.JobStore.
func (s *JobStore) IncrementDependCount(ctx context.Context, id uuid.UUID, delta int) error {
	return s.adjustGate(id, delta)
}

// DecrementDependCount implements store.JobStore.
func (s *JobStore) DecrementDependCount(ctx context.Context, id uuid.UUID, delta int) error {
	return s.adjustGate(id, -delta)
}

// AdjustDependents implements store.JobStore.
func (s *JobStore) AdjustDependents(ctx context.Context, id uuid.UUID, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.adjustDependentsLocked(id, delta)
	return nil
}

// GetWaitingSchedulable implements store.JobStore.
func (s *JobStore) GetWaitingSchedulable(ctx context.Context, limit int) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.collectLocked(limit, func(t *domain.Task) bool {
		job := s.jobs[t.JobID]
		return t.Schedulable() && job != nil && job.State == domain.JobStateActive
	}), nil
}

// GetOrphanTasks implements store.JobStore.
func (s *JobStore) GetOrphanTasks(ctx context.Context, limit int, olderThan time.Duration) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	return s.collectLocked(limit, func(t *domain.Task) bool {
		inFlight := t.State == domain.TaskStateQueued || t.State == domain.TaskStateRunning
		return inFlight && (olderThan == 0 || t.StateChangedAt.Before(cutoff))
	}), nil
}

// SetHost implements store.JobStore.
func (s *JobStore) SetHost(ctx context.Context, id uuid.UUID, host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	rec.task.Host = host
	return nil
}

// SetExitStatus implements store.JobStore.
func (s *JobStore) SetExitStatus(ctx context.Context, id uuid.UUID, code int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	rec.task.ExitStatus = &code
	return nil
}

func (s *JobStore) insertTaskLocked(job *domain.Job, task *domain.Task) {
	now := s.now()
	task.CreatedAt, task.StateChangedAt = now, now

	s.seq++
	s.tasks[task.ID] = &taskRecord{task: task, seq: s.seq}
	s.byJob[job.ID] = append(s.byJob[job.ID], task.ID)

	job.Tasks.Total++
	job.Tasks.Waiting++
	job.UpdatedAt = now
}

func (s *JobStore) adjustGate(id uuid.UUID, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	rec.task.DependCount = clampAdd(rec.task.DependCount, delta)
	if rec.task.DependParentID.Valid {
		if parent, ok := s.tasks[rec.task.DependParentID.UUID]; ok {
			parent.task.DependCount = clampAdd(parent.task.DependCount, delta)
		}
	}
	return nil
}

func (s *JobStore) adjustDependentsLocked(id uuid.UUID, delta int) {
	for _, rec := range s.tasks {
		t := rec.task
		if t.State == domain.TaskStateWaiting && t.DependParentID.Valid && t.DependParentID.UUID == id {
			t.DependCount = clampAdd(t.DependCount, delta)
		}
	}
}

// collectLocked returns clones of matching tasks oldest first.
func (s *JobStore) collectLocked(limit int, match func(*domain.Task) bool) []*domain.Task {
	matched := make([]*taskRecord, 0)
	for _, rec := range s.tasks {
		if match(rec.task) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	matched = truncate(matched, limitOrDefault(limit))

	out := make([]*domain.Task, len(matched))
	for i, rec := range matched {
		out[i] = rec.task.Clone()
	}
	return out
}

func clampAdd(v, delta int) int {
	if v+delta < 0 {
		return 0
	}
	return v + delta
}

func containsState(states []domain.TaskState, s domain.TaskState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return store.DefaultListLimit
	}
	return limit
}

func truncate[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func cloneJob(j *domain.Job) *domain.Job {
	c := *j
	if j.Args != nil {
		c.Args = make(map[string]any, len(j.Args))
		for k, v := range j.Args {
			c.Args[k] = v
		}
	}
	if j.Env != nil {
		c.Env = make(map[string]string, len(j.Env))
		for k, v := range j.Env {
			c.Env[k] = v
		}
	}
	if j.FinishedAt != nil {
		v := *j.FinishedAt
		c.FinishedAt = &v
	}
	if j.ExpiredAt != nil {
		v := *j.ExpiredAt
		c.ExpiredAt = &v
	}
	return &c
}
