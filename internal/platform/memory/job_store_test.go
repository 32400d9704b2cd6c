package memory

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/archivist/internal/domain"
	"github.com/phrazzld/archivist/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*JobStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return NewJobStore(slog.New(slog.NewTextHandler(io.Discard, nil)), WithClock(clock.Now)), clock
}

func jobSpec(script string) domain.JobSpec {
	spec := domain.JobSpec{Name: "ingest", Type: domain.JobTypeImport, RootPath: "/vol/media"}
	if script != "" {
		spec.Script = []byte(script)
	}
	return spec
}

func taskSpec() domain.TaskSpec {
	return domain.TaskSpec{Name: "child", Script: []byte(`{"op":"scan"}`)}
}

func TestCreateJob_WithRootTask(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, jobSpec(`{"op":"walk"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateActive, job.State)
	assert.Equal(t, int64(1), job.Tasks.Total)
	assert.Equal(t, int64(1), job.Tasks.Waiting)

	tasks, err := s.ListTasks(ctx, job.ID, store.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "root", tasks[0].Name)
	assert.Equal(t, domain.TaskStateWaiting, tasks[0].State)
}

func TestCreateJob_WithoutRootTask(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	job, err := s.CreateJob(context.Background(), jobSpec(""))
	require.NoError(t, err)
	assert.Zero(t, job.Tasks.Total)

	_, err = s.CreateJob(context.Background(), domain.JobSpec{Name: "", Type: domain.JobTypeImport})
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
}

func TestCreateTask_UnknownJob(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	_, err := s.CreateTask(context.Background(), uuid.New(), taskSpec())
	assert.ErrorIs(t, err, store.ErrJobNotFound)

	_, err = s.GetTask(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestSetTaskState_CASExclusivity(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, jobSpec(`{}`))
	require.NoError(t, err)
	tasks, err := s.ListTasks(ctx, job.ID, store.TaskFilter{})
	require.NoError(t, err)
	taskID := tasks[0].ID

	const attempts = 50
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.SetTaskState(ctx, taskID, domain.TaskStateQueued, domain.TaskStateWaiting)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Tasks.Waiting)
	assert.Equal(t, int64(1), got.Tasks.Queued)
	assert.True(t, got.Tasks.Consistent())
}

func TestSetTaskState_Timestamps(t *testing.T) {
	t.Parallel()
	s, clock := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, jobSpec(""))
	require.NoError(t, err)
	task, err := s.CreateTask(ctx, job.ID, taskSpec())
	require.NoError(t, err)

	clock.Advance(time.Second)
	ok, err := s.SetTaskState(ctx, task.ID, domain.TaskStateRunning, domain.TaskStateWaiting)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(time.Second)
	ok, err = s.SetTaskState(ctx, task.ID, domain.TaskStateSuccess, domain.TaskStateRunning)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.StoppedAt)
	assert.Equal(t, time.Second, got.StoppedAt.Sub(*got.StartedAt))
	assert.Equal(t, *got.StoppedAt, got.StateChangedAt)

	ok, err = s.SetTaskState(ctx, task.ID, domain.TaskStateFailure, domain.TaskStateRunning)
	require.NoError(t, err)
	assert.False(t, ok, "stale expected state must lose")

	_, err = s.SetTaskState(ctx, task.ID, "bogus", domain.TaskStateSuccess)
	assert.ErrorIs(t, err, domain.ErrInvalidTaskState)
}

func TestDependencyGating(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, jobSpec(""))
	require.NoError(t, err)

	spec := taskSpec()
	spec.DependCount = 3
	gated, err := s.CreateTask(ctx, job.ID, spec)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ready, err := s.GetWaitingSchedulable(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, ready, "gate still closed after %d decrements", i)
		require.NoError(t, s.DecrementDependCount(ctx, gated.ID, 1))
	}

	ready, err := s.GetWaitingSchedulable(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, gated.ID, ready[0].ID)

	require.NoError(t, s.DecrementDependCount(ctx, gated.ID, 5))
	got, err := s.GetTask(ctx, gated.ID)
	require.NoError(t, err)
	assert.Zero(t, got.DependCount, "gate never drops below zero")
}

func TestDependCount_PropagatesToDependParent(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, jobSpec(""))
	require.NoError(t, err)
	parent, err := s.CreateTask(ctx, job.ID, taskSpec())
	require.NoError(t, err)

	spec := taskSpec()
	spec.DependParentID = uuid.NullUUID{UUID: parent.ID, Valid: true}
	child, err := s.CreateTask(ctx, job.ID, spec)
	require.NoError(t, err)

	require.NoError(t, s.IncrementDependCount(ctx, child.ID, 2))

	gotChild, err := s.GetTask(ctx, child.ID)
	require.NoError(t, err)
	gotParent, err := s.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, gotChild.DependCount)
	assert.Equal(t, 2, gotParent.DependCount)
}

func TestTerminalTransitionReleasesDependents(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, jobSpec(`{}`))
	require.NoError(t, err)
	roots, err := s.ListTasks(ctx, job.ID, store.TaskFilter{})
	require.NoError(t, err)
	root := roots[0]
	parentRef := uuid.NullUUID{UUID: root.ID, Valid: true}

	var children []*domain.Task
	for i := 0; i < 2; i++ {
		spec := taskSpec()
		spec.ParentID = parentRef
		c, err := s.CreateTask(ctx, job.ID, spec)
		require.NoError(t, err)
		children = append(children, c)
	}
	gateSpec := taskSpec()
	gateSpec.Name = "reduce"
	gateSpec.ParentID = parentRef
	gateSpec.DependParentID = parentRef
	gateSpec.DependCount = len(children) + 1
	gate, err := s.CreateTask(ctx, job.ID, gateSpec)
	require.NoError(t, err)

	finish := func(id uuid.UUID) {
		t.Helper()
		ok, err := s.SetTaskState(ctx, id, domain.TaskStateRunning, domain.TaskStateWaiting)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.SetTaskState(ctx, id, domain.TaskStateSuccess, domain.TaskStateRunning)
		require.NoError(t, err)
		require.True(t, ok)
	}

	finish(root.ID)
	finish(children[0].ID)
	got, err := s.GetTask(ctx, gate.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.DependCount)

	finish(children[1].ID)
	got, err = s.GetTask(ctx, gate.ID)
	require.NoError(t, err)
	assert.Zero(t, got.DependCount)
	assert.True(t, got.Schedulable())
}

func TestAdjustDependents(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, jobSpec(""))
	require.NoError(t, err)
	anchor, err := s.CreateTask(ctx, job.ID, taskSpec())
	require.NoError(t, err)

	spec := taskSpec()
	spec.DependParentID = uuid.NullUUID{UUID: anchor.ID, Valid: true}
	dep, err := s.CreateTask(ctx, job.ID, spec)
	require.NoError(t, err)

	require.NoError(t, s.AdjustDependents(ctx, anchor.ID, 2))
	got, err := s.GetTask(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.DependCount)

	require.NoError(t, s.AdjustDependents(ctx, anchor.ID, -5))
	got, err = s.GetTask(ctx, dep.ID)
	require.NoError(t, err)
	assert.Zero(t, got.DependCount)
}

func TestGetWaitingSchedulable_ActiveJobsOldestFirst(t *testing.T) {
	t.Parallel()
	s, clock := newTestStore(t)
	ctx := context.Background()

	active, err := s.CreateJob(ctx, jobSpec(""))
	require.NoError(t, err)
	cancelled, err := s.CreateJob(ctx, jobSpec(""))
	require.NoError(t, err)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		clock.Advance(time.Millisecond)
		task, err := s.CreateTask(ctx, active.ID, taskSpec())
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}
	_, err = s.CreateTask(ctx, cancelled.ID, taskSpec())
	require.NoError(t, err)

	ok, err := s.SetJobState(ctx, cancelled.ID, domain.JobStateCancelled, domain.JobStateActive)
	require.NoError(t, err)
	require.True(t, ok)

	ready, err := s.GetWaitingSchedulable(ctx, 2)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, ids[0], ready[0].ID)
	assert.Equal(t, ids[1], ready[1].ID)

	ready, err = s.GetWaitingSchedulable(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, ready, 3, "cancelled job tasks are excluded")
}

func TestCounterInvariant_RandomSequence(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	var jobIDs []uuid.UUID
	for i := 0; i < 3; i++ {
		job, err := s.CreateJob(ctx, jobSpec(`{}`))
		require.NoError(t, err)
		jobIDs = append(jobIDs, job.ID)
	}

	var taskIDs []uuid.UUID
	for _, id := range jobIDs {
		tasks, err := s.ListTasks(ctx, id, store.TaskFilter{})
		require.NoError(t, err)
		taskIDs = append(taskIDs, tasks[0].ID)
	}

	for i := 0; i < 500; i++ {
		if rng.Intn(4) == 0 {
			task, err := s.CreateTask(ctx, jobIDs[rng.Intn(len(jobIDs))], taskSpec())
			require.NoError(t, err)
			taskIDs = append(taskIDs, task.ID)
			continue
		}
		id := taskIDs[rng.Intn(len(taskIDs))]
		from := domain.TaskStates[rng.Intn(len(domain.TaskStates))]
		to := domain.TaskStates[rng.Intn(len(domain.TaskStates))]
		_, err := s.SetTaskState(ctx, id, to, from)
		require.NoError(t, err)
	}

	for _, id := range jobIDs {
		job, err := s.GetJob(ctx, id)
		require.NoError(t, err)
		assert.True(t, job.Tasks.Consistent(), "job %s counters %+v", id, job.Tasks)

		tasks, err := s.ListTasks(ctx, id, store.TaskFilter{Limit: 1000})
		require.NoError(t, err)
		for _, state := range domain.TaskStates {
			var n int64
			for _, task := range tasks {
				if task.State == state {
					n++
				}
			}
			assert.Equal(t, n, job.Tasks.Get(state), "state %s", state)
		}
	}
}

func TestGetOrphanTasks(t *testing.T) {
	t.Parallel()
	s, clock := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, jobSpec(""))
	require.NoError(t, err)
	queued, err := s.CreateTask(ctx, job.ID, taskSpec())
	require.NoError(t, err)
	running, err := s.CreateTask(ctx, job.ID, taskSpec())
	require.NoError(t, err)
	_, err = s.CreateTask(ctx, job.ID, taskSpec())
	require.NoError(t, err)

	_, err = s.SetTaskState(ctx, queued.ID, domain.TaskStateQueued, domain.TaskStateWaiting)
	require.NoError(t, err)
	_, err = s.SetTaskState(ctx, running.ID, domain.TaskStateRunning, domain.TaskStateWaiting)
	require.NoError(t, err)

	orphans, err := s.GetOrphanTasks(ctx, 10, 30*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	clock.Advance(31 * time.Minute)
	orphans, err = s.GetOrphanTasks(ctx, 10, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, orphans, 2)
	assert.Equal(t, queued.ID, orphans[0].ID)
	assert.Equal(t, running.ID, orphans[1].ID)
}

func TestFinishJob(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	empty, err := s.CreateJob(ctx, jobSpec(""))
	require.NoError(t, err)
	ok, err := s.FinishJob(ctx, empty.ID)
	require.NoError(t, err)
	assert.False(t, ok, "a job without tasks never finishes")

	job, err := s.CreateJob(ctx, jobSpec(`{}`))
	require.NoError(t, err)
	tasks, err := s.ListTasks(ctx, job.ID, store.TaskFilter{})
	require.NoError(t, err)
	skipped, err := s.CreateTask(ctx, job.ID, taskSpec())
	require.NoError(t, err)

	_, err = s.SetTaskState(ctx, tasks[0].ID, domain.TaskStateRunning, domain.TaskStateWaiting)
	require.NoError(t, err)
	_, err = s.SetTaskState(ctx, tasks[0].ID, domain.TaskStateSuccess, domain.TaskStateRunning)
	require.NoError(t, err)

	ok, err = s.FinishJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.SetTaskState(ctx, skipped.ID, domain.TaskStateSkipped, domain.TaskStateWaiting)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := s.FinishJob(ctx, job.ID); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFinished, got.State)
	assert.NotNil(t, got.FinishedAt)
}

func TestSetJobState_RestartClearsFinish(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, jobSpec(""))
	require.NoError(t, err)

	ok, err := s.SetJobState(ctx, job.ID, domain.JobStateCancelled, domain.JobStateFinished)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.SetJobState(ctx, job.ID, domain.JobStateCancelled, domain.JobStateActive)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetJobState(ctx, job.ID, domain.JobStateActive, domain.JobStateCancelled)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.SetJobState(ctx, uuid.New(), domain.JobStateActive, domain.JobStateCancelled)
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestIncrementJobStats(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, jobSpec(""))
	require.NoError(t, err)

	require.NoError(t, s.IncrementJobStats(ctx, job.ID, domain.AssetCounts{Created: 2, Total: 2}))
	require.NoError(t, s.IncrementJobStats(ctx, job.ID, domain.AssetCounts{Updated: 1, Errors: 1, Total: 1}))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AssetCounts{Created: 2, Updated: 1, Errors: 1, Total: 3}, got.Assets)
}

func TestExpireJobs(t *testing.T) {
	t.Parallel()
	s, clock := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, jobSpec(`{}`))
	require.NoError(t, err)
	tasks, err := s.ListTasks(ctx, job.ID, store.TaskFilter{})
	require.NoError(t, err)
	_, err = s.SetTaskState(ctx, tasks[0].ID, domain.TaskStateSkipped, domain.TaskStateWaiting)
	require.NoError(t, err)
	ok, err := s.FinishJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.ExpireJobs(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Hour)
	n, err = s.ExpireJobs(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ExpiredAt)
	_, err = s.GetTask(ctx, tasks[0].ID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)

	n, err = s.ExpireJobs(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "expiry is applied once")
}

func TestSetHostAndExitStatus(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, jobSpec(`{}`))
	require.NoError(t, err)
	tasks, err := s.ListTasks(ctx, job.ID, store.TaskFilter{})
	require.NoError(t, err)
	id := tasks[0].ID

	require.NoError(t, s.SetHost(ctx, id, "http://w1:9000"))
	require.NoError(t, s.SetExitStatus(ctx, id, 2))

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "http://w1:9000", got.Host)
	require.NotNil(t, got.ExitStatus)
	assert.Equal(t, 2, *got.ExitStatus)
	assert.Equal(t, domain.TaskStateWaiting, got.State, "informational writes do not move state")

	assert.ErrorIs(t, s.SetHost(ctx, uuid.New(), "x"), store.ErrTaskNotFound)
}
