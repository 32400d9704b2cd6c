package reaction

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/archivist/internal/asset"
	"github.com/phrazzld/archivist/internal/domain"
	"github.com/phrazzld/archivist/internal/events"
	"github.com/phrazzld/archivist/internal/platform/memory"
	"github.com/phrazzld/archivist/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *memory.JobStore
	assets   *asset.MemoryIndexer
	handler  *Handler
	finished atomic.Int32
	triggers atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		store:  memory.NewJobStore(logger),
		assets: asset.NewMemoryIndexer(),
	}
	emitter := events.NewInMemoryEventEmitter(logger)
	emitter.RegisterHandler(events.HandlerFunc(func(ctx context.Context, e *events.JobEvent) error {
		if e.Type == events.JobFinished {
			f.finished.Add(1)
		}
		return nil
	}))
	f.handler = NewHandler(f.store, f.assets, logger,
		WithEmitter(emitter),
		WithTrigger(func() { f.triggers.Add(1) }))
	return f
}

func (f *fixture) submit(t *testing.T) (*domain.Job, *domain.Task) {
	t.Helper()
	ctx := context.Background()
	job, err := f.store.CreateJob(ctx, domain.JobSpec{
		Name:   "library",
		Type:   domain.JobTypeImport,
		Script: []byte(`{"op":"walk"}`),
	})
	require.NoError(t, err)
	tasks, err := f.store.ListTasks(ctx, job.ID, store.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	return job, tasks[0]
}

// start moves a waiting task to Running the way the scheduler does.
func (f *fixture) start(t *testing.T, id uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	ok, err := f.store.SetTaskState(ctx, id, domain.TaskStateQueued, domain.TaskStateWaiting)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.store.SetTaskState(ctx, id, domain.TaskStateRunning, domain.TaskStateQueued)
	require.NoError(t, err)
	require.True(t, ok)
}

func (f *fixture) job(t *testing.T, id uuid.UUID) *domain.Job {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.True(t, job.Tasks.Consistent(), "counters: %+v", job.Tasks)
	return job
}

func (f *fixture) tasks(t *testing.T, jobID uuid.UUID, states ...domain.TaskState) []*domain.Task {
	t.Helper()
	tasks, err := f.store.ListTasks(context.Background(), jobID, store.TaskFilter{States: states})
	require.NoError(t, err)
	return tasks
}

func status(exit int) *int { return &exit }

func expand(n int) []domain.ExpandItem {
	items := make([]domain.ExpandItem, n)
	for i := range items {
		items[i] = domain.ExpandItem{
			Name:   fmt.Sprintf("chunk-%d", i),
			Script: json.RawMessage(fmt.Sprintf(`{"op":"ingest","chunk":%d}`, i)),
		}
	}
	return items
}

func TestHandle_ExpandThenFinishFiresHookOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	job, root := f.submit(t)
	f.start(t, root.ID)

	err := f.handler.Handle(ctx, &domain.TaskReport{
		TaskID:     root.ID,
		ExitStatus: status(0),
		Reaction:   domain.Reaction{Expand: expand(5)},
	})
	require.NoError(t, err)

	got := f.job(t, job.ID)
	assert.Equal(t, int64(6), got.Tasks.Total)
	assert.Equal(t, int64(1), got.Tasks.Success)
	assert.Equal(t, int64(5), got.Tasks.Waiting)
	assert.Equal(t, domain.JobStateActive, got.State)
	assert.Positive(t, f.triggers.Load())

	children := f.tasks(t, job.ID, domain.TaskStateWaiting)
	require.Len(t, children, 5)
	for _, c := range children {
		assert.Equal(t, root.ID, c.ParentID.UUID)
		assert.False(t, c.DependParentID.Valid)

		f.start(t, c.ID)
		require.NoError(t, f.handler.Handle(ctx, &domain.TaskReport{TaskID: c.ID, ExitStatus: status(0)}))
	}

	got = f.job(t, job.ID)
	assert.Equal(t, int64(6), got.Tasks.Total)
	assert.Equal(t, int64(6), got.Tasks.Success)
	assert.Equal(t, domain.JobStateFinished, got.State)
	assert.NotNil(t, got.FinishedAt)
	assert.Equal(t, int32(1), f.finished.Load())

	// A late duplicate changes nothing and does not fire the hook again.
	require.NoError(t, f.handler.Handle(ctx, &domain.TaskReport{TaskID: children[0].ID, ExitStatus: status(0)}))
	assert.Equal(t, int32(1), f.finished.Load())
}

func TestHandle_AfterChildrenGate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	job, root := f.submit(t)
	f.start(t, root.ID)

	items := append(expand(2), domain.ExpandItem{
		Name:          "reduce",
		Script:        json.RawMessage(`{"op":"reduce"}`),
		AfterChildren: true,
	})
	require.NoError(t, f.handler.Handle(ctx, &domain.TaskReport{
		TaskID:     root.ID,
		ExitStatus: status(0),
		Reaction:   domain.Reaction{Expand: items},
	}))

	var gate *domain.Task
	var children []*domain.Task
	for _, task := range f.tasks(t, job.ID, domain.TaskStateWaiting) {
		if task.Name == "reduce" {
			gate = task
		} else {
			children = append(children, task)
		}
	}
	require.NotNil(t, gate)
	require.Len(t, children, 2)
	assert.Equal(t, root.ID, gate.DependParentID.UUID)
	assert.Equal(t, 2, gate.DependCount, "three at creation, one released by the root")

	schedulable := func() []uuid.UUID {
		ts, err := f.store.GetWaitingSchedulable(ctx, 10)
		require.NoError(t, err)
		ids := make([]uuid.UUID, 0, len(ts))
		for _, task := range ts {
			ids = append(ids, task.ID)
		}
		return ids
	}
	assert.NotContains(t, schedulable(), gate.ID)

	f.start(t, children[0].ID)
	require.NoError(t, f.handler.Handle(ctx, &domain.TaskReport{TaskID: children[0].ID, ExitStatus: status(0)}))
	assert.NotContains(t, schedulable(), gate.ID)

	f.start(t, children[1].ID)
	require.NoError(t, f.handler.Handle(ctx, &domain.TaskReport{TaskID: children[1].ID, ExitStatus: status(0)}))
	assert.Contains(t, schedulable(), gate.ID)
	assert.Equal(t, domain.JobStateActive, f.job(t, job.ID).State)

	f.start(t, gate.ID)
	require.NoError(t, f.handler.Handle(ctx, &domain.TaskReport{TaskID: gate.ID, ExitStatus: status(0)}))
	assert.Equal(t, domain.JobStateFinished, f.job(t, job.ID).State)
	assert.Equal(t, int32(1), f.finished.Load())
}

func TestHandle_FailureKeepsJobActive(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	job, root := f.submit(t)
	f.start(t, root.ID)

	require.NoError(t, f.handler.Handle(ctx, &domain.TaskReport{
		TaskID:     root.ID,
		ExitStatus: status(0),
		Errors: []domain.TaskError{
			{Message: "unreadable sidecar", Path: "/a.xmp"},
			{Message: "disk vanished", Fatal: true},
		},
	}))

	task, err := f.store.GetTask(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateFailure, task.State)
	require.NotNil(t, task.ExitStatus)
	assert.Equal(t, 0, *task.ExitStatus)

	got := f.job(t, job.ID)
	assert.Equal(t, int64(1), got.Tasks.Failure)
	assert.Equal(t, int64(1), got.Assets.Warnings)
	assert.Equal(t, int64(1), got.Assets.Errors)
	assert.Equal(t, domain.JobStateActive, got.State)
	assert.Zero(t, f.finished.Load())
}

func TestHandle_NonZeroExitFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, root := f.submit(t)
	f.start(t, root.ID)

	require.NoError(t, f.handler.Handle(context.Background(), &domain.TaskReport{TaskID: root.ID, ExitStatus: status(3)}))
	task, err := f.store.GetTask(context.Background(), root.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateFailure, task.State)
	assert.Equal(t, 3, *task.ExitStatus)
}

func TestHandle_IndexAndStats(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	job, root := f.submit(t)
	f.start(t, root.ID)

	require.NoError(t, f.handler.Handle(ctx, &domain.TaskReport{
		TaskID:     root.ID,
		ExitStatus: status(0),
		Reaction: domain.Reaction{
			Index: map[string][]json.RawMessage{
				"assets": {
					json.RawMessage(`{"path":"/a.jpg"}`),
					json.RawMessage(`{"path":"/b.jpg"}`),
					json.RawMessage(`{"unnamed":true}`),
				},
			},
			Stats: domain.AssetCounts{Replaced: 4},
		},
	}))

	got := f.job(t, job.ID)
	assert.Equal(t, int64(2), got.Assets.Created)
	assert.Equal(t, int64(2), got.Assets.Total)
	assert.Equal(t, int64(1), got.Assets.Errors)
	assert.Equal(t, int64(4), got.Assets.Replaced)
	assert.Equal(t, 2, f.assets.Count("assets"))
}

func TestHandle_InvalidExpandItemsAreCounted(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	job, root := f.submit(t)
	f.start(t, root.ID)

	items := append(expand(1), domain.ExpandItem{Name: "broken", Script: json.RawMessage(`{nope`)})
	require.NoError(t, f.handler.Handle(context.Background(), &domain.TaskReport{
		TaskID:     root.ID,
		ExitStatus: status(0),
		Reaction:   domain.Reaction{Expand: items},
	}))

	got := f.job(t, job.ID)
	assert.Equal(t, int64(2), got.Tasks.Total)
	assert.Equal(t, int64(1), got.Assets.Errors)
}

func TestHandle_QueuedTaskIsStartedFirst(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	job, root := f.submit(t)
	ok2, err := f.store.SetTaskState(ctx, root.ID, domain.TaskStateQueued, domain.TaskStateWaiting)
	require.NoError(t, err)
	require.True(t, ok2)

	require.NoError(t, f.handler.Handle(ctx, &domain.TaskReport{TaskID: root.ID, ExitStatus: status(0)}))

	task, err := f.store.GetTask(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateSuccess, task.State)
	assert.NotNil(t, task.StartedAt)
	assert.Equal(t, domain.JobStateFinished, f.job(t, job.ID).State)
}

// racingStore lets another actor move a Queued task just before the
// handler's Queued->Running transition.
type racingStore struct {
	*memory.JobStore
	to domain.TaskState
}

func (s *racingStore) SetTaskState(ctx context.Context, id uuid.UUID, to, expected domain.TaskState) (bool, error) {
	if to == domain.TaskStateRunning && expected == domain.TaskStateQueued {
		if _, err := s.JobStore.SetTaskState(ctx, id, s.to, domain.TaskStateQueued); err != nil {
			return false, err
		}
	}
	return s.JobStore.SetTaskState(ctx, id, to, expected)
}

func TestHandle_QueuedTaskReclaimedIsStale(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	job, root := f.submit(t)
	ok, err := f.store.SetTaskState(ctx, root.ID, domain.TaskStateQueued, domain.TaskStateWaiting)
	require.NoError(t, err)
	require.True(t, ok)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(&racingStore{JobStore: f.store, to: domain.TaskStateWaiting}, f.assets, logger)

	err = h.Handle(ctx, &domain.TaskReport{
		TaskID:     root.ID,
		ExitStatus: status(0),
		Reaction:   domain.Reaction{Expand: expand(3), Stats: domain.AssetCounts{Created: 7}},
	})
	assert.ErrorIs(t, err, ErrStaleReport)

	task, err := f.store.GetTask(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateWaiting, task.State)

	got := f.job(t, job.ID)
	assert.Equal(t, int64(1), got.Tasks.Total)
	assert.Zero(t, got.Assets.Created)
}

func TestHandle_QueuedTaskStartedByDispatchIsApplied(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	job, root := f.submit(t)
	ok, err := f.store.SetTaskState(ctx, root.ID, domain.TaskStateQueued, domain.TaskStateWaiting)
	require.NoError(t, err)
	require.True(t, ok)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(&racingStore{JobStore: f.store, to: domain.TaskStateRunning}, f.assets, logger)

	require.NoError(t, h.Handle(ctx, &domain.TaskReport{TaskID: root.ID, ExitStatus: status(0)}))

	task, err := f.store.GetTask(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateSuccess, task.State)
	assert.Equal(t, domain.JobStateFinished, f.job(t, job.ID).State)
}

func TestHandle_StaleAndUnknownReports(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, root := f.submit(t)

	err := f.handler.Handle(ctx, &domain.TaskReport{TaskID: root.ID, ExitStatus: status(0)})
	assert.ErrorIs(t, err, ErrStaleReport)

	err = f.handler.Handle(ctx, &domain.TaskReport{TaskID: uuid.New()})
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestHandle_ConcurrentDuplicatesApplyOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	job, root := f.submit(t)
	f.start(t, root.ID)

	report := &domain.TaskReport{
		TaskID:     root.ID,
		ExitStatus: status(0),
		Reaction:   domain.Reaction{Expand: expand(3), Stats: domain.AssetCounts{Created: 1}},
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.handler.Handle(ctx, report))
		}()
	}
	wg.Wait()

	got := f.job(t, job.ID)
	assert.Equal(t, int64(4), got.Tasks.Total)
	assert.Equal(t, int64(1), got.Assets.Created)
	assert.Empty(t, f.handler.locks.m, "locks are released")
}
