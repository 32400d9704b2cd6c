// Package reaction applies the completion reports workers send back: it
// grows the task graph, folds indexing results into the job's asset
// counters, and moves the reporting task to its terminal state.
package reaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/archivist/internal/asset"
	"github.com/phrazzld/archivist/internal/domain"
	"github.com/phrazzld/archivist/internal/events"
	"github.com/phrazzld/archivist/internal/metrics"
	"github.com/phrazzld/archivist/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrStaleReport is returned for a report about a task that has been
// returned to Waiting since it was dispatched.
var ErrStaleReport = errors.New("report for a task that is no longer in flight")

// Result labels for the reactions metric.
const (
	resultDuplicate = "duplicate"
	resultStale     = "stale"
	resultLostRace  = "lost_race"
)

// Handler applies task reports. It is safe for concurrent use; reports for
// the same task are serialized.
type Handler struct {
	store   store.JobStore
	assets  asset.Indexer
	emitter events.EventEmitter
	trigger func()
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	locks   taskLocks
}

// Option configures a Handler.
type Option func(*Handler)

// WithEmitter publishes job lifecycle events.
func WithEmitter(e events.EventEmitter) Option {
	return func(h *Handler) { h.emitter = e }
}

// WithTrigger is called whenever a report may have made tasks schedulable.
func WithTrigger(trigger func()) Option {
	return func(h *Handler) { h.trigger = trigger }
}

// WithMetrics records handled reports and finished jobs.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler creates a Handler.
func NewHandler(s store.JobStore, assets asset.Indexer, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		store:  s,
		assets: assets,
		logger: logger.With("component", "reaction_handler"),
		tracer: otel.Tracer("github.com/phrazzld/archivist/internal/reaction"),
		locks:  taskLocks{m: make(map[uuid.UUID]*lockEntry)},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle applies one report. Reports for tasks that are already terminal
// are ignored.
func (h *Handler) Handle(ctx context.Context, report *domain.TaskReport) error {
	ctx, span := h.tracer.Start(ctx, "reaction.handle",
		trace.WithAttributes(attribute.String("task.id", report.TaskID.String())))
	defer span.End()

	err := h.handle(ctx, report)
	if err != nil && !errors.Is(err, ErrStaleReport) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (h *Handler) handle(ctx context.Context, report *domain.TaskReport) error {
	unlock := h.locks.lock(report.TaskID)
	defer unlock()

	task, err := h.store.GetTask(ctx, report.TaskID)
	if err != nil {
		return fmt.Errorf("failed to load reported task: %w", err)
	}
	log := h.logger.With("task_id", task.ID, "job_id", task.JobID)

	switch task.State {
	case domain.TaskStateSuccess, domain.TaskStateFailure, domain.TaskStateSkipped:
		log.Debug("ignoring duplicate report", "state", task.State)
		h.metrics.Reaction(resultDuplicate)
		return nil
	case domain.TaskStateWaiting:
		log.Warn("ignoring report for task that is no longer in flight")
		h.metrics.Reaction(resultStale)
		return ErrStaleReport
	case domain.TaskStateQueued:
		ok, err := h.store.SetTaskState(ctx, task.ID, domain.TaskStateRunning, domain.TaskStateQueued)
		if err != nil {
			return fmt.Errorf("failed to mark task running: %w", err)
		}
		if !ok {
			// Only a concurrent dispatch result may have moved it on.
			current, err := h.store.GetTask(ctx, task.ID)
			if err != nil {
				return fmt.Errorf("failed to reload reported task: %w", err)
			}
			if current.State != domain.TaskStateRunning {
				log.Warn("task reclaimed before its report was applied", "state", current.State)
				h.metrics.Reaction(resultStale)
				return ErrStaleReport
			}
		}
	}

	created, delta, err := h.apply(ctx, log, task, report)
	if err != nil {
		return err
	}

	if !delta.IsZero() {
		if err := h.store.IncrementJobStats(ctx, task.JobID, delta); err != nil {
			return fmt.Errorf("failed to update job stats: %w", err)
		}
	}
	if report.ExitStatus != nil {
		if err := h.store.SetExitStatus(ctx, task.ID, *report.ExitStatus); err != nil {
			return fmt.Errorf("failed to record exit status: %w", err)
		}
	}

	final := domain.TaskStateFailure
	if report.Succeeded() {
		final = domain.TaskStateSuccess
	}
	ok, err := h.store.SetTaskState(ctx, task.ID, final, domain.TaskStateRunning)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}

	if ok || created > 0 {
		h.fireTrigger()
	}
	if !ok {
		log.Warn("task left running state before its report was applied")
		h.metrics.Reaction(resultLostRace)
		return nil
	}

	h.metrics.Reaction(string(final))
	log.Info("task completed", "state", final, "children", created)

	if final == domain.TaskStateSuccess {
		return h.finish(ctx, log, task.JobID)
	}
	return nil
}

// apply creates requested tasks and gathers asset counter changes.
func (h *Handler) apply(ctx context.Context, log *slog.Logger, task *domain.Task, report *domain.TaskReport) (int, domain.AssetCounts, error) {
	var delta domain.AssetCounts

	var children, gates []domain.ExpandItem
	for _, item := range report.Reaction.Expand {
		spec := domain.TaskSpec{Name: item.Name, Script: item.Script}
		if err := spec.Validate(); err != nil {
			log.Warn("skipping invalid expand item", "name", item.Name, "error", err)
			delta.Errors++
			continue
		}
		if item.AfterChildren {
			gates = append(gates, item)
		} else {
			children = append(children, item)
		}
	}

	parent := uuid.NullUUID{UUID: task.ID, Valid: true}
	created := 0
	// Gates go first so a fast child cannot finish before its gate exists.
	for _, item := range gates {
		_, err := h.store.CreateTask(ctx, task.JobID, domain.TaskSpec{
			Name:           item.Name,
			Script:         item.Script,
			ParentID:       parent,
			DependParentID: parent,
			DependCount:    len(children) + 1,
		})
		if err != nil {
			return created, delta, fmt.Errorf("failed to create gate task %q: %w", item.Name, err)
		}
		created++
	}
	for _, item := range children {
		_, err := h.store.CreateTask(ctx, task.JobID, domain.TaskSpec{
			Name:     item.Name,
			Script:   item.Script,
			ParentID: parent,
		})
		if err != nil {
			return created, delta, fmt.Errorf("failed to create child task %q: %w", item.Name, err)
		}
		created++
	}

	for target, records := range report.Reaction.Index {
		if len(records) == 0 {
			continue
		}
		if h.assets == nil {
			log.Warn("no asset indexer configured, dropping records", "target", target, "records", len(records))
			delta.Errors += int64(len(records))
			continue
		}
		res, err := h.assets.Index(ctx, task.JobID, target, records)
		if err != nil {
			log.Error("asset indexing failed", "target", target, "records", len(records), "error", err)
			delta.Errors += int64(len(records))
			continue
		}
		delta.Created += res.Created
		delta.Updated += res.Updated
		delta.Errors += res.Errors
		delta.Total += res.Created + res.Updated
	}

	delta = delta.Add(report.Reaction.Stats)
	warnings, errs := report.ErrorCounts()
	delta.Warnings += warnings
	delta.Errors += errs

	return created, delta, nil
}

func (h *Handler) finish(ctx context.Context, log *slog.Logger, jobID uuid.UUID) error {
	won, err := h.store.FinishJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to check job completion: %w", err)
	}
	if !won {
		return nil
	}

	h.metrics.JobFinished()
	log.Info("job finished")

	if h.emitter == nil {
		return nil
	}
	job, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		log.Error("failed to load finished job", "error", err)
		return nil
	}
	event, err := events.NewJobEvent(events.JobFinished, jobID, job)
	if err != nil {
		log.Error("failed to build job finished event", "error", err)
		return nil
	}
	if err := h.emitter.EmitEvent(ctx, event); err != nil {
		log.Error("job finished hook failed", "error", err)
	}
	return nil
}

func (h *Handler) fireTrigger() {
	if h.trigger != nil {
		h.trigger()
	}
}

// taskLocks hands out one mutex per task id, dropping it when unused.
type taskLocks struct {
	mu sync.Mutex
	m  map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (l *taskLocks) lock(id uuid.UUID) func() {
	l.mu.Lock()
	e, ok := l.m[id]
	if !ok {
		e = &lockEntry{}
		l.m[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
