package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/archivist/internal/domain"
	"github.com/phrazzld/archivist/internal/metrics"
	"github.com/phrazzld/archivist/internal/store"
	"github.com/phrazzld/archivist/internal/worker"
)

// ErrPassInProgress is returned by RunPass when another pass is running.
var ErrPassInProgress = errors.New("scheduler pass already in progress")

// Dispatcher sends tasks to workers.
// Version: 1.0
type Dispatcher interface {
	// HasCapacity reports whether any worker can take a task now.
	HasCapacity() bool
	// Dispatch sends the task to a worker and waits for its answer.
	Dispatch(ctx context.Context, req worker.DispatchRequest) (*worker.Result, error)
}

// ReportHandler applies a worker's completion report.
// Version: 1.0
type ReportHandler interface {
	Handle(ctx context.Context, report *domain.TaskReport) error
}

// Config holds the scheduler settings.
type Config struct {
	// Interval between passes. Defaults to 5s.
	Interval time.Duration
	// BatchSize caps the tasks considered per pass. Defaults to 10.
	BatchSize int
	// DispatchWorkers is the number of concurrent dispatches. Defaults to 4.
	DispatchWorkers int
	// DispatchQueueSize bounds tasks waiting for a dispatch goroutine.
	// Defaults to 100.
	DispatchQueueSize int
	// SharedRoot and MasterAddress are forwarded to workers.
	SharedRoot    string
	MasterAddress string
}

// DefaultConfig returns a Config with the default settings.
func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Second,
		BatchSize:         10,
		DispatchWorkers:   4,
		DispatchQueueSize: 100,
	}
}

// Option configures a Scheduler or Reaper.
type Option func(*settings)

type settings struct {
	metrics *metrics.Metrics
	now     func() time.Time
}

// WithMetrics records pass and dispatch outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithClock replaces the time source used for latency measurements.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

func applyOptions(opts []Option) settings {
	s := settings{now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Scheduler moves schedulable tasks from Waiting to Queued and hands them
// to the dispatch pool. At most one pass runs at a time per process;
// multiple processes are kept apart by the store's conditional updates.
type Scheduler struct {
	store   store.JobStore
	pool    Dispatcher
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	reportsMu sync.RWMutex
	reports   ReportHandler

	running atomic.Bool
	trigger chan struct{}

	queue    *DispatchQueue
	dispatch *DispatchPool

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a scheduler. Call Start to begin polling.
func New(s store.JobStore, pool Dispatcher, cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.DispatchWorkers <= 0 {
		cfg.DispatchWorkers = def.DispatchWorkers
	}
	if cfg.DispatchQueueSize <= 0 {
		cfg.DispatchQueueSize = def.DispatchQueueSize
	}

	set := applyOptions(opts)
	logger = logger.With("component", "scheduler")
	sched := &Scheduler{
		store:   s,
		pool:    pool,
		cfg:     cfg,
		logger:  logger,
		metrics: set.metrics,
		now:     set.now,
		trigger: make(chan struct{}, 1),
		queue:   NewDispatchQueue(cfg.DispatchQueueSize, logger),
	}
	sched.dispatch = NewDispatchPool(sched.queue, cfg.DispatchWorkers, sched.dispatchTask, logger)
	return sched
}

// SetReportHandler sets the handler for results that workers return
// inline with the dispatch response.
func (s *Scheduler) SetReportHandler(h ReportHandler) {
	s.reportsMu.Lock()
	s.reports = h
	s.reportsMu.Unlock()
}

// Start launches the dispatch pool and the polling loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.dispatch.Start()

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("scheduler started",
		"interval", s.cfg.Interval,
		"batch_size", s.cfg.BatchSize,
		"dispatch_workers", s.cfg.DispatchWorkers)
}

// Stop ends polling, cancels in-flight dispatches and returns every task
// still waiting for a dispatch goroutine to Waiting.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.dispatch.Stop()
		s.queue.Close()

		ctx := context.Background()
		for task := range s.queue.Channel() {
			s.revert(ctx, task.ID, "scheduler stopping")
		}
		s.logger.Info("scheduler stopped")
	})
}

// Trigger requests a pass as soon as possible. It never blocks.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
		}
		if _, err := s.RunPass(ctx); err != nil && !errors.Is(err, ErrPassInProgress) && ctx.Err() == nil {
			s.logger.Error("scheduler pass failed", "error", err)
		}
	}
}

// RunPass performs one scheduling pass and returns the number of tasks
// handed to the dispatch pool.
func (s *Scheduler) RunPass(ctx context.Context) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.SchedulerPass(metrics.PassSkipped)
		return 0, ErrPassInProgress
	}
	defer s.running.Store(false)

	if !s.pool.HasCapacity() {
		s.logger.Debug("no worker capacity, skipping pass")
		s.metrics.SchedulerPass(metrics.PassNoCapacity)
		return 0, nil
	}

	tasks, err := s.store.GetWaitingSchedulable(ctx, s.cfg.BatchSize)
	if err != nil {
		s.metrics.SchedulerPass(metrics.PassError)
		return 0, err
	}
	if len(tasks) == 0 {
		s.metrics.SchedulerPass(metrics.PassIdle)
		return 0, nil
	}

	queued := 0
	for _, task := range tasks {
		ok, err := s.store.SetTaskState(ctx, task.ID, domain.TaskStateQueued, domain.TaskStateWaiting)
		if err != nil {
			s.logger.Error("failed to queue task", "task_id", task.ID, "job_id", task.JobID, "error", err)
			continue
		}
		if !ok {
			s.logger.Debug("task already claimed", "task_id", task.ID)
			continue
		}
		task.State = domain.TaskStateQueued
		s.metrics.TaskQueued()

		if err := s.queue.Enqueue(task); err != nil {
			s.logger.Warn("dispatch queue rejected task", "task_id", task.ID, "error", err)
			s.revert(ctx, task.ID, "dispatch queue full")
			break
		}
		queued++
	}

	s.metrics.SchedulerPass(metrics.PassDispatched)
	s.logger.Debug("scheduler pass complete", "candidates", len(tasks), "queued", queued)
	return queued, nil
}

// dispatchTask runs on a dispatch goroutine.
func (s *Scheduler) dispatchTask(ctx context.Context, task *domain.Task) {
	log := s.logger.With("task_id", task.ID, "job_id", task.JobID)

	if ctx.Err() != nil {
		s.revert(context.Background(), task.ID, "scheduler stopping")
		return
	}

	job, err := s.store.GetJob(ctx, task.JobID)
	if err != nil {
		log.Error("failed to load job for dispatch", "error", err)
		s.revert(ctx, task.ID, "job lookup failed")
		return
	}

	req := worker.DispatchRequest{
		TaskID:        task.ID,
		JobID:         task.JobID,
		Script:        task.Script,
		SharedRoot:    s.cfg.SharedRoot,
		MasterAddress: s.cfg.MasterAddress,
		Env:           job.Env,
	}

	start := s.now()
	res, err := s.pool.Dispatch(ctx, req)
	s.metrics.Dispatch(dispatchOutcome(err), s.now().Sub(start))
	if err != nil {
		log.Warn("dispatch failed", "host", worker.HostOf(err), "error", err)
		revertCtx := ctx
		if ctx.Err() != nil {
			revertCtx = context.Background()
		}
		s.revert(revertCtx, task.ID, "dispatch failed")
		return
	}

	log = log.With("host", res.Host)
	if err := s.store.SetHost(ctx, task.ID, res.Host); err != nil {
		log.Error("failed to record task host", "error", err)
	}

	ok, err := s.store.SetTaskState(ctx, task.ID, domain.TaskStateRunning, domain.TaskStateQueued)
	switch {
	case err != nil:
		log.Error("failed to mark task running", "error", err)
	case !ok:
		log.Debug("task left queued state before dispatch completed")
	default:
		log.Info("task dispatched")
	}

	report := res.Report(task.ID)
	if report == nil {
		return
	}
	s.reportsMu.RLock()
	h := s.reports
	s.reportsMu.RUnlock()
	if h == nil {
		log.Warn("dropping inline task result, no report handler configured")
		return
	}
	if err := h.Handle(ctx, report); err != nil {
		log.Error("failed to apply inline task result", "error", err)
	}
}

func (s *Scheduler) revert(ctx context.Context, id uuid.UUID, reason string) {
	ok, err := s.store.SetTaskState(ctx, id, domain.TaskStateWaiting, domain.TaskStateQueued)
	switch {
	case err != nil:
		s.logger.Error("failed to return task to waiting", "task_id", id, "reason", reason, "error", err)
	case !ok:
		s.logger.Debug("task no longer queued, not reverted", "task_id", id, "reason", reason)
	default:
		s.logger.Debug("task returned to waiting", "task_id", id, "reason", reason)
	}
}

func dispatchOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, worker.ErrNoCapacity):
		return "no_capacity"
	case errors.Is(err, worker.ErrConnectFailure):
		return "connect_failure"
	case errors.Is(err, worker.ErrExecutionTimeout):
		return "timeout"
	default:
		return "remote"
	}
}
