package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/archivist/internal/domain"
	"github.com/phrazzld/archivist/internal/metrics"
	"github.com/phrazzld/archivist/internal/store"
)

// ReaperConfig holds the orphan sweep settings.
type ReaperConfig struct {
	// Interval between sweeps. Defaults to 1m.
	Interval time.Duration
	// OrphanTimeout is how long a task may sit in Queued or Running
	// without a state change. Defaults to 30m.
	OrphanTimeout time.Duration
	// BatchSize caps the tasks recovered per sweep. Defaults to 100.
	BatchSize int
}

// Reaper returns tasks abandoned by crashed workers or schedulers to
// Waiting so they are dispatched again.
type Reaper struct {
	store   store.JobStore
	cfg     ReaperConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	trigger func()

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewReaper creates a reaper. trigger, if non-nil, is called after a sweep
// that recovered at least one task.
func NewReaper(s store.JobStore, cfg ReaperConfig, trigger func(), logger *slog.Logger, opts ...Option) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.OrphanTimeout <= 0 {
		cfg.OrphanTimeout = 30 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	set := applyOptions(opts)
	return &Reaper{
		store:   s,
		cfg:     cfg,
		logger:  logger.With("component", "reaper"),
		metrics: set.metrics,
		trigger: trigger,
	}
}

// Start launches the periodic sweep.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
					r.logger.Error("orphan sweep failed", "error", err)
				}
			}
		}
	}()

	r.logger.Info("reaper started", "interval", r.cfg.Interval, "orphan_timeout", r.cfg.OrphanTimeout)
}

// Stop ends the periodic sweep.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
	})
}

// Sweep recovers one batch of orphaned tasks and returns how many were
// moved back to Waiting.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	orphans, err := r.store.GetOrphanTasks(ctx, r.cfg.BatchSize, r.cfg.OrphanTimeout)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, task := range orphans {
		from, err := r.recover(ctx, task)
		if err != nil {
			r.logger.Error("failed to recover orphaned task",
				"task_id", task.ID,
				"job_id", task.JobID,
				"error", err)
			continue
		}
		if from == "" {
			r.logger.Debug("orphan moved on before recovery", "task_id", task.ID)
			continue
		}

		recovered++
		r.metrics.OrphanRecovered(string(from))
		r.logger.Warn("recovered orphaned task",
			"task_id", task.ID,
			"job_id", task.JobID,
			"host", task.Host,
			"from_state", from,
			"state_changed_at", task.StateChangedAt)
	}

	if recovered > 0 && r.trigger != nil {
		r.trigger()
	}
	return recovered, nil
}

// recover tries Queued then Running. It returns the state the task was
// recovered from, or "" when neither transition applied.
func (r *Reaper) recover(ctx context.Context, task *domain.Task) (domain.TaskState, error) {
	for _, from := range []domain.TaskState{domain.TaskStateQueued, domain.TaskStateRunning} {
		ok, err := r.store.SetTaskState(ctx, task.ID, domain.TaskStateWaiting, from)
		if err != nil {
			return "", err
		}
		if ok {
			return from, nil
		}
	}
	return "", nil
}
