// Package maintenance runs housekeeping on a cron schedule. Today that is
// the soft expiry of finished jobs past their retention window.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/archivist/internal/metrics"
	"github.com/phrazzld/archivist/internal/store"
	"github.com/robfig/cron/v3"
)

// Config configures an Expirer.
type Config struct {
	// Schedule is a five-field cron expression or a descriptor like @hourly.
	Schedule string
	// ExpireAfter is how long a finished job is kept before it expires.
	ExpireAfter time.Duration
	// BatchSize caps the jobs expired per store call.
	BatchSize int
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Expirer soft-expires finished jobs on a schedule.
type Expirer struct {
	store   store.JobStore
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	cron    *cron.Cron
}

// NewExpirer validates the schedule and creates an Expirer. m may be nil.
func NewExpirer(s store.JobStore, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Expirer, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.ExpireAfter <= 0 {
		return nil, fmt.Errorf("invalid expire_after %s", cfg.ExpireAfter)
	}
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", cfg.Schedule, err)
	}

	e := &Expirer{
		store:   s,
		cfg:     cfg,
		logger:  logger.With("component", "job_expirer"),
		metrics: m,
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	e.cron.Schedule(schedule, cron.FuncJob(e.run))
	return e, nil
}

// Start begins running on the schedule.
func (e *Expirer) Start() {
	e.cron.Start()
	e.logger.Info("job expiry scheduled", "schedule", e.cfg.Schedule, "expire_after", e.cfg.ExpireAfter)
}

// Stop halts the schedule and waits for a running expiry to finish.
func (e *Expirer) Stop() {
	<-e.cron.Stop().Done()
}

// RunOnce expires every eligible job, one batch at a time, and returns
// how many it expired.
func (e *Expirer) RunOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := e.store.ExpireJobs(ctx, e.cfg.ExpireAfter, e.cfg.BatchSize)
		total += n
		e.metrics.JobsExpired(n)
		if err != nil {
			return total, fmt.Errorf("failed to expire jobs: %w", err)
		}
		if n < e.cfg.BatchSize {
			return total, nil
		}
	}
}

func (e *Expirer) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	n, err := e.RunOnce(ctx)
	if err != nil {
		e.logger.Error("job expiry failed", "expired", n, "error", err)
		return
	}
	if n > 0 {
		e.logger.Info("expired finished jobs", "count", n)
	}
}
