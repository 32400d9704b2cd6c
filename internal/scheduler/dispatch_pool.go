package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/phrazzld/archivist/internal/domain"
)

// DispatchFunc sends one Queued task to a worker.
type DispatchFunc func(ctx context.Context, task *domain.Task)

// DispatchPool runs a fixed number of goroutines that take tasks from a
// DispatchQueue and hand them to a DispatchFunc.
type DispatchPool struct {
	// queue provides the tasks to dispatch
	queue *DispatchQueue

	// workerCount is the number of concurrent goroutines to start
	workerCount int

	// dispatch is called for every task received
	dispatch DispatchFunc

	// wg tracks active goroutines for clean shutdown
	wg sync.WaitGroup

	// ctx is passed to dispatch and cancelled on Stop
	ctx    context.Context
	cancel context.CancelFunc

	logger *slog.Logger
}

// NewDispatchPool creates a pool. Non-positive worker counts default to 1.
func NewDispatchPool(queue *DispatchQueue, workerCount int, dispatch DispatchFunc, logger *slog.Logger) *DispatchPool {
	if workerCount <= 0 {
		logger.Warn("invalid dispatch worker count specified, using default",
			"specified_count", workerCount,
			"default_count", 1)
		workerCount = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &DispatchPool{
		queue:       queue,
		workerCount: workerCount,
		dispatch:    dispatch,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
	}
}

// Start launches the dispatch goroutines.
func (p *DispatchPool) Start() {
	p.logger.Info("starting dispatch pool", "worker_count", p.workerCount)
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Stop cancels in-flight dispatches and waits for every goroutine to exit.
// A task received after cancellation is still passed to dispatch with the
// cancelled context; tasks still buffered in the queue are left there.
func (p *DispatchPool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info("dispatch pool stopped")
}

func (p *DispatchPool) run(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.queue.Channel():
			if !ok {
				p.logger.Debug("dispatch queue closed, stopping worker", "worker_id", id)
				return
			}
			p.dispatch(p.ctx, task)
		}
	}
}
