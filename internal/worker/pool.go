package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PoolConfig controls worker selection.
type PoolConfig struct {
	// MaxQueueSize is the queue depth at which a worker stops receiving
	// tasks. Defaults to 1.
	MaxQueueSize int
	// FailureThreshold is the number of consecutive connect failures after
	// which a worker is only chosen when no other worker is available.
	// Defaults to 3.
	FailureThreshold int
	// RefreshInterval is how often the registry is polled. Defaults to 30s.
	RefreshInterval time.Duration
}

// Pool selects workers from a Registry and dispatches tasks to them.
// It is safe for concurrent use.
type Pool struct {
	registry Registry
	exec     Executor
	cfg      PoolConfig
	logger   *slog.Logger

	mu       sync.Mutex
	nodes    []Node
	inflight map[string]int
	failures map[string]int
	rr       uint64

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewPool creates a pool. Call Refresh or Start before dispatching.
func NewPool(registry Registry, exec Executor, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	return &Pool{
		registry: registry,
		exec:     exec,
		cfg:      cfg,
		logger:   logger.With("component", "worker_pool"),
		inflight: make(map[string]int),
		failures: make(map[string]int),
		stop:     make(chan struct{}),
	}
}

// Refresh reloads the worker list. On error the previous list is kept.
func (p *Pool) Refresh(ctx context.Context) error {
	nodes, err := p.registry.Nodes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list workers: %w", err)
	}

	seen := make(map[string]struct{}, len(nodes))
	for i := range nodes {
		nodes[i].URL = NormalizeURL(nodes[i].URL)
		seen[nodes[i].URL] = struct{}{}
	}

	p.mu.Lock()
	p.nodes = nodes
	for url := range p.failures {
		if _, ok := seen[url]; !ok {
			delete(p.failures, url)
		}
	}
	available := p.availableLocked()
	p.mu.Unlock()

	p.logger.Debug("worker list refreshed", "workers", len(nodes), "available", available)
	return nil
}

// Observe applies a single worker's state to the current list without
// waiting for the next refresh.
func (p *Pool) Observe(node Node) {
	node.URL = NormalizeURL(node.URL)

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.nodes {
		if p.nodes[i].URL == node.URL {
			p.nodes[i] = node
			return
		}
	}
	p.nodes = append(p.nodes, node)
}

// Observing wraps r so every accepted report also reaches the pool.
func (p *Pool) Observing(r Reporter) Reporter {
	return observingReporter{next: r, pool: p}
}

type observingReporter struct {
	next Reporter
	pool *Pool
}

func (o observingReporter) Report(ctx context.Context, node Node) error {
	if err := o.next.Report(ctx, node); err != nil {
		return err
	}
	o.pool.Observe(node)
	return nil
}

// Start performs an initial refresh and keeps refreshing in the background
// until Stop is called or ctx is done.
func (p *Pool) Start(ctx context.Context) {
	if err := p.Refresh(ctx); err != nil {
		p.logger.Error("initial worker refresh failed", "error", err)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				if err := p.Refresh(ctx); err != nil {
					p.logger.Error("worker refresh failed", "error", err)
				}
			}
		}
	}()
}

// Stop ends background refreshing.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// HasCapacity reports whether at least one worker can take a task.
func (p *Pool) HasCapacity() bool {
	return p.Available() > 0
}

// Available returns the number of workers that can take a task now.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableLocked()
}

// Dispatch picks a worker and sends it the task. Connect failures count
// against the worker; a successful call clears its record.
func (p *Pool) Dispatch(ctx context.Context, req DispatchRequest) (*Result, error) {
	host, err := p.acquire()
	if err != nil {
		return nil, err
	}

	resp, err := p.exec.Execute(ctx, host, req)
	p.release(host, err)
	if err != nil {
		return nil, &DispatchError{Host: host, Err: err}
	}
	return &Result{Host: host, Response: *resp}, nil
}

// acquire selects a worker and reserves a queue slot on it. Workers below
// the failure threshold are preferred, then lower load; ties rotate.
func (p *Pool) acquire() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		best     []string
		bestRank = -1
		bestLoad float64
	)
	for _, n := range p.nodes {
		if !p.hasRoomLocked(n) {
			continue
		}
		rank := 0
		if p.failures[n.URL] >= p.cfg.FailureThreshold {
			rank = 1
		}
		load := n.load() + float64(p.inflight[n.URL])
		switch {
		case bestRank == -1 || rank < bestRank || (rank == bestRank && load < bestLoad):
			best = append(best[:0], n.URL)
			bestRank, bestLoad = rank, load
		case rank == bestRank && load == bestLoad:
			best = append(best, n.URL)
		}
	}
	if len(best) == 0 {
		return "", ErrNoCapacity
	}

	host := best[p.rr%uint64(len(best))]
	p.rr++
	p.inflight[host]++
	return host, nil
}

func (p *Pool) release(host string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inflight[host] > 0 {
		p.inflight[host]--
	}
	if p.inflight[host] == 0 {
		delete(p.inflight, host)
	}

	switch {
	case err == nil:
		delete(p.failures, host)
	case errors.Is(err, ErrConnectFailure):
		p.failures[host]++
		if p.failures[host] == p.cfg.FailureThreshold {
			p.logger.Warn("worker deprioritized after repeated connect failures",
				"host", host,
				"failures", p.failures[host])
		}
	}
}

func (p *Pool) hasRoomLocked(n Node) bool {
	return n.State == NodeUp && n.QueueSize+p.inflight[n.URL] < p.cfg.MaxQueueSize
}

func (p *Pool) availableLocked() int {
	count := 0
	for _, n := range p.nodes {
		if p.hasRoomLocked(n) {
			count++
		}
	}
	return count
}
