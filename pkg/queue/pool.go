package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// PoolConfig sizes the worker pool and its supervision timers.
type PoolConfig struct {
	WorkerCount    int
	PollInterval   time.Duration
	JobTimeout     time.Duration
	StaleThreshold time.Duration
	StaleInterval  time.Duration
}

// Pool runs a set of workers against one queue plus a supervisor loop
// that returns abandoned PROCESSING jobs to the runnable set.
type Pool struct {
	cfg       PoolConfig
	queue     Queue
	processor Processor
	logger    *slog.Logger

	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool builds a pool; worker identities are derived from the
// hostname so crash recovery can target this process's own jobs.
func NewPool(cfg PoolConfig, q Queue, p Processor, logger *slog.Logger) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 30 * time.Minute
	}
	if cfg.StaleInterval <= 0 {
		cfg.StaleInterval = 5 * time.Minute
	}
	return &Pool{
		cfg:       cfg,
		queue:     q,
		processor: p,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start releases jobs this process abandoned in a previous run, then
// launches the workers and the stale-job supervisor.
func (p *Pool) Start(ctx context.Context) error {
	host := hostname()
	for i := 0; i < p.cfg.WorkerCount; i++ {
		id := fmt.Sprintf("%s-%d", host, i)
		if n, err := p.queue.ReleaseWorkerJobs(ctx, id); err != nil {
			return fmt.Errorf("releasing jobs for %s: %w", id, err)
		} else if n > 0 {
			p.logger.Info("released abandoned jobs", "worker_id", id, "count", n)
		}
		w := NewWorker(id, p.queue, p.processor, p.cfg.PollInterval, p.cfg.JobTimeout, p.logger)
		w.Start(ctx)
		p.workers = append(p.workers, w)
	}

	p.wg.Add(1)
	go p.superviseStale(ctx)

	p.logger.Info("worker pool started", "workers", p.cfg.WorkerCount)
	return nil
}

// Stop shuts down the supervisor and all workers, waiting for in-flight
// jobs to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	for _, w := range p.workers {
		w.Stop()
	}
	p.logger.Info("worker pool stopped")
}

func (p *Pool) superviseStale(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.StaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.RecoverStale(ctx, p.cfg.StaleThreshold)
			if err != nil {
				p.logger.Error("stale job recovery failed", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Warn("recovered stale jobs", "count", n)
			}
		}
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return h
}
