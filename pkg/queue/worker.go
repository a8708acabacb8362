package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/memoryplane/memoryplane/pkg/memerr"
	"github.com/memoryplane/memoryplane/pkg/models"
)

// Processor executes one claimed job. Implementations classify their own
// failures: transient errors get the job rescheduled, anything else is
// terminal.
type Processor interface {
	Process(ctx context.Context, job *models.Job) error
}

// Worker polls the queue, claims jobs one at a time, and routes the
// processor's result back into the queue state machine.
type Worker struct {
	id           string
	queue        Queue
	processor    Processor
	pollInterval time.Duration
	jobTimeout   time.Duration
	logger       *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker builds a worker. pollInterval and jobTimeout fall back to
// sane defaults when zero.
func NewWorker(id string, q Queue, p Processor, pollInterval, jobTimeout time.Duration, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if jobTimeout <= 0 {
		jobTimeout = 10 * time.Minute
	}
	return &Worker{
		id:           id,
		queue:        q,
		processor:    p,
		pollInterval: pollInterval,
		jobTimeout:   jobTimeout,
		logger:       logger.With("worker_id", id),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the poll loop. It returns immediately; Stop blocks
// until the in-flight job (if any) finishes.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the loop and waits for it to drain.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	w.logger.Info("worker started", "poll_interval", w.pollInterval)

	for {
		select {
		case <-w.stopCh:
			w.logger.Info("worker stopped")
			return
		case <-ctx.Done():
			w.logger.Info("worker context cancelled")
			return
		default:
		}

		job, err := w.queue.Claim(ctx, w.id)
		if errors.Is(err, ErrNoJobsAvailable) {
			w.sleep(ctx)
			continue
		}
		if err != nil {
			w.logger.Error("claim failed", "error", err)
			w.sleep(ctx)
			continue
		}

		w.processJob(ctx, job)
	}
}

// sleep waits one poll interval with a little jitter so a fleet of
// workers does not hammer the table in lockstep.
func (w *Worker) sleep(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(w.pollInterval) / 4))
	timer := time.NewTimer(w.pollInterval + jitter)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-w.stopCh:
	case <-ctx.Done():
	}
}

func (w *Worker) processJob(ctx context.Context, job *models.Job) {
	logger := w.logger.With(
		"job_id", job.JobID,
		"artifact_uid", job.ArtifactUID,
		"revision_id", job.RevisionID,
		"attempt", job.Attempts)
	logger.Info("processing job")

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	hbDone := make(chan struct{})
	go w.heartbeatLoop(jobCtx, job.JobID, hbDone)

	start := time.Now()
	err := w.processor.Process(jobCtx, job)
	close(hbDone)

	if err == nil {
		if cerr := w.queue.Complete(ctx, job.JobID); cerr != nil {
			logger.Error("marking job done failed", "error", cerr)
			return
		}
		logger.Info("job done", "duration", time.Since(start))
		return
	}

	code := memerr.CodeOf(err)
	if memerr.IsTransient(err) || jobCtx.Err() != nil {
		logger.Warn("job failed transiently", "error", err, "error_code", code)
		if ferr := w.queue.FailTransient(ctx, job.JobID, code, err.Error()); ferr != nil {
			logger.Error("rescheduling job failed", "error", ferr)
		}
		return
	}

	logger.Error("job failed terminally", "error", err, "error_code", code)
	if ferr := w.queue.FailTerminal(ctx, job.JobID, code, err.Error()); ferr != nil {
		logger.Error("failing job failed", "error", ferr)
	}
}

// heartbeatLoop refreshes locked_at every quarter of the job timeout so
// stale recovery does not steal a long-running job.
func (w *Worker) heartbeatLoop(ctx context.Context, jobID string, done <-chan struct{}) {
	interval := w.jobTimeout / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, jobID); err != nil {
				w.logger.Warn("heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}
