// Package queue provides the durable extraction job queue and the worker
// loop that drains it.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/memoryplane/memoryplane/pkg/ids"
	"github.com/memoryplane/memoryplane/pkg/memerr"
	"github.com/memoryplane/memoryplane/pkg/models"
)

// ErrNoJobsAvailable indicates no runnable job is in the queue.
var ErrNoJobsAvailable = errors.New("no jobs available")

// Queue is the job-queue surface the worker and the API consume.
type Queue interface {
	// Claim atomically claims the oldest runnable PENDING job. Row
	// locking guarantees no two workers ever hold the same job.
	Claim(ctx context.Context, workerID string) (*models.Job, error)

	// Complete marks a claimed job DONE.
	Complete(ctx context.Context, jobID string) error

	// FailTransient reschedules the job with exponential backoff, or
	// marks it FAILED once attempts reach max_attempts.
	FailTransient(ctx context.Context, jobID, code, message string) error

	// FailTerminal marks the job FAILED immediately.
	FailTerminal(ctx context.Context, jobID, code, message string) error

	// Heartbeat refreshes locked_at so stale recovery leaves the job alone.
	Heartbeat(ctx context.Context, jobID string) error

	// GetJob returns the job row for (uid, revision), or NotFound.
	GetJob(ctx context.Context, artifactUID, revisionID string) (*models.Job, error)

	// EnqueueReextract resets a FAILED job to PENDING (attempts=0). A
	// DONE job is a no-op unless force is set. A missing row is created
	// fresh.
	EnqueueReextract(ctx context.Context, artifactUID, revisionID string, maxAttempts int, force bool) (*models.Job, error)

	// Depth returns the number of runnable PENDING jobs.
	Depth(ctx context.Context) (int, error)

	// RecoverStale resets PROCESSING jobs whose locked_at is older than
	// threshold back to PENDING. Returns the number of rows reset.
	RecoverStale(ctx context.Context, threshold time.Duration) (int, error)

	// ReleaseWorkerJobs resets PROCESSING jobs held by a worker identity,
	// for startup cleanup after a crash of the same worker.
	ReleaseWorkerJobs(ctx context.Context, workerID string) (int, error)
}

// backoff returns the transient-failure delay for a job that has made
// the given number of attempts: min(30 * 2^attempts, 600) seconds. The
// production schedule is computed in SQL inside FailTransient, in the
// same UPDATE that reads attempts; this mirror pins the schedule in
// unit tests.
func backoff(attempts int) time.Duration {
	secs := 30 * (1 << attempts)
	if secs > 600 {
		secs = 600
	}
	return time.Duration(secs) * time.Second
}

// SQLQueue is the postgres-backed queue.
type SQLQueue struct {
	db *sqlx.DB
}

// NewSQLQueue wraps the shared database handle.
func NewSQLQueue(db *sqlx.DB) *SQLQueue {
	return &SQLQueue{db: db}
}

const jobColumns = `job_id, job_type, artifact_uid, revision_id, status, attempts, max_attempts,
	next_run_at, locked_at, locked_by, last_error_code, last_error_message, created_at, updated_at`

// Claim selects the oldest runnable job FOR UPDATE SKIP LOCKED and flips
// it to PROCESSING inside one transaction. Concurrent claimers skip each
// other's locked rows instead of contending.
func (q *SQLQueue) Claim(ctx context.Context, workerID string) (*models.Job, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "starting claim transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var jobID string
	err = tx.GetContext(ctx, &jobID,
		`SELECT job_id FROM event_jobs
		 WHERE status = 'PENDING' AND next_run_at <= now()
		 ORDER BY created_at ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoJobsAvailable
	}
	if err != nil {
		return nil, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "selecting pending job", err)
	}

	var job models.Job
	err = tx.GetContext(ctx, &job,
		`UPDATE event_jobs
		 SET status = 'PROCESSING', locked_at = now(), locked_by = $2,
		     attempts = attempts + 1, updated_at = now()
		 WHERE job_id = $1
		 RETURNING `+jobColumns,
		jobID, workerID)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "claiming job", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "committing claim", err)
	}
	return &job, nil
}

func (q *SQLQueue) Complete(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE event_jobs
		 SET status = 'DONE', locked_at = NULL, locked_by = NULL, updated_at = now()
		 WHERE job_id = $1`, jobID)
	if err != nil {
		return memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "completing job", err)
	}
	return nil
}

func (q *SQLQueue) FailTransient(ctx context.Context, jobID, code, message string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE event_jobs
		 SET status = CASE WHEN attempts >= max_attempts THEN 'FAILED' ELSE 'PENDING' END,
		     next_run_at = now() + make_interval(secs => LEAST(30 * POWER(2, attempts), 600)),
		     last_error_code = $2, last_error_message = $3,
		     locked_at = NULL, locked_by = NULL, updated_at = now()
		 WHERE job_id = $1`,
		jobID, code, message)
	if err != nil {
		return memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "rescheduling job", err)
	}
	return nil
}

func (q *SQLQueue) FailTerminal(ctx context.Context, jobID, code, message string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE event_jobs
		 SET status = 'FAILED', last_error_code = $2, last_error_message = $3,
		     locked_at = NULL, locked_by = NULL, updated_at = now()
		 WHERE job_id = $1`,
		jobID, code, message)
	if err != nil {
		return memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "failing job", err)
	}
	return nil
}

func (q *SQLQueue) Heartbeat(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE event_jobs SET locked_at = now(), updated_at = now()
		 WHERE job_id = $1 AND status = 'PROCESSING'`, jobID)
	if err != nil {
		return memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "heartbeating job", err)
	}
	return nil
}

func (q *SQLQueue) GetJob(ctx context.Context, artifactUID, revisionID string) (*models.Job, error) {
	var job models.Job
	err := q.db.GetContext(ctx, &job,
		`SELECT `+jobColumns+` FROM event_jobs
		 WHERE artifact_uid = $1 AND revision_id = $2 AND job_type = $3`,
		artifactUID, revisionID, models.JobTypeExtractEvents)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memerr.NotFound("no job for %s/%s", artifactUID, revisionID)
	}
	if err != nil {
		return nil, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "loading job", err)
	}
	return &job, nil
}

func (q *SQLQueue) EnqueueReextract(ctx context.Context, artifactUID, revisionID string, maxAttempts int, force bool) (*models.Job, error) {
	job, err := q.GetJob(ctx, artifactUID, revisionID)
	if memerr.IsNotFound(err) {
		return q.insertFresh(ctx, artifactUID, revisionID, maxAttempts)
	}
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case models.JobPending, models.JobProcessing:
		// Already queued or running; nothing to do.
		return job, nil
	case models.JobDone:
		if !force {
			return job, nil
		}
	case models.JobFailed:
		// Always resettable.
	}

	var reset models.Job
	err = q.db.GetContext(ctx, &reset,
		`UPDATE event_jobs
		 SET status = 'PENDING', attempts = 0, next_run_at = now(),
		     locked_at = NULL, locked_by = NULL,
		     last_error_code = NULL, last_error_message = NULL, updated_at = now()
		 WHERE job_id = $1
		 RETURNING `+jobColumns, job.JobID)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "resetting job", err)
	}
	return &reset, nil
}

func (q *SQLQueue) insertFresh(ctx context.Context, artifactUID, revisionID string, maxAttempts int) (*models.Job, error) {
	var job models.Job
	err := q.db.GetContext(ctx, &job,
		`INSERT INTO event_jobs (job_id, job_type, artifact_uid, revision_id, status, attempts, max_attempts, next_run_at)
		 VALUES ($1, $2, $3, $4, 'PENDING', 0, $5, now())
		 RETURNING `+jobColumns,
		ids.JobID(), models.JobTypeExtractEvents, artifactUID, revisionID, maxAttempts)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "inserting job", err)
	}
	return &job, nil
}

func (q *SQLQueue) Depth(ctx context.Context) (int, error) {
	var depth int
	err := q.db.GetContext(ctx, &depth,
		`SELECT COUNT(*) FROM event_jobs WHERE status = 'PENDING' AND next_run_at <= now()`)
	if err != nil {
		return 0, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "counting pending jobs", err)
	}
	return depth, nil
}

func (q *SQLQueue) RecoverStale(ctx context.Context, threshold time.Duration) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE event_jobs
		 SET status = 'PENDING', locked_at = NULL, locked_by = NULL, updated_at = now()
		 WHERE status = 'PROCESSING' AND locked_at < now() - make_interval(secs => $1)`,
		int(threshold.Seconds()))
	if err != nil {
		return 0, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "recovering stale jobs", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (q *SQLQueue) ReleaseWorkerJobs(ctx context.Context, workerID string) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE event_jobs
		 SET status = 'PENDING', locked_at = NULL, locked_by = NULL, updated_at = now()
		 WHERE status = 'PROCESSING' AND locked_by = $1`,
		workerID)
	if err != nil {
		return 0, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "releasing worker jobs", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

var _ Queue = (*SQLQueue)(nil)
