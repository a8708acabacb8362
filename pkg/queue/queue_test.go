package queue

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoryplane/memoryplane/pkg/memerr"
	"github.com/memoryplane/memoryplane/pkg/models"
)

func newMockQueue(t *testing.T) (*SQLQueue, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLQueue(sqlx.NewDb(db, "sqlmock")), mock
}

func jobRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"job_id", "job_type", "artifact_uid", "revision_id", "status",
		"attempts", "max_attempts", "next_run_at", "locked_at", "locked_by",
		"last_error_code", "last_error_message", "created_at", "updated_at",
	})
}

func TestBackoffSchedule(t *testing.T) {
	// attempts -> min(30 * 2^attempts, 600) seconds
	assert.Equal(t, 30*time.Second, backoff(0))
	assert.Equal(t, 60*time.Second, backoff(1))
	assert.Equal(t, 120*time.Second, backoff(2))
	assert.Equal(t, 240*time.Second, backoff(3))
	assert.Equal(t, 480*time.Second, backoff(4))
	assert.Equal(t, 600*time.Second, backoff(5))
	assert.Equal(t, 600*time.Second, backoff(10))
}

func TestClaimUsesSkipLockedAndIncrementsAttempts(t *testing.T) {
	q, mock := newMockQueue(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}).AddRow("job_abc"))
	mock.ExpectQuery(`UPDATE event_jobs\s+SET status = 'PROCESSING'`).
		WithArgs("job_abc", "worker-1").
		WillReturnRows(jobRows().AddRow(
			"job_abc", models.JobTypeExtractEvents, "uid_1", "rev_1", "PROCESSING",
			1, 5, now, now, "worker-1", nil, nil, now, now))
	mock.ExpectCommit()

	job, err := q.Claim(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Equal(t, "job_abc", job.JobID)
	assert.Equal(t, models.JobProcessing, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimEmptyQueue(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}))
	mock.ExpectRollback()

	_, err := q.Claim(context.Background(), "worker-1")
	assert.ErrorIs(t, err, ErrNoJobsAvailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailTransientReschedulesWithBackoff(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec(`SET status = CASE WHEN attempts >= max_attempts THEN 'FAILED' ELSE 'PENDING' END`).
		WithArgs("job_abc", "EMBEDDING_UNAVAILABLE", "upstream timeout").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := q.FailTransient(context.Background(), "job_abc", "EMBEDDING_UNAVAILABLE", "upstream timeout")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailTerminalMarksFailed(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec(`SET status = 'FAILED'`).
		WithArgs("job_abc", "EXTRACTION_INVALID_OUTPUT", "schema violation").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := q.FailTerminal(context.Background(), "job_abc", "EXTRACTION_INVALID_OUTPUT", "schema violation")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteClearsLock(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec(`SET status = 'DONE', locked_at = NULL, locked_by = NULL`).
		WithArgs("job_abc").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, q.Complete(context.Background(), "job_abc"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueReextractResetsFailedJob(t *testing.T) {
	q, mock := newMockQueue(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .* FROM event_jobs\s+WHERE artifact_uid = \$1 AND revision_id = \$2`).
		WithArgs("uid_1", "rev_1", models.JobTypeExtractEvents).
		WillReturnRows(jobRows().AddRow(
			"job_abc", models.JobTypeExtractEvents, "uid_1", "rev_1", "FAILED",
			5, 5, now, nil, nil, "LLM_UNAVAILABLE", "gave up", now, now))
	mock.ExpectQuery(`SET status = 'PENDING', attempts = 0`).
		WithArgs("job_abc").
		WillReturnRows(jobRows().AddRow(
			"job_abc", models.JobTypeExtractEvents, "uid_1", "rev_1", "PENDING",
			0, 5, now, nil, nil, nil, nil, now, now))

	job, err := q.EnqueueReextract(context.Background(), "uid_1", "rev_1", 5, false)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueReextractDoneWithoutForceIsNoop(t *testing.T) {
	q, mock := newMockQueue(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .* FROM event_jobs\s+WHERE artifact_uid = \$1 AND revision_id = \$2`).
		WithArgs("uid_1", "rev_1", models.JobTypeExtractEvents).
		WillReturnRows(jobRows().AddRow(
			"job_abc", models.JobTypeExtractEvents, "uid_1", "rev_1", "DONE",
			1, 5, now, nil, nil, nil, nil, now, now))

	job, err := q.EnqueueReextract(context.Background(), "uid_1", "rev_1", 5, false)
	require.NoError(t, err)
	assert.Equal(t, models.JobDone, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueReextractDoneWithForceResets(t *testing.T) {
	q, mock := newMockQueue(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .* FROM event_jobs\s+WHERE artifact_uid = \$1 AND revision_id = \$2`).
		WithArgs("uid_1", "rev_1", models.JobTypeExtractEvents).
		WillReturnRows(jobRows().AddRow(
			"job_abc", models.JobTypeExtractEvents, "uid_1", "rev_1", "DONE",
			1, 5, now, nil, nil, nil, nil, now, now))
	mock.ExpectQuery(`SET status = 'PENDING', attempts = 0`).
		WithArgs("job_abc").
		WillReturnRows(jobRows().AddRow(
			"job_abc", models.JobTypeExtractEvents, "uid_1", "rev_1", "PENDING",
			0, 5, now, nil, nil, nil, nil, now, now))

	job, err := q.EnqueueReextract(context.Background(), "uid_1", "rev_1", 5, true)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueReextractPendingIsNoop(t *testing.T) {
	q, mock := newMockQueue(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .* FROM event_jobs\s+WHERE artifact_uid = \$1 AND revision_id = \$2`).
		WithArgs("uid_1", "rev_1", models.JobTypeExtractEvents).
		WillReturnRows(jobRows().AddRow(
			"job_abc", models.JobTypeExtractEvents, "uid_1", "rev_1", "PENDING",
			0, 5, now, nil, nil, nil, nil, now, now))

	job, err := q.EnqueueReextract(context.Background(), "uid_1", "rev_1", 5, true)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery(`SELECT .* FROM event_jobs`).
		WithArgs("uid_x", "rev_x", models.JobTypeExtractEvents).
		WillReturnRows(jobRows())

	_, err := q.GetJob(context.Background(), "uid_x", "rev_x")
	assert.True(t, memerr.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverStale(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec(`WHERE status = 'PROCESSING' AND locked_at <`).
		WithArgs(1800).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := q.RecoverStale(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
