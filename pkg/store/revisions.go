package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/memoryplane/memoryplane/pkg/memerr"
	"github.com/memoryplane/memoryplane/pkg/models"
)

type revisionStore struct {
	db *sqlx.DB
}

const revisionColumns = `artifact_uid, revision_id, artifact_id, kind, source_system, source_id,
	title, author, participants, occurred_at, sensitivity, visibility_scope, retention_policy,
	content_hash, token_count, chunk_count, chunk_target_tokens, chunk_overlap_tokens,
	is_latest, created_at`

func (s *revisionStore) GetRevision(ctx context.Context, artifactUID, revisionID string) (*models.Revision, error) {
	var rev models.Revision
	err := s.db.GetContext(ctx, &rev,
		`SELECT `+revisionColumns+` FROM artifact_revision WHERE artifact_uid = $1 AND revision_id = $2`,
		artifactUID, revisionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memerr.NotFound("revision %s/%s not found", artifactUID, revisionID)
	}
	if err != nil {
		return nil, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "loading revision", err)
	}
	return &rev, nil
}

func (s *revisionStore) GetLatestRevision(ctx context.Context, artifactUID string) (*models.Revision, error) {
	var rev models.Revision
	err := s.db.GetContext(ctx, &rev,
		`SELECT `+revisionColumns+` FROM artifact_revision WHERE artifact_uid = $1 AND is_latest`,
		artifactUID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memerr.NotFound("artifact %s not found", artifactUID)
	}
	if err != nil {
		return nil, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "loading latest revision", err)
	}
	return &rev, nil
}

// CommitRevision is phase 2 of ingest: one transaction covering the
// latest-flag flip, the revision insert, and the job enqueue. A client
// observing success is guaranteed both rows exist.
func (s *revisionStore) CommitRevision(ctx context.Context, rev *models.Revision, job *models.Job) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "starting commit transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE artifact_revision SET is_latest = FALSE WHERE artifact_uid = $1 AND is_latest`,
		rev.ArtifactUID); err != nil {
		return memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "flipping latest flag", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO artifact_revision (`+revisionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, TRUE, now())`,
		rev.ArtifactUID, rev.RevisionID, rev.ArtifactID, rev.Kind, rev.SourceSystem, rev.SourceID,
		rev.Title, rev.Author, rev.Participants, rev.OccurredAt,
		rev.Sensitivity, rev.VisibilityScope, rev.RetentionPolicy,
		rev.ContentHash, rev.TokenCount, rev.ChunkCount,
		rev.ChunkTargetTokens, rev.ChunkOverlapTokens); err != nil {
		return memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "inserting revision", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO event_jobs (job_id, job_type, artifact_uid, revision_id, status, attempts, max_attempts, next_run_at)
		 VALUES ($1, $2, $3, $4, 'PENDING', 0, $5, now())
		 ON CONFLICT (artifact_uid, revision_id, job_type) DO NOTHING`,
		job.JobID, job.JobType, job.ArtifactUID, job.RevisionID, job.MaxAttempts); err != nil {
		return memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "enqueueing extraction job", err)
	}

	if err := tx.Commit(); err != nil {
		return memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "committing revision", err)
	}
	return nil
}

func (s *revisionStore) ForgetArtifact(ctx context.Context, artifactUID string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "starting forget transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Evidence and entity joins cascade from semantic_event.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM semantic_event WHERE artifact_uid = $1`, artifactUID); err != nil {
		return 0, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "deleting events", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM event_jobs WHERE artifact_uid = $1`, artifactUID); err != nil {
		return 0, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "deleting jobs", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM artifact_revision WHERE artifact_uid = $1`, artifactUID)
	if err != nil {
		return 0, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "deleting revisions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "committing forget", err)
	}
	return int(n), nil
}
