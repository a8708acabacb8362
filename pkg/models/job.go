package models

import "time"

// JobStatus is the lifecycle state of an extraction job.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobDone       JobStatus = "DONE"
	JobFailed     JobStatus = "FAILED"
)

// JobTypeExtractEvents is the default (and currently only) job type.
const JobTypeExtractEvents = "extract_events"

// Job is a durable extraction task, unique on
// (artifact_uid, revision_id, job_type).
type Job struct {
	JobID            string     `db:"job_id" json:"job_id"`
	JobType          string     `db:"job_type" json:"job_type"`
	ArtifactUID      string     `db:"artifact_uid" json:"artifact_uid"`
	RevisionID       string     `db:"revision_id" json:"revision_id"`
	Status           JobStatus  `db:"status" json:"status"`
	Attempts         int        `db:"attempts" json:"attempts"`
	MaxAttempts      int        `db:"max_attempts" json:"max_attempts"`
	NextRunAt        time.Time  `db:"next_run_at" json:"next_run_at"`
	LockedAt         *time.Time `db:"locked_at" json:"locked_at,omitempty"`
	LockedBy         *string    `db:"locked_by" json:"locked_by,omitempty"`
	LastErrorCode    *string    `db:"last_error_code" json:"last_error_code,omitempty"`
	LastErrorMessage *string    `db:"last_error_message" json:"last_error_message,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}
