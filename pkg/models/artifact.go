// Package models defines the domain types shared across the server and
// the extraction worker.
package models

import "time"

// ArtifactKind is the closed set of supported artifact types.
type ArtifactKind string

const (
	KindEmail      ArtifactKind = "email"
	KindDoc        ArtifactKind = "doc"
	KindChat       ArtifactKind = "chat"
	KindTranscript ArtifactKind = "transcript"
	KindNote       ArtifactKind = "note"
)

// ValidKind reports whether k is a recognized artifact kind.
func ValidKind(k ArtifactKind) bool {
	switch k {
	case KindEmail, KindDoc, KindChat, KindTranscript, KindNote:
		return true
	}
	return false
}

// Privacy is the stored-but-unenforced privacy triple.
type Privacy struct {
	Sensitivity     string `json:"sensitivity" db:"sensitivity"`
	VisibilityScope string `json:"visibility_scope" db:"visibility_scope"`
	RetentionPolicy string `json:"retention_policy" db:"retention_policy"`
}

// DefaultPrivacy returns the privacy triple applied when the caller
// provides none.
func DefaultPrivacy() Privacy {
	return Privacy{
		Sensitivity:     "normal",
		VisibilityScope: "default",
		RetentionPolicy: "standard",
	}
}

// ArtifactMeta is caller-supplied metadata accompanying an ingest.
type ArtifactMeta struct {
	SourceID     string     `json:"source_id,omitempty"`
	Title        string     `json:"title,omitempty"`
	Author       string     `json:"author,omitempty"`
	Participants []string   `json:"participants,omitempty"`
	OccurredAt   *time.Time `json:"occurred_at,omitempty"`
	Privacy      *Privacy   `json:"privacy,omitempty"`
}

// Revision is an immutable (artifact_uid, revision_id) version of an
// artifact. At most one revision per artifact_uid is latest.
type Revision struct {
	ArtifactUID        string       `db:"artifact_uid" json:"artifact_uid"`
	RevisionID         string       `db:"revision_id" json:"revision_id"`
	ArtifactID         string       `db:"artifact_id" json:"artifact_id"`
	Kind               ArtifactKind `db:"kind" json:"kind"`
	SourceSystem       string       `db:"source_system" json:"source_system"`
	SourceID           *string      `db:"source_id" json:"source_id,omitempty"`
	Title              *string      `db:"title" json:"title,omitempty"`
	Author             *string      `db:"author" json:"author,omitempty"`
	Participants       []byte       `db:"participants" json:"-"`
	OccurredAt         *time.Time   `db:"occurred_at" json:"occurred_at,omitempty"`
	Sensitivity        string       `db:"sensitivity" json:"sensitivity"`
	VisibilityScope    string       `db:"visibility_scope" json:"visibility_scope"`
	RetentionPolicy    string       `db:"retention_policy" json:"retention_policy"`
	ContentHash        string       `db:"content_hash" json:"content_hash"`
	TokenCount         int          `db:"token_count" json:"token_count"`
	ChunkCount         int          `db:"chunk_count" json:"chunk_count"`
	ChunkTargetTokens  *int         `db:"chunk_target_tokens" json:"chunk_target_tokens,omitempty"`
	ChunkOverlapTokens *int         `db:"chunk_overlap_tokens" json:"chunk_overlap_tokens,omitempty"`
	IsLatest           bool         `db:"is_latest" json:"is_latest"`
	CreatedAt          time.Time    `db:"created_at" json:"created_at"`
}

// Chunk is a token-window slice of a large revision.
type Chunk struct {
	ID          string `json:"id"`
	Index       int    `json:"index"`
	Content     string `json:"content"`
	StartChar   int    `json:"start_char"`
	EndChar     int    `json:"end_char"`
	TokenCount  int    `json:"token_count"`
	ContentHash string `json:"content_hash"`
}
