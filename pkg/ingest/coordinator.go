// Package ingest implements the synchronous write path: validate,
// identify, dedup, chunk, embed, and commit a new artifact revision.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/memoryplane/memoryplane/pkg/chunker"
	"github.com/memoryplane/memoryplane/pkg/embedding"
	"github.com/memoryplane/memoryplane/pkg/ids"
	"github.com/memoryplane/memoryplane/pkg/memerr"
	"github.com/memoryplane/memoryplane/pkg/models"
	"github.com/memoryplane/memoryplane/pkg/queue"
	"github.com/memoryplane/memoryplane/pkg/store"
	"github.com/memoryplane/memoryplane/pkg/vectorstore"
)

// Statuses reported to the caller.
const (
	StatusCreated   = "created"
	StatusUnchanged = "unchanged"
)

// Request is one artifact_ingest call.
type Request struct {
	Kind         models.ArtifactKind
	SourceSystem string
	Content      string
	Meta         models.ArtifactMeta
}

// Result reports the identifiers and job state after ingest.
type Result struct {
	Status      string           `json:"status"`
	ArtifactID  string           `json:"artifact_id"`
	ArtifactUID string           `json:"artifact_uid"`
	RevisionID  string           `json:"revision_id"`
	Chunked     bool             `json:"chunked"`
	NumChunks   int              `json:"num_chunks"`
	JobID       string           `json:"job_id,omitempty"`
	JobStatus   models.JobStatus `json:"job_status,omitempty"`
}

// Config bounds the coordinator.
type Config struct {
	MaxContentBytes int
	MaxAttempts     int
}

// Coordinator runs the serial ingest algorithm. Embedding must succeed
// before any write starts; the vector write precedes the relational
// commit so a success response guarantees both.
type Coordinator struct {
	cfg       Config
	revisions store.RevisionStore
	queue     queue.Queue
	vectors   vectorstore.Store
	embedder  embedding.Embedder
	chunker   *chunker.Chunker
	logger    *slog.Logger
}

func NewCoordinator(cfg Config, revisions store.RevisionStore, q queue.Queue, vectors vectorstore.Store, embedder embedding.Embedder, ch *chunker.Chunker, logger *slog.Logger) *Coordinator {
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = 4 << 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Coordinator{
		cfg:       cfg,
		revisions: revisions,
		queue:     q,
		vectors:   vectors,
		embedder:  embedder,
		chunker:   ch,
		logger:    logger,
	}
}

func (c *Coordinator) Ingest(ctx context.Context, req Request) (*Result, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}

	artifactUID := ids.ArtifactUID(req.SourceSystem, req.Meta.SourceID, req.Content)
	revisionID := ids.RevisionID(req.Content)
	artifactID := ids.ArtifactID(artifactUID)
	logger := c.logger.With("artifact_uid", artifactUID, "revision_id", revisionID)

	// Dedup: identical (uid, revision) means identical content; return
	// the existing state with no side effects.
	if _, err := c.revisions.GetRevision(ctx, artifactUID, revisionID); err == nil {
		result := &Result{
			Status:      StatusUnchanged,
			ArtifactID:  artifactID,
			ArtifactUID: artifactUID,
			RevisionID:  revisionID,
		}
		if job, jerr := c.queue.GetJob(ctx, artifactUID, revisionID); jerr == nil {
			result.JobID = job.JobID
			result.JobStatus = job.Status
		}
		logger.Info("ingest dedup hit")
		return result, nil
	} else if !memerr.IsNotFound(err) {
		return nil, err
	}

	shouldChunk, tokenCount := c.chunker.ShouldChunk(req.Content)

	var chunks []models.Chunk
	var contentVec []float32
	var chunkVecs [][]float32
	var err error
	if shouldChunk {
		chunks = c.chunker.Chunk(req.Content, artifactID)
		texts := make([]string, len(chunks))
		for i, ch := range chunks {
			texts[i] = ch.Content
		}
		chunkVecs, err = c.embedder.EmbedMany(ctx, texts)
	} else {
		contentVec, err = c.embedder.EmbedOne(ctx, req.Content)
	}
	if err != nil {
		return nil, fmt.Errorf("embedding revision: %w", err)
	}

	rev := c.buildRevision(req, artifactUID, revisionID, artifactID, tokenCount, len(chunks))

	if shouldChunk {
		err = c.writeChunkVectors(ctx, rev, chunks, chunkVecs)
	} else {
		err = c.writeContentVector(ctx, rev, req.Content, contentVec)
	}
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		JobID:       ids.JobID(),
		JobType:     models.JobTypeExtractEvents,
		ArtifactUID: artifactUID,
		RevisionID:  revisionID,
		Status:      models.JobPending,
		MaxAttempts: c.cfg.MaxAttempts,
	}
	if err := c.revisions.CommitRevision(ctx, rev, job); err != nil {
		return nil, err
	}

	logger.Info("ingest committed", "chunked", shouldChunk, "num_chunks", len(chunks),
		"token_count", tokenCount)
	return &Result{
		Status:      StatusCreated,
		ArtifactID:  artifactID,
		ArtifactUID: artifactUID,
		RevisionID:  revisionID,
		Chunked:     shouldChunk,
		NumChunks:   len(chunks),
		JobID:       job.JobID,
		JobStatus:   models.JobPending,
	}, nil
}

func (c *Coordinator) validate(req Request) error {
	if !models.ValidKind(req.Kind) {
		return memerr.Newf(memerr.KindValidation, "INVALID_ARTIFACT_TYPE",
			"unknown artifact kind %q", req.Kind)
	}
	if req.SourceSystem == "" {
		return memerr.New(memerr.KindValidation, "MISSING_PARAMETER", "source_system is required")
	}
	if req.Content == "" {
		return memerr.New(memerr.KindValidation, "MISSING_PARAMETER", "content is required")
	}
	if len(req.Content) > c.cfg.MaxContentBytes {
		return memerr.Newf(memerr.KindValidation, "INVALID_PARAMETER",
			"content exceeds %d bytes", c.cfg.MaxContentBytes)
	}
	if req.Meta.OccurredAt != nil && req.Meta.OccurredAt.After(time.Now().Add(24*time.Hour)) {
		return memerr.New(memerr.KindValidation, "INVALID_PARAMETER", "occurred_at is in the future")
	}
	return nil
}

func (c *Coordinator) buildRevision(req Request, artifactUID, revisionID, artifactID string, tokenCount, chunkCount int) *models.Revision {
	privacy := models.DefaultPrivacy()
	if req.Meta.Privacy != nil {
		privacy = *req.Meta.Privacy
	}

	rev := &models.Revision{
		ArtifactUID:     artifactUID,
		RevisionID:      revisionID,
		ArtifactID:      artifactID,
		Kind:            req.Kind,
		SourceSystem:    req.SourceSystem,
		OccurredAt:      req.Meta.OccurredAt,
		Sensitivity:     privacy.Sensitivity,
		VisibilityScope: privacy.VisibilityScope,
		RetentionPolicy: privacy.RetentionPolicy,
		ContentHash:     ids.ContentHash(req.Content),
		TokenCount:      tokenCount,
		ChunkCount:      chunkCount,
		IsLatest:        true,
	}
	if req.Meta.SourceID != "" {
		rev.SourceID = &req.Meta.SourceID
	}
	if req.Meta.Title != "" {
		rev.Title = &req.Meta.Title
	}
	if req.Meta.Author != "" {
		rev.Author = &req.Meta.Author
	}
	if len(req.Meta.Participants) > 0 {
		if data, err := json.Marshal(req.Meta.Participants); err == nil {
			rev.Participants = data
		}
	}
	if chunkCount > 0 {
		cfg := chunker.DefaultConfig()
		rev.ChunkTargetTokens = &cfg.TargetTokens
		rev.ChunkOverlapTokens = &cfg.OverlapTokens
	}
	return rev
}

func (c *Coordinator) writeContentVector(ctx context.Context, rev *models.Revision, content string, vec []float32) error {
	payload := map[string]any{
		vectorstore.PayloadArtifactUID: rev.ArtifactUID,
		vectorstore.PayloadRevisionID:  rev.RevisionID,
		vectorstore.PayloadArtifactID:  rev.ArtifactID,
		vectorstore.PayloadKind:        string(rev.Kind),
		vectorstore.PayloadContent:     content,
		"content_hash":                 rev.ContentHash,
		"sensitivity":                  rev.Sensitivity,
		"visibility_scope":             rev.VisibilityScope,
	}
	if rev.Title != nil {
		payload[vectorstore.PayloadTitle] = *rev.Title
	}
	return c.vectors.Upsert(ctx, vectorstore.CollectionContent, []vectorstore.Document{
		{ID: rev.ArtifactID, Vector: vec, Payload: payload},
	})
}

func (c *Coordinator) writeChunkVectors(ctx context.Context, rev *models.Revision, chunks []models.Chunk, vecs [][]float32) error {
	docs := make([]vectorstore.Document, len(chunks))
	for i, ch := range chunks {
		docs[i] = vectorstore.Document{
			ID:     ch.ID,
			Vector: vecs[i],
			Payload: map[string]any{
				vectorstore.PayloadArtifactUID: rev.ArtifactUID,
				vectorstore.PayloadRevisionID:  rev.RevisionID,
				vectorstore.PayloadArtifactID:  rev.ArtifactID,
				vectorstore.PayloadKind:        string(rev.Kind),
				vectorstore.PayloadContent:     ch.Content,
				vectorstore.PayloadChunkIndex:  ch.Index,
				vectorstore.PayloadStartChar:   ch.StartChar,
				vectorstore.PayloadEndChar:     ch.EndChar,
				"content_hash":                 ch.ContentHash,
				"sensitivity":                  rev.Sensitivity,
				"visibility_scope":             rev.VisibilityScope,
			},
		}
	}
	return c.vectors.Upsert(ctx, vectorstore.CollectionChunks, docs)
}

// Forget removes an artifact everywhere: events, jobs, revisions, and
// vectors. Returns the number of revisions removed.
func (c *Coordinator) Forget(ctx context.Context, artifactUID string) (int, error) {
	n, err := c.revisions.ForgetArtifact(ctx, artifactUID)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, memerr.NotFound("artifact %s not found", artifactUID)
	}
	for _, collection := range []string{vectorstore.CollectionContent, vectorstore.CollectionChunks} {
		if err := c.vectors.DeleteByArtifact(ctx, collection, artifactUID); err != nil {
			// Relational rows are gone; orphan vectors are logged, not fatal.
			c.logger.Error("deleting vectors during forget", "artifact_uid", artifactUID,
				"collection", collection, "error", err)
		}
	}
	return n, nil
}
