package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/memoryplane/memoryplane/pkg/ingest"
	"github.com/memoryplane/memoryplane/pkg/memerr"
	"github.com/memoryplane/memoryplane/pkg/models"
	"github.com/memoryplane/memoryplane/pkg/retrieval"
	"github.com/memoryplane/memoryplane/pkg/store"
)

type ingestRequest struct {
	Kind         string              `json:"kind"`
	SourceSystem string              `json:"source_system"`
	Content      string              `json:"content"`
	Metadata     models.ArtifactMeta `json:"metadata"`
}

func (s *Server) handleArtifactIngest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, memerr.Wrap(memerr.KindValidation, "INVALID_PARAMETER", "malformed request body", err))
		return
	}

	result, err := s.ingestor.Ingest(c.Request.Context(), ingest.Request{
		Kind:         models.ArtifactKind(req.Kind),
		SourceSystem: req.SourceSystem,
		Content:      req.Content,
		Meta:         req.Metadata,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleArtifactForget(c *gin.Context) {
	var req struct {
		ArtifactUID string `json:"artifact_uid"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ArtifactUID == "" {
		writeError(c, memerr.New(memerr.KindValidation, "MISSING_PARAMETER", "artifact_uid is required"))
		return
	}

	n, err := s.ingestor.Forget(c.Request.Context(), req.ArtifactUID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifact_uid": req.ArtifactUID, "revisions_removed": n})
}

type eventSearchRequest struct {
	Query           string     `json:"query"`
	Category        string     `json:"category"`
	ArtifactUID     string     `json:"artifact_uid"`
	After           *time.Time `json:"after"`
	Before          *time.Time `json:"before"`
	Limit           int        `json:"limit"`
	IncludeEvidence bool       `json:"include_evidence"`
}

func (s *Server) handleEventSearch(c *gin.Context) {
	var req eventSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, memerr.Wrap(memerr.KindValidation, "INVALID_PARAMETER", "malformed request body", err))
		return
	}
	if req.Limit == 0 {
		req.Limit = DefaultLimit
	}
	if req.Limit < 0 || req.Limit > MaxLimit {
		writeError(c, memerr.Newf(memerr.KindValidation, "INVALID_PARAMETER",
			"limit must be between 1 and %d", MaxLimit))
		return
	}
	if req.Category != "" && !models.ValidCategory(models.Category(req.Category)) {
		writeError(c, memerr.Newf(memerr.KindValidation, "INVALID_CATEGORY",
			"unknown category %q", req.Category))
		return
	}
	req.Query = truncateQuery(req.Query)

	events, total, err := s.events.SearchEvents(c.Request.Context(), store.EventFilter{
		Query:       req.Query,
		Category:    models.Category(req.Category),
		ArtifactUID: req.ArtifactUID,
		After:       req.After,
		Before:      req.Before,
		Limit:       req.Limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	filters := gin.H{}
	if req.Query != "" {
		filters["query"] = req.Query
	}
	if req.Category != "" {
		filters["category"] = req.Category
	}
	if req.ArtifactUID != "" {
		filters["artifact_uid"] = req.ArtifactUID
	}
	c.JSON(http.StatusOK, gin.H{
		"events":          emptyIfNil(events),
		"total":           total,
		"filters_applied": filters,
	})
}

func (s *Server) handleEventGet(c *gin.Context) {
	var req struct {
		EventID string `json:"event_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.EventID == "" {
		writeError(c, memerr.New(memerr.KindValidation, "MISSING_PARAMETER", "event_id is required"))
		return
	}

	event, err := s.events.GetEvent(c.Request.Context(), req.EventID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

type listForRevisionRequest struct {
	ArtifactUID     string `json:"artifact_uid"`
	RevisionID      string `json:"revision_id"`
	IncludeEvidence bool   `json:"include_evidence"`
}

func (s *Server) handleEventListForRevision(c *gin.Context) {
	var req listForRevisionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ArtifactUID == "" {
		writeError(c, memerr.New(memerr.KindValidation, "MISSING_PARAMETER", "artifact_uid is required"))
		return
	}

	rev, err := s.resolveRevision(c, req.ArtifactUID, req.RevisionID)
	if err != nil {
		writeError(c, err)
		return
	}

	events, err := s.events.ListForRevision(c.Request.Context(), rev.ArtifactUID, rev.RevisionID, req.IncludeEvidence)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"artifact_uid": rev.ArtifactUID,
		"revision_id":  rev.RevisionID,
		"is_latest":    rev.IsLatest,
		"events":       emptyIfNil(events),
		"total":        len(events),
	})
}

type reextractRequest struct {
	ArtifactUID string `json:"artifact_uid"`
	RevisionID  string `json:"revision_id"`
	Force       bool   `json:"force"`
}

func (s *Server) handleEventReextract(c *gin.Context) {
	var req reextractRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ArtifactUID == "" {
		writeError(c, memerr.New(memerr.KindValidation, "MISSING_PARAMETER", "artifact_uid is required"))
		return
	}

	rev, err := s.resolveRevision(c, req.ArtifactUID, req.RevisionID)
	if err != nil {
		writeError(c, err)
		return
	}

	job, err := s.queue.EnqueueReextract(c.Request.Context(), rev.ArtifactUID, rev.RevisionID,
		s.cfg.MaxAttempts, req.Force)
	if err != nil {
		writeError(c, err)
		return
	}

	message := "re-extraction queued"
	if job.Status != models.JobPending {
		message = "job already " + string(job.Status)
	}
	c.JSON(http.StatusOK, gin.H{"job_id": job.JobID, "status": job.Status, "message": message})
}

func (s *Server) handleJobStatus(c *gin.Context) {
	var req struct {
		ArtifactUID string `json:"artifact_uid"`
		RevisionID  string `json:"revision_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ArtifactUID == "" {
		writeError(c, memerr.New(memerr.KindValidation, "MISSING_PARAMETER", "artifact_uid is required"))
		return
	}

	rev, err := s.resolveRevision(c, req.ArtifactUID, req.RevisionID)
	if err != nil {
		writeError(c, err)
		return
	}

	job, err := s.queue.GetJob(c.Request.Context(), rev.ArtifactUID, rev.RevisionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

type hybridSearchRequest struct {
	Query           string   `json:"query"`
	Limit           int      `json:"limit"`
	ExpandNeighbors bool     `json:"expand_neighbors"`
	IncludeGraph    bool     `json:"include_graph"`
	GraphBudget     int      `json:"graph_budget"`
	GraphSeedLimit  int      `json:"graph_seed_limit"`
	Categories      []string `json:"categories"`
}

func (s *Server) handleHybridSearch(c *gin.Context) {
	var req hybridSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, memerr.Wrap(memerr.KindValidation, "INVALID_PARAMETER", "malformed request body", err))
		return
	}
	if req.Query == "" {
		writeError(c, memerr.New(memerr.KindValidation, "MISSING_PARAMETER", "query is required"))
		return
	}
	req.Query = truncateQuery(req.Query)
	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}
	if req.Limit > MaxLimit {
		req.Limit = MaxLimit
	}
	opts := retrieval.Options{ExpandNeighbors: req.ExpandNeighbors}

	if !req.IncludeGraph {
		results, err := s.searcher.HybridSearch(c.Request.Context(), req.Query, req.Limit, opts)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": emptyIfNil(results), "total": len(results)})
		return
	}

	categories := make([]models.Category, 0, len(req.Categories))
	for _, cat := range req.Categories {
		categories = append(categories, models.Category(cat))
	}
	out, err := s.searcher.HybridSearchWithGraph(c.Request.Context(), req.Query, req.Limit,
		req.GraphSeedLimit, req.GraphBudget, categories, s.events, opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"results": emptyIfNil(out.Primary),
		"total":   len(out.Primary),
		"related": emptyIfNil(out.Related),
	})
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx := c.Request.Context()
	status := http.StatusOK
	checks := gin.H{"database": "ok", "vector_store": "ok"}
	if err := s.dbHealth(ctx); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.vecHealth(ctx); err != nil {
		checks["vector_store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if depth, err := s.queue.Depth(ctx); err == nil {
		checks["queue_depth"] = depth
	}
	c.JSON(status, gin.H{"status": statusWord(status), "checks": checks})
}

func statusWord(status int) string {
	if status == http.StatusOK {
		return "healthy"
	}
	return "unhealthy"
}

// resolveRevision loads the named revision, or the latest when the
// request leaves revision_id empty.
func (s *Server) resolveRevision(c *gin.Context, artifactUID, revisionID string) (*models.Revision, error) {
	if revisionID == "" {
		return s.revisions.GetLatestRevision(c.Request.Context(), artifactUID)
	}
	return s.revisions.GetRevision(c.Request.Context(), artifactUID, revisionID)
}

func truncateQuery(q string) string {
	if len(q) > MaxQueryLen {
		return q[:MaxQueryLen]
	}
	return q
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
