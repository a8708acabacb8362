// Package api exposes the tool-style JSON RPC surface over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/memoryplane/memoryplane/pkg/ingest"
	"github.com/memoryplane/memoryplane/pkg/memerr"
	"github.com/memoryplane/memoryplane/pkg/models"
	"github.com/memoryplane/memoryplane/pkg/queue"
	"github.com/memoryplane/memoryplane/pkg/retrieval"
	"github.com/memoryplane/memoryplane/pkg/store"
)

// Parameter bounds on the RPC surface.
const (
	DefaultLimit = 20
	MaxLimit     = 100
	MaxQueryLen  = 1000
)

// Ingestor is the ingest surface the handlers need.
type Ingestor interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Result, error)
	Forget(ctx context.Context, artifactUID string) (int, error)
}

// Searcher is the retrieval surface the handlers need.
type Searcher interface {
	HybridSearch(ctx context.Context, query string, limit int, opts retrieval.Options) ([]retrieval.Result, error)
	HybridSearchWithGraph(ctx context.Context, query string, limit, seedLimit, budget int, categories []models.Category, events store.EventStore, opts retrieval.Options) (*retrieval.GraphResult, error)
}

// HealthFunc probes one dependency.
type HealthFunc func(ctx context.Context) error

// Config for the HTTP server.
type Config struct {
	Port        string
	MaxAttempts int
}

// Server wires the tool handlers onto a gin router.
type Server struct {
	cfg       Config
	ingestor  Ingestor
	searcher  Searcher
	revisions store.RevisionStore
	events    store.EventStore
	queue     queue.Queue
	dbHealth  HealthFunc
	vecHealth HealthFunc
	logger    *slog.Logger
}

func NewServer(cfg Config, ingestor Ingestor, searcher Searcher, revisions store.RevisionStore, events store.EventStore, q queue.Queue, dbHealth, vecHealth HealthFunc, logger *slog.Logger) *Server {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Server{
		cfg:       cfg,
		ingestor:  ingestor,
		searcher:  searcher,
		revisions: revisions,
		events:    events,
		queue:     q,
		dbHealth:  dbHealth,
		vecHealth: vecHealth,
		logger:    logger,
	}
}

// Router builds the gin engine with all tool routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.handleHealthz)

	tools := r.Group("/api/v1/tools")
	tools.POST("/artifact_ingest", s.handleArtifactIngest)
	tools.POST("/artifact_forget", s.handleArtifactForget)
	tools.POST("/event_search", s.handleEventSearch)
	tools.POST("/event_get", s.handleEventGet)
	tools.POST("/event_list_for_revision", s.handleEventListForRevision)
	tools.POST("/event_reextract", s.handleEventReextract)
	tools.POST("/job_status", s.handleJobStatus)
	tools.POST("/hybrid_search", s.handleHybridSearch)

	return r
}

// Run serves until the context is cancelled, then drains with a
// shutdown grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// writeError renders the error envelope. Internal details never cross
// the boundary; the envelope carries the code and a safe message.
func writeError(c *gin.Context, err error) {
	code := memerr.CodeOf(err)
	status := http.StatusInternalServerError
	switch memerr.KindOf(err) {
	case memerr.KindValidation:
		status = http.StatusBadRequest
	case memerr.KindNotFound:
		status = http.StatusNotFound
	case memerr.KindTransient:
		status = http.StatusServiceUnavailable
	}

	message := "internal error"
	var typed *memerr.Error
	if errors.As(err, &typed) {
		message = typed.Message
	}
	c.JSON(status, gin.H{"error": message, "error_code": code})
}
