package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoryplane/memoryplane/pkg/ingest"
	"github.com/memoryplane/memoryplane/pkg/memerr"
	"github.com/memoryplane/memoryplane/pkg/models"
	"github.com/memoryplane/memoryplane/pkg/queue"
	"github.com/memoryplane/memoryplane/pkg/retrieval"
	"github.com/memoryplane/memoryplane/pkg/store"
)

type fakeIngestor struct {
	result *ingest.Result
	err    error
	gotReq ingest.Request
}

func (f *fakeIngestor) Ingest(_ context.Context, req ingest.Request) (*ingest.Result, error) {
	f.gotReq = req
	return f.result, f.err
}

func (f *fakeIngestor) Forget(context.Context, string) (int, error) { return 1, nil }

type fakeSearcher struct {
	results []retrieval.Result
	graph   *retrieval.GraphResult
	gotLimit int
	gotQuery string
}

func (f *fakeSearcher) HybridSearch(_ context.Context, query string, limit int, _ retrieval.Options) ([]retrieval.Result, error) {
	f.gotQuery, f.gotLimit = query, limit
	return f.results, nil
}

func (f *fakeSearcher) HybridSearchWithGraph(_ context.Context, query string, limit, _, _ int, _ []models.Category, _ store.EventStore, _ retrieval.Options) (*retrieval.GraphResult, error) {
	f.gotQuery, f.gotLimit = query, limit
	return f.graph, nil
}

type fakeEventStore struct {
	store.EventStore
	events    []models.SemanticEvent
	total     int
	gotFilter store.EventFilter
}

func (f *fakeEventStore) SearchEvents(_ context.Context, filter store.EventFilter) ([]models.SemanticEvent, int, error) {
	f.gotFilter = filter
	return f.events, f.total, nil
}

func (f *fakeEventStore) GetEvent(_ context.Context, eventID string) (*models.SemanticEvent, error) {
	for i := range f.events {
		if f.events[i].EventID == eventID {
			return &f.events[i], nil
		}
	}
	return nil, memerr.NotFound("event %s not found", eventID)
}

func (f *fakeEventStore) ListForRevision(context.Context, string, string, bool) ([]models.SemanticEvent, error) {
	return f.events, nil
}

type fakeRevisions struct {
	store.RevisionStore
	revisions map[string]*models.Revision
}

func (f *fakeRevisions) GetRevision(_ context.Context, uid, rev string) (*models.Revision, error) {
	if r, ok := f.revisions[uid+"/"+rev]; ok {
		return r, nil
	}
	return nil, memerr.NotFound("revision %s/%s not found", uid, rev)
}

func (f *fakeRevisions) GetLatestRevision(_ context.Context, uid string) (*models.Revision, error) {
	for _, r := range f.revisions {
		if r.ArtifactUID == uid && r.IsLatest {
			return r, nil
		}
	}
	return nil, memerr.NotFound("artifact %s not found", uid)
}

type fakeJobQueue struct {
	queue.Queue
	job *models.Job
}

func (f *fakeJobQueue) GetJob(context.Context, string, string) (*models.Job, error) {
	if f.job == nil {
		return nil, memerr.NotFound("no job")
	}
	return f.job, nil
}

func (f *fakeJobQueue) EnqueueReextract(context.Context, string, string, int, bool) (*models.Job, error) {
	return f.job, nil
}

func (f *fakeJobQueue) Depth(context.Context) (int, error) { return 3, nil }

type testDeps struct {
	ingestor  *fakeIngestor
	searcher  *fakeSearcher
	events    *fakeEventStore
	revisions *fakeRevisions
	queue     *fakeJobQueue
}

func newTestServer(t *testing.T) (*gin.Engine, *testDeps) {
	t.Helper()
	deps := &testDeps{
		ingestor:  &fakeIngestor{result: &ingest.Result{Status: ingest.StatusCreated}},
		searcher:  &fakeSearcher{},
		events:    &fakeEventStore{},
		revisions: &fakeRevisions{revisions: map[string]*models.Revision{}},
		queue:     &fakeJobQueue{},
	}
	ok := func(context.Context) error { return nil }
	s := NewServer(Config{Port: "0", MaxAttempts: 5},
		deps.ingestor, deps.searcher, deps.revisions, deps.events, deps.queue,
		ok, ok, slog.New(slog.DiscardHandler))
	return s.Router(), deps
}

func post(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestArtifactIngestOK(t *testing.T) {
	router, deps := newTestServer(t)
	deps.ingestor.result = &ingest.Result{
		Status: ingest.StatusCreated, ArtifactUID: "uid_1", RevisionID: "rev_1",
		JobID: "job_1", JobStatus: models.JobPending,
	}

	w := post(t, router, "/api/v1/tools/artifact_ingest", gin.H{
		"kind": "note", "source_system": "manual", "content": "hello",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.KindNote, deps.ingestor.gotReq.Kind)

	var resp ingest.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "uid_1", resp.ArtifactUID)
}

func TestArtifactIngestValidationEnvelope(t *testing.T) {
	router, deps := newTestServer(t)
	deps.ingestor.result = nil
	deps.ingestor.err = memerr.Newf(memerr.KindValidation, "INVALID_ARTIFACT_TYPE", "unknown artifact kind %q", "blog")

	w := post(t, router, "/api/v1/tools/artifact_ingest", gin.H{
		"kind": "blog", "source_system": "manual", "content": "hello",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var envelope struct {
		Error     string `json:"error"`
		ErrorCode string `json:"error_code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, "INVALID_ARTIFACT_TYPE", envelope.ErrorCode)
	assert.NotEmpty(t, envelope.Error)
}

func TestEventSearchLimitTooLarge(t *testing.T) {
	router, _ := newTestServer(t)
	w := post(t, router, "/api/v1/tools/event_search", gin.H{"limit": 150})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_PARAMETER")
}

func TestEventSearchInvalidCategory(t *testing.T) {
	router, _ := newTestServer(t)
	w := post(t, router, "/api/v1/tools/event_search", gin.H{"category": "Gossip"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_CATEGORY")
}

func TestEventSearchDefaultsAndTruncation(t *testing.T) {
	router, deps := newTestServer(t)
	long := make([]byte, 1500)
	for i := range long {
		long[i] = 'q'
	}

	w := post(t, router, "/api/v1/tools/event_search", gin.H{"query": string(long)})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, DefaultLimit, deps.events.gotFilter.Limit)
	assert.Len(t, deps.events.gotFilter.Query, MaxQueryLen)
}

func TestEventGetNotFound(t *testing.T) {
	router, _ := newTestServer(t)
	w := post(t, router, "/api/v1/tools/event_get", gin.H{"event_id": "evt_missing"})
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestEventListForRevisionResolvesLatest(t *testing.T) {
	router, deps := newTestServer(t)
	deps.revisions.revisions["uid_1/rev_2"] = &models.Revision{
		ArtifactUID: "uid_1", RevisionID: "rev_2", IsLatest: true,
	}
	deps.events.events = []models.SemanticEvent{{EventID: "evt_1"}}

	w := post(t, router, "/api/v1/tools/event_list_for_revision", gin.H{"artifact_uid": "uid_1"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		RevisionID string `json:"revision_id"`
		IsLatest   bool   `json:"is_latest"`
		Total      int    `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "rev_2", resp.RevisionID)
	assert.True(t, resp.IsLatest)
	assert.Equal(t, 1, resp.Total)
}

func TestEventReextract(t *testing.T) {
	router, deps := newTestServer(t)
	deps.revisions.revisions["uid_1/rev_1"] = &models.Revision{
		ArtifactUID: "uid_1", RevisionID: "rev_1", IsLatest: true,
	}
	deps.queue.job = &models.Job{JobID: "job_1", Status: models.JobPending}

	w := post(t, router, "/api/v1/tools/event_reextract", gin.H{"artifact_uid": "uid_1", "force": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "job_1")
}

func TestJobStatusUnknownArtifact(t *testing.T) {
	router, _ := newTestServer(t)
	w := post(t, router, "/api/v1/tools/job_status", gin.H{"artifact_uid": "uid_missing"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHybridSearchClampsLimit(t *testing.T) {
	router, deps := newTestServer(t)
	w := post(t, router, "/api/v1/tools/hybrid_search", gin.H{"query": "ship date", "limit": 500})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, MaxLimit, deps.searcher.gotLimit)
}

func TestHybridSearchRequiresQuery(t *testing.T) {
	router, _ := newTestServer(t)
	w := post(t, router, "/api/v1/tools/hybrid_search", gin.H{"limit": 10})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "MISSING_PARAMETER")
}

func TestHybridSearchWithGraph(t *testing.T) {
	router, deps := newTestServer(t)
	deps.searcher.graph = &retrieval.GraphResult{
		Primary: []retrieval.Result{{ID: "art_a"}},
		Related: []retrieval.RelatedItem{{Reason: "shares entity Alice"}},
	}

	w := post(t, router, "/api/v1/tools/hybrid_search", gin.H{"query": "ship", "include_graph": true})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Results []retrieval.Result      `json:"results"`
		Related []retrieval.RelatedItem `json:"related"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Results, 1)
	assert.Len(t, resp.Related, 1)
}

func TestHealthz(t *testing.T) {
	router, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
	assert.Contains(t, w.Body.String(), `"queue_depth":3`)
}

func TestHealthzDegraded(t *testing.T) {
	deps := &testDeps{
		ingestor:  &fakeIngestor{},
		searcher:  &fakeSearcher{},
		events:    &fakeEventStore{},
		revisions: &fakeRevisions{revisions: map[string]*models.Revision{}},
		queue:     &fakeJobQueue{},
	}
	ok := func(context.Context) error { return nil }
	bad := func(context.Context) error { return context.DeadlineExceeded }
	s := NewServer(Config{Port: "0"}, deps.ingestor, deps.searcher, deps.revisions,
		deps.events, deps.queue, ok, bad, slog.New(slog.DiscardHandler))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
