package extraction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoryplane/memoryplane/pkg/llm"
	"github.com/memoryplane/memoryplane/pkg/memerr"
	"github.com/memoryplane/memoryplane/pkg/models"
	"github.com/memoryplane/memoryplane/pkg/store"
	"github.com/memoryplane/memoryplane/pkg/vectorstore"
)

type fakeRevisionStore struct {
	revisions map[string]*models.Revision // key uid/rev
}

func (f *fakeRevisionStore) GetRevision(_ context.Context, uid, rev string) (*models.Revision, error) {
	if r, ok := f.revisions[uid+"/"+rev]; ok {
		return r, nil
	}
	return nil, memerr.NotFound("revision %s/%s not found", uid, rev)
}

func (f *fakeRevisionStore) GetLatestRevision(context.Context, string) (*models.Revision, error) {
	return nil, memerr.NotFound("not implemented")
}

func (f *fakeRevisionStore) CommitRevision(context.Context, *models.Revision, *models.Job) error {
	return nil
}

func (f *fakeRevisionStore) ForgetArtifact(context.Context, string) (int, error) { return 0, nil }

type recordingEventStore struct {
	store.EventStore
	uid, rev string
	writes   []store.EventWrite
}

func (r *recordingEventStore) ReplaceEvents(_ context.Context, uid, rev string, writes []store.EventWrite) error {
	r.uid, r.rev, r.writes = uid, rev, writes
	return nil
}

func TestProcessorUnchunkedRevision(t *testing.T) {
	ctx := context.Background()
	rev := &models.Revision{ArtifactUID: "uid_1", RevisionID: "rev_1", ArtifactID: "art_1", ChunkCount: 0}

	vectors := vectorstore.NewMemoryStore()
	require.NoError(t, vectors.Upsert(ctx, vectorstore.CollectionContent, []vectorstore.Document{{
		ID:     "art_1",
		Vector: []float32{1},
		Payload: map[string]any{
			vectorstore.PayloadRevisionID: "rev_1",
			vectorstore.PayloadContent:    "We decided to ship.",
		},
	}}))

	phaseA := decisionEvent("The team decided to ship.", "decided to ship", 3, 18)
	p := llm.NewScriptedProvider(phaseA, phaseA)
	events := &recordingEventStore{}
	proc := NewProcessor(
		&fakeRevisionStore{revisions: map[string]*models.Revision{"uid_1/rev_1": rev}},
		events, vectors, newTestService(p), discard())

	err := proc.Process(ctx, &models.Job{ArtifactUID: "uid_1", RevisionID: "rev_1"})
	require.NoError(t, err)
	assert.Equal(t, "uid_1", events.uid)
	assert.Equal(t, "rev_1", events.rev)
	require.Len(t, events.writes, 1)
}

func TestProcessorChunkedRevisionOrdersPieces(t *testing.T) {
	ctx := context.Background()
	rev := &models.Revision{ArtifactUID: "uid_1", RevisionID: "rev_1", ArtifactID: "art_1", ChunkCount: 2}

	vectors := vectorstore.NewMemoryStore()
	require.NoError(t, vectors.Upsert(ctx, vectorstore.CollectionChunks, []vectorstore.Document{
		{ID: "art_1::chunk::001::bbbbbbbb", Vector: []float32{1}, Payload: map[string]any{
			vectorstore.PayloadArtifactUID: "uid_1",
			vectorstore.PayloadRevisionID:  "rev_1",
			vectorstore.PayloadChunkIndex:  1,
			vectorstore.PayloadStartChar:   100,
			vectorstore.PayloadContent:     "second piece decided",
		}},
		{ID: "art_1::chunk::000::aaaaaaaa", Vector: []float32{1}, Payload: map[string]any{
			vectorstore.PayloadArtifactUID: "uid_1",
			vectorstore.PayloadRevisionID:  "rev_1",
			vectorstore.PayloadChunkIndex:  0,
			vectorstore.PayloadStartChar:   0,
			vectorstore.PayloadContent:     "first piece",
		}},
	}))

	empty := `{"events": []}`
	phaseA := decisionEvent("Decided.", "decided", 13, 20)
	phaseB := decisionEvent("Decided.", "decided", 113, 120)
	p := llm.NewScriptedProvider(empty, phaseA, phaseB)
	events := &recordingEventStore{}
	proc := NewProcessor(
		&fakeRevisionStore{revisions: map[string]*models.Revision{"uid_1/rev_1": rev}},
		events, vectors, newTestService(p), discard())

	require.NoError(t, proc.Process(ctx, &models.Job{ArtifactUID: "uid_1", RevisionID: "rev_1"}))
	require.Len(t, events.writes, 1)
	// Chunk 1 starts at char 100; offsets must be artifact-relative.
	assert.Equal(t, 113, events.writes[0].Evidence[0].StartChar)

	// Pieces were processed in index order despite reversed upsert order.
	reqs := p.Requests()
	assert.Contains(t, reqs[0].Messages[1].Content, "first piece")
	assert.Contains(t, reqs[1].Messages[1].Content, "second piece")
}

func TestProcessorRevisionMismatchIsIntegrityError(t *testing.T) {
	ctx := context.Background()
	rev := &models.Revision{ArtifactUID: "uid_1", RevisionID: "rev_old", ArtifactID: "art_1", ChunkCount: 0}

	vectors := vectorstore.NewMemoryStore()
	require.NoError(t, vectors.Upsert(ctx, vectorstore.CollectionContent, []vectorstore.Document{{
		ID: "art_1", Vector: []float32{1},
		Payload: map[string]any{vectorstore.PayloadRevisionID: "rev_new", vectorstore.PayloadContent: "x"},
	}}))

	proc := NewProcessor(
		&fakeRevisionStore{revisions: map[string]*models.Revision{"uid_1/rev_old": rev}},
		&recordingEventStore{}, vectors, newTestService(llm.NewScriptedProvider()), discard())

	err := proc.Process(ctx, &models.Job{ArtifactUID: "uid_1", RevisionID: "rev_old"})
	require.Error(t, err)
	assert.True(t, memerr.IsTerminal(err))
	assert.Equal(t, "CONTENT_MISMATCH", memerr.CodeOf(err))
}

func TestProcessorMissingRevisionIsTerminal(t *testing.T) {
	proc := NewProcessor(
		&fakeRevisionStore{revisions: map[string]*models.Revision{}},
		&recordingEventStore{}, vectorstore.NewMemoryStore(),
		newTestService(llm.NewScriptedProvider()), discard())

	err := proc.Process(context.Background(), &models.Job{ArtifactUID: "uid_x", RevisionID: "rev_x"})
	require.Error(t, err)
	assert.True(t, memerr.IsTerminal(err))
	assert.False(t, memerr.IsTransient(err))
}
