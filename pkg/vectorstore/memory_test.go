package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoryplane/memoryplane/pkg/memerr"
)

func TestMemoryStoreQueryRanksByCosine(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Upsert(ctx, CollectionContent, []Document{
		{ID: "rev_a", Vector: []float32{1, 0}, Payload: map[string]any{PayloadArtifactUID: "uid_a"}},
		{ID: "rev_b", Vector: []float32{0, 1}, Payload: map[string]any{PayloadArtifactUID: "uid_b"}},
		{ID: "rev_c", Vector: []float32{0.9, 0.1}, Payload: map[string]any{PayloadArtifactUID: "uid_c"}},
	}))

	hits, err := s.Query(ctx, CollectionContent, []float32{1, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "rev_a", hits[0].ID)
	assert.Equal(t, "rev_c", hits[1].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestMemoryStoreFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Upsert(ctx, CollectionChunks, []Document{
		{ID: "c1", Vector: []float32{1, 0}, Payload: map[string]any{PayloadArtifactUID: "uid_a"}},
		{ID: "c2", Vector: []float32{1, 0}, Payload: map[string]any{PayloadArtifactUID: "uid_b"}},
	}))

	hits, err := s.Query(ctx, CollectionChunks, []float32{1, 0}, 10,
		map[string]string{PayloadArtifactUID: "uid_b"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c2", hits[0].ID)
}

func TestMemoryStoreGetAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Upsert(ctx, CollectionContent, []Document{
		{ID: "rev_a", Vector: []float32{1}, Payload: map[string]any{PayloadContent: "hello"}},
	}))

	doc, err := s.Get(ctx, CollectionContent, "rev_a")
	require.NoError(t, err)
	assert.Equal(t, "hello", doc.Payload[PayloadContent])
	assert.Equal(t, "rev_a", doc.Payload[PayloadID])

	require.NoError(t, s.Delete(ctx, CollectionContent, []string{"rev_a"}))
	_, err = s.Get(ctx, CollectionContent, "rev_a")
	assert.True(t, memerr.IsNotFound(err))
}

func TestMemoryStoreDeleteByArtifact(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Upsert(ctx, CollectionChunks, []Document{
		{ID: "c1", Vector: []float32{1}, Payload: map[string]any{PayloadArtifactUID: "uid_a"}},
		{ID: "c2", Vector: []float32{1}, Payload: map[string]any{PayloadArtifactUID: "uid_a"}},
		{ID: "c3", Vector: []float32{1}, Payload: map[string]any{PayloadArtifactUID: "uid_b"}},
	}))

	require.NoError(t, s.DeleteByArtifact(ctx, CollectionChunks, "uid_a"))
	assert.Equal(t, 1, s.Count(CollectionChunks))
}
