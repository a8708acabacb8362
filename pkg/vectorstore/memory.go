package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/memoryplane/memoryplane/pkg/memerr"
)

// MemoryStore is an in-process Store used in tests and local runs
// without a qdrant instance. Similarity is cosine, matching the real
// collections' distance metric.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]Document // collection -> docID -> doc
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string]map[string]Document{
		CollectionContent: {},
		CollectionChunks:  {},
	}}
}

func (m *MemoryStore) EnsureCollections(context.Context) error { return nil }

func (m *MemoryStore) Upsert(_ context.Context, collection string, docs []Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.coll(collection)
	for _, doc := range docs {
		copied := Document{ID: doc.ID, Vector: append([]float32(nil), doc.Vector...), Payload: map[string]any{}}
		for k, v := range doc.Payload {
			copied.Payload[k] = v
		}
		copied.Payload[PayloadID] = doc.ID
		coll[doc.ID] = copied
	}
	return nil
}

func (m *MemoryStore) Query(_ context.Context, collection string, vector []float32, limit int, filter map[string]string) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []Hit
	for _, doc := range m.coll(collection) {
		if !matches(doc.Payload, filter) {
			continue
		}
		hits = append(hits, Hit{ID: doc.ID, Score: cosine(vector, doc.Vector), Payload: doc.Payload})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (m *MemoryStore) Get(_ context.Context, collection, docID string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.coll(collection)[docID]
	if !ok {
		return nil, memerr.NotFound("document %s not found in %s", docID, collection)
	}
	return &doc, nil
}

func (m *MemoryStore) List(_ context.Context, collection string, filter map[string]string, limit int) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var docs []Document
	for _, doc := range m.coll(collection) {
		if matches(doc.Payload, filter) {
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (m *MemoryStore) Delete(_ context.Context, collection string, docIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.coll(collection)
	for _, id := range docIDs {
		delete(coll, id)
	}
	return nil
}

func (m *MemoryStore) DeleteByArtifact(_ context.Context, collection, artifactUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.coll(collection)
	for id, doc := range coll {
		if uid, _ := doc.Payload[PayloadArtifactUID].(string); uid == artifactUID {
			delete(coll, id)
		}
	}
	return nil
}

func (m *MemoryStore) Healthy(context.Context) error { return nil }

// Count reports how many documents a collection holds; test helper.
func (m *MemoryStore) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.coll(collection))
}

func (m *MemoryStore) coll(name string) map[string]Document {
	coll, ok := m.data[name]
	if !ok {
		coll = map[string]Document{}
		m.data[name] = coll
	}
	return coll
}

func matches(payload map[string]any, filter map[string]string) bool {
	for k, want := range filter {
		got, _ := payload[k].(string)
		if got != want {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

var _ Store = (*MemoryStore)(nil)
