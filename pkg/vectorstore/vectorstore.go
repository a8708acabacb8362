// Package vectorstore abstracts the vector database holding artifact
// and chunk embeddings. Document text travels in the payload, so the
// vector store doubles as the content store.
package vectorstore

import "context"

// Collection names. Artifact-level documents and chunk documents live in
// separate collections so retrieval can query them independently.
const (
	CollectionContent = "memory_content"
	CollectionChunks  = "memory_chunks"
)

// Well-known payload keys.
const (
	PayloadID          = "id"
	PayloadArtifactUID = "artifact_uid"
	PayloadRevisionID  = "revision_id"
	PayloadArtifactID  = "artifact_id"
	PayloadKind        = "kind"
	PayloadTitle       = "title"
	PayloadContent     = "content"
	PayloadChunkIndex  = "chunk_index"
	PayloadStartChar   = "start_char"
	PayloadEndChar     = "end_char"
	PayloadIsLatest    = "is_latest"
)

// Document is a point to write: the original string ID, its embedding,
// and an arbitrary payload.
type Document struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Hit is a similarity-search result.
type Hit struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// Store is the vector database surface ingest, the worker, and
// retrieval consume.
type Store interface {
	// EnsureCollections creates the content and chunk collections when
	// missing. Safe to call on every startup.
	EnsureCollections(ctx context.Context) error

	// Upsert writes documents into a collection, replacing any existing
	// points with the same IDs.
	Upsert(ctx context.Context, collection string, docs []Document) error

	// Query runs similarity search. filter entries are exact payload
	// matches ANDed together; a nil filter matches everything.
	Query(ctx context.Context, collection string, vector []float32, limit int, filter map[string]string) ([]Hit, error)

	// Get fetches one document by its original string ID. Returns
	// NotFound when the point does not exist.
	Get(ctx context.Context, collection, docID string) (*Document, error)

	// List scrolls documents matching the filter without a query vector,
	// up to limit. Used to enumerate a revision's chunks.
	List(ctx context.Context, collection string, filter map[string]string, limit int) ([]Document, error)

	// Delete removes documents by original string ID. Missing IDs are
	// ignored.
	Delete(ctx context.Context, collection string, docIDs []string) error

	// DeleteByArtifact removes every document belonging to an artifact.
	DeleteByArtifact(ctx context.Context, collection, artifactUID string) error

	// Healthy reports whether the backing store is reachable.
	Healthy(ctx context.Context) error
}
