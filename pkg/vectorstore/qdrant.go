package vectorstore

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/memoryplane/memoryplane/pkg/ids"
	"github.com/memoryplane/memoryplane/pkg/memerr"
)

// QdrantStore implements Store on a qdrant instance over gRPC.
//
// Qdrant point IDs must be UUIDs or integers, so every document ID is
// mapped through a deterministic UUIDv5; the original string ID rides
// in the payload under PayloadID.
type QdrantStore struct {
	client    *qdrant.Client
	vectorDim uint64
}

// NewQdrantStore dials the qdrant gRPC endpoint.
func NewQdrantStore(host string, port int, vectorDim int) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant at %s:%d: %w", host, port, err)
	}
	return &QdrantStore{client: client, vectorDim: uint64(vectorDim)}, nil
}

func (s *QdrantStore) EnsureCollections(ctx context.Context) error {
	for _, name := range []string{CollectionContent, CollectionChunks} {
		exists, err := s.client.CollectionExists(ctx, name)
		if err != nil {
			return memerr.Wrap(memerr.KindTransient, "VECTOR_STORE_UNAVAILABLE", "checking collection "+name, err)
		}
		if exists {
			continue
		}
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     s.vectorDim,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return memerr.Wrap(memerr.KindTransient, "VECTOR_STORE_UNAVAILABLE", "creating collection "+name, err)
		}
	}
	return nil
}

func (s *QdrantStore) Upsert(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, len(docs))
	for i, doc := range docs {
		payload := make(map[string]any, len(doc.Payload)+1)
		for k, v := range doc.Payload {
			payload[k] = v
		}
		payload[PayloadID] = doc.ID
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(ids.PointUUID(doc.ID)),
			Vectors: qdrant.NewVectors(doc.Vector...),
			Payload: qdrant.NewValueMap(payload),
		}
	}
	wait := true
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
		Wait:           &wait,
	})
	if err != nil {
		return memerr.Wrap(memerr.KindTransient, "VECTOR_STORE_UNAVAILABLE", "upserting points", err)
	}
	return nil
}

func (s *QdrantStore) Query(ctx context.Context, collection string, vector []float32, limit int, filter map[string]string) ([]Hit, error) {
	lim := uint64(limit)
	req := &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &lim,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(filter) > 0 {
		var must []*qdrant.Condition
		for k, v := range filter {
			must = append(must, qdrant.NewMatch(k, v))
		}
		req.Filter = &qdrant.Filter{Must: must}
	}

	scored, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindTransient, "VECTOR_STORE_UNAVAILABLE", "querying points", err)
	}

	hits := make([]Hit, 0, len(scored))
	for _, sp := range scored {
		payload := decodePayload(sp.Payload)
		id, _ := payload[PayloadID].(string)
		hits = append(hits, Hit{ID: id, Score: sp.Score, Payload: payload})
	}
	return hits, nil
}

func (s *QdrantStore) Get(ctx context.Context, collection, docID string) (*Document, error) {
	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: collection,
		Ids:            []*qdrant.PointId{qdrant.NewID(ids.PointUUID(docID))},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, memerr.Wrap(memerr.KindTransient, "VECTOR_STORE_UNAVAILABLE", "fetching point", err)
	}
	if len(points) == 0 {
		return nil, memerr.NotFound("document %s not found in %s", docID, collection)
	}

	p := points[0]
	doc := &Document{ID: docID, Payload: decodePayload(p.Payload)}
	if v := p.Vectors.GetVector(); v != nil {
		doc.Vector = v.Data
	}
	return doc, nil
}

func (s *QdrantStore) List(ctx context.Context, collection string, filter map[string]string, limit int) ([]Document, error) {
	lim := uint32(limit)
	req := &qdrant.ScrollPoints{
		CollectionName: collection,
		Limit:          &lim,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(filter) > 0 {
		var must []*qdrant.Condition
		for k, v := range filter {
			must = append(must, qdrant.NewMatch(k, v))
		}
		req.Filter = &qdrant.Filter{Must: must}
	}

	points, err := s.client.Scroll(ctx, req)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindTransient, "VECTOR_STORE_UNAVAILABLE", "scrolling points", err)
	}

	docs := make([]Document, 0, len(points))
	for _, p := range points {
		payload := decodePayload(p.Payload)
		id, _ := payload[PayloadID].(string)
		docs = append(docs, Document{ID: id, Payload: payload})
	}
	return docs, nil
}

func (s *QdrantStore) Delete(ctx context.Context, collection string, docIDs []string) error {
	if len(docIDs) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(docIDs))
	for i, id := range docIDs {
		pointIDs[i] = qdrant.NewID(ids.PointUUID(id))
	}
	wait := true
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
		Wait:           &wait,
	})
	if err != nil {
		return memerr.Wrap(memerr.KindTransient, "VECTOR_STORE_UNAVAILABLE", "deleting points", err)
	}
	return nil
}

func (s *QdrantStore) DeleteByArtifact(ctx context.Context, collection, artifactUID string) error {
	wait := true
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(PayloadArtifactUID, artifactUID)},
		}),
		Wait: &wait,
	})
	if err != nil {
		return memerr.Wrap(memerr.KindTransient, "VECTOR_STORE_UNAVAILABLE", "deleting artifact points", err)
	}
	return nil
}

func (s *QdrantStore) Healthy(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return memerr.Wrap(memerr.KindTransient, "VECTOR_STORE_UNAVAILABLE", "qdrant health check", err)
	}
	return nil
}

// decodePayload converts qdrant's protobuf value map into plain Go
// values. Only the types we write (strings, integers, bools) matter.
func decodePayload(in map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch val := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			out[k] = val.StringValue
		case *qdrant.Value_IntegerValue:
			out[k] = val.IntegerValue
		case *qdrant.Value_DoubleValue:
			out[k] = val.DoubleValue
		case *qdrant.Value_BoolValue:
			out[k] = val.BoolValue
		}
	}
	return out
}

var _ Store = (*QdrantStore)(nil)
