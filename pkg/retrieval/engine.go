// Package retrieval implements hybrid vector search with reciprocal
// rank fusion, chunk-aware dedup, neighbor expansion, and bounded graph
// expansion over the event store.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/memoryplane/memoryplane/pkg/embedding"
	"github.com/memoryplane/memoryplane/pkg/vectorstore"
)

// ChunkBoundary is the literal delimiter inlined between neighboring
// chunk texts during neighbor expansion.
const ChunkBoundary = "\n[CHUNK BOUNDARY]\n"

// DefaultRRFK is the rank-fusion constant.
const DefaultRRFK = 60

// PrivacyHook inspects a result's privacy fields before it is returned.
// The current release always admits; the hook exists so enforcement can
// land without touching the engine.
type PrivacyHook func(ctx context.Context, sensitivity, visibilityScope string) bool

// AllowAll is the default privacy hook.
func AllowAll(context.Context, string, string) bool { return true }

// Result is one hybrid-search hit.
type Result struct {
	ID          string  `json:"id"`
	Source      string  `json:"source"` // content | chunks
	ArtifactUID string  `json:"artifact_uid"`
	ArtifactID  string  `json:"artifact_id"`
	RevisionID  string  `json:"revision_id"`
	Kind        string  `json:"kind,omitempty"`
	Title       string  `json:"title,omitempty"`
	Content     string  `json:"content"`
	ChunkIndex  int     `json:"chunk_index"` // -1 for whole artifacts
	Score       float64 `json:"score"`
}

// Options tune a hybrid search.
type Options struct {
	ExpandNeighbors bool
}

// Engine runs the fan-out / fuse / dedup pipeline.
type Engine struct {
	vectors  vectorstore.Store
	embedder embedding.Embedder
	rrfK     int
	privacy  PrivacyHook
	logger   *slog.Logger
}

func NewEngine(vectors vectorstore.Store, embedder embedding.Embedder, rrfK int, privacy PrivacyHook, logger *slog.Logger) *Engine {
	if rrfK <= 0 {
		rrfK = DefaultRRFK
	}
	if privacy == nil {
		privacy = AllowAll
	}
	return &Engine{vectors: vectors, embedder: embedder, rrfK: rrfK, privacy: privacy, logger: logger}
}

// candidate tracks one distinct item across sources during fusion.
type candidate struct {
	hit      vectorstore.Hit
	source   string
	rrf      float64
	bestRank int
}

// HybridSearch embeds the query once, fans out to both collections with
// a limit*3 overfetch, fuses with RRF, and dedups chunks over whole
// artifacts.
func (e *Engine) HybridSearch(ctx context.Context, query string, limit int, opts Options) ([]Result, error) {
	if limit <= 0 {
		limit = 20
	}

	vec, err := e.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	topK := limit * 3
	var contentHits, chunkHits []vectorstore.Hit
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		contentHits, err = e.vectors.Query(gctx, vectorstore.CollectionContent, vec, topK, nil)
		return err
	})
	g.Go(func() error {
		var err error
		chunkHits, err = e.vectors.Query(gctx, vectorstore.CollectionChunks, vec, topK, nil)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := e.fuse(map[string][]vectorstore.Hit{
		"content": contentHits,
		"chunks":  chunkHits,
	})
	fused = dedupChunksOverArtifacts(fused)

	results := make([]Result, 0, limit)
	for _, c := range fused {
		r := toResult(c)
		if !e.privacy(ctx, payloadString(c.hit.Payload, "sensitivity"),
			payloadString(c.hit.Payload, "visibility_scope")) {
			continue
		}
		if opts.ExpandNeighbors && r.Source == "chunks" {
			e.expandNeighbors(ctx, &r)
		}
		results = append(results, r)
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

// fuse assigns per-source ranks and merges with reciprocal rank fusion:
// score(item) = sum over sources of 1/(k + rank).
func (e *Engine) fuse(bySources map[string][]vectorstore.Hit) []*candidate {
	merged := map[string]*candidate{}
	// Deterministic source order so equal inputs produce equal output.
	sources := make([]string, 0, len(bySources))
	for s := range bySources {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	for _, source := range sources {
		for i, hit := range bySources[source] {
			rank := i + 1
			c, ok := merged[hit.ID]
			if !ok {
				c = &candidate{hit: hit, source: source, bestRank: rank}
				merged[hit.ID] = c
			}
			c.rrf += 1.0 / float64(e.rrfK+rank)
			if rank < c.bestRank {
				c.bestRank = rank
				c.source = source
				c.hit = hit
			}
		}
	}

	out := make([]*candidate, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].rrf != out[j].rrf {
			return out[i].rrf > out[j].rrf
		}
		if out[i].bestRank != out[j].bestRank {
			return out[i].bestRank < out[j].bestRank
		}
		return out[i].hit.ID < out[j].hit.ID
	})
	return out
}

// dedupChunksOverArtifacts drops an artifact's content-collection entry
// when any of its chunks is also present: the chunk is more specific.
func dedupChunksOverArtifacts(cands []*candidate) []*candidate {
	chunkArtifacts := map[string]bool{}
	for _, c := range cands {
		if c.source == "chunks" {
			chunkArtifacts[payloadString(c.hit.Payload, vectorstore.PayloadArtifactUID)] = true
		}
	}
	out := cands[:0]
	for _, c := range cands {
		if c.source == "content" &&
			chunkArtifacts[payloadString(c.hit.Payload, vectorstore.PayloadArtifactUID)] {
			continue
		}
		out = append(out, c)
	}
	return out
}

// expandNeighbors inlines the text of chunks index±1 around a chunk hit,
// joined with the chunk-boundary delimiter. Failures leave the result as
// it was.
func (e *Engine) expandNeighbors(ctx context.Context, r *Result) {
	docs, err := e.vectors.List(ctx, vectorstore.CollectionChunks, map[string]string{
		vectorstore.PayloadArtifactUID: r.ArtifactUID,
		vectorstore.PayloadRevisionID:  r.RevisionID,
	}, 0)
	if err != nil {
		e.logger.Warn("neighbor expansion failed", "chunk_id", r.ID, "error", err)
		return
	}

	byIndex := map[int]string{}
	for _, doc := range docs {
		byIndex[payloadInt(doc.Payload[vectorstore.PayloadChunkIndex])] =
			payloadString(doc.Payload, vectorstore.PayloadContent)
	}

	parts := []string{}
	if prev, ok := byIndex[r.ChunkIndex-1]; ok {
		parts = append(parts, prev)
	}
	parts = append(parts, r.Content)
	if next, ok := byIndex[r.ChunkIndex+1]; ok {
		parts = append(parts, next)
	}
	if len(parts) > 1 {
		r.Content = strings.Join(parts, ChunkBoundary)
	}
}

func toResult(c *candidate) Result {
	r := Result{
		ID:          c.hit.ID,
		Source:      c.source,
		ArtifactUID: payloadString(c.hit.Payload, vectorstore.PayloadArtifactUID),
		ArtifactID:  payloadString(c.hit.Payload, vectorstore.PayloadArtifactID),
		RevisionID:  payloadString(c.hit.Payload, vectorstore.PayloadRevisionID),
		Kind:        payloadString(c.hit.Payload, vectorstore.PayloadKind),
		Title:       payloadString(c.hit.Payload, vectorstore.PayloadTitle),
		Content:     payloadString(c.hit.Payload, vectorstore.PayloadContent),
		ChunkIndex:  -1,
		Score:       c.rrf,
	}
	if c.source == "chunks" {
		r.ChunkIndex = payloadInt(c.hit.Payload[vectorstore.PayloadChunkIndex])
	}
	return r
}

func payloadString(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func payloadInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
