package extraction

import (
	"context"
	"log/slog"
	"sort"

	"github.com/memoryplane/memoryplane/pkg/memerr"
	"github.com/memoryplane/memoryplane/pkg/models"
	"github.com/memoryplane/memoryplane/pkg/store"
	"github.com/memoryplane/memoryplane/pkg/vectorstore"
)

// Processor is the worker-side job handler: load the revision, pull its
// text out of the vector store, run extraction, and commit the event set
// atomically.
type Processor struct {
	revisions store.RevisionStore
	events    store.EventStore
	vectors   vectorstore.Store
	service   *Service
	logger    *slog.Logger
}

func NewProcessor(revisions store.RevisionStore, events store.EventStore, vectors vectorstore.Store, service *Service, logger *slog.Logger) *Processor {
	return &Processor{
		revisions: revisions,
		events:    events,
		vectors:   vectors,
		service:   service,
		logger:    logger,
	}
}

func (p *Processor) Process(ctx context.Context, job *models.Job) error {
	rev, err := p.revisions.GetRevision(ctx, job.ArtifactUID, job.RevisionID)
	if err != nil {
		if memerr.IsNotFound(err) {
			// The artifact was forgotten after enqueue; nothing to extract.
			return memerr.Wrap(memerr.KindTerminal, "REVISION_GONE", "revision no longer exists", err)
		}
		return err
	}

	pieces, err := p.loadPieces(ctx, rev)
	if err != nil {
		return err
	}

	writes, err := p.service.Extract(ctx, rev, pieces)
	if err != nil {
		return err
	}

	return p.events.ReplaceEvents(ctx, rev.ArtifactUID, rev.RevisionID, writes)
}

// loadPieces fetches extraction input from the vector store: the single
// content document for unchunked revisions, the chunk set otherwise.
func (p *Processor) loadPieces(ctx context.Context, rev *models.Revision) ([]Piece, error) {
	if rev.ChunkCount == 0 {
		doc, err := p.vectors.Get(ctx, vectorstore.CollectionContent, rev.ArtifactID)
		if err != nil {
			return nil, err
		}
		content, _ := doc.Payload[vectorstore.PayloadContent].(string)
		storedRev, _ := doc.Payload[vectorstore.PayloadRevisionID].(string)
		if storedRev != rev.RevisionID {
			return nil, memerr.Newf(memerr.KindIntegrity, "CONTENT_MISMATCH",
				"content document holds revision %s, job is for %s", storedRev, rev.RevisionID)
		}
		return []Piece{{Index: 0, StartChar: 0, Content: content}}, nil
	}

	docs, err := p.vectors.List(ctx, vectorstore.CollectionChunks, map[string]string{
		vectorstore.PayloadArtifactUID: rev.ArtifactUID,
		vectorstore.PayloadRevisionID:  rev.RevisionID,
	}, rev.ChunkCount+1)
	if err != nil {
		return nil, err
	}
	if len(docs) != rev.ChunkCount {
		return nil, memerr.Newf(memerr.KindIntegrity, "CONTENT_MISMATCH",
			"expected %d chunks, vector store holds %d", rev.ChunkCount, len(docs))
	}

	pieces := make([]Piece, 0, len(docs))
	for _, doc := range docs {
		content, _ := doc.Payload[vectorstore.PayloadContent].(string)
		pieces = append(pieces, Piece{
			ChunkID:   doc.ID,
			Index:     payloadInt(doc.Payload[vectorstore.PayloadChunkIndex]),
			StartChar: payloadInt(doc.Payload[vectorstore.PayloadStartChar]),
			Content:   content,
		})
	}
	sort.Slice(pieces, func(i, j int) bool { return pieces[i].Index < pieces[j].Index })

	for i, piece := range pieces {
		if piece.Index != i {
			return nil, memerr.Newf(memerr.KindIntegrity, "CONTENT_MISMATCH",
				"chunk index gap: position %d holds index %d", i, piece.Index)
		}
	}
	return pieces, nil
}

// payloadInt normalizes the integer types payload decoding can produce.
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
