// Package extraction runs the two-phase LLM pipeline turning revision
// text into semantic events, and resolves entity mentions.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/memoryplane/memoryplane/pkg/ids"
	"github.com/memoryplane/memoryplane/pkg/llm"
	"github.com/memoryplane/memoryplane/pkg/memerr"
	"github.com/memoryplane/memoryplane/pkg/models"
	"github.com/memoryplane/memoryplane/pkg/store"
)

// Piece is one unit of text given to phase A: a chunk, or the whole
// revision when unchunked. StartChar positions it in the full text.
type Piece struct {
	ChunkID   string
	Index     int
	StartChar int
	Content   string
}

// Service orchestrates phase A (per-piece extraction) and phase B
// (cross-piece canonicalization).
type Service struct {
	provider llm.Provider
	resolver *Resolver
	logger   *slog.Logger
}

func NewService(provider llm.Provider, resolver *Resolver, logger *slog.Logger) *Service {
	return &Service{provider: provider, resolver: resolver, logger: logger}
}

// Extract runs both phases and returns the staged writes. Evidence
// offsets in the result are artifact-relative.
func (s *Service) Extract(ctx context.Context, rev *models.Revision, pieces []Piece) ([]store.EventWrite, error) {
	runID := ids.ExtractionRunID()
	logger := s.logger.With("artifact_uid", rev.ArtifactUID, "revision_id", rev.RevisionID,
		"extraction_run_id", runID)

	var candidates []rawEvent
	textLen := 0
	for _, piece := range pieces {
		events, err := s.extractPiece(ctx, piece)
		if err != nil {
			return nil, fmt.Errorf("extracting piece %d: %w", piece.Index, err)
		}
		candidates = append(candidates, events...)
		if end := piece.StartChar + len(piece.Content); end > textLen {
			textLen = end
		}
	}
	logger.Info("phase A complete", "pieces", len(pieces), "candidate_events", len(candidates))

	if len(candidates) == 0 {
		return nil, nil
	}

	canonical, err := s.canonicalize(ctx, candidates, textLen)
	if err != nil {
		if memerr.IsTransient(err) {
			return nil, err
		}
		// Canonicalization is a refinement; schema-violating output here
		// degrades to the phase-A union rather than failing the job.
		logger.Warn("phase B failed, keeping phase A union", "error", err)
		canonical = candidates
	}
	logger.Info("phase B complete", "canonical_events", len(canonical))

	return s.stageWrites(ctx, rev, runID, canonical, pieces)
}

// extractPiece is phase A for one piece: strict-JSON extraction with
// chunk-relative offsets, adjusted to artifact-relative before return.
func (s *Service) extractPiece(ctx context.Context, piece Piece) ([]rawEvent, error) {
	out, err := s.provider.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: phaseASystemPrompt},
			{Role: llm.RoleUser, Content: piece.Content},
		},
		Temperature: 0,
		JSONMode:    true,
	})
	if err != nil {
		return nil, err
	}

	events, err := parseEvents(out)
	if err != nil {
		return nil, err
	}
	events = validateEvents(events, len(piece.Content), s.logger)

	for i := range events {
		for j := range events[i].Evidence {
			events[i].Evidence[j].StartChar += piece.StartChar
			events[i].Evidence[j].EndChar += piece.StartChar
		}
	}
	return events, nil
}

// canonicalize is phase B: dedup across overlapping pieces, merge
// evidence, unify entity aliases.
func (s *Service) canonicalize(ctx context.Context, candidates []rawEvent, textLen int) ([]rawEvent, error) {
	input, err := json.Marshal(extractionPayload{Events: candidates})
	if err != nil {
		return nil, fmt.Errorf("encoding phase A results: %w", err)
	}

	out, err := s.provider.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: phaseBSystemPrompt},
			{Role: llm.RoleUser, Content: string(input)},
		},
		Temperature: 0,
		JSONMode:    true,
	})
	if err != nil {
		return nil, err
	}

	events, err := parseEvents(out)
	if err != nil {
		return nil, err
	}
	// Offsets here are artifact-relative, so the clamp bound is the full
	// text length rather than a single piece.
	return validateEvents(events, textLen, s.logger), nil
}

// stageWrites assigns IDs, parses timestamps, and resolves entities.
func (s *Service) stageWrites(ctx context.Context, rev *models.Revision, runID string, events []rawEvent, pieces []Piece) ([]store.EventWrite, error) {
	writes := make([]store.EventWrite, 0, len(events))
	for _, ev := range events {
		eventID := ids.EventID()
		write := store.EventWrite{
			Event: models.SemanticEvent{
				EventID:         eventID,
				ArtifactUID:     rev.ArtifactUID,
				RevisionID:      rev.RevisionID,
				Category:        models.Category(ev.Category),
				Narrative:       ev.Narrative,
				SubjectType:     ev.Subject.Type,
				SubjectRef:      ev.Subject.Ref,
				EventTime:       parseEventTime(ev.EventTime),
				Confidence:      ev.Confidence,
				ExtractionRunID: runID,
			},
		}

		for _, e := range ev.Evidence {
			write.Evidence = append(write.Evidence, models.Evidence{
				EvidenceID: ids.EvidenceID(),
				EventID:    eventID,
				Quote:      e.Quote,
				StartChar:  e.StartChar,
				EndChar:    e.EndChar,
				ChunkID:    chunkIDForOffset(pieces, e.StartChar),
			})
		}

		for _, actor := range ev.Actors {
			spec, err := s.resolver.Resolve(ctx, Mention{
				Name:         actor.Name,
				Type:         actorType(actor.Type),
				Role:         actor.Role,
				Organization: actor.Organization,
				Email:        actor.Email,
			})
			if err != nil {
				if memerr.IsValidation(err) {
					s.logger.Warn("skipping unresolvable actor", "error", err)
					continue
				}
				return nil, err
			}
			write.Actors = append(write.Actors, store.ActorLink{Entity: spec, Role: actor.Role})
		}

		if ev.Subject.Ref != "" && ev.Subject.Type != "" {
			spec, err := s.resolver.Resolve(ctx, Mention{Name: ev.Subject.Ref, Type: ev.Subject.Type})
			if err == nil {
				write.Subjects = append(write.Subjects, spec)
			} else if !memerr.IsValidation(err) {
				return nil, err
			}
		}

		writes = append(writes, write)
	}
	return writes, nil
}

func actorType(t string) string {
	if t == "" {
		return "person"
	}
	return t
}

// chunkIDForOffset maps an artifact-relative offset back to the chunk it
// falls in. Overlapping chunks both contain the boundary region; the
// earlier one wins. Unchunked pieces carry no chunk ID.
func chunkIDForOffset(pieces []Piece, start int) *string {
	for _, p := range pieces {
		if p.ChunkID == "" {
			continue
		}
		if start >= p.StartChar && start < p.StartChar+len(p.Content) {
			id := p.ChunkID
			return &id
		}
	}
	return nil
}
