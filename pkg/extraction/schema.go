package extraction

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/memoryplane/memoryplane/pkg/memerr"
	"github.com/memoryplane/memoryplane/pkg/models"
)

// Wire types for the LLM's structured output. Offsets in rawEvidence are
// chunk-relative until phase A adjusts them.
type rawEvidence struct {
	Quote     string `json:"quote"`
	StartChar int    `json:"start_char"`
	EndChar   int    `json:"end_char"`
}

type rawActor struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Role         string `json:"role,omitempty"`
	Organization string `json:"organization,omitempty"`
	Email        string `json:"email,omitempty"`
}

type rawSubject struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`
}

type rawEvent struct {
	Category   string        `json:"category"`
	Narrative  string        `json:"narrative"`
	Subject    rawSubject    `json:"subject"`
	Actors     []rawActor    `json:"actors"`
	EventTime  string        `json:"event_time,omitempty"`
	Confidence float64       `json:"confidence"`
	Evidence   []rawEvidence `json:"evidence"`
}

type extractionPayload struct {
	Events []rawEvent `json:"events"`
}

// parseEvents decodes and schema-checks an LLM response. A response that
// does not parse is a terminal failure; the retry budget for malformed
// output lives at the job level, not here.
func parseEvents(raw string) ([]rawEvent, error) {
	raw = stripCodeFence(raw)
	var payload extractionPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, memerr.Wrap(memerr.KindTerminal, "EXTRACTION_INVALID_OUTPUT",
			"extraction output is not valid JSON", err)
	}
	return payload.Events, nil
}

// stripCodeFence tolerates models that wrap JSON in markdown fences.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// validateEvents enforces the schema: events with an invalid category or
// empty narrative are dropped (not the whole extraction), confidence is
// clamped to [0,1], and evidence spans are clamped into the piece.
func validateEvents(events []rawEvent, pieceLen int, logger *slog.Logger) []rawEvent {
	out := make([]rawEvent, 0, len(events))
	for _, ev := range events {
		if !models.ValidCategory(models.Category(ev.Category)) {
			logger.Warn("dropping event with invalid category", "category", ev.Category)
			continue
		}
		if strings.TrimSpace(ev.Narrative) == "" {
			logger.Warn("dropping event with empty narrative")
			continue
		}
		if ev.Confidence < 0 {
			ev.Confidence = 0
		}
		if ev.Confidence > 1 {
			ev.Confidence = 1
		}
		kept := ev.Evidence[:0]
		for _, e := range ev.Evidence {
			if e.StartChar < 0 {
				e.StartChar = 0
			}
			if pieceLen > 0 && e.EndChar > pieceLen {
				e.EndChar = pieceLen
			}
			if e.EndChar < e.StartChar {
				logger.Warn("dropping inverted evidence span", "start", e.StartChar, "end", e.EndChar)
				continue
			}
			kept = append(kept, e)
		}
		ev.Evidence = kept
		out = append(out, ev)
	}
	return out
}

// parseEventTime accepts RFC3339 or a bare date; anything else is nil.
func parseEventTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
