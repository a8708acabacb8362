package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agext/levenshtein"

	"github.com/memoryplane/memoryplane/pkg/llm"
	"github.com/memoryplane/memoryplane/pkg/memerr"
	"github.com/memoryplane/memoryplane/pkg/models"
	"github.com/memoryplane/memoryplane/pkg/store"
)

// Mention is a candidate entity reference produced by extraction.
type Mention struct {
	Name         string
	Type         string
	Role         string
	Organization string
	Email        string
}

// Resolver maps mentions onto existing entities or decides a new one is
// needed. Matching escalates: exact normalized match, fuzzy match with
// agreeing context clues, then an LLM same/different judgment for the
// ambiguous band.
type Resolver struct {
	entities store.EntityStore
	provider llm.Provider
	logger   *slog.Logger
}

// Similarity bands for fuzzy matching.
const (
	reuseThreshold     = 0.90
	ambiguousThreshold = 0.75
)

func NewResolver(entities store.EntityStore, provider llm.Provider, logger *slog.Logger) *Resolver {
	return &Resolver{entities: entities, provider: provider, logger: logger}
}

// NormalizeName casefolds, trims, and collapses internal whitespace.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// Resolve returns an EntitySpec: EntityID set when an existing entity
// matched, empty when the write transaction should create one.
func (r *Resolver) Resolve(ctx context.Context, m Mention) (store.EntitySpec, error) {
	normalized := NormalizeName(m.Name)
	spec := store.EntitySpec{
		CanonicalName:  strings.TrimSpace(m.Name),
		NormalizedName: normalized,
		EntityType:     m.Type,
		Email:          optional(m.Email),
		Role:           optional(m.Role),
		Organization:   optional(m.Organization),
	}
	if normalized == "" {
		return spec, memerr.Validation("entity mention has empty name")
	}

	existing, err := r.entities.FindExact(ctx, normalized, m.Type)
	if err == nil {
		spec.EntityID = existing.EntityID
		return spec, nil
	}
	if !memerr.IsNotFound(err) {
		return spec, err
	}

	candidates, err := r.entities.Candidates(ctx, m.Type, 0)
	if err != nil {
		return spec, err
	}

	var best *models.Entity
	bestScore := 0.0
	for i := range candidates {
		score := levenshtein.Match(normalized, candidates[i].NormalizedName, nil)
		if score > bestScore {
			bestScore = score
			best = &candidates[i]
		}
	}
	if best == nil || bestScore < ambiguousThreshold {
		return spec, nil
	}

	if bestScore >= reuseThreshold && contextAgrees(m, best) {
		spec.EntityID = best.EntityID
		return spec, nil
	}

	same, err := r.askSame(ctx, m, best)
	if err != nil {
		// LLM trouble must not sink the whole extraction; creating a
		// possibly-duplicate entity is the recoverable outcome.
		r.logger.Warn("entity resolver judgment failed, creating new entity",
			"mention", normalized, "candidate", best.NormalizedName, "error", err)
		return spec, nil
	}
	if same {
		spec.EntityID = best.EntityID
	}
	return spec, nil
}

// contextAgrees requires at least one corroborating clue beyond the name.
func contextAgrees(m Mention, e *models.Entity) bool {
	if m.Email != "" && e.Email != nil && strings.EqualFold(m.Email, *e.Email) {
		return true
	}
	if m.Organization != "" && e.Organization != nil && strings.EqualFold(m.Organization, *e.Organization) {
		return true
	}
	if m.Role != "" && e.Role != nil && strings.EqualFold(m.Role, *e.Role) {
		return true
	}
	return false
}

type resolverDecision struct {
	Decision string `json:"decision"`
}

// askSame asks the LLM for a same/different/unsure judgment over
// sanitized mention context. Anything other than a parsed "same" is
// treated as different.
func (r *Resolver) askSame(ctx context.Context, m Mention, e *models.Entity) (bool, error) {
	prompt := fmt.Sprintf(
		"Mention A: name=%q type=%q role=%q organization=%q email=%q\nEntity B: name=%q type=%q role=%q organization=%q email=%q\nAre A and B the same entity?",
		sanitize(m.Name), sanitize(m.Type), sanitize(m.Role), sanitize(m.Organization), sanitize(m.Email),
		sanitize(e.CanonicalName), sanitize(e.EntityType), sanitize(deref(e.Role)),
		sanitize(deref(e.Organization)), sanitize(deref(e.Email)))

	out, err := r.provider.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: resolverSystemPrompt},
			{Role: llm.RoleUser, Content: prompt},
		},
		Temperature: 0,
		JSONMode:    true,
	})
	if err != nil {
		return false, err
	}

	var decision resolverDecision
	if err := json.Unmarshal([]byte(stripCodeFence(out)), &decision); err != nil {
		return false, nil
	}
	return decision.Decision == "same", nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
