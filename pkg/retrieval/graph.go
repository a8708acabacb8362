package retrieval

import (
	"context"
	"log/slog"

	"github.com/memoryplane/memoryplane/pkg/models"
	"github.com/memoryplane/memoryplane/pkg/store"
)

// Server-side clamps for graph expansion parameters.
const (
	MaxSeeds      = 50
	MinBudget     = 1
	MaxBudget     = 100
	DefaultBudget = 10
	MaxSeedLimit  = 20
)

// RelatedItem is a graph-expansion hit annotated with the entity that
// connected it back to the seed set.
type RelatedItem struct {
	Event         models.SemanticEvent `json:"event"`
	ViaEntityID   string               `json:"via_entity_id"`
	ViaEntityName string               `json:"via_entity_name"`
	ViaEntityType string               `json:"via_entity_type"`
	Reason        string               `json:"reason"`
}

// GraphExpander runs bounded 1-hop expansion from seed events to events
// sharing an entity.
type GraphExpander struct {
	events store.EventStore
	logger *slog.Logger
}

func NewGraphExpander(events store.EventStore, logger *slog.Logger) *GraphExpander {
	return &GraphExpander{events: events, logger: logger}
}

// Expand clamps its parameters, collects the seed entity set, and
// returns up to budget related events. Invalid categories are dropped
// from the filter, never passed through.
func (g *GraphExpander) Expand(ctx context.Context, seedEventIDs []string, budget int, categories []models.Category) ([]RelatedItem, error) {
	if len(seedEventIDs) == 0 {
		return nil, nil
	}
	if len(seedEventIDs) > MaxSeeds {
		seedEventIDs = seedEventIDs[:MaxSeeds]
	}
	if budget <= 0 {
		budget = DefaultBudget
	}
	if budget < MinBudget {
		budget = MinBudget
	}
	if budget > MaxBudget {
		budget = MaxBudget
	}
	valid := categories[:0:0]
	for _, c := range categories {
		if models.ValidCategory(c) {
			valid = append(valid, c)
		} else {
			g.logger.Warn("dropping invalid category filter", "category", string(c))
		}
	}

	entityIDs, err := g.events.EntityIDsForEvents(ctx, seedEventIDs)
	if err != nil {
		return nil, err
	}
	if len(entityIDs) == 0 {
		return nil, nil
	}

	related, err := g.events.RelatedEvents(ctx, entityIDs, seedEventIDs, valid, budget)
	if err != nil {
		return nil, err
	}

	items := make([]RelatedItem, 0, len(related))
	for _, r := range related {
		items = append(items, RelatedItem{
			Event:         r.Event,
			ViaEntityID:   r.ViaEntityID,
			ViaEntityName: r.ViaEntityName,
			ViaEntityType: r.ViaEntityType,
			Reason:        "shares entity " + r.ViaEntityName,
		})
	}
	return items, nil
}

// GraphResult is the hybrid-search-with-graph response: primary vector
// hits plus expanded related events in a separate field.
type GraphResult struct {
	Primary []Result      `json:"primary"`
	Related []RelatedItem `json:"related"`
}

// HybridSearchWithGraph runs hybrid search, seeds graph expansion from
// the top results' latest-revision events, and attaches the related
// items. Expansion failures degrade to primary-only with a warning.
func (e *Engine) HybridSearchWithGraph(ctx context.Context, query string, limit, seedLimit, budget int, categories []models.Category, events store.EventStore, opts Options) (*GraphResult, error) {
	primary, err := e.HybridSearch(ctx, query, limit, opts)
	if err != nil {
		return nil, err
	}
	out := &GraphResult{Primary: primary}

	if seedLimit <= 0 {
		seedLimit = 5
	}
	if seedLimit > MaxSeedLimit {
		seedLimit = MaxSeedLimit
	}

	seen := map[string]bool{}
	var artifactUIDs []string
	for _, r := range primary {
		if len(artifactUIDs) == seedLimit {
			break
		}
		if r.ArtifactUID == "" || seen[r.ArtifactUID] {
			continue
		}
		seen[r.ArtifactUID] = true
		artifactUIDs = append(artifactUIDs, r.ArtifactUID)
	}
	if len(artifactUIDs) == 0 {
		return out, nil
	}

	seedEvents, err := events.EventIDsForArtifacts(ctx, artifactUIDs, MaxSeeds)
	if err != nil {
		e.logger.Warn("graph seeding failed, returning primary results only", "error", err)
		return out, nil
	}

	expander := NewGraphExpander(events, e.logger)
	related, err := expander.Expand(ctx, seedEvents, budget, categories)
	if err != nil {
		e.logger.Warn("graph expansion failed, returning primary results only", "error", err)
		return out, nil
	}
	out.Related = related
	return out, nil
}
