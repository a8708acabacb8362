package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/memoryplane/memoryplane/pkg/memerr"
	"github.com/memoryplane/memoryplane/pkg/models"
)

// EventIDsForArtifacts returns event IDs attached to the latest revision
// of each artifact, for seeding graph expansion from vector hits.
func (s *eventStore) EventIDsForArtifacts(ctx context.Context, artifactUIDs []string, limit int) ([]string, error) {
	if len(artifactUIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT e.event_id
		 FROM semantic_event e
		 JOIN artifact_revision r
		   ON r.artifact_uid = e.artifact_uid AND r.revision_id = e.revision_id AND r.is_latest
		 WHERE e.artifact_uid IN (?)
		 ORDER BY e.confidence DESC, e.event_id
		 LIMIT ?`, artifactUIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("building seed query: %w", err)
	}

	var eventIDs []string
	if err := s.db.SelectContext(ctx, &eventIDs, s.db.Rebind(query), args...); err != nil {
		return nil, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "loading seed events", err)
	}
	return eventIDs, nil
}

// EntityIDsForEvents collects the distinct entities the seed events
// reference as actor or subject.
func (s *eventStore) EntityIDsForEvents(ctx context.Context, eventIDs []string) ([]string, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT DISTINCT entity_id FROM (
		     SELECT entity_id FROM event_actor WHERE event_id IN (?)
		     UNION
		     SELECT entity_id FROM event_subject WHERE event_id IN (?)
		 ) joined`, eventIDs, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("building entity set query: %w", err)
	}

	var entityIDs []string
	if err := s.db.SelectContext(ctx, &entityIDs, s.db.Rebind(query), args...); err != nil {
		return nil, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "loading entity set", err)
	}
	return entityIDs, nil
}

type relatedEventRow struct {
	models.SemanticEvent
	ViaEntityID   string `db:"via_entity_id"`
	ViaEntityName string `db:"via_entity_name"`
	ViaEntityType string `db:"via_entity_type"`
}

// RelatedEvents performs the 1-hop expansion: events sharing any seed
// entity, excluding the seeds themselves. All values are bound
// parameters; nothing user-provided reaches an identifier position.
func (s *eventStore) RelatedEvents(ctx context.Context, entityIDs, excludeEventIDs []string, categories []models.Category, budget int) ([]RelatedEvent, error) {
	if len(entityIDs) == 0 || budget <= 0 {
		return nil, nil
	}
	if len(excludeEventIDs) == 0 {
		excludeEventIDs = []string{""}
	}

	// DISTINCT ON collapses events reachable through several shared
	// entities before the budget applies, so LIMIT counts distinct
	// events. The lowest entity_id supplies the connecting reason.
	base := `
		SELECT DISTINCT ON (e.event_id) ` + prefixedEventColumns("e") + `,
		       ent.entity_id AS via_entity_id,
		       ent.canonical_name AS via_entity_name,
		       ent.entity_type AS via_entity_type
		FROM semantic_event e
		JOIN (
		    SELECT event_id, entity_id FROM event_actor WHERE entity_id IN (?)
		    UNION
		    SELECT event_id, entity_id FROM event_subject WHERE entity_id IN (?)
		) link ON link.event_id = e.event_id
		JOIN entity ent ON ent.entity_id = link.entity_id
		WHERE e.event_id NOT IN (?)`

	inArgs := []any{entityIDs, entityIDs, excludeEventIDs}
	if len(categories) > 0 {
		base += ` AND e.category IN (?)`
		cats := make([]string, len(categories))
		for i, c := range categories {
			cats[i] = string(c)
		}
		inArgs = append(inArgs, cats)
	}
	base = `
		SELECT * FROM (` + base + `
		ORDER BY e.event_id, ent.entity_id
		) dedup
		ORDER BY event_time DESC NULLS LAST, confidence DESC, event_id
		LIMIT ?`
	inArgs = append(inArgs, budget)

	query, args, err := sqlx.In(base, inArgs...)
	if err != nil {
		return nil, fmt.Errorf("building expansion query: %w", err)
	}

	var rows []relatedEventRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "expanding related events", err)
	}

	out := make([]RelatedEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, RelatedEvent{
			Event:         r.SemanticEvent,
			ViaEntityID:   r.ViaEntityID,
			ViaEntityName: r.ViaEntityName,
			ViaEntityType: r.ViaEntityType,
		})
	}
	return out, nil
}

func prefixedEventColumns(alias string) string {
	return alias + `.event_id, ` + alias + `.artifact_uid, ` + alias + `.revision_id, ` +
		alias + `.category, ` + alias + `.narrative, ` + alias + `.subject_type, ` +
		alias + `.subject_ref, ` + alias + `.event_time, ` + alias + `.confidence, ` +
		alias + `.extraction_run_id, ` + alias + `.created_at`
}
