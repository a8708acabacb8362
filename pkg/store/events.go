package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/memoryplane/memoryplane/pkg/ids"
	"github.com/memoryplane/memoryplane/pkg/memerr"
	"github.com/memoryplane/memoryplane/pkg/models"
)

type eventStore struct {
	db *sqlx.DB
}

const eventColumns = `event_id, artifact_uid, revision_id, category, narrative,
	subject_type, subject_ref, event_time, confidence, extraction_run_id, created_at`

// ReplaceEvents implements replace-on-success: the previous event set for
// the revision is deleted and the new set inserted in one transaction, so
// readers never observe a partial set.
func (s *eventStore) ReplaceEvents(ctx context.Context, artifactUID, revisionID string, writes []EventWrite) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "starting event write transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Evidence and entity joins cascade by foreign key.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM semantic_event WHERE artifact_uid = $1 AND revision_id = $2`,
		artifactUID, revisionID); err != nil {
		return memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "deleting prior events", err)
	}

	for _, w := range writes {
		ev := w.Event
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO semantic_event (`+eventColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`,
			ev.EventID, artifactUID, revisionID, ev.Category, ev.Narrative,
			ev.SubjectType, ev.SubjectRef, ev.EventTime, ev.Confidence, ev.ExtractionRunID); err != nil {
			return memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "inserting event", err)
		}

		for _, evd := range w.Evidence {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO event_evidence (evidence_id, event_id, quote, start_char, end_char, chunk_id)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				evd.EvidenceID, ev.EventID, evd.Quote, evd.StartChar, evd.EndChar, evd.ChunkID); err != nil {
				return memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "inserting evidence", err)
			}
		}

		for _, actor := range w.Actors {
			entityID, err := upsertEntity(ctx, tx, actor.Entity)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO event_actor (event_id, entity_id, role) VALUES ($1, $2, $3)
				 ON CONFLICT DO NOTHING`,
				ev.EventID, entityID, actor.Role); err != nil {
				return memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "inserting actor join", err)
			}
		}

		for _, subj := range w.Subjects {
			entityID, err := upsertEntity(ctx, tx, subj)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO event_subject (event_id, entity_id) VALUES ($1, $2)
				 ON CONFLICT DO NOTHING`,
				ev.EventID, entityID); err != nil {
				return memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "inserting subject join", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "committing event write", err)
	}
	return nil
}

// upsertEntity reuses the resolver's match when present, otherwise
// creates-or-reuses by the (normalized_name, entity_type) unique key. The
// no-op DO UPDATE keeps RETURNING usable on conflict.
func upsertEntity(ctx context.Context, tx *sqlx.Tx, spec EntitySpec) (string, error) {
	if spec.EntityID != "" {
		return spec.EntityID, nil
	}

	var entityID string
	err := tx.QueryRowContext(ctx,
		`INSERT INTO entity (entity_id, canonical_name, normalized_name, entity_type, email, role, organization)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (normalized_name, entity_type)
		 DO UPDATE SET canonical_name = entity.canonical_name
		 RETURNING entity_id`,
		ids.EntityID(), spec.CanonicalName, spec.NormalizedName, spec.EntityType,
		spec.Email, spec.Role, spec.Organization).Scan(&entityID)
	if err != nil {
		return "", memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "upserting entity", err)
	}
	return entityID, nil
}

func (s *eventStore) SearchEvents(ctx context.Context, f EventFilter) ([]models.SemanticEvent, int, error) {
	where := "TRUE"
	args := []any{}
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}

	if f.Query != "" {
		where += ` AND to_tsvector('english', narrative) @@ plainto_tsquery('english', ` + arg(f.Query) + `)`
	}
	if f.Category != "" {
		where += ` AND category = ` + arg(string(f.Category))
	}
	if f.ArtifactUID != "" {
		where += ` AND artifact_uid = ` + arg(f.ArtifactUID)
	}
	if f.After != nil {
		where += ` AND event_time >= ` + arg(*f.After)
	}
	if f.Before != nil {
		where += ` AND event_time <= ` + arg(*f.Before)
	}

	var total int
	if err := s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM semantic_event WHERE `+where, args...); err != nil {
		return nil, 0, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "counting events", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + eventColumns + ` FROM semantic_event WHERE ` + where +
		` ORDER BY event_time DESC NULLS LAST, created_at DESC, event_id LIMIT ` + arg(limit)

	var events []models.SemanticEvent
	if err := s.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, 0, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "searching events", err)
	}
	return events, total, nil
}

func (s *eventStore) GetEvent(ctx context.Context, eventID string) (*models.SemanticEvent, error) {
	var ev models.SemanticEvent
	err := s.db.GetContext(ctx, &ev,
		`SELECT `+eventColumns+` FROM semantic_event WHERE event_id = $1`, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memerr.NotFound("event %s not found", eventID)
	}
	if err != nil {
		return nil, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "loading event", err)
	}

	if err := s.attachEvidence(ctx, []*models.SemanticEvent{&ev}); err != nil {
		return nil, err
	}
	if err := s.attachActors(ctx, []*models.SemanticEvent{&ev}); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *eventStore) ListForRevision(ctx context.Context, artifactUID, revisionID string, includeEvidence bool) ([]models.SemanticEvent, error) {
	var events []models.SemanticEvent
	if err := s.db.SelectContext(ctx, &events,
		`SELECT `+eventColumns+` FROM semantic_event
		 WHERE artifact_uid = $1 AND revision_id = $2
		 ORDER BY created_at, event_id`,
		artifactUID, revisionID); err != nil {
		return nil, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "listing events", err)
	}

	if includeEvidence && len(events) > 0 {
		refs := make([]*models.SemanticEvent, len(events))
		for i := range events {
			refs[i] = &events[i]
		}
		if err := s.attachEvidence(ctx, refs); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (s *eventStore) attachEvidence(ctx context.Context, events []*models.SemanticEvent) error {
	ids := make([]string, len(events))
	byID := make(map[string]*models.SemanticEvent, len(events))
	for i, ev := range events {
		ids[i] = ev.EventID
		byID[ev.EventID] = ev
	}

	query, args, err := sqlx.In(
		`SELECT evidence_id, event_id, quote, start_char, end_char, chunk_id
		 FROM event_evidence WHERE event_id IN (?) ORDER BY start_char, evidence_id`, ids)
	if err != nil {
		return fmt.Errorf("building evidence query: %w", err)
	}

	var rows []models.Evidence
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "loading evidence", err)
	}
	for _, e := range rows {
		ev := byID[e.EventID]
		ev.Evidence = append(ev.Evidence, e)
	}
	return nil
}

func (s *eventStore) attachActors(ctx context.Context, events []*models.SemanticEvent) error {
	ids := make([]string, len(events))
	byID := make(map[string]*models.SemanticEvent, len(events))
	for i, ev := range events {
		ids[i] = ev.EventID
		byID[ev.EventID] = ev
	}

	query, args, err := sqlx.In(
		`SELECT event_id, entity_id, role FROM event_actor WHERE event_id IN (?) ORDER BY entity_id`, ids)
	if err != nil {
		return fmt.Errorf("building actor query: %w", err)
	}

	var rows []models.EventActor
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "loading actors", err)
	}
	for _, a := range rows {
		ev := byID[a.EventID]
		ev.Actors = append(ev.Actors, a)
	}
	return nil
}
