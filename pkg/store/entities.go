package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/memoryplane/memoryplane/pkg/memerr"
	"github.com/memoryplane/memoryplane/pkg/models"
)

type entityStore struct {
	db *sqlx.DB
}

const entityColumns = `entity_id, canonical_name, normalized_name, entity_type, email, role, organization, created_at`

func (s *entityStore) FindExact(ctx context.Context, normalizedName, entityType string) (*models.Entity, error) {
	var ent models.Entity
	err := s.db.GetContext(ctx, &ent,
		`SELECT `+entityColumns+` FROM entity WHERE normalized_name = $1 AND entity_type = $2`,
		normalizedName, entityType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memerr.NotFound("entity %q/%s not found", normalizedName, entityType)
	}
	if err != nil {
		return nil, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "loading entity", err)
	}
	return &ent, nil
}

func (s *entityStore) Candidates(ctx context.Context, entityType string, limit int) ([]models.Entity, error) {
	if limit <= 0 {
		limit = 500
	}
	var ents []models.Entity
	if err := s.db.SelectContext(ctx, &ents,
		`SELECT `+entityColumns+` FROM entity WHERE entity_type = $1 ORDER BY created_at DESC LIMIT $2`,
		entityType, limit); err != nil {
		return nil, memerr.Wrap(memerr.KindTransient, "DATABASE_ERROR", "loading entity candidates", err)
	}
	return ents, nil
}

var _ EntityStore = (*entityStore)(nil)
