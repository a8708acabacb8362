// Package store provides typed SQL access to the relational backend:
// revisions, semantic events, evidence, and entities.
package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/memoryplane/memoryplane/pkg/models"
)

// RevisionStore persists artifact revisions.
type RevisionStore interface {
	// GetRevision returns the revision row, or a NotFound error.
	GetRevision(ctx context.Context, artifactUID, revisionID string) (*models.Revision, error)

	// GetLatestRevision returns the revision flagged latest for the UID.
	GetLatestRevision(ctx context.Context, artifactUID string) (*models.Revision, error)

	// CommitRevision atomically flips prior latest revisions, inserts the
	// new revision row, and enqueues the extraction job.
	CommitRevision(ctx context.Context, rev *models.Revision, job *models.Job) error

	// ForgetArtifact removes every revision, job, and event (evidence and
	// joins cascade) for the artifact. Returns the number of revisions
	// removed.
	ForgetArtifact(ctx context.Context, artifactUID string) (int, error)
}

// EventWrite is one canonical event plus everything hanging off it,
// staged for the atomic replace-on-success write.
type EventWrite struct {
	Event    models.SemanticEvent
	Evidence []models.Evidence
	Actors   []ActorLink
	Subjects []EntitySpec
}

// EntitySpec describes an entity to resolve-or-create inside the write
// transaction. When EntityID is set the resolver already matched an
// existing row.
type EntitySpec struct {
	EntityID       string
	CanonicalName  string
	NormalizedName string
	EntityType     string
	Email          *string
	Role           *string
	Organization   *string
}

// ActorLink joins an event actor to its entity spec with a role.
type ActorLink struct {
	Entity EntitySpec
	Role   string
}

// EventFilter narrows an event search.
type EventFilter struct {
	Query       string
	Category    models.Category
	ArtifactUID string
	After       *time.Time
	Before      *time.Time
	Limit       int
}

// RelatedEvent is a graph-expansion hit with the entity that connected
// it back to the seed set.
type RelatedEvent struct {
	Event         models.SemanticEvent
	ViaEntityID   string
	ViaEntityName string
	ViaEntityType string
}

// EventStore persists semantic events, evidence, and their entity joins.
type EventStore interface {
	// ReplaceEvents atomically deletes all events for (uid, revision) and
	// writes the new set. Either every row lands or none do.
	ReplaceEvents(ctx context.Context, artifactUID, revisionID string, writes []EventWrite) error

	// SearchEvents returns events matching the filter plus the total count.
	SearchEvents(ctx context.Context, f EventFilter) ([]models.SemanticEvent, int, error)

	// GetEvent returns one event with evidence and actors, or NotFound.
	GetEvent(ctx context.Context, eventID string) (*models.SemanticEvent, error)

	// ListForRevision returns all events for (uid, revision).
	ListForRevision(ctx context.Context, artifactUID, revisionID string, includeEvidence bool) ([]models.SemanticEvent, error)

	// EventIDsForArtifacts returns event IDs attached to the latest
	// revisions of the given artifact UIDs.
	EventIDsForArtifacts(ctx context.Context, artifactUIDs []string, limit int) ([]string, error)

	// EntityIDsForEvents returns the distinct entity set referenced by
	// the seed events via actor and subject joins.
	EntityIDsForEvents(ctx context.Context, eventIDs []string) ([]string, error)

	// RelatedEvents returns events referencing any of the entities,
	// excluding the seed set, filtered by category, ordered by recency
	// then confidence, capped at budget.
	RelatedEvents(ctx context.Context, entityIDs, excludeEventIDs []string, categories []models.Category, budget int) ([]RelatedEvent, error)
}

// EntityStore exposes the lookups the entity resolver needs.
type EntityStore interface {
	// FindExact matches on (normalized_name, entity_type).
	FindExact(ctx context.Context, normalizedName, entityType string) (*models.Entity, error)

	// Candidates returns entities of the given type for fuzzy matching.
	Candidates(ctx context.Context, entityType string, limit int) ([]models.Entity, error)
}

// Stores bundles the three repositories over one database handle.
type Stores struct {
	Revisions RevisionStore
	Events    EventStore
	Entities  EntityStore
}

// New builds sqlx-backed repositories.
func New(db *sqlx.DB) *Stores {
	return &Stores{
		Revisions: &revisionStore{db: db},
		Events:    &eventStore{db: db},
		Entities:  &entityStore{db: db},
	}
}
