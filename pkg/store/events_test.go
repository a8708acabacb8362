package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoryplane/memoryplane/pkg/memerr"
	"github.com/memoryplane/memoryplane/pkg/models"
)

func eventRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"event_id", "artifact_uid", "revision_id", "category", "narrative",
		"subject_type", "subject_ref", "event_time", "confidence",
		"extraction_run_id", "created_at",
	})
}

func addEventRow(rows *sqlmock.Rows, eventID string) *sqlmock.Rows {
	return rows.AddRow(
		eventID, "uid_1", "rev_1", "Decision", "The team chose qdrant.",
		"project", "search", nil, 0.9, "run_1", time.Now())
}

func TestReplaceEventsWritesFullSet(t *testing.T) {
	s, mock := newMockStores(t)

	resolved := EntitySpec{EntityID: "ent_known"}
	write := EventWrite{
		Event: models.SemanticEvent{
			EventID:         "evt_1",
			Category:        models.CategoryDecision,
			Narrative:       "The team chose qdrant.",
			SubjectType:     "project",
			SubjectRef:      "search",
			Confidence:      0.9,
			ExtractionRunID: "run_1",
		},
		Evidence: []models.Evidence{{
			EvidenceID: "evd_1",
			Quote:      "we will use qdrant",
			StartChar:  4,
			EndChar:    22,
		}},
		Actors: []ActorLink{{Entity: resolved, Role: "decider"}},
		Subjects: []EntitySpec{{
			CanonicalName:  "Search Revamp",
			NormalizedName: "search revamp",
			EntityType:     "project",
		}},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM semantic_event WHERE artifact_uid = \$1 AND revision_id = \$2`).
		WithArgs("uid_1", "rev_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO semantic_event`).
		WithArgs("evt_1", "uid_1", "rev_1", "Decision", "The team chose qdrant.",
			"project", "search", nil, 0.9, "run_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO event_evidence`).
		WithArgs("evd_1", "evt_1", "we will use qdrant", 4, 22, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Resolver already matched the actor entity, so no upsert for it.
	mock.ExpectExec(`INSERT INTO event_actor`).
		WithArgs("evt_1", "ent_known", "decider").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// The subject is new and goes through the conflict-safe upsert.
	mock.ExpectQuery(`INSERT INTO entity .*RETURNING entity_id`).
		WithArgs(sqlmock.AnyArg(), "Search Revamp", "search revamp", "project", nil, nil, nil).
		WillReturnRows(sqlmock.NewRows([]string{"entity_id"}).AddRow("ent_new"))
	mock.ExpectExec(`INSERT INTO event_subject`).
		WithArgs("evt_1", "ent_new").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Events.ReplaceEvents(context.Background(), "uid_1", "rev_1", []EventWrite{write})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceEventsEmptySetStillClearsPrior(t *testing.T) {
	s, mock := newMockStores(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM semantic_event WHERE artifact_uid = \$1 AND revision_id = \$2`).
		WithArgs("uid_1", "rev_1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	err := s.Events.ReplaceEvents(context.Background(), "uid_1", "rev_1", nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchEventsAppliesFilters(t *testing.T) {
	s, mock := newMockStores(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM semantic_event WHERE TRUE AND to_tsvector.*AND category =`).
		WithArgs("roadmap", "Decision").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`FROM semantic_event WHERE TRUE AND to_tsvector.*ORDER BY event_time DESC NULLS LAST`).
		WithArgs("roadmap", "Decision", 20).
		WillReturnRows(addEventRow(eventRows(), "evt_1"))

	events, total, err := s.Events.SearchEvents(context.Background(), EventFilter{
		Query:    "roadmap",
		Category: models.CategoryDecision,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, events, 1)
	assert.Equal(t, "evt_1", events[0].EventID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchEventsNoFilters(t *testing.T) {
	s, mock := newMockStores(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM semantic_event WHERE TRUE`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`FROM semantic_event WHERE TRUE ORDER BY`).
		WithArgs(50).
		WillReturnRows(eventRows())

	events, total, err := s.Events.SearchEvents(context.Background(), EventFilter{Limit: 50})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, events)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEventNotFound(t *testing.T) {
	s, mock := newMockStores(t)

	mock.ExpectQuery(`FROM semantic_event WHERE event_id = \$1`).
		WithArgs("evt_missing").
		WillReturnRows(eventRows())

	_, err := s.Events.GetEvent(context.Background(), "evt_missing")
	assert.True(t, memerr.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEventAttachesEvidenceAndActors(t *testing.T) {
	s, mock := newMockStores(t)

	mock.ExpectQuery(`FROM semantic_event WHERE event_id = \$1`).
		WithArgs("evt_1").
		WillReturnRows(addEventRow(eventRows(), "evt_1"))
	mock.ExpectQuery(`FROM event_evidence WHERE event_id IN`).
		WithArgs("evt_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"evidence_id", "event_id", "quote", "start_char", "end_char", "chunk_id",
		}).AddRow("evd_1", "evt_1", "we will use qdrant", 4, 22, nil))
	mock.ExpectQuery(`FROM event_actor WHERE event_id IN`).
		WithArgs("evt_1").
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "entity_id", "role"}).
			AddRow("evt_1", "ent_1", "decider"))

	ev, err := s.Events.GetEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	require.Len(t, ev.Evidence, 1)
	assert.Equal(t, "we will use qdrant", ev.Evidence[0].Quote)
	require.Len(t, ev.Actors, 1)
	assert.Equal(t, "ent_1", ev.Actors[0].EntityID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListForRevisionSkipsEvidenceUnlessAsked(t *testing.T) {
	s, mock := newMockStores(t)

	mock.ExpectQuery(`FROM semantic_event\s+WHERE artifact_uid = \$1 AND revision_id = \$2`).
		WithArgs("uid_1", "rev_1").
		WillReturnRows(addEventRow(eventRows(), "evt_1"))

	events, err := s.Events.ListForRevision(context.Background(), "uid_1", "rev_1", false)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].Evidence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindExactNotFound(t *testing.T) {
	s, mock := newMockStores(t)

	mock.ExpectQuery(`FROM entity WHERE normalized_name = \$1 AND entity_type = \$2`).
		WithArgs("jane doe", "person").
		WillReturnRows(sqlmock.NewRows([]string{"entity_id"}))

	_, err := s.Entities.FindExact(context.Background(), "jane doe", "person")
	assert.True(t, memerr.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCandidatesDefaultLimit(t *testing.T) {
	s, mock := newMockStores(t)

	mock.ExpectQuery(`FROM entity WHERE entity_type = \$1 ORDER BY created_at DESC LIMIT \$2`).
		WithArgs("person", 500).
		WillReturnRows(sqlmock.NewRows([]string{
			"entity_id", "canonical_name", "normalized_name", "entity_type",
			"email", "role", "organization", "created_at",
		}).AddRow("ent_1", "Jane Doe", "jane doe", "person", nil, nil, nil, time.Now()))

	ents, err := s.Entities.Candidates(context.Background(), "person", 0)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "Jane Doe", ents[0].CanonicalName)
	assert.NoError(t, mock.ExpectationsWereMet())
}
