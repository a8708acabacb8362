package models

import "time"

// Category is the closed set of semantic event categories.
type Category string

const (
	CategoryCommitment    Category = "Commitment"
	CategoryExecution     Category = "Execution"
	CategoryDecision      Category = "Decision"
	CategoryCollaboration Category = "Collaboration"
	CategoryQualityRisk   Category = "QualityRisk"
	CategoryFeedback      Category = "Feedback"
	CategoryChange        Category = "Change"
	CategoryStakeholder   Category = "Stakeholder"
)

// Categories lists every valid category, in declaration order.
var Categories = []Category{
	CategoryCommitment,
	CategoryExecution,
	CategoryDecision,
	CategoryCollaboration,
	CategoryQualityRisk,
	CategoryFeedback,
	CategoryChange,
	CategoryStakeholder,
}

// ValidCategory reports whether c belongs to the closed category set.
func ValidCategory(c Category) bool {
	for _, v := range Categories {
		if c == v {
			return true
		}
	}
	return false
}

// SubjectRef identifies what an event is about.
type SubjectRef struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`
}

// ActorRef identifies a participant in an event and its role.
type ActorRef struct {
	Ref  string `json:"ref"`
	Role string `json:"role,omitempty"`
}

// SemanticEvent is a structured fact extracted from a revision.
type SemanticEvent struct {
	EventID         string     `db:"event_id" json:"event_id"`
	ArtifactUID     string     `db:"artifact_uid" json:"artifact_uid"`
	RevisionID      string     `db:"revision_id" json:"revision_id"`
	Category        Category   `db:"category" json:"category"`
	Narrative       string     `db:"narrative" json:"narrative"`
	SubjectType     string     `db:"subject_type" json:"subject_type"`
	SubjectRef      string     `db:"subject_ref" json:"subject_ref"`
	EventTime       *time.Time `db:"event_time" json:"event_time,omitempty"`
	Confidence      float64    `db:"confidence" json:"confidence"`
	ExtractionRunID string     `db:"extraction_run_id" json:"extraction_run_id"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`

	Actors   []EventActor `db:"-" json:"actors,omitempty"`
	Evidence []Evidence   `db:"-" json:"evidence,omitempty"`
}

// Evidence is a quoted span grounding an event in exact source text.
type Evidence struct {
	EvidenceID string  `db:"evidence_id" json:"evidence_id"`
	EventID    string  `db:"event_id" json:"event_id"`
	Quote      string  `db:"quote" json:"quote"`
	StartChar  int     `db:"start_char" json:"start_char"`
	EndChar    int     `db:"end_char" json:"end_char"`
	ChunkID    *string `db:"chunk_id" json:"chunk_id,omitempty"`
}

// Entity is a normalized referent appearing as actor or subject of events.
type Entity struct {
	EntityID       string    `db:"entity_id" json:"entity_id"`
	CanonicalName  string    `db:"canonical_name" json:"canonical_name"`
	NormalizedName string    `db:"normalized_name" json:"normalized_name"`
	EntityType     string    `db:"entity_type" json:"entity_type"`
	Email          *string   `db:"email" json:"email,omitempty"`
	Role           *string   `db:"role" json:"role,omitempty"`
	Organization   *string   `db:"organization" json:"organization,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// EventActor joins an event to an entity with a role.
type EventActor struct {
	EventID  string `db:"event_id" json:"event_id"`
	EntityID string `db:"entity_id" json:"entity_id"`
	Role     string `db:"role" json:"role,omitempty"`
}
