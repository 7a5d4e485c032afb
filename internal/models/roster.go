package models

// Relation is a user's role in an event. Only these three enroll a user
// for recognition.
type Relation string

const (
	RelationOrganizer   Relation = "organizer"
	RelationCrew        Relation = "crew"
	RelationParticipant Relation = "participant"
)

// RosterMember is one row of the event roster view.
type RosterMember struct {
	UserID       int64    `json:"user_id"`
	Relation     Relation `json:"relation"`
	ReferenceKey string   `json:"reference_key"`
}

// UserEmbedding is a user's reference face encoded with every configured method.
type UserEmbedding struct {
	UserID     int64                `json:"user_id"`
	Embeddings map[string][]float32 `json:"embeddings"`
	SourceKey  string               `json:"source_key"`
}
