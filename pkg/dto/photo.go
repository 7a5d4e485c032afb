package dto

import (
	"encoding/json"

	"github.com/google/uuid"
)

// AnalysisResponse is the analysis state of one photo.
type AnalysisResponse struct {
	PhotoID      int64           `json:"photo_id"`
	EventID      int64           `json:"event_id"`
	State        string          `json:"state"`
	Processed    bool            `json:"processed"`
	QualityScore *float64        `json:"quality_score,omitempty"`
	Quality      json.RawMessage `json:"quality,omitempty"`
	Faces        []FaceResponse  `json:"faces"`
	SceneTags    []string        `json:"scene_tags"`
	EnhancedKey  string          `json:"enhanced_key,omitempty"`
	TakenAt      string          `json:"taken_at,omitempty"`
	AnalyzedAt   string          `json:"analyzed_at,omitempty"`
}

type BBox struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

type FaceResponse struct {
	BBox       BBox     `json:"bbox"`
	UserID     *int64   `json:"user_id,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Method     string   `json:"method,omitempty"`
}

// UserFacesResponse lists the boxes where a user appears in a photo.
type UserFacesResponse struct {
	PhotoID int64  `json:"photo_id"`
	UserID  int64  `json:"user_id"`
	Boxes   []BBox `json:"boxes"`
}

// TaskResponse acknowledges a queued task.
type TaskResponse struct {
	Status  string    `json:"status"`
	TaskID  uuid.UUID `json:"task_id"`
	EventID int64     `json:"event_id"`
	PhotoID int64     `json:"photo_id,omitempty"`
}

// BatchResponse acknowledges an event-wide request.
type BatchResponse struct {
	Status  string `json:"status"`
	EventID int64  `json:"event_id"`
	Queued  int    `json:"queued"`
}
