package models

import (
	"encoding/json"
	"time"
)

// PhotoState is the analysis lifecycle of a photo.
type PhotoState string

const (
	PhotoStateUploaded  PhotoState = "uploaded"
	PhotoStateAnalyzing PhotoState = "analyzing"
	PhotoStateScored    PhotoState = "scored"
)

// Photo is a single uploaded event photo together with its analysis columns.
type Photo struct {
	ID            int64           `json:"id"`
	EventID       int64           `json:"event_id"`
	EventType     string          `json:"event_type,omitempty"`
	ImageKey      string          `json:"image_key"`
	TakenAt       *time.Time      `json:"taken_at,omitempty"`
	Width         int             `json:"width"`
	Height        int             `json:"height"`
	State         PhotoState      `json:"state"`
	Processed     bool            `json:"processed"`
	QualityScore  *float64        `json:"quality_score,omitempty"`
	Quality       json.RawMessage `json:"quality,omitempty"`
	DetectedFaces []FaceRecord    `json:"detected_faces"`
	SceneTags     []string        `json:"scene_tags"`
	EnhancedKey   string          `json:"enhanced_key,omitempty"`
	AnalyzedAt    *time.Time      `json:"analyzed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Resolution returns the pixel count of the stored image.
func (p *Photo) Resolution() int {
	return p.Width * p.Height
}

// BBox is a face bounding box in pixel coordinates.
type BBox struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

func (b BBox) Width() float32  { return b.X2 - b.X1 }
func (b BBox) Height() float32 { return b.Y2 - b.Y1 }

// Area returns the box area, zero for degenerate boxes.
func (b BBox) Area() float32 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// FaceRecord is one detected face and its recognition outcome.
// Confidence and Method are only set together with UserID.
type FaceRecord struct {
	BBox       BBox     `json:"bbox"`
	UserID     *int64   `json:"user_id,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Method     string   `json:"method,omitempty"`
	// Embedding is the primary-method vector of the aligned crop. It is
	// persisted to photo_faces but never serialized with the photo.
	Embedding []float32 `json:"-"`
}

// Matched reports whether the face was assigned an identity.
func (f FaceRecord) Matched() bool {
	return f.UserID != nil
}
