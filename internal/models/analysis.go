package models

import (
	"encoding/json"
	"time"
)

// Analysis is the fan-in result of one analysis pass. It is persisted as a
// unit; a photo never shows part of one pass.
type Analysis struct {
	PhotoID      int64
	QualityScore float64
	// Quality is the full quality breakdown, stored as JSON.
	Quality    json.RawMessage
	Categories []Category
	Faces      []FaceRecord
	SceneTags  []string
	// TakenAt is set when the capture time was read from the image.
	TakenAt    *time.Time
	Width      int
	Height     int
	AnalyzedAt time.Time
}

// MatchedUsers returns the distinct user ids recognized in the analysis.
func (a *Analysis) MatchedUsers() []int64 {
	seen := make(map[int64]bool)
	var out []int64
	for _, f := range a.Faces {
		if f.UserID != nil && !seen[*f.UserID] {
			seen[*f.UserID] = true
			out = append(out, *f.UserID)
		}
	}
	return out
}
