package dto

import "github.com/google/uuid"

type BestShotResponse struct {
	PhotoID   int64   `json:"photo_id"`
	Score     float64 `json:"score"`
	UpdatedAt string  `json:"updated_at"`
}

// BestShotsResponse maps category names to rankings, best first.
type BestShotsResponse struct {
	EventID    int64                         `json:"event_id"`
	Categories map[string][]BestShotResponse `json:"categories"`
}

type DuplicateMemberResponse struct {
	PhotoID    int64   `json:"photo_id"`
	Similarity float64 `json:"similarity"`
	IsPrimary  bool    `json:"is_primary"`
}

type DuplicateGroupResponse struct {
	ID        uuid.UUID                 `json:"id"`
	Threshold float64                   `json:"threshold"`
	Members   []DuplicateMemberResponse `json:"members"`
	CreatedAt string                    `json:"created_at"`
}

type DuplicateGroupsResponse struct {
	EventID int64                    `json:"event_id"`
	Groups  []DuplicateGroupResponse `json:"groups"`
	Total   int                      `json:"total"`
}

// WSEvent is a WebSocket message for real-time analysis updates.
type WSEvent struct {
	Type         string   `json:"type"` // analysis_completed, analysis_failed, duplicates_rebuilt
	EventID      int64    `json:"event_id"`
	PhotoID      int64    `json:"photo_id,omitempty"`
	QualityScore *float64 `json:"quality_score,omitempty"`
	Categories   []string `json:"categories,omitempty"`
	MatchedUsers []int64  `json:"matched_users,omitempty"`
	Groups       int      `json:"groups,omitempty"`
	Error        string   `json:"error,omitempty"`
	Timestamp    string   `json:"timestamp"`
}
