package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskKind selects what a worker does with a task.
type TaskKind string

const (
	TaskAnalyze           TaskKind = "analyze"
	TaskRebuildDuplicates TaskKind = "rebuild_duplicates"
)

// PhotoTask is the message published to NATS for worker processing.
// PhotoID is zero for event-wide tasks.
type PhotoTask struct {
	TaskID     uuid.UUID `json:"task_id"`
	Kind       TaskKind  `json:"kind,omitempty"`
	PhotoID    int64     `json:"photo_id,omitempty"`
	EventID    int64     `json:"event_id"`
	Reanalyze  bool      `json:"reanalyze,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// AnalysisEventType distinguishes analysis notifications.
type AnalysisEventType string

const (
	AnalysisCompleted AnalysisEventType = "analysis_completed"
	AnalysisFailed    AnalysisEventType = "analysis_failed"
	DuplicatesRebuilt AnalysisEventType = "duplicates_rebuilt"
)

// AnalysisEvent is published after a worker finishes with a photo or an
// event-wide recomputation.
type AnalysisEvent struct {
	Type         AnalysisEventType `json:"type"`
	EventID      int64             `json:"event_id"`
	PhotoID      int64             `json:"photo_id,omitempty"`
	QualityScore *float64          `json:"quality_score,omitempty"`
	Categories   []Category        `json:"categories,omitempty"`
	MatchedUsers []int64           `json:"matched_users,omitempty"`
	Groups       int               `json:"groups,omitempty"`
	Error        string            `json:"error,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// ControlInvalidateEncodings drops cached reference encodings. A zero
// EventID clears every event.
const ControlInvalidateEncodings = "invalidate_encodings"

// ControlCommand is sent on the raw NATS control subject.
type ControlCommand struct {
	Action  string `json:"action"`
	EventID int64  `json:"event_id,omitempty"`
}
