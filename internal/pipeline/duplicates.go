package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/your-org/snapflow/internal/models"
)

// DuplicateRebuilder recomputes an event's duplicate groups.
type DuplicateRebuilder interface {
	Rebuild(ctx context.Context, eventID int64) ([]models.DuplicateGroup, error)
}

// AnnounceRebuilds wraps d so every successful rebuild is published as a
// DuplicatesRebuilt event. A publish failure is logged; the groups are
// already stored.
func AnnounceRebuilds(d DuplicateRebuilder, events EventPublisher) func(ctx context.Context, eventID int64) error {
	return func(ctx context.Context, eventID int64) error {
		groups, err := d.Rebuild(ctx, eventID)
		if err != nil {
			return err
		}
		ev := models.AnalysisEvent{
			Type:      models.DuplicatesRebuilt,
			EventID:   eventID,
			Groups:    len(groups),
			Timestamp: time.Now().UTC(),
		}
		if err := events.PublishEvent(ctx, ev); err != nil {
			slog.Warn("publish duplicates event", "event_id", eventID, "error", err)
		}
		return nil
	}
}
