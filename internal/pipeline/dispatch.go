package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/snapflow/internal/models"
	"github.com/your-org/snapflow/internal/observability"
)

// DispatchStore is the persistence used to queue work.
type DispatchStore interface {
	GetPhoto(ctx context.Context, id int64) (*models.Photo, error)
	ListEventPhotos(ctx context.Context, eventID int64) ([]models.Photo, error)
	ListUnprocessed(ctx context.Context, limit int, staleFor time.Duration) ([]models.Photo, error)
	CountUnprocessed(ctx context.Context) (int, error)
	ClearAnalysis(ctx context.Context, photoID int64) error
}

// TaskPublisher enqueues tasks for workers.
type TaskPublisher interface {
	PublishTask(ctx context.Context, task models.PhotoTask) error
}

// BestShotRemover drops a photo from every ranking.
type BestShotRemover interface {
	Remove(ctx context.Context, photoID int64) error
}

// ObjectRemover deletes stored binaries.
type ObjectRemover interface {
	DeleteObject(ctx context.Context, key string) error
}

// Dispatcher queues analysis work. It is used by the API and the scheduler;
// workers consume what it publishes.
type Dispatcher struct {
	store     DispatchStore
	tasks     TaskPublisher
	bestShots BestShotRemover
	objects   ObjectRemover
}

func NewDispatcher(store DispatchStore, tasks TaskPublisher, bestShots BestShotRemover) *Dispatcher {
	return &Dispatcher{store: store, tasks: tasks, bestShots: bestShots}
}

// WithObjects makes Reanalyze delete the photo's enhanced copy.
func (d *Dispatcher) WithObjects(objects ObjectRemover) *Dispatcher {
	d.objects = objects
	return d
}

func newTask(kind models.TaskKind, eventID, photoID int64) models.PhotoTask {
	return models.PhotoTask{
		TaskID:     uuid.New(),
		Kind:       kind,
		PhotoID:    photoID,
		EventID:    eventID,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Enqueue queues the analysis of an unprocessed photo.
func (d *Dispatcher) Enqueue(ctx context.Context, p models.Photo) error {
	return d.tasks.PublishTask(ctx, newTask(models.TaskAnalyze, p.EventID, p.ID))
}

// Reanalyze clears every derivation of a photo and queues a fresh analysis.
// The clear happens before the task is published so the new pass never sits
// next to stale faces or tags.
func (d *Dispatcher) Reanalyze(ctx context.Context, photoID int64) (models.PhotoTask, error) {
	photo, err := d.store.GetPhoto(ctx, photoID)
	if err != nil {
		return models.PhotoTask{}, err
	}
	if err := d.store.ClearAnalysis(ctx, photoID); err != nil {
		return models.PhotoTask{}, fmt.Errorf("clear analysis: %w", err)
	}
	if err := d.bestShots.Remove(ctx, photoID); err != nil {
		return models.PhotoTask{}, err
	}
	if d.objects != nil && photo.EnhancedKey != "" {
		if err := d.objects.DeleteObject(ctx, photo.EnhancedKey); err != nil {
			slog.Warn("delete enhanced copy", "photo_id", photoID, "key", photo.EnhancedKey, "error", err)
		}
	}

	task := newTask(models.TaskAnalyze, photo.EventID, photoID)
	task.Reanalyze = true
	if err := d.tasks.PublishTask(ctx, task); err != nil {
		return models.PhotoTask{}, err
	}
	slog.Info("photo queued for reanalysis", "photo_id", photoID, "event_id", photo.EventID, "task_id", task.TaskID)
	return task, nil
}

// ReanalyzeEvent reanalyzes every photo of an event and returns how many
// were queued.
func (d *Dispatcher) ReanalyzeEvent(ctx context.Context, eventID int64) (int, error) {
	photos, err := d.store.ListEventPhotos(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("list event photos: %w", err)
	}
	n := 0
	for _, p := range photos {
		if _, err := d.Reanalyze(ctx, p.ID); err != nil {
			return n, fmt.Errorf("reanalyze photo %d: %w", p.ID, err)
		}
		n++
	}
	return n, nil
}

// RebuildDuplicates asks a worker to recompute an event's duplicate groups.
func (d *Dispatcher) RebuildDuplicates(ctx context.Context, eventID int64) (models.PhotoTask, error) {
	task := newTask(models.TaskRebuildDuplicates, eventID, 0)
	if err := d.tasks.PublishTask(ctx, task); err != nil {
		return models.PhotoTask{}, err
	}
	return task, nil
}

// ProcessPending queues up to limit photos that have no completed analysis,
// including photos stuck in Analyzing for longer than staleFor.
func (d *Dispatcher) ProcessPending(ctx context.Context, limit int, staleFor time.Duration) (int, error) {
	if total, err := d.store.CountUnprocessed(ctx); err == nil {
		observability.PendingPhotos.Set(float64(total))
	}

	photos, err := d.store.ListUnprocessed(ctx, limit, staleFor)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, p := range photos {
		if err := d.Enqueue(ctx, p); err != nil {
			slog.Warn("queue pending photo", "photo_id", p.ID, "error", err)
			continue
		}
		queued++
	}
	if queued > 0 {
		slog.Info("pending photos queued", "queued", queued, "found", len(photos))
	}
	return queued, nil
}
