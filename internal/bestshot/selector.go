package bestshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/snapflow/internal/config"
	"github.com/your-org/snapflow/internal/models"
	"github.com/your-org/snapflow/internal/observability"
	"github.com/your-org/snapflow/internal/quality"
)

// Decision is the outcome of one admission.
type Decision string

const (
	DecisionInserted   Decision = "inserted"
	DecisionReplaced   Decision = "replaced"
	DecisionUpdated    Decision = "updated"
	DecisionKept       Decision = "kept"
	DecisionDiscarded  Decision = "discarded"
	DecisionBelowFloor Decision = "below_minimum"
)

// Tx is the view of one (event, category) ranking while its lock is held.
type Tx interface {
	Entries(ctx context.Context) ([]models.BestShotEntry, error)
	Insert(ctx context.Context, e models.BestShotEntry) error
	// Set overwrites the photo and score of an existing entry.
	Set(ctx context.Context, id uuid.UUID, photoID int64, score float64) error
}

// Store persists rankings. WithCategoryLock must serialize every fn for the
// same (event, category) and apply its writes atomically.
type Store interface {
	WithCategoryLock(ctx context.Context, eventID int64, cat models.Category, fn func(tx Tx) error) error
	ListBestShots(ctx context.Context, eventID int64, cat models.Category) ([]models.BestShotEntry, error)
	RemovePhotoBestShots(ctx context.Context, photoID int64) error
}

// Selector maintains the bounded top-K set of every (event, category).
type Selector struct {
	store  Store
	limits map[models.Category]config.CategoryLimit
}

func NewSelector(store Store, cfg config.BestShotConfig) *Selector {
	limits := make(map[models.Category]config.CategoryLimit, len(models.AllCategories))
	for _, c := range models.AllCategories {
		cl, ok := cfg.Categories[string(c)]
		if !ok || cl.Limit <= 0 {
			cl.Limit = c.DefaultLimit()
		}
		limits[c] = cl
	}
	return &Selector{store: store, limits: limits}
}

// Limit returns the K and qualifying minimum of cat.
func (s *Selector) Limit(cat models.Category) config.CategoryLimit {
	return s.limits[cat]
}

// Admit offers photoID with score to the (eventID, cat) ranking.
func (s *Selector) Admit(ctx context.Context, eventID int64, cat models.Category, photoID int64, score float64) (Decision, error) {
	if !cat.Valid() {
		return "", fmt.Errorf("unknown category %q", cat)
	}
	lim := s.limits[cat]
	if score < lim.MinScore {
		observability.BestShotDecisions.WithLabelValues(string(cat), string(DecisionBelowFloor)).Inc()
		return DecisionBelowFloor, nil
	}

	var decision Decision
	err := s.store.WithCategoryLock(ctx, eventID, cat, func(tx Tx) error {
		entries, err := tx.Entries(ctx)
		if err != nil {
			return err
		}
		if len(entries) > lim.Limit {
			return fmt.Errorf("event %d category %s holds %d entries, limit %d: %w",
				eventID, cat, len(entries), lim.Limit, models.ErrInvariant)
		}

		// A member keeps its best score. Lowering it could rank it below a
		// candidate that was already discarded against the higher one.
		for _, e := range entries {
			if e.PhotoID != photoID {
				continue
			}
			if score <= e.Score {
				decision = DecisionKept
				return nil
			}
			decision = DecisionUpdated
			return tx.Set(ctx, e.ID, photoID, score)
		}

		if len(entries) < lim.Limit {
			decision = DecisionInserted
			return tx.Insert(ctx, models.BestShotEntry{
				ID:        uuid.New(),
				EventID:   eventID,
				Category:  cat,
				PhotoID:   photoID,
				Score:     score,
				UpdatedAt: time.Now(),
			})
		}

		lowest := entries[0]
		for _, e := range entries[1:] {
			if models.Ranks(lowest.Score, lowest.PhotoID, e) {
				lowest = e
			}
		}
		if !models.Ranks(score, photoID, lowest) {
			decision = DecisionDiscarded
			return nil
		}
		decision = DecisionReplaced
		return tx.Set(ctx, lowest.ID, photoID, score)
	})
	if err != nil {
		return "", fmt.Errorf("admit photo %d to %s: %w", photoID, cat, err)
	}
	observability.BestShotDecisions.WithLabelValues(string(cat), string(decision)).Inc()
	return decision, nil
}

// CategoryScores returns the ranking score of every category res qualifies
// for. Problem categories rank by severity, so the worst shots surface first.
func CategoryScores(res quality.Result) map[models.Category]float64 {
	out := map[models.Category]float64{models.CategoryOverall: res.Overall}
	for _, c := range res.Categories {
		switch c {
		case models.CategoryPortrait, models.CategoryGroup, models.CategoryAction:
			out[c] = res.Overall
		case models.CategoryComposition:
			out[c] = res.Composition
		case models.CategoryLighting:
			out[c] = res.Lighting
		default:
			if c.IsProblem() {
				out[c] = 100 - res.Overall
			}
		}
	}
	return out
}

// AdmitAll offers the photo to every category its quality result qualifies
// for. All categories are attempted; the first error is returned.
func (s *Selector) AdmitAll(ctx context.Context, eventID, photoID int64, res quality.Result) (map[models.Category]Decision, error) {
	scores := CategoryScores(res)
	out := make(map[models.Category]Decision, len(scores))
	var firstErr error
	for _, cat := range models.AllCategories {
		score, ok := scores[cat]
		if !ok {
			continue
		}
		d, err := s.Admit(ctx, eventID, cat, photoID, score)
		if err != nil {
			slog.Error("best shot admission failed",
				"event_id", eventID,
				"photo_id", photoID,
				"category", cat,
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out[cat] = d
	}
	return out, firstErr
}

// Remove drops photoID from every ranking it belongs to.
func (s *Selector) Remove(ctx context.Context, photoID int64) error {
	if err := s.store.RemovePhotoBestShots(ctx, photoID); err != nil {
		return fmt.Errorf("remove best shots of photo %d: %w", photoID, err)
	}
	return nil
}

// List returns the ranking of (eventID, cat), best first.
func (s *Selector) List(ctx context.Context, eventID int64, cat models.Category) ([]models.BestShotEntry, error) {
	return s.store.ListBestShots(ctx, eventID, cat)
}
