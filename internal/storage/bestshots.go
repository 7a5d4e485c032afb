package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/your-org/snapflow/internal/bestshot"
	"github.com/your-org/snapflow/internal/models"
)

// WithCategoryLock runs fn inside a transaction holding an advisory lock on
// the (event, category) ranking. Concurrent workers on other hosts block on
// the same lock.
func (s *PostgresStore) WithCategoryLock(ctx context.Context, eventID int64, cat models.Category, fn func(tx bestshot.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	lockKey := fmt.Sprintf("best_shots:%d:%s", eventID, cat)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
		return fmt.Errorf("lock ranking: %w", err)
	}

	if err := fn(&pgRankingTx{tx: tx, eventID: eventID, category: cat}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ranking: %w", err)
	}
	return nil
}

// ListBestShots returns a ranking ordered best first.
func (s *PostgresStore) ListBestShots(ctx context.Context, eventID int64, cat models.Category) ([]models.BestShotEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_id, category, photo_id, score, updated_at
		 FROM best_shots WHERE event_id = $1 AND category = $2
		 ORDER BY score DESC, photo_id DESC`,
		eventID, string(cat))
	if err != nil {
		return nil, fmt.Errorf("list best shots: %w", err)
	}
	return collectEntries(rows)
}

func (s *PostgresStore) RemovePhotoBestShots(ctx context.Context, photoID int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM best_shots WHERE photo_id = $1`, photoID); err != nil {
		return fmt.Errorf("remove best shots: %w", err)
	}
	return nil
}

func collectEntries(rows pgx.Rows) ([]models.BestShotEntry, error) {
	defer rows.Close()
	entries := []models.BestShotEntry{}
	for rows.Next() {
		var (
			e   models.BestShotEntry
			cat string
		)
		if err := rows.Scan(&e.ID, &e.EventID, &cat, &e.PhotoID, &e.Score, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan best shot: %w", err)
		}
		e.Category = models.Category(cat)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type pgRankingTx struct {
	tx       pgx.Tx
	eventID  int64
	category models.Category
}

func (t *pgRankingTx) Entries(ctx context.Context) ([]models.BestShotEntry, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, event_id, category, photo_id, score, updated_at
		 FROM best_shots WHERE event_id = $1 AND category = $2`,
		t.eventID, string(t.category))
	if err != nil {
		return nil, fmt.Errorf("read ranking: %w", err)
	}
	return collectEntries(rows)
}

func (t *pgRankingTx) Insert(ctx context.Context, e models.BestShotEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO best_shots (id, event_id, category, photo_id, score, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, t.eventID, string(t.category), e.PhotoID, e.Score, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert best shot: %w", err)
	}
	return nil
}

func (t *pgRankingTx) Set(ctx context.Context, id uuid.UUID, photoID int64, score float64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE best_shots SET photo_id = $2, score = $3, updated_at = NOW() WHERE id = $1`,
		id, photoID, score)
	if err != nil {
		return fmt.Errorf("update best shot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("best shot entry %s: %w", id, models.ErrNotFound)
	}
	return nil
}
