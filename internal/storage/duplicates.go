package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/your-org/snapflow/internal/models"
)

// WithRebuildLock holds a session advisory lock for eventID while fn runs, so
// rebuilds started by different workers never overlap.
func (s *PostgresStore) WithRebuildLock(ctx context.Context, eventID int64, fn func(ctx context.Context) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Release()

	key := fmt.Sprintf("duplicates:%d", eventID)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("lock duplicate rebuild: %w", err)
	}
	defer func() {
		// The lock must be released even when ctx has expired.
		if _, err := conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
			slog.Error("unlock duplicate rebuild", "event_id", eventID, "error", err)
			conn.Conn().Close(context.Background()) //nolint:errcheck
		}
	}()

	return fn(ctx)
}

// ReplaceDuplicateGroups swaps the event's groups for groups in one
// transaction. Readers see either the old or the new set.
func (s *PostgresStore) ReplaceDuplicateGroups(ctx context.Context, eventID int64, groups []models.DuplicateGroup) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM duplicate_groups WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("delete duplicate groups: %w", err)
	}

	for _, g := range groups {
		if err := g.Validate(); err != nil {
			return err
		}
		id := g.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO duplicate_groups (id, event_id, threshold, created_at) VALUES ($1, $2, $3, $4)`,
			id, eventID, g.Threshold, g.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert duplicate group: %w", err)
		}
		for rank, m := range g.Members {
			_, err := tx.Exec(ctx,
				`INSERT INTO duplicate_members (group_id, photo_id, rank, similarity, is_primary)
				 VALUES ($1, $2, $3, $4, $5)`,
				id, m.PhotoID, rank, m.Similarity, m.IsPrimary)
			if err != nil {
				return fmt.Errorf("insert duplicate member: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit duplicate groups: %w", err)
	}
	return nil
}

// ListDuplicateGroups returns an event's groups with members in rank order.
func (s *PostgresStore) ListDuplicateGroups(ctx context.Context, eventID int64) ([]models.DuplicateGroup, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT g.id, g.event_id, g.threshold, g.created_at, m.photo_id, m.similarity, m.is_primary
		 FROM duplicate_groups g
		 JOIN duplicate_members m ON m.group_id = g.id
		 WHERE g.event_id = $1
		 ORDER BY g.created_at, g.id, m.rank`,
		eventID)
	if err != nil {
		return nil, fmt.Errorf("list duplicate groups: %w", err)
	}
	defer rows.Close()

	groups := []models.DuplicateGroup{}
	for rows.Next() {
		var (
			g models.DuplicateGroup
			m models.DuplicateMember
		)
		if err := rows.Scan(&g.ID, &g.EventID, &g.Threshold, &g.CreatedAt, &m.PhotoID, &m.Similarity, &m.IsPrimary); err != nil {
			return nil, fmt.Errorf("scan duplicate member: %w", err)
		}
		if n := len(groups); n > 0 && groups[n-1].ID == g.ID {
			groups[n-1].Members = append(groups[n-1].Members, m)
			continue
		}
		g.Members = []models.DuplicateMember{m}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}
