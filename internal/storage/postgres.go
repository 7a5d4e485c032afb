package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/snapflow/internal/config"
	"github.com/your-org/snapflow/internal/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Photos ---

const photoColumns = `p.id, p.event_id, e.event_type, p.image_key, p.taken_at, p.width, p.height,
	p.state, p.processed, p.quality_score, p.quality, p.detected_faces, p.scene_tags,
	p.enhanced_key, p.analyzed_at, p.created_at`

func scanPhoto(row pgx.Row) (*models.Photo, error) {
	var (
		p       models.Photo
		quality []byte
		faces   []byte
	)
	err := row.Scan(&p.ID, &p.EventID, &p.EventType, &p.ImageKey, &p.TakenAt, &p.Width, &p.Height,
		&p.State, &p.Processed, &p.QualityScore, &quality, &faces, &p.SceneTags,
		&p.EnhancedKey, &p.AnalyzedAt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(quality) > 0 {
		p.Quality = json.RawMessage(quality)
	}
	if len(faces) > 0 {
		if err := json.Unmarshal(faces, &p.DetectedFaces); err != nil {
			return nil, fmt.Errorf("decode detected faces of photo %d: %w", p.ID, err)
		}
	}
	if p.DetectedFaces == nil {
		p.DetectedFaces = []models.FaceRecord{}
	}
	if p.SceneTags == nil {
		p.SceneTags = []string{}
	}
	return &p, nil
}

func collectPhotos(rows pgx.Rows) ([]models.Photo, error) {
	defer rows.Close()
	var photos []models.Photo
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, fmt.Errorf("scan photo: %w", err)
		}
		photos = append(photos, *p)
	}
	return photos, rows.Err()
}

// GetPhoto returns a photo by id, or models.ErrNotFound.
func (s *PostgresStore) GetPhoto(ctx context.Context, id int64) (*models.Photo, error) {
	p, err := scanPhoto(s.pool.QueryRow(ctx,
		`SELECT `+photoColumns+` FROM photos p JOIN events e ON e.id = p.event_id WHERE p.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("photo %d: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("get photo: %w", err)
	}
	return p, nil
}

// ListEventPhotos returns every photo of an event ordered by id.
func (s *PostgresStore) ListEventPhotos(ctx context.Context, eventID int64) ([]models.Photo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+photoColumns+` FROM photos p JOIN events e ON e.id = p.event_id
		 WHERE p.event_id = $1 ORDER BY p.id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list event photos: %w", err)
	}
	return collectPhotos(rows)
}

// ListUnprocessed returns photos waiting for analysis. Photos stuck in the
// analyzing state for longer than staleFor are included.
func (s *PostgresStore) ListUnprocessed(ctx context.Context, limit int, staleFor time.Duration) ([]models.Photo, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+photoColumns+` FROM photos p JOIN events e ON e.id = p.event_id
		 WHERE NOT p.processed
		   AND (p.state <> 'analyzing' OR p.updated_at < NOW() - make_interval(secs => $1))
		 ORDER BY p.id LIMIT $2`,
		staleFor.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed photos: %w", err)
	}
	return collectPhotos(rows)
}

// CountUnprocessed returns the number of photos without a completed analysis.
func (s *PostgresStore) CountUnprocessed(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM photos WHERE NOT processed`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unprocessed photos: %w", err)
	}
	return n, nil
}

// SetPhotoState moves an unprocessed photo to state.
func (s *PostgresStore) SetPhotoState(ctx context.Context, id int64, state models.PhotoState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE photos SET state = $2, updated_at = NOW() WHERE id = $1`, id, string(state))
	if err != nil {
		return fmt.Errorf("set photo state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("photo %d: %w", id, models.ErrNotFound)
	}
	return nil
}

// SaveAnalysis writes the analysis columns and face rows of a photo in one
// transaction and marks it scored.
func (s *PostgresStore) SaveAnalysis(ctx context.Context, eventID int64, a *models.Analysis) error {
	faces, err := json.Marshal(a.Faces)
	if err != nil {
		return fmt.Errorf("encode faces: %w", err)
	}
	tags := a.SceneTags
	if tags == nil {
		tags = []string{}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE photos SET
			processed = TRUE,
			state = 'scored',
			quality_score = $2,
			quality = $3,
			detected_faces = $4,
			scene_tags = $5,
			taken_at = COALESCE(taken_at, $6),
			width = CASE WHEN $7 > 0 THEN $7 ELSE width END,
			height = CASE WHEN $8 > 0 THEN $8 ELSE height END,
			analyzed_at = $9,
			updated_at = NOW()
		 WHERE id = $1`,
		a.PhotoID, a.QualityScore, []byte(a.Quality), faces, tags, a.TakenAt,
		a.Width, a.Height, a.AnalyzedAt)
	if err != nil {
		return fmt.Errorf("update photo: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("photo %d: %w", a.PhotoID, models.ErrNotFound)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM photo_faces WHERE photo_id = $1`, a.PhotoID); err != nil {
		return fmt.Errorf("clear photo faces: %w", err)
	}
	for i, f := range a.Faces {
		var vec *pgvector.Vector
		if len(f.Embedding) > 0 {
			v := pgvector.NewVector(f.Embedding)
			vec = &v
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO photo_faces (id, photo_id, event_id, face_index, x1, y1, x2, y2, user_id, confidence, method, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			uuid.New(), a.PhotoID, eventID, i, f.BBox.X1, f.BBox.Y1, f.BBox.X2, f.BBox.Y2,
			f.UserID, f.Confidence, f.Method, vec)
		if err != nil {
			return fmt.Errorf("insert photo face: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit analysis: %w", err)
	}
	return nil
}

// ClearAnalysis removes every derivation of a photo: faces, tags, score,
// best-shot entries and the duplicate groups it belongs to. The photo goes
// back to the uploaded state.
func (s *PostgresStore) ClearAnalysis(ctx context.Context, photoID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE photos SET
			processed = FALSE,
			state = 'uploaded',
			quality_score = NULL,
			quality = NULL,
			detected_faces = '[]',
			scene_tags = '{}',
			enhanced_key = '',
			analyzed_at = NULL,
			updated_at = NOW()
		 WHERE id = $1`, photoID)
	if err != nil {
		return fmt.Errorf("reset photo: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("photo %d: %w", photoID, models.ErrNotFound)
	}

	stmts := []string{
		`DELETE FROM photo_faces WHERE photo_id = $1`,
		`DELETE FROM best_shots WHERE photo_id = $1`,
		`DELETE FROM duplicate_groups WHERE id IN (SELECT group_id FROM duplicate_members WHERE photo_id = $1)`,
	}
	for _, q := range stmts {
		if _, err := tx.Exec(ctx, q, photoID); err != nil {
			return fmt.Errorf("clear derivations: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit clear: %w", err)
	}
	return nil
}

// SetEnhancedKey records the object key of a photo's enhanced copy.
func (s *PostgresStore) SetEnhancedKey(ctx context.Context, photoID int64, key string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE photos SET enhanced_key = $2, updated_at = NOW() WHERE id = $1`, photoID, key)
	if err != nil {
		return fmt.Errorf("set enhanced key: %w", err)
	}
	return nil
}

// FacesForUser returns the boxes of userID's recognized faces in a photo.
func (s *PostgresStore) FacesForUser(ctx context.Context, photoID, userID int64) ([]models.BBox, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT x1, y1, x2, y2 FROM photo_faces WHERE photo_id = $1 AND user_id = $2 ORDER BY face_index`,
		photoID, userID)
	if err != nil {
		return nil, fmt.Errorf("faces for user: %w", err)
	}
	defer rows.Close()

	boxes := []models.BBox{}
	for rows.Next() {
		var b models.BBox
		if err := rows.Scan(&b.X1, &b.Y1, &b.X2, &b.Y2); err != nil {
			return nil, fmt.Errorf("scan face box: %w", err)
		}
		boxes = append(boxes, b)
	}
	return boxes, rows.Err()
}

// --- Roster ---

// EventRoster returns every user related to an event, once per user, with
// the strongest relation.
func (s *PostgresStore) EventRoster(ctx context.Context, eventID int64) ([]models.RosterMember, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (m.user_id) m.user_id, m.relation, u.reference_key
		 FROM event_members m
		 JOIN users u ON u.id = m.user_id
		 WHERE m.event_id = $1
		 ORDER BY m.user_id,
		   CASE m.relation WHEN 'organizer' THEN 0 WHEN 'crew' THEN 1 ELSE 2 END`,
		eventID)
	if err != nil {
		return nil, fmt.Errorf("event roster: %w", err)
	}
	defer rows.Close()

	var members []models.RosterMember
	for rows.Next() {
		var m models.RosterMember
		if err := rows.Scan(&m.UserID, &m.Relation, &m.ReferenceKey); err != nil {
			return nil, fmt.Errorf("scan roster member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}
