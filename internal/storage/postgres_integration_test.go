//go:build integration

package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/your-org/snapflow/internal/bestshot"
	"github.com/your-org/snapflow/internal/config"
	"github.com/your-org/snapflow/internal/models"
)

func setupStore(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "pgvector/pgvector:pg16",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "snapflow",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil || container == nil {
		t.Skipf("docker not available: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}

	pool, err := pgxpool.New(ctx, fmt.Sprintf("postgres://test:test@%s:%s/snapflow?sslmode=disable", host, port.Port()))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	store := NewPostgresStoreFromPool(pool)
	t.Cleanup(store.Close)

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// Second run must be a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate again: %v", err)
	}
	return store
}

func seedEvent(t *testing.T, s *PostgresStore, photos int) (int64, []int64) {
	t.Helper()
	ctx := context.Background()
	var eventID int64
	if err := s.pool.QueryRow(ctx,
		`INSERT INTO events (name, event_type) VALUES ('Summer Cup', 'sports') RETURNING id`).Scan(&eventID); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	ids := make([]int64, photos)
	for i := range ids {
		if err := s.pool.QueryRow(ctx,
			`INSERT INTO photos (event_id, image_key) VALUES ($1, $2) RETURNING id`,
			eventID, fmt.Sprintf("photos/%d.jpg", i)).Scan(&ids[i]); err != nil {
			t.Fatalf("insert photo: %v", err)
		}
	}
	return eventID, ids
}

func TestPostgresAnalysisRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	eventID, ids := seedEvent(t, s, 1)

	var userID int64
	if err := s.pool.QueryRow(ctx, `INSERT INTO users (reference_key) VALUES ('refs/7.jpg') RETURNING id`).Scan(&userID); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	for _, rel := range []string{"participant", "organizer"} {
		if _, err := s.pool.Exec(ctx, `INSERT INTO event_members VALUES ($1, $2, $3)`, eventID, userID, rel); err != nil {
			t.Fatalf("insert member: %v", err)
		}
	}

	roster, err := s.EventRoster(ctx, eventID)
	if err != nil {
		t.Fatalf("EventRoster: %v", err)
	}
	if len(roster) != 1 || roster[0].Relation != models.RelationOrganizer {
		t.Fatalf("roster = %+v, want one organizer", roster)
	}

	conf := 82.5
	emb := make([]float32, 512)
	emb[0] = 1
	taken := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	a := &models.Analysis{
		PhotoID:      ids[0],
		QualityScore: 77.25,
		Quality:      []byte(`{"overall":77.25}`),
		Faces: []models.FaceRecord{
			{BBox: models.BBox{X1: 10, Y1: 10, X2: 60, Y2: 70}, UserID: &userID, Confidence: &conf, Method: "arcface", Embedding: emb},
			{BBox: models.BBox{X1: 100, Y1: 10, X2: 150, Y2: 70}},
		},
		SceneTags:  []string{"outdoor", "sports"},
		TakenAt:    &taken,
		Width:      1920,
		Height:     1080,
		AnalyzedAt: time.Now().UTC(),
	}
	if err := s.SaveAnalysis(ctx, eventID, a); err != nil {
		t.Fatalf("SaveAnalysis: %v", err)
	}

	p, err := s.GetPhoto(ctx, ids[0])
	if err != nil {
		t.Fatalf("GetPhoto: %v", err)
	}
	if !p.Processed || p.State != models.PhotoStateScored {
		t.Fatalf("photo not scored: %+v", p)
	}
	if p.EventType != "sports" || len(p.DetectedFaces) != 2 || len(p.SceneTags) != 2 {
		t.Fatalf("unexpected photo: %+v", p)
	}
	if p.TakenAt == nil || !p.TakenAt.Equal(taken) {
		t.Fatalf("taken_at = %v", p.TakenAt)
	}

	boxes, err := s.FacesForUser(ctx, ids[0], userID)
	if err != nil || len(boxes) != 1 {
		t.Fatalf("FacesForUser = %v, %v", boxes, err)
	}

	if err := s.ClearAnalysis(ctx, ids[0]); err != nil {
		t.Fatalf("ClearAnalysis: %v", err)
	}
	p, err = s.GetPhoto(ctx, ids[0])
	if err != nil {
		t.Fatalf("GetPhoto: %v", err)
	}
	if p.Processed || p.QualityScore != nil || len(p.DetectedFaces) != 0 {
		t.Fatalf("analysis not cleared: %+v", p)
	}

	if _, err := s.GetPhoto(ctx, 999999); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("missing photo error = %v", err)
	}
}

func TestPostgresBestShotLockSerializes(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	eventID, ids := seedEvent(t, s, 12)

	sel := bestshot.NewSelector(s, config.Default().BestShot)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(score float64, id int64) {
			defer wg.Done()
			if _, err := sel.Admit(ctx, eventID, models.CategoryPortrait, id, score); err != nil {
				t.Errorf("Admit: %v", err)
			}
		}(float64(60+i), id)
	}
	wg.Wait()

	entries, err := s.ListBestShots(ctx, eventID, models.CategoryPortrait)
	if err != nil {
		t.Fatalf("ListBestShots: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("got %d entries, want 5", len(entries))
	}
	for i, e := range entries {
		if want := float64(71 - i); e.Score != want {
			t.Errorf("entry %d score = %v, want %v", i, e.Score, want)
		}
	}
}

func TestPostgresReplaceDuplicateGroups(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	eventID, ids := seedEvent(t, s, 3)

	groups := []models.DuplicateGroup{{
		EventID:   eventID,
		Threshold: 0.92,
		CreatedAt: time.Now(),
		Members: []models.DuplicateMember{
			{PhotoID: ids[1], Similarity: 1, IsPrimary: true},
			{PhotoID: ids[0], Similarity: 0.97},
		},
	}}
	if err := s.ReplaceDuplicateGroups(ctx, eventID, groups); err != nil {
		t.Fatalf("ReplaceDuplicateGroups: %v", err)
	}
	got, err := s.ListDuplicateGroups(ctx, eventID)
	if err != nil {
		t.Fatalf("ListDuplicateGroups: %v", err)
	}
	if len(got) != 1 || len(got[0].Members) != 2 || got[0].Members[0].PhotoID != ids[1] {
		t.Fatalf("groups = %+v", got)
	}

	bad := []models.DuplicateGroup{{EventID: eventID, Members: []models.DuplicateMember{{PhotoID: ids[2], IsPrimary: true}}}}
	if err := s.ReplaceDuplicateGroups(ctx, eventID, bad); !errors.Is(err, models.ErrInvariant) {
		t.Fatalf("invalid group error = %v", err)
	}
	got, _ = s.ListDuplicateGroups(ctx, eventID)
	if len(got) != 1 {
		t.Fatalf("failed replace changed groups: %+v", got)
	}

	if err := s.ClearAnalysis(ctx, ids[0]); err != nil {
		t.Fatalf("ClearAnalysis: %v", err)
	}
	got, _ = s.ListDuplicateGroups(ctx, eventID)
	if len(got) != 0 {
		t.Fatalf("group containing cleared photo kept: %+v", got)
	}
}
