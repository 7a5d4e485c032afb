package duplicates

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/your-org/snapflow/internal/config"
	"github.com/your-org/snapflow/internal/models"
	"github.com/your-org/snapflow/internal/vision/visiontest"
)

type memStore struct {
	mu     sync.Mutex
	photos map[int64][]models.Photo
	groups map[int64][]models.DuplicateGroup
}

func (m *memStore) ListEventPhotos(_ context.Context, eventID int64) ([]models.Photo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Photo(nil), m.photos[eventID]...), nil
}

func (m *memStore) ReplaceDuplicateGroups(_ context.Context, eventID int64, groups []models.DuplicateGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[eventID] = groups
	return nil
}

type memObjects struct {
	data  map[string][]byte
	calls atomic.Int64
}

func (m *memObjects) GetObject(_ context.Context, key string) ([]byte, error) {
	m.calls.Add(1)
	if key == "flaky.png" {
		return nil, errors.New("connection reset by peer")
	}
	d, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, models.ErrNotFound)
	}
	return d, nil
}

func score(v float64) *float64 { return &v }

type fixture struct {
	store   *memStore
	objects *memObjects
	det     *Detector
}

func newFixture(t *testing.T, cfg config.DuplicatesConfig, photos ...models.Photo) *fixture {
	t.Helper()
	a := visiontest.PNG(visiontest.Textured(128, 96, 8, 1))
	c := visiontest.PNG(visiontest.Textured(128, 96, 8, 99))
	objects := &memObjects{data: map[string][]byte{
		"a.png":   a,
		"b.png":   append([]byte(nil), a...),
		"c.png":   c,
		"bad.png": []byte("not an image"),
	}}
	store := &memStore{
		photos: map[int64][]models.Photo{1: photos},
		groups: map[int64][]models.DuplicateGroup{},
	}
	det, err := NewDetector(store, objects, cfg)
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	return &fixture{store: store, objects: objects, det: det}
}

func defaults() config.DuplicatesConfig {
	return config.Default().Duplicates
}

func TestRebuildGroupsIdenticalCopies(t *testing.T) {
	f := newFixture(t, defaults(),
		models.Photo{ID: 1, EventID: 1, ImageKey: "a.png"},
		models.Photo{ID: 2, EventID: 1, ImageKey: "b.png"},
		models.Photo{ID: 3, EventID: 1, ImageKey: "c.png"},
	)

	groups, err := f.det.Rebuild(context.Background(), 1)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	g := groups[0]
	if len(g.Members) != 2 {
		t.Fatalf("members = %+v, want photos 1 and 2", g.Members)
	}
	primaries := 0
	for _, m := range g.Members {
		if m.PhotoID == 3 {
			t.Fatal("unrelated photo grouped")
		}
		if m.IsPrimary {
			primaries++
		}
		if math.Abs(m.Similarity-1) > 1e-6 {
			t.Errorf("photo %d similarity = %f, want 1", m.PhotoID, m.Similarity)
		}
	}
	if primaries != 1 {
		t.Fatalf("%d primaries, want 1", primaries)
	}
	if got := f.store.groups[1]; len(got) != 1 {
		t.Fatalf("stored %d groups, want 1", len(got))
	}
}

func TestRebuildPrefersHigherQualityPrimary(t *testing.T) {
	f := newFixture(t, defaults(),
		models.Photo{ID: 1, EventID: 1, ImageKey: "a.png", QualityScore: score(40)},
		models.Photo{ID: 2, EventID: 1, ImageKey: "b.png", QualityScore: score(80)},
	)
	groups, err := f.det.Rebuild(context.Background(), 1)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	p, ok := groups[0].Primary()
	if !ok || p.PhotoID != 2 {
		t.Fatalf("primary = %+v, want photo 2", p)
	}
}

func TestRebuildReplacesPreviousGroups(t *testing.T) {
	f := newFixture(t, defaults(),
		models.Photo{ID: 1, EventID: 1, ImageKey: "a.png"},
		models.Photo{ID: 2, EventID: 1, ImageKey: "b.png"},
	)
	ctx := context.Background()
	if _, err := f.det.Rebuild(ctx, 1); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	f.store.mu.Lock()
	f.store.photos[1] = f.store.photos[1][:1]
	f.store.mu.Unlock()

	groups, err := f.det.Rebuild(ctx, 1)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if len(groups) != 0 || len(f.store.groups[1]) != 0 {
		t.Fatalf("singleton kept: %+v", f.store.groups[1])
	}
}

func TestTemporalPenaltySplitsDistantShots(t *testing.T) {
	cfg := defaults()
	cfg.TemporalWindow = 10 * time.Minute
	cfg.TemporalPenalty = 0.5
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(2 * time.Hour)

	f := newFixture(t, cfg,
		models.Photo{ID: 1, EventID: 1, ImageKey: "a.png", TakenAt: &t0},
		models.Photo{ID: 2, EventID: 1, ImageKey: "b.png", TakenAt: &t1},
	)
	groups, err := f.det.Rebuild(context.Background(), 1)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("got %d groups, want none", len(groups))
	}
}

func TestRebuildSkipsUndecodablePhotos(t *testing.T) {
	f := newFixture(t, defaults(),
		models.Photo{ID: 1, EventID: 1, ImageKey: "a.png"},
		models.Photo{ID: 2, EventID: 1, ImageKey: "bad.png"},
		models.Photo{ID: 3, EventID: 1, ImageKey: "b.png"},
	)
	groups, err := f.det.Rebuild(context.Background(), 1)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if len(groups) != 1 || len(groups[0].Members) != 2 {
		t.Fatalf("groups = %+v", groups)
	}
}

func TestRebuildSkipsMissingObject(t *testing.T) {
	f := newFixture(t, defaults(),
		models.Photo{ID: 1, EventID: 1, ImageKey: "a.png"},
		models.Photo{ID: 2, EventID: 1, ImageKey: "b.png"},
		models.Photo{ID: 3, EventID: 1, ImageKey: "gone.png"},
	)
	groups, err := f.det.Rebuild(context.Background(), 1)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if len(groups) != 1 || len(groups[0].Members) != 2 {
		t.Fatalf("groups = %+v", groups)
	}
	for _, m := range groups[0].Members {
		if m.PhotoID == 3 {
			t.Fatal("missing photo grouped")
		}
	}
	if got := len(f.store.groups[1]); got != 1 {
		t.Fatalf("stored %d groups, want 1", got)
	}
}

func TestRebuildFailsOnFetchError(t *testing.T) {
	f := newFixture(t, defaults(),
		models.Photo{ID: 1, EventID: 1, ImageKey: "a.png"},
		models.Photo{ID: 2, EventID: 1, ImageKey: "flaky.png"},
	)
	if _, err := f.det.Rebuild(context.Background(), 1); err == nil {
		t.Fatal("expected error for failed fetch")
	}
	if _, ok := f.store.groups[1]; ok {
		t.Fatal("groups replaced after failed rebuild")
	}
}

func TestSignaturesAreCached(t *testing.T) {
	f := newFixture(t, defaults(),
		models.Photo{ID: 1, EventID: 1, ImageKey: "a.png"},
		models.Photo{ID: 2, EventID: 1, ImageKey: "c.png"},
	)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.det.Rebuild(ctx, 1); err != nil {
			t.Fatalf("Rebuild: %v", err)
		}
	}
	if got := f.objects.calls.Load(); got != 2 {
		t.Fatalf("fetched %d objects, want 2", got)
	}
}

func TestSimilarityMeasures(t *testing.T) {
	a := ComputeSignature(visiontest.Textured(64, 64, 4, 5))
	b := ComputeSignature(visiontest.Textured(64, 64, 4, 6))

	if s := StructuralSimilarity(a, a); s != 1 {
		t.Errorf("self structural = %f", s)
	}
	if s := ColorSimilarity(a, a); math.Abs(s-1) > 1e-9 {
		t.Errorf("self color = %f", s)
	}
	if s := StructuralSimilarity(a, b); s > 0.8 {
		t.Errorf("unrelated structural = %f", s)
	}
}

func TestCoalescerSerializesAndCoalesces(t *testing.T) {
	started := make(chan int64, 10)
	release := make(chan struct{})
	var runs, active, maxActive atomic.Int64

	rebuild := func(_ context.Context, eventID int64) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		runs.Add(1)
		started <- eventID
		<-release
		active.Add(-1)
		return nil
	}

	c := NewCoalescer(context.Background(), rebuild, time.Millisecond)
	c.Trigger(1)
	<-started
	for i := 0; i < 5; i++ {
		c.Trigger(1)
	}
	close(release)
	c.Flush()

	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}
	if got := maxActive.Load(); got != 1 {
		t.Fatalf("max concurrent runs = %d, want 1", got)
	}
	c.Close()
}

func TestCoalescerDebouncesBurst(t *testing.T) {
	var runs atomic.Int64
	c := NewCoalescer(context.Background(), func(context.Context, int64) error {
		runs.Add(1)
		return nil
	}, 20*time.Millisecond)

	for i := 0; i < 10; i++ {
		c.Trigger(4)
	}
	c.Flush()
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
}

func TestCoalescerCloseDropsPending(t *testing.T) {
	var runs atomic.Int64
	c := NewCoalescer(context.Background(), func(context.Context, int64) error {
		runs.Add(1)
		return nil
	}, time.Hour)
	c.Trigger(9)
	c.Close()
	c.Trigger(9)
	if got := runs.Load(); got != 0 {
		t.Fatalf("runs = %d, want 0", got)
	}
}
