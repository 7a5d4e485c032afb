package recognition

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/your-org/snapflow/internal/models"
	"github.com/your-org/snapflow/internal/vision/visiontest"
)

type fakeRoster struct {
	members map[int64][]models.RosterMember
	calls   atomic.Int32
	err     error
}

func (f *fakeRoster) EventRoster(_ context.Context, eventID int64) ([]models.RosterMember, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.members[eventID], nil
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
	delay   time.Duration
}

func (f *fakeObjects) GetObject(ctx context.Context, key string) ([]byte, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("get object %s: %w", key, models.ErrNotFound)
	}
	return data, nil
}

func referenceImage(face bool) []byte {
	img := visiontest.Scene(120, 120)
	if face {
		visiontest.Fill(img, image.Rect(30, 30, 90, 90), visiontest.Red)
	}
	return visiontest.PNG(img)
}

// testPhoto holds the enrolled user's red face on the left and an unknown
// blue face on the right.
func testPhoto() image.Image {
	img := visiontest.Scene(400, 200)
	visiontest.Fill(img, image.Rect(40, 40, 120, 120), visiontest.Red)
	visiontest.Fill(img, image.Rect(250, 50, 330, 130), visiontest.Blue)
	return img
}

type fixture struct {
	roster    *fakeRoster
	objects   *fakeObjects
	primary   *visiontest.Embedder
	secondary *visiontest.Embedder
	detector  *visiontest.Detector
	cache     *Cache
	matcher   *Matcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		roster: &fakeRoster{members: map[int64][]models.RosterMember{
			1: {
				{UserID: 7, Relation: models.RelationParticipant, ReferenceKey: "refs/7.png"},
				{UserID: 8, Relation: models.RelationCrew, ReferenceKey: "refs/8.png"},
				{UserID: 9, Relation: models.RelationOrganizer},
				{UserID: 10, Relation: models.RelationParticipant, ReferenceKey: "refs/missing.png"},
			},
		}},
		objects: &fakeObjects{objects: map[string][]byte{
			"refs/7.png": referenceImage(true),
			"refs/8.png": referenceImage(false),
		}},
		primary: &visiontest.Embedder{Name: "arcface"},
		secondary: &visiontest.Embedder{Name: "mobileface", Mix: [][3]float32{
			{0, 1, 0}, {0, 0, 1}, {1, 0, 0},
		}},
		detector: &visiontest.Detector{},
	}
	enc, err := NewEncoder(f.detector, []Method{
		{Embedder: f.primary, Threshold: 50},
		{Embedder: f.secondary, Threshold: 45, Secondary: true},
	}, 100)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	f.cache = NewCache(f.roster, f.objects, enc, 4)
	f.matcher = NewMatcher(enc, f.cache, MatcherConfig{FallbackBelow: 60, Parallelism: 4})
	return f
}

func TestMatchFacesOneKnownOneUnknown(t *testing.T) {
	f := newFixture(t)

	faces, err := f.matcher.MatchFaces(context.Background(), 1, testPhoto())
	if err != nil {
		t.Fatalf("MatchFaces: %v", err)
	}
	if len(faces) != 2 {
		t.Fatalf("got %d faces, want 2", len(faces))
	}

	var matched, unmatched int
	for _, fr := range faces {
		if fr.Matched() {
			matched++
			if *fr.UserID != 7 {
				t.Errorf("matched user = %d, want 7", *fr.UserID)
			}
			if fr.Confidence == nil || *fr.Confidence < 99 {
				t.Errorf("confidence = %v, want ~100", fr.Confidence)
			}
			if fr.Method != "arcface" {
				t.Errorf("method = %q, want arcface", fr.Method)
			}
		} else {
			unmatched++
			if fr.Confidence != nil || fr.Method != "" {
				t.Errorf("unmatched face carries confidence %v method %q", fr.Confidence, fr.Method)
			}
		}
		if len(fr.Embedding) == 0 {
			t.Error("face record has no primary embedding")
		}
	}
	if matched != 1 || unmatched != 1 {
		t.Errorf("matched=%d unmatched=%d, want 1 and 1", matched, unmatched)
	}
}

func TestMatchFacesIsRepeatable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.matcher.MatchFaces(ctx, 1, testPhoto())
	if err != nil {
		t.Fatal(err)
	}
	f.cache.Invalidate(1)
	second, err := f.matcher.MatchFaces(ctx, 1, testPhoto())
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Fatalf("face counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].BBox != second[i].BBox {
			t.Errorf("face %d box differs", i)
		}
		if first[i].Matched() != second[i].Matched() {
			t.Fatalf("face %d match state differs", i)
		}
		if first[i].Matched() && *first[i].UserID != *second[i].UserID {
			t.Errorf("face %d identity differs", i)
		}
	}
}

func TestCacheSkipsUnusableReferences(t *testing.T) {
	f := newFixture(t)
	enc, err := f.cache.GetOrBuild(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetOrBuild: %v", err)
	}
	if len(enc) != 1 {
		t.Fatalf("cached %d users, want 1", len(enc))
	}
	ue, ok := enc[7]
	if !ok {
		t.Fatal("user 7 missing from cache")
	}
	if len(ue.Embeddings) != 2 {
		t.Errorf("user 7 has %d method embeddings, want 2", len(ue.Embeddings))
	}
	if ue.SourceKey != "refs/7.png" {
		t.Errorf("source key = %q", ue.SourceKey)
	}
}

func TestCacheBuildsOnceUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.cache.GetOrBuild(ctx, 1); err != nil {
				t.Errorf("GetOrBuild: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := f.roster.calls.Load(); got != 1 {
		t.Errorf("roster queried %d times, want 1", got)
	}

	// photos of the same event reuse the cache
	for i := 0; i < 3; i++ {
		if _, err := f.matcher.MatchFaces(ctx, 1, testPhoto()); err != nil {
			t.Fatal(err)
		}
	}
	if got := f.roster.calls.Load(); got != 1 {
		t.Errorf("roster queried %d times after matching, want 1", got)
	}
}

func TestCacheInvalidateForcesRebuild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.cache.GetOrBuild(ctx, 1); err != nil {
		t.Fatal(err)
	}
	f.cache.Invalidate(1)
	if f.cache.Len() != 0 {
		t.Errorf("cache len = %d after invalidate", f.cache.Len())
	}
	if _, err := f.cache.GetOrBuild(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if got := f.roster.calls.Load(); got != 2 {
		t.Errorf("roster queried %d times, want 2", got)
	}

	f.cache.InvalidateAll()
	if f.cache.Len() != 0 {
		t.Errorf("cache len = %d after invalidate all", f.cache.Len())
	}
}

func TestCacheDoesNotMemoizeFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.objects.err = errors.New("connection refused")

	if _, err := f.cache.GetOrBuild(ctx, 1); err == nil {
		t.Fatal("expected build error on storage outage")
	}
	if f.cache.Len() != 0 {
		t.Fatal("failed build was cached")
	}

	f.objects.mu.Lock()
	f.objects.err = nil
	f.objects.mu.Unlock()
	enc, err := f.cache.GetOrBuild(ctx, 1)
	if err != nil {
		t.Fatalf("GetOrBuild after recovery: %v", err)
	}
	if len(enc) != 1 {
		t.Errorf("cached %d users, want 1", len(enc))
	}
}

func TestCacheBuildOutlivesFirstCaller(t *testing.T) {
	f := newFixture(t)
	f.objects.delay = 200 * time.Millisecond

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	errs := make(chan error, 2)
	go func() {
		_, err := f.cache.GetOrBuild(short, 1)
		errs <- err
	}()
	// let the short caller start the build
	time.Sleep(10 * time.Millisecond)

	var enc Encodings
	go func() {
		var err error
		enc, err = f.cache.GetOrBuild(context.Background(), 1)
		errs <- err
	}()

	first, second := <-errs, <-errs
	if !errors.Is(first, context.DeadlineExceeded) {
		t.Fatalf("short caller err = %v, want deadline exceeded", first)
	}
	if second != nil {
		t.Fatalf("background caller err = %v", second)
	}
	if len(enc) != 1 {
		t.Errorf("built %d users, want 1", len(enc))
	}
	if got := f.roster.calls.Load(); got != 1 {
		t.Errorf("roster queried %d times, want 1", got)
	}
	if f.cache.Len() != 1 {
		t.Errorf("cache len = %d, want 1", f.cache.Len())
	}
}

func TestCacheBuildTimeout(t *testing.T) {
	f := newFixture(t)
	f.objects.delay = time.Second
	f.cache.WithBuildTimeout(20 * time.Millisecond)

	_, err := f.cache.GetOrBuild(context.Background(), 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if f.cache.Len() != 0 {
		t.Fatal("timed out build was cached")
	}
}

func TestMatchFallsBackToSecondaryMethod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.cache.GetOrBuild(ctx, 1); err != nil {
		t.Fatal(err)
	}

	// the primary model starts failing after the cache was built
	f.primary.Fail = true
	faces, err := f.matcher.MatchFaces(ctx, 1, testPhoto())
	if err != nil {
		t.Fatalf("MatchFaces: %v", err)
	}
	var got *models.FaceRecord
	for i := range faces {
		if faces[i].Matched() {
			got = &faces[i]
		}
	}
	if got == nil {
		t.Fatal("no face matched through the secondary method")
	}
	if got.Method != "mobileface" || *got.UserID != 7 {
		t.Errorf("match = user %d via %q, want user 7 via mobileface", *got.UserID, got.Method)
	}
}

func TestMethodThresholdsApplyPerMethod(t *testing.T) {
	f := newFixture(t)
	enc, err := NewEncoder(f.detector, []Method{
		{Embedder: f.primary, Threshold: 50},
	}, 100)
	if err != nil {
		t.Fatal(err)
	}
	cache := NewCache(f.roster, f.objects, enc, 2)
	m := NewMatcher(enc, cache, MatcherConfig{FallbackBelow: 60})

	// blue scores about 39 against the red reference
	img := visiontest.Scene(200, 200)
	visiontest.Fill(img, image.Rect(50, 50, 130, 130), visiontest.Blue)
	faces, err := m.MatchFaces(context.Background(), 1, img)
	if err != nil {
		t.Fatal(err)
	}
	if len(faces) != 1 || faces[0].Matched() {
		t.Fatalf("blue face should stay unmatched at threshold 50, got %+v", faces)
	}

	strict, err := NewEncoder(f.detector, []Method{{Embedder: f.primary, Threshold: 30}}, 100)
	if err != nil {
		t.Fatal(err)
	}
	loose := NewMatcher(strict, NewCache(f.roster, f.objects, strict, 2), MatcherConfig{})
	faces, err = loose.MatchFaces(context.Background(), 1, img)
	if err != nil {
		t.Fatal(err)
	}
	if len(faces) != 1 || !faces[0].Matched() {
		t.Fatalf("blue face should match at threshold 30, got %+v", faces)
	}
}

func TestDetectionFailureYieldsNoFaces(t *testing.T) {
	f := newFixture(t)
	f.detector.Err = errors.New("session crashed")

	faces, err := f.matcher.MatchFaces(context.Background(), 1, testPhoto())
	if err != nil {
		t.Fatalf("MatchFaces: %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("got %d faces, want 0", len(faces))
	}
	if f.roster.calls.Load() != 0 {
		t.Error("roster should not be loaded when no faces were found")
	}
}

func TestSmallFacesAreIgnored(t *testing.T) {
	f := newFixture(t)
	img := visiontest.Scene(200, 200)
	visiontest.Fill(img, image.Rect(10, 10, 18, 18), visiontest.Red) // 64 px
	faces, err := f.matcher.MatchFaces(context.Background(), 1, img)
	if err != nil {
		t.Fatal(err)
	}
	if len(faces) != 0 {
		t.Errorf("got %d faces, want 0", len(faces))
	}
}

func TestLocateUser(t *testing.T) {
	f := newFixture(t)
	boxes, err := f.matcher.LocateUser(context.Background(), 1, 7, testPhoto())
	if err != nil {
		t.Fatal(err)
	}
	if len(boxes) != 1 {
		t.Fatalf("got %d boxes, want 1", len(boxes))
	}
	if boxes[0].X1 != 40 || boxes[0].Y1 != 40 {
		t.Errorf("box = %+v", boxes[0])
	}
	none, err := f.matcher.LocateUser(context.Background(), 1, 99, testPhoto())
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("unknown user located in %d boxes", len(none))
	}
}

func TestNewEncoderRequiresPrimary(t *testing.T) {
	if _, err := NewEncoder(&visiontest.Detector{}, nil, 0); err == nil {
		t.Error("expected error without methods")
	}
	_, err := NewEncoder(&visiontest.Detector{}, []Method{
		{Embedder: &visiontest.Embedder{Name: "m"}, Threshold: 40, Secondary: true},
	}, 0)
	if err == nil {
		t.Error("expected error without a primary method")
	}
}
