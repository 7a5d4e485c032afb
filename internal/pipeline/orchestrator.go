package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/snapflow/internal/bestshot"
	"github.com/your-org/snapflow/internal/config"
	"github.com/your-org/snapflow/internal/models"
	"github.com/your-org/snapflow/internal/observability"
	"github.com/your-org/snapflow/internal/quality"
	"github.com/your-org/snapflow/internal/recognition"
	"github.com/your-org/snapflow/internal/tagging"
	"github.com/your-org/snapflow/internal/vision"
)

// ErrPermanent marks failures that no retry can fix: the photo row or its
// image is gone, or the image cannot be decoded.
var ErrPermanent = errors.New("permanent analysis failure")

// Store is the persistence the orchestrator needs.
type Store interface {
	GetPhoto(ctx context.Context, id int64) (*models.Photo, error)
	SetPhotoState(ctx context.Context, id int64, state models.PhotoState) error
	SaveAnalysis(ctx context.Context, eventID int64, a *models.Analysis) error
	SetEnhancedKey(ctx context.Context, photoID int64, key string) error
}

// ObjectSource fetches stored binaries by key.
type ObjectSource interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// EventPublisher announces analysis outcomes.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev models.AnalysisEvent) error
}

// FaceMatcher finds and identifies faces. Detection runs first so the
// quality scorer and tag generator can use the boxes while matching runs.
type FaceMatcher interface {
	Detect(eventID int64, img image.Image) []vision.Detection
	MatchDetections(ctx context.Context, eventID int64, img image.Image, dets []vision.Detection) ([]models.FaceRecord, error)
}

// BestShots admits scored photos to the rankings.
type BestShots interface {
	AdmitAll(ctx context.Context, eventID, photoID int64, res quality.Result) (map[models.Category]bestshot.Decision, error)
}

// DuplicateTrigger schedules an event-wide duplicate rebuild.
type DuplicateTrigger interface {
	Trigger(eventID int64)
}

// Enhancer stores an improved copy of a photo and returns its key.
type Enhancer interface {
	Enhance(ctx context.Context, eventID, photoID int64, img image.Image) (string, error)
}

// Deps are the collaborators of an Orchestrator. Enhancer may be nil.
type Deps struct {
	Store      Store
	Objects    ObjectSource
	Events     EventPublisher
	Matcher    FaceMatcher
	Scorer     *quality.Scorer
	BestShots  BestShots
	Duplicates DuplicateTrigger
	Enhancer   Enhancer
}

// Orchestrator drives one photo through Uploaded → Analyzing → Scored.
type Orchestrator struct {
	Deps
	cfg config.PipelineConfig

	background sync.WaitGroup
}

func NewOrchestrator(deps Deps, cfg config.PipelineConfig) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Orchestrator{Deps: deps, cfg: cfg}
}

// scored is what one successful pass hands to the post-persistence steps.
type scored struct {
	photo    *models.Photo
	analysis *models.Analysis
	result   quality.Result
	img      image.Image
}

// Handle routes a queue task.
func (o *Orchestrator) Handle(ctx context.Context, task models.PhotoTask) error {
	switch task.Kind {
	case models.TaskRebuildDuplicates:
		o.Duplicates.Trigger(task.EventID)
		return nil
	case "", models.TaskAnalyze:
		return o.Analyze(ctx, task)
	default:
		slog.Warn("unknown task kind", "kind", task.Kind, "event_id", task.EventID)
		return nil
	}
}

// Analyze runs the analysis of one photo with retries. A nil return means
// the task is finished: the photo was scored, was already scored, or failed
// permanently and was left unprocessed. Transient failures that outlast the
// retries are returned so the queue redelivers the task later.
func (o *Orchestrator) Analyze(ctx context.Context, task models.PhotoTask) error {
	start := time.Now()
	attempt := 0
	var res *scored

	op := func() error {
		attempt++
		r, err := o.analyzeOnce(ctx, task)
		if err != nil {
			return err
		}
		res = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("analysis attempt failed",
			"photo_id", task.PhotoID,
			"event_id", task.EventID,
			"attempt", attempt,
			"retry_in", wait.String(),
			"error", err,
		)
	}

	if err := backoff.RetryNotify(op, o.retryPolicy(ctx), notify); err != nil {
		return o.fail(ctx, task, err)
	}
	if res == nil {
		return nil
	}

	observability.StageDuration.WithLabelValues("analysis").Observe(time.Since(start).Seconds())
	o.afterPersist(ctx, res)
	return nil
}

func (o *Orchestrator) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.InitialBackoff
	b.MaxInterval = o.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.cfg.MaxAttempts-1)), ctx)
}

func permanent(format string, args ...any) error {
	return backoff.Permanent(fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...)))
}

// analyzeOnce is one attempt. It returns nil, nil when there is nothing to do.
func (o *Orchestrator) analyzeOnce(ctx context.Context, task models.PhotoTask) (*scored, error) {
	// 1. Load photo row
	photo, err := o.Store.GetPhoto(ctx, task.PhotoID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, permanent("photo %d: %v", task.PhotoID, err)
		}
		return nil, fmt.Errorf("load photo: %w", err)
	}
	if photo.Processed {
		slog.Debug("photo already analyzed", "photo_id", photo.ID)
		return nil, nil
	}

	if err := o.Store.SetPhotoState(ctx, photo.ID, models.PhotoStateAnalyzing); err != nil {
		return nil, fmt.Errorf("mark analyzing: %w", err)
	}

	// 2. Load image from object storage
	data, err := o.Objects.GetObject(ctx, photo.ImageKey)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, permanent("image of photo %d: %v", photo.ID, err)
		}
		return nil, fmt.Errorf("load image: %w", err)
	}
	img, err := vision.Decode(data)
	if err != nil {
		return nil, permanent("decode photo %d: %v", photo.ID, err)
	}

	// 3. Fan out, fan in
	actx := ctx
	if o.cfg.AnalysisTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, o.cfg.AnalysisTimeout)
		defer cancel()
	}
	a, res, err := o.analyzeImage(actx, photo, img)
	if err != nil {
		return nil, err
	}
	if photo.TakenAt == nil {
		a.TakenAt = vision.CaptureTime(data)
	}

	// 4. Persist atomically
	if err := o.Store.SaveAnalysis(ctx, photo.EventID, a); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, permanent("photo %d removed during analysis", photo.ID)
		}
		return nil, fmt.Errorf("save analysis: %w", err)
	}
	return &scored{photo: photo, analysis: a, result: res, img: img}, nil
}

// analyzeImage runs face matching, quality scoring and tag generation
// concurrently and merges their results.
func (o *Orchestrator) analyzeImage(ctx context.Context, photo *models.Photo, img image.Image) (*models.Analysis, quality.Result, error) {
	dets := o.Matcher.Detect(photo.EventID, img)
	boxes := recognition.Boxes(dets)

	var (
		faces []models.FaceRecord
		res   quality.Result
		tags  []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		f, err := o.Matcher.MatchDetections(gctx, photo.EventID, img, dets)
		if err != nil {
			return fmt.Errorf("match faces: %w", err)
		}
		faces = f
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		res = o.Scorer.Score(img, boxes)
		observability.StageDuration.WithLabelValues("quality").Observe(time.Since(start).Seconds())
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		tags = tagging.Generate(img, photo.EventType, boxes)
		observability.StageDuration.WithLabelValues("tags").Observe(time.Since(start).Seconds())
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, quality.Result{}, err
	}

	quality.ApplyTags(&res, tags)
	breakdown, err := json.Marshal(res)
	if err != nil {
		return nil, quality.Result{}, fmt.Errorf("encode quality: %w", err)
	}

	b := img.Bounds()
	return &models.Analysis{
		PhotoID:      photo.ID,
		QualityScore: res.Overall,
		Quality:      breakdown,
		Categories:   res.Categories,
		Faces:        faces,
		SceneTags:    tags,
		Width:        b.Dx(),
		Height:       b.Dy(),
		AnalyzedAt:   time.Now().UTC(),
	}, res, nil
}

// afterPersist runs the steps that follow a committed analysis. None of
// them can undo the Scored state.
func (o *Orchestrator) afterPersist(ctx context.Context, s *scored) {
	photo, res := s.photo, s.result
	observability.PhotosAnalyzed.WithLabelValues(string(res.ShotType)).Inc()

	if _, err := o.BestShots.AdmitAll(ctx, photo.EventID, photo.ID, res); err != nil {
		slog.Error("best shot admission incomplete", "photo_id", photo.ID, "event_id", photo.EventID, "error", err)
	}

	o.Duplicates.Trigger(photo.EventID)

	if o.Enhancer != nil && o.cfg.EnhanceOn() && res.Overall < o.cfg.EnhanceBelow {
		o.enhance(ctx, photo, s.img)
	}

	score := res.Overall
	ev := models.AnalysisEvent{
		Type:         models.AnalysisCompleted,
		EventID:      photo.EventID,
		PhotoID:      photo.ID,
		QualityScore: &score,
		Categories:   res.Categories,
		MatchedUsers: s.analysis.MatchedUsers(),
		Timestamp:    time.Now().UTC(),
	}
	if err := o.Events.PublishEvent(ctx, ev); err != nil {
		slog.Warn("publish analysis event", "photo_id", photo.ID, "error", err)
	}

	slog.Info("photo analyzed",
		"photo_id", photo.ID,
		"event_id", photo.EventID,
		"overall", res.Overall,
		"shot_type", res.ShotType,
		"faces", len(s.analysis.Faces),
		"matched", len(ev.MatchedUsers),
		"tags", len(s.analysis.SceneTags),
	)
}

// enhance stores an enhanced copy in the background. Its outcome never
// affects the photo's analysis.
func (o *Orchestrator) enhance(ctx context.Context, photo *models.Photo, img image.Image) {
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()

		key, err := o.Enhancer.Enhance(ectx, photo.EventID, photo.ID, img)
		if err == nil {
			err = o.Store.SetEnhancedKey(ectx, photo.ID, key)
		}
		if err != nil {
			observability.EnhancementsTotal.WithLabelValues("error").Inc()
			slog.Warn("enhance photo", "photo_id", photo.ID, "error", err)
			return
		}
		observability.EnhancementsTotal.WithLabelValues("ok").Inc()
		slog.Debug("photo enhanced", "photo_id", photo.ID, "key", key)
	}()
}

// fail records a failed analysis. The photo goes back to Uploaded so the
// scheduler or an operator can reprocess it.
func (o *Orchestrator) fail(ctx context.Context, task models.PhotoTask, cause error) error {
	if ctx.Err() != nil {
		return cause
	}

	kind := "transient"
	if errors.Is(cause, ErrPermanent) {
		kind = "permanent"
	}
	observability.PhotosFailed.WithLabelValues(kind).Inc()
	slog.Error("photo analysis failed",
		"photo_id", task.PhotoID,
		"event_id", task.EventID,
		"kind", kind,
		"error", cause,
	)

	if err := o.Store.SetPhotoState(ctx, task.PhotoID, models.PhotoStateUploaded); err != nil && !errors.Is(err, models.ErrNotFound) {
		slog.Warn("reset photo state", "photo_id", task.PhotoID, "error", err)
	}

	ev := models.AnalysisEvent{
		Type:      models.AnalysisFailed,
		EventID:   task.EventID,
		PhotoID:   task.PhotoID,
		Error:     cause.Error(),
		Timestamp: time.Now().UTC(),
	}
	if err := o.Events.PublishEvent(ctx, ev); err != nil {
		slog.Warn("publish analysis event", "photo_id", task.PhotoID, "error", err)
	}

	if kind == "permanent" {
		return nil
	}
	return cause
}

// Wait blocks until background enhancement tasks finish.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}
