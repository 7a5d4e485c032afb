package recognition

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/your-org/snapflow/internal/models"
	"github.com/your-org/snapflow/internal/observability"
	"github.com/your-org/snapflow/internal/vision"
)

// EncodingSource supplies per-event reference encodings.
type EncodingSource interface {
	GetOrBuild(ctx context.Context, eventID int64) (Encodings, error)
}

// MatcherConfig tunes matching.
type MatcherConfig struct {
	// FallbackBelow is the primary-family confidence under which the
	// secondary family is consulted.
	FallbackBelow float64
	Parallelism   int
	Timeout       time.Duration
}

// Matcher assigns enrolled identities to the faces of a photo.
type Matcher struct {
	encoder   *Encoder
	encodings EncodingSource
	cfg       MatcherConfig
}

func NewMatcher(encoder *Encoder, encodings EncodingSource, cfg MatcherConfig) *Matcher {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	return &Matcher{encoder: encoder, encodings: encodings, cfg: cfg}
}

// candidate is one (user, method) pair that cleared its threshold.
type candidate struct {
	userID     int64
	method     string
	confidence float64
}

func (c candidate) beats(o *candidate) bool {
	if o == nil {
		return true
	}
	if c.confidence != o.confidence {
		return c.confidence > o.confidence
	}
	return c.userID < o.userID
}

// MatchFaces detects every face in img and matches it against the event's
// encodings. A detection failure yields no faces; an error is returned only
// when the encodings cannot be loaded or the deadline passes.
func (m *Matcher) MatchFaces(ctx context.Context, eventID int64, img image.Image) ([]models.FaceRecord, error) {
	return m.MatchDetections(ctx, eventID, img, m.Detect(eventID, img))
}

// Detect finds the faces worth matching in img. Detection failures are
// logged and treated as an image without faces.
func (m *Matcher) Detect(eventID int64, img image.Image) []vision.Detection {
	start := time.Now()
	dets, err := m.encoder.Faces(img)
	observability.StageDuration.WithLabelValues("detect").Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Warn("face detection failed", "event_id", eventID, "error", err)
		return nil
	}
	observability.FacesDetected.Add(float64(len(dets)))
	return dets
}

// MatchDetections matches already detected faces. Records keep the order of
// dets.
func (m *Matcher) MatchDetections(ctx context.Context, eventID int64, img image.Image, dets []vision.Detection) ([]models.FaceRecord, error) {
	if len(dets) == 0 {
		return []models.FaceRecord{}, nil
	}
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}
	start := time.Now()

	encodings, err := m.encodings.GetOrBuild(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load encodings: %w", err)
	}
	users := make([]models.UserEmbedding, 0, len(encodings))
	for _, ue := range encodings {
		users = append(users, ue)
	}

	records := make([]models.FaceRecord, len(dets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Parallelism)
	for i, det := range dets {
		g.Go(func() error {
			rec, err := m.matchFace(gctx, img, det, users)
			if err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("match faces: %w", err)
	}
	observability.StageDuration.WithLabelValues("match").Observe(time.Since(start).Seconds())
	return records, nil
}

// Boxes returns the bounding boxes of dets.
func Boxes(dets []vision.Detection) []models.BBox {
	out := make([]models.BBox, len(dets))
	for i, d := range dets {
		out[i] = d.BBox
	}
	return out
}

func (m *Matcher) matchFace(ctx context.Context, img image.Image, det vision.Detection, users []models.UserEmbedding) (models.FaceRecord, error) {
	rec := models.FaceRecord{BBox: det.BBox}

	aligned := vision.Align(img, det)
	if aligned == nil {
		return rec, nil
	}

	var primary, secondary []Method
	for _, mt := range m.encoder.Methods() {
		if mt.Secondary {
			secondary = append(secondary, mt)
		} else {
			primary = append(primary, mt)
		}
	}

	embs := m.encoder.Embed(aligned, primary)
	if len(primary) > 0 {
		rec.Embedding = embs[primary[0].Name()]
	}

	best, err := m.bestCandidate(ctx, embs, primary, users)
	if err != nil {
		return rec, err
	}

	if len(secondary) > 0 && (best == nil || best.confidence < m.cfg.FallbackBelow) {
		fallback, err := m.bestCandidate(ctx, m.encoder.Embed(aligned, secondary), secondary, users)
		if err != nil {
			return rec, err
		}
		if fallback != nil && fallback.beats(best) {
			best = fallback
		}
	}

	if best != nil {
		userID := best.userID
		conf := best.confidence
		rec.UserID = &userID
		rec.Confidence = &conf
		rec.Method = best.method
		observability.FacesRecognized.WithLabelValues(best.method).Inc()
	}
	return rec, nil
}

// bestCandidate scores every user in parallel chunks and returns the single
// highest-confidence pair that cleared its method threshold.
func (m *Matcher) bestCandidate(ctx context.Context, embs map[string][]float32, methods []Method, users []models.UserEmbedding) (*candidate, error) {
	if len(embs) == 0 || len(users) == 0 {
		return nil, nil
	}

	chunk := (len(users) + m.cfg.Parallelism - 1) / m.cfg.Parallelism
	results := make([]*candidate, (len(users)+chunk-1)/chunk)

	g, gctx := errgroup.WithContext(ctx)
	for ci := range results {
		lo := ci * chunk
		hi := min(lo+chunk, len(users))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var local *candidate
			for _, ue := range users[lo:hi] {
				for _, mt := range methods {
					probe, ok := embs[mt.Name()]
					if !ok {
						continue
					}
					ref, ok := ue.Embeddings[mt.Name()]
					if !ok {
						continue
					}
					conf := vision.Confidence(vision.CosineSimilarity(probe, ref))
					if conf < mt.Threshold {
						continue
					}
					c := candidate{userID: ue.UserID, method: mt.Name(), confidence: conf}
					if c.beats(local) {
						local = &c
					}
				}
			}
			results[ci] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var best *candidate
	for _, c := range results {
		if c != nil && c.beats(best) {
			best = c
		}
	}
	return best, nil
}

// LocateUser returns the boxes of every face in img recognized as userID.
// It backs the privacy blur lookup when no stored analysis exists.
func (m *Matcher) LocateUser(ctx context.Context, eventID, userID int64, img image.Image) ([]models.BBox, error) {
	faces, err := m.MatchFaces(ctx, eventID, img)
	if err != nil {
		return nil, err
	}
	return BoxesForUser(faces, userID), nil
}

// BoxesForUser filters face records down to userID's boxes.
func BoxesForUser(faces []models.FaceRecord, userID int64) []models.BBox {
	var out []models.BBox
	for _, f := range faces {
		if f.UserID != nil && *f.UserID == userID {
			out = append(out, f.BBox)
		}
	}
	return out
}
