package duplicates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/snapflow/internal/config"
	"github.com/your-org/snapflow/internal/models"
	"github.com/your-org/snapflow/internal/observability"
	"github.com/your-org/snapflow/internal/vision"
)

// ErrInvariant is returned when a computed group breaks its structural rules.
var ErrInvariant = models.ErrInvariant

// Store lists an event's photos and replaces its groups.
type Store interface {
	ListEventPhotos(ctx context.Context, eventID int64) ([]models.Photo, error)
	// ReplaceDuplicateGroups deletes the event's groups and inserts groups
	// in one transaction.
	ReplaceDuplicateGroups(ctx context.Context, eventID int64, groups []models.DuplicateGroup) error
}

// RebuildLocker is implemented by stores shared between processes. Rebuilds
// of the same event run under the lock one at a time.
type RebuildLocker interface {
	WithRebuildLock(ctx context.Context, eventID int64, fn func(ctx context.Context) error) error
}

// ObjectSource fetches stored binaries by key.
type ObjectSource interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// Detector clusters near-identical photos of an event.
type Detector struct {
	store   Store
	objects ObjectSource
	cfg     config.DuplicatesConfig
	sigs    *lru.Cache[string, Signature]
}

func NewDetector(store Store, objects ObjectSource, cfg config.DuplicatesConfig) (*Detector, error) {
	size := cfg.SignatureCache
	if size <= 0 {
		size = 4096
	}
	sigs, err := lru.New[string, Signature](size)
	if err != nil {
		return nil, fmt.Errorf("create signature cache: %w", err)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Detector{store: store, objects: objects, cfg: cfg, sigs: sigs}, nil
}

type item struct {
	photo models.Photo
	sig   Signature
}

// Rebuild recomputes every duplicate group of eventID and replaces the
// stored groups with the result.
func (d *Detector) Rebuild(ctx context.Context, eventID int64) ([]models.DuplicateGroup, error) {
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}
	start := time.Now()

	var groups []models.DuplicateGroup
	run := func(ctx context.Context) error {
		var err error
		groups, err = d.rebuild(ctx, eventID)
		return err
	}
	var err error
	if l, ok := d.store.(RebuildLocker); ok {
		err = l.WithRebuildLock(ctx, eventID, run)
	} else {
		err = run(ctx)
	}
	observability.StageDuration.WithLabelValues("duplicates").Observe(time.Since(start).Seconds())
	if err != nil {
		observability.DuplicateRebuilds.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("rebuild duplicates for event %d: %w", eventID, err)
	}
	observability.DuplicateRebuilds.WithLabelValues("ok").Inc()
	observability.DuplicateGroups.Set(float64(len(groups)))

	slog.Info("duplicate groups rebuilt",
		"event_id", eventID,
		"groups", len(groups),
		"duration", time.Since(start).String(),
	)
	return groups, nil
}

func (d *Detector) rebuild(ctx context.Context, eventID int64) ([]models.DuplicateGroup, error) {
	photos, err := d.store.ListEventPhotos(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list photos: %w", err)
	}

	items, err := d.signatures(ctx, photos)
	if err != nil {
		return nil, err
	}

	groups := d.cluster(eventID, items)
	for i := range groups {
		if err := groups[i].Validate(); err != nil {
			slog.Error("duplicate group invariant violated", "event_id", eventID, "error", err)
			return nil, err
		}
	}

	if err := d.store.ReplaceDuplicateGroups(ctx, eventID, groups); err != nil {
		return nil, fmt.Errorf("replace groups: %w", err)
	}
	return groups, nil
}

// signatures fingerprints every photo, skipping images that cannot be
// decoded. The result is ordered by photo id.
func (d *Detector) signatures(ctx context.Context, photos []models.Photo) ([]item, error) {
	out := make([]*item, len(photos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for i, p := range photos {
		g.Go(func() error {
			if sig, ok := d.sigs.Get(p.ImageKey); ok {
				out[i] = &item{photo: p, sig: sig}
				return nil
			}
			data, err := d.objects.GetObject(gctx, p.ImageKey)
			if errors.Is(err, models.ErrNotFound) {
				slog.Warn("skip photo without stored image", "photo_id", p.ID, "image_key", p.ImageKey)
				return nil
			}
			if err != nil {
				return fmt.Errorf("fetch photo %d: %w", p.ID, err)
			}
			img, err := vision.Decode(data)
			if err != nil {
				slog.Warn("skip undecodable photo", "photo_id", p.ID, "error", err)
				return nil
			}
			sig := ComputeSignature(img)
			d.sigs.Add(p.ImageKey, sig)
			out[i] = &item{photo: p, sig: sig}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	items := make([]item, 0, len(out))
	for _, it := range out {
		if it != nil {
			items = append(items, *it)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].photo.ID < items[j].photo.ID })
	return items, nil
}

// similarity compares b against the seed a. ok is false unless both signals
// clear their thresholds and the combined score survives the temporal
// penalty.
func (d *Detector) similarity(a, b item) (combined float64, ok bool) {
	structural := StructuralSimilarity(a.sig, b.sig)
	color := ColorSimilarity(a.sig, b.sig)
	if structural < d.cfg.StructuralThreshold || color < d.cfg.ColorThreshold {
		return 0, false
	}
	combined = (structural + color) / 2
	if d.cfg.TemporalWindow > 0 && a.photo.TakenAt != nil && b.photo.TakenAt != nil {
		gap := a.photo.TakenAt.Sub(*b.photo.TakenAt)
		if gap < 0 {
			gap = -gap
		}
		if gap > d.cfg.TemporalWindow {
			combined *= 1 - d.cfg.TemporalPenalty
		}
	}
	// Rounded so exact copies tie with their seed and fall through to the
	// quality and resolution keys.
	combined = math.Round(combined*1e4) / 1e4
	return combined, combined >= min(d.cfg.StructuralThreshold, d.cfg.ColorThreshold)
}

// cluster groups items greedily. items must be in a stable order; each
// unassigned item seeds a cluster that absorbs every later unassigned item
// similar to it. Singletons are dropped.
func (d *Detector) cluster(eventID int64, items []item) []models.DuplicateGroup {
	assigned := make([]bool, len(items))
	var groups []models.DuplicateGroup
	for i := range items {
		if assigned[i] {
			continue
		}
		assigned[i] = true
		members := []rankedMember{{item: items[i], similarity: 1}}
		for j := i + 1; j < len(items); j++ {
			if assigned[j] {
				continue
			}
			if sim, ok := d.similarity(items[i], items[j]); ok {
				assigned[j] = true
				members = append(members, rankedMember{item: items[j], similarity: sim})
			}
		}
		if len(members) < 2 {
			continue
		}
		groups = append(groups, d.group(eventID, members))
	}
	return groups
}

type rankedMember struct {
	item
	similarity float64
}

func qualityOf(p models.Photo) float64 {
	if p.QualityScore == nil {
		return 0
	}
	return *p.QualityScore
}

func (d *Detector) group(eventID int64, members []rankedMember) models.DuplicateGroup {
	sort.SliceStable(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if a.similarity != b.similarity {
			return a.similarity > b.similarity
		}
		if qa, qb := qualityOf(a.photo), qualityOf(b.photo); qa != qb {
			return qa > qb
		}
		if ra, rb := a.photo.Resolution(), b.photo.Resolution(); ra != rb {
			return ra > rb
		}
		return a.photo.ID < b.photo.ID
	})

	g := models.DuplicateGroup{
		ID:        uuid.New(),
		EventID:   eventID,
		Threshold: d.cfg.StructuralThreshold,
		Members:   make([]models.DuplicateMember, len(members)),
		CreatedAt: time.Now(),
	}
	for i, m := range members {
		g.Members[i] = models.DuplicateMember{
			PhotoID:    m.photo.ID,
			Similarity: m.similarity,
			IsPrimary:  i == 0,
		}
	}
	return g
}
