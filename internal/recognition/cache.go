package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/your-org/snapflow/internal/models"
	"github.com/your-org/snapflow/internal/observability"
	"github.com/your-org/snapflow/internal/vision"
)

// RosterSource lists the users enrolled in an event.
type RosterSource interface {
	EventRoster(ctx context.Context, eventID int64) ([]models.RosterMember, error)
}

// ObjectSource fetches stored binaries by key.
type ObjectSource interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// Encodings maps user id to that user's reference embeddings.
type Encodings map[int64]models.UserEmbedding

// Cache memoizes per-event reference encodings. The first caller for an
// event starts the build; concurrent callers wait for the same build and
// later callers only take a read lock. Failed builds are not stored.
//
// A build is not bound to the caller that started it: it runs until it
// finishes or buildTimeout expires, and each caller stops waiting when its
// own context is done.
type Cache struct {
	roster       RosterSource
	objects      ObjectSource
	encoder      *Encoder
	workers      int
	buildTimeout time.Duration

	mu      sync.RWMutex
	entries map[int64]Encodings
	// gen is bumped by Invalidate so a build that started earlier does not
	// store a stale result.
	gen    map[int64]uint64
	flight singleflight.Group
}

func NewCache(roster RosterSource, objects ObjectSource, encoder *Encoder, workers int) *Cache {
	if workers <= 0 {
		workers = 4
	}
	return &Cache{
		roster:       roster,
		objects:      objects,
		encoder:      encoder,
		workers:      workers,
		buildTimeout: defaultBuildTimeout,
		entries:      make(map[int64]Encodings),
		gen:          make(map[int64]uint64),
	}
}

const defaultBuildTimeout = 10 * time.Minute

// WithBuildTimeout bounds a single roster build.
func (c *Cache) WithBuildTimeout(d time.Duration) *Cache {
	if d > 0 {
		c.buildTimeout = d
	}
	return c
}

// GetOrBuild returns the encodings for eventID, building them on first use.
// The returned map is shared and must not be modified.
func (c *Cache) GetOrBuild(ctx context.Context, eventID int64) (Encodings, error) {
	c.mu.RLock()
	enc, ok := c.entries[eventID]
	c.mu.RUnlock()
	if ok {
		observability.EncodingCacheHits.Inc()
		return enc, nil
	}

	ch := c.flight.DoChan(strconv.FormatInt(eventID, 10), func() (interface{}, error) {
		c.mu.RLock()
		enc, ok := c.entries[eventID]
		startGen := c.gen[eventID]
		c.mu.RUnlock()
		if ok {
			return enc, nil
		}

		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.buildTimeout)
		defer cancel()

		start := time.Now()
		enc, err := c.build(bctx, eventID)
		observability.StageDuration.WithLabelValues("encoding_build").Observe(time.Since(start).Seconds())
		if err != nil {
			observability.EncodingCacheBuilds.WithLabelValues("error").Inc()
			return nil, err
		}
		observability.EncodingCacheBuilds.WithLabelValues("ok").Inc()

		c.mu.Lock()
		if c.gen[eventID] == startGen {
			c.entries[eventID] = enc
		}
		c.mu.Unlock()

		slog.Info("encoding cache built",
			"event_id", eventID,
			"users", len(enc),
			"duration", time.Since(start).String(),
		)
		return enc, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for encodings of event %d: %w", eventID, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("build encodings for event %d: %w", eventID, res.Err)
		}
		return res.Val.(Encodings), nil
	}
}

// Invalidate drops the entry for eventID. The next GetOrBuild rebuilds it.
func (c *Cache) Invalidate(eventID int64) {
	c.mu.Lock()
	delete(c.entries, eventID)
	c.gen[eventID]++
	c.mu.Unlock()
	slog.Info("encoding cache invalidated", "event_id", eventID)
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	for id := range c.entries {
		c.gen[id]++
	}
	c.entries = make(map[int64]Encodings)
	c.mu.Unlock()
	slog.Info("encoding cache cleared")
}

// Len returns the number of cached events.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) build(ctx context.Context, eventID int64) (Encodings, error) {
	members, err := c.roster.EventRoster(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}

	var mu sync.Mutex
	out := make(Encodings, len(members))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, m := range members {
		if m.ReferenceKey == "" {
			slog.Debug("skip user without reference image", "event_id", eventID, "user_id", m.UserID)
			continue
		}
		g.Go(func() error {
			ue, err := c.encodeMember(gctx, m)
			if err != nil {
				if errors.Is(err, errSkipUser) {
					slog.Warn("skip user reference",
						"event_id", eventID,
						"user_id", m.UserID,
						"reference_key", m.ReferenceKey,
						"error", err,
					)
					return nil
				}
				return err
			}
			mu.Lock()
			out[m.UserID] = ue
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

var errSkipUser = errors.New("unusable reference image")

func (c *Cache) encodeMember(ctx context.Context, m models.RosterMember) (models.UserEmbedding, error) {
	data, err := c.objects.GetObject(ctx, m.ReferenceKey)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.UserEmbedding{}, fmt.Errorf("%w: %v", errSkipUser, err)
		}
		return models.UserEmbedding{}, fmt.Errorf("fetch reference for user %d: %w", m.UserID, err)
	}
	img, err := vision.Decode(data)
	if err != nil {
		return models.UserEmbedding{}, fmt.Errorf("%w: %v", errSkipUser, err)
	}
	embs, err := c.encoder.EncodeReference(img)
	if err != nil {
		return models.UserEmbedding{}, fmt.Errorf("%w: %v", errSkipUser, err)
	}
	return models.UserEmbedding{
		UserID:     m.UserID,
		Embeddings: embs,
		SourceKey:  m.ReferenceKey,
	}, nil
}
