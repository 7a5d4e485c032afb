package bestshot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/snapflow/internal/models"
)

type rankingKey struct {
	eventID  int64
	category models.Category
}

// MemoryStore is an in-process Store. Each (event, category) has its own
// mutex; writes made inside WithCategoryLock are discarded if fn fails.
type MemoryStore struct {
	mu       sync.Mutex
	locks    map[rankingKey]*sync.Mutex
	rankings map[rankingKey][]models.BestShotEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:    make(map[rankingKey]*sync.Mutex),
		rankings: make(map[rankingKey][]models.BestShotEntry),
	}
}

func (m *MemoryStore) lockFor(k rankingKey) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[k]
	if !ok {
		l = &sync.Mutex{}
		m.locks[k] = l
	}
	return l
}

func (m *MemoryStore) WithCategoryLock(ctx context.Context, eventID int64, cat models.Category, fn func(tx Tx) error) error {
	k := rankingKey{eventID, cat}
	l := m.lockFor(k)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	work := append([]models.BestShotEntry(nil), m.rankings[k]...)
	m.mu.Unlock()

	tx := &memoryTx{entries: work}
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	m.rankings[k] = tx.entries
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListBestShots(_ context.Context, eventID int64, cat models.Category) ([]models.BestShotEntry, error) {
	m.mu.Lock()
	out := append([]models.BestShotEntry(nil), m.rankings[rankingKey{eventID, cat}]...)
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return models.Ranks(out[i].Score, out[i].PhotoID, out[j]) })
	return out, nil
}

func (m *MemoryStore) RemovePhotoBestShots(_ context.Context, photoID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, entries := range m.rankings {
		kept := entries[:0:0]
		for _, e := range entries {
			if e.PhotoID != photoID {
				kept = append(kept, e)
			}
		}
		m.rankings[k] = kept
	}
	return nil
}

type memoryTx struct {
	entries []models.BestShotEntry
}

func (t *memoryTx) Entries(context.Context) ([]models.BestShotEntry, error) {
	return append([]models.BestShotEntry(nil), t.entries...), nil
}

func (t *memoryTx) Insert(_ context.Context, e models.BestShotEntry) error {
	t.entries = append(t.entries, e)
	return nil
}

func (t *memoryTx) Set(_ context.Context, id uuid.UUID, photoID int64, score float64) error {
	for i := range t.entries {
		if t.entries[i].ID == id {
			t.entries[i].PhotoID = photoID
			t.entries[i].Score = score
			t.entries[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("best shot entry %s: %w", id, models.ErrNotFound)
}
