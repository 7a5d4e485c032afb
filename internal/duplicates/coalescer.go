package duplicates

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RebuildFunc recomputes one event's groups.
type RebuildFunc func(ctx context.Context, eventID int64) error

type eventState struct {
	timer   *time.Timer
	running bool
	dirty   bool
}

// Coalescer runs at most one rebuild per event at a time. Triggers are
// debounced; a trigger that arrives while a rebuild runs schedules exactly one
// follow-up run.
type Coalescer struct {
	ctx      context.Context
	rebuild  RebuildFunc
	debounce time.Duration

	mu     sync.Mutex
	events map[int64]*eventState
	closed bool
	wg     sync.WaitGroup
}

// NewCoalescer returns a coalescer whose runs use ctx.
func NewCoalescer(ctx context.Context, rebuild RebuildFunc, debounce time.Duration) *Coalescer {
	return &Coalescer{
		ctx:      ctx,
		rebuild:  rebuild,
		debounce: debounce,
		events:   make(map[int64]*eventState),
	}
}

// Trigger requests a rebuild of eventID.
func (c *Coalescer) Trigger(eventID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	st, ok := c.events[eventID]
	if !ok {
		st = &eventState{}
		c.events[eventID] = st
	}
	switch {
	case st.running:
		st.dirty = true
	case st.timer == nil:
		c.schedule(eventID, st)
	}
}

// schedule must be called with c.mu held.
func (c *Coalescer) schedule(eventID int64, st *eventState) {
	c.wg.Add(1)
	st.timer = time.AfterFunc(c.debounce, func() { c.run(eventID) })
}

func (c *Coalescer) run(eventID int64) {
	defer c.wg.Done()

	c.mu.Lock()
	st := c.events[eventID]
	st.timer = nil
	st.running = true
	c.mu.Unlock()

	if err := c.rebuild(c.ctx, eventID); err != nil {
		slog.Error("duplicate rebuild failed", "event_id", eventID, "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	st.running = false
	if st.dirty && !c.closed {
		st.dirty = false
		c.schedule(eventID, st)
		return
	}
	delete(c.events, eventID)
}

// Close cancels pending rebuilds and waits for running ones.
func (c *Coalescer) Close() {
	c.mu.Lock()
	c.closed = true
	for id, st := range c.events {
		if st.timer != nil && st.timer.Stop() {
			st.timer = nil
			c.wg.Done()
			if !st.running {
				delete(c.events, id)
			}
		}
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Flush waits until no rebuild is pending or running.
func (c *Coalescer) Flush() {
	c.wg.Wait()
}
