// Package cache memoizes AI explanation results per transcript segment.
//
// Results are keyed by (segment, model, language) and stored durably, so a
// repeated request returns the stored text without touching the AI engine.
// Concurrent requests for the same key attach to a single in-flight call;
// the engine is invoked at most once per key at a time.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mattjh/verba/event"
	"github.com/mattjh/verba/store"
)

// Key identifies one explanation. Equal to the persisted cache key.
type Key = store.ExplanationKey

// Outcome is the final result delivered to every caller attached to a
// request.
type Outcome struct {
	Text   string // Full explanation text
	Cached bool   // True when served from the store without an engine call
	Err    error  // Non-nil when the engine call failed
}

// StreamFunc runs one streaming explanation call against the AI engine,
// forwarding answer tokens to emit and returning the full text.
type StreamFunc func(ctx context.Context, model, prompt string, emit func(token string) error) (string, error)

// Cache coordinates explanation lookups, in-flight deduplication, and
// durable storage of results.
type Cache struct {
	store  *store.Store
	bus    *event.Bus
	stream StreamFunc
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[Key]*call
}

// call is the in-flight marker for one key. Waiters are delivered the
// outcome in the order they attached.
type call struct {
	waiters []chan Outcome
}

// New creates a cache backed by st, publishing tokens and completion on
// bus, and calling stream on a miss. A nil logger means slog.Default().
func New(st *store.Store, bus *event.Bus, stream StreamFunc, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:    st,
		bus:      bus,
		stream:   stream,
		logger:   logger,
		inflight: make(map[Key]*call),
	}
}

// GetOrRequest returns a channel that receives exactly one Outcome.
//
// On a hit the stored text is delivered immediately (no token events). On a
// miss the first caller triggers one engine call; later callers for the
// same key attach to it. Tokens stream through the bus as ExplanationToken
// events; completion publishes ExplanationReady. A failed call caches
// nothing and fails every attached caller.
func (c *Cache) GetOrRequest(ctx context.Context, key Key, prompt string) <-chan Outcome {
	out := make(chan Outcome, 1)

	if e, err := c.store.Explanation(ctx, key); err == nil {
		c.publishReady(key, e.Text, true)
		out <- Outcome{Text: e.Text, Cached: true}
		return out
	} else if !errors.Is(err, store.ErrExplanationNotFound) {
		out <- Outcome{Err: err}
		return out
	}

	c.mu.Lock()
	if inflight, ok := c.inflight[key]; ok {
		inflight.waiters = append(inflight.waiters, out)
		c.mu.Unlock()
		return out
	}
	c.inflight[key] = &call{waiters: []chan Outcome{out}}
	c.mu.Unlock()

	// A call that was in flight during the lookup above may have stored its
	// result and released the marker before we took the slot. Re-check so
	// the engine is not invoked for a key that is already durable.
	if e, err := c.store.Explanation(ctx, key); !errors.Is(err, store.ErrExplanationNotFound) {
		c.mu.Lock()
		waiters := c.inflight[key].waiters
		delete(c.inflight, key)
		c.mu.Unlock()

		if err != nil {
			for _, w := range waiters {
				w <- Outcome{Err: err}
			}
			return out
		}
		c.publishReady(key, e.Text, true)
		for _, w := range waiters {
			w <- Outcome{Text: e.Text, Cached: true}
		}
		return out
	}

	go c.run(ctx, key, prompt)
	return out
}

// Invalidate drops every cached explanation for a segment. Used when a
// segment's text is corrected so stale analyses are never served.
func (c *Cache) Invalidate(ctx context.Context, segmentID int64) error {
	return c.store.DeleteExplanations(ctx, segmentID)
}

// run performs the single engine call for a key and settles all waiters.
// The call happens outside the in-flight lock.
func (c *Cache) run(ctx context.Context, key Key, prompt string) {
	text, err := c.stream(ctx, key.Model, prompt, func(token string) error {
		c.bus.Publish(event.Event{
			Type:      event.TypeExplanationToken,
			SegmentID: key.SegmentID,
			Model:     key.Model,
			Language:  key.Language,
			Token:     token,
		})
		return nil
	})

	if err == nil {
		if storeErr := c.store.UpsertExplanation(ctx, key, text); storeErr != nil {
			// The result is good but not durable. Fail the request rather
			// than hand out a text that will silently vanish.
			c.logger.Error("persist explanation", "segmentId", key.SegmentID, "error", storeErr)
			err = storeErr
		}
	}

	c.mu.Lock()
	waiters := c.inflight[key].waiters
	delete(c.inflight, key)
	c.mu.Unlock()

	if err != nil {
		for _, w := range waiters {
			w <- Outcome{Err: err}
		}
		return
	}

	c.publishReady(key, text, false)
	for _, w := range waiters {
		w <- Outcome{Text: text}
	}
}

func (c *Cache) publishReady(key Key, text string, cached bool) {
	c.bus.Publish(event.Event{
		Type:      event.TypeExplanationReady,
		SegmentID: key.SegmentID,
		Model:     key.Model,
		Language:  key.Language,
		Text:      text,
		Cached:    cached,
	})
}
