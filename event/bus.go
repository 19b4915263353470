package event

import (
	"errors"
	"sync"
	"time"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// DefaultQueueSize is the per-subscriber queue bound.
const DefaultQueueSize = 256

// Bus errors
var (
	// ErrBusClosed indicates the bus has been closed.
	ErrBusClosed = errors.New("event bus closed")

	// ErrSubscriptionNotFound indicates the subscription ID is unknown.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// Handler receives events for one subscription. Handlers run on a dedicated
// goroutine per subscription and receive events in publish order.
type Handler func(Event)

// Bus delivers orchestration events to subscribers without ever blocking the
// publisher. Each subscriber owns a bounded FIFO queue drained by its own
// goroutine; when a subscriber falls behind, the oldest queued events are
// dropped and replaced by a single coalesced Backpressure notice.
type Bus struct {
	mu        sync.Mutex
	subs      map[string]*subscriber
	queueSize int
	closed    bool
	wg        sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the per-subscriber queue bound.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// NewBus creates an event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:      make(map[string]*subscriber),
		queueSize: DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers an event to all current subscribers. It never blocks on a
// slow subscriber. A zero Timestamp is filled in.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(ev)
	}
}

// Subscribe registers a handler and returns its subscription ID.
func (b *Bus) Subscribe(handler Handler) (string, error) {
	if handler == nil {
		return "", errors.New("nil handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrBusClosed
	}

	id, err := nanoid.New()
	if err != nil {
		return "", err
	}
	id = "sub_" + id

	s := &subscriber{
		id:      id,
		handler: handler,
		max:     b.queueSize,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.subs[id] = s

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		s.pump()
	}()

	return id, nil
}

// Unsubscribe removes a subscription. Events already queued are discarded.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if !ok {
		return ErrSubscriptionNotFound
	}
	s.stop()
	return nil
}

// Close stops all subscriptions and waits for their handlers to return.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	b.wg.Wait()
}

// subscriber holds one subscription's queue and delivery goroutine.
type subscriber struct {
	id      string
	handler Handler
	max     int

	mu    sync.Mutex
	queue []Event

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// enqueue appends an event, dropping the oldest entry once the queue is
// full. Drops are folded into a single Backpressure notice at the head of
// the queue, so the notice itself can occupy one slot beyond the bound.
func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	if len(s.queue) >= s.max {
		if s.queue[0].Type == TypeBackpressure {
			s.queue[0].Dropped++
			copy(s.queue[1:], s.queue[2:])
			s.queue = s.queue[:len(s.queue)-1]
		} else {
			s.queue[0] = Event{
				Type:      TypeBackpressure,
				Timestamp: time.Now(),
				Dropped:   1,
			}
		}
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump drains the queue in FIFO order until stopped.
func (s *subscriber) pump() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			copy(s.queue, s.queue[1:])
			s.queue = s.queue[:len(s.queue)-1]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.handler(ev)
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}
