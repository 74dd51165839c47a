// Package pubsub provides a generic publish/subscribe event broker.
//
// Each subscriber owns a dedicated unbounded queue drained by a pump
// goroutine, so publishers never block on slow consumers and no event is
// dropped while a subscription is live. Cancelling the subscription context
// is the sole unsubscribe signal: it closes the subscriber channel and
// removes the queue.
package pubsub

import (
	"context"
	"errors"
	"sync"
)

// ErrBrokerClosed is returned by Publish after Close.
var ErrBrokerClosed = errors.New("pubsub: broker closed")

// Filter decides whether a subscriber receives an event.
// A nil Filter matches everything.
type Filter[T any] func(T) bool

// Broker is a generic pub/sub event broker with per-subscriber queues.
type Broker[T any] struct {
	mu     sync.Mutex
	subs   map[*subscriber[T]]struct{}
	closed bool
}

// NewBroker creates a new broker.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{subs: make(map[*subscriber[T]]struct{})}
}

type subscriber[T any] struct {
	filter Filter[T]
	out    chan T

	mu    sync.Mutex
	queue []T
	done  bool

	// wake has capacity 1; enqueue and shutdown both nudge it.
	wake chan struct{}
}

// Subscribe creates a subscription receiving every published event.
// The returned channel is closed when ctx is cancelled or the broker closes.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan T {
	return b.SubscribeFiltered(ctx, nil)
}

// SubscribeFiltered creates a subscription receiving only events matching
// the filter. Filter evaluation happens at publish time, in publish order.
func (b *Broker[T]) SubscribeFiltered(ctx context.Context, filter Filter[T]) <-chan T {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch := make(chan T)
		close(ch)
		return ch
	}

	sub := &subscriber[T]{
		filter: filter,
		out:    make(chan T),
		wake:   make(chan struct{}, 1),
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump(ctx, b)
	return sub.out
}

// Publish delivers the event to every matching subscriber's queue.
// It returns once each matching queue has accepted the event; it never
// blocks on consumers. Returns ErrBrokerClosed after Close.
func (b *Broker[T]) Publish(event T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}

	// Enqueue while holding the broker lock: all subscribers observe
	// events in the bus's publish order.
	for sub := range b.subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		sub.enqueue(event)
	}
	return nil
}

// Close shuts down the broker and closes all subscriber channels.
// Events still queued at close time are discarded.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for sub := range b.subs {
		sub.shutdown()
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// remove detaches a subscriber; called by its pump on exit.
func (b *Broker[T]) remove(sub *subscriber[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs != nil {
		delete(b.subs, sub)
	}
}

func (s *subscriber[T]) enqueue(event T) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) shutdown() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump drains the queue into the out channel in FIFO order.
func (s *subscriber[T]) pump(ctx context.Context, b *Broker[T]) {
	defer func() {
		s.mu.Lock()
		s.done = true
		s.queue = nil
		s.mu.Unlock()
		b.remove(s)
		close(s.out)
	}()

	for {
		s.mu.Lock()
		if s.done {
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, event := range batch {
			select {
			case s.out <- event:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			return
		}
	}
}
