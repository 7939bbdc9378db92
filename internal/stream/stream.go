// Package stream fans values out to independent subscribers.
//
// A Hub keeps a bounded backlog so that a subscriber joining after the
// producer started still sees what was published before, which matters for
// child output: the readiness scanner attaches after spawn returns.
package stream

import (
	"sync"
	"sync/atomic"
)

// DefaultBacklog is the number of values retained for late subscribers.
const DefaultBacklog = 256

// Subscription is one consumer of a Hub.
type Subscription[T any] struct {
	id  uint64
	ch  chan T
	hub *Hub[T]
}

// C delivers values in publish order. It is closed when the hub closes or
// the subscription is cancelled.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Unsubscribe stops delivery and closes C. Safe to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	if s.hub != nil {
		s.hub.unsubscribe(s.id)
	}
}

// Hub is a push-based broadcaster. Publish never blocks: a subscriber whose
// buffer is full loses the value and the loss is counted.
type Hub[T any] struct {
	mu      sync.Mutex
	subs    map[uint64]chan T
	nextID  uint64
	backlog []T
	limit   int
	closed  bool
	dropped atomic.Uint64
}

// NewHub returns a hub retaining up to backlog values (DefaultBacklog when <= 0).
func NewHub[T any](backlog int) *Hub[T] {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Hub[T]{subs: make(map[uint64]chan T), limit: backlog}
}

// Subscribe registers a consumer. Retained values are replayed first, and buf
// more values (at least one) fit behind them before Publish starts dropping.
// On a closed hub the replay is followed by a closed channel.
func (h *Hub[T]) Subscribe(buf int) *Subscription[T] {
	h.mu.Lock()
	defer h.mu.Unlock()
	if buf <= 0 {
		buf = 1
	}
	ch := make(chan T, len(h.backlog)+buf)
	for _, v := range h.backlog {
		ch <- v
	}
	if h.closed {
		close(ch)
		return &Subscription[T]{ch: ch}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	return &Subscription[T]{id: id, ch: ch, hub: h}
}

// Publish delivers v to every subscriber and appends it to the backlog.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if len(h.backlog) == h.limit {
		copy(h.backlog, h.backlog[1:])
		h.backlog = h.backlog[:h.limit-1]
	}
	h.backlog = append(h.backlog, v)
	for _, ch := range h.subs {
		select {
		case ch <- v:
		default:
			h.dropped.Add(1)
		}
	}
}

// Recent returns a copy of the retained backlog, oldest first.
func (h *Hub[T]) Recent() []T {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]T(nil), h.backlog...)
}

// Dropped reports how many deliveries were lost to full subscriber buffers.
func (h *Hub[T]) Dropped() uint64 { return h.dropped.Load() }

// Close ends the stream. Subscribers drain what is buffered, then see C closed.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

func (h *Hub[T]) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		close(ch)
		delete(h.subs, id)
	}
}
