// Package event carries what systems emit during a tick out of the simulation. Events are collected
// in system order, flushed once at the end of the tick, and never persisted.
package event

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Event is a value emitted by a system.
type Event interface {
	Name() string
}

// Emitted is an event together with the system that emitted it.
type Emitted struct {
	System string
	Event  Event
}

// defaultSubscriptionBuffer is the number of batches a subscription holds before it starts dropping.
const defaultSubscriptionBuffer = 64

// Bus fans out batches to subscribers without ever blocking the publisher. A subscriber whose buffer
// is full misses the batch and has its drop counter incremented.
type Bus[T any] struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool
}

// NewBus creates a bus that logs dropped batches to logger.
func NewBus[T any](logger zerolog.Logger) *Bus[T] {
	return &Bus[T]{
		logger: logger,
		subs:   make(map[uint64]*Subscription[T]),
	}
}

// Subscription receives published batches on C until it is closed.
type Subscription[T any] struct {
	C <-chan T

	bus     *Bus[T]
	id      uint64
	ch      chan T
	dropped atomic.Uint64
	once    sync.Once
}

// Subscribe returns a subscription that buffers up to buffer batches. A non-positive buffer uses
// the default size.
func (b *Bus[T]) Subscribe(buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	ch := make(chan T, buffer)
	sub := &Subscription[T]{C: ch, bus: b, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	sub.id = b.nextID
	b.nextID++
	b.subs[sub.id] = sub
	return sub
}

// SubscribeFunc calls fn for every batch on its own goroutine, in publish order. The returned
// subscription stops the goroutine when closed.
func (b *Bus[T]) SubscribeFunc(buffer int, fn func(T)) *Subscription[T] {
	sub := b.Subscribe(buffer)
	go func() {
		for batch := range sub.C {
			fn(batch)
		}
	}()
	return sub
}

// Publish offers batch to every subscriber. It never blocks.
func (b *Bus[T]) Publish(batch T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- batch:
		default:
			dropped := sub.dropped.Add(1)
			b.logger.Warn().Uint64("subscription", sub.id).Uint64("dropped", dropped).
				Msg("subscriber buffer full, dropping batch")
		}
	}
}

// Len returns the number of active subscriptions.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later subscriptions are closed immediately.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Dropped returns how many batches this subscription missed because its buffer was full.
func (s *Subscription[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes C. Closing twice is a no-op.
func (s *Subscription[T]) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
	s.once.Do(func() { close(s.ch) })
}
