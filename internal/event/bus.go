package event

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

const defaultSubscriberBufferSize = 64

type BusOptions struct {
	Name                 string
	SubscriberBufferSize int
	// BlockOnFull makes Publish wait for slow subscribers instead of dropping.
	BlockOnFull bool
	// WriteTimeout bounds a blocking send; a subscriber that times out is removed.
	WriteTimeout time.Duration
}

// Bus is a typed publish/subscribe channel. Each subscriber gets its own
// buffered channel, so events reach a subscriber in publish order.
type Bus[T any] struct {
	mu          sync.Mutex
	subscribers map[uint64]subscription[T]
	nextSubID   uint64
	closed      bool
	closeOnce   sync.Once
	options     BusOptions
	published   atomic.Int64
	dropped     atomic.Int64
}

type subscription[T any] struct {
	id     uint64
	ch     chan T
	filter func(T) bool
}

// NewBus creates a bus that closes itself when ctx is done.
func NewBus[T any](ctx context.Context, opts BusOptions) *Bus[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = defaultSubscriberBufferSize
	}
	bus := &Bus[T]{
		subscribers: make(map[uint64]subscription[T]),
		options:     opts,
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			bus.Close()
		}()
	}
	return bus
}

// Subscribe registers a subscriber. The returned cancel func must be called when
// the subscriber goes away; it closes the channel and is safe to call twice.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	return b.SubscribeFiltered(nil)
}

func (b *Bus[T]) SubscribeFiltered(filter func(T) bool) (<-chan T, func()) {
	if b == nil {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan T, b.options.SubscriberBufferSize)
	id := atomic.AddUint64(&b.nextSubID, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subscribers[id] = subscription[T]{id: id, ch: ch, filter: filter}
	b.mu.Unlock()

	return ch, func() { b.removeSubscriber(id) }
}

// SubscribeTypes subscribes to events whose Type() is one of eventTypes.
func (b *Bus[T]) SubscribeTypes(eventTypes ...string) (<-chan T, func()) {
	typeSet := make(map[string]struct{}, len(eventTypes))
	for _, eventType := range eventTypes {
		if eventType != "" {
			typeSet[eventType] = struct{}{}
		}
	}
	if len(typeSet) == 0 {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	return b.SubscribeFiltered(func(event T) bool {
		typed, ok := any(event).(Event)
		if !ok {
			return false
		}
		_, matched := typeSet[typed.Type()]
		return matched
	})
}

// Publish delivers event to every subscriber whose filter accepts it.
func (b *Bus[T]) Publish(event T) {
	if b == nil || isNil(event) {
		return
	}

	// Delivery happens under the lock so that events from concurrent publishers
	// cannot be reordered between subscribers and cancel cannot race a send.
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for id, sub := range b.subscribers {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		if !b.send(sub, event) {
			b.dropped.Add(1)
			slog.Warn("Event dropped for slow subscriber", "bus", b.busName(), "subscriber", id)
			if b.options.BlockOnFull {
				delete(b.subscribers, id)
				close(sub.ch)
			}
		}
	}
}

func (b *Bus[T]) send(sub subscription[T], event T) bool {
	if !b.options.BlockOnFull {
		select {
		case sub.ch <- event:
			return true
		default:
			return false
		}
	}
	if b.options.WriteTimeout <= 0 {
		sub.ch <- event
		return true
	}
	timer := time.NewTimer(b.options.WriteTimeout)
	defer timer.Stop()
	select {
	case sub.ch <- event:
		return true
	case <-timer.C:
		return false
	}
}

// Close closes every subscriber channel. Publishing after Close is a no-op.
func (b *Bus[T]) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.closed = true
		for _, sub := range b.subscribers {
			close(sub.ch)
		}
		b.subscribers = make(map[uint64]subscription[T])
	})
}

func (b *Bus[T]) removeSubscriber(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

func (b *Bus[T]) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Stats returns the number of published and dropped deliveries.
func (b *Bus[T]) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}

func (b *Bus[T]) busName() string {
	if b.options.Name == "" {
		return "event_bus"
	}
	return b.options.Name
}

func isNil[T any](value T) bool {
	kind := reflect.ValueOf(value)
	if !kind.IsValid() {
		return true
	}
	switch kind.Kind() {
	case reflect.Chan, reflect.Func, reflect.Map, reflect.Pointer, reflect.Interface, reflect.Slice:
		return kind.IsNil()
	default:
		return false
	}
}
