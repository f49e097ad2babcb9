// Package memory provides an in-process message broker. It carries the
// package installer status broadcasts to the receiver and can serve as the
// domain event bus when no external broker is configured.
package memory

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/ahrav/ackpine/internal/domain/events"
	"github.com/ahrav/ackpine/internal/domain/session"
)

// ErrBrokerClosed is returned by operations on a closed broker.
var ErrBrokerClosed = errors.New("broker closed")

type handlerEntry[T any] struct {
	id      uint64
	handler func(T) error
}

type handlerList[T any] []handlerEntry[T]

type eventSubscription struct {
	types   []events.EventType
	handler events.HandlerFunc
}

// Broker delivers messages synchronously to every subscriber. Handlers are
// copied before delivery, so subscribing from inside a handler never
// deadlocks.
type Broker struct {
	mu     sync.RWMutex
	nextID uint64
	closed bool

	statusHandlers handlerList[session.StatusBroadcast]
	eventHandlers  handlerList[events.EventEnvelope]
}

var _ events.EventBus = (*Broker)(nil)

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		statusHandlers: make(handlerList[session.StatusBroadcast], 0),
		eventHandlers:  make(handlerList[events.EventEnvelope], 0),
	}
}

// subscribe registers handler until ctx is done.
func subscribe[T any](ctx context.Context, b *Broker, handlers *handlerList[T], handler func(T) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	b.nextID++
	id := b.nextID
	*handlers = append(*handlers, handlerEntry[T]{id: id, handler: handler})
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		*handlers = slices.DeleteFunc(*handlers, func(e handlerEntry[T]) bool { return e.id == id })
	}()
	return nil
}

// publish delivers msg to a snapshot of handlers, stopping at the first error.
func publish[T any](ctx context.Context, b *Broker, handlers *handlerList[T], msg T) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBrokerClosed
	}
	snapshot := slices.Clone(*handlers)
	b.mu.RUnlock()

	for _, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.handler(msg); err != nil {
			return err
		}
	}
	return nil
}

// PublishStatus broadcasts a package installer status report.
func (b *Broker) PublishStatus(ctx context.Context, status session.StatusBroadcast) error {
	return publish(ctx, b, &b.statusHandlers, status)
}

// SubscribeStatus registers handler for status reports until ctx is done.
func (b *Broker) SubscribeStatus(ctx context.Context, handler func(session.StatusBroadcast) error) error {
	return subscribe(ctx, b, &b.statusHandlers, handler)
}

// Publish delivers a domain event to subscribers of its type.
func (b *Broker) Publish(ctx context.Context, event events.EventEnvelope, _ ...events.PublishOption) error {
	return publish(ctx, b, &b.eventHandlers, event)
}

// Subscribe registers handler for the given event types until ctx is done.
// An empty type list subscribes to every event.
func (b *Broker) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	sub := eventSubscription{types: slices.Clone(eventTypes), handler: handler}
	return subscribe(ctx, b, &b.eventHandlers, func(evt events.EventEnvelope) error {
		if len(sub.types) > 0 && !slices.Contains(sub.types, evt.Type) {
			return nil
		}
		return sub.handler(ctx, evt)
	})
}

// Close drops every subscriber. Later publishes and subscribes fail.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.statusHandlers = nil
	b.eventHandlers = nil
	return nil
}
