// Package events provides domain event handling capabilities for communicating state changes
// across system boundaries in a decoupled way.
package events

import (
	"context"
)

// DomainEventPublisher publishes domain events to notify other parts of the system about
// important domain changes. It decouples event producers from the underlying messaging
// infrastructure.
type DomainEventPublisher interface {
	// PublishDomainEvent sends a domain event to interested subscribers. Optional
	// PublishOptions configure routing behavior.
	PublishDomainEvent(ctx context.Context, event DomainEvent, opts ...PublishOption) error
}

// EventBus enables publishing and subscribing to domain events.
type EventBus interface {
	// Publish broadcasts an event to all interested subscribers.
	Publish(ctx context.Context, event EventEnvelope, opts ...PublishOption) error

	// Subscribe registers a handler function to process events of specified types.
	Subscribe(ctx context.Context, eventTypes []EventType, handler HandlerFunc) error

	// Close shuts down the event bus and releases associated resources.
	Close() error
}

// BusPublisher adapts an EventBus to DomainEventPublisher.
type BusPublisher struct{ bus EventBus }

// NewBusPublisher returns a DomainEventPublisher that publishes through bus.
func NewBusPublisher(bus EventBus) *BusPublisher { return &BusPublisher{bus: bus} }

// PublishDomainEvent wraps event in an envelope and publishes it.
func (p *BusPublisher) PublishDomainEvent(ctx context.Context, event DomainEvent, opts ...PublishOption) error {
	return p.bus.Publish(ctx, Envelope(event, opts...), opts...)
}

// MultiPublisher fans a domain event out to several publishers. All
// publishers are attempted; the first error is returned.
type MultiPublisher []DomainEventPublisher

func (m MultiPublisher) PublishDomainEvent(ctx context.Context, event DomainEvent, opts ...PublishOption) error {
	var first error
	for _, p := range m {
		if err := p.PublishDomainEvent(ctx, event, opts...); err != nil && first == nil {
			first = err
		}
	}
	return first
}
