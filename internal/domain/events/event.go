package events

import "time"

// DomainEvent is implemented by every event raised by the domain layer.
type DomainEvent interface {
	EventType() EventType
	OccurredAt() time.Time
}

// EventEnvelope wraps a domain event with the routing data used by the bus.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically the session id, so all
	// events of one session are partitioned together.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this event was created.
	Timestamp time.Time

	// Payload contains the actual event. The concrete type depends on Type.
	Payload any
}

// Envelope wraps evt using the publish options.
func Envelope(evt DomainEvent, opts ...PublishOption) EventEnvelope {
	params := PublishParams{}
	for _, opt := range opts {
		opt(&params)
	}
	return EventEnvelope{
		Type:      evt.EventType(),
		Key:       params.Key,
		Headers:   params.Headers,
		Timestamp: evt.OccurredAt(),
		Payload:   evt,
	}
}
