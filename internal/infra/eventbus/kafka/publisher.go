// Package kafka publishes session lifecycle events to a Kafka topic so that
// processes other than the one driving a session can follow it.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ackpine/internal/domain/events"
	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/ackpine/internal/infra/storage/codec"
	"github.com/ahrav/ackpine/pkg/common/logger"
)

// ErrUnsupportedEvent is returned for domain events with no wire encoding.
var ErrUnsupportedEvent = errors.New("unsupported domain event")

const headerEventType = "event-type"

var _ events.DomainEventPublisher = (*EventPublisher)(nil)

// EventPublisher implements events.DomainEventPublisher over a sarama
// SyncProducer.
type EventPublisher struct {
	producer sarama.SyncProducer
	topic    string

	logger  *logger.Logger
	metrics PublisherMetrics
	tracer  trace.Tracer
}

// NewEventPublisher wraps producer. It takes ownership of the producer and
// closes it on Close.
func NewEventPublisher(
	producer sarama.SyncProducer,
	topic string,
	log *logger.Logger,
	metrics PublisherMetrics,
	tracer trace.Tracer,
) *EventPublisher {
	return &EventPublisher{
		producer: producer,
		topic:    topic,
		logger:   log.With("component", "kafka.publisher"),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// PublishDomainEvent encodes event and sends it synchronously. The message
// key defaults to the session id when no key option is given.
func (p *EventPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	ctx, span := tracing.StartProducerSpan(ctx, p.topic, p.tracer)
	defer span.End()

	params := events.PublishParams{}
	for _, opt := range opts {
		opt(&params)
	}

	payload, key, err := encode(event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encoding failed")
		return err
	}
	if params.Key != "" {
		key = params.Key
	}
	span.SetAttributes(
		attribute.String("event_type", string(event.EventType())),
		attribute.String("key", key),
	)

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerEventType), Value: []byte(event.EventType())},
		},
		Timestamp: event.OccurredAt(),
	}
	for k, v := range params.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.metrics.IncPublishError(ctx, p.topic)
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		p.logger.Error(ctx, "failed to publish session event", "topic", p.topic, "key", key, "error", err)
		return fmt.Errorf("publishing %s to %s: %w", event.EventType(), p.topic, err)
	}

	p.metrics.IncMessagePublished(ctx, p.topic)
	span.SetAttributes(
		attribute.Int64("partition", int64(partition)),
		attribute.Int64("offset", offset),
	)
	p.logger.Debug(ctx, "published session event",
		"topic", p.topic, "key", key, "partition", partition, "offset", offset)
	return nil
}

// Close flushes and closes the underlying producer.
func (p *EventPublisher) Close() error { return p.producer.Close() }

func encode(event events.DomainEvent) ([]byte, string, error) {
	switch evt := event.(type) {
	case session.StateChangedEvent:
		return codec.EncodeStateChanged(evt), evt.Key(), nil
	case *session.StateChangedEvent:
		return codec.EncodeStateChanged(*evt), evt.Key(), nil
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedEvent, event.EventType())
	}
}
