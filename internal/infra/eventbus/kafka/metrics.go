package kafka

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PublisherMetrics records what the publisher sends to Kafka.
type PublisherMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
}

type publisherMetrics struct {
	messagesPublished metric.Int64Counter
	publishErrors     metric.Int64Counter
}

const namespace = "ackpine.kafka"

// NewPublisherMetrics creates the publisher instruments on mp.
func NewPublisherMetrics(mp metric.MeterProvider) (*publisherMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(publisherMetrics)
	var err error

	if m.messagesPublished, err = meter.Int64Counter(
		"ackpine.kafka.messages_published",
		metric.WithDescription("Total number of session event messages published"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter(
		"ackpine.kafka.publish_errors",
		metric.WithDescription("Total number of session event messages that failed to publish"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *publisherMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *publisherMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
