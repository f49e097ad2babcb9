package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ackpine/pkg/common"
	"github.com/ahrav/ackpine/pkg/common/logger"
)

// Config contains everything needed to publish session events to Kafka.
type Config struct {
	Brokers  []string
	ClientID string
	// SessionEventsTopic receives one message per persisted state transition.
	SessionEventsTopic string
}

// NewProducerConfig returns the sarama configuration used by the publisher.
// Messages are keyed by session id, so the hash partitioner keeps each
// session's transitions on a single partition in order.
func NewProducerConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	config.Version = sarama.V3_6_0_0
	return config
}

// Connect dials the brokers, retrying with backoff until ctx is done or the
// retry budget is spent.
func Connect(
	ctx context.Context,
	cfg *Config,
	log *logger.Logger,
	metrics PublisherMetrics,
	tracer trace.Tracer,
) (*EventPublisher, error) {
	var producer sarama.SyncProducer
	err := common.Retry(ctx, log, "kafka.connect", common.DefaultRetryConfig(), func() error {
		p, err := sarama.NewSyncProducer(cfg.Brokers, NewProducerConfig(cfg.ClientID))
		if err != nil {
			return fmt.Errorf("creating producer: %w", err)
		}
		producer = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to kafka after retries: %w", err)
	}

	return NewEventPublisher(producer, cfg.SessionEventsTopic, log, metrics, tracer), nil
}
