// Package kafka feeds messages from a Kafka consumer group to the decision
// host. Each claimed partition is served by its own goroutine, which blocks
// on every message until a decision is available.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ackbridge/internal/domain/messaging"
	"github.com/ahrav/ackbridge/internal/infra/source/kafka/tracing"
	"github.com/ahrav/ackbridge/pkg/common/logger"
)

var _ messaging.Source = (*Source)(nil)

// Source implements messaging.Source on a sarama consumer group. Commit
// marks the offset; Retry republishes the record with its attempt
// incremented and then marks the original.
type Source struct {
	client        sarama.Client
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup

	cfg       *Config
	deliverer messaging.Deliverer

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics messaging.SourceMetrics
}

// NewSource creates a Source from an existing producer and consumer group.
func NewSource(
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	cfg *Config,
	deliverer messaging.Deliverer,
	logger *logger.Logger,
	metrics messaging.SourceMetrics,
	tracer trace.Tracer,
) *Source {
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = defaultCommitInterval
	}

	return &Source{
		producer:      producer,
		consumerGroup: consumerGroup,
		cfg:           cfg,
		deliverer:     deliverer,
		logger: logger.With(
			"component", "kafka_source",
			"client_id", cfg.ClientID,
			"group_id", cfg.GroupID,
		),
		tracer:  tracer,
		metrics: metrics,
	}
}

// Run maintains a consumer group session until ctx is canceled. Rebalances
// end a session; Run rejoins.
func (s *Source) Run(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "kafka_source.run",
		trace.WithAttributes(attribute.StringSlice("topics", s.cfg.Topics)))
	defer span.End()

	if len(s.cfg.Topics) == 0 {
		err := errors.New("kafka source requires at least one topic")
		span.RecordError(err)
		span.SetStatus(codes.Error, "no topics")
		return err
	}

	go s.logGroupErrors(ctx)

	handler := &claimHandler{source: s, logger: s.logger, tracer: s.tracer, metrics: s.metrics}
	s.logger.Info(ctx, "Consuming topics", "topics", s.cfg.Topics)

	for {
		if err := s.consumerGroup.Consume(ctx, s.cfg.Topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			s.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Source) logGroupErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-s.consumerGroup.Errors():
			if !ok {
				return
			}
			s.logger.Warn(ctx, "Consumer group error", "error", err)
		}
	}
}

// redeliver republishes msg for another attempt.
func (s *Source) redeliver(ctx context.Context, orig *sarama.ConsumerMessage, msg messaging.Message) error {
	topic := s.retryTopic(orig)
	pm := &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.ByteEncoder(orig.Key),
		Value:   sarama.ByteEncoder(orig.Value),
		Headers: redeliveryHeaders(orig.Headers, msg.ID, msg.Attempt+1),
	}
	tracing.InjectTraceContext(ctx, pm)

	partition, offset, err := s.producer.SendMessage(pm)
	if err != nil {
		return fmt.Errorf("republishing message %s to %s: %w", msg.ID, topic, err)
	}

	s.logger.Debug(ctx, "Republished message for redelivery",
		"msg_id", msg.ID,
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"attempt", msg.Attempt+1,
	)
	return nil
}

func (s *Source) retryTopic(orig *sarama.ConsumerMessage) string {
	if s.cfg.RetryTopic != "" {
		return s.cfg.RetryTopic
	}
	return orig.Topic
}

// Close shuts down the consumer group, the producer and the shared client.
func (s *Source) Close() error {
	logger := s.logger.With("operation", "close")
	ctx, span := s.tracer.Start(context.Background(), "kafka_source.close")
	defer span.End()

	var errs []error
	if err := s.consumerGroup.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing consumer group: %w", err))
	}
	if err := s.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing producer: %w", err))
	}
	if s.client != nil && !s.client.Closed() {
		if err := s.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing client: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close kafka source")
		logger.Error(ctx, "Failed to close kafka source", "error", err)
		return err
	}

	span.SetStatus(codes.Ok, "closed kafka source")
	logger.Info(ctx, "Closed kafka source")
	return nil
}
