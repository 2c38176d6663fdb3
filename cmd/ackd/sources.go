package main

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ackbridge/internal/config"
	"github.com/ahrav/ackbridge/internal/domain/messaging"
	"github.com/ahrav/ackbridge/internal/infra/source/amqp"
	"github.com/ahrav/ackbridge/internal/infra/source/jetstream"
	"github.com/ahrav/ackbridge/internal/infra/source/kafka"
	"github.com/ahrav/ackbridge/internal/infra/source/memory"
	"github.com/ahrav/ackbridge/pkg/common/logger"
)

func connectSource(
	ctx context.Context,
	cfg config.SourceConfig,
	deliverer messaging.Deliverer,
	log *logger.Logger,
	metrics messaging.SourceMetrics,
	tracer trace.Tracer,
) (messaging.Source, error) {
	switch cfg.Type {
	case config.SourceKafka:
		return kafka.Connect(&kafka.Config{
			Brokers:        cfg.Kafka.Brokers,
			Topics:         cfg.Kafka.Topics,
			RetryTopic:     cfg.Kafka.RetryTopic,
			GroupID:        cfg.Kafka.GroupID,
			ClientID:       cfg.Kafka.ClientID,
			CommitInterval: cfg.Kafka.CommitInterval,
			MaxAttempts:    cfg.Kafka.MaxAttempts,
		}, deliverer, log, metrics, tracer)

	case config.SourceAMQP:
		return amqp.Connect(amqp.Config{
			URL:         cfg.AMQP.URL,
			Queue:       cfg.AMQP.Queue,
			ConsumerTag: cfg.AMQP.ConsumerTag,
			Prefetch:    cfg.AMQP.Prefetch,
			Workers:     cfg.AMQP.Workers,
		}, deliverer, log, metrics, tracer)

	case config.SourceJetStream:
		return jetstream.Connect(ctx, jetstream.Config{
			URL:           cfg.JetStream.URL,
			Stream:        cfg.JetStream.Stream,
			Consumer:      cfg.JetStream.Consumer,
			FilterSubject: cfg.JetStream.FilterSubject,
			AckWait:       cfg.JetStream.AckWait,
			MaxDeliver:    cfg.JetStream.MaxDeliver,
			Workers:       cfg.JetStream.Workers,
			PullBatch:     cfg.JetStream.PullBatch,
		}, deliverer, log, metrics, tracer)

	case config.SourceMemory:
		return memory.New(memory.Config{
			Topic:       cfg.Memory.Topic,
			QueueSize:   cfg.Memory.QueueSize,
			Workers:     cfg.Memory.Workers,
			MaxAttempts: cfg.Memory.MaxAttempts,
		}, deliverer, log, tracer, metrics), nil

	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Type)
	}
}

// stdinPublisher is satisfied by sources that accept locally published
// messages.
type stdinPublisher interface {
	Publish(ctx context.Context, key string, body []byte, headers map[string]string) (string, error)
}

// feedStdin publishes every line of r as one message. An empty line
// publishes an empty body.
func feedStdin(ctx context.Context, pub stdinPublisher, r io.Reader, log *logger.Logger) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		body := append([]byte(nil), scanner.Bytes()...)
		id, err := pub.Publish(ctx, "", body, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("publishing stdin line: %w", err)
		}
		log.Debug(ctx, "published stdin line", "message_id", id, "bytes", len(body))
	}
	return scanner.Err()
}
