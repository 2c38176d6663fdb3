// Package amqp feeds messages from a RabbitMQ queue to the decision host.
// Commit acks the delivery; Retry nacks it with requeue.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/ackbridge/internal/domain/ack"
	"github.com/ahrav/ackbridge/internal/domain/messaging"
	"github.com/ahrav/ackbridge/pkg/common/logger"
)

// Config contains settings for consuming a single queue.
type Config struct {
	URL         string
	Queue       string
	ConsumerTag string
	// Prefetch bounds unacknowledged deliveries held by this consumer.
	Prefetch int
	// Workers is the number of goroutines delivering concurrently.
	Workers int
}

const (
	defaultPrefetch = 16
	defaultWorkers  = 4

	// deliveryCountHeader is set by quorum queues on redelivery.
	deliveryCountHeader = "x-delivery-count"
)

// Channel is the subset of *amqp.Channel the source uses.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ConsumeWithContext(
		ctx context.Context,
		queue, consumer string,
		autoAck, exclusive, noLocal, noWait bool,
		args amqp.Table,
	) (<-chan amqp.Delivery, error)
	Close() error
}

var _ messaging.Source = (*Source)(nil)

// Source implements messaging.Source over one AMQP channel shared by a pool
// of workers.
type Source struct {
	conn    *amqp.Connection
	channel Channel

	cfg       Config
	deliverer messaging.Deliverer

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics messaging.SourceMetrics
}

// NewSource creates a Source on an open channel.
func NewSource(
	ch Channel,
	cfg Config,
	deliverer messaging.Deliverer,
	logger *logger.Logger,
	metrics messaging.SourceMetrics,
	tracer trace.Tracer,
) *Source {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}

	return &Source{
		channel:   ch,
		cfg:       cfg,
		deliverer: deliverer,
		logger:    logger.With("component", "amqp_source", "queue", cfg.Queue),
		tracer:    tracer,
		metrics:   metrics,
	}
}

// Connect dials the broker with exponential backoff and opens a channel.
func Connect(
	cfg Config,
	deliverer messaging.Deliverer,
	logger *logger.Logger,
	metrics messaging.SourceMetrics,
	tracer trace.Tracer,
) (*Source, error) {
	var src *Source

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		conn, err := amqp.Dial(cfg.URL)
		if err != nil {
			return fmt.Errorf("dialing broker: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return fmt.Errorf("opening channel: %w", err)
		}
		src = NewSource(ch, cfg, deliverer, logger, metrics, tracer)
		src.conn = conn
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect amqp source after retries: %w", err)
	}
	return src, nil
}

// Run consumes until ctx is canceled or the broker closes the delivery
// channel.
func (s *Source) Run(ctx context.Context) error {
	if err := s.channel.Qos(s.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("setting prefetch: %w", err)
	}

	deliveries, err := s.channel.ConsumeWithContext(ctx, s.cfg.Queue, s.cfg.ConsumerTag,
		false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming queue %s: %w", s.cfg.Queue, err)
	}
	s.logger.Info(ctx, "Consuming queue", "workers", s.cfg.Workers, "prefetch", s.cfg.Prefetch)

	g, gctx := errgroup.WithContext(ctx)
	for range s.cfg.Workers {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						if gctx.Err() != nil {
							return nil
						}
						return errors.New("delivery channel closed by broker")
					}
					s.handle(gctx, d)
				}
			}
		})
	}
	return g.Wait()
}

func (s *Source) handle(ctx context.Context, d amqp.Delivery) {
	msg := toMessage(s.cfg.Queue, d)

	ctx, span := s.tracer.Start(ctx, "amqp.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", s.cfg.Queue),
			attribute.String("message.id", msg.ID),
			attribute.Int("message.attempt", msg.Attempt),
		))
	defer span.End()

	s.metrics.IncMessageReceived(ctx, messaging.SourceAMQP, msg.Topic)

	decision, err := s.deliverer.Deliver(ctx, msg)
	if err != nil {
		span.RecordError(err)
		s.logger.Warn(ctx, "Delivery ended without a decision", "msg_id", msg.ID, "error", err)
	}
	span.SetAttributes(attribute.String("ack.decision", decision.String()))

	// Settle even when shutting down so the broker requeues immediately
	// instead of waiting for the channel to close.
	if decision == ack.Commit {
		if err := d.Ack(false); err != nil {
			s.settleFailed(ctx, span, msg, err)
			return
		}
		s.metrics.IncMessageCommitted(ctx, messaging.SourceAMQP, msg.Topic)
		return
	}

	if err := d.Nack(false, true); err != nil {
		s.settleFailed(ctx, span, msg, err)
		return
	}
	s.metrics.IncMessageRedelivered(ctx, messaging.SourceAMQP, msg.Topic)
}

func (s *Source) settleFailed(ctx context.Context, span trace.Span, msg messaging.Message, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "failed to settle delivery")
	s.metrics.IncSourceError(ctx, messaging.SourceAMQP, msg.Topic)
	s.logger.Error(ctx, "Failed to settle delivery", "msg_id", msg.ID, "error", err)
}

func toMessage(queue string, d amqp.Delivery) messaging.Message {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = fmt.Sprint(v)
	}

	id := d.MessageId
	if id == "" {
		id = fmt.Sprintf("%s-%d", queue, d.DeliveryTag)
	}

	return messaging.Message{
		ID:         id,
		Source:     messaging.SourceAMQP,
		Topic:      queue,
		Key:        d.RoutingKey,
		Body:       d.Body,
		Headers:    headers,
		Offset:     int64(d.DeliveryTag),
		Attempt:    attempt(d),
		ReceivedAt: time.Now(),
	}
}

// attempt prefers the quorum queue delivery count, then the redelivered flag.
func attempt(d amqp.Delivery) int {
	if v, ok := d.Headers[deliveryCountHeader]; ok {
		if n, err := strconv.Atoi(fmt.Sprint(v)); err == nil && n >= 0 {
			return n + 1
		}
	}
	if d.Redelivered {
		return 2
	}
	return 1
}

// Close closes the channel and, when the source dialed it, the connection.
func (s *Source) Close() error {
	var errs []error
	if err := s.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("closing channel: %w", err))
	}
	if s.conn != nil && !s.conn.IsClosed() {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing connection: %w", err))
		}
	}
	return errors.Join(errs...)
}
