// Package memory provides an in-process message source backed by a bounded
// channel. It is non-persistent and meant for tests and local development
// where no broker is available.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/ackbridge/internal/domain/ack"
	"github.com/ahrav/ackbridge/internal/domain/messaging"
	"github.com/ahrav/ackbridge/pkg/common/logger"
)

// ErrSourceClosed is returned when publishing to a closed source.
var ErrSourceClosed = errors.New("memory source closed")

// Config controls the queue and its workers.
type Config struct {
	// Topic labels every message published to the source.
	Topic string
	// QueueSize bounds the number of undelivered messages.
	QueueSize int
	// Workers is the number of goroutines delivering concurrently.
	Workers int
	// MaxAttempts caps redeliveries. Zero redelivers forever.
	MaxAttempts int
}

const (
	defaultTopic     = "memory"
	defaultQueueSize = 256
	defaultWorkers   = 4
)

var _ messaging.Source = (*Source)(nil)

// Source queues messages in memory and feeds them to a Deliverer from a
// fixed pool of workers. Retry puts the message back at the tail of the
// queue with its attempt incremented.
type Source struct {
	cfg       Config
	queue     chan messaging.Message
	deliverer messaging.Deliverer

	closeOnce sync.Once
	closed    chan struct{}
	dropped   atomic.Int64

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics messaging.SourceMetrics
}

// New creates a Source. Zero values in cfg take defaults.
func New(
	cfg Config,
	deliverer messaging.Deliverer,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics messaging.SourceMetrics,
) *Source {
	if cfg.Topic == "" {
		cfg.Topic = defaultTopic
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}

	return &Source{
		cfg:       cfg,
		queue:     make(chan messaging.Message, cfg.QueueSize),
		deliverer: deliverer,
		closed:    make(chan struct{}),
		logger:    log.With("component", "memory_source", "topic", cfg.Topic),
		tracer:    tracer,
		metrics:   metrics,
	}
}

// Publish enqueues a new message and returns its ID. It blocks while the
// queue is full.
func (s *Source) Publish(ctx context.Context, key string, body []byte, headers map[string]string) (string, error) {
	msg := messaging.Message{
		ID:      uuid.New().String(),
		Source:  messaging.SourceMemory,
		Topic:   s.cfg.Topic,
		Key:     key,
		Body:    body,
		Headers: headers,
		Attempt: messaging.AttemptFromHeaders(headers),
	}
	if err := s.enqueue(ctx, msg); err != nil {
		return "", fmt.Errorf("publishing message to %s: %w", s.cfg.Topic, err)
	}
	return msg.ID, nil
}

func (s *Source) enqueue(ctx context.Context, msg messaging.Message) error {
	select {
	case <-s.closed:
		return ErrSourceClosed
	default:
	}

	select {
	case s.queue <- msg:
		return nil
	case <-s.closed:
		return ErrSourceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the workers and blocks until ctx is canceled or the source is
// closed.
func (s *Source) Run(ctx context.Context) error {
	s.logger.Info(ctx, "Starting memory source", "workers", s.cfg.Workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := range s.cfg.Workers {
		g.Go(func() error {
			s.work(gctx, i)
			return nil
		})
	}
	err := g.Wait()

	s.logger.Info(ctx, "Memory source stopped", "dropped", s.dropped.Load())
	return err
}

func (s *Source) work(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case msg := <-s.queue:
			s.deliver(ctx, worker, msg)
		}
	}
}

func (s *Source) deliver(ctx context.Context, worker int, msg messaging.Message) {
	ctx, span := s.tracer.Start(ctx, "memory_source.deliver",
		trace.WithAttributes(
			attribute.String("message.id", msg.ID),
			attribute.Int("message.attempt", msg.Attempt),
			attribute.Int("worker", worker),
		))
	defer span.End()

	msg.ReceivedAt = time.Now()
	s.metrics.IncMessageReceived(ctx, messaging.SourceMemory, msg.Topic)

	decision, err := s.deliverer.Deliver(ctx, msg)
	if ctx.Err() != nil {
		// Shutting down; the message is lost with the rest of the queue.
		return
	}
	if err != nil {
		s.logger.Warn(ctx, "Delivery ended without a decision", "msg_id", msg.ID, "error", err)
	}

	switch decision {
	case ack.Commit:
		s.metrics.IncMessageCommitted(ctx, messaging.SourceMemory, msg.Topic)
	default:
		s.redeliver(ctx, msg)
	}
}

func (s *Source) redeliver(ctx context.Context, msg messaging.Message) {
	if s.cfg.MaxAttempts > 0 && msg.Attempt >= s.cfg.MaxAttempts {
		s.dropped.Add(1)
		s.metrics.IncSourceError(ctx, messaging.SourceMemory, msg.Topic)
		s.logger.Warn(ctx, "Dropping message after max attempts",
			"msg_id", msg.ID,
			"attempt", msg.Attempt,
		)
		return
	}

	msg.Attempt++
	s.metrics.IncMessageRedelivered(ctx, messaging.SourceMemory, msg.Topic)

	select {
	case s.queue <- msg:
		return
	default:
	}

	// Every worker may be redelivering into a full queue at once, so the
	// put-back must not hold up the worker.
	go func() {
		if err := s.enqueue(ctx, msg); err != nil {
			s.logger.Warn(ctx, "Failed to requeue message", "msg_id", msg.ID, "error", err)
		}
	}()
}

// Dropped reports how many messages exhausted MaxAttempts.
func (s *Source) Dropped() int64 { return s.dropped.Load() }

// Len reports the number of queued messages.
func (s *Source) Len() int { return len(s.queue) }

// Close stops the workers and rejects further publishes.
func (s *Source) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
