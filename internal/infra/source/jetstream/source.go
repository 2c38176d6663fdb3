// Package jetstream feeds messages from a NATS JetStream pull consumer to the
// decision host. Commit acks the message; Retry naks it for redelivery.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/ackbridge/internal/domain/ack"
	"github.com/ahrav/ackbridge/internal/domain/messaging"
	"github.com/ahrav/ackbridge/pkg/common/logger"
)

// Config contains settings for a durable pull consumer.
type Config struct {
	URL      string
	Stream   string
	Consumer string
	// FilterSubject narrows the stream; empty consumes every subject.
	FilterSubject string
	// AckWait is how long the server waits before redelivering an unsettled
	// message. It should exceed the binder's ack timeout.
	AckWait time.Duration
	// MaxDeliver caps redeliveries. Zero or negative is unlimited.
	MaxDeliver int
	// Workers is the number of goroutines delivering concurrently.
	Workers int
	// PullBatch bounds messages buffered by the iterator.
	PullBatch int
}

const (
	defaultWorkers   = 4
	defaultPullBatch = 64
	defaultAckWait   = 30 * time.Second
)

var _ messaging.Source = (*Source)(nil)

// Source implements messaging.Source on a JetStream consumer.
type Source struct {
	conn     *nats.Conn
	consumer jetstream.Consumer

	cfg       Config
	deliverer messaging.Deliverer

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics messaging.SourceMetrics
}

// NewSource creates a Source on an existing consumer.
func NewSource(
	consumer jetstream.Consumer,
	cfg Config,
	deliverer messaging.Deliverer,
	logger *logger.Logger,
	metrics messaging.SourceMetrics,
	tracer trace.Tracer,
) *Source {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.PullBatch <= 0 {
		cfg.PullBatch = defaultPullBatch
	}

	return &Source{
		consumer:  consumer,
		cfg:       cfg,
		deliverer: deliverer,
		logger: logger.With(
			"component", "jetstream_source",
			"stream", cfg.Stream,
			"consumer", cfg.Consumer,
		),
		tracer:  tracer,
		metrics: metrics,
	}
}

// Connect dials NATS with exponential backoff and creates or updates the
// durable consumer.
func Connect(
	ctx context.Context,
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

	ackWait := cfg.AckWait
	if ackWait <= 0 {
		ackWait = defaultAckWait
	}

	operation := func() error {
		nc, err := nats.Connect(cfg.URL, nats.Name(cfg.Consumer))
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return fmt.Errorf("creating jetstream context: %w", err)
		}

		cons, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
			Durable:       cfg.Consumer,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       ackWait,
			MaxDeliver:    cfg.MaxDeliver,
			FilterSubject: cfg.FilterSubject,
		})
		if err != nil {
			nc.Close()
			return fmt.Errorf("creating consumer %s on %s: %w", cfg.Consumer, cfg.Stream, err)
		}

		src = NewSource(cons, cfg, deliverer, logger, metrics, tracer)
		src.conn = nc
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect jetstream source after retries: %w", err)
	}
	return src, nil
}

// Run pulls until ctx is canceled.
func (s *Source) Run(ctx context.Context) error {
	it, err := s.consumer.Messages(jetstream.PullMaxMessages(s.cfg.PullBatch))
	if err != nil {
		return fmt.Errorf("starting message iterator: %w", err)
	}
	s.logger.Info(ctx, "Consuming stream", "workers", s.cfg.Workers)

	return s.run(ctx, func() (jetstream.Msg, error) { return it.Next() }, it.Stop)
}

// run fans messages from a single puller out to the worker pool.
func (s *Source) run(ctx context.Context, next func() (jetstream.Msg, error), stop func()) error {
	g, gctx := errgroup.WithContext(ctx)
	msgs := make(chan jetstream.Msg)

	g.Go(func() error {
		<-gctx.Done()
		stop()
		return nil
	})

	g.Go(func() error {
		defer close(msgs)
		for {
			msg, err := next()
			if err != nil {
				if errors.Is(err, jetstream.ErrMsgIteratorClosed) || gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("pulling next message: %w", err)
			}
			select {
			case msgs <- msg:
			case <-gctx.Done():
				// Unsettled; the server redelivers after AckWait.
				return nil
			}
		}
	})

	for range s.cfg.Workers {
		g.Go(func() error {
			for msg := range msgs {
				s.handle(gctx, msg)
			}
			return nil
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Source) handle(ctx context.Context, jm jetstream.Msg) {
	msg := toMessage(jm)

	ctx, span := s.tracer.Start(ctx, "jetstream.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.String("message.id", msg.ID),
			attribute.Int("message.attempt", msg.Attempt),
		))
	defer span.End()

	s.metrics.IncMessageReceived(ctx, messaging.SourceJetStream, msg.Topic)

	decision, err := s.deliverer.Deliver(ctx, msg)
	if err != nil {
		span.RecordError(err)
		s.logger.Warn(ctx, "Delivery ended without a decision", "msg_id", msg.ID, "error", err)
	}
	span.SetAttributes(attribute.String("ack.decision", decision.String()))

	if decision == ack.Commit {
		if err := jm.Ack(); err != nil {
			s.settleFailed(ctx, span, msg, err)
			return
		}
		s.metrics.IncMessageCommitted(ctx, messaging.SourceJetStream, msg.Topic)
		return
	}

	if err := jm.Nak(); err != nil {
		s.settleFailed(ctx, span, msg, err)
		return
	}
	s.metrics.IncMessageRedelivered(ctx, messaging.SourceJetStream, msg.Topic)
}

func (s *Source) settleFailed(ctx context.Context, span trace.Span, msg messaging.Message, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "failed to settle message")
	s.metrics.IncSourceError(ctx, messaging.SourceJetStream, msg.Topic)
	s.logger.Error(ctx, "Failed to settle message", "msg_id", msg.ID, "error", err)
}

func toMessage(jm jetstream.Msg) messaging.Message {
	hdr := jm.Headers()
	headers := make(map[string]string, len(hdr))
	for k := range hdr {
		headers[k] = hdr.Get(k)
	}

	msg := messaging.Message{
		Source:     messaging.SourceJetStream,
		Topic:      jm.Subject(),
		Body:       jm.Data(),
		Headers:    headers,
		Attempt:    1,
		ReceivedAt: time.Now(),
	}

	if md, err := jm.Metadata(); err == nil {
		msg.Offset = int64(md.Sequence.Stream)
		msg.Attempt = int(md.NumDelivered)
		msg.ID = md.Stream + "-" + strconv.FormatUint(md.Sequence.Stream, 10)
	}
	if id := hdr.Get(nats.MsgIdHdr); id != "" {
		msg.ID = id
	}
	if msg.ID == "" {
		msg.ID = msg.Topic
	}
	return msg
}

// Close drops the NATS connection when the source dialed it.
func (s *Source) Close() error {
	if s.conn != nil && !s.conn.IsClosed() {
		s.conn.Close()
	}
	return nil
}
