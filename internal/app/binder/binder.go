// Package binder is the layer between message sources and the decision host.
// For every delivered message it creates an ack.Token, hands a bound
// ack.Handle to the consumer on the event loop, and blocks the delivering
// goroutine until the consumer decides.
package binder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ackbridge/internal/domain/ack"
	"github.com/ahrav/ackbridge/internal/domain/messaging"
	"github.com/ahrav/ackbridge/pkg/common"
	"github.com/ahrav/ackbridge/pkg/common/logger"
)

// Consumer holds the user's consumption logic. Consume always runs on the
// decision host's goroutine. It must eventually call h.Forward exactly once,
// either before returning or from a later loop callback; extra calls are
// ignored.
type Consumer interface {
	Consume(ctx context.Context, msg messaging.Message, h *ack.Handle)
}

// ConsumerFunc adapts an ordinary function to the Consumer interface.
type ConsumerFunc func(ctx context.Context, msg messaging.Message, h *ack.Handle)

// Consume calls f(ctx, msg, h).
func (f ConsumerFunc) Consume(ctx context.Context, msg messaging.Message, h *ack.Handle) {
	f(ctx, msg, h)
}

// Poster is the thread-safe handoff into the decision host.
type Poster interface {
	Post(ctx context.Context, fn func()) error
}

// Metrics records delivery outcomes.
type Metrics interface {
	IncDelivered(ctx context.Context, source messaging.SourceType, topic string)
	IncDecision(ctx context.Context, decision ack.Decision, topic string)
	IncWaitTimeout(ctx context.Context, topic string)
	IncHandoffError(ctx context.Context, topic string)
	ObserveDecisionLatency(ctx context.Context, topic string, d time.Duration)
}

// Config controls how deliveries wait for decisions.
type Config struct {
	// AckTimeout bounds how long a delivering goroutine waits. Zero waits
	// until the caller's context ends.
	AckTimeout time.Duration
	// TraceAcks logs every token transition at debug level.
	TraceAcks bool
	// RatePerSecond limits handoffs into the host. Zero disables limiting.
	RatePerSecond float64
	// Burst is the limiter's burst size.
	Burst int
}

// Option configures optional Binder collaborators.
type Option func(*Binder)

// WithJournal records every decision in j.
func WithJournal(j messaging.DecisionJournal) Option {
	return func(b *Binder) { b.journal = j }
}

var _ messaging.Deliverer = (*Binder)(nil)

// Binder implements messaging.Deliverer on top of an event loop.
type Binder struct {
	cfg      Config
	host     Poster
	consumer Consumer
	limiter  *common.RateLimiter
	journal  messaging.DecisionJournal

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics Metrics
}

// New creates a Binder that runs consumer on host.
func New(
	cfg Config,
	host Poster,
	consumer Consumer,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics Metrics,
	opts ...Option,
) *Binder {
	b := &Binder{
		cfg:      cfg,
		host:     host,
		consumer: consumer,
		logger:   log.With("component", "binder"),
		tracer:   tracer,
		metrics:  metrics,
	}
	if cfg.RatePerSecond > 0 {
		b.limiter = common.NewRateLimiter(cfg.RatePerSecond, cfg.Burst)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Deliver hands msg to the consumer and blocks until it decides, the wait
// deadline passes, or ctx ends. Every error comes with ack.Retry so the
// source redelivers the message.
func (b *Binder) Deliver(ctx context.Context, msg messaging.Message) (ack.Decision, error) {
	logr := logger.NewLoggerContext(b.logger.With(
		"msg_id", msg.ID,
		"source", msg.Source,
		"topic", msg.Topic,
	))
	ctx, span := b.tracer.Start(ctx, "binder.deliver",
		trace.WithAttributes(
			attribute.String("message.id", msg.ID),
			attribute.String("message.source", string(msg.Source)),
			attribute.String("message.topic", msg.Topic),
			attribute.Int("message.attempt", msg.Attempt),
		))
	defer span.End()

	b.metrics.IncDelivered(ctx, msg.Source, msg.Topic)

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "rate limit wait aborted")
			return ack.Retry, fmt.Errorf("waiting for delivery rate limit: %w", err)
		}
	}

	var (
		tokOpts    []ack.Option
		handleOpts []ack.HandleOption
	)
	if b.cfg.TraceAcks {
		tokOpts = append(tokOpts, ack.WithTrace(b.logger))
		handleOpts = append(handleOpts, ack.WithHandleTrace(b.logger))
	}
	tok := ack.NewToken(msg.ID, tokOpts...)
	h := ack.NewHandle(handleOpts...)
	h.Bind(tok)

	start := time.Now()
	if err := b.host.Post(ctx, func() { b.consume(ctx, msg, h) }); err != nil {
		b.metrics.IncHandoffError(ctx, msg.Topic)
		span.RecordError(err)
		span.SetStatus(codes.Error, "handoff failed")
		logr.Warn(ctx, "Failed to hand message to decision host", "error", err)
		return ack.Retry, fmt.Errorf("handing message %s to decision host: %w", msg.ID, err)
	}
	span.AddEvent("handed_off")

	waitCtx := ctx
	if b.cfg.AckTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, b.cfg.AckTimeout)
		defer cancel()
	}

	decision, err := tok.AwaitContext(waitCtx)
	wait := time.Since(start)
	timedOut := errors.Is(err, ack.ErrWaitDeadlineExceeded)

	b.metrics.ObserveDecisionLatency(ctx, msg.Topic, wait)
	b.metrics.IncDecision(ctx, decision, msg.Topic)
	span.SetAttributes(
		attribute.String("ack.decision", decision.String()),
		attribute.Int64("ack.wait_ms", wait.Milliseconds()),
	)
	logr.Add("decision", decision.String(), "wait", wait)

	b.record(ctx, logr, messaging.DecisionRecord{
		MessageID: msg.ID,
		Source:    msg.Source,
		Topic:     msg.Topic,
		Decision:  decision,
		Attempt:   msg.Attempt,
		Wait:      wait,
		TimedOut:  timedOut,
		DecidedAt: time.Now(),
	})

	if err != nil {
		if timedOut {
			b.metrics.IncWaitTimeout(ctx, msg.Topic)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "no decision before deadline")
		logr.Warn(ctx, "No decision before deadline, redelivering", "error", err)
		return decision, err
	}

	span.SetStatus(codes.Ok, "decided")
	logr.Debug(ctx, "Decision received")
	return decision, nil
}

// consume runs on the loop goroutine. A panicking consumer retries the
// message before the panic reaches the loop's recovery.
func (b *Binder) consume(ctx context.Context, msg messaging.Message, h *ack.Handle) {
	defer func() {
		if r := recover(); r != nil {
			h.Retry()
			panic(r)
		}
	}()
	b.consumer.Consume(ctx, msg, h)
}

func (b *Binder) record(ctx context.Context, logr *logger.LoggerContext, rec messaging.DecisionRecord) {
	if b.journal == nil {
		return
	}
	// The journal outlives a canceled delivery; shutdown still records the
	// substituted Retry.
	if err := b.journal.Record(context.WithoutCancel(ctx), rec); err != nil {
		logr.Error(ctx, "Failed to record decision", "error", err)
	}
}
