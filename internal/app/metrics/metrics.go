// Package metrics implements the OpenTelemetry instruments recorded by the
// binder, the event loop and the message sources.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/ackbridge/internal/app/binder"
	"github.com/ahrav/ackbridge/internal/domain/ack"
	"github.com/ahrav/ackbridge/internal/domain/messaging"
)

// AckMetrics is everything the ack daemon records.
type AckMetrics interface {
	binder.Metrics
	messaging.SourceMetrics
}

// QueueDepthFn reports the number of callbacks waiting on the decision host.
type QueueDepthFn func() int

var _ AckMetrics = (*Collector)(nil)

// Collector implements AckMetrics.
type Collector struct {
	// Binder metrics.
	delivered       metric.Int64Counter
	decisions       metric.Int64Counter
	waitTimeouts    metric.Int64Counter
	handoffErrors   metric.Int64Counter
	decisionLatency metric.Float64Histogram

	// Source metrics.
	received    metric.Int64Counter
	committed   metric.Int64Counter
	redelivered metric.Int64Counter
	sourceErrs  metric.Int64Counter
}

const namespace = "ackbridge"

// New creates a Collector. When depth is non-nil the event loop's queue
// depth is exported as an observable gauge.
func New(mp metric.MeterProvider, depth QueueDepthFn) (*Collector, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	c := new(Collector)
	var err error

	if c.delivered, err = meter.Int64Counter(
		"deliveries_total",
		metric.WithDescription("Total number of messages handed to the decision host"),
	); err != nil {
		return nil, err
	}

	if c.decisions, err = meter.Int64Counter(
		"decisions_total",
		metric.WithDescription("Total number of decisions returned to delivering workers"),
	); err != nil {
		return nil, err
	}

	if c.waitTimeouts, err = meter.Int64Counter(
		"ack_wait_timeouts_total",
		metric.WithDescription("Total number of deliveries that hit the ack deadline"),
	); err != nil {
		return nil, err
	}

	if c.handoffErrors, err = meter.Int64Counter(
		"handoff_errors_total",
		metric.WithDescription("Total number of messages that could not be handed to the decision host"),
	); err != nil {
		return nil, err
	}

	if c.decisionLatency, err = meter.Float64Histogram(
		"decision_latency_seconds",
		metric.WithDescription("Time a worker spent blocked waiting for a decision"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if c.received, err = meter.Int64Counter(
		"messages_received_total",
		metric.WithDescription("Total number of messages received from brokers"),
	); err != nil {
		return nil, err
	}

	if c.committed, err = meter.Int64Counter(
		"messages_committed_total",
		metric.WithDescription("Total number of messages removed from brokers"),
	); err != nil {
		return nil, err
	}

	if c.redelivered, err = meter.Int64Counter(
		"messages_redelivered_total",
		metric.WithDescription("Total number of messages handed back for redelivery"),
	); err != nil {
		return nil, err
	}

	if c.sourceErrs, err = meter.Int64Counter(
		"source_errors_total",
		metric.WithDescription("Total number of broker-side errors while settling messages"),
	); err != nil {
		return nil, err
	}

	if depth != nil {
		if _, err = meter.Int64ObservableGauge(
			"host_queue_depth",
			metric.WithDescription("Callbacks waiting to run on the decision host"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(depth()))
				return nil
			}),
		); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func topicAttrs(topic string, extra ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(append([]attribute.KeyValue{attribute.String("topic", topic)}, extra...)...)
}

func (c *Collector) IncDelivered(ctx context.Context, source messaging.SourceType, topic string) {
	c.delivered.Add(ctx, 1, topicAttrs(topic, attribute.String("source", string(source))))
}

func (c *Collector) IncDecision(ctx context.Context, decision ack.Decision, topic string) {
	c.decisions.Add(ctx, 1, topicAttrs(topic, attribute.String("decision", decision.String())))
}

func (c *Collector) IncWaitTimeout(ctx context.Context, topic string) {
	c.waitTimeouts.Add(ctx, 1, topicAttrs(topic))
}

func (c *Collector) IncHandoffError(ctx context.Context, topic string) {
	c.handoffErrors.Add(ctx, 1, topicAttrs(topic))
}

func (c *Collector) ObserveDecisionLatency(ctx context.Context, topic string, d time.Duration) {
	c.decisionLatency.Record(ctx, d.Seconds(), topicAttrs(topic))
}

func (c *Collector) IncMessageReceived(ctx context.Context, source messaging.SourceType, topic string) {
	c.received.Add(ctx, 1, topicAttrs(topic, attribute.String("source", string(source))))
}

func (c *Collector) IncMessageCommitted(ctx context.Context, source messaging.SourceType, topic string) {
	c.committed.Add(ctx, 1, topicAttrs(topic, attribute.String("source", string(source))))
}

func (c *Collector) IncMessageRedelivered(ctx context.Context, source messaging.SourceType, topic string) {
	c.redelivered.Add(ctx, 1, topicAttrs(topic, attribute.String("source", string(source))))
}

func (c *Collector) IncSourceError(ctx context.Context, source messaging.SourceType, topic string) {
	c.sourceErrs.Add(ctx, 1, topicAttrs(topic, attribute.String("source", string(source))))
}
