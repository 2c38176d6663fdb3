package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ackbridge/internal/domain/ack"
	"github.com/ahrav/ackbridge/internal/domain/messaging"
	"github.com/ahrav/ackbridge/internal/infra/source/kafka/tracing"
	"github.com/ahrav/ackbridge/pkg/common/logger"
)

// MessageIDHeader keeps a message's identity stable across redeliveries.
const MessageIDHeader = "x-message-id"

// claimHandler implements sarama.ConsumerGroupHandler and turns each record
// into a blocking Deliver call.
type claimHandler struct {
	source *Source

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics messaging.SourceMetrics
}

func (h *claimHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(),
		"Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *claimHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(),
		"Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim serves one partition. Records are delivered one at a time so
// a partition's offsets are only ever marked in order.
func (h *claimHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	ctx := sess.Context()
	claimLogger := h.logger.With("operation", "consume_claim", "topic", claim.Topic(), "partition", claim.Partition())
	claimLogger.Info(ctx, "Starting to consume from partition", "member_id", sess.MemberID())

	lastCommit := time.Now()
	defer sess.Commit()

	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handle(ctx, sess, rec, claimLogger); err != nil {
				// Ending the claim leaves the record unmarked; it is read
				// again after the rebalance.
				return err
			}
			if time.Since(lastCommit) > h.source.cfg.CommitInterval {
				sess.Commit()
				lastCommit = time.Now()
				claimLogger.Debug(ctx, "Committed offsets", "offset", rec.Offset)
			}
		}
	}
}

func (h *claimHandler) handle(
	ctx context.Context,
	sess sarama.ConsumerGroupSession,
	rec *sarama.ConsumerMessage,
	claimLogger *logger.Logger,
) error {
	msgCtx := tracing.ExtractTraceContext(ctx, rec)
	msgCtx, span := tracing.StartConsumerSpan(msgCtx, rec, h.tracer)
	defer span.End()

	msg := toMessage(rec)
	span.SetAttributes(
		attribute.String("message.id", msg.ID),
		attribute.Int("message.attempt", msg.Attempt),
	)
	h.metrics.IncMessageReceived(msgCtx, messaging.SourceKafka, rec.Topic)

	claimLogger.Debug(msgCtx, "Received Kafka message",
		"msg_id", msg.ID,
		"offset", rec.Offset,
		"attempt", msg.Attempt,
	)

	decision, err := h.source.deliverer.Deliver(msgCtx, msg)
	if ctx.Err() != nil {
		// Session is ending; leave the record unmarked for the next owner.
		return nil
	}
	if err != nil {
		span.RecordError(err)
		claimLogger.Warn(msgCtx, "Delivery ended without a decision", "msg_id", msg.ID, "error", err)
	}
	span.SetAttributes(attribute.String("ack.decision", decision.String()))

	if decision == ack.Commit {
		sess.MarkMessage(rec, "")
		h.metrics.IncMessageCommitted(msgCtx, messaging.SourceKafka, rec.Topic)
		return nil
	}

	if limit := h.source.cfg.MaxAttempts; limit > 0 && msg.Attempt >= limit {
		sess.MarkMessage(rec, "")
		h.metrics.IncSourceError(msgCtx, messaging.SourceKafka, rec.Topic)
		claimLogger.Warn(msgCtx, "Dropping message after max attempts", "msg_id", msg.ID, "attempt", msg.Attempt)
		return nil
	}

	redeliverCtx, redeliverSpan := tracing.StartRedeliverSpan(msgCtx, h.source.retryTopic(rec), h.tracer)
	defer redeliverSpan.End()

	if err := h.source.redeliver(redeliverCtx, rec, msg); err != nil {
		redeliverSpan.RecordError(err)
		redeliverSpan.SetStatus(codes.Error, "failed to republish")
		h.metrics.IncSourceError(msgCtx, messaging.SourceKafka, rec.Topic)
		claimLogger.Error(msgCtx, "Failed to republish retried message", "msg_id", msg.ID, "error", err)
		return fmt.Errorf("redelivering offset %d: %w", rec.Offset, err)
	}

	sess.MarkMessage(rec, "")
	h.metrics.IncMessageRedelivered(msgCtx, messaging.SourceKafka, rec.Topic)
	return nil
}

func toMessage(rec *sarama.ConsumerMessage) messaging.Message {
	headers := make(map[string]string, len(rec.Headers))
	for _, hdr := range rec.Headers {
		if hdr != nil {
			headers[string(hdr.Key)] = string(hdr.Value)
		}
	}

	id := headers[MessageIDHeader]
	if id == "" {
		id = fmt.Sprintf("%s-%d-%d", rec.Topic, rec.Partition, rec.Offset)
	}

	return messaging.Message{
		ID:         id,
		Source:     messaging.SourceKafka,
		Topic:      rec.Topic,
		Key:        string(rec.Key),
		Body:       rec.Value,
		Headers:    headers,
		Partition:  rec.Partition,
		Offset:     rec.Offset,
		Attempt:    messaging.AttemptFromHeaders(headers),
		ReceivedAt: time.Now(),
	}
}

// redeliveryHeaders copies the original headers, replacing the identity and
// attempt headers.
func redeliveryHeaders(in []*sarama.RecordHeader, id string, attempt int) []sarama.RecordHeader {
	out := make([]sarama.RecordHeader, 0, len(in)+2)
	for _, hdr := range in {
		if hdr == nil {
			continue
		}
		switch string(hdr.Key) {
		case MessageIDHeader, messaging.AttemptHeader:
			continue
		}
		out = append(out, *hdr)
	}
	return append(out,
		sarama.RecordHeader{Key: []byte(MessageIDHeader), Value: []byte(id)},
		sarama.RecordHeader{Key: []byte(messaging.AttemptHeader), Value: []byte(strconv.Itoa(attempt))},
	)
}
