package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/ackbridge/internal/domain/ack"
	"github.com/ahrav/ackbridge/internal/domain/messaging"
	"github.com/ahrav/ackbridge/pkg/common/logger"
)

type mockSession struct {
	mock.Mock
	ctx context.Context
}

func (m *mockSession) Claims() map[string][]int32 { return nil }
func (m *mockSession) MemberID() string { return "member-1" }
func (m *mockSession) GenerationID() int32 { return 1 }
func (m *mockSession) Context() context.Context { return m.ctx }

func (m *mockSession) MarkOffset(topic string, partition int32, offset int64, metadata string) {
	m.Called(topic, partition, offset, metadata)
}

func (m *mockSession) ResetOffset(topic string, partition int32, offset int64, metadata string) {
	m.Called(topic, partition, offset, metadata)
}

func (m *mockSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	m.Called(msg, metadata)
}

func (m *mockSession) Commit() { m.Called() }

type fakeClaim struct {
	topic    string
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string { return c.topic }
func (c *fakeClaim) Partition() int32 { return 0 }
func (c *fakeClaim) InitialOffset() int64 { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64 { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

// fakeProducer overrides SendMessage; other SyncProducer methods are unused.
type fakeProducer struct {
	sarama.SyncProducer

	mu   sync.Mutex
	sent []*sarama.ProducerMessage
	err  error
}

func (p *fakeProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, 0, p.err
	}
	p.sent = append(p.sent, msg)
	return 0, int64(len(p.sent)), nil
}

type nopSourceMetrics struct{}

func (nopSourceMetrics) IncMessageReceived(context.Context, messaging.SourceType, string) {}
func (nopSourceMetrics) IncMessageCommitted(context.Context, messaging.SourceType, string) {}
func (nopSourceMetrics) IncMessageRedelivered(context.Context, messaging.SourceType, string) {}
func (nopSourceMetrics) IncSourceError(context.Context, messaging.SourceType, string) {}

func newTestHandler(cfg *Config, producer *fakeProducer, d messaging.Deliverer) *claimHandler {
	src := NewSource(producer, nil, cfg, d, logger.Noop(), nopSourceMetrics{}, noop.NewTracerProvider().Tracer(""))
	return &claimHandler{source: src, logger: src.logger, tracer: src.tracer, metrics: src.metrics}
}

func consumerMessage(offset int64, headers ...*sarama.RecordHeader) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:     "orders",
		Partition: 0,
		Offset:    offset,
		Key:       []byte("key"),
		Value:     []byte("value"),
		Headers:   headers,
	}
}

func headerValue(hdrs []sarama.RecordHeader, key string) string {
	for _, h := range hdrs {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func runClaim(t *testing.T, h *claimHandler, sess *mockSession, msgs ...*sarama.ConsumerMessage) error {
	t.Helper()

	claim := &fakeClaim{topic: "orders", messages: make(chan *sarama.ConsumerMessage, len(msgs))}
	for _, m := range msgs {
		claim.messages <- m
	}
	close(claim.messages)

	return h.ConsumeClaim(sess, claim)
}

func TestConsumeClaimCommitMarksMessage(t *testing.T) {
	producer := new(fakeProducer)
	h := newTestHandler(&Config{Topics: []string{"orders"}}, producer,
		messaging.DelivererFunc(func(context.Context, messaging.Message) (ack.Decision, error) {
			return ack.Commit, nil
		}))

	rec := consumerMessage(7)
	sess := &mockSession{ctx: context.Background()}
	sess.On("MarkMessage", rec, "").Once()
	sess.On("Commit").Maybe()

	require.NoError(t, runClaim(t, h, sess, rec))

	sess.AssertExpectations(t)
	assert.Empty(t, producer.sent)
}

func TestConsumeClaimRetryRepublishesThenMarks(t *testing.T) {
	producer := new(fakeProducer)

	var delivered messaging.Message
	h := newTestHandler(&Config{Topics: []string{"orders"}, RetryTopic: "orders-retry"}, producer,
		messaging.DelivererFunc(func(_ context.Context, msg messaging.Message) (ack.Decision, error) {
			delivered = msg
			return ack.Retry, nil
		}))

	rec := consumerMessage(3,
		&sarama.RecordHeader{Key: []byte(messaging.AttemptHeader), Value: []byte("2")},
		&sarama.RecordHeader{Key: []byte("tenant"), Value: []byte("acme")},
	)
	sess := &mockSession{ctx: context.Background()}
	sess.On("MarkMessage", rec, "").Once()
	sess.On("Commit").Maybe()

	require.NoError(t, runClaim(t, h, sess, rec))
	sess.AssertExpectations(t)

	assert.Equal(t, 2, delivered.Attempt)
	assert.Equal(t, "orders-0-3", delivered.ID)

	require.Len(t, producer.sent, 1)
	sent := producer.sent[0]
	assert.Equal(t, "orders-retry", sent.Topic)
	assert.Equal(t, "3", headerValue(sent.Headers, messaging.AttemptHeader))
	assert.Equal(t, "orders-0-3", headerValue(sent.Headers, MessageIDHeader))
	assert.Equal(t, "acme", headerValue(sent.Headers, "tenant"))
}

func TestConsumeClaimRetryDefaultsToSourceTopic(t *testing.T) {
	producer := new(fakeProducer)
	h := newTestHandler(&Config{Topics: []string{"orders"}}, producer,
		messaging.DelivererFunc(func(context.Context, messaging.Message) (ack.Decision, error) {
			return ack.Retry, errors.New("no decision before deadline")
		}))

	rec := consumerMessage(1)
	sess := &mockSession{ctx: context.Background()}
	sess.On("MarkMessage", rec, "").Once()
	sess.On("Commit").Maybe()

	require.NoError(t, runClaim(t, h, sess, rec))

	require.Len(t, producer.sent, 1)
	assert.Equal(t, "orders", producer.sent[0].Topic)
	assert.Equal(t, "2", headerValue(producer.sent[0].Headers, messaging.AttemptHeader))
}

func TestConsumeClaimRepublishFailureLeavesRecordUnmarked(t *testing.T) {
	producer := &fakeProducer{err: errors.New("leader not available")}
	h := newTestHandler(&Config{Topics: []string{"orders"}}, producer,
		messaging.DelivererFunc(func(context.Context, messaging.Message) (ack.Decision, error) {
			return ack.Retry, nil
		}))

	first, second := consumerMessage(1), consumerMessage(2)
	sess := &mockSession{ctx: context.Background()}
	sess.On("Commit").Maybe()

	err := runClaim(t, h, sess, first, second)
	require.Error(t, err)
	sess.AssertNotCalled(t, "MarkMessage", mock.Anything, mock.Anything)
}

func TestConsumeClaimDropsAfterMaxAttempts(t *testing.T) {
	producer := new(fakeProducer)
	h := newTestHandler(&Config{Topics: []string{"orders"}, MaxAttempts: 3}, producer,
		messaging.DelivererFunc(func(context.Context, messaging.Message) (ack.Decision, error) {
			return ack.Retry, nil
		}))

	rec := consumerMessage(9, &sarama.RecordHeader{Key: []byte(messaging.AttemptHeader), Value: []byte("3")})
	sess := &mockSession{ctx: context.Background()}
	sess.On("MarkMessage", rec, "").Once()
	sess.On("Commit").Maybe()

	require.NoError(t, runClaim(t, h, sess, rec))
	sess.AssertExpectations(t)
	assert.Empty(t, producer.sent)
}

func TestConsumeClaimStopsOnSessionEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newTestHandler(&Config{Topics: []string{"orders"}}, new(fakeProducer),
		messaging.DelivererFunc(func(ctx context.Context, _ messaging.Message) (ack.Decision, error) {
			cancel()
			<-ctx.Done()
			return ack.Retry, ctx.Err()
		}))

	rec := consumerMessage(4)
	sess := &mockSession{ctx: ctx}
	sess.On("Commit").Maybe()

	claim := &fakeClaim{topic: "orders", messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- rec

	done := make(chan error, 1)
	go func() { done <- h.ConsumeClaim(sess, claim) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("claim did not stop after the session ended")
	}
	sess.AssertNotCalled(t, "MarkMessage", mock.Anything, mock.Anything)
}

func TestToMessagePrefersIDHeader(t *testing.T) {
	rec := consumerMessage(5, &sarama.RecordHeader{Key: []byte(MessageIDHeader), Value: []byte("abc")})
	msg := toMessage(rec)

	assert.Equal(t, "abc", msg.ID)
	assert.Equal(t, messaging.SourceKafka, msg.Source)
	assert.Equal(t, 1, msg.Attempt)
	assert.Equal(t, "key", msg.Key)
	assert.EqualValues(t, 5, msg.Offset)
}
