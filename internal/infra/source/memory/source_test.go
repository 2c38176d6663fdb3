package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/ackbridge/internal/app/binder"
	"github.com/ahrav/ackbridge/internal/app/eventloop"
	"github.com/ahrav/ackbridge/internal/app/metrics"
	"github.com/ahrav/ackbridge/internal/domain/ack"
	"github.com/ahrav/ackbridge/internal/domain/messaging"
	"github.com/ahrav/ackbridge/pkg/common/logger"
)

type countingMetrics struct {
	received    atomic.Int64
	committed   atomic.Int64
	redelivered atomic.Int64
	errors      atomic.Int64
}

func (m *countingMetrics) IncMessageReceived(context.Context, messaging.SourceType, string) {
	m.received.Add(1)
}

func (m *countingMetrics) IncMessageCommitted(context.Context, messaging.SourceType, string) {
	m.committed.Add(1)
}

func (m *countingMetrics) IncMessageRedelivered(context.Context, messaging.SourceType, string) {
	m.redelivered.Add(1)
}

func (m *countingMetrics) IncSourceError(context.Context, messaging.SourceType, string) {
	m.errors.Add(1)
}

func runSource(t *testing.T, s *Source) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

func TestSourceCommitRemovesMessage(t *testing.T) {
	m := new(countingMetrics)
	var calls atomic.Int64
	d := messaging.DelivererFunc(func(context.Context, messaging.Message) (ack.Decision, error) {
		calls.Add(1)
		return ack.Commit, nil
	})

	s := New(Config{Workers: 2}, d, logger.Noop(), noop.NewTracerProvider().Tracer(""), m)
	runSource(t, s)

	for range 5 {
		_, err := s.Publish(context.Background(), "k", []byte("body"), nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return m.committed.Load() == 5 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 5, calls.Load())
	assert.Zero(t, m.redelivered.Load())
}

func TestSourceRetryRedeliversWithNextAttempt(t *testing.T) {
	m := new(countingMetrics)

	var mu sync.Mutex
	attempts := make(map[string][]int)
	d := messaging.DelivererFunc(func(_ context.Context, msg messaging.Message) (ack.Decision, error) {
		mu.Lock()
		attempts[msg.ID] = append(attempts[msg.ID], msg.Attempt)
		mu.Unlock()
		if msg.Attempt < 3 {
			return ack.Retry, nil
		}
		return ack.Commit, nil
	})

	s := New(Config{Workers: 1}, d, logger.Noop(), noop.NewTracerProvider().Tracer(""), m)
	runSource(t, s)

	id, err := s.Publish(context.Background(), "", []byte("x"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m.committed.Load() == 1 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, attempts[id])
	assert.EqualValues(t, 2, m.redelivered.Load())
}

func TestSourceDropsAfterMaxAttempts(t *testing.T) {
	m := new(countingMetrics)
	d := messaging.DelivererFunc(func(context.Context, messaging.Message) (ack.Decision, error) {
		return ack.Retry, nil
	})

	s := New(Config{Workers: 1, MaxAttempts: 2}, d, logger.Noop(), noop.NewTracerProvider().Tracer(""), m)
	runSource(t, s)

	_, err := s.Publish(context.Background(), "", []byte("x"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.Dropped() == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, m.received.Load())
	assert.EqualValues(t, 1, m.redelivered.Load())
	assert.EqualValues(t, 1, m.errors.Load())
}

func TestSourcePublishHonorsAttemptHeader(t *testing.T) {
	got := make(chan int, 1)
	d := messaging.DelivererFunc(func(_ context.Context, msg messaging.Message) (ack.Decision, error) {
		got <- msg.Attempt
		return ack.Commit, nil
	})

	s := New(Config{Workers: 1}, d, logger.Noop(), noop.NewTracerProvider().Tracer(""), new(countingMetrics))
	runSource(t, s)

	_, err := s.Publish(context.Background(), "", nil, map[string]string{messaging.AttemptHeader: "4"})
	require.NoError(t, err)

	select {
	case a := <-got:
		assert.Equal(t, 4, a)
	case <-time.After(time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestSourcePublishAfterClose(t *testing.T) {
	s := New(Config{}, messaging.DelivererFunc(func(context.Context, messaging.Message) (ack.Decision, error) {
		return ack.Commit, nil
	}), logger.Noop(), noop.NewTracerProvider().Tracer(""), new(countingMetrics))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Publish(context.Background(), "", nil, nil)
	assert.ErrorIs(t, err, ErrSourceClosed)
}

func TestSourcePublishBlocksWhenFull(t *testing.T) {
	s := New(Config{QueueSize: 1}, messaging.DelivererFunc(func(context.Context, messaging.Message) (ack.Decision, error) {
		return ack.Commit, nil
	}), logger.Noop(), noop.NewTracerProvider().Tracer(""), new(countingMetrics))

	// No workers are running, so the second publish cannot make progress.
	_, err := s.Publish(context.Background(), "", nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Publish(ctx, "", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, s.Len())
}

// TestSourceThroughDecisionHost runs workers, the binder and the event loop
// together. The consumer defers the first attempt of every message and
// commits the second.
func TestSourceThroughDecisionHost(t *testing.T) {
	tracer := noop.NewTracerProvider().Tracer("")
	loop := eventloop.New(eventloop.Config{}, logger.Noop(), tracer)

	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = loop.Run(loopCtx)
	}()
	t.Cleanup(func() {
		stopLoop()
		<-loopDone
	})

	collector, err := metrics.New(metricnoop.NewMeterProvider(), loop.Pending)
	require.NoError(t, err)

	consumer := binder.ConsumerFunc(func(_ context.Context, msg messaging.Message, h *ack.Handle) {
		if msg.Attempt == 1 {
			loop.AfterFunc(5*time.Millisecond, h.Retry)
			return
		}
		h.Commit()
	})
	b := binder.New(binder.Config{AckTimeout: time.Second}, loop, consumer, logger.Noop(), tracer, collector)

	m := new(countingMetrics)
	s := New(Config{Workers: 4}, b, logger.Noop(), tracer, m)
	runSource(t, s)

	const n = 20
	for range n {
		_, err := s.Publish(context.Background(), "", []byte("payload"), nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return m.committed.Load() == n }, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, n, m.redelivered.Load())
	assert.EqualValues(t, 2*n, m.received.Load())
}
