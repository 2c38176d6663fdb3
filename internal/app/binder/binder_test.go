package binder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/ackbridge/internal/app/eventloop"
	"github.com/ahrav/ackbridge/internal/domain/ack"
	"github.com/ahrav/ackbridge/internal/domain/messaging"
	"github.com/ahrav/ackbridge/pkg/common/logger"
)

// recordingMetrics is a manual Metrics implementation that counts calls.
type recordingMetrics struct {
	mu            sync.Mutex
	delivered     int
	decisions     map[ack.Decision]int
	timeouts      int
	handoffErrors int
	latencies     []time.Duration
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{decisions: make(map[ack.Decision]int)}
}

func (m *recordingMetrics) IncDelivered(context.Context, messaging.SourceType, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered++
}

func (m *recordingMetrics) IncDecision(_ context.Context, d ack.Decision, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[d]++
}

func (m *recordingMetrics) IncWaitTimeout(context.Context, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts++
}

func (m *recordingMetrics) IncHandoffError(context.Context, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handoffErrors++
}

func (m *recordingMetrics) ObserveDecisionLatency(_ context.Context, _ string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, d)
}

// mockJournal is a manual mock of messaging.DecisionJournal.
type mockJournal struct {
	mu         sync.Mutex
	records    []messaging.DecisionRecord
	recordFunc func(rec messaging.DecisionRecord) error
}

func (j *mockJournal) Record(_ context.Context, rec messaging.DecisionRecord) error {
	j.mu.Lock()
	j.records = append(j.records, rec)
	j.mu.Unlock()
	if j.recordFunc != nil {
		return j.recordFunc(rec)
	}
	return nil
}

type testEnv struct {
	loop    *eventloop.Loop
	metrics *recordingMetrics
	binder  *Binder
}

func newTestEnv(t *testing.T, cfg Config, consumer Consumer, opts ...Option) *testEnv {
	t.Helper()

	tracer := noop.NewTracerProvider().Tracer("")
	loop := eventloop.New(eventloop.Config{QueueSize: 64}, logger.Noop(), tracer)
	metrics := newRecordingMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &testEnv{
		loop:    loop,
		metrics: metrics,
		binder:  New(cfg, loop, consumer, logger.Noop(), tracer, metrics, opts...),
	}
}

func testMessage(id string) messaging.Message {
	return messaging.Message{ID: id, Source: messaging.SourceMemory, Topic: "orders", Attempt: 1}
}

func TestDeliverImmediateCommit(t *testing.T) {
	env := newTestEnv(t, Config{AckTimeout: time.Second},
		ConsumerFunc(func(_ context.Context, _ messaging.Message, h *ack.Handle) { h.Commit() }),
	)

	d, err := env.binder.Deliver(context.Background(), testMessage("msg-1"))
	require.NoError(t, err)
	assert.Equal(t, ack.Commit, d)

	assert.Equal(t, 1, env.metrics.delivered)
	assert.Equal(t, 1, env.metrics.decisions[ack.Commit])
	assert.Len(t, env.metrics.latencies, 1)
}

// TestDeliverDeferredDecision keeps the handle past the Consume call and
// forwards from a later loop callback, as an asynchronous consumer would.
func TestDeliverDeferredDecision(t *testing.T) {
	var env *testEnv
	env = newTestEnv(t, Config{AckTimeout: time.Second},
		ConsumerFunc(func(_ context.Context, _ messaging.Message, h *ack.Handle) {
			env.loop.AfterFunc(50*time.Millisecond, func() { h.Forward(ack.Retry) })
		}),
	)

	start := time.Now()
	d, err := env.binder.Deliver(context.Background(), testMessage("msg-deferred"))
	require.NoError(t, err)
	assert.Equal(t, ack.Retry, d)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDeliverTimesOutToRetry(t *testing.T) {
	journal := new(mockJournal)
	env := newTestEnv(t, Config{AckTimeout: 30 * time.Millisecond},
		ConsumerFunc(func(context.Context, messaging.Message, *ack.Handle) {}),
		WithJournal(journal),
	)

	d, err := env.binder.Deliver(context.Background(), testMessage("msg-slow"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ack.ErrWaitDeadlineExceeded)
	assert.Equal(t, ack.Retry, d)
	assert.Equal(t, 1, env.metrics.timeouts)

	require.Len(t, journal.records, 1)
	assert.True(t, journal.records[0].TimedOut)
	assert.Equal(t, ack.Retry, journal.records[0].Decision)
	assert.Equal(t, "msg-slow", journal.records[0].MessageID)
}

func TestDeliverCallerCancel(t *testing.T) {
	env := newTestEnv(t, Config{},
		ConsumerFunc(func(context.Context, messaging.Message, *ack.Handle) {}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	d, err := env.binder.Deliver(ctx, testMessage("msg-cancel"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ack.Retry, d)
}

func TestDeliverHandoffFailure(t *testing.T) {
	env := newTestEnv(t, Config{AckTimeout: time.Second},
		ConsumerFunc(func(_ context.Context, _ messaging.Message, h *ack.Handle) { h.Commit() }),
	)
	env.loop.Stop()

	d, err := env.binder.Deliver(context.Background(), testMessage("msg-stopped"))
	assert.ErrorIs(t, err, eventloop.ErrLoopStopped)
	assert.Equal(t, ack.Retry, d)
	assert.Equal(t, 1, env.metrics.handoffErrors)
}

func TestDeliverConsumerPanicRetries(t *testing.T) {
	env := newTestEnv(t, Config{AckTimeout: 5 * time.Second},
		ConsumerFunc(func(context.Context, messaging.Message, *ack.Handle) { panic("bad consumer") }),
	)

	start := time.Now()
	d, err := env.binder.Deliver(context.Background(), testMessage("msg-panic"))
	require.NoError(t, err)
	assert.Equal(t, ack.Retry, d)
	assert.Less(t, time.Since(start), time.Second, "panic must not wait for the ack timeout")
}

func TestDeliverDoubleForwardFirstWins(t *testing.T) {
	env := newTestEnv(t, Config{AckTimeout: time.Second},
		ConsumerFunc(func(_ context.Context, _ messaging.Message, h *ack.Handle) {
			h.Forward(ack.Commit)
			h.Forward(ack.Retry)
		}),
	)

	d, err := env.binder.Deliver(context.Background(), testMessage("msg-double"))
	require.NoError(t, err)
	assert.Equal(t, ack.Commit, d)
	assert.Equal(t, 0, env.metrics.decisions[ack.Retry])
}

func TestDeliverJournalErrorIsNotReturned(t *testing.T) {
	journal := &mockJournal{recordFunc: func(messaging.DecisionRecord) error { return errors.New("db down") }}
	env := newTestEnv(t, Config{AckTimeout: time.Second},
		ConsumerFunc(func(_ context.Context, _ messaging.Message, h *ack.Handle) { h.Commit() }),
		WithJournal(journal),
	)

	d, err := env.binder.Deliver(context.Background(), testMessage("msg-journal"))
	require.NoError(t, err)
	assert.Equal(t, ack.Commit, d)
	assert.Len(t, journal.records, 1)
}

func TestDeliverRateLimitAbort(t *testing.T) {
	env := newTestEnv(t, Config{AckTimeout: time.Second, RatePerSecond: 0.001, Burst: 1},
		ConsumerFunc(func(_ context.Context, _ messaging.Message, h *ack.Handle) { h.Commit() }),
	)

	// The first delivery consumes the only token in the bucket.
	_, err := env.binder.Deliver(context.Background(), testMessage("msg-a"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	d, err := env.binder.Deliver(ctx, testMessage("msg-b"))
	require.Error(t, err)
	assert.Equal(t, ack.Retry, d)
}

// TestDeliverConcurrentWorkers drives many worker goroutines through one
// loop and checks each receives the decision meant for its own message.
func TestDeliverConcurrentWorkers(t *testing.T) {
	env := newTestEnv(t, Config{AckTimeout: 5 * time.Second},
		ConsumerFunc(func(_ context.Context, msg messaging.Message, h *ack.Handle) {
			if msg.Offset%2 == 0 {
				h.Commit()
				return
			}
			h.Retry()
		}),
	)

	const workers = 32
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := testMessage(fmt.Sprintf("msg-%d", i))
			msg.Offset = int64(i)

			d, err := env.binder.Deliver(context.Background(), msg)
			if err != nil {
				errs <- err
				return
			}
			want := ack.Commit
			if i%2 == 1 {
				want = ack.Retry
			}
			if d != want {
				errs <- fmt.Errorf("message %d: got %s, want %s", i, d, want)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, workers/2, env.metrics.decisions[ack.Commit])
	assert.Equal(t, workers/2, env.metrics.decisions[ack.Retry])
}

// syncBuffer is a log sink shared by the delivering and loop goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDeliverTraceAcks(t *testing.T) {
	tests := []struct {
		name      string
		traceAcks bool
	}{
		{name: "enabled", traceAcks: true},
		{name: "disabled", traceAcks: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out syncBuffer
			log := logger.New(&out, logger.LevelDebug, "test", nil)

			tracer := noop.NewTracerProvider().Tracer("")
			loop := eventloop.New(eventloop.Config{QueueSize: 4}, logger.Noop(), tracer)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				defer close(done)
				_ = loop.Run(ctx)
			}()

			b := New(Config{AckTimeout: time.Second, TraceAcks: tt.traceAcks}, loop,
				ConsumerFunc(func(_ context.Context, _ messaging.Message, h *ack.Handle) { h.Commit() }),
				log, tracer, newRecordingMetrics(),
			)

			d, err := b.Deliver(context.Background(), testMessage("msg-1"))
			require.NoError(t, err)
			assert.Equal(t, ack.Commit, d)

			// The handle logs its release after the token has been signaled, so
			// the loop has to drain before the output is complete.
			cancel()
			<-done

			logs := out.String()
			if !tt.traceAcks {
				assert.NotContains(t, logs, `"msg":"ack"`)
				assert.NotContains(t, logs, `"msg":"inner unrefed"`)
				return
			}
			assert.Contains(t, logs, `"msg":"ack"`)
			assert.Contains(t, logs, `"msg":"finish wait"`)
			assert.Contains(t, logs, `"msg":"inner unrefed"`)
			assert.Contains(t, logs, `"msg_id":"msg-1"`)
		})
	}
}
