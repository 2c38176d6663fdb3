// Package eventloop provides the decision host: a scheduler that runs every
// callback on one goroutine, in submission order. Consumer logic executed by
// the loop never needs locks of its own, and may defer a decision to a later
// callback with AfterFunc.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ackbridge/pkg/common/logger"
)

var (
	// ErrLoopStopped is returned when posting to a loop that has been stopped.
	ErrLoopStopped = errors.New("event loop stopped")
	// ErrLoopRunning is returned by Run when the loop is already running.
	ErrLoopRunning = errors.New("event loop already running")
)

const defaultQueueSize = 1024

// Config controls the loop's handoff queue.
type Config struct {
	// QueueSize bounds the number of callbacks waiting to run. Post blocks
	// while the queue is full.
	QueueSize int
}

// Loop executes posted callbacks sequentially on the goroutine that called Run.
type Loop struct {
	tasks   chan func()
	pending atomic.Int64
	running atomic.Bool

	stopOnce sync.Once
	stopped  chan struct{}

	logger *logger.Logger
	tracer trace.Tracer
}

// New creates a loop. It does nothing until Run is called.
func New(cfg Config, log *logger.Logger, tracer trace.Tracer) *Loop {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}

	return &Loop{
		tasks:   make(chan func(), size),
		stopped: make(chan struct{}),
		logger:  log.With("component", "event_loop"),
		tracer:  tracer,
	}
}

// Run executes callbacks until ctx is done or Stop is called. It returns
// ctx.Err() when the context ended the loop and nil after Stop. Callbacks
// still queued when the loop exits are discarded.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.running.Store(false)

	ctx, span := l.tracer.Start(ctx, "event_loop.run",
		trace.WithAttributes(attribute.Int("queue_size", cap(l.tasks))),
	)
	defer span.End()

	l.logger.Info(ctx, "Event loop started")
	for {
		if done, err := l.exit(ctx, span); done {
			return err
		}

		select {
		case <-ctx.Done():
		case <-l.stopped:
		case fn := <-l.tasks:
			// Stop or cancellation may land while the receive is ready;
			// select picks among ready cases at random, so check again.
			if done, err := l.exit(ctx, span); done {
				return err
			}
			l.pending.Add(-1)
			l.execute(ctx, fn)
		}
	}
}

// exit reports whether Run must return, and with which error. A stop or a
// done context always wins over queued work.
func (l *Loop) exit(ctx context.Context, span trace.Span) (bool, error) {
	select {
	case <-l.stopped:
		span.SetStatus(codes.Ok, "stopped")
		l.logger.Info(ctx, "Event loop stopped", "discarded", l.Pending())
		return true, nil
	default:
	}

	select {
	case <-ctx.Done():
		l.Stop()
		span.SetStatus(codes.Ok, "context done")
		l.logger.Info(ctx, "Event loop stopped", "reason", ctx.Err(), "discarded", l.Pending())
		return true, ctx.Err()
	default:
	}
	return false, nil
}

func (l *Loop) execute(ctx context.Context, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error(ctx, "Event loop callback panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}

// Post queues fn to run on the loop goroutine. It is safe to call from any
// goroutine and blocks while the queue is full.
func (l *Loop) Post(ctx context.Context, fn func()) error {
	if fn == nil {
		return errors.New("event loop: nil callback")
	}

	// Checked first so a stopped loop never accepts work, even when the
	// queue has room.
	select {
	case <-l.stopped:
		return ErrLoopStopped
	default:
	}

	l.pending.Add(1)
	select {
	case l.tasks <- fn:
		return nil
	case <-l.stopped:
		l.pending.Add(-1)
		return ErrLoopStopped
	case <-ctx.Done():
		l.pending.Add(-1)
		return ctx.Err()
	}
}

// AfterFunc posts fn to the loop once d has elapsed. The returned function
// cancels the timer and reports whether it did so before it fired.
func (l *Loop) AfterFunc(d time.Duration, fn func()) (stop func() bool) {
	t := time.AfterFunc(d, func() {
		if err := l.Post(context.Background(), fn); err != nil {
			l.logger.Debug(context.Background(), "Dropped timer callback", "error", err)
		}
	})
	return t.Stop
}

// Stop ends Run. It is idempotent and safe to call from any goroutine,
// including from a loop callback.
func (l *Loop) Stop() { l.stopOnce.Do(func() { close(l.stopped) }) }

// Done is closed once the loop has been stopped.
func (l *Loop) Done() <-chan struct{} { return l.stopped }

// Pending returns the number of callbacks waiting to run.
func (l *Loop) Pending() int { return int(l.pending.Load()) }
