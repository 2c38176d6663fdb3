package main

import (
	"context"
	"time"

	"github.com/ahrav/ackbridge/internal/app/binder"
	"github.com/ahrav/ackbridge/internal/domain/ack"
	"github.com/ahrav/ackbridge/internal/domain/messaging"
	"github.com/ahrav/ackbridge/pkg/common/logger"
)

// scheduler defers work onto the decision host.
type scheduler interface {
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}

// newDemoConsumer returns the built-in consumer. Empty bodies are retried at
// once. Everything else is committed, after delay when delay > 0, from a
// later loop callback so the delivering goroutine is already waiting.
func newDemoConsumer(host scheduler, delay time.Duration, log *logger.Logger) binder.Consumer {
	log = log.With("component", "demo_consumer")

	return binder.ConsumerFunc(func(ctx context.Context, msg messaging.Message, h *ack.Handle) {
		if len(msg.Body) == 0 {
			log.Debug(ctx, "retrying empty message", "message_id", msg.ID, "attempt", msg.Attempt)
			h.Forward(ack.Retry)
			return
		}

		if delay <= 0 {
			h.Forward(ack.Commit)
			return
		}

		host.AfterFunc(delay, func() { h.Forward(ack.Commit) })
	})
}
