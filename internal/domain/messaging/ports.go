package messaging

import (
	"context"

	"github.com/ahrav/ackbridge/internal/domain/ack"
)

// Deliverer hands a message to the decision host and blocks until a decision
// is available. Message sources call it from their worker goroutines and map
// ack.Commit to "remove" and ack.Retry to "redeliver".
//
// A non-nil error is always accompanied by ack.Retry.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) (ack.Decision, error)
}

// DelivererFunc adapts an ordinary function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, msg Message) (ack.Decision, error)

// Deliver calls f(ctx, msg).
func (f DelivererFunc) Deliver(ctx context.Context, msg Message) (ack.Decision, error) {
	return f(ctx, msg)
}

// Source pulls messages from a broker and feeds them to a Deliverer.
type Source interface {
	// Run consumes until ctx is canceled or an unrecoverable error occurs.
	Run(ctx context.Context) error

	// Close releases broker connections. It is safe to call after Run returns.
	Close() error
}

// SourceMetrics is implemented by the application's metric collector and
// records what sources did with each decision.
type SourceMetrics interface {
	IncMessageReceived(ctx context.Context, source SourceType, topic string)
	IncMessageCommitted(ctx context.Context, source SourceType, topic string)
	IncMessageRedelivered(ctx context.Context, source SourceType, topic string)
	IncSourceError(ctx context.Context, source SourceType, topic string)
}
