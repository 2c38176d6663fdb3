package messaging

import (
	"context"
	"time"

	"github.com/ahrav/ackbridge/internal/domain/ack"
)

// DecisionRecord is the audit entry written once per delivery.
type DecisionRecord struct {
	MessageID string
	Source    SourceType
	Topic     string
	Decision  ack.Decision
	Attempt   int
	// Wait is how long the delivering goroutine was blocked.
	Wait time.Duration
	// TimedOut is set when no decision arrived before the wait deadline and
	// Retry was substituted.
	TimedOut  bool
	DecidedAt time.Time
}

// DecisionJournal persists decision records for auditing.
type DecisionJournal interface {
	Record(ctx context.Context, rec DecisionRecord) error
}
