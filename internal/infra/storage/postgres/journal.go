// Package postgres persists decision journal entries in PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ackbridge/internal/domain/ack"
	"github.com/ahrav/ackbridge/internal/domain/messaging"
	"github.com/ahrav/ackbridge/internal/infra/storage"
)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
	attribute.String("db.table", "ack_decisions"),
}

func dbAttrs(extra ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(defaultDBAttributes)+len(extra))
	out = append(out, defaultDBAttributes...)
	return append(out, extra...)
}

var _ messaging.DecisionJournal = (*DecisionJournal)(nil)

// DecisionJournal implements messaging.DecisionJournal on the ack_decisions
// table.
type DecisionJournal struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewDecisionJournal creates a PostgreSQL-backed decision journal with tracing.
func NewDecisionJournal(pool *pgxpool.Pool, tracer trace.Tracer) *DecisionJournal {
	return &DecisionJournal{pool: pool, tracer: tracer}
}

const insertDecision = `
INSERT INTO ack_decisions (message_id, source, topic, decision, attempt, wait_ms, timed_out, decided_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// Record appends a decision.
func (j *DecisionJournal) Record(ctx context.Context, rec messaging.DecisionRecord) error {
	attrs := dbAttrs(
		attribute.String("message_id", rec.MessageID),
		attribute.String("decision", rec.Decision.String()),
	)

	return storage.ExecuteAndTrace(ctx, j.tracer, "postgres.record_decision", attrs, func(ctx context.Context) error {
		if !rec.Decision.Valid() {
			return fmt.Errorf("invalid decision %s for message %s", rec.Decision, rec.MessageID)
		}

		attempt := rec.Attempt
		if attempt < 1 {
			attempt = 1
		}
		decidedAt := rec.DecidedAt
		if decidedAt.IsZero() {
			decidedAt = time.Now()
		}

		_, err := j.pool.Exec(ctx, insertDecision,
			rec.MessageID,
			string(rec.Source),
			rec.Topic,
			rec.Decision.String(),
			attempt,
			rec.Wait.Milliseconds(),
			rec.TimedOut,
			decidedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to record decision for message %s: %w", rec.MessageID, err)
		}
		return nil
	})
}

const selectByMessage = `
SELECT message_id, source, topic, decision::text, attempt, wait_ms, timed_out, decided_at
FROM ack_decisions
WHERE message_id = $1
ORDER BY decided_at, id`

// ListByMessage returns every decision recorded for messageID, oldest first.
func (j *DecisionJournal) ListByMessage(ctx context.Context, messageID string) ([]messaging.DecisionRecord, error) {
	var records []messaging.DecisionRecord

	attrs := dbAttrs(attribute.String("message_id", messageID))
	err := storage.ExecuteAndTrace(ctx, j.tracer, "postgres.list_decisions_by_message", attrs, func(ctx context.Context) error {
		rows, err := j.pool.Query(ctx, selectByMessage, messageID)
		if err != nil {
			return fmt.Errorf("failed to query decisions: %w", err)
		}

		records, err = pgx.CollectRows(rows, scanDecision)
		if err != nil {
			return fmt.Errorf("failed to scan decisions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func scanDecision(row pgx.CollectableRow) (messaging.DecisionRecord, error) {
	var (
		rec      messaging.DecisionRecord
		source   string
		decision string
		waitMS   int64
	)
	if err := row.Scan(
		&rec.MessageID,
		&source,
		&rec.Topic,
		&decision,
		&rec.Attempt,
		&waitMS,
		&rec.TimedOut,
		&rec.DecidedAt,
	); err != nil {
		return rec, err
	}

	d, err := ack.ParseDecision(decision)
	if err != nil {
		return rec, err
	}
	rec.Source = messaging.SourceType(source)
	rec.Decision = d
	rec.Wait = time.Duration(waitMS) * time.Millisecond
	return rec, nil
}

// PurgeBefore deletes decisions older than cutoff and reports how many were
// removed.
func (j *DecisionJournal) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64

	attrs := dbAttrs(attribute.String("cutoff", cutoff.UTC().Format(time.RFC3339)))
	err := storage.ExecuteAndTrace(ctx, j.tracer, "postgres.purge_decisions", attrs, func(ctx context.Context) error {
		tag, err := j.pool.Exec(ctx, `DELETE FROM ack_decisions WHERE decided_at < $1`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to purge decisions: %w", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}
