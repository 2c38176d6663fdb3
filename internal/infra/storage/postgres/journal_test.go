package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/ackbridge/internal/domain/ack"
	"github.com/ahrav/ackbridge/internal/domain/messaging"
	"github.com/ahrav/ackbridge/internal/infra/storage"
)

func setupJournalTest(t *testing.T) (context.Context, *DecisionJournal, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("journal tests need a postgres container")
	}

	db, cleanup := storage.SetupTestContainer(t)
	journal := NewDecisionJournal(db, storage.NoOpTracer())
	ctx := context.Background()

	return ctx, journal, cleanup
}

func TestDecisionJournal_RecordAndList(t *testing.T) {
	t.Parallel()

	ctx, journal, cleanup := setupJournalTest(t)
	defer cleanup()

	base := time.Now().UTC().Truncate(time.Millisecond)
	first := messaging.DecisionRecord{
		MessageID: "msg-1",
		Source:    messaging.SourceKafka,
		Topic:     "orders",
		Decision:  ack.Retry,
		Attempt:   1,
		Wait:      30 * time.Second,
		TimedOut:  true,
		DecidedAt: base,
	}
	second := first
	second.Decision = ack.Commit
	second.Attempt = 2
	second.Wait = 120 * time.Millisecond
	second.TimedOut = false
	second.DecidedAt = base.Add(time.Second)

	require.NoError(t, journal.Record(ctx, first))
	require.NoError(t, journal.Record(ctx, second))
	require.NoError(t, journal.Record(ctx, messaging.DecisionRecord{
		MessageID: "msg-other", Source: messaging.SourceAMQP, Topic: "jobs", Decision: ack.Commit,
	}))

	got, err := journal.ListByMessage(ctx, "msg-1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, ack.Retry, got[0].Decision)
	assert.True(t, got[0].TimedOut)
	assert.Equal(t, 30*time.Second, got[0].Wait)
	assert.Equal(t, messaging.SourceKafka, got[0].Source)

	assert.Equal(t, ack.Commit, got[1].Decision)
	assert.Equal(t, 2, got[1].Attempt)
	assert.WithinDuration(t, second.DecidedAt, got[1].DecidedAt, time.Millisecond)
}

func TestDecisionJournal_RecordRejectsInvalidDecision(t *testing.T) {
	t.Parallel()

	ctx, journal, cleanup := setupJournalTest(t)
	defer cleanup()

	err := journal.Record(ctx, messaging.DecisionRecord{MessageID: "msg-bad", Topic: "orders"})
	require.Error(t, err)

	got, err := journal.ListByMessage(ctx, "msg-bad")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecisionJournal_PurgeBefore(t *testing.T) {
	t.Parallel()

	ctx, journal, cleanup := setupJournalTest(t)
	defer cleanup()

	now := time.Now().UTC()
	old := messaging.DecisionRecord{
		MessageID: "msg-old", Source: messaging.SourceMemory, Topic: "t", Decision: ack.Commit,
		DecidedAt: now.Add(-48 * time.Hour),
	}
	fresh := old
	fresh.MessageID = "msg-fresh"
	fresh.DecidedAt = now

	require.NoError(t, journal.Record(ctx, old))
	require.NoError(t, journal.Record(ctx, fresh))

	deleted, err := journal.PurgeBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	got, err := journal.ListByMessage(ctx, "msg-fresh")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
