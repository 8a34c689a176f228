package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
)

func TestOutboxRepository_PendingInEnqueueOrder(t *testing.T) {
	repo := NewOutboxRepository()
	for _, eventType := range []string{domain.EventActionQueued, domain.EventSynced, domain.EventPushApplied} {
		_, err := repo.Enqueue(domain.OutboxMessage{AggregateType: "fuel_order", AggregateID: "fo-1", EventType: eventType})
		require.NoError(t, err)
	}
	fixed, err := repo.Enqueue(domain.OutboxMessage{ID: "m-fixed", AggregateID: "fo-2", EventType: domain.EventSynced})
	require.NoError(t, err)
	require.Equal(t, "m-fixed", fixed.ID)

	batch, err := repo.PullPending(2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.NotEmpty(t, batch[0].ID)
	require.Equal(t, domain.EventActionQueued, batch[0].EventType)
	require.Equal(t, domain.EventSynced, batch[1].EventType)

	batch, err = repo.PullPending(0)
	require.NoError(t, err)
	require.Len(t, batch, 4)

	require.Equal(t, []string{domain.EventActionQueued, domain.EventSynced, domain.EventPushApplied}, repo.EventTypes("fo-1"))
	require.Nil(t, repo.EventTypes("fo-unknown"))
}

func TestOutboxRepository_PayloadIsCopied(t *testing.T) {
	repo := NewOutboxRepository()
	payload := []byte(`{"order_id":"fo-1"}`)
	_, err := repo.Enqueue(domain.OutboxMessage{AggregateID: "fo-1", Payload: payload})
	require.NoError(t, err)
	payload[2] = 'X'

	batch, err := repo.PullPending(1)
	require.NoError(t, err)
	require.JSONEq(t, `{"order_id":"fo-1"}`, string(batch[0].Payload))
}

func TestOutboxRepository_SettleAndStats(t *testing.T) {
	repo := NewOutboxRepository()
	start := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	now := start
	repo.now = func() time.Time { return now }

	first, err := repo.Enqueue(domain.OutboxMessage{AggregateID: "fo-1"})
	require.NoError(t, err)
	now = now.Add(time.Minute)
	second, err := repo.Enqueue(domain.OutboxMessage{AggregateID: "fo-2"})
	require.NoError(t, err)

	stats, err := repo.Stats()
	require.NoError(t, err)
	require.Equal(t, domain.OutboxStats{PendingCount: 2, OldestPendingAt: start}, stats)

	require.NoError(t, repo.MarkSent(first.ID))
	stats, err = repo.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.PendingCount)
	require.Equal(t, start.Add(time.Minute), stats.OldestPendingAt)

	require.NoError(t, repo.MarkFailed(second.ID))
	stats, err = repo.Stats()
	require.NoError(t, err)
	require.Zero(t, stats.PendingCount)
	require.True(t, stats.OldestPendingAt.IsZero())

	require.ErrorIs(t, repo.MarkSent("missing"), domain.ErrOutboxPublish)
}
