package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
	"github.com/vladislavdragonenkov/fuelops/internal/metrics"
	"github.com/vladislavdragonenkov/fuelops/internal/storage/memory"
)

type fakeRepo struct {
	pending    []domain.OutboxMessage
	sent       []string
	failed     []string
	markSentFn func(id string) error
}

func (r *fakeRepo) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	r.pending = append(r.pending, msg)
	return msg, nil
}

func (r *fakeRepo) PullPending(limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 || limit > len(r.pending) {
		limit = len(r.pending)
	}
	return append([]domain.OutboxMessage(nil), r.pending[:limit]...), nil
}

func (r *fakeRepo) Stats() (domain.OutboxStats, error) {
	return domain.OutboxStats{PendingCount: len(r.pending)}, nil
}

func (r *fakeRepo) MarkSent(id string) error {
	if r.markSentFn != nil {
		if err := r.markSentFn(id); err != nil {
			return err
		}
	}
	r.sent = append(r.sent, id)
	return nil
}

func (r *fakeRepo) MarkFailed(id string) error {
	r.failed = append(r.failed, id)
	return nil
}

// fakePublisher отвечает ошибками из script по очереди, затем err.
type fakePublisher struct {
	mu        sync.Mutex
	script    []error
	err       error
	failFor   map[string]bool
	published []domain.OutboxMessage
}

func (p *fakePublisher) Publish(msg domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, msg)
	if p.failFor[msg.ID] {
		return errors.New("broker rejected " + msg.ID)
	}
	if len(p.script) > 0 {
		err := p.script[0]
		p.script = p.script[1:]
		return err
	}
	return p.err
}

func (p *fakePublisher) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.published))
	for _, m := range p.published {
		out = append(out, m.ID)
	}
	return out
}

func syncEvent(id, orderID string) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            id,
		AggregateType: "fuel_order",
		AggregateID:   orderID,
		EventType:     domain.EventSynced,
		Payload:       []byte(`{"order_id":"` + orderID + `"}`),
	}
}

func TestWorker_PublishesAndMarksSent(t *testing.T) {
	repo := &fakeRepo{pending: []domain.OutboxMessage{syncEvent("m-1", "fo-1"), syncEvent("m-2", "fo-2")}}
	pub := &fakePublisher{}

	settled := NewWorker(repo, pub, WithRetryBaseDelay(0)).ProcessOnce(context.Background())

	require.Equal(t, 2, settled)
	require.Equal(t, []string{"m-1", "m-2"}, repo.sent)
	require.Empty(t, repo.failed)
}

func TestWorker_SucceedsWithinAttemptBudget(t *testing.T) {
	repo := &fakeRepo{pending: []domain.OutboxMessage{syncEvent("m-1", "fo-1")}}
	pub := &fakePublisher{script: []error{errors.New("leader not available"), errors.New("leader not available")}}

	NewWorker(repo, pub, WithMaxAttempts(3), WithRetryBaseDelay(0)).ProcessOnce(context.Background())

	require.Len(t, pub.ids(), 3)
	require.Equal(t, []string{"m-1"}, repo.sent)
}

func TestWorker_ExhaustedMessageGoesToDLQ(t *testing.T) {
	repo := &fakeRepo{pending: []domain.OutboxMessage{syncEvent("m-1", "fo-1")}}
	pub := &fakePublisher{err: errors.New("broker down")}
	dlq := &fakePublisher{}

	NewWorker(repo, pub, WithDLQPublisher(dlq), WithMaxAttempts(2), WithRetryBaseDelay(0)).
		ProcessOnce(context.Background())

	require.Len(t, pub.ids(), 2)
	require.Equal(t, []string{"m-1"}, repo.failed)
	require.Len(t, dlq.published, 1)

	var body deadLetterBody
	require.NoError(t, json.Unmarshal(dlq.published[0].Payload, &body))
	require.Equal(t, "m-1", body.OutboxID)
	require.Equal(t, "fo-1", body.AggregateID)
	require.JSONEq(t, `{"order_id":"fo-1"}`, string(body.Payload))
	require.Contains(t, body.PublishError, "broker down")
	require.ErrorIs(t, NewWorker(repo, pub, WithMaxAttempts(1)).publishWithRetry(context.Background(), syncEvent("m-9", "fo-9")),
		domain.ErrOutboxPublish)
}

func TestWorker_DLQFailureStillSettles(t *testing.T) {
	reg := prometheus.NewRegistry()
	repo := &fakeRepo{pending: []domain.OutboxMessage{syncEvent("m-1", "fo-1")}}

	NewWorker(repo, &fakePublisher{err: errors.New("broker down")},
		WithDLQPublisher(&fakePublisher{err: errors.New("dlq down")}),
		WithMaxAttempts(1),
		WithMetrics(metrics.NewOutboxMetricsWithRegisterer(reg)),
	).ProcessOnce(context.Background())

	require.Equal(t, []string{"m-1"}, repo.failed)
	count, err := testutil.GatherAndCount(reg, "fuelops_outbox_publish_attempts_total")
	require.NoError(t, err)
	require.Equal(t, 3, count, "retry_error, failed and dlq_failed series")
}

func TestWorker_UnsettledEventBlocksLaterEventsOfSameOrder(t *testing.T) {
	repo := &fakeRepo{
		pending: []domain.OutboxMessage{
			syncEvent("m-1", "fo-1"),
			syncEvent("m-2", "fo-2"),
			syncEvent("m-3", "fo-1"),
		},
		markSentFn: func(id string) error {
			if id == "m-1" {
				return errors.New("outbox store unavailable")
			}
			return nil
		},
	}
	pub := &fakePublisher{}

	settled := NewWorker(repo, pub, WithRetryBaseDelay(0)).ProcessOnce(context.Background())

	require.Equal(t, 1, settled)
	require.Equal(t, []string{"m-1", "m-2"}, pub.ids(), "m-3 must wait for m-1")
	require.Equal(t, []string{"m-2"}, repo.sent)
}

func TestWorker_CancelledRetryLeavesMessagePending(t *testing.T) {
	repo := &fakeRepo{pending: []domain.OutboxMessage{syncEvent("m-1", "fo-1")}}
	ctx, cancel := context.WithCancel(context.Background())
	pub := &fakePublisher{err: errors.New("broker down")}

	done := make(chan int, 1)
	go func() {
		done <- NewWorker(repo, pub, WithMaxAttempts(5), WithRetryBaseDelay(time.Hour)).ProcessOnce(ctx)
	}()
	require.Eventually(t, func() bool { return len(pub.ids()) == 1 }, time.Second, time.Millisecond)
	cancel()

	require.Zero(t, <-done)
	require.Empty(t, repo.failed)
	require.Empty(t, repo.sent)
}

func TestWorker_Backoff(t *testing.T) {
	w := NewWorker(nil, nil, WithRetryBaseDelay(time.Second))
	require.Equal(t, time.Second, w.backoff(1))
	require.Equal(t, 2*time.Second, w.backoff(2))
	require.Equal(t, 4*time.Second, w.backoff(3))
	require.Equal(t, maxRetryDelay, w.backoff(10))

	require.Zero(t, NewWorker(nil, nil, WithRetryBaseDelay(-time.Second)).backoff(3))
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	repo := memory.NewOutboxRepository()
	_, err := repo.Enqueue(syncEvent("", "fo-1"))
	require.NoError(t, err)
	pub := &fakePublisher{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewWorker(repo, pub, WithPollInterval(5*time.Millisecond)).Run(ctx)
	}()

	require.Eventually(t, func() bool { return len(pub.ids()) == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on cancel")
	}

	// Без publisher воркер сразу выходит.
	NewWorker(repo, nil).Run(context.Background())
}

func TestWorker_FlushDrainsMemoryOutbox(t *testing.T) {
	repo := memory.NewOutboxRepository()
	for _, orderID := range []string{"fo-1", "fo-2", "fo-3"} {
		_, err := repo.Enqueue(syncEvent("", orderID))
		require.NoError(t, err)
	}
	pub := &fakePublisher{}

	NewWorker(repo, pub, WithBatchSize(1), WithRetryBaseDelay(0)).Flush(context.Background())

	stats, err := repo.Stats()
	require.NoError(t, err)
	require.Zero(t, stats.PendingCount)
	require.Len(t, pub.ids(), 3)
}
