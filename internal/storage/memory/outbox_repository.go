package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
)

const defaultOutboxBatch = 100

type outboxState int

const (
	outboxPending outboxState = iota
	outboxSent
	outboxFailed
)

type outboxEntry struct {
	msg      domain.OutboxMessage
	state    outboxState
	attempts int
	enqueued time.Time
}

// OutboxRepository хранит outbox событий синхронизации в памяти. log держит записи в порядке постановки.
type OutboxRepository struct {
	mu   sync.RWMutex
	log  []*outboxEntry
	byID map[string]*outboxEntry
	now  func() time.Time
}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		byID: make(map[string]*outboxEntry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *OutboxRepository) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Payload = append([]byte(nil), msg.Payload...)

	r.mu.Lock()
	defer r.mu.Unlock()
	entry := &outboxEntry{msg: msg, enqueued: r.now()}
	r.log = append(r.log, entry)
	r.byID[msg.ID] = entry
	return msg, nil
}

// PullPending возвращает до limit pending-сообщений в порядке постановки (limit <= 0 означает 100).
func (r *OutboxRepository) PullPending(limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultOutboxBatch
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	batch := make([]domain.OutboxMessage, 0, min(limit, len(r.log)))
	for _, e := range r.log {
		if len(batch) == limit {
			break
		}
		if e.state == outboxPending {
			batch = append(batch, e.msg)
		}
	}
	return batch, nil
}

func (r *OutboxRepository) Stats() (domain.OutboxStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.OutboxStats
	for _, e := range r.log {
		if e.state != outboxPending {
			continue
		}
		if stats.PendingCount == 0 {
			stats.OldestPendingAt = e.enqueued
		}
		stats.PendingCount++
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(id string) error   { return r.settle(id, outboxSent) }
func (r *OutboxRepository) MarkFailed(id string) error { return r.settle(id, outboxFailed) }

// EventTypes возвращает типы событий заявки в порядке постановки, включая уже закрытые.
func (r *OutboxRepository) EventTypes(orderID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var types []string
	for _, e := range r.log {
		if e.msg.AggregateID == orderID {
			types = append(types, e.msg.EventType)
		}
	}
	return types
}

func (r *OutboxRepository) settle(id string, state outboxState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: message %s not found", domain.ErrOutboxPublish, id)
	}
	e.state = state
	e.attempts++
	return nil
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
