package kafka

import (
	"encoding/json"
	"time"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
	"github.com/vladislavdragonenkov/fuelops/internal/service/remoteapi"
)

// EventType определяет тип события
type EventType string

const (
	// События диспетчерской шины (push для агентов)
	EventTypeOrderDispatched   EventType = "order.dispatched"
	EventTypeOrderChanged      EventType = "order.changed"
	EventTypeOrderTransitioned EventType = "order.transitioned"
	EventTypeOrderAcknowledged EventType = "order.acknowledged"
)

// Topics для Kafka
const (
	TopicDispatchEvents  = "fuelops.dispatch.events"
	TopicSyncEvents      = "fuelops.sync.events"
	TopicDeadLetterQueue = "fuelops.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"

	HeaderEventType = "x-event-type"
	HeaderOrderID   = "x-order-id"
)

// DispatchEvent — изменение канонической записи заявки.
type DispatchEvent struct {
	EventType EventType              `json:"event_type"`
	OrderID   string                 `json:"order_id"`
	Order     remoteapi.OrderPayload `json:"order"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewDispatchEvent создает событие по канонической записи
func NewDispatchEvent(eventType EventType, order domain.RemoteOrder) *DispatchEvent {
	return &DispatchEvent{
		EventType: eventType,
		OrderID:   order.ID,
		Order:     remoteapi.NewOrderPayload(order),
		Timestamp: time.Now().UTC(),
	}
}

// SyncEvent оборачивает outbox-событие синхронизации для TopicSyncEvents.
type SyncEvent struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewSyncEvent оборачивает outbox-сообщение.
func NewSyncEvent(msg domain.OutboxMessage) SyncEvent {
	return SyncEvent{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       json.RawMessage(msg.Payload),
		PublishedAt:   time.Now().UTC(),
	}
}

// Key возвращает ключ партиционирования: события одной заявки попадают в одну партицию.
func (e SyncEvent) Key() string {
	if e.AggregateID != "" {
		return e.AggregateID
	}
	return e.ID
}

// Headers возвращает заголовки для фильтрации без разбора тела.
func (e SyncEvent) Headers() map[string]string {
	return map[string]string{
		HeaderEventType: e.EventType,
		HeaderOrderID:   e.AggregateID,
	}
}

// DLQMessage описывает сообщение, не обработанное после всех попыток.
type DLQMessage struct {
	OriginalTopic     string `json:"original_topic"`
	OriginalPartition int32  `json:"original_partition"`
	OriginalOffset    int64  `json:"original_offset"`
	OriginalKey       string `json:"original_key"`
	OriginalValue     string `json:"original_value"`
	ErrorMessage      string `json:"error_message"`
	FailedAt          string `json:"failed_at"`
	RetryCount        int    `json:"retry_count"`
}
