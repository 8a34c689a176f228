package kafka

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
)

var errPublisherNotInitialized = errors.New("kafka outbox publisher is not initialized")

// OutboxTopicPublisher отправляет события синхронизации из outbox в Kafka.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт publisher; пустой topic заменяется на TopicSyncEvents.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	if topic == "" {
		topic = TopicSyncEvents
	}
	return &OutboxTopicPublisher{producer: producer, topic: topic}
}

func (p *OutboxTopicPublisher) Publish(msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errPublisherNotInitialized
	}

	event := NewSyncEvent(msg)
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode sync event %s: %w", msg.ID, err)
	}
	return p.producer.PublishRaw(p.topic, event.Key(), value, event.Headers())
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
