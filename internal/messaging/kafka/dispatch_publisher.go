package kafka

import (
	"context"
	"errors"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
)

var errDispatchNotInitialized = errors.New("kafka dispatch publisher is not initialized")

// DispatchPublisher рассылает изменения канонических записей в TopicDispatchEvents.
type DispatchPublisher struct {
	producer *Producer
	topic    string
}

// NewDispatchPublisher создаёт паблишер диспетчерской шины.
func NewDispatchPublisher(producer *Producer, topic string) *DispatchPublisher {
	if topic == "" {
		topic = TopicDispatchEvents
	}
	return &DispatchPublisher{producer: producer, topic: topic}
}

// PublishOrder публикует запись с ключом ID заявки, поэтому события одной заявки упорядочены.
func (p *DispatchPublisher) PublishOrder(_ context.Context, order domain.RemoteOrder, reason string) error {
	if p == nil || p.producer == nil {
		return errDispatchNotInitialized
	}
	eventType := EventType(reason)
	if eventType == "" {
		eventType = EventTypeOrderChanged
	}
	return p.producer.PublishEvent(p.topic, order.ID, NewDispatchEvent(eventType, order))
}
