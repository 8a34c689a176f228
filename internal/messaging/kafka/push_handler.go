package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
)

// permanentError не повторяется: сообщение сразу уходит в DLQ.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent помечает ошибку обработчика как неповторяемую.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent сообщает, что ошибка помечена через Permanent.
func IsPermanent(err error) bool {
	var target *permanentError
	return errors.As(err, &target)
}

// ParseDispatchEvent парсит DispatchEvent из сообщения
func ParseDispatchEvent(message *sarama.ConsumerMessage) (*DispatchEvent, error) {
	var event DispatchEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dispatch event: %w", err)
	}
	if event.Order.ID == "" {
		event.Order.ID = event.OrderID
	}
	return &event, nil
}

// ParseDLQMessage парсит сообщение из Dead Letter Queue
func ParseDLQMessage(message *sarama.ConsumerMessage) (*DLQMessage, error) {
	var dlq DLQMessage
	if err := json.Unmarshal(message.Value, &dlq); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dlq message: %w", err)
	}
	if dlq.OriginalTopic == "" {
		return nil, fmt.Errorf("dlq message has no original topic")
	}
	return &dlq, nil
}

// NewPushHandler передаёт события диспетчерской шины в движок синхронизации агента.
func NewPushHandler(observe func(domain.RemoteOrder) error, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "kafka-push-handler")
	}
	return func(_ context.Context, message *sarama.ConsumerMessage) error {
		event, err := ParseDispatchEvent(message)
		if err != nil {
			return Permanent(err)
		}

		order := event.Order.Domain()
		if err := observe(order); err != nil {
			if errors.Is(err, domain.ErrOrderIDRequired) || errors.Is(err, domain.ErrUnknownStatus) {
				return Permanent(err)
			}
			return err
		}

		logger.WithFields(log.Fields{
			"order_id":       order.ID,
			"event_type":     event.EventType,
			"change_version": order.ChangeVersion,
		}).Debug("dispatch event observed")
		return nil
	}
}
