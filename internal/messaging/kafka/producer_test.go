package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
)

func newMockProducer(t *testing.T) (*Producer, *mocks.SyncProducer) {
	t.Helper()
	mp := mocks.NewSyncProducer(t, nil)
	t.Cleanup(func() { require.NoError(t, mp.Close()) })
	return &Producer{producer: mp, logger: log.WithField("component", "kafka-producer-test")}, mp
}

func headerValue(msg *sarama.ProducerMessage, key string) string {
	for _, h := range msg.Headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestNewProducerConfig(t *testing.T) {
	cfg := newProducerConfig()
	require.Equal(t, "fuelops", cfg.ClientID)
	require.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	require.True(t, cfg.Producer.Idempotent)
	require.Equal(t, 1, cfg.Net.MaxOpenRequests)
	require.NoError(t, cfg.Validate())

	cfg = newProducerConfig(WithClientID("dlq-reprocess"), WithCompression(sarama.CompressionLZ4))
	require.Equal(t, "dlq-reprocess", cfg.ClientID)
	require.Equal(t, sarama.CompressionLZ4, cfg.Producer.Compression)
}

func TestProducer_PublishEventKeysByOrder(t *testing.T) {
	producer, mp := newMockProducer(t)
	mp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if msg.Topic != TopicDispatchEvents || string(key) != "fo-42" {
			return errors.New("unexpected topic or key")
		}
		return nil
	})

	event := NewDispatchEvent(EventTypeOrderDispatched, domain.RemoteOrder{ID: "fo-42", Status: domain.OrderStatusDispatched})
	require.NoError(t, producer.PublishEvent(TopicDispatchEvents, "fo-42", event))
}

func TestProducer_SendFailure(t *testing.T) {
	producer, mp := newMockProducer(t)
	mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := producer.PublishEvent(TopicDispatchEvents, "fo-42", NewDispatchEvent(EventTypeOrderChanged, domain.RemoteOrder{ID: "fo-42"}))
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

func TestProducer_PublishEventRejectsUnencodable(t *testing.T) {
	producer, _ := newMockProducer(t)
	require.Error(t, producer.PublishEvent(TopicDispatchEvents, "fo-42", func() {}))
}

func TestProducer_PublishRawKeepsHeaders(t *testing.T) {
	producer, mp := newMockProducer(t)
	mp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if headerValue(msg, HeaderRetryCount) != "2" {
			return errors.New("retry header is missing")
		}
		return nil
	})

	err := producer.PublishRaw(TopicDispatchEvents, "fo-42", []byte(`{"order_id":"fo-42"}`), map[string]string{
		HeaderRetryCount: "2",
	})
	require.NoError(t, err)
}

func TestNewDispatchEvent(t *testing.T) {
	event := NewDispatchEvent(EventTypeOrderChanged, domain.RemoteOrder{
		ID:                        "fo-42",
		Status:                    domain.OrderStatusEnRoute,
		AssignedWorkerID:          "worker-1",
		ChangeVersion:             4,
		AcknowledgedChangeVersion: 3,
	})

	require.Equal(t, EventTypeOrderChanged, event.EventType)
	require.Equal(t, "fo-42", event.OrderID)
	got := event.Order.Domain()
	require.Equal(t, int64(4), got.ChangeVersion)
	require.Equal(t, int64(3), got.AcknowledgedChangeVersion)
	require.WithinDuration(t, time.Now(), event.Timestamp, time.Second)
}

func TestDispatchPublisher_PublishOrder(t *testing.T) {
	producer, mp := newMockProducer(t)
	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		var event DispatchEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return err
		}
		if event.EventType != EventTypeOrderChanged || event.Order.ID != "fo-42" {
			return errors.New("unexpected dispatch event")
		}
		return nil
	})

	// Пустая причина публикуется как order.changed.
	order := domain.RemoteOrder{ID: "fo-42", Status: domain.OrderStatusDispatched, ChangeVersion: 1, AcknowledgedChangeVersion: 1}
	require.NoError(t, NewDispatchPublisher(producer, "").PublishOrder(context.Background(), order, ""))

	var nilPublisher *DispatchPublisher
	require.ErrorIs(t, nilPublisher.PublishOrder(context.Background(), order, ""), errDispatchNotInitialized)
}
