package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// ProducerOption настраивает sarama.Config до создания producer.
type ProducerOption func(*sarama.Config)

// WithClientID задаёт client.id (по умолчанию fuelops).
func WithClientID(id string) ProducerOption {
	return func(cfg *sarama.Config) {
		cfg.ClientID = id
	}
}

// WithCompression меняет кодек сжатия (по умолчанию snappy).
func WithCompression(codec sarama.CompressionCodec) ProducerOption {
	return func(cfg *sarama.Config) {
		cfg.Producer.Compression = codec
	}
}

// newProducerConfig настраивает идемпотентный producer: acks=all и одно in-flight сообщение на соединение.
// События одной заявки идут с одним ключом и не переупорядочиваются при retry.
func newProducerConfig(options ...ProducerOption) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "fuelops"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Net.MaxOpenRequests = 1
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// Producer публикует события агента и симулятора: outbox, диспетчерскую шину, DLQ.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
}

// NewProducer подключается к брокерам.
func NewProducer(brokers []string, options ...ProducerOption) (*Producer, error) {
	sp, err := sarama.NewSyncProducer(brokers, newProducerConfig(options...))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &Producer{
		producer: sp,
		logger:   log.WithField("component", "kafka-producer"),
	}, nil
}

// PublishEvent кодирует event в JSON и отправляет его с ключом key.
func (p *Producer) PublishEvent(topic, key string, event any) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %T: %w", event, err)
	}
	return p.PublishRaw(topic, key, value, nil)
}

// PublishRaw отправляет готовые байты с заголовками.
func (p *Producer) PublishRaw(topic, key string, value []byte, headers map[string]string) error {
	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Timestamp: time.Now().UTC(),
	}
	for name, v := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(name), Value: []byte(v)})
	}

	logger := p.logger.WithFields(log.Fields{"topic": topic, "key": key})
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		logger.WithError(err).Error("kafka send failed")
		return fmt.Errorf("send to %s: %w", topic, err)
	}
	logger.WithFields(log.Fields{"partition": partition, "offset": offset}).Debug("kafka message sent")
	return nil
}

// Close закрывает producer.
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
