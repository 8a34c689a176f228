package app

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
	"github.com/vladislavdragonenkov/fuelops/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/fuelops/internal/service/ordersync"
)

var errPushNeedsEngine = errors.New("push consumer requires sync engine")

// initKafkaProducer возвращает nil, nil при пустом списке брокеров.
func initKafkaProducer(brokers string, logger *log.Entry) (*kafka.Producer, error) {
	list := splitBrokers(brokers)
	if len(list) == 0 {
		return nil, nil
	}
	producer, err := kafka.NewProducer(list)
	if err != nil {
		logger.WithError(err).WithField("brokers", list).Warn("kafka unavailable, pushes and sync events disabled")
		return nil, err
	}
	logger.WithField("brokers", list).Info("kafka producer ready")
	return producer, nil
}

// initPushConsumer подписывает движок на диспетчерскую шину. Без producer DLQ выключен
// и необработанное сообщение остаётся незакоммиченным.
func initPushConsumer(cfg Config, engine *ordersync.Engine, producer *kafka.Producer, logger *log.Entry) (*kafka.Consumer, error) {
	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		return nil, nil
	}
	if engine == nil {
		return nil, errPushNeedsEngine
	}

	observe := func(order domain.RemoteOrder) error {
		_, err := engine.ObservePush(order)
		return err
	}
	options := []kafka.ConsumerOption{kafka.WithMaxAttempts(cfg.KafkaMaxRetries)}
	if producer != nil {
		options = append(options, kafka.WithDeadLetter(producer, cfg.DLQTopic))
	}

	consumer, err := kafka.NewConsumer(brokers, cfg.ConsumerGroup(), []string{cfg.DispatchTopic},
		kafka.NewPushHandler(observe, logger.WithField("layer", "push")), options...)
	if err != nil {
		logger.WithError(err).Warn("push consumer unavailable, relying on refresh")
		return nil, err
	}
	return consumer, nil
}

func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}
	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("kafka producer close")
		return
	}
	logger.Info("kafka producer closed")
}

func stopConsumer(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer == nil {
		return
	}
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("kafka consumer stop")
	}
}
