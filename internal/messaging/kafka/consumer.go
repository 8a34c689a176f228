package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 200 * time.Millisecond
)

// MessageHandler обрабатывает одно сообщение. Ошибка, обёрнутая Permanent, не повторяется.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithDeadLetter включает DLQ: сообщение, исчерпавшее попытки, уходит в topic и коммитится.
func WithDeadLetter(producer *Producer, topic string) ConsumerOption {
	return func(c *Consumer) {
		c.dlq = producer
		if topic != "" {
			c.dlqTopic = topic
		}
	}
}

// WithMaxAttempts задаёт суммарный бюджет попыток с учётом прошлых доставок (x-retry-count).
func WithMaxAttempts(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithRetryDelay задаёт паузу между попытками внутри процесса.
func WithRetryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.retryDelay = d
	}
}

// WithInitialOffset задаёт, откуда читать группе без закоммиченного offset.
func WithInitialOffset(offset int64) ConsumerOption {
	return func(c *Consumer) {
		c.initialOffset = offset
	}
}

// Consumer читает диспетчерскую шину в consumer group.
type Consumer struct {
	group         sarama.ConsumerGroup
	topics        []string
	handler       MessageHandler
	logger        *log.Entry
	wg            sync.WaitGroup
	dlq           *Producer
	dlqTopic      string
	maxAttempts   int
	retryDelay    time.Duration
	initialOffset int64
}

func newConsumer(topics []string, handler MessageHandler, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		topics:        topics,
		handler:       handler,
		logger:        log.WithField("component", "kafka-consumer"),
		dlqTopic:      TopicDeadLetterQueue,
		maxAttempts:   defaultMaxAttempts,
		retryDelay:    defaultRetryDelay,
		initialOffset: sarama.OffsetNewest,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// NewConsumer подключается к брокерам как участник группы groupID.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, options ...ConsumerOption) (*Consumer, error) {
	c := newConsumer(topics, handler, options...)

	cfg := sarama.NewConfig()
	cfg.ClientID = "fuelops-" + groupID
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	cfg.Consumer.Offsets.Initial = c.initialOffset
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer group %s: %w", groupID, err)
	}
	c.group = group
	c.logger = c.logger.WithField("group", groupID)
	return c, nil
}

// Start запускает цикл Consume; после rebalance сессия пересоздаётся, пока ctx жив.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for ctx.Err() == nil {
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				c.logger.WithError(err).Error("consumer session ended with error")
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Warn("consumer group error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop закрывает группу и ждёт выхода горутин.
func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("close consumer group: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim коммитит сообщение, если оно обработано или ушло в DLQ.
// Незакоммиченное сообщение будет доставлено снова после rebalance.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			entry := c.logger.WithFields(log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			})
			if err := c.deliver(session.Context(), message, entry); err != nil {
				entry.WithError(err).Error("message left uncommitted")
				continue
			}
			session.MarkMessage(message, "")
		}
	}
}

// deliver вызывает handler, пока не кончится бюджет попыток.
// Прошлые доставки (x-retry-count) вычитаются из бюджета.
func (c *Consumer) deliver(ctx context.Context, message *sarama.ConsumerMessage, entry *log.Entry) error {
	previous := retryCount(message)
	budget := max(c.maxAttempts-previous, 1)

	var err error
	used := 0
	for used < budget {
		used++
		if err = c.handler(ctx, message); err == nil {
			return nil
		}
		if IsPermanent(err) || used == budget {
			break
		}
		entry.WithError(err).WithField("attempt", previous+used).Warn("handler failed, retrying")
		if !sleepCtx(ctx, c.retryDelay) {
			return ctx.Err()
		}
	}

	exhausted := previous+used >= c.maxAttempts
	if !IsPermanent(err) && !exhausted {
		return err
	}
	if c.dlq == nil {
		return err
	}
	if dlqErr := c.deadLetter(message, err, previous); dlqErr != nil {
		return fmt.Errorf("dead-letter %s/%d/%d: %w", message.Topic, message.Partition, message.Offset, dlqErr)
	}
	entry.WithField("attempts", previous+used).Info("message moved to DLQ")
	return nil
}

// deadLetter пишет DLQMessage; заголовки дублируют поля тела для dlq-reprocess.
func (c *Consumer) deadLetter(message *sarama.ConsumerMessage, cause error, retries int) error {
	failedAt := time.Now().UTC().Format(time.RFC3339)
	body, err := json.Marshal(DLQMessage{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ErrorMessage:      cause.Error(),
		FailedAt:          failedAt,
		RetryCount:        retries,
	})
	if err != nil {
		return fmt.Errorf("encode dlq message: %w", err)
	}
	return c.dlq.PublishRaw(c.dlqTopic, string(message.Key), body, map[string]string{
		HeaderOriginalTopic: message.Topic,
		HeaderRetryCount:    strconv.Itoa(retries),
		HeaderErrorMessage:  cause.Error(),
		HeaderFailedAt:      failedAt,
	})
}

// retryCount читает x-retry-count; нечисловое значение считается нулём.
func retryCount(message *sarama.ConsumerMessage) int {
	for _, h := range message.Headers {
		if h == nil || string(h.Key) != HeaderRetryCount {
			continue
		}
		if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
