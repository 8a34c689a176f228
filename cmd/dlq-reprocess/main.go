package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
	"github.com/vladislavdragonenkov/fuelops/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	defaultMaxReplays  = 3
	envKafkaBrokers    = "FUELOPS_KAFKA_BROKERS"
)

type config struct {
	brokers     []string
	sourceTopic string
	syncTopic   string
	limit       int
	maxReplays  int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

// replay хранит сообщение, которое нужно вернуть в исходный topic.
type replay struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

// outboxDLQEnvelope соответствует записи, которую outbox worker кладёт в DLQ после исчерпания попыток.
type outboxDLQEnvelope struct {
	ID            string `json:"id"`
	AggregateType string `json:"aggregate_type"`
	AggregateID   string `json:"aggregate_id"`
	EventType     string `json:"event_type"`
	Payload       struct {
		Payload      json.RawMessage `json:"payload"`
		PublishError string          `json:"publish_error"`
		PublishedAt  string          `json:"dlq_published_at"`
	} `json:"payload"`
}

var errReplayBudgetExhausted = errors.New("replay budget exhausted")

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

// replayPublisher реализуется *kafka.Producer.
type replayPublisher interface {
	PublishRaw(topic, key string, value []byte, headers map[string]string) error
	Close() error
}

type saramaConsumerAdapter struct {
	consumer sarama.Consumer
}

func (a saramaConsumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	pc, err := a.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (a saramaConsumerAdapter) Close() error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Close()
}

var newReplayDependencies = func(cfg config) (offsetClient, partitionConsumerSource, replayPublisher, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}
	rawConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	consumer := saramaConsumerAdapter{consumer: rawConsumer}

	if !cfg.execute {
		return client, consumer, nil, nil
	}

	producer, err := kafka.NewProducer(cfg.brokers, kafka.WithClientID("fuelops-dlq-reprocess"))
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, nil, nil, err
	}
	return client, consumer, producer, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}

	if err := run(context.Background(), cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func parseConfig(args []string, getenv func(string) string) (config, error) {
	var (
		brokersRaw string
		cfg        config
	)

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: "+envKafkaBrokers+")")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	fs.StringVar(&cfg.syncTopic, "sync-topic", kafka.TopicSyncEvents, "target topic for dead-lettered outbox events")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan")
	fs.IntVar(&cfg.maxReplays, "max-replays", defaultMaxReplays, "skip dispatch events already replayed this many times")
	fs.BoolVar(&cfg.execute, "execute", false, "execute replay; default is dry-run")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "scan latest messages first (bounded by limit)")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" && getenv != nil {
		brokersRaw = getenv(envKafkaBrokers)
	}
	cfg.brokers = parseBrokers(brokersRaw)

	switch {
	case len(cfg.brokers) == 0:
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or %s)", envKafkaBrokers)
	case strings.TrimSpace(cfg.sourceTopic) == "":
		return config{}, errors.New("source-topic is required")
	case strings.TrimSpace(cfg.syncTopic) == "":
		return config{}, errors.New("sync-topic is required")
	case cfg.limit <= 0:
		return config{}, errors.New("limit must be > 0")
	case cfg.maxReplays <= 0:
		return config{}, errors.New("max-replays must be > 0")
	case cfg.idleTimeout <= 0:
		return config{}, errors.New("idle-timeout must be > 0")
	}
	return cfg, nil
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, chunk := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func run(ctx context.Context, cfg config) error {
	log.WithFields(log.Fields{
		"source_topic": cfg.sourceTopic,
		"sync_topic":   cfg.syncTopic,
		"limit":        cfg.limit,
		"execute":      cfg.execute,
		"from_newest":  cfg.fromNewest,
	}).Info("starting dlq replay")

	client, consumer, publisher, err := newReplayDependencies(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if publisher != nil {
			_ = publisher.Close()
		}
		if consumer != nil {
			_ = consumer.Close()
		}
		if client != nil {
			_ = client.Close()
		}
	}()

	_, err = runReplay(ctx, cfg, client, consumer, publisher)
	return err
}

type replayStats struct {
	processed int
	replayed  int
	skipped   int
}

func (s *replayStats) add(other replayStats) {
	s.processed += other.processed
	s.replayed += other.replayed
	s.skipped += other.skipped
}

func runReplay(ctx context.Context, cfg config, client offsetClient, consumer partitionConsumerSource, publisher replayPublisher) (replayStats, error) {
	var total replayStats
	if client == nil || consumer == nil {
		return total, errors.New("kafka client and consumer are required")
	}
	if cfg.execute && publisher == nil {
		return total, errors.New("publisher is required in execute mode")
	}

	partitions, err := client.Partitions(cfg.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("get partitions for topic %s: %w", cfg.sourceTopic, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		if total.processed >= cfg.limit {
			break
		}
		var stats replayStats
		err := scanPartition(ctx, client, consumer, cfg, partition, cfg.limit-total.processed, func(msg *sarama.ConsumerMessage) error {
			stats.processed++
			return handleMessage(cfg, publisher, msg, &stats)
		})
		total.add(stats)
		if err != nil {
			return total, err
		}
	}

	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}
	log.WithFields(log.Fields{
		"mode":      mode,
		"processed": total.processed,
		"replayed":  total.replayed,
		"skipped":   total.skipped,
	}).Info("dlq replay finished")

	return total, nil
}

func handleMessage(cfg config, publisher replayPublisher, msg *sarama.ConsumerMessage, stats *replayStats) error {
	fields := log.Fields{"partition": msg.Partition, "offset": msg.Offset}

	r, err := decodeReplay(msg, cfg.syncTopic, cfg.maxReplays)
	if err != nil {
		stats.skipped++
		log.WithError(err).WithFields(fields).Warn("skip dlq message")
		return nil
	}

	fields["target_topic"] = r.topic
	fields["key"] = r.key
	if !cfg.execute {
		stats.replayed++
		log.WithFields(fields).Info("dlq replay candidate")
		return nil
	}

	if err := publisher.PublishRaw(r.topic, r.key, r.value, r.headers); err != nil {
		return fmt.Errorf("publish replay message: %w", err)
	}
	stats.replayed++
	return nil
}

// scanPartition читает partition от начала (или последние limit сообщений) до текущего конца.
func scanPartition(
	ctx context.Context,
	client offsetClient,
	consumer partitionConsumerSource,
	cfg config,
	partition int32,
	limit int,
	visit func(*sarama.ConsumerMessage) error,
) error {
	if limit <= 0 {
		return nil
	}

	oldest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return nil
	}

	start := oldest
	if cfg.fromNewest && newest-int64(limit) > oldest {
		start = newest - int64(limit)
	}

	pc, err := consumer.ConsumePartition(cfg.sourceTopic, partition, start)
	if err != nil {
		return fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(cfg.idleTimeout)
	defer idle.Stop()

	for seen := 0; seen < limit; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			return nil
		case consumerErr := <-pc.Errors():
			if consumerErr != nil {
				return fmt.Errorf("partition %d consumer error: %w", partition, consumerErr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return nil
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(cfg.idleTimeout)

			seen++
			if err := visit(msg); err != nil {
				return err
			}
			if msg.Offset+1 >= newest {
				return nil
			}
		}
	}
	return nil
}

// decodeReplay разбирает запись DLQ.
// Событие диспетчерской шины возвращается в исходный topic с увеличенным x-retry-count.
// Событие синхронизации из outbox уходит в syncTopic в том же конверте, что публикует outbox.
func decodeReplay(msg *sarama.ConsumerMessage, syncTopic string, maxReplays int) (replay, error) {
	if dlq, err := kafka.ParseDLQMessage(msg); err == nil {
		if dlq.OriginalValue == "" {
			return replay{}, errors.New("dlq message has no original value")
		}
		if dlq.RetryCount >= maxReplays {
			return replay{}, fmt.Errorf("%w: %d replays of %s", errReplayBudgetExhausted, dlq.RetryCount, dlq.OriginalKey)
		}
		return replay{
			topic: dlq.OriginalTopic,
			key:   dlq.OriginalKey,
			value: []byte(dlq.OriginalValue),
			headers: map[string]string{
				kafka.HeaderRetryCount:    strconv.Itoa(dlq.RetryCount + 1),
				kafka.HeaderOriginalTopic: dlq.OriginalTopic,
				kafka.HeaderErrorMessage:  dlq.ErrorMessage,
				kafka.HeaderFailedAt:      dlq.FailedAt,
			},
		}, nil
	}

	var envelope outboxDLQEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return replay{}, fmt.Errorf("decode dlq message: %w", err)
	}
	if envelope.EventType == "" || len(envelope.Payload.Payload) == 0 {
		return replay{}, errors.New("unsupported dlq message")
	}

	event := kafka.NewSyncEvent(domain.OutboxMessage{
		ID:            envelope.ID,
		AggregateType: envelope.AggregateType,
		AggregateID:   envelope.AggregateID,
		EventType:     envelope.EventType,
		Payload:       envelope.Payload.Payload,
	})
	encoded, err := json.Marshal(event)
	if err != nil {
		return replay{}, fmt.Errorf("encode sync event: %w", err)
	}

	headers := event.Headers()
	headers[kafka.HeaderOriginalTopic] = syncTopic
	headers[kafka.HeaderErrorMessage] = envelope.Payload.PublishError
	headers[kafka.HeaderFailedAt] = envelope.Payload.PublishedAt
	return replay{
		topic:   syncTopic,
		key:     event.Key(),
		value:   encoded,
		headers: headers,
	}, nil
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
