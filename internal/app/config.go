package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/fuelops/internal/messaging/kafka"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
	StorageDriverRedis    = "redis"
)

// Config описывает настройки агента заправщика.
type Config struct {
	GRPCAddr    string
	MetricsAddr string

	// Заявки WorkerID агент загружает при старте.
	WorkerID       string
	RefreshOnStart bool

	RemoteBaseURL       string
	RemoteTimeout       time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	RedisURL            string
	RedisPrefix         string

	KafkaBrokers    string
	KafkaGroupID    string
	DispatchTopic   string
	SyncTopic       string
	DLQTopic        string
	KafkaMaxRetries int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	OutboxMaxPending   int
}

const defaultConsumerGroup = "fuel-agent"

// DefaultConfig возвращает базовые настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:            ":50051",
		MetricsAddr:         ":9090",
		RefreshOnStart:      true,
		RemoteBaseURL:       "http://localhost:8080",
		RemoteTimeout:       30 * time.Second,
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 30 * time.Second,
		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		RedisPrefix:         "fuelops",
		DispatchTopic:       kafka.TopicDispatchEvents,
		SyncTopic:           kafka.TopicSyncEvents,
		DLQTopic:            kafka.TopicDeadLetterQueue,
		KafkaMaxRetries:     3,
		OutboxPollInterval:  time.Second,
		OutboxBatchSize:     100,
		OutboxMaxAttempts:   3,
		OutboxRetryDelay:    100 * time.Millisecond,
		OutboxMaxPending:    1000,
	}
}

// ConfigFromEnv накладывает переменные FUELOPS_* на DefaultConfig.
// getenv передаётся явно, чтобы конфигурацию можно было собрать в тестах без окружения процесса.
func ConfigFromEnv(getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()
	env := envReader{getenv: getenv}

	env.str("FUELOPS_GRPC_ADDR", &cfg.GRPCAddr)
	env.str("FUELOPS_METRICS_ADDR", &cfg.MetricsAddr)
	env.str("FUELOPS_WORKER_ID", &cfg.WorkerID)
	env.boolean("FUELOPS_REFRESH_ON_START", &cfg.RefreshOnStart)
	env.str("FUELOPS_REMOTE_BASE_URL", &cfg.RemoteBaseURL)
	env.duration("FUELOPS_REMOTE_TIMEOUT", &cfg.RemoteTimeout)
	env.integer("FUELOPS_BREAKER_MAX_FAILURES", &cfg.BreakerMaxFailures)
	env.duration("FUELOPS_BREAKER_RESET_TIMEOUT", &cfg.BreakerResetTimeout)
	env.str("FUELOPS_STORAGE_DRIVER", &cfg.StorageDriver)
	env.str("FUELOPS_POSTGRES_DSN", &cfg.PostgresDSN)
	env.boolean("FUELOPS_POSTGRES_AUTO_MIGRATE", &cfg.PostgresAutoMigrate)
	env.str("FUELOPS_REDIS_URL", &cfg.RedisURL)
	env.str("FUELOPS_REDIS_PREFIX", &cfg.RedisPrefix)
	env.str("FUELOPS_KAFKA_BROKERS", &cfg.KafkaBrokers)
	env.str("FUELOPS_KAFKA_GROUP_ID", &cfg.KafkaGroupID)
	env.str("FUELOPS_KAFKA_DISPATCH_TOPIC", &cfg.DispatchTopic)
	env.str("FUELOPS_KAFKA_SYNC_TOPIC", &cfg.SyncTopic)
	env.str("FUELOPS_KAFKA_DLQ_TOPIC", &cfg.DLQTopic)
	env.integer("FUELOPS_KAFKA_MAX_RETRIES", &cfg.KafkaMaxRetries)
	env.duration("FUELOPS_OUTBOX_POLL_INTERVAL", &cfg.OutboxPollInterval)
	env.integer("FUELOPS_OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize)
	env.integer("FUELOPS_OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts)
	env.duration("FUELOPS_OUTBOX_RETRY_DELAY", &cfg.OutboxRetryDelay)
	env.integer("FUELOPS_OUTBOX_MAX_PENDING", &cfg.OutboxMaxPending)

	if env.err != nil {
		return Config{}, env.err
	}
	cfg.StorageDriver = strings.ToLower(cfg.StorageDriver)
	return cfg, nil
}

// ConsumerGroup возвращает consumer group push-канала. Каждый агент читает все правки
// диспетчерской шины, поэтому без FUELOPS_KAFKA_GROUP_ID группа своя у каждого заправщика.
func (c Config) ConsumerGroup() string {
	if group := strings.TrimSpace(c.KafkaGroupID); group != "" {
		return group
	}
	if c.WorkerID == "" {
		return defaultConsumerGroup
	}
	return defaultConsumerGroup + "-" + c.WorkerID
}

// Brokers возвращает список брокеров Kafka без пустых элементов.
func (c Config) Brokers() []string {
	return splitBrokers(c.KafkaBrokers)
}

func splitBrokers(raw string) []string {
	var brokers []string
	for _, broker := range strings.Split(raw, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

// envReader запоминает первую ошибку разбора.
type envReader struct {
	getenv func(string) string
	err    error
}

func (r *envReader) lookup(key string) (string, bool) {
	if r.getenv == nil || r.err != nil {
		return "", false
	}
	value := strings.TrimSpace(r.getenv(key))
	return value, value != ""
}

func (r *envReader) str(key string, dst *string) {
	if value, ok := r.lookup(key); ok {
		*dst = value
	}
}

func (r *envReader) integer(key string, dst *int) {
	value, ok := r.lookup(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		r.err = fmt.Errorf("parse %s: %w", key, err)
		return
	}
	*dst = parsed
}

func (r *envReader) boolean(key string, dst *bool) {
	value, ok := r.lookup(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		r.err = fmt.Errorf("parse %s: %w", key, err)
		return
	}
	*dst = parsed
}

func (r *envReader) duration(key string, dst *time.Duration) {
	value, ok := r.lookup(key)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		r.err = fmt.Errorf("parse %s: %w", key, err)
		return
	}
	*dst = parsed
}
