package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/fuelops/internal/health"
	"github.com/vladislavdragonenkov/fuelops/internal/storage/memory"
	"github.com/vladislavdragonenkov/fuelops/internal/storage/postgres"
	"github.com/vladislavdragonenkov/fuelops/internal/storage/redisstore"
)

const storagePingTimeout = 2 * time.Second

// runtimeDependencies содержит хранилища, выбранные драйвером StorageDriver.
type runtimeDependencies struct {
	orders          domain.OrderStore
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	idempotencyRepo domain.IdempotencyRepository
	storageChecker  healthcheck.Checker
	closeFn         func() error
}

// initRuntimeDependencies открывает хранилища для выбранного драйвера.
// Для redis в Redis живут только заявки; timeline, outbox и idempotency остаются в памяти процесса.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.StorageDriver)) {
	case "", StorageDriverMemory:
		logger.Info("using in-memory storage")
		return &runtimeDependencies{
			orders:          memory.NewOrderStore(),
			outboxRepo:      memory.NewOutboxRepository(),
			timelineRepo:    memory.NewTimelineRepository(),
			idempotencyRepo: memory.NewIdempotencyRepository(),
		}, nil

	case StorageDriverPostgres:
		return initPostgresDependencies(ctx, cfg, logger)

	case StorageDriverRedis:
		return initRedisDependencies(ctx, cfg, logger)

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func initPostgresDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return nil, errors.New("postgres storage requires FUELOPS_POSTGRES_DSN")
	}

	store, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.PostgresAutoMigrate {
		if err := store.MigrateUp(ctx, 0); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("postgres migrations applied")
	}

	logger.Info("using postgres storage")
	return &runtimeDependencies{
		orders:          postgres.NewOrderStore(store),
		outboxRepo:      postgres.NewOutboxRepository(store),
		timelineRepo:    postgres.NewTimelineRepository(store),
		idempotencyRepo: postgres.NewIdempotencyRepository(store),
		storageChecker: healthcheck.NewSimpleChecker("postgres", func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), storagePingTimeout)
			defer cancel()
			return store.Ping(pingCtx)
		}),
		closeFn: store.Close,
	}, nil
}

func initRedisDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return nil, errors.New("redis storage requires FUELOPS_REDIS_URL")
	}

	client, err := redisstore.Open(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("open redis: %w", err)
	}

	logger.WithField("prefix", cfg.RedisPrefix).Info("using redis order storage")
	return &runtimeDependencies{
		orders:          redisstore.NewOrderStore(client, cfg.RedisPrefix),
		outboxRepo:      memory.NewOutboxRepository(),
		timelineRepo:    memory.NewTimelineRepository(),
		idempotencyRepo: memory.NewIdempotencyRepository(),
		storageChecker:  redisChecker(client),
		closeFn:         client.Close,
	}, nil
}

func redisChecker(client *redis.Client) healthcheck.Checker {
	return healthcheck.NewSimpleChecker("redis", func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), storagePingTimeout)
		defer cancel()
		return client.Ping(pingCtx).Err()
	})
}

// outboxChecker сообщает degraded, когда backlog outbox превышает maxPending.
func outboxChecker(repo domain.OutboxRepository, maxPending int) healthcheck.Checker {
	return healthcheck.NewStatusChecker("outbox", func() (healthcheck.Status, string) {
		stats, err := repo.Stats()
		if err != nil {
			return healthcheck.StatusUnhealthy, err.Error()
		}
		if maxPending > 0 && stats.PendingCount > maxPending {
			return healthcheck.StatusDegraded, fmt.Sprintf("outbox backlog %d exceeds %d", stats.PendingCount, maxPending)
		}
		return healthcheck.StatusHealthy, ""
	})
}

func (d *runtimeDependencies) close(logger *log.Entry) {
	if d == nil || d.closeFn == nil {
		return
	}
	if err := d.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
	}
}
