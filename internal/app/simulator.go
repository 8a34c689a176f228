package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/fuelops/internal/health"
	"github.com/vladislavdragonenkov/fuelops/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/fuelops/internal/metrics"
	"github.com/vladislavdragonenkov/fuelops/internal/service/backend"
	"github.com/vladislavdragonenkov/fuelops/internal/service/idempotency"
	"github.com/vladislavdragonenkov/fuelops/internal/storage/memory"
	"github.com/vladislavdragonenkov/fuelops/internal/storage/postgres"
	"github.com/vladislavdragonenkov/fuelops/internal/version"
)

// SimConfig описывает настройки симулятора Remote Order API.
type SimConfig struct {
	HTTPAddr string

	// PostgresDSN != "" хранит ключи идемпотентности в Postgres.
	PostgresDSN string

	KafkaBrokers  string
	DispatchTopic string

	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	// SeedOrders заявок dispatch-sim публикует при старте (sim-1 ... sim-N).
	SeedOrders int
	SeedWorker string

	// FaultLatency задерживает каждый переход заявки.
	FaultLatency time.Duration
}

// DefaultSimConfig возвращает настройки симулятора для локального запуска.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		HTTPAddr:                    ":8080",
		DispatchTopic:               kafka.TopicDispatchEvents,
		IdempotencyCleanupInterval:  time.Minute,
		IdempotencyCleanupBatchSize: 500,
	}
}

// SimConfigFromEnv накладывает переменные FUELOPS_SIM_* на DefaultSimConfig.
func SimConfigFromEnv(getenv func(string) string) (SimConfig, error) {
	cfg := DefaultSimConfig()
	env := envReader{getenv: getenv}

	env.str("FUELOPS_SIM_HTTP_ADDR", &cfg.HTTPAddr)
	env.str("FUELOPS_SIM_POSTGRES_DSN", &cfg.PostgresDSN)
	env.str("FUELOPS_KAFKA_BROKERS", &cfg.KafkaBrokers)
	env.str("FUELOPS_KAFKA_DISPATCH_TOPIC", &cfg.DispatchTopic)
	env.duration("FUELOPS_SIM_IDEMPOTENCY_CLEANUP_INTERVAL", &cfg.IdempotencyCleanupInterval)
	env.integer("FUELOPS_SIM_IDEMPOTENCY_CLEANUP_BATCH_SIZE", &cfg.IdempotencyCleanupBatchSize)
	env.integer("FUELOPS_SIM_SEED_ORDERS", &cfg.SeedOrders)
	env.str("FUELOPS_SIM_SEED_WORKER", &cfg.SeedWorker)
	env.duration("FUELOPS_SIM_FAULT_LATENCY", &cfg.FaultLatency)

	if env.err != nil {
		return SimConfig{}, env.err
	}
	return cfg, nil
}

// RunDispatchSim запускает HTTP-симулятор Remote Order API с диспетчерскими правками и push-рассылкой.
func RunDispatchSim(ctx context.Context, cfg SimConfig) error {
	logger := log.WithField("component", "dispatch-sim")

	idemRepo, closeStorage, storageChecker, err := initSimIdempotency(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeStorage != nil {
			if err := closeStorage(); err != nil {
				logger.WithError(err).Warn("failed to close storage")
			}
		}
	}()

	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	cleanupDone := make(chan struct{})
	cleanup := idempotency.NewCleanupWorker(idemRepo,
		idempotency.WithLogger(logger.WithField("layer", "idempotency-cleanup")),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
		idempotency.WithMetrics(metrics.NewIdempotencyMetricsWithRegisterer(prometheus.DefaultRegisterer)),
	)
	go func() {
		defer close(cleanupDone)
		cleanup.Run(cleanupCtx)
	}()
	defer shutdownOutboxWorker(cleanupCancel, cleanupDone, logger)

	options := []backend.Option{backend.WithLogger(logger.WithField("layer", "http"))}
	producer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)
	defer closeKafka(producer, logger)
	if producer != nil {
		options = append(options, backend.WithPublisher(kafka.NewDispatchPublisher(producer, cfg.DispatchTopic)))
	}
	if cfg.FaultLatency > 0 {
		faults := backend.NewFaults()
		faults.SetLatency(cfg.FaultLatency)
		options = append(options, backend.WithFaults(faults))
	}

	store := backend.NewStore(nil)
	seedOrders(store, cfg.SeedOrders, cfg.SeedWorker, logger)
	server := backend.NewServer(store, idemRepo, options...)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	if storageChecker != nil {
		healthHandler.RegisterChecker("storage", storageChecker)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.Handle("/", server.Routes())

	lis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("симулятор Remote Order API слушает %s", lis.Addr())
		errCh <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		shutdownHTTP(srv, logger)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func initSimIdempotency(ctx context.Context, cfg SimConfig, logger *log.Entry) (domain.IdempotencyRepository, func() error, healthcheck.Checker, error) {
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return memory.NewIdempotencyRepository(), nil, nil, nil
	}

	store, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := store.MigrateUp(ctx, 0); err != nil {
		_ = store.Close()
		return nil, nil, nil, fmt.Errorf("migrate postgres: %w", err)
	}
	logger.Info("idempotency keys are stored in postgres")

	checker := healthcheck.NewSimpleChecker("postgres", func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), storagePingTimeout)
		defer cancel()
		return store.Ping(pingCtx)
	})
	return postgres.NewIdempotencyRepository(store), store.Close, checker, nil
}

func seedOrders(store *backend.Store, count int, workerID string, logger *log.Entry) {
	for i := 1; i <= count; i++ {
		id := fmt.Sprintf("sim-%d", i)
		if _, err := store.Dispatch(id, workerID); err != nil {
			logger.WithError(err).WithField("order_id", id).Warn("failed to seed order")
		}
	}
	if count > 0 {
		logger.WithFields(log.Fields{"orders": count, "worker_id": workerID}).Info("orders seeded")
	}
}
