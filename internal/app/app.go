package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	healthcheck "github.com/vladislavdragonenkov/fuelops/internal/health"
	"github.com/vladislavdragonenkov/fuelops/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/fuelops/internal/metrics"
	"github.com/vladislavdragonenkov/fuelops/internal/service/console"
	"github.com/vladislavdragonenkov/fuelops/internal/service/ordersync"
	"github.com/vladislavdragonenkov/fuelops/internal/service/outbox"
	"github.com/vladislavdragonenkov/fuelops/internal/service/remoteapi"
	"github.com/vladislavdragonenkov/fuelops/internal/version"
)

const (
	shutdownTimeout = 5 * time.Second
	refreshTimeout  = 10 * time.Second
)

// agent собирает процесс агента заправщика. closers выполняются в обратном порядке.
type agent struct {
	cfg      Config
	logger   *log.Entry
	deps     *runtimeDependencies
	breaker  *remoteapi.CircuitBreaker
	producer *kafka.Producer
	engine   *ordersync.Engine
	grpc     *grpc.Server
	probes   *health.Server
	checks   *healthcheck.Handler
	closers  []func()
}

// Run запускает агента: gRPC-консоль, движок синхронизации, push-consumer и outbox.
// Возвращает ctx.Err() после остановки по сигналу.
func Run(ctx context.Context, cfg Config) error {
	a, err := newAgent(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}
	return a.serve(ctx, lis)
}

func newAgent(ctx context.Context, cfg Config) (*agent, error) {
	a := &agent{cfg: cfg, logger: log.WithField("component", "app")}
	if err := a.build(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// build поднимает зависимости. Порядок остановки: consumer, движок, outbox Flush, producer, хранилища.
func (a *agent) build(ctx context.Context) error {
	deps, err := initRuntimeDependencies(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	a.deps = deps
	a.onClose(func() { deps.close(a.logger) })

	a.breaker = remoteapi.NewCircuitBreaker(a.cfg.BreakerMaxFailures, a.cfg.BreakerResetTimeout, a.logger.WithField("layer", "breaker"))
	remote, err := remoteapi.NewClient(a.cfg.RemoteBaseURL,
		remoteapi.WithHTTPClient(&http.Client{Timeout: a.cfg.RemoteTimeout}),
		remoteapi.WithBreaker(a.breaker),
		remoteapi.WithClientLogger(a.logger.WithField("layer", "remote")),
	)
	if err != nil {
		return fmt.Errorf("remote order api client: %w", err)
	}

	// Без Kafka агент работает: pushes и публикация событий выключены.
	a.producer, _ = initKafkaProducer(a.cfg.KafkaBrokers, a.logger)
	a.onClose(func() { closeKafka(a.producer, a.logger) })
	if a.producer != nil {
		cancel, done := startOutboxWorker(ctx, a.cfg, deps, a.producer, a.logger)
		a.onClose(func() { shutdownOutboxWorker(cancel, done, a.logger) })
	}

	a.engine = ordersync.NewEngine(deps.orders, remote, a.engineOptions()...)
	a.onClose(func() { shutdownEngine(a.engine, a.logger) })
	switch {
	case a.cfg.WorkerID == "":
	case a.cfg.RefreshOnStart:
		refreshOrders(ctx, a.engine, a.cfg.WorkerID, a.logger)
	default:
		if _, err := a.engine.RecoverInterrupted(a.cfg.WorkerID); err != nil {
			a.logger.WithError(err).Warn("interrupted calls were not recovered")
		}
	}

	a.startPushConsumer(ctx)
	a.buildGRPC()
	a.buildHealthChecks()
	return nil
}

// onClose регистрирует шаг остановки.
func (a *agent) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *agent) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *agent) engineOptions() []ordersync.Option {
	opts := []ordersync.Option{
		ordersync.WithLogger(a.logger.WithField("layer", "sync")),
		ordersync.WithMetrics(metrics.NewSyncMetrics()),
		ordersync.WithTimeline(a.deps.timelineRepo),
		ordersync.WithRemoteTimeout(a.cfg.RemoteTimeout),
	}
	// Outbox копится, только когда есть кому публиковать.
	if a.producer != nil {
		opts = append(opts, ordersync.WithOutbox(a.deps.outboxRepo))
	}
	return opts
}

func (a *agent) startPushConsumer(ctx context.Context) {
	consumer, err := initPushConsumer(a.cfg, a.engine, a.producer, a.logger)
	if err != nil || consumer == nil {
		return
	}
	if err := consumer.Start(ctx); err != nil {
		a.logger.WithError(err).Warn("push consumer did not start")
		return
	}
	a.onClose(func() { stopConsumer(consumer, a.logger) })
}

func (a *agent) buildGRPC() {
	grpcMetrics := registerGRPCMetrics(prometheus.DefaultRegisterer, a.logger)
	a.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))

	dispatcher := ordersync.NewDispatcher(a.engine, console.MetadataSession{}, nil, a.logger.WithField("layer", "dispatcher"))
	console.RegisterConsoleServer(a.grpc, console.NewService(dispatcher, a.deps.timelineRepo, a.logger.WithField("layer", "grpc")))

	a.probes = health.NewServer()
	healthpb.RegisterHealthServer(a.grpc, a.probes)
	a.probes.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	grpcMetrics.InitializeMetrics(a.grpc)
}

func (a *agent) buildHealthChecks() {
	a.checks = healthcheck.NewHandler(version.GetVersion())
	if a.deps.storageChecker != nil {
		a.checks.RegisterChecker("storage", a.deps.storageChecker)
	}
	a.checks.RegisterChecker("remote-order-api", breakerChecker(a.breaker))
	if a.producer != nil {
		a.checks.RegisterChecker("outbox", outboxChecker(a.deps.outboxRepo, a.cfg.OutboxMaxPending))
	}
}

// serve обслуживает gRPC на lis, пока не отменён ctx или сервер не упал.
func (a *agent) serve(ctx context.Context, lis net.Listener) error {
	metricsSrv := startMetricsServer(ctx, a.cfg.MetricsAddr, a.logger, a.checks)
	defer shutdownHTTP(metricsSrv, a.logger)

	errCh := make(chan error, 1)
	go func() {
		a.logger.WithField("addr", lis.Addr().String()).Info("console gRPC server listening")
		errCh <- a.grpc.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutdown requested, draining console connections")
	a.probes.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	stopped := make(chan struct{})
	go func() {
		a.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		a.logger.Warn("graceful stop timed out, forcing")
		a.grpc.Stop()
	}
	return ctx.Err()
}

// registerGRPCMetrics возвращает collector, зарегистрированный в reg. Для default registry это
// promgrpc.DefaultServerMetrics: библиотека регистрирует его в init, и второй набор с теми же именами не пройдёт.
func registerGRPCMetrics(reg prometheus.Registerer, logger *log.Entry) *promgrpc.ServerMetrics {
	if reg == nil || reg == prometheus.DefaultRegisterer {
		return promgrpc.DefaultServerMetrics
	}

	m := promgrpc.NewServerMetrics()
	err := reg.Register(m)
	var already prometheus.AlreadyRegisteredError
	switch {
	case err == nil:
	case errors.As(err, &already):
		if existing, ok := already.ExistingCollector.(*promgrpc.ServerMetrics); ok {
			return existing
		}
		logger.WithError(err).Warn("grpc metrics clash with another collector")
	default:
		logger.WithError(err).Warn("grpc metrics are not registered")
	}
	return m
}

func refreshOrders(ctx context.Context, engine *ordersync.Engine, workerID string, logger *log.Entry) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	entry := logger.WithField("worker_id", workerID)
	changed, err := engine.Refresh(ctx, workerID)
	if err != nil {
		entry.WithError(err).Warn("initial refresh failed, waiting for pushes")
		return
	}
	entry.WithField("changed", changed).Info("orders refreshed from remote order api")
}

func startOutboxWorker(ctx context.Context, cfg Config, deps *runtimeDependencies, producer *kafka.Producer, logger *log.Entry) (context.CancelFunc, <-chan struct{}) {
	worker := outbox.NewWorker(
		deps.outboxRepo,
		kafka.NewOutboxPublisher(producer, cfg.SyncTopic),
		outbox.WithLogger(logger.WithField("layer", "outbox")),
		outbox.WithMetrics(metrics.NewOutboxMetricsWithRegisterer(prometheus.DefaultRegisterer)),
		outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, cfg.DLQTopic)),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(workerCtx)
		// Остаток outbox публикуется до закрытия producer.
		flushCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		worker.Flush(flushCtx)
	}()
	return cancel, done
}

// shutdownOutboxWorker останавливает worker и ждёт финального Flush.
func shutdownOutboxWorker(cancel context.CancelFunc, done <-chan struct{}, logger *log.Entry) {
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(2 * shutdownTimeout):
		logger.Warn("outbox worker did not stop in time")
	}
}

// shutdownEngine дожидается ответов на вызовы в полёте.
func shutdownEngine(engine *ordersync.Engine, logger *log.Entry) {
	if engine == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := engine.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("sync engine shutdown timed out, in-flight calls stay queued")
	}
}

func breakerChecker(breaker *remoteapi.CircuitBreaker) healthcheck.Checker {
	return healthcheck.NewStatusChecker("remote-order-api", func() (healthcheck.Status, string) {
		if state := breaker.State(); state != remoteapi.CircuitClosed {
			return healthcheck.StatusDegraded, "circuit breaker is " + state.String()
		}
		return healthcheck.StatusHealthy, ""
	})
}

// startMetricsServer поднимает /metrics и health probes; сервер гасится при отмене ctx.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, checks *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", checks)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", checks.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.WithField("addr", addr).Info("metrics and probes listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()
	return srv
}

func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics server shutdown")
	}
}
