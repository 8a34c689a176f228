package app

import (
	"context"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/fuelops/internal/health"
	"github.com/vladislavdragonenkov/fuelops/internal/service/remoteapi"
	"github.com/vladislavdragonenkov/fuelops/internal/storage/memory"
)

func TestInitRuntimeDependencies_MemoryDrivers(t *testing.T) {
	for _, driver := range []string{"", StorageDriverMemory, " Memory "} {
		deps, err := initRuntimeDependencies(context.Background(), Config{StorageDriver: driver}, nil)
		require.NoError(t, err, "driver %q", driver)
		require.NotNil(t, deps.orders)
		require.NotNil(t, deps.outboxRepo)
		require.NotNil(t, deps.timelineRepo)
		require.NotNil(t, deps.idempotencyRepo)
		require.Nil(t, deps.storageChecker, "memory storage has nothing to ping")
		require.NotPanics(t, func() { deps.close(log.WithField("test", "memory")) })
	}
}

func TestInitRuntimeDependencies_ConfigErrors(t *testing.T) {
	tests := map[string]struct {
		cfg     Config
		wantErr string
	}{
		"postgres without dsn": {cfg: Config{StorageDriver: StorageDriverPostgres}, wantErr: "FUELOPS_POSTGRES_DSN"},
		"redis without url":    {cfg: Config{StorageDriver: StorageDriverRedis}, wantErr: "FUELOPS_REDIS_URL"},
		"unknown driver":       {cfg: Config{StorageDriver: "sqlite"}, wantErr: `unsupported storage driver "sqlite"`},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := initRuntimeDependencies(context.Background(), tt.cfg, log.WithField("test", name))
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestOutboxChecker_DegradesOnBacklog(t *testing.T) {
	repo := memory.NewOutboxRepository()
	bounded := outboxChecker(repo, 1)
	require.Equal(t, healthcheck.StatusHealthy, bounded.Check().Status)

	for _, id := range []string{"fo-1", "fo-2"} {
		_, err := repo.Enqueue(domain.OutboxMessage{AggregateType: "fuel_order", AggregateID: id, EventType: domain.EventSynced})
		require.NoError(t, err)
	}

	check := bounded.Check()
	require.Equal(t, healthcheck.StatusDegraded, check.Status)
	require.Equal(t, "outbox backlog 2 exceeds 1", check.Message)
	require.Equal(t, healthcheck.StatusHealthy, outboxChecker(repo, 0).Check().Status, "zero limit disables the check")
}

func TestBreakerChecker_FollowsBreakerState(t *testing.T) {
	breaker := remoteapi.NewCircuitBreaker(1, time.Hour, log.WithField("test", "breaker"))
	checker := breakerChecker(breaker)
	require.Equal(t, healthcheck.StatusHealthy, checker.Check().Status)

	_ = breaker.Execute("claim", func() error { return domain.ErrRemoteUnavailable })

	check := checker.Check()
	require.Equal(t, healthcheck.StatusDegraded, check.Status)
	require.Equal(t, "circuit breaker is open", check.Message)
}
