package remoteapi

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
)

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Positive(t, cfg.InitialDelay)
	require.Positive(t, cfg.MaxDelay)
	require.Greater(t, cfg.BackoffFactor, 1.0)
}

func TestExecuteWithRetry(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2}

	t.Run("retry then success", func(t *testing.T) {
		attempts := 0
		err := executeWithRetry(context.Background(), cfg, quietLogger(), "op", func() error {
			attempts++
			if attempts < 3 {
				return fmt.Errorf("%w: 502", domain.ErrRemoteUnavailable)
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
	})

	t.Run("non-retryable", func(t *testing.T) {
		attempts := 0
		err := executeWithRetry(context.Background(), cfg, quietLogger(), "op", func() error {
			attempts++
			return domain.ErrRemoteRejected
		})
		require.ErrorIs(t, err, domain.ErrRemoteRejected)
		require.Equal(t, 1, attempts)
	})

	t.Run("circuit open is not retried", func(t *testing.T) {
		attempts := 0
		err := executeWithRetry(context.Background(), cfg, quietLogger(), "op", func() error {
			attempts++
			return domain.ErrCircuitOpen
		})
		require.ErrorIs(t, err, domain.ErrCircuitOpen)
		require.Equal(t, 1, attempts)
	})

	t.Run("context cancelled between attempts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		slow := RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour, BackoffFactor: 2}
		attempts := 0
		err := executeWithRetry(ctx, slow, quietLogger(), "op", func() error {
			attempts++
			cancel()
			return domain.ErrRemoteUnavailable
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 1, attempts)
	})
}
