package remoteapi

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
)

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", "remoteapi-test")
}

func TestCircuitBreakerOpensOnTransientFailures(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(2, time.Minute, quietLogger())
	cb.now = func() time.Time { return now }

	unavailable := fmt.Errorf("%w: 503", domain.ErrRemoteUnavailable)
	for i := 0; i < 2; i++ {
		err := cb.Execute("claim", func() error { return unavailable })
		require.ErrorIs(t, err, domain.ErrRemoteUnavailable)
	}
	require.Equal(t, CircuitOpen, cb.State())

	calls := 0
	err := cb.Execute("claim", func() error {
		calls++
		return nil
	})
	require.ErrorIs(t, err, domain.ErrCircuitOpen)
	require.Zero(t, calls)

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Execute("claim", func() error { return nil }))
	require.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(1, time.Second, quietLogger())
	cb.now = func() time.Time { return now }

	_ = cb.Execute("op", func() error { return domain.ErrRemoteUnavailable })
	require.Equal(t, CircuitOpen, cb.State())

	now = now.Add(2 * time.Second)
	_ = cb.Execute("op", func() error { return domain.ErrRemoteUnavailable })
	require.Equal(t, CircuitOpen, cb.State())
	require.Equal(t, "open", cb.State().String())
}

func TestCircuitBreakerIgnoresServerAnswers(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute, nil)

	for _, err := range []error{domain.ErrRemoteConflict, domain.ErrRemoteRejected, errors.New("decode")} {
		require.Error(t, cb.Execute("op", func() error { return err }))
	}
	require.Equal(t, CircuitClosed, cb.State())
}
