package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func healthz(t *testing.T, h *Handler) (int, Response) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec.Code, resp
}

func readyz(h *Handler) (int, string) {
	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	return rec.Code, rec.Body.String()
}

func fixed(status Status, message string) *StatusChecker {
	return NewStatusChecker(string(status), func() (Status, string) { return status, message })
}

func TestHandler_AggregatesWorstStatus(t *testing.T) {
	tests := []struct {
		name      string
		checkers  map[string]Checker
		want      Status
		wantCode  int
		wantReady bool
	}{
		{
			name:      "no checks",
			want:      StatusHealthy,
			wantCode:  http.StatusOK,
			wantReady: true,
		},
		{
			name: "all healthy",
			checkers: map[string]Checker{
				"postgres": NewSimpleChecker("postgres", func() error { return nil }),
				"outbox":   fixed("", ""),
			},
			want:      StatusHealthy,
			wantCode:  http.StatusOK,
			wantReady: true,
		},
		{
			name: "open breaker degrades",
			checkers: map[string]Checker{
				"postgres":         NewSimpleChecker("postgres", func() error { return nil }),
				"remote-order-api": fixed(StatusDegraded, "circuit breaker is open"),
			},
			want:      StatusDegraded,
			wantCode:  http.StatusOK,
			wantReady: true,
		},
		{
			name: "unhealthy wins over degraded",
			checkers: map[string]Checker{
				"postgres":         NewSimpleChecker("postgres", func() error { return errors.New("connection refused") }),
				"remote-order-api": fixed(StatusDegraded, "circuit breaker is half-open"),
			},
			want:      StatusUnhealthy,
			wantCode:  http.StatusServiceUnavailable,
			wantReady: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler("v1.2.0")
			for name, c := range tt.checkers {
				h.RegisterChecker(name, c)
			}

			code, resp := healthz(t, h)
			require.Equal(t, tt.wantCode, code)
			require.Equal(t, tt.want, resp.Status)
			require.Equal(t, "v1.2.0", resp.Version)
			require.Len(t, resp.Checks, len(tt.checkers))

			code, body := readyz(h)
			if tt.wantReady {
				require.Equal(t, http.StatusOK, code)
				require.Equal(t, "ready", body)
			} else {
				require.Equal(t, http.StatusServiceUnavailable, code)
				require.Equal(t, "not ready", body)
			}
		})
	}
}

func TestHandler_CheckDetails(t *testing.T) {
	h := NewHandler("dev")
	h.RegisterChecker("postgres", NewSimpleChecker("postgres", func() error { return errors.New("connection refused") }))
	h.RegisterChecker("outbox", fixed(StatusDegraded, "outbox backlog 120 exceeds 100"))

	_, resp := healthz(t, h)
	pg := resp.Checks["postgres"]
	require.Equal(t, "postgres", pg.Name)
	require.Equal(t, StatusUnhealthy, pg.Status)
	require.Equal(t, "connection refused", pg.Message)
	require.Equal(t, "outbox backlog 120 exceeds 100", resp.Checks["outbox"].Message)
	require.Equal(t, []string{"outbox", "postgres"}, h.Names())

	// Повторная регистрация заменяет проверку.
	h.RegisterChecker("postgres", NewSimpleChecker("postgres", func() error { return nil }))
	require.Equal(t, StatusDegraded, h.Evaluate().Status)
}

func TestHandler_Uptime(t *testing.T) {
	h := NewHandler("dev")
	base := h.started
	h.now = func() time.Time { return base.Add(90 * time.Second) }

	resp := h.Evaluate()
	require.Equal(t, int64(90), resp.UptimeSeconds)
	require.True(t, resp.Timestamp.Equal(base.Add(90*time.Second)))
}

func TestHandler_ChecksRunConcurrently(t *testing.T) {
	h := NewHandler("dev")
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	slow := func() error {
		started <- struct{}{}
		<-release
		return nil
	}
	h.RegisterChecker("a", NewSimpleChecker("a", slow))
	h.RegisterChecker("b", NewSimpleChecker("b", slow))

	done := make(chan Response, 1)
	go func() { done <- h.Evaluate() }()

	for range 2 {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("checks were not started in parallel")
		}
	}
	close(release)
	require.Equal(t, StatusHealthy, (<-done).Status)
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}
