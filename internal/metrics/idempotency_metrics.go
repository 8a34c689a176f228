package metrics

import "github.com/prometheus/client_golang/prometheus"

// IdempotencyMetrics собирает метрики очистки ключей идемпотентности симулятора Remote Order API.
type IdempotencyMetrics struct {
	cleanupRuns  *prometheus.CounterVec
	deletedTotal prometheus.Counter
	lastDeleted  prometheus.Gauge
}

// NewIdempotencyMetricsWithRegisterer создаёт метрики cleanup worker.
func NewIdempotencyMetricsWithRegisterer(registerer prometheus.Registerer) *IdempotencyMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &IdempotencyMetrics{
		cleanupRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fuelops_sim_idempotency_cleanup_runs_total",
			Help: "Total number of idempotency cleanup runs grouped by result.",
		}, []string{"result"}),
		deletedTotal: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fuelops_sim_idempotency_cleanup_deleted_total",
			Help: "Total number of deleted expired idempotency records.",
		}),
		lastDeleted: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "fuelops_sim_idempotency_cleanup_last_deleted",
			Help: "Number of deleted records during the last cleanup run.",
		}),
	}
}

// RecordRun учитывает прогон очистки: ok или error.
func (m *IdempotencyMetrics) RecordRun(result string, deleted int) {
	if m == nil {
		return
	}
	m.cleanupRuns.WithLabelValues(result).Inc()
	if result == "ok" {
		m.lastDeleted.Set(float64(deleted))
	}
}

// AddDeleted увеличивает счётчик удалённых записей.
func (m *IdempotencyMetrics) AddDeleted(deleted int) {
	if m == nil || deleted <= 0 {
		return
	}
	m.deletedTotal.Add(float64(deleted))
}
