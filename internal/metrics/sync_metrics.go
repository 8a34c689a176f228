package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Исходы синхронизации, используемые как значения лейбла disposition.
const (
	DispositionSynced   = "synced"
	DispositionConflict = "conflict"
	DispositionFailed   = "failed"
	DispositionStale    = "stale"
)

// SyncMetrics содержит метрики протокола оптимистичной синхронизации заявок.
type SyncMetrics struct {
	// Счётчики действий
	actionsRequested *prometheus.CounterVec
	actionsRejected  *prometheus.CounterVec

	// Исходы удалённых вызовов и push-события диспетчера
	syncOutcomes *prometheus.CounterVec
	pushes       *prometheus.CounterVec

	remoteDuration *prometheus.HistogramVec

	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter

	// Gauge для вызовов в полёте
	inFlight prometheus.Gauge
}

// NewSyncMetrics создаёт метрики в DefaultRegisterer.
func NewSyncMetrics() *SyncMetrics {
	return NewSyncMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSyncMetricsWithRegisterer создаёт метрики в переданном registerer (удобно для тестов).
func NewSyncMetricsWithRegisterer(registerer prometheus.Registerer) *SyncMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SyncMetrics{
		actionsRequested: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fuelops_actions_requested_total",
			Help: "Total number of worker actions accepted by the dispatcher",
		}, []string{"action"}),
		actionsRejected: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fuelops_actions_rejected_total",
			Help: "Total number of worker actions rejected before any remote call",
		}, []string{"reason"}),
		syncOutcomes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fuelops_sync_outcomes_total",
			Help: "Remote call outcomes by disposition",
		}, []string{"disposition"}),
		pushes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fuelops_dispatch_pushes_total",
			Help: "Dispatcher pushes observed by the agent",
		}, []string{"result"}),
		remoteDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "fuelops_remote_call_duration_seconds",
			Help:    "Duration of Remote Order API calls in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10, 30},
		}, []string{"action"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fuelops_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fuelops_outbox_events_total",
			Help: "Total number of sync events enqueued to outbox",
		}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "fuelops_remote_calls_in_flight",
			Help: "Number of remote calls currently in flight",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordActionRequested увеличивает счётчик принятых действий.
func (m *SyncMetrics) RecordActionRequested(action string) {
	m.actionsRequested.WithLabelValues(action).Inc()
}

// RecordActionRejected увеличивает счётчик отклонённых действий.
func (m *SyncMetrics) RecordActionRejected(reason string) {
	m.actionsRejected.WithLabelValues(reason).Inc()
}

// RecordOutcome учитывает исход удалённого вызова.
func (m *SyncMetrics) RecordOutcome(disposition string) {
	m.syncOutcomes.WithLabelValues(disposition).Inc()
}

// RecordPush учитывает push-событие диспетчера.
func (m *SyncMetrics) RecordPush(result string) {
	m.pushes.WithLabelValues(result).Inc()
}

// RecordCallStarted увеличивает количество вызовов в полёте.
func (m *SyncMetrics) RecordCallStarted() {
	m.inFlight.Inc()
}

// RecordCallFinished уменьшает количество вызовов в полёте и пишет длительность.
func (m *SyncMetrics) RecordCallFinished(action string, duration time.Duration) {
	m.inFlight.Dec()
	m.remoteDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *SyncMetrics) RecordTimelineEvent() {
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *SyncMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}
