// Package idempotency обслуживает ключи идемпотентности симулятора Remote Order API.
package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fuelops/internal/metrics"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
)

// ExpiredKeyDeleter описывает часть domain.IdempotencyRepository, нужную очистке.
type ExpiredKeyDeleter interface {
	DeleteExpired(before time.Time, limit int) (int, error)
}

// CleanupOptions задаёт параметры CleanupWorker.
type CleanupOptions struct {
	Logger    *log.Entry
	Metrics   *metrics.IdempotencyMetrics
	Interval  time.Duration
	BatchSize int
	Now       func() time.Time
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupOptions)

// WithLogger задаёт logger воркера.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(o *CleanupOptions) { o.Logger = logger }
}

// WithMetrics включает prometheus-метрики очистки.
func WithMetrics(m *metrics.IdempotencyMetrics) CleanupOption {
	return func(o *CleanupOptions) { o.Metrics = m }
}

// WithInterval задаёт период между запусками очистки.
func WithInterval(d time.Duration) CleanupOption {
	return func(o *CleanupOptions) { o.Interval = d }
}

// WithBatchSize ограничивает одно DELETE, чтобы не держать долгую блокировку таблицы.
func WithBatchSize(n int) CleanupOption {
	return func(o *CleanupOptions) { o.BatchSize = n }
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) CleanupOption {
	return func(o *CleanupOptions) { o.Now = now }
}

// CleanupWorker удаляет ключи с истёкшим TTL. Повтор запроса после TTL симулятор
// обрабатывает как новый, а не как replay.
type CleanupWorker struct {
	repo    ExpiredKeyDeleter
	logger  *log.Entry
	metrics *metrics.IdempotencyMetrics
	opts    CleanupOptions
}

// NewCleanupWorker создаёт воркер; неположительные Interval и BatchSize заменяются значениями по умолчанию.
func NewCleanupWorker(repo ExpiredKeyDeleter, options ...CleanupOption) *CleanupWorker {
	opts := CleanupOptions{Interval: defaultCleanupInterval, BatchSize: defaultCleanupBatchSize}
	for _, opt := range options {
		if opt != nil {
			opt(&opts)
		}
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "idempotency-cleanup")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultCleanupInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultCleanupBatchSize
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &CleanupWorker{repo: repo, logger: opts.Logger, metrics: opts.Metrics, opts: opts}
}

// Run чистит ключи сразу и затем каждые Interval до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup disabled: no repository")
		return
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	for {
		w.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) runOnce(ctx context.Context) {
	deleted, err := w.DeleteExpired(ctx, w.opts.Now())
	switch {
	case errors.Is(err, context.Canceled):
	case err != nil:
		w.metrics.RecordRun("error", deleted)
		w.logger.WithError(err).WithField("deleted", deleted).Warn("idempotency cleanup failed")
	default:
		w.metrics.RecordRun("ok", deleted)
		if deleted > 0 {
			w.logger.WithField("deleted", deleted).Info("expired idempotency keys removed")
		}
	}
}

// DeleteExpired удаляет ключи с TTL <= before порциями BatchSize; нулевой before заменяется текущим временем.
// Неполная порция означает, что просроченных ключей не осталось.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.opts.Now()
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := w.repo.DeleteExpired(before, w.opts.BatchSize)
		if err != nil {
			return total, err
		}
		total += n
		w.metrics.AddDeleted(n)
		if n < w.opts.BatchSize {
			return total, nil
		}
	}
}
