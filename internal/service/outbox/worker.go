// Package outbox доставляет события синхронизации заявок из transactional outbox в брокер.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
	"github.com/vladislavdragonenkov/fuelops/internal/metrics"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 5 * time.Second
)

// Результаты публикации для fuelops_outbox_publish_attempts_total.
const (
	resultSent       = "sent"
	resultRetryError = "retry_error"
	resultFailed     = "failed"
	resultDLQFailed  = "dlq_failed"
	resultDeferred   = "deferred"
)

// WorkerOptions задаёт параметры Worker.
type WorkerOptions struct {
	Logger         *log.Entry
	Metrics        *metrics.OutboxMetrics
	DLQPublisher   domain.OutboxPublisher
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

type Option func(*WorkerOptions)

func WithLogger(logger *log.Entry) Option {
	return func(o *WorkerOptions) { o.Logger = logger }
}

func WithMetrics(m *metrics.OutboxMetrics) Option {
	return func(o *WorkerOptions) { o.Metrics = m }
}

// WithDLQPublisher задаёт, куда уходит событие, не опубликованное за MaxAttempts.
func WithDLQPublisher(p domain.OutboxPublisher) Option {
	return func(o *WorkerOptions) { o.DLQPublisher = p }
}

func WithPollInterval(d time.Duration) Option {
	return func(o *WorkerOptions) { o.PollInterval = d }
}

func WithBatchSize(n int) Option {
	return func(o *WorkerOptions) { o.BatchSize = n }
}

func WithMaxAttempts(n int) Option {
	return func(o *WorkerOptions) { o.MaxAttempts = n }
}

// WithRetryBaseDelay задаёт первую паузу между попытками; далее она удваивается до maxRetryDelay.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(o *WorkerOptions) { o.RetryBaseDelay = d }
}

// Worker опрашивает outbox и публикует события. События одной заявки уходят в порядке постановки:
// если событие заявки не удалось закрыть (sent или failed), остальные события этой заявки
// в текущем батче откладываются до следующего цикла.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	logger    *log.Entry
	metrics   *metrics.OutboxMetrics
	opts      WorkerOptions
}

func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
	}
	for _, opt := range options {
		if opt != nil {
			opt(&opts)
		}
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "outbox-worker")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	opts.RetryBaseDelay = max(opts.RetryBaseDelay, 0)

	return &Worker{
		repo:      repo,
		publisher: publisher,
		dlq:       opts.DLQPublisher,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		opts:      opts,
	}
}

func (w *Worker) enabled() bool {
	return w.repo != nil && w.publisher != nil
}

// Run публикует outbox каждые PollInterval до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if !w.enabled() {
		w.logger.Warn("outbox worker disabled: no repository or publisher")
		return
	}

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce обрабатывает один батч и возвращает число закрытых сообщений.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil || !w.enabled() {
		return 0
	}
	defer w.refreshBacklog()

	batch, err := w.repo.PullPending(w.opts.BatchSize)
	if err != nil {
		w.logger.WithError(err).Warn("pull pending outbox messages")
		return 0
	}

	blocked := make(map[string]bool)
	settled := 0
	for _, msg := range batch {
		if ctx.Err() != nil {
			break
		}
		entry := w.logger.WithFields(log.Fields{
			"outbox_id":  msg.ID,
			"order_id":   msg.AggregateID,
			"event_type": msg.EventType,
		})
		if blocked[msg.AggregateID] {
			w.metrics.RecordPublish(resultDeferred)
			entry.Debug("earlier event of the order is unsettled, deferring")
			continue
		}
		if w.deliver(ctx, msg, entry) {
			settled++
		} else {
			blocked[msg.AggregateID] = true
		}
	}
	return settled
}

// deliver публикует сообщение и закрывает его в outbox. false означает, что сообщение осталось pending.
func (w *Worker) deliver(ctx context.Context, msg domain.OutboxMessage, entry *log.Entry) bool {
	pubErr := w.publishWithRetry(ctx, msg)
	if pubErr == nil {
		if err := w.repo.MarkSent(msg.ID); err != nil {
			entry.WithError(err).Warn("published but not marked sent, will be republished")
			return false
		}
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	entry.WithError(pubErr).Error("outbox publish failed after retries")
	w.metrics.RecordPublish(resultFailed)
	if err := w.deadLetter(msg, pubErr); err != nil {
		entry.WithError(err).Warn("dead-letter outbox message")
		w.metrics.RecordPublish(resultDLQFailed)
	}
	if err := w.repo.MarkFailed(msg.ID); err != nil {
		entry.WithError(err).Warn("mark outbox message failed")
		return false
	}
	return true
}

func (w *Worker) publishWithRetry(ctx context.Context, msg domain.OutboxMessage) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = w.publisher.Publish(msg); err == nil {
			w.metrics.RecordPublish(resultSent)
			return nil
		}
		w.metrics.RecordPublish(resultRetryError)
		if attempt >= w.opts.MaxAttempts {
			break
		}
		if delay := w.backoff(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", domain.ErrOutboxPublish, w.opts.MaxAttempts, err)
}

// backoff: base, 2*base, 4*base ... не больше maxRetryDelay.
func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.opts.RetryBaseDelay
	for i := 1; i < attempt && delay > 0 && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

// deadLetterBody разбирается утилитой cmd/dlq-reprocess.
type deadLetterBody struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
	PublishedAt   string          `json:"dlq_published_at"`
}

func (w *Worker) deadLetter(msg domain.OutboxMessage, cause error) error {
	if w.dlq == nil {
		return nil
	}
	body, err := json.Marshal(deadLetterBody{
		OutboxID:      msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       json.RawMessage(msg.Payload),
		PublishError:  cause.Error(),
		PublishedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	dead := msg
	dead.Payload = body
	if err := w.dlq.Publish(dead); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

func (w *Worker) refreshBacklog() {
	if w.metrics == nil {
		return
	}
	stats, err := w.repo.Stats()
	if err != nil {
		w.logger.WithError(err).Warn("collect outbox backlog stats")
		return
	}
	var age time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = time.Since(stats.OldestPendingAt)
	}
	w.metrics.SetBacklog(stats.PendingCount, age)
}

// Flush дренирует outbox перед остановкой агента, пока циклы продвигаются.
func (w *Worker) Flush(ctx context.Context) {
	if !w.enabled() {
		return
	}
	for ctx.Err() == nil {
		if w.ProcessOnce(ctx) == 0 {
			return
		}
	}
}
