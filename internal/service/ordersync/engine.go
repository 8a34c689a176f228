package ordersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
	"github.com/vladislavdragonenkov/fuelops/internal/metrics"
)

const defaultRemoteTimeout = 30 * time.Second

var (
	// ErrEngineStopped возвращается для действий, запрошенных после Shutdown.
	ErrEngineStopped = errors.New("sync engine is stopped")
	// ErrCallInterrupted — исход вызова потерян: агент перезапущен или сверка не сохранилась.
	ErrCallInterrupted = errors.New("remote call interrupted before its outcome was recorded")
)

// EngineOptions задаёт параметры движка оптимистичных обновлений.
type EngineOptions struct {
	Logger        *log.Entry
	Metrics       *metrics.SyncMetrics
	Timeline      domain.TimelineRepository
	Outbox        domain.OutboxRepository
	RemoteTimeout time.Duration
	Clock         func() time.Time
	KeyGenerator  func() string
}

// Option настраивает Engine.
type Option func(*EngineOptions)

// WithLogger задаёт logger движка.
func WithLogger(logger *log.Entry) Option {
	return func(opts *EngineOptions) {
		opts.Logger = logger
	}
}

// WithMetrics включает prometheus-метрики синхронизации.
func WithMetrics(m *metrics.SyncMetrics) Option {
	return func(opts *EngineOptions) {
		opts.Metrics = m
	}
}

// WithTimeline включает запись timeline-событий по заявкам.
func WithTimeline(repo domain.TimelineRepository) Option {
	return func(opts *EngineOptions) {
		opts.Timeline = repo
	}
}

// WithOutbox включает запись событий синхронизации в transactional outbox.
func WithOutbox(repo domain.OutboxRepository) Option {
	return func(opts *EngineOptions) {
		opts.Outbox = repo
	}
}

// WithRemoteTimeout задаёт таймаут одного удалённого вызова.
func WithRemoteTimeout(timeout time.Duration) Option {
	return func(opts *EngineOptions) {
		opts.RemoteTimeout = timeout
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(clock func() time.Time) Option {
	return func(opts *EngineOptions) {
		opts.Clock = clock
	}
}

// WithKeyGenerator подменяет генератор idempotency-key.
func WithKeyGenerator(gen func() string) Option {
	return func(opts *EngineOptions) {
		opts.KeyGenerator = gen
	}
}

// guardFunc проверяет запись под блокировкой движка и возвращает payload для вызова.
type guardFunc func(order domain.OrderRecord) (*domain.CompletionPayload, error)

// Engine применяет переходы оптимистично и сверяет их с Remote Order API.
// Все мутации коллекции заявок сериализуются mu; удалённые вызовы идут вне блокировки.
type Engine struct {
	mu       sync.Mutex
	store    domain.OrderStore
	remote   domain.RemoteOrderAPI
	timeline domain.TimelineRepository
	outbox   domain.OutboxRepository
	logger   *log.Entry
	metrics  *metrics.SyncMetrics
	timeout  time.Duration
	now      func() time.Time
	newKey   func() string

	seq    uint64
	closed bool
	// inflight — номера вызовов, выполняемых этим процессом, по ID заявки.
	inflight map[string]uint64

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine создаёт движок поверх локального хранилища и клиента Remote Order API.
func NewEngine(store domain.OrderStore, remote domain.RemoteOrderAPI, options ...Option) *Engine {
	opts := EngineOptions{
		RemoteTimeout: defaultRemoteTimeout,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New().WithField("component", "ordersync")
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = defaultRemoteTimeout
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.KeyGenerator == nil {
		opts.KeyGenerator = uuid.NewString
	}

	baseCtx, stop := context.WithCancel(context.Background())
	return &Engine{
		store:    store,
		remote:   remote,
		timeline: opts.Timeline,
		outbox:   opts.Outbox,
		logger:   logger,
		metrics:  opts.Metrics,
		timeout:  opts.RemoteTimeout,
		now:      opts.Clock,
		newKey:   opts.KeyGenerator,
		inflight: make(map[string]uint64),
		baseCtx:  baseCtx,
		stop:     stop,
	}
}

// Get возвращает текущее состояние заявки.
func (e *Engine) Get(orderID string) (domain.OrderRecord, error) {
	return e.store.Get(orderID)
}

// List возвращает заявки, видимые заправщику.
func (e *Engine) List(workerID string) ([]domain.OrderRecord, error) {
	return e.store.ListForWorker(workerID)
}

// apply атомарно проверяет запись через guard и применяет оптимистичный переход.
// Повторная проверка под блокировкой работает как compare-and-set: из одновременных
// запросов по одной заявке выигрывает ровно один.
func (e *Engine) apply(orderID string, action domain.Action, userID string, guard guardFunc) (domain.OrderRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return domain.OrderRecord{}, ErrEngineStopped
	}

	rec, err := e.store.Get(orderID)
	if err != nil {
		return domain.OrderRecord{}, err
	}
	if _, err := e.failInterrupted(&rec); err != nil {
		return domain.OrderRecord{}, err
	}

	payload, err := guard(rec)
	if err != nil {
		return domain.OrderRecord{}, err
	}

	var call *domain.RemoteCall
	switch action {
	case domain.ActionRetry:
		// Тот же целевой статус, payload и idempotency-key, без повторной валидации.
		call = rec.Call.Clone()
		call.Attempt++
	case domain.ActionAcknowledgeChange:
		call = &domain.RemoteCall{
			Action:         action,
			IdempotencyKey: e.newKey(),
			Attempt:        1,
		}
	default:
		target, _ := action.TargetStatus()
		call = &domain.RemoteCall{
			Action:         action,
			TargetStatus:   target,
			Payload:        payload.Clone(),
			IdempotencyKey: e.newKey(),
			Attempt:        1,
		}
	}
	call.RequestedBy = userID

	return e.launch(rec, call)
}

// launch применяет локальный эффект вызова одной записью в хранилище и запускает удалённый вызов.
// Вызывается под e.mu.
func (e *Engine) launch(rec domain.OrderRecord, call *domain.RemoteCall) (domain.OrderRecord, error) {
	e.seq++
	call.Seq = e.seq
	call.IssuedAt = e.now()
	call.PrevStatus = rec.Status
	call.PrevAssignedWorkerID = rec.AssignedWorkerID
	call.PrevAckVersion = rec.AcknowledgedChangeVersion
	call.BaseChangeVersion = rec.ChangeVersion

	switch call.Action {
	case domain.ActionAcknowledgeChange:
		call.TargetStatus = rec.Status
		rec.AcknowledgedChangeVersion = rec.ChangeVersion
	case domain.ActionClaim:
		rec.AssignedWorkerID = call.RequestedBy
	case domain.ActionComplete:
		rec.Completion = call.Payload.Clone()
	}
	rec.Status = call.TargetStatus
	rec.SyncState = domain.SyncStateQueued
	rec.LastError = ""
	rec.Call = call
	rec.UpdatedAt = call.IssuedAt

	if err := e.store.Save(rec); err != nil {
		e.logger.WithError(err).WithFields(log.Fields{
			"order_id": rec.ID,
			"action":   call.Action,
		}).Error("failed to persist optimistic transition")
		return domain.OrderRecord{}, fmt.Errorf("save order %s: %w", rec.ID, err)
	}
	rec.Revision++

	e.logger.WithFields(log.Fields{
		"order_id":       rec.ID,
		"action":         call.Action,
		"seq":            call.Seq,
		"attempt":        call.Attempt,
		"change_version": rec.ChangeVersion,
	}).Info("action queued")

	e.emitEvent(rec, domain.EventActionQueued, "", map[string]interface{}{
		"action":        string(call.Action),
		"target_status": string(call.TargetStatus),
		"seq":           call.Seq,
		"attempt":       call.Attempt,
	})
	if e.metrics != nil {
		e.metrics.RecordActionRequested(string(call.Action))
		e.metrics.RecordCallStarted()
	}

	e.dispatchCall(rec.ID, call.Clone())
	return rec.Clone(), nil
}

// dispatchCall выполняет удалённый вызов в отдельной goroutine и передаёт исход сверке.
// Вызывается под e.mu, поэтому wg.Add не гоняется с Shutdown.
func (e *Engine) dispatchCall(orderID string, call *domain.RemoteCall) {
	req := domain.RemoteRequest{
		OrderID:           orderID,
		Action:            call.Action,
		WorkerID:          call.RequestedBy,
		Payload:           call.Payload,
		IdempotencyKey:    call.IdempotencyKey,
		BaseChangeVersion: call.BaseChangeVersion,
	}

	e.inflight[orderID] = call.Seq
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(e.baseCtx, e.timeout)
		start := time.Now()
		resp, err := e.remote.Perform(ctx, req)
		cancel()

		if e.metrics != nil {
			e.metrics.RecordCallFinished(string(call.Action), time.Since(start))
		}
		e.resolve(orderID, Outcome{Seq: call.Seq, Response: resp, Err: err})
	}()
}

// RecoverInterrupted переводит в failed queued-записи заправщика, вызовы которых не выполняются
// этим процессом, и продолжает нумерацию вызовов после сохранённых. Такие записи остаются
// после перезапуска агента; retry отправит их с тем же idempotency-key.
func (e *Engine) RecoverInterrupted(workerID string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	orders, err := e.store.ListForWorker(workerID)
	if err != nil {
		return 0, fmt.Errorf("list orders of %s: %w", workerID, err)
	}

	recovered := 0
	for i := range orders {
		ok, err := e.failInterrupted(&orders[i])
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
		}
	}
	if recovered > 0 {
		e.logger.WithFields(log.Fields{
			"worker_id": workerID,
			"recovered": recovered,
		}).Warn("interrupted remote calls marked as failed")
	}
	return recovered, nil
}

// failInterrupted сверяет queued-запись без владельца как неудачный вызов и сохраняет её.
// Вызывается под e.mu.
func (e *Engine) failInterrupted(rec *domain.OrderRecord) (bool, error) {
	if rec.Call != nil && rec.Call.Seq > e.seq {
		e.seq = rec.Call.Seq
	}
	if rec.SyncState != domain.SyncStateQueued || rec.Call == nil {
		return false, nil
	}
	if seq, ok := e.inflight[rec.ID]; ok && seq == rec.Call.Seq {
		return false, nil
	}

	call := rec.Call
	disposition := Reconcile(rec, Outcome{Seq: call.Seq, Err: ErrCallInterrupted})
	rec.UpdatedAt = e.now()
	if err := e.store.Save(*rec); err != nil {
		return false, fmt.Errorf("save order %s: %w", rec.ID, err)
	}
	rec.Revision++
	if e.metrics != nil {
		e.metrics.RecordOutcome(string(disposition))
	}

	e.logger.WithFields(log.Fields{
		"order_id": rec.ID,
		"action":   call.Action,
		"seq":      call.Seq,
	}).Warn("remote call has no owner, transition rolled back")
	e.emitEvent(*rec, domain.EventSyncFailed, rec.LastError, map[string]interface{}{"action": string(call.Action)})
	return true, nil
}

// Wait блокируется до завершения всех удалённых вызовов в полёте.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown перестаёт принимать действия и дожидается вызовов в полёте.
// Если ctx истекает раньше, оставшиеся вызовы отменяются и сверяются как failed.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.stop()
		return nil
	case <-ctx.Done():
		e.stop()
		<-done
		return ctx.Err()
	}
}

// emitEvent пишет событие синхронизации в outbox и timeline. Вызывается под e.mu.
func (e *Engine) emitEvent(rec domain.OrderRecord, eventType, reason string, payload map[string]interface{}) {
	occurred := e.now()
	if payload == nil {
		payload = make(map[string]interface{})
	}
	payload["order_id"] = rec.ID
	payload["status"] = string(rec.Status)
	payload["sync_state"] = string(rec.SyncState)
	payload["change_version"] = rec.ChangeVersion
	payload["acknowledged_change_version"] = rec.AcknowledgedChangeVersion
	payload["ts"] = occurred.Format(time.RFC3339Nano)
	if reason != "" {
		payload["reason"] = reason
	}

	if e.outbox != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			e.logger.WithError(err).WithFields(log.Fields{
				"order_id": rec.ID,
				"event":    eventType,
			}).Error("marshal event failed")
		} else {
			msg := domain.OutboxMessage{
				AggregateType: "fuel_order",
				AggregateID:   rec.ID,
				EventType:     eventType,
				Payload:       data,
			}
			if _, err := e.outbox.Enqueue(msg); err != nil {
				e.logger.WithError(err).WithFields(log.Fields{
					"order_id": rec.ID,
					"event":    eventType,
				}).Error("enqueue event failed")
			} else if e.metrics != nil {
				e.metrics.RecordOutboxEvent()
			}
		}
	}

	if e.timeline != nil {
		event := domain.TimelineEvent{
			OrderID:  rec.ID,
			Type:     eventType,
			Reason:   reason,
			Occurred: occurred,
		}
		if err := e.timeline.Append(event); err != nil {
			e.logger.WithError(err).WithFields(log.Fields{
				"order_id": rec.ID,
				"event":    eventType,
			}).Warn("append timeline event failed")
		} else if e.metrics != nil {
			e.metrics.RecordTimelineEvent()
		}
	}
}
