package ordersync

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
)

// PushResult описывает, как push диспетчера повлиял на локальную запись.
type PushResult string

const (
	// Заявка впервые появилась у агента.
	PushCreated PushResult = "created"
	// Версия push новее локальной, изменения применены.
	PushApplied PushResult = "applied"
	// Push не новее локального состояния.
	PushIgnored PushResult = "ignored"
)

// ObservePush применяет каноническое состояние, присланное диспетчером.
// Push с change_version не больше локальной игнорируется.
func (e *Engine) ObservePush(push domain.RemoteOrder) (PushResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.observe(push, false)
}

// Refresh загружает заявки заправщика из Remote Order API и применяет их как push.
// В отличие от push, для synced записей с той же версией принимается серверный статус:
// переходы заправщика не увеличивают change_version. Прерванные вызовы сначала
// переводятся в failed (см. RecoverInterrupted).
func (e *Engine) Refresh(ctx context.Context, workerID string) (int, error) {
	if _, err := e.RecoverInterrupted(workerID); err != nil {
		return 0, err
	}

	orders, err := e.remote.ListOrders(ctx, workerID)
	if err != nil {
		return 0, fmt.Errorf("list remote orders: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	changed := 0
	for _, order := range orders {
		result, err := e.observe(order, true)
		if err != nil {
			return changed, err
		}
		if result != PushIgnored {
			changed++
		}
	}
	e.logger.WithFields(log.Fields{
		"worker_id": workerID,
		"orders":    len(orders),
		"changed":   changed,
	}).Info("orders refreshed")
	return changed, nil
}

// observe вызывается под e.mu.
func (e *Engine) observe(push domain.RemoteOrder, refresh bool) (PushResult, error) {
	if push.ID == "" {
		return PushIgnored, domain.ErrOrderIDRequired
	}
	if !push.Status.Valid() {
		return PushIgnored, fmt.Errorf("%w: %q", domain.ErrUnknownStatus, push.Status)
	}

	logger := e.logger.WithFields(log.Fields{
		"order_id":       push.ID,
		"change_version": push.ChangeVersion,
		"status":         push.Status,
	})

	rec, err := e.store.Get(push.ID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		return e.createFromPush(push, refresh, logger)
	}
	if err != nil {
		return PushIgnored, err
	}

	switch {
	case push.ChangeVersion > rec.ChangeVersion:
		applyDispatcherEdit(&rec, push)
	case refresh && push.ChangeVersion == rec.ChangeVersion && rec.SyncState == domain.SyncStateSynced &&
		(rec.Status != push.Status || rec.AssignedWorkerID != push.AssignedWorkerID):
		rec.Status = push.Status
		rec.AssignedWorkerID = push.AssignedWorkerID
	default:
		if e.metrics != nil {
			e.metrics.RecordPush(string(PushIgnored))
		}
		logger.WithField("local_change_version", rec.ChangeVersion).Debug("stale push ignored")
		return PushIgnored, nil
	}

	rec.UpdatedAt = e.now()
	if err := e.store.Save(rec); err != nil {
		logger.WithError(err).Error("failed to persist push")
		return PushIgnored, fmt.Errorf("save order %s: %w", rec.ID, err)
	}
	if e.metrics != nil {
		e.metrics.RecordPush(string(PushApplied))
	}
	logger.WithFields(log.Fields{
		"sync_state":      rec.SyncState,
		"pending_changes": rec.HasPendingChanges(),
	}).Info("dispatcher change applied")

	var reason string
	if rec.HasPendingChanges() {
		reason = fmt.Sprintf("change_version %d, acknowledged %d", rec.ChangeVersion, rec.AcknowledgedChangeVersion)
	}
	e.emitEvent(rec, domain.EventPushApplied, reason, nil)
	return PushApplied, nil
}

// applyDispatcherEdit применяет push с большей версией. Подтверждённая версия не меняется:
// изменения диспетчера никогда не подтверждаются автоматически.
func applyDispatcherEdit(rec *domain.OrderRecord, push domain.RemoteOrder) {
	rec.ChangeVersion = push.ChangeVersion

	if rec.Call != nil {
		// Откат и поздний ответ должны учитывать состояние после push.
		rec.Call.PrevStatus = push.Status
		rec.Call.PrevAssignedWorkerID = push.AssignedWorkerID
	}

	if rec.SyncState == domain.SyncStateQueued {
		// Оптимистичный статус сохраняется, пока вызов в полёте; отмена диспетчером побеждает.
		if push.Status == domain.OrderStatusCancelled {
			rec.Status = push.Status
			rec.AssignedWorkerID = push.AssignedWorkerID
		}
		return
	}
	rec.Status = push.Status
	rec.AssignedWorkerID = push.AssignedWorkerID
}

func (e *Engine) createFromPush(push domain.RemoteOrder, refresh bool, logger *log.Entry) (PushResult, error) {
	ack := push.ChangeVersion
	if refresh && push.AcknowledgedChangeVersion <= push.ChangeVersion && push.AcknowledgedChangeVersion >= 0 {
		ack = push.AcknowledgedChangeVersion
	}
	rec := domain.OrderRecord{
		ID:                        push.ID,
		Status:                    push.Status,
		AssignedWorkerID:          push.AssignedWorkerID,
		ChangeVersion:             push.ChangeVersion,
		AcknowledgedChangeVersion: ack,
		SyncState:                 domain.SyncStateSynced,
		Completion:                push.Completion.Clone(),
		UpdatedAt:                 e.now(),
	}
	if err := e.store.Create(rec); err != nil {
		logger.WithError(err).Error("failed to create order from push")
		return PushIgnored, fmt.Errorf("create order %s: %w", rec.ID, err)
	}
	if e.metrics != nil {
		e.metrics.RecordPush(string(PushCreated))
	}
	logger.Info("order received from dispatcher")
	e.emitEvent(rec, domain.EventPushApplied, "created", nil)
	return PushCreated, nil
}
