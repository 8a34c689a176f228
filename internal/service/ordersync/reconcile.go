package ordersync

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
	"github.com/vladislavdragonenkov/fuelops/internal/metrics"
)

// Disposition — итог сверки исхода удалённого вызова с локальной записью.
type Disposition string

const (
	// Сервер принял действие, изменений диспетчера нет.
	DispositionSynced Disposition = metrics.DispositionSynced
	// Сервер сообщил о более новом change_version; нужен acknowledge_change.
	DispositionConflict Disposition = metrics.DispositionConflict
	// Вызов не удался, переход откатан.
	DispositionFailed Disposition = metrics.DispositionFailed
	// Исход устарел (вызов заменён или запись уже не queued) и отброшен.
	DispositionStale Disposition = metrics.DispositionStale
)

// Outcome несёт результат удалённого вызова вместе с его номером.
type Outcome struct {
	Seq      uint64
	Response domain.RemoteOrder
	Err      error
}

// Reconcile применяет исход к записи и возвращает итог. Функция чистая: ни сети, ни хранилища.
//
// Исход принимается только если запись queued и ожидает вызов с тем же Seq; остальные
// исходы (ответ после таймаута и retry, ответ на заменённый вызов) отбрасываются.
func Reconcile(rec *domain.OrderRecord, out Outcome) Disposition {
	call := rec.Call
	if rec.SyncState != domain.SyncStateQueued || call == nil || call.Seq != out.Seq {
		return DispositionStale
	}

	switch {
	case out.Err == nil:
		return reconcileSuccess(rec, call, out.Response)
	case errors.Is(out.Err, domain.ErrRemoteConflict) && out.Response.ID != "" &&
		out.Response.ChangeVersion > call.BaseChangeVersion:
		return reconcileConflict(rec, call, out.Response)
	case errors.Is(out.Err, domain.ErrRemoteConflict) && out.Response.ID != "":
		// 409 без новой правки диспетчера: действие не выполнено, откатываемся к канонической записи.
		if out.Response.ChangeVersion >= rec.ChangeVersion && out.Response.Status.Valid() {
			call.PrevStatus = out.Response.Status
			call.PrevAssignedWorkerID = out.Response.AssignedWorkerID
		}
		return reconcileFailure(rec, call, out.Err)
	default:
		return reconcileFailure(rec, call, out.Err)
	}
}

func reconcileSuccess(rec *domain.OrderRecord, call *domain.RemoteCall, resp domain.RemoteOrder) Disposition {
	// Push диспетчера с большей версией, пришедший во время вызова, имеет приоритет над ответом:
	// запись возвращается к состоянию из push.
	if resp.ChangeVersion >= rec.ChangeVersion {
		adoptServerState(rec, resp)
	} else {
		restorePushedState(rec, call)
	}
	if call.Action == domain.ActionAcknowledgeChange {
		// Подтверждается только то, что заправщик видел на момент запроса.
		rec.AcknowledgedChangeVersion = call.BaseChangeVersion
	}
	markSynced(rec)

	if resp.ChangeVersion > call.BaseChangeVersion || rec.HasPendingChanges() {
		return DispositionConflict
	}
	return DispositionSynced
}

func reconcileConflict(rec *domain.OrderRecord, call *domain.RemoteCall, resp domain.RemoteOrder) Disposition {
	if resp.ChangeVersion >= rec.ChangeVersion {
		adoptServerState(rec, resp)
	} else {
		restorePushedState(rec, call)
	}
	if call.Action == domain.ActionAcknowledgeChange {
		rec.AcknowledgedChangeVersion = call.PrevAckVersion
	}
	markSynced(rec)
	return DispositionConflict
}

func reconcileFailure(rec *domain.OrderRecord, call *domain.RemoteCall, err error) Disposition {
	restorePushedState(rec, call)
	if call.Action == domain.ActionAcknowledgeChange {
		rec.AcknowledgedChangeVersion = call.PrevAckVersion
	}
	rec.SyncState = domain.SyncStateFailed
	rec.LastError = describeFailure(err)
	// Call и черновик Completion остаются: retry отправит тот же запрос.
	return DispositionFailed
}

// restorePushedState возвращает статус и назначение, известные до вызова.
// applyDispatcherEdit обновляет их в Call, если во время вызова пришёл push.
func restorePushedState(rec *domain.OrderRecord, call *domain.RemoteCall) {
	rec.Status = call.PrevStatus
	rec.AssignedWorkerID = call.PrevAssignedWorkerID
}

func adoptServerState(rec *domain.OrderRecord, resp domain.RemoteOrder) {
	if resp.Status.Valid() {
		rec.Status = resp.Status
	}
	rec.AssignedWorkerID = resp.AssignedWorkerID
	rec.ChangeVersion = resp.ChangeVersion
	if rec.AcknowledgedChangeVersion > rec.ChangeVersion {
		rec.AcknowledgedChangeVersion = rec.ChangeVersion
	}
}

func markSynced(rec *domain.OrderRecord) {
	rec.SyncState = domain.SyncStateSynced
	rec.LastError = ""
	rec.Call = nil
}

func describeFailure(err error) string {
	switch {
	case err == nil:
		return "unknown error"
	case errors.Is(err, context.DeadlineExceeded):
		return "remote call timed out"
	case errors.Is(err, context.Canceled):
		return "remote call canceled"
	default:
		return err.Error()
	}
}

const resolveSaveAttempts = 3

// resolve сверяет исход вызова с текущей записью под блокировкой движка.
func (e *Engine) resolve(orderID string, out Outcome) Disposition {
	e.mu.Lock()
	defer e.mu.Unlock()

	logger := e.logger.WithFields(log.Fields{
		"order_id": orderID,
		"seq":      out.Seq,
	})

	if seq, ok := e.inflight[orderID]; ok && seq == out.Seq {
		delete(e.inflight, orderID)
	}

	var (
		rec         domain.OrderRecord
		action      domain.Action
		disposition Disposition
	)
	for attempt := 1; ; attempt++ {
		var err error
		rec, err = e.store.Get(orderID)
		if err != nil {
			logger.WithError(err).Warn("order disappeared before reconciliation")
			return DispositionStale
		}
		if rec.Call != nil {
			action = rec.Call.Action
		}

		disposition = Reconcile(&rec, out)
		if disposition == DispositionStale {
			if e.metrics != nil {
				e.metrics.RecordOutcome(string(disposition))
			}
			logger.WithError(out.Err).Debug("stale outcome discarded")
			return disposition
		}

		rec.UpdatedAt = e.now()
		err = e.store.Save(rec)
		if err == nil {
			break
		}
		if attempt == resolveSaveAttempts {
			// Запись осталась queued без владельца; RecoverInterrupted или следующее действие переведут её в failed.
			logger.WithError(err).Error("failed to persist reconciliation")
			return disposition
		}
		logger.WithError(err).WithField("attempt", attempt).Warn("persist reconciliation failed, reloading order")
	}
	if e.metrics != nil {
		e.metrics.RecordOutcome(string(disposition))
	}

	logger = logger.WithFields(log.Fields{
		"action":         action,
		"disposition":    disposition,
		"sync_state":     rec.SyncState,
		"change_version": rec.ChangeVersion,
	})

	switch disposition {
	case DispositionSynced:
		logger.Info("order synced")
		if action == domain.ActionAcknowledgeChange {
			e.emitEvent(rec, domain.EventChangeAcknowledged, "", map[string]interface{}{"action": string(action)})
		} else {
			e.emitEvent(rec, domain.EventSynced, "", map[string]interface{}{"action": string(action)})
		}
	case DispositionConflict:
		logger.Warn("order changed by dispatcher, acknowledgement required")
		reason := fmt.Sprintf("change_version %d, acknowledged %d", rec.ChangeVersion, rec.AcknowledgedChangeVersion)
		e.emitEvent(rec, domain.EventChangePending, reason, map[string]interface{}{"action": string(action)})
	case DispositionFailed:
		logger.WithError(out.Err).Warn("remote call failed, transition rolled back")
		e.emitEvent(rec, domain.EventSyncFailed, rec.LastError, map[string]interface{}{"action": string(action)})
	}
	return disposition
}
