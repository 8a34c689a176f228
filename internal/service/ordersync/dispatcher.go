package ordersync

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
)

// Dispatcher принимает все действия заправщика: валидирует запрос и передаёт его движку.
// Отклонённый запрос не меняет состояние и не выполняет сетевых вызовов.
type Dispatcher struct {
	engine     *Engine
	session    domain.SessionProvider
	capability domain.Capability
	logger     *log.Entry
}

// NewDispatcher создаёт диспетчер действий. Без capability используется AssignmentPolicy.
func NewDispatcher(engine *Engine, session domain.SessionProvider, capability domain.Capability, logger *log.Entry) *Dispatcher {
	if logger == nil {
		logger = log.New().WithField("component", "action-dispatcher")
	}
	if capability == nil {
		capability = AssignmentPolicy{}
	}
	return &Dispatcher{
		engine:     engine,
		session:    session,
		capability: capability,
		logger:     logger,
	}
}

// RequestAction валидирует действие и, если оно допустимо, применяет его оптимистично.
// Возвращает запись в состоянии queued; итог удалённого вызова появится позже.
func (d *Dispatcher) RequestAction(ctx context.Context, req domain.ActionRequest) (domain.OrderRecord, error) {
	logger := d.logger.WithFields(log.Fields{
		"order_id": req.OrderID,
		"action":   req.Action,
	})

	userID, err := d.resolveUser(ctx, req.UserID)
	if err != nil {
		return domain.OrderRecord{}, d.reject(logger, err)
	}
	if !req.Action.Valid() {
		return domain.OrderRecord{}, d.reject(logger, fmt.Errorf("%w: %q", domain.ErrUnknownAction, req.Action))
	}

	rec, err := d.engine.apply(req.OrderID, req.Action, userID, func(order domain.OrderRecord) (*domain.CompletionPayload, error) {
		return d.Validate(order, userID, req.Action, req.Payload)
	})
	if err != nil {
		if domain.IsRejection(err) {
			return domain.OrderRecord{}, d.reject(logger, err)
		}
		logger.WithError(err).Error("action could not be applied")
		return domain.OrderRecord{}, err
	}
	return rec, nil
}

// Validate проверяет действие над записью без побочных эффектов и возвращает payload,
// который будет отправлен (для complete без payload используется сохранённый черновик).
func (d *Dispatcher) Validate(order domain.OrderRecord, userID string, action domain.Action, payload *domain.CompletionPayload) (*domain.CompletionPayload, error) {
	if err := d.check(order, userID, action); err != nil {
		return nil, err
	}
	if action != domain.ActionComplete {
		return nil, nil
	}

	if payload == nil {
		payload = order.Completion
	}
	if payload == nil {
		return nil, domain.ErrCompletionPayloadRequired
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("%w: start %s, end %s", err, payload.StartMeterReading, payload.EndMeterReading)
	}
	return payload.Clone(), nil
}

// LegalActions возвращает действия, которые пользователь может запросить прямо сейчас.
// complete считается допустимым и без черновика: показания вводятся вместе с запросом.
func (d *Dispatcher) LegalActions(order domain.OrderRecord, userID string) []domain.Action {
	candidates := append(append([]domain.Action{}, domain.StatusActions...), domain.ActionRetry, domain.ActionAcknowledgeChange)
	actions := make([]domain.Action, 0, len(candidates))
	for _, action := range candidates {
		if d.check(order, userID, action) == nil {
			actions = append(actions, action)
		}
	}
	return actions
}

// check проверяет состояние синхронизации, автомат статусов и права. Payload не смотрит.
func (d *Dispatcher) check(order domain.OrderRecord, userID string, action domain.Action) error {
	switch action {
	case domain.ActionRetry:
		if order.SyncState != domain.SyncStateFailed || order.Call == nil {
			return fmt.Errorf("%w: order %s is %s", domain.ErrRetryNotAllowed, order.ID, order.SyncState)
		}
		// Неудачный acknowledge_change повторять можно: он и снимает pending changes.
		if order.HasPendingChanges() && order.Call.Action != domain.ActionAcknowledgeChange {
			return fmt.Errorf("%w: order %s", domain.ErrPendingChanges, order.ID)
		}

	case domain.ActionAcknowledgeChange:
		if order.SyncState == domain.SyncStateQueued {
			return fmt.Errorf("%w: order %s", domain.ErrSyncInFlight, order.ID)
		}
		if !order.HasPendingChanges() {
			return fmt.Errorf("%w: order %s", domain.ErrNoPendingChanges, order.ID)
		}

	default:
		if !action.IsTransition() {
			return fmt.Errorf("%w: %q", domain.ErrUnknownAction, action)
		}
		switch order.SyncState {
		case domain.SyncStateQueued:
			return fmt.Errorf("%w: order %s", domain.ErrSyncInFlight, order.ID)
		case domain.SyncStateFailed:
			return fmt.Errorf("%w: order %s: %s", domain.ErrSyncFailed, order.ID, order.LastError)
		}
		if order.HasPendingChanges() {
			return fmt.Errorf("%w: order %s", domain.ErrPendingChanges, order.ID)
		}
		if !domain.CanTransition(order.Status, action) {
			return fmt.Errorf("%w: %s from %s", domain.ErrIllegalTransition, action, order.Status)
		}
	}

	if !d.capability.CanPerform(userID, action, order) {
		return fmt.Errorf("%w: %s by %s", domain.ErrActionNotPermitted, action, userID)
	}
	return nil
}

func (d *Dispatcher) resolveUser(ctx context.Context, userID string) (string, error) {
	if userID != "" {
		return userID, nil
	}
	if d.session == nil {
		return "", domain.ErrUserRequired
	}
	id, err := d.session.CurrentUserID(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrUserRequired) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", domain.ErrUserRequired, err)
	}
	if id == "" {
		return "", domain.ErrUserRequired
	}
	return id, nil
}

func (d *Dispatcher) reject(logger *log.Entry, err error) error {
	reason := RejectionReason(err)
	if d.engine.metrics != nil {
		d.engine.metrics.RecordActionRejected(reason)
	}
	logger.WithField("reason", reason).WithError(err).Debug("action rejected")
	return err
}

// RejectionReason возвращает короткую метку отказа для метрик и логов.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, domain.ErrUnknownAction):
		return "unknown_action"
	case errors.Is(err, domain.ErrSyncInFlight):
		return "sync_in_flight"
	case errors.Is(err, domain.ErrSyncFailed):
		return "sync_failed"
	case errors.Is(err, domain.ErrPendingChanges):
		return "pending_changes"
	case errors.Is(err, domain.ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, domain.ErrRetryNotAllowed):
		return "retry_not_allowed"
	case errors.Is(err, domain.ErrNoPendingChanges):
		return "no_pending_changes"
	case errors.Is(err, domain.ErrActionNotPermitted):
		return "not_permitted"
	case errors.Is(err, domain.ErrUserRequired):
		return "user_required"
	case errors.Is(err, domain.ErrCompletionPayloadRequired),
		errors.Is(err, domain.ErrInvalidMeterReading),
		errors.Is(err, domain.ErrMeterReadingsReversed),
		errors.Is(err, domain.ErrNoFuelDispensed):
		return "invalid_payload"
	default:
		return "other"
	}
}
