package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заявки на заправку.
type OrderStatus string

const (
	// OrderStatusDispatched — диспетчер опубликовал заявку, заправщик ещё не принял её.
	OrderStatusDispatched OrderStatus = "dispatched"
	// OrderStatusAcknowledged — заправщик принял заявку (claim).
	OrderStatusAcknowledged OrderStatus = "acknowledged"
	// OrderStatusEnRoute — заправщик выехал к борту.
	OrderStatusEnRoute OrderStatus = "en_route"
	// OrderStatusFueling — идёт заправка.
	OrderStatusFueling OrderStatus = "fueling"
	// OrderStatusCompleted — заправка завершена, показания счётчика зафиксированы.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled — заявка отменена (терминальный статус).
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusDispatched, OrderStatusAcknowledged, OrderStatusEnRoute,
		OrderStatusFueling, OrderStatusCompleted, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса больше нет переходов.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// SyncState — состояние синхронизации локальной записи с сервером.
type SyncState string

const (
	// SyncStateSynced — локальное и последнее известное серверное состояние совпадают.
	SyncStateSynced SyncState = "synced"
	// SyncStateQueued — переход применён локально, удалённый вызов ещё выполняется.
	SyncStateQueued SyncState = "queued"
	// SyncStateFailed — последний удалённый вызов не удался, переход откатан.
	SyncStateFailed SyncState = "failed"
)

// Valid проверяет, что состояние синхронизации известно.
func (s SyncState) Valid() bool {
	switch s {
	case SyncStateSynced, SyncStateQueued, SyncStateFailed:
		return true
	default:
		return false
	}
}

// CompletionPayload прикрепляется к переходу fueling → completed.
type CompletionPayload struct {
	StartMeterReading decimal.Decimal
	EndMeterReading   decimal.Decimal
	Notes             string
}

// Dispensed возвращает объём выданного топлива (end - start).
func (p CompletionPayload) Dispensed() decimal.Decimal {
	return p.EndMeterReading.Sub(p.StartMeterReading)
}

// Validate проверяет показания: оба неотрицательны, end >= start, выдано больше нуля.
func (p CompletionPayload) Validate() error {
	if p.StartMeterReading.IsNegative() || p.EndMeterReading.IsNegative() {
		return ErrInvalidMeterReading
	}
	if p.EndMeterReading.LessThan(p.StartMeterReading) {
		return ErrMeterReadingsReversed
	}
	if !p.Dispensed().IsPositive() {
		return ErrNoFuelDispensed
	}
	return nil
}

// Clone возвращает независимую копию payload (nil-safe).
func (p *CompletionPayload) Clone() *CompletionPayload {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// RemoteCall описывает исходящий (queued) или последний неудачный (failed) вызов Remote Order API.
type RemoteCall struct {
	// Монотонный номер вызова в пределах агента; по нему отбрасываются устаревшие ответы.
	Seq          uint64
	Action       Action
	TargetStatus OrderStatus
	// Заправщик, от имени которого выполняется вызов (X-Worker-Id).
	RequestedBy string
	// Снимок до оптимистичного перехода; push диспетчера во время вызова обновляет его.
	PrevStatus           OrderStatus
	PrevAssignedWorkerID string
	PrevAckVersion       int64
	// Последняя известная клиенту change_version на момент запроса действия.
	BaseChangeVersion int64
	Payload           *CompletionPayload
	// IdempotencyKey сохраняется между retry, чтобы сервер не выполнил действие дважды.
	IdempotencyKey string
	Attempt        int
	IssuedAt       time.Time
}

// Clone возвращает глубокую копию вызова.
func (c *RemoteCall) Clone() *RemoteCall {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Payload = c.Payload.Clone()
	return &cp
}

// OrderRecord — заявка на заправку в том виде, в каком её знает агент заправщика.
type OrderRecord struct {
	ID                        string
	Status                    OrderStatus
	AssignedWorkerID          string
	ChangeVersion             int64
	AcknowledgedChangeVersion int64
	SyncState                 SyncState
	LastError                 string
	// Черновик показаний счётчика не теряется при откате и retry.
	Completion *CompletionPayload
	Call       *RemoteCall
	// Локальная версия записи для optimistic locking хранилища.
	Revision  int64
	UpdatedAt time.Time
}

// HasPendingChanges сообщает, что диспетчер изменил заявку и заправщик ещё не подтвердил изменения.
func (o OrderRecord) HasPendingChanges() bool {
	return o.ChangeVersion != o.AcknowledgedChangeVersion
}

// Closed сообщает, что заявка завершена или отменена, синхронизирована и без неподтверждённых изменений.
func (o OrderRecord) Closed() bool {
	return o.Status.Terminal() && o.SyncState == SyncStateSynced && !o.HasPendingChanges()
}

// Clone возвращает глубокую копию записи, чтобы хранилища не делили указатели с вызывающим кодом.
func (o OrderRecord) Clone() OrderRecord {
	cp := o
	cp.Completion = o.Completion.Clone()
	cp.Call = o.Call.Clone()
	return cp
}

// ValidateInvariants проверяет инварианты записи и возвращает список замечаний.
func (o *OrderRecord) ValidateInvariants() []error {
	var errs []error

	if o.ID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrUnknownStatus)
	}
	if !o.SyncState.Valid() {
		errs = append(errs, ErrUnknownSyncState)
	}
	if o.AcknowledgedChangeVersion > o.ChangeVersion {
		errs = append(errs, ErrAckVersionAhead)
	}
	// queued и failed всегда несут вызов, synced никогда.
	switch o.SyncState {
	case SyncStateQueued, SyncStateFailed:
		if o.Call == nil {
			errs = append(errs, ErrCallMissing)
		}
	case SyncStateSynced:
		if o.Call != nil {
			errs = append(errs, ErrCallUnexpected)
		}
	}
	if o.LastError != "" && o.SyncState != SyncStateFailed {
		errs = append(errs, ErrLastErrorUnexpected)
	}

	return errs
}
