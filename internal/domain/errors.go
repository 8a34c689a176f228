package domain

import "errors"

var (
	// Ошибка отсутствующего идентификатора заявки.
	ErrOrderIDRequired = errors.New("order_id is required")
	// Ошибка неизвестного статуса заявки.
	ErrUnknownStatus = errors.New("unknown order status")
	// Ошибка неизвестного состояния синхронизации.
	ErrUnknownSyncState = errors.New("unknown sync state")
	// Подтверждённая версия не может опережать change_version.
	ErrAckVersionAhead = errors.New("acknowledged_change_version exceeds change_version")
	// queued/failed запись обязана хранить вызов.
	ErrCallMissing = errors.New("remote call is required for queued or failed order")
	// synced запись не хранит вызов.
	ErrCallUnexpected = errors.New("synced order must not carry a remote call")
	// last_error допустим только в состоянии failed.
	ErrLastErrorUnexpected = errors.New("last_error is set outside failed state")

	// ErrOrderNotFound возвращается, если заявки нет в хранилище.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderRevisionConflict сигнализирует о конфликте локальной ревизии при сохранении.
	ErrOrderRevisionConflict = errors.New("order revision conflict")
	// ErrOrderAlreadyExists — заявка с таким ID уже сохранена.
	ErrOrderAlreadyExists = errors.New("order already exists")

	// ErrUnknownAction — действие не поддерживается.
	ErrUnknownAction = errors.New("unknown action")
	// ErrSyncInFlight — по заявке уже выполняется удалённый вызов.
	ErrSyncInFlight = errors.New("order has a remote call in flight")
	// ErrSyncFailed — последний вызов не удался; нужен retry.
	ErrSyncFailed = errors.New("order sync failed, retry required")
	// ErrPendingChanges — диспетчер изменил заявку; требуется acknowledge_change.
	ErrPendingChanges = errors.New("order has unacknowledged changes")
	// ErrIllegalTransition — действие недопустимо из текущего статуса.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrRetryNotAllowed — retry допустим только в состоянии failed.
	ErrRetryNotAllowed = errors.New("retry is allowed only for failed orders")
	// ErrNoPendingChanges — нечего подтверждать.
	ErrNoPendingChanges = errors.New("order has no pending changes")
	// ErrActionNotPermitted — пользователь не может выполнить действие над заявкой.
	ErrActionNotPermitted = errors.New("action not permitted")
	// ErrUserRequired — не удалось определить текущего пользователя.
	ErrUserRequired = errors.New("current user is required")

	// ErrCompletionPayloadRequired — complete требует показаний счётчика.
	ErrCompletionPayloadRequired = errors.New("meter readings are required to complete order")
	// ErrInvalidMeterReading — показания счётчика не могут быть отрицательными.
	ErrInvalidMeterReading = errors.New("meter readings must be non-negative")
	// ErrMeterReadingsReversed — конечное показание меньше начального.
	ErrMeterReadingsReversed = errors.New("end meter reading must not be less than start meter reading")
	// ErrNoFuelDispensed — выданный объём должен быть больше нуля.
	ErrNoFuelDispensed = errors.New("dispensed volume must be greater than zero")

	// ErrRemoteConflict — сервер отклонил действие из-за изменения заявки (HTTP 409).
	ErrRemoteConflict = errors.New("remote order conflict")
	// ErrRemoteUnavailable — временная ошибка Remote Order API.
	ErrRemoteUnavailable = errors.New("remote order api unavailable")
	// ErrRemoteRejected — сервер отклонил запрос (4xx, кроме 409).
	ErrRemoteRejected = errors.New("remote order api rejected request")
	// ErrCircuitOpen — circuit breaker открыт, вызовы не выполняются.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyAlreadyExists    = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch        = errors.New("idempotency key reused with different request")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")
)

// rejections отклоняют действие до какой-либо мутации и сетевого вызова.
var rejections = []error{
	ErrOrderNotFound,
	ErrUnknownAction,
	ErrSyncInFlight,
	ErrSyncFailed,
	ErrPendingChanges,
	ErrIllegalTransition,
	ErrRetryNotAllowed,
	ErrNoPendingChanges,
	ErrActionNotPermitted,
	ErrUserRequired,
	ErrCompletionPayloadRequired,
	ErrInvalidMeterReading,
	ErrMeterReadingsReversed,
	ErrNoFuelDispensed,
}

// IsRejection проверяет, что ошибка является локальным отказом диспетчера действий.
func IsRejection(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range rejections {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRevisionConflict проверяет, является ли ошибка конфликтом локальной ревизии.
func IsRevisionConflict(err error) bool {
	return errors.Is(err, ErrOrderRevisionConflict)
}
