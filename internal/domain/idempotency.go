package domain

import "time"

// RemoteKeyTTL ограничивает, сколько симулятор Remote Order API помнит ответ на idempotency-key.
// Агент повторяет failed-вызов с тем же ключом, поэтому окно больше любого разумного retry.
const RemoteKeyTTL = 24 * time.Hour

// IdempotencyStatus — стадия обработки запроса с idempotency-key.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusDone       IdempotencyStatus = "done"
	IdempotencyStatusFailed     IdempotencyStatus = "failed"
)

// Valid проверяет, что статус известен.
func (s IdempotencyStatus) Valid() bool {
	return s == IdempotencyStatusProcessing || s == IdempotencyStatusDone || s == IdempotencyStatusFailed
}

// IdempotencyRecord запоминает ответ на POST /orders/{id}/{action}.
type IdempotencyRecord struct {
	Key         string
	RequestHash string
	Status      IdempotencyStatus
	// ResponseBody и HTTPStatus заполнены только после MarkDone/MarkFailed.
	ResponseBody []byte
	HTTPStatus   int
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Replayable сообщает, что ответ сохранён и может быть отдан повторно без выполнения действия.
func (r IdempotencyRecord) Replayable() bool {
	return (r.Status == IdempotencyStatusDone || r.Status == IdempotencyStatusFailed) && r.HTTPStatus != 0
}

// Expired сообщает, что срок жизни ключа истёк к моменту now.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.TTLAt.After(now)
}
