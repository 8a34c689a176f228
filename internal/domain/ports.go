package domain

import (
	"context"
	"time"
)

// RemoteOrder — каноническое состояние заявки, которым владеет Remote Order API.
type RemoteOrder struct {
	ID                        string
	Status                    OrderStatus
	AssignedWorkerID          string
	ChangeVersion             int64
	AcknowledgedChangeVersion int64
	Completion                *CompletionPayload
	UpdatedAt                 time.Time
}

// RemoteRequest описывает один вызов POST /orders/{id}/{action}.
type RemoteRequest struct {
	OrderID           string
	Action            Action
	WorkerID          string
	Payload           *CompletionPayload
	IdempotencyKey    string
	BaseChangeVersion int64
}

// RemoteOrderAPI владеет каноническим состоянием заявок.
type RemoteOrderAPI interface {
	// Perform выполняет действие; при HTTP 409 возвращает каноническую запись вместе с ErrRemoteConflict.
	Perform(ctx context.Context, req RemoteRequest) (RemoteOrder, error)
	// ListOrders возвращает заявки, видимые заправщику (назначенные ему и неназначенные).
	ListOrders(ctx context.Context, workerID string) ([]RemoteOrder, error)
}

// SessionProvider отдаёт идентификатор текущего пользователя; хранение сессии вне ядра.
type SessionProvider interface {
	CurrentUserID(ctx context.Context) (string, error)
}

// Capability отвечает на единственный вопрос о правах, который задаёт диспетчер действий.
type Capability interface {
	CanPerform(userID string, action Action, order OrderRecord) bool
}

// OrderStore описывает локальное хранилище заявок агента.
type OrderStore interface {
	// Create сохраняет новую запись. Возвращает ErrOrderAlreadyExists, если ID занят.
	Create(order OrderRecord) error
	// Get возвращает запись по идентификатору или ErrOrderNotFound.
	Get(id string) (OrderRecord, error)
	// ListForWorker возвращает заявки, назначенные заправщику, и неназначенные заявки.
	ListForWorker(workerID string) ([]OrderRecord, error)
	// Save применяет обновления с учётом optimistic locking по Revision.
	Save(order OrderRecord) error
	// Delete удаляет запись; отсутствие записи не считается ошибкой.
	Delete(id string) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// TimelineRepository хранит события жизненного цикла заявки.
type TimelineRepository interface {
	Append(event TimelineEvent) error
	List(orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, httpStatus int) error
	MarkFailed(key string, responseBody []byte, httpStatus int) error
	DeleteExpired(before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
