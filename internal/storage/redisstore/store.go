package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
)

const (
	opTimeout     = 5 * time.Second
	defaultPrefix = "fuelops"
)

// Open подключается к Redis по URL вида redis://host:port/db и проверяет соединение.
func Open(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// OrderStore хранит заявки агента в Redis: JSON-документ на заявку и множество идентификаторов.
type OrderStore struct {
	client *redis.Client
	prefix string
}

// NewOrderStore создаёт хранилище поверх готового клиента. Пустой prefix заменяется на "fuelops".
func NewOrderStore(client *redis.Client, prefix string) *OrderStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &OrderStore{client: client, prefix: prefix}
}

func (s *OrderStore) orderKey(id string) string {
	return s.prefix + ":order:" + id
}

func (s *OrderStore) indexKey() string {
	return s.prefix + ":orders"
}

// Create сохраняет новую запись; SETNX гарантирует, что существующая не будет перезаписана.
func (s *OrderStore) Create(order domain.OrderRecord) error {
	if order.ID == "" {
		return domain.ErrOrderIDRequired
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	data, err := json.Marshal(newOrderDoc(order))
	if err != nil {
		return fmt.Errorf("marshal fuel order: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.orderKey(order.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create fuel order: %w", err)
	}
	if !created {
		return domain.ErrOrderAlreadyExists
	}
	if err := s.client.SAdd(ctx, s.indexKey(), order.ID).Err(); err != nil {
		return fmt.Errorf("index fuel order: %w", err)
	}
	return nil
}

func (s *OrderStore) Get(id string) (domain.OrderRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return s.get(ctx, s.client, id)
}

func (s *OrderStore) get(ctx context.Context, cmd redis.Cmdable, id string) (domain.OrderRecord, error) {
	data, err := cmd.Get(ctx, s.orderKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.OrderRecord{}, domain.ErrOrderNotFound
		}
		return domain.OrderRecord{}, fmt.Errorf("get fuel order: %w", err)
	}
	return decodeOrder(data)
}

func (s *OrderStore) ListForWorker(workerID string) ([]domain.OrderRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list fuel order ids: %w", err)
	}
	if len(ids) == 0 {
		return []domain.OrderRecord{}, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.orderKey(id))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load fuel orders: %w", err)
	}

	orders := make([]domain.OrderRecord, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Запись удалена между SMEMBERS и MGET.
			continue
		}
		order, err := decodeOrder([]byte(raw))
		if err != nil {
			return nil, err
		}
		if order.AssignedWorkerID == "" || order.AssignedWorkerID == workerID {
			orders = append(orders, order)
		}
	}

	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders, nil
}

// Save обновляет запись под WATCH: если revision изменилась, возвращает ErrOrderRevisionConflict.
func (s *OrderStore) Save(order domain.OrderRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	key := s.orderKey(order.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.get(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if current.Revision != order.Revision {
			return domain.ErrOrderRevisionConflict
		}

		order.Revision++
		data, err := json.Marshal(newOrderDoc(order))
		if err != nil {
			return fmt.Errorf("marshal fuel order: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return domain.ErrOrderRevisionConflict
	}
	if err != nil && !errors.Is(err, domain.ErrOrderNotFound) && !errors.Is(err, domain.ErrOrderRevisionConflict) {
		return fmt.Errorf("save fuel order: %w", err)
	}
	return err
}

func (s *OrderStore) Delete(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.orderKey(id))
		pipe.SRem(ctx, s.indexKey(), id)
		return nil
	}); err != nil {
		return fmt.Errorf("delete fuel order: %w", err)
	}
	return nil
}

// orderDoc хранится в Redis как JSON.
type orderDoc struct {
	ID                        string         `json:"id"`
	Status                    string         `json:"status"`
	AssignedWorkerID          string         `json:"assigned_worker_id,omitempty"`
	ChangeVersion             int64          `json:"change_version"`
	AcknowledgedChangeVersion int64          `json:"acknowledged_change_version"`
	SyncState                 string         `json:"sync_state"`
	LastError                 string         `json:"last_error,omitempty"`
	Completion                *completionDoc `json:"completion,omitempty"`
	Call                      *callDoc       `json:"call,omitempty"`
	Revision                  int64          `json:"revision"`
	UpdatedAt                 time.Time      `json:"updated_at"`
}

type completionDoc struct {
	Start decimal.Decimal `json:"start"`
	End   decimal.Decimal `json:"end"`
	Notes string          `json:"notes,omitempty"`
}

type callDoc struct {
	Seq                  uint64         `json:"seq"`
	Action               string         `json:"action"`
	TargetStatus         string         `json:"target_status,omitempty"`
	RequestedBy          string         `json:"requested_by"`
	PrevStatus           string         `json:"prev_status"`
	PrevAssignedWorkerID string         `json:"prev_assigned_worker_id,omitempty"`
	PrevAckVersion       int64          `json:"prev_ack_version"`
	BaseChangeVersion    int64          `json:"base_change_version"`
	Payload              *completionDoc `json:"payload,omitempty"`
	IdempotencyKey       string         `json:"idempotency_key"`
	Attempt              int            `json:"attempt"`
	IssuedAt             time.Time      `json:"issued_at"`
}

func newCompletionDoc(p *domain.CompletionPayload) *completionDoc {
	if p == nil {
		return nil
	}
	return &completionDoc{Start: p.StartMeterReading, End: p.EndMeterReading, Notes: p.Notes}
}

func (d *completionDoc) toDomain() *domain.CompletionPayload {
	if d == nil {
		return nil
	}
	return &domain.CompletionPayload{StartMeterReading: d.Start, EndMeterReading: d.End, Notes: d.Notes}
}

func newOrderDoc(order domain.OrderRecord) orderDoc {
	doc := orderDoc{
		ID:                        order.ID,
		Status:                    string(order.Status),
		AssignedWorkerID:          order.AssignedWorkerID,
		ChangeVersion:             order.ChangeVersion,
		AcknowledgedChangeVersion: order.AcknowledgedChangeVersion,
		SyncState:                 string(order.SyncState),
		LastError:                 order.LastError,
		Completion:                newCompletionDoc(order.Completion),
		Revision:                  order.Revision,
		UpdatedAt:                 order.UpdatedAt.UTC(),
	}
	if call := order.Call; call != nil {
		doc.Call = &callDoc{
			Seq:                  call.Seq,
			Action:               string(call.Action),
			TargetStatus:         string(call.TargetStatus),
			RequestedBy:          call.RequestedBy,
			PrevStatus:           string(call.PrevStatus),
			PrevAssignedWorkerID: call.PrevAssignedWorkerID,
			PrevAckVersion:       call.PrevAckVersion,
			BaseChangeVersion:    call.BaseChangeVersion,
			Payload:              newCompletionDoc(call.Payload),
			IdempotencyKey:       call.IdempotencyKey,
			Attempt:              call.Attempt,
			IssuedAt:             call.IssuedAt.UTC(),
		}
	}
	return doc
}

func decodeOrder(data []byte) (domain.OrderRecord, error) {
	var doc orderDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.OrderRecord{}, fmt.Errorf("decode fuel order: %w", err)
	}

	order := domain.OrderRecord{
		ID:                        doc.ID,
		Status:                    domain.OrderStatus(doc.Status),
		AssignedWorkerID:          doc.AssignedWorkerID,
		ChangeVersion:             doc.ChangeVersion,
		AcknowledgedChangeVersion: doc.AcknowledgedChangeVersion,
		SyncState:                 domain.SyncState(doc.SyncState),
		LastError:                 doc.LastError,
		Completion:                doc.Completion.toDomain(),
		Revision:                  doc.Revision,
		UpdatedAt:                 doc.UpdatedAt,
	}
	if call := doc.Call; call != nil {
		order.Call = &domain.RemoteCall{
			Seq:                  call.Seq,
			Action:               domain.Action(call.Action),
			TargetStatus:         domain.OrderStatus(call.TargetStatus),
			RequestedBy:          call.RequestedBy,
			PrevStatus:           domain.OrderStatus(call.PrevStatus),
			PrevAssignedWorkerID: call.PrevAssignedWorkerID,
			PrevAckVersion:       call.PrevAckVersion,
			BaseChangeVersion:    call.BaseChangeVersion,
			Payload:              call.Payload.toDomain(),
			IdempotencyKey:       call.IdempotencyKey,
			Attempt:              call.Attempt,
			IssuedAt:             call.IssuedAt,
		}
	}
	return order, nil
}

var _ domain.OrderStore = (*OrderStore)(nil)
