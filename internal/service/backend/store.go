package backend

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
)

// Причины изменения канонической записи; совпадают с типами событий диспетчерской шины.
const (
	ChangeDispatched   = "order.dispatched"
	ChangeEdited       = "order.changed"
	ChangeTransitioned = "order.transitioned"
	ChangeAcknowledged = "order.acknowledged"
)

// DispatchChange описывает правку диспетчера. Любая правка увеличивает change_version.
type DispatchChange struct {
	// AssignedWorkerID != nil переназначает заявку; пустая строка снимает назначение.
	AssignedWorkerID *string `json:"assigned_worker_id,omitempty"`
	Cancel           bool    `json:"cancel,omitempty"`
	Note             string  `json:"note,omitempty"`
}

// Store хранит каноническое состояние заявок симулятора Remote Order API.
type Store struct {
	mu     sync.Mutex
	orders map[string]domain.RemoteOrder
	now    func() time.Time
}

// NewStore создаёт пустое хранилище.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		orders: make(map[string]domain.RemoteOrder),
		now:    now,
	}
}

// Dispatch публикует новую заявку. Новая заявка не несёт неподтверждённых изменений.
func (s *Store) Dispatch(id, assignedWorkerID string) (domain.RemoteOrder, error) {
	if id == "" {
		return domain.RemoteOrder{}, domain.ErrOrderIDRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[id]; ok {
		return domain.RemoteOrder{}, domain.ErrOrderAlreadyExists
	}
	order := domain.RemoteOrder{
		ID:                        id,
		Status:                    domain.OrderStatusDispatched,
		AssignedWorkerID:          assignedWorkerID,
		ChangeVersion:             1,
		AcknowledgedChangeVersion: 1,
		UpdatedAt:                 s.now(),
	}
	s.orders[id] = order
	return order, nil
}

// Put заменяет запись целиком (засев данных в тестах и нагрузочном прогоне).
func (s *Store) Put(order domain.RemoteOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order.Completion = order.Completion.Clone()
	s.orders[order.ID] = order
}

// Get возвращает каноническую запись.
func (s *Store) Get(id string) (domain.RemoteOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return domain.RemoteOrder{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

// List возвращает заявки, видимые заправщику, или все заявки при пустом workerID.
func (s *Store) List(workerID string) []domain.RemoteOrder {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.RemoteOrder, 0, len(s.orders))
	for _, order := range s.orders {
		if workerID != "" && order.AssignedWorkerID != "" && order.AssignedWorkerID != workerID {
			continue
		}
		result = append(result, cloneOrder(order))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Perform применяет действие заправщика.
// Недопустимый переход возвращает текущую запись вместе с ErrRemoteConflict.
func (s *Store) Perform(req domain.RemoteRequest) (domain.RemoteOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[req.OrderID]
	if !ok {
		return domain.RemoteOrder{}, domain.ErrOrderNotFound
	}
	if req.WorkerID == "" {
		return domain.RemoteOrder{}, fmt.Errorf("%w: worker id is required", domain.ErrRemoteRejected)
	}
	if req.Action == domain.ActionAcknowledgeChange {
		// Подтверждается только версия, которую видел заправщик.
		seen := req.BaseChangeVersion
		if seen > order.ChangeVersion {
			seen = order.ChangeVersion
		}
		if seen > order.AcknowledgedChangeVersion {
			order.AcknowledgedChangeVersion = seen
		}
		order.UpdatedAt = s.now()
		s.orders[order.ID] = order
		return cloneOrder(order), nil
	}

	// Подтверждать правки может и заправщик, с которого заявку сняли; переходы выполняет только назначенный.
	if order.AssignedWorkerID != "" && order.AssignedWorkerID != req.WorkerID {
		return cloneOrder(order), fmt.Errorf("%w: order %s is assigned to another worker", domain.ErrRemoteConflict, order.ID)
	}

	target, ok := req.Action.TargetStatus()
	if !ok {
		return domain.RemoteOrder{}, fmt.Errorf("%w: %s", domain.ErrUnknownAction, req.Action)
	}
	if !domain.CanTransition(order.Status, req.Action) {
		return cloneOrder(order), fmt.Errorf("%w: %s from %s", domain.ErrRemoteConflict, req.Action, order.Status)
	}
	if req.Action == domain.ActionComplete {
		if req.Payload == nil {
			return domain.RemoteOrder{}, domain.ErrCompletionPayloadRequired
		}
		if err := req.Payload.Validate(); err != nil {
			return domain.RemoteOrder{}, err
		}
		order.Completion = req.Payload.Clone()
	}
	if req.Action == domain.ActionClaim {
		order.AssignedWorkerID = req.WorkerID
	}
	order.Status = target
	order.UpdatedAt = s.now()
	s.orders[order.ID] = order
	return cloneOrder(order), nil
}

// Edit применяет правку диспетчера и увеличивает change_version.
func (s *Store) Edit(id string, change DispatchChange) (domain.RemoteOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return domain.RemoteOrder{}, domain.ErrOrderNotFound
	}
	if change.Cancel {
		if order.Status.Terminal() {
			return cloneOrder(order), fmt.Errorf("%w: order %s is %s", domain.ErrIllegalTransition, id, order.Status)
		}
		order.Status = domain.OrderStatusCancelled
	}
	if change.AssignedWorkerID != nil {
		order.AssignedWorkerID = *change.AssignedWorkerID
		if order.AssignedWorkerID == "" && order.Status == domain.OrderStatusAcknowledged {
			order.Status = domain.OrderStatusDispatched
		}
	}
	order.ChangeVersion++
	order.UpdatedAt = s.now()
	s.orders[id] = order
	return cloneOrder(order), nil
}

func cloneOrder(order domain.RemoteOrder) domain.RemoteOrder {
	order.Completion = order.Completion.Clone()
	return order
}
