package memory

import (
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
)

// orderStoreInMemory реализует OrderStore в памяти.
type orderStoreInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.OrderRecord
}

// NewOrderStore возвращает in-memory хранилище заявок для локальной разработки и тестов.
func NewOrderStore() domain.OrderStore {
	return &orderStoreInMemory{
		items: make(map[string]domain.OrderRecord),
	}
}

// Create сохраняет новую заявку, если ID ещё не занят.
func (r *orderStoreInMemory) Create(order domain.OrderRecord) error {
	if order.ID == "" {
		return domain.ErrOrderIDRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[order.ID]; exists {
		return domain.ErrOrderAlreadyExists
	}
	// Сохраняем копию, чтобы избежать непредсказуемых мутаций извне.
	r.items[order.ID] = order.Clone()
	return nil
}

// Get возвращает заявку или ErrOrderNotFound.
func (r *orderStoreInMemory) Get(id string) (domain.OrderRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[id]
	if !ok {
		return domain.OrderRecord{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

// ListForWorker возвращает назначенные заправщику и неназначенные заявки, упорядоченные по ID.
func (r *orderStoreInMemory) ListForWorker(workerID string) ([]domain.OrderRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.OrderRecord, 0, len(r.items))
	for _, order := range r.items {
		if order.AssignedWorkerID != "" && order.AssignedWorkerID != workerID {
			continue
		}
		result = append(result, order.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// Save перезаписывает заявку, проверяя ревизию (optimistic locking).
func (r *orderStoreInMemory) Save(order domain.OrderRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Revision != order.Revision {
		return domain.ErrOrderRevisionConflict
	}
	order.Revision++
	r.items[order.ID] = order.Clone()
	return nil
}

// Delete удаляет заявку.
func (r *orderStoreInMemory) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.items, id)
	return nil
}

var _ domain.OrderStore = (*orderStoreInMemory)(nil)
