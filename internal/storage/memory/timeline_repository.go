package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
)

// TimelineRepository хранит историю синхронизации заявок в памяти процесса.
type TimelineRepository struct {
	mu      sync.RWMutex
	byOrder map[string][]domain.TimelineEvent
	now     func() time.Time
}

func NewTimelineRepository() *TimelineRepository {
	return &TimelineRepository{
		byOrder: make(map[string][]domain.TimelineEvent),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Append вставляет событие по времени; при равном времени сохраняется порядок добавления.
// Нулевое Occurred заменяется текущим временем.
func (r *TimelineRepository) Append(event domain.TimelineEvent) error {
	if event.OrderID == "" {
		return domain.ErrOrderIDRequired
	}
	if event.Occurred.IsZero() {
		event.Occurred = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.byOrder[event.OrderID]
	at := sort.Search(len(events), func(i int) bool { return events[i].Occurred.After(event.Occurred) })
	events = append(events, domain.TimelineEvent{})
	copy(events[at+1:], events[at:])
	events[at] = event
	r.byOrder[event.OrderID] = events
	return nil
}

func (r *TimelineRepository) List(orderID string) ([]domain.TimelineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.TimelineEvent(nil), r.byOrder[orderID]...), nil
}

var _ domain.TimelineRepository = (*TimelineRepository)(nil)
