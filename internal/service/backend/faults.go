package backend

import (
	"net/http"
	"sync"
	"time"
)

// Faults внедряет отказы перед обработкой действия.
// Отказ не доходит до репозитория идемпотентности, поэтому retry с тем же ключом выполнится.
type Faults struct {
	mu      sync.Mutex
	pending []int
	latency time.Duration
}

// NewFaults создаёт пустой набор отказов.
func NewFaults() *Faults {
	return &Faults{}
}

// FailNext заставляет следующие запросы вернуть указанные HTTP-статусы.
func (f *Faults) FailNext(statuses ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, statuses...)
}

// SetLatency задаёт задержку перед обработкой каждого действия.
func (f *Faults) SetLatency(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency = d
}

func (f *Faults) next() (int, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return 0, f.latency
	}
	status := f.pending[0]
	f.pending = f.pending[1:]
	return status, f.latency
}

// Middleware применяет отказы и задержку.
func (f *Faults) Middleware(next http.Handler) http.Handler {
	if f == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, latency := f.next()
		if latency > 0 {
			select {
			case <-time.After(latency):
			case <-r.Context().Done():
				return
			}
		}
		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}
		next.ServeHTTP(w, r)
	})
}
