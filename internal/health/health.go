// Package health собирает проверки зависимостей агента и симулятора в HTTP probes.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status — состояние компонента.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Check описывает результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response сериализуется в тело /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет один компонент.
type Checker interface {
	Check() Check
}

// Handler отдаёт агрегированный статус зарегистрированных проверок.
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	version  string
	started  time.Time
	now      func() time.Time
}

func NewHandler(version string) *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		version:  version,
		started:  time.Now(),
		now:      time.Now,
	}
}

// RegisterChecker добавляет или заменяет проверку с именем name.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// Names возвращает имена проверок по алфавиту.
func (h *Handler) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluate параллельно выполняет все проверки и возвращает худший статус.
func (h *Handler) Evaluate() Response {
	h.mu.RLock()
	snapshot := make(map[string]Checker, len(h.checkers))
	for name, c := range h.checkers {
		snapshot[name] = c
	}
	h.mu.RUnlock()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]Check, len(snapshot))
		worst  = StatusHealthy
	)
	for name, c := range snapshot {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := c.Check()
			mu.Lock()
			defer mu.Unlock()
			checks[name] = result
			if result.Status.rank() > worst.rank() {
				worst = result.Status
			}
		}()
	}
	wg.Wait()

	return Response{
		Status:        worst,
		Timestamp:     h.now().UTC(),
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(h.now().Sub(h.started).Seconds()),
	}
}

// ServeHTTP обслуживает /healthz: 503 только при unhealthy, degraded отвечает 200.
func (h *Handler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	resp := h.Evaluate()
	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// ReadinessHandler обслуживает /readyz. Degraded компонент (открытый breaker) не снимает агента с трафика.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, _ *http.Request) {
	if h.Evaluate().Status == StatusUnhealthy {
		writeText(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeText(w, http.StatusOK, "ready")
}

// LivenessHandler отвечает на /livez, пока процесс жив.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

// SimpleChecker превращает nil в healthy, а ошибку в unhealthy с её текстом.
type SimpleChecker struct {
	name string
	fn   func() error
}

func NewSimpleChecker(name string, fn func() error) *SimpleChecker {
	return &SimpleChecker{name: name, fn: fn}
}

func (c *SimpleChecker) Check() Check {
	return timed(c.name, func() (Status, string) {
		if err := c.fn(); err != nil {
			return StatusUnhealthy, err.Error()
		}
		return StatusHealthy, ""
	})
}

// StatusChecker сам выбирает статус, например degraded при открытом circuit breaker.
type StatusChecker struct {
	name string
	fn   func() (Status, string)
}

func NewStatusChecker(name string, fn func() (Status, string)) *StatusChecker {
	return &StatusChecker{name: name, fn: fn}
}

func (c *StatusChecker) Check() Check {
	return timed(c.name, c.fn)
}

func timed(name string, fn func() (Status, string)) Check {
	start := time.Now()
	status, message := fn()
	if status == "" {
		status = StatusHealthy
	}
	return Check{
		Name:       name,
		Status:     status,
		Message:    message,
		DurationMs: time.Since(start).Milliseconds(),
	}
}
