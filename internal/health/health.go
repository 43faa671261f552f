// Package health собирает проверки зависимостей в ответ /healthcheck.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status представляет статус компонента
type Status string

const (
	StatusHealthy   Status = "Healthy"
	StatusDegraded  Status = "Degraded"
	StatusUnhealthy Status = "Unhealthy"
)

const defaultCheckTimeout = 2 * time.Second

// Result: результат одной проверки.
type Result struct {
	Name        string `json:"name"`
	Status      Status `json:"status"`
	Description string `json:"description,omitempty"`
	DurationMs  int64  `json:"durationMs"`
}

// Report: ответ /healthcheck.
type Report struct {
	Status        Status    `json:"status"`
	Results       []Result  `json:"results"`
	Version       string    `json:"version,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
}

// Checker проверяет одну зависимость.
type Checker interface {
	Check(ctx context.Context) (Status, string)
}

// CheckFunc адаптирует функцию к Checker: ошибка означает Unhealthy.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) (Status, string) {
	if err := f(ctx); err != nil {
		return StatusUnhealthy, err.Error()
	}
	return StatusHealthy, ""
}

type namedChecker struct {
	name    string
	checker Checker
}

// Handler выполняет зарегистрированные проверки в порядке регистрации.
type Handler struct {
	mu        sync.RWMutex
	checkers  []namedChecker
	version   string
	timeout   time.Duration
	startTime time.Time
	now       func() time.Time
}

// NewHandler создаёт новый health handler
func NewHandler(version string) *Handler {
	return &Handler{
		version:   version,
		timeout:   defaultCheckTimeout,
		startTime: time.Now(),
		now:       time.Now,
	}
}

// Register добавляет проверку; повторное имя заменяет прежнюю.
func (h *Handler) Register(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.checkers {
		if h.checkers[i].name == name {
			h.checkers[i].checker = checker
			return
		}
	}
	h.checkers = append(h.checkers, namedChecker{name: name, checker: checker})
}

// Run выполняет все проверки. Общий статус: худший из статусов проверок.
func (h *Handler) Run(ctx context.Context) Report {
	h.mu.RLock()
	checkers := append([]namedChecker(nil), h.checkers...)
	h.mu.RUnlock()

	report := Report{
		Status:        StatusHealthy,
		Results:       make([]Result, 0, len(checkers)),
		Version:       h.version,
		Timestamp:     h.now().UTC(),
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}

	for _, named := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
		started := time.Now()
		status, description := named.checker.Check(checkCtx)
		cancel()

		report.Results = append(report.Results, Result{
			Name:        named.name,
			Status:      status,
			Description: description,
			DurationMs:  time.Since(started).Milliseconds(),
		})
		report.Status = worst(report.Status, status)
	}
	return report
}

// ServeHTTP отвечает 200 для Healthy/Degraded и 503 для Unhealthy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.Run(r.Context())

	statusCode := http.StatusOK
	if report.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(report)
}

// LivenessHandler отвечает 200, пока процесс жив.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func worst(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case StatusHealthy:
			return 0
		case StatusDegraded:
			return 1
		default:
			return 2
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
