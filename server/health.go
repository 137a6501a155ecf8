package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

const checkTimeout = 2 * time.Second

type Report struct {
	Status  Status           `json:"status"`
	Version string           `json:"version,omitempty"`
	Uptime  string           `json:"uptime"`
	Checks  map[string]Check `json:"checks,omitempty"`
}

type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// Checker reports whether a dependency is usable.
type Checker func(ctx context.Context) error

// Health serves the liveness and readiness probes.
type Health struct {
	version string
	start   time.Time

	mu       sync.RWMutex
	checkers map[string]Checker
}

func NewHealth(version string) *Health {
	return &Health{
		version:  version,
		start:    time.Now(),
		checkers: make(map[string]Checker),
	}
}

func (h *Health) AddCheck(name string, fn Checker) {
	h.mu.Lock()
	h.checkers[name] = fn
	h.mu.Unlock()
}

// Live answers 200 while the process is running.
func (h *Health) Live(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, Report{
		Status:  StatusHealthy,
		Version: h.version,
		Uptime:  time.Since(h.start).Round(time.Second).String(),
	})
}

// Ready runs every check and answers 503 if any of them fails.
func (h *Health) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	h.mu.RLock()
	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	report := Report{
		Status:  StatusHealthy,
		Version: h.version,
		Uptime:  time.Since(h.start).Round(time.Second).String(),
		Checks:  make(map[string]Check, len(names)),
	}

	for _, name := range names {
		h.mu.RLock()
		fn := h.checkers[name]
		h.mu.RUnlock()

		start := time.Now()
		check := Check{Status: StatusHealthy}
		if err := fn(ctx); err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
			report.Status = StatusUnhealthy
		}
		check.Latency = time.Since(start).String()

		report.Checks[name] = check
	}

	status := http.StatusOK
	if report.Status != StatusHealthy {
		status = http.StatusServiceUnavailable
	}

	h.write(w, status, report)
}

func (h *Health) write(w http.ResponseWriter, status int, report Report) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(report)
}
