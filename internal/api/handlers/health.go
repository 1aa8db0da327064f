package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cmmsalud/clinic-api/internal/api/response"
	"github.com/cmmsalud/clinic-api/pkg/circuitbreaker"
)

const readyTimeout = 2 * time.Second

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// BreakerReporter lists circuit breaker states.
type BreakerReporter interface {
	HealthStatus() []circuitbreaker.HealthStatus
}

type namedCheck struct {
	name string
	fn   Check
}

// HealthHandler serves liveness and readiness.
type HealthHandler struct {
	version  string
	breakers BreakerReporter
	checks   []namedCheck
}

// NewHealthHandler creates a new handler. breakers may be nil.
func NewHealthHandler(version string, breakers BreakerReporter) *HealthHandler {
	return &HealthHandler{version: version, breakers: breakers}
}

// AddCheck registers a readiness check. A failing check makes /ready 503.
func (h *HealthHandler) AddCheck(name string, fn Check) {
	h.checks = append(h.checks, namedCheck{name: name, fn: fn})
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.OK(w, "OK", map[string]string{"status": "ok", "version": h.version})
}

// ReadyStatus is the body of /ready.
type ReadyStatus struct {
	Status   string                        `json:"status"`
	Checks   map[string]string             `json:"checks"`
	Breakers []circuitbreaker.HealthStatus `json:"breakers,omitempty"`
}

// Ready handles GET /ready. Checks run concurrently. An open breaker
// degrades the status without failing readiness, since the dependencies
// behind breakers are optional.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	st := ReadyStatus{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed bool
	)
	for _, c := range h.checks {
		wg.Add(1)
		go func(c namedCheck) {
			defer wg.Done()
			result := "ok"
			if err := c.fn(ctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			st.Checks[c.name] = result
			if result != "ok" {
				failed = true
			}
		}(c)
	}
	wg.Wait()

	if h.breakers != nil {
		st.Breakers = h.breakers.HealthStatus()
		for _, b := range st.Breakers {
			if !b.Healthy {
				st.Status = "degraded"
			}
		}
	}
	if failed {
		st.Status = "unavailable"
		response.JSON(w, http.StatusServiceUnavailable, "not ready", st)
		return
	}
	response.OK(w, "OK", st)
}
