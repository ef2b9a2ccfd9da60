package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is anything that can verify its backing connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker reports the health of the service's dependencies.
type HealthChecker struct {
	db      *sql.DB
	extras  map[string]Pinger
	timeout time.Duration
}

// NewHealthChecker creates a health checker over the primary database.
func NewHealthChecker(db *sql.DB) *HealthChecker {
	return &HealthChecker{
		db:      db,
		extras:  make(map[string]Pinger),
		timeout: 5 * time.Second,
	}
}

// AddCheck registers an additional named dependency.
func (h *HealthChecker) AddCheck(name string, p Pinger) {
	h.extras[name] = p
}

// CheckResult is the status of a single dependency.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthStatus is the aggregate health report.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// Check runs all dependency checks.
func (h *HealthChecker) Check(ctx context.Context) *HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	status := &HealthStatus{Status: "healthy", Checks: make(map[string]CheckResult)}

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			status.Status = "unhealthy"
			status.Checks["database"] = CheckResult{Status: "unhealthy", Error: err.Error()}
		} else {
			status.Checks["database"] = CheckResult{Status: "healthy"}
		}
	}

	for name, p := range h.extras {
		if err := p.Ping(ctx); err != nil {
			status.Status = "unhealthy"
			status.Checks[name] = CheckResult{Status: "unhealthy", Error: err.Error()}
		} else {
			status.Checks[name] = CheckResult{Status: "healthy"}
		}
	}

	return status
}

// Handler serves the health report as JSON, 503 when unhealthy.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := h.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if status.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(status)
	})
}
