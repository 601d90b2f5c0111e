// Package health provides health check endpoints for rdmacore.
//
// The package implements Kubernetes-compatible health checks:
//
//   - /health/live: Liveness probe (has a fatal device error occurred?)
//   - /health/ready: Readiness probe (are the devices initialized and polled?)
//   - /health: Detailed per-device status
//
// Each check returns JSON status with component health details:
//
//	{
//	  "status": "degraded",
//	  "checks": {
//	    "device:mlx5_0": {"status": "healthy"},
//	    "device:mlx5_1": {"status": "degraded", "message": "no active port bound"},
//	    "poller": {"status": "healthy"}
//	  }
//	}
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/piwi3910/rdmacore/internal/transport/rdma"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some checks failed but core functionality works.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates critical failures.
	StatusUnhealthy Status = "unhealthy"
)

const defaultCacheTTL = time.Second

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents the complete health status of the system.
type HealthStatus struct {
	Timestamp time.Time            `json:"timestamp"`
	Checks    map[string]Check     `json:"checks"`
	Status    Status               `json:"status"`
	Devices   []rdma.DeviceStatus `json:"devices,omitempty"`
}

// DeviceSource reports the state of the managed devices.
type DeviceSource interface {
	Statuses() []rdma.DeviceStatus
}

// PollerSource reports whether completions are being processed.
type PollerSource interface {
	Running() bool
}

// Checker performs health checks on the system.
type Checker struct {
	cacheExpiry  time.Time
	devices      DeviceSource
	poller       PollerSource
	fatal        error
	cachedStatus *HealthStatus
	cacheTTL     time.Duration
	mu           sync.RWMutex
}

// NewChecker creates a new health checker.
func NewChecker(devices DeviceSource) *Checker {
	return &Checker{
		devices:  devices,
		cacheTTL: defaultCacheTTL,
	}
}

// SetPoller adds the completion poller to the checks.
func (c *Checker) SetPoller(p PollerSource) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.poller = p
	c.cachedStatus = nil
}

// MarkFatal records an unrecoverable error. The process stops being live.
func (c *Checker) MarkFatal(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fatal = err
	c.cachedStatus = nil
}

// Check performs all health checks and returns the overall status.
func (c *Checker) Check(ctx context.Context) *HealthStatus {
	// Check cache first
	c.mu.RLock()

	if c.cachedStatus != nil && time.Now().Before(c.cacheExpiry) {
		status := c.cachedStatus
		c.mu.RUnlock()

		return status
	}

	poller, fatal := c.poller, c.fatal

	c.mu.RUnlock()

	checks := make(map[string]Check)

	var statuses []rdma.DeviceStatus
	if c.devices != nil {
		statuses = c.devices.Statuses()
	}

	if len(statuses) == 0 {
		checks["devices"] = Check{Status: StatusUnhealthy, Message: "no RDMA devices"}
	}

	for _, s := range statuses {
		checks["device:"+s.Name] = CheckDevice(s)
	}

	if poller != nil {
		checks["poller"] = checkPoller(poller)
	}

	if fatal != nil {
		checks["fatal"] = Check{Status: StatusUnhealthy, Message: fatal.Error()}
	}

	healthStatus := &HealthStatus{
		Status:    determineOverallStatus(checks),
		Checks:    checks,
		Devices:   statuses,
		Timestamp: time.Now(),
	}

	// Cache the result
	c.mu.Lock()
	c.cachedStatus = healthStatus
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.mu.Unlock()

	return healthStatus
}

// CheckDevice grades a single device.
func CheckDevice(s rdma.DeviceStatus) Check {
	if !s.Initialized {
		return Check{
			Status:  StatusUnhealthy,
			Message: "device not initialized",
		}
	}

	if !s.PortActive {
		return Check{
			Status:  StatusDegraded,
			Message: "no active port bound",
		}
	}

	if s.FreeTxBuffers == 0 {
		return Check{
			Status:  StatusDegraded,
			Message: "transmit buffers exhausted",
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: "port " + s.PortState + ", gid " + s.GID,
	}
}

func checkPoller(p PollerSource) Check {
	if !p.Running() {
		return Check{
			Status:  StatusUnhealthy,
			Message: "completion poller not running",
		}
	}

	return Check{Status: StatusHealthy}
}

// IsReady reports whether every device is initialized and, when a poller
// is registered, completions are being processed.
func (c *Checker) IsReady(_ context.Context) bool {
	c.mu.RLock()
	poller, fatal := c.poller, c.fatal
	c.mu.RUnlock()

	if fatal != nil || c.devices == nil {
		return false
	}

	statuses := c.devices.Statuses()
	if len(statuses) == 0 {
		return false
	}

	for _, s := range statuses {
		if !s.Initialized {
			return false
		}
	}

	return poller == nil || poller.Running()
}

// IsLive reports whether the process is still usable.
func (c *Checker) IsLive(_ context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.fatal == nil
}

// determineOverallStatus determines the overall health status based on individual checks.
func determineOverallStatus(checks map[string]Check) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}

	if hasDegraded {
		return StatusDegraded
	}

	return StatusHealthy
}

// Handler creates HTTP handlers for health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// HealthHandler handles basic health check requests.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")

	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(map[string]string{"status": string(status.Status)})
}

// LivenessHandler handles Kubernetes liveness probe requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.checker.IsLive(r.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ok"}`))
	}
}

// ReadinessHandler handles Kubernetes readiness probe requests.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.checker.IsReady(r.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
	}
}

// DetailedHandler handles detailed health check requests.
func (h *Handler) DetailedHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")

	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK) // degraded still serves
	}

	_ = json.NewEncoder(w).Encode(status)
}
