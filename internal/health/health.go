package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/nopu-sh/agent/internal/constants"
	"github.com/nopu-sh/agent/internal/server"
	"go.uber.org/zap"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the status of a specific component
type ComponentStatus struct {
	Name    string                 `json:"name"`
	Status  HealthStatus           `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status     HealthStatus           `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Version    string                 `json:"version"`
	Uptime     string                 `json:"uptime"`
	Components []*ComponentStatus     `json:"components"`
	Summary    map[string]interface{} `json:"summary"`
}

// Fleet is the registry view needed for health checks.
type Fleet interface {
	Snapshot() []server.Status
}

// Queue is the delivery backlog view needed for health checks.
type Queue interface {
	Pending() int
}

// HealthChecker reports agent health from the push server fleet and the
// delivery queue.
type HealthChecker struct {
	fleet     Fleet
	queue     Queue
	queueCap  int
	logger    *zap.Logger
	startTime time.Time
	version   string
}

// NewHealthChecker creates a new health checker. queue may be nil.
func NewHealthChecker(fleet Fleet, queue Queue, queueCap int, logger *zap.Logger, version string) *HealthChecker {
	return &HealthChecker{
		fleet:     fleet,
		queue:     queue,
		queueCap:  queueCap,
		logger:    logger.Named("health"),
		startTime: time.Now(),
		version:   version,
	}
}

// CheckHealth performs a health check of every component.
func (h *HealthChecker) CheckHealth(ctx context.Context) *HealthResponse {
	startTime := time.Now()

	components := []*ComponentStatus{
		h.checkServers(),
		h.checkQueue(),
		h.checkMemory(),
		h.checkSystemResources(),
	}

	overallStatus := determineOverallStatus(components)

	return &HealthResponse{
		Status:     overallStatus,
		Timestamp:  time.Now(),
		Version:    h.version,
		Uptime:     formatUptime(time.Since(h.startTime)),
		Components: components,
		Summary: map[string]interface{}{
			"total_components":     len(components),
			"healthy_components":   countComponentsByStatus(components, StatusHealthy),
			"degraded_components":  countComponentsByStatus(components, StatusDegraded),
			"unhealthy_components": countComponentsByStatus(components, StatusUnhealthy),
			"check_duration_ms":    time.Since(startTime).Milliseconds(),
		},
	}
}

// checkServers grades the fleet: every server connected is healthy, some is
// degraded, none is unhealthy. A server nobody wants connected is ignored.
func (h *HealthChecker) checkServers() *ComponentStatus {
	status := &ComponentStatus{
		Name:    "servers",
		Details: make(map[string]interface{}),
	}

	var wanted, connected, connecting int
	for _, s := range h.fleet.Snapshot() {
		if !s.AutoReconnect && s.State == server.Disconnected {
			continue
		}
		wanted++
		switch s.State {
		case server.Connected:
			connected++
		case server.Connecting:
			connecting++
		default:
			if s.LastError != "" {
				status.Details[s.ServerKey] = s.LastError
			}
		}
	}
	status.Details["wanted"] = wanted
	status.Details["connected"] = connected
	status.Details["connecting"] = connecting

	switch {
	case wanted == 0:
		status.Status = StatusHealthy
		status.Message = "No push servers in use"
	case connected == wanted:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("All %d push servers connected", wanted)
	case connected > 0 || connecting > 0:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("%d/%d push servers connected", connected, wanted)
	default:
		status.Status = StatusUnhealthy
		status.Message = "No push server is connected"
	}
	return status
}

// checkQueue grades the delivery backlog against its capacity.
func (h *HealthChecker) checkQueue() *ComponentStatus {
	status := &ComponentStatus{
		Name:    "delivery",
		Details: make(map[string]interface{}),
	}
	if h.queue == nil || h.queueCap <= 0 {
		status.Status = StatusHealthy
		status.Message = "Delivery queue not in use"
		return status
	}

	pending := h.queue.Pending()
	utilization := float64(pending) / float64(h.queueCap) * 100
	status.Details["pending"] = pending
	status.Details["capacity"] = h.queueCap
	status.Details["utilization_percent"] = utilization

	switch {
	case utilization >= 95:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("Delivery queue nearly full: %d/%d", pending, h.queueCap)
	case utilization >= 75:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Delivery queue backing up: %d/%d", pending, h.queueCap)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Delivery queue normal: %d/%d", pending, h.queueCap)
	}
	return status
}

// checkMemory checks memory usage
func (h *HealthChecker) checkMemory() *ComponentStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := &ComponentStatus{
		Name:    "memory",
		Details: make(map[string]interface{}),
	}

	allocMB := float64(m.Alloc) / 1024 / 1024
	status.Details["alloc_mb"] = allocMB
	status.Details["sys_mb"] = float64(m.Sys) / 1024 / 1024
	status.Details["num_gc"] = m.NumGC

	// The agent holds a handful of sockets; anything near these is a leak.
	const (
		memoryWarningMB  = 128
		memoryCriticalMB = 512
	)

	switch {
	case allocMB > memoryCriticalMB:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High memory usage: %.1f MB", allocMB)
	case allocMB > memoryWarningMB:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated memory usage: %.1f MB", allocMB)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Memory usage normal: %.1f MB", allocMB)
	}
	return status
}

// checkSystemResources checks system-level resources
func (h *HealthChecker) checkSystemResources() *ComponentStatus {
	goroutineCount := runtime.NumGoroutine()
	status := &ComponentStatus{
		Name: "system",
		Details: map[string]interface{}{
			"goroutines": goroutineCount,
			"cpus":       runtime.NumCPU(),
		},
	}

	const (
		goroutineWarning  = 1000
		goroutineCritical = 5000
	)

	switch {
	case goroutineCount > goroutineCritical:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High goroutine count: %d", goroutineCount)
	case goroutineCount > goroutineWarning:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated goroutine count: %d", goroutineCount)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("System resources normal: %d goroutines", goroutineCount)
	}
	return status
}

func determineOverallStatus(components []*ComponentStatus) HealthStatus {
	overall := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

func countComponentsByStatus(components []*ComponentStatus, status HealthStatus) int {
	count := 0
	for _, comp := range components {
		if comp.Status == status {
			count++
		}
	}
	return count
}

// formatUptime formats uptime duration as a human-readable string
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	} else if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// HandleHealth is the HTTP handler for health checks. Liveness and readiness
// (?ready=1) probes both fail only when the agent is unhealthy.
func (h *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), constants.HealthCheckTimeout*time.Second)
	defer cancel()

	healthResponse := h.CheckHealth(ctx)

	statusCode := http.StatusOK
	if healthResponse.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(healthResponse); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
		return
	}

	h.logger.Debug("Health check completed",
		zap.String("status", string(healthResponse.Status)),
		zap.Int("status_code", statusCode),
		zap.String("client_ip", r.RemoteAddr),
		zap.Bool("ready_probe", r.URL.Query().Get("ready") == "1"))
}
