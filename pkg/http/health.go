package http

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/version"
)

// Component states
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	Checks    map[string]CheckResult `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// CheckResult represents an individual health check result
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SystemInfo contains system resource information
type SystemInfo struct {
	GoRoutines int    `json:"goroutines"`
	MemoryMB   uint64 `json:"memory_mb"`
	CPUCount   int    `json:"cpu_count"`
	ActiveRuns int    `json:"active_runs"`
}

// HealthCheck reports the state of one dependency.
type HealthCheck func() CheckResult

// AddCheck registers a named dependency check.
func (s *Server) AddCheck(name string, check HealthCheck) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.checks[name] = check
}

// ConnectionCheck adapts anything with IsConnected, such as the AMQP reporter.
func ConnectionCheck(name string, c interface{ IsConnected() bool }) HealthCheck {
	return func() CheckResult {
		if c.IsConnected() {
			return CheckResult{Status: StatusHealthy, Message: name + " connected"}
		}
		return CheckResult{Status: StatusDegraded, Message: name + " disconnected"}
	}
}

// BreakerCheck degrades while any listed circuit breaker is open.
func BreakerCheck(open func() []string) HealthCheck {
	return func() CheckResult {
		names := open()
		if len(names) == 0 {
			return CheckResult{Status: StatusHealthy}
		}
		sort.Strings(names)
		msg := "open: "
		for i, n := range names {
			if i > 0 {
				msg += ", "
			}
			msg += n
		}
		return CheckResult{Status: StatusDegraded, Message: msg}
	}
}

// HealthHandler handles health check requests
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	health := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Version:   version.Version,
		Checks:    make(map[string]CheckResult),
	}

	s.checksMu.RLock()
	for name, check := range s.checks {
		res := safeCheck(check)
		health.Checks[name] = res
		switch {
		case res.Status == StatusUnhealthy:
			health.Status = StatusUnhealthy
		case res.Status == StatusDegraded && health.Status == StatusHealthy:
			health.Status = StatusDegraded
		}
	}
	s.checksMu.RUnlock()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	health.System = SystemInfo{
		GoRoutines: runtime.NumGoroutine(),
		MemoryMB:   m.Alloc / 1024 / 1024,
		CPUCount:   runtime.NumCPU(),
		ActiveRuns: s.registry.Active(),
	}

	if r.URL.Query().Get("detailed") == "true" {
		s.logger.WithFields(logrus.Fields{
			"status":   health.Status,
			"checks":   health.Checks,
			"duration": time.Since(startTime),
		}).Debug("Health check performed")
	}

	statusCode := http.StatusOK
	if health.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(health)
}

// LivenessHandler handles kubernetes liveness checks
func (s *Server) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler reports not ready while every run slot is taken.
func (s *Server) ReadinessHandler(w http.ResponseWriter, _ *http.Request) {
	if s.registry.Active() >= s.registry.limit {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("busy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func safeCheck(check HealthCheck) (res CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			res = CheckResult{Status: StatusDegraded, Message: "health check panicked"}
		}
	}()
	return check()
}
