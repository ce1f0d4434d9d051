// Package health aggregates readiness checks for the console's dependencies:
// the analyzer, ffmpeg, the run journal and the upload store.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/vzahanych/view-guard-meta/console/internal/logger"
	"github.com/vzahanych/view-guard-meta/console/internal/service"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a health check
type Check struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// ServiceHealth is the lifecycle status of one registered service
type ServiceHealth struct {
	Status service.Status `json:"status"`
	Uptime string         `json:"uptime"`
	Error  string         `json:"error,omitempty"`
}

// Report represents the overall health report
type Report struct {
	Status    Status                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Uptime    string                   `json:"uptime"`
	Checks    map[string]Check         `json:"checks"`
	Services  map[string]ServiceHealth `json:"services,omitempty"`
}

// Ready reports whether the console can serve operators
func (r Report) Ready() bool {
	return r.Status != StatusUnhealthy
}

// Checker is an interface for health checkers
type Checker interface {
	Name() string
	Check(ctx context.Context) Check
}

// Manager runs registered checkers
type Manager struct {
	logger     *logger.Logger
	svcManager *service.Manager
	startTime  time.Time
	timeout    time.Duration

	mu       sync.RWMutex
	checkers []Checker
}

// NewManager creates a new health check manager. svcManager may be nil.
func NewManager(log *logger.Logger, svcManager *service.Manager) *Manager {
	return &Manager{
		logger:     log,
		svcManager: svcManager,
		startTime:  time.Now(),
		timeout:    5 * time.Second,
	}
}

// RegisterChecker registers a health checker
func (m *Manager) RegisterChecker(checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, checker)
}

// Check performs all health checks concurrently
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	results := make([]Check, len(checkers))
	var wg sync.WaitGroup
	for i, checker := range checkers {
		wg.Add(1)
		go func(i int, checker Checker) {
			defer wg.Done()
			results[i] = checker.Check(ctx)
		}(i, checker)
	}
	wg.Wait()

	checks := make(map[string]Check, len(results))
	overallStatus := StatusHealthy
	for _, check := range results {
		checks[check.Name] = check

		if check.Status == StatusUnhealthy {
			overallStatus = StatusUnhealthy
		} else if check.Status == StatusDegraded && overallStatus == StatusHealthy {
			overallStatus = StatusDegraded
		}
	}

	if overallStatus != StatusHealthy {
		m.logger.Debug("Health check not healthy", "status", overallStatus)
	}

	return Report{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Uptime:    time.Since(m.startTime).Truncate(time.Second).String(),
		Checks:    checks,
		Services:  m.Services(),
	}
}

// Services returns the lifecycle status of every registered service
func (m *Manager) Services() map[string]ServiceHealth {
	services := make(map[string]ServiceHealth)
	if m.svcManager == nil {
		return services
	}

	for name, status := range m.svcManager.GetAllStatuses() {
		sh := ServiceHealth{
			Status: status.GetStatus(),
			Uptime: status.GetUptime().Truncate(time.Second).String(),
		}
		if err := status.GetError(); err != nil {
			sh.Error = err.Error()
		}
		services[name] = sh
	}
	return services
}

func newCheck(name string) Check {
	return Check{
		Name:      name,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}
