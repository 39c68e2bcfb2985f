package circuitbreaker

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Manager hands out one breaker per external provider. A nil Manager or a
// disabled one runs functions unguarded.
type Manager struct {
	logger        *logrus.Entry
	breakers      map[string]*CircuitBreaker
	mutex         sync.RWMutex
	defaultConfig *Config
	enabled       bool
}

// NewManager creates a new circuit breaker manager
func NewManager(logger *logrus.Logger, defaultConfig *Config, enabled bool) *Manager {
	if defaultConfig == nil {
		defaultConfig = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		logger:        logger.WithField("component", "circuit_breaker_manager"),
		breakers:      make(map[string]*CircuitBreaker),
		defaultConfig: defaultConfig,
		enabled:       enabled,
	}
}

// GetCircuitBreaker gets or creates a circuit breaker
func (m *Manager) GetCircuitBreaker(name string) *CircuitBreaker {
	m.mutex.RLock()
	if breaker, exists := m.breakers[name]; exists {
		m.mutex.RUnlock()
		return breaker
	}
	m.mutex.RUnlock()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if breaker, exists := m.breakers[name]; exists {
		return breaker
	}

	breaker := NewCircuitBreaker(name, m.defaultConfig, m.logger.Logger)
	breaker.SetStateChangeCallback(m.onStateChange)
	m.breakers[name] = breaker

	m.logger.WithFields(logrus.Fields{
		"circuit_name":      name,
		"failure_threshold": m.defaultConfig.FailureThreshold,
		"timeout":           m.defaultConfig.Timeout,
	}).Debug("Created new circuit breaker")

	return breaker
}

// Execute runs fn under the named breaker
func (m *Manager) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if m == nil || !m.enabled {
		return fn(ctx)
	}
	return m.GetCircuitBreaker(name).Execute(ctx, fn)
}

// GetAllStatistics returns statistics for all circuit breakers
func (m *Manager) GetAllStatistics() map[string]Statistics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := make(map[string]Statistics, len(m.breakers))
	for name, breaker := range m.breakers {
		stats[name] = breaker.GetStatistics()
	}
	return stats
}

// OpenBreakers lists the names of open circuits, sorted
func (m *Manager) OpenBreakers() []string {
	if m == nil {
		return nil
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var names []string
	for name, breaker := range m.breakers {
		if breaker.IsOpen() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (m *Manager) onStateChange(name string, from State, to State) {
	m.logger.WithFields(logrus.Fields{
		"circuit_name": name,
		"from_state":   from.String(),
		"to_state":     to.String(),
	}).Warn("Circuit breaker state changed")
}
