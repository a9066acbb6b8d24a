// Package health aggregates liveness checks from the trading components and
// serves them over HTTP.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"tradecore/internal/core"
)

// Check reports nil when the component is healthy.
type Check func() error

// Manager aggregates health status from registered components.
type Manager struct {
	logger core.ILogger

	mu     sync.RWMutex
	checks map[string]Check
}

// NewManager creates an empty health manager.
func NewManager(logger core.ILogger) *Manager {
	m := &Manager{checks: make(map[string]Check)}
	if logger != nil {
		m.logger = logger.WithField("component", "health_manager")
	}
	return m
}

// Register adds a health check for a component. Re-registering replaces it.
func (m *Manager) Register(component string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// ComponentStatus is one component's health at check time.
type ComponentStatus struct {
	Component string `json:"component"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
}

// Status runs every check and returns per-component results, sorted by name.
func (m *Manager) Status() []ComponentStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ComponentStatus, 0, len(m.checks))
	for component, check := range m.checks {
		cs := ComponentStatus{Component: component, Healthy: true}
		if err := check(); err != nil {
			cs.Healthy = false
			cs.Error = err.Error()
		}
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// Healthy reports whether every registered component passes.
func (m *Manager) Healthy() bool {
	for _, cs := range m.Status() {
		if !cs.Healthy {
			if m.logger != nil {
				m.logger.Warn("Component unhealthy", "component", cs.Component, "error", cs.Error)
			}
			return false
		}
	}
	return true
}

// Handler serves the aggregate status as JSON; 503 when anything fails.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := m.Status()
		healthy := true
		for _, cs := range status {
			if !cs.Healthy {
				healthy = false
				break
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"healthy":    healthy,
			"components": status,
		})
	})
}
