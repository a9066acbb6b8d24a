package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// persistedState is what survives a restart: the emergency latch and trigger
// totals. Cooldowns are intentionally not persisted; they are short-lived.
type persistedState struct {
	Emergency       bool              `json:"emergency"`
	EmergencyReason string            `json:"emergency_reason,omitempty"`
	TriggerCounts   map[string]uint64 `json:"trigger_counts"`
	SavedAt         time.Time         `json:"saved_at"`
}

func (m *Manager) saveState() error {
	m.mu.RLock()
	state := persistedState{
		Emergency:       m.emergency,
		EmergencyReason: m.emergencyReason,
		TriggerCounts:   make(map[string]uint64, len(m.triggerCounts)),
		SavedAt:         m.now(),
	}
	for k, v := range m.triggerCounts {
		state.TriggerCounts[k] = v
	}
	m.mu.RUnlock()

	raw, err := json.MarshalIndent(&state, "", "  ")
	if err != nil {
		return err
	}

	// Write-then-rename so a crash mid-save never corrupts the state file.
	tmp := m.cfg.StatePath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(m.cfg.StatePath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.cfg.StatePath)
}

func (m *Manager) loadState() error {
	raw, err := os.ReadFile(m.cfg.StatePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var state persistedState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("parse %s: %w", m.cfg.StatePath, err)
	}

	m.mu.Lock()
	m.emergency = state.Emergency
	m.emergencyReason = state.EmergencyReason
	for k, v := range state.TriggerCounts {
		m.triggerCounts[k] = v
	}
	m.mu.Unlock()

	if state.Emergency {
		m.logger.Warn("Restored latched emergency state",
			"reason", state.EmergencyReason, "saved_at", state.SavedAt)
	}
	return nil
}
