// Package alert pushes operator notifications for emergency and system
// events to external channels (Slack, Telegram).
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradecore/internal/core"
)

type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

// Payload is one alert.
type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers alerts to one destination.
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager fans alerts out to all channels. Delivery is asynchronous so the
// trading path never blocks on a webhook.
type Manager struct {
	logger core.ILogger

	mu       sync.RWMutex
	channels []Channel
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		logger: logger.WithField("component", "alert_manager"),
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// Alert dispatches to every channel in the background, each with its own
// timeout.
func (m *Manager) Alert(ctx context.Context, title, message string, level Level, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	for _, ch := range channels {
		go func(c Channel) {
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := c.Send(sendCtx, payload); err != nil {
				m.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// Watch subscribes the manager to the bus: emergency events become critical
// alerts, risk triggers and resource breaches become warnings.
func (m *Manager) Watch(bus core.IEventBus) error {
	if err := bus.Subscribe("emergency", m.onEmergency, core.HandlerIO); err != nil {
		return err
	}
	return bus.Subscribe("system", m.onSystem, core.HandlerIO)
}

func (m *Manager) onEmergency(ev *core.Event) error {
	reason, _ := ev.Payload["reason"].(string)
	m.Alert(context.Background(), "Emergency stop", reason, Critical, map[string]string{
		"source":   ev.Source,
		"trace_id": ev.TraceID,
	})
	return nil
}

func (m *Manager) onSystem(ev *core.Event) error {
	kind, _ := ev.Payload["kind"].(string)
	switch kind {
	case "risk_trigger":
		ruleID, _ := ev.Payload["rule"].(string)
		reason, _ := ev.Payload["reason"].(string)
		m.Alert(context.Background(), "Risk rule triggered", reason, Warning, map[string]string{
			"rule": ruleID,
		})
	case "resource_breach":
		m.Alert(context.Background(), "Host resource limit crossed",
			fmt.Sprintf("cpu=%.1f%% mem=%.1f%%",
				floatPayload(ev, "cpu_percent"), floatPayload(ev, "mem_percent")),
			Warning, nil)
	}
	return nil
}

func floatPayload(ev *core.Event, key string) float64 {
	f, _ := ev.Payload[key].(float64)
	return f
}
