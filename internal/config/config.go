// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"tradecore/internal/risk"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Account    AccountConfig    `yaml:"account"`
	Broker     BrokerConfig     `yaml:"broker"`
	Trading    TradingConfig    `yaml:"trading"`
	Risk       RiskConfig       `yaml:"risk"`
	EventBus   EventBusConfig   `yaml:"event_bus"`
	Strategies StrategiesConfig `yaml:"strategies"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	System     SystemConfig     `yaml:"system"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// AlertsConfig configures operator notification channels; all optional
type AlertsConfig struct {
	SlackWebhook   Secret `yaml:"slack_webhook"`
	TelegramToken  Secret `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
}

// AccountConfig identifies the trading account at the broker
type AccountConfig struct {
	AccountID string `yaml:"account_id"`
	Password  Secret `yaml:"password"`
	AuthID    string `yaml:"auth_id"`   // optional, broker-dependent
	AuthCode  Secret `yaml:"auth_code"` // optional, broker-dependent
}

// BrokerConfig contains broker connection settings
type BrokerConfig struct {
	Name          string        `yaml:"name"` // "mock" or an adapter name
	QuoteEndpoint string        `yaml:"quote_endpoint"`
	TradeEndpoint string        `yaml:"trade_endpoint"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// SessionWindow is one daily trading window in local time ("HH:MM").
// A window whose end precedes its start wraps past midnight (night session).
type SessionWindow struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// TradingConfig contains trading session and market settings
type TradingConfig struct {
	Market   string          `yaml:"market"`
	Sessions []SessionWindow `yaml:"sessions"`
	Holidays []string        `yaml:"holidays"` // YYYY-MM-DD, closed all day

	// ForceTrading skips the session check (also settable via --force-trading)
	ForceTrading bool `yaml:"force_trading"`
}

// RiskConfig contains the rule set and evaluation settings
type RiskConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Parallel     bool              `yaml:"parallel"`
	StatePath    string            `yaml:"state_path"`
	SaveInterval time.Duration     `yaml:"save_interval"`
	Rules        []risk.RuleConfig `yaml:"rules"`
}

// EventBusConfig contains bus tuning knobs; zero values take bus defaults
type EventBusConfig struct {
	Shards           int `yaml:"shards"`
	HighWater        int `yaml:"high_water"`
	HardCeiling      int `yaml:"hard_ceiling"`
	IOWorkers        int `yaml:"io_workers"`
	CPUWorkers       int `yaml:"cpu_workers"`
	TargetThroughput int `yaml:"target_throughput"`
}

// StrategiesConfig locates strategy instance configs
type StrategiesConfig struct {
	Dir          string        `yaml:"dir"`
	ScanInterval time.Duration `yaml:"scan_interval"`
}

// MonitorConfig bounds host resource usage for the strategy runtime
type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
	CPULimit float64       `yaml:"cpu_limit"` // percent, 0 disables
	MemLimit float64       `yaml:"mem_limit"` // percent, 0 disables
	Policy   string        `yaml:"policy"`    // warn | pause | stop_lowest | stop_all
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	for _, err := range []error{
		c.Account.validate(),
		c.Broker.validate(),
		c.Trading.validate(),
		c.Risk.validate(),
		c.EventBus.validate(),
		c.Strategies.validate(),
		c.Monitor.validate(),
		c.System.validate(),
	} {
		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}
	return nil
}

func (a *AccountConfig) validate() error {
	if a.AccountID == "" {
		return ValidationError{
			Field:   "account.account_id",
			Message: "account id is required",
		}
	}
	return nil
}

func (b *BrokerConfig) validate() error {
	if b.Name == "" {
		return ValidationError{
			Field:   "broker.name",
			Message: "broker name is required",
		}
	}
	if b.Name != "mock" && b.QuoteEndpoint == "" {
		return ValidationError{
			Field:   "broker.quote_endpoint",
			Message: "quote endpoint is required for a live broker",
		}
	}
	if b.MaxRetries < 0 {
		return ValidationError{
			Field:   "broker.max_retries",
			Value:   b.MaxRetries,
			Message: "must not be negative",
		}
	}
	return nil
}

func (t *TradingConfig) validate() error {
	for i, w := range t.Sessions {
		if _, err := parseClock(w.Start); err != nil {
			return ValidationError{
				Field:   fmt.Sprintf("trading.sessions[%d].start", i),
				Value:   w.Start,
				Message: "must be HH:MM",
			}
		}
		if _, err := parseClock(w.End); err != nil {
			return ValidationError{
				Field:   fmt.Sprintf("trading.sessions[%d].end", i),
				Value:   w.End,
				Message: "must be HH:MM",
			}
		}
	}
	for i, d := range t.Holidays {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return ValidationError{
				Field:   fmt.Sprintf("trading.holidays[%d]", i),
				Value:   d,
				Message: "must be YYYY-MM-DD",
			}
		}
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if !r.Enabled {
		return nil
	}
	seen := make(map[string]struct{}, len(r.Rules))
	for i, rule := range r.Rules {
		if rule.Type == "" {
			return ValidationError{
				Field:   fmt.Sprintf("risk.rules[%d].type", i),
				Message: "rule type is required",
			}
		}
		id := rule.ID
		if id == "" {
			id = rule.Type
		}
		if _, dup := seen[id]; dup {
			return ValidationError{
				Field:   fmt.Sprintf("risk.rules[%d].id", i),
				Value:   id,
				Message: "duplicate rule id",
			}
		}
		seen[id] = struct{}{}
	}
	return nil
}

func (e *EventBusConfig) validate() error {
	if e.Shards < 0 || e.HighWater < 0 || e.HardCeiling < 0 {
		return ValidationError{
			Field:   "event_bus",
			Message: "sizes must not be negative",
		}
	}
	if e.HardCeiling > 0 && e.HighWater > e.HardCeiling {
		return ValidationError{
			Field:   "event_bus.high_water",
			Value:   e.HighWater,
			Message: "must not exceed hard_ceiling",
		}
	}
	return nil
}

func (s *StrategiesConfig) validate() error {
	if s.Dir == "" {
		return ValidationError{
			Field:   "strategies.dir",
			Message: "strategies directory is required",
		}
	}
	return nil
}

func (m *MonitorConfig) validate() error {
	switch m.Policy {
	case "", "warn", "pause", "stop_lowest", "stop_all":
		return nil
	}
	return ValidationError{
		Field:   "monitor.policy",
		Value:   m.Policy,
		Message: "must be warn, pause, stop_lowest or stop_all",
	}
}

func (s *SystemConfig) validate() error {
	validLevels := []string{"debug", "info", "warn", "warning", "error", "critical", "fatal"}
	if s.LogLevel == "" {
		return nil
	}
	if !contains(validLevels, strings.ToLower(s.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   s.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a string representation of the configuration. Secret fields
// redact themselves.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the configuration --generate-config writes
func DefaultConfig() *Config {
	return &Config{
		Account: AccountConfig{
			AccountID: "demo",
		},
		Broker: BrokerConfig{
			Name:          "mock",
			MaxRetries:    3,
			RetryInterval: 5 * time.Second,
		},
		Trading: TradingConfig{
			Market: "SHFE",
			Sessions: []SessionWindow{
				{Start: "09:00", End: "11:30"},
				{Start: "13:30", End: "15:00"},
				{Start: "21:00", End: "23:00"},
			},
		},
		Risk: RiskConfig{
			Enabled:  true,
			Parallel: false,
			Rules: []risk.RuleConfig{
				{
					ID:     "max-order-volume",
					Type:   "fixed_threshold",
					Metric: "order_volume",
					Max:    100,
				},
				{
					ID:       "daily-loss-limit",
					Type:     "fixed_threshold",
					Metric:   "daily_loss",
					Max:      50000,
					Severity: risk.SeverityEmergency,
					Cooldown: time.Minute,
				},
			},
		},
		Strategies: StrategiesConfig{
			Dir:          "strategies",
			ScanInterval: 60 * time.Second,
		},
		Monitor: MonitorConfig{
			Interval: 30 * time.Second,
			CPULimit: 90,
			MemLimit: 90,
			Policy:   "warn",
		},
		System: SystemConfig{
			LogLevel:     "info",
			CancelOnExit: true,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}

// WriteDefault writes the default configuration document to path.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
