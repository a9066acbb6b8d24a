package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tradecore/internal/risk"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `
account:
  account_id: "12345"
  password: "${TRADECORE_TEST_PASSWORD}"
broker:
  name: mock
  max_retries: 3
  retry_interval: 5s
trading:
  market: SHFE
  sessions:
    - {start: "09:00", end: "11:30"}
    - {start: "21:00", end: "02:30"}
  holidays: ["2026-10-01"]
risk:
  enabled: true
  rules:
    - id: max-vol
      type: fixed_threshold
      metric: order_volume
      max: 100
event_bus:
  shards: 8
  high_water: 5000
  hard_ceiling: 20000
strategies:
  dir: strategies
system:
  log_level: info
`

func TestLoadConfig_Valid(t *testing.T) {
	t.Setenv("TRADECORE_TEST_PASSWORD", "hunter2")

	cfg, err := LoadConfig(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Account.AccountID != "12345" {
		t.Errorf("account id = %q", cfg.Account.AccountID)
	}
	if string(cfg.Account.Password) != "hunter2" {
		t.Error("env var not expanded into password")
	}
	if cfg.Broker.RetryInterval != 5*time.Second {
		t.Errorf("retry interval = %v", cfg.Broker.RetryInterval)
	}
	if len(cfg.Trading.Sessions) != 2 || len(cfg.Risk.Rules) != 1 {
		t.Errorf("sections not parsed: %+v", cfg)
	}
	if cfg.Risk.Rules[0].Metric != "order_volume" {
		t.Errorf("rule metric = %q", cfg.Risk.Rules[0].Metric)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestValidate_Failures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"missing account id", func(c *Config) { c.Account.AccountID = "" }, "account.account_id"},
		{"missing broker name", func(c *Config) { c.Broker.Name = "" }, "broker.name"},
		{"live broker without endpoint", func(c *Config) { c.Broker.Name = "ctp" }, "broker.quote_endpoint"},
		{"bad session clock", func(c *Config) {
			c.Trading.Sessions = []SessionWindow{{Start: "9am", End: "11:30"}}
		}, "trading.sessions[0].start"},
		{"bad holiday", func(c *Config) { c.Trading.Holidays = []string{"Oct 1"} }, "trading.holidays[0]"},
		{"duplicate rule id", func(c *Config) {
			c.Risk.Rules = []risk.RuleConfig{c.Risk.Rules[0], c.Risk.Rules[0]}
		}, "risk.rules[1].id"},
		{"high water above ceiling", func(c *Config) {
			c.EventBus.HighWater = 100
			c.EventBus.HardCeiling = 50
		}, "event_bus.high_water"},
		{"missing strategies dir", func(c *Config) { c.Strategies.Dir = "" }, "strategies.dir"},
		{"bad monitor policy", func(c *Config) { c.Monitor.Policy = "halt" }, "monitor.policy"},
		{"bad log level", func(c *Config) { c.System.LogLevel = "verbose" }, "system.log_level"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			if !strings.Contains(err.Error(), tc.field) {
				t.Fatalf("error %q does not name field %s", err, tc.field)
			}
		})
	}
}

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestWriteDefault_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "generated.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("write default: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load generated: %v", err)
	}
	if cfg.Broker.Name != "mock" {
		t.Errorf("generated broker = %q", cfg.Broker.Name)
	}
}

func TestString_RedactsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Account.Password = "supersecret"
	s := cfg.String()
	if strings.Contains(s, "supersecret") {
		t.Fatal("password leaked into config string")
	}
	if !strings.Contains(s, "[REDACTED]") {
		t.Fatal("password not marked redacted")
	}
}

func TestIsTradingTime(t *testing.T) {
	trading := TradingConfig{
		Sessions: []SessionWindow{
			{Start: "09:00", End: "11:30"},
			{Start: "21:00", End: "02:30"},
		},
		Holidays: []string{"2026-10-01"},
	}

	at := func(s string) time.Time {
		t.Helper()
		ts, err := time.Parse("2006-01-02 15:04", s)
		if err != nil {
			panic(err)
		}
		return ts
	}

	cases := []struct {
		when string
		want bool
	}{
		{"2026-08-24 10:00", true},  // Monday, day session
		{"2026-08-24 11:30", false}, // end is exclusive
		{"2026-08-24 12:00", false}, // lunch break
		{"2026-08-24 22:00", true},  // night session before midnight
		{"2026-08-25 01:00", true},  // night session after midnight
		{"2026-08-25 03:00", false}, // night session over
		{"2026-08-29 10:00", false}, // Saturday
		{"2026-10-01 10:00", false}, // holiday
	}
	for _, tc := range cases {
		if got := trading.IsTradingTime(at(tc.when)); got != tc.want {
			t.Errorf("IsTradingTime(%s) = %v, want %v", tc.when, got, tc.want)
		}
	}

	trading.ForceTrading = true
	if !trading.IsTradingTime(at("2026-08-29 03:00")) {
		t.Error("force trading did not override session check")
	}
}
