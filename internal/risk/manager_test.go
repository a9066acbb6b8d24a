package risk

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tradecore/internal/core"
	"tradecore/pkg/logging"

	"github.com/shopspring/decimal"
)

type stubBus struct {
	mu     sync.Mutex
	events []*core.Event
}

func (s *stubBus) Publish(ev *core.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return true
}
func (s *stubBus) Subscribe(string, core.EventHandler, core.HandlerKind) error { return nil }
func (s *stubBus) Unsubscribe(string, core.EventHandler)                       {}
func (s *stubBus) Acquire(t core.EventType) *core.Event {
	return &core.Event{Type: t, Payload: map[string]interface{}{}}
}
func (s *stubBus) byType(t core.EventType) []*core.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func buyOrder(volume int64) *core.OrderRequest {
	return &core.OrderRequest{
		Symbol:    "rb2501",
		Direction: core.DirectionBuy,
		Offset:    core.OffsetOpen,
		Type:      core.OrderTypeLimit,
		Price:     decimal.NewFromInt(4000),
		Volume:    decimal.NewFromInt(volume),
	}
}

func TestFixedThreshold_OrderVolume(t *testing.T) {
	m := NewManager(Config{}, &stubBus{}, Providers{}, logging.Nop())
	if err := m.LoadRules([]RuleConfig{
		{ID: "max-vol", Type: "fixed_threshold", Metric: MetricOrderVolume, Max: 10},
	}); err != nil {
		t.Fatalf("load rules: %v", err)
	}

	if err := m.CheckOrder(context.Background(), buyOrder(10), "s1"); err != nil {
		t.Fatalf("volume at limit rejected: %v", err)
	}
	if err := m.CheckOrder(context.Background(), buyOrder(11), "s1"); err == nil {
		t.Fatal("volume above limit accepted")
	}

	counts := m.TriggerCounts()
	if counts["max-vol"] != 1 {
		t.Fatalf("trigger count = %d, want 1", counts["max-vol"])
	}
}

func TestRuleOrder_FirstRejectWins(t *testing.T) {
	m := NewManager(Config{}, &stubBus{}, Providers{}, logging.Nop())
	m.LoadRules([]RuleConfig{
		{ID: "first", Type: "fixed_threshold", Metric: MetricOrderVolume, Max: 1},
		{ID: "second", Type: "fixed_threshold", Metric: MetricOrderNotional, Max: 1},
	})

	err := m.CheckOrder(context.Background(), buyOrder(5), "s1")
	if err == nil {
		t.Fatal("order accepted")
	}
	if got := err.Error(); got[:len("rule first")] != "rule first" {
		t.Fatalf("rejection came from %q, want rule first", got)
	}
}

func TestParallelEvaluationMatchesSerial(t *testing.T) {
	m := NewManager(Config{Parallel: true}, &stubBus{}, Providers{}, logging.Nop())
	defer m.Stop()
	m.LoadRules([]RuleConfig{
		{ID: "first", Type: "fixed_threshold", Metric: MetricOrderVolume, Max: 1},
		{ID: "second", Type: "fixed_threshold", Metric: MetricOrderNotional, Max: 1},
	})

	err := m.CheckOrder(context.Background(), buyOrder(5), "s1")
	if err == nil {
		t.Fatal("order accepted")
	}
	if got := err.Error(); got[:len("rule first")] != "rule first" {
		t.Fatalf("parallel rejection came from %q, want rule first", got)
	}
}

func TestEmergencyLatchAndReset(t *testing.T) {
	bus := &stubBus{}
	pnl := decimal.NewFromInt(-60_000)
	m := NewManager(Config{}, bus, Providers{
		DailyPnL: func() decimal.Decimal { return pnl },
	}, logging.Nop())
	m.LoadRules([]RuleConfig{
		{ID: "daily-loss", Type: "fixed_threshold", Metric: MetricDailyLoss,
			Max: 50_000, Severity: SeverityEmergency},
	})

	if err := m.CheckOrder(context.Background(), buyOrder(1), "s1"); err == nil {
		t.Fatal("order accepted past the daily loss limit")
	}
	if latched, reason := m.Emergency(); !latched || reason == "" {
		t.Fatal("emergency not latched after emergency-severity trigger")
	}
	if got := len(bus.byType(core.EventEmergency)); got != 1 {
		t.Fatalf("published %d emergency events, want 1", got)
	}

	// P&L recovers, but the latch holds until explicitly reset.
	pnl = decimal.Zero
	if err := m.CheckOrder(context.Background(), buyOrder(1), "s1"); err == nil {
		t.Fatal("order accepted while emergency latched")
	}

	m.ResetEmergency()
	if latched, _ := m.Emergency(); latched {
		t.Fatal("latch survived reset")
	}
	if err := m.CheckOrder(context.Background(), buyOrder(1), "s1"); err != nil {
		t.Fatalf("order rejected after reset: %v", err)
	}
}

func TestCooldownSkipsRuleUntilElapsed(t *testing.T) {
	bus := &stubBus{}
	m := NewManager(Config{}, bus, Providers{}, logging.Nop())
	m.LoadRules([]RuleConfig{
		{ID: "max-vol", Type: "fixed_threshold", Metric: MetricOrderVolume,
			Max: 1, Cooldown: time.Minute},
	})

	base := time.Unix(1_700_000_000, 0)
	now := base
	m.now = func() time.Time { return now }

	if err := m.CheckOrder(context.Background(), buyOrder(5), "s1"); err == nil {
		t.Fatal("order accepted") // triggers, starts cooldown
	}

	// Inside the cooldown window the rule is not evaluated at all, so the
	// same oversized order passes.
	now = base.Add(30 * time.Second)
	if err := m.CheckOrder(context.Background(), buyOrder(5), "s1"); err != nil {
		t.Fatalf("order rejected by cooling-down rule: %v", err)
	}
	if got := m.TriggerCounts()["max-vol"]; got != 1 {
		t.Fatalf("trigger count inside cooldown = %d, want 1", got)
	}

	// Exactly at the cooldown boundary the rule is back in force.
	now = base.Add(time.Minute)
	if err := m.CheckOrder(context.Background(), buyOrder(5), "s1"); err == nil {
		t.Fatal("order accepted at cooldown boundary")
	}
	if got := m.TriggerCounts()["max-vol"]; got != 2 {
		t.Fatalf("trigger count at boundary = %d, want 2", got)
	}
}

func TestDisabledRuleIsSkipped(t *testing.T) {
	off := false
	m := NewManager(Config{}, &stubBus{}, Providers{}, logging.Nop())
	m.LoadRules([]RuleConfig{
		{ID: "max-vol", Type: "fixed_threshold", Metric: MetricOrderVolume,
			Max: 1, Enabled: &off},
	})

	if err := m.CheckOrder(context.Background(), buyOrder(5), "s1"); err != nil {
		t.Fatalf("disabled rule rejected order: %v", err)
	}
}

func TestScopeLimitsRuleToMatchingOrders(t *testing.T) {
	m := NewManager(Config{}, &stubBus{}, Providers{}, logging.Nop())
	m.LoadRules([]RuleConfig{
		{ID: "rb-only", Type: "fixed_threshold", Metric: MetricOrderVolume, Max: 1,
			Scope: Scope{Symbols: []string{"rb2501"}, Strategies: []string{"s1"}}},
	})

	if err := m.CheckOrder(context.Background(), buyOrder(5), "s1"); err == nil {
		t.Fatal("in-scope order accepted")
	}
	if err := m.CheckOrder(context.Background(), buyOrder(5), "s2"); err != nil {
		t.Fatalf("out-of-scope strategy rejected: %v", err)
	}
	other := buyOrder(5)
	other.Symbol = "hc2501"
	if err := m.CheckOrder(context.Background(), other, "s1"); err != nil {
		t.Fatalf("out-of-scope symbol rejected: %v", err)
	}
}

func TestScopeTimeWindow(t *testing.T) {
	m := NewManager(Config{}, &stubBus{}, Providers{}, logging.Nop())
	m.LoadRules([]RuleConfig{
		{ID: "night-only", Type: "fixed_threshold", Metric: MetricOrderVolume, Max: 1,
			Scope: Scope{Windows: []string{"21:00-02:30"}}},
	})

	at := func(hour, minute int) {
		m.now = func() time.Time {
			return time.Date(2026, 8, 26, hour, minute, 0, 0, time.Local)
		}
	}

	at(22, 0) // inside the overnight window
	if err := m.CheckOrder(context.Background(), buyOrder(5), "s1"); err == nil {
		t.Fatal("order accepted inside rule window")
	}
	at(1, 30) // still inside, past midnight
	if err := m.CheckOrder(context.Background(), buyOrder(5), "s1"); err == nil {
		t.Fatal("order accepted inside overnight wrap")
	}
	at(10, 0) // daytime, rule dormant
	if err := m.CheckOrder(context.Background(), buyOrder(5), "s1"); err != nil {
		t.Fatalf("order rejected outside rule window: %v", err)
	}
}

func TestNonRejectActionsRecordAndContinue(t *testing.T) {
	bus := &stubBus{}
	var mu sync.Mutex
	var disabled []string
	m := NewManager(Config{}, bus, Providers{
		Disable: func(strategyID string) error {
			mu.Lock()
			disabled = append(disabled, strategyID)
			mu.Unlock()
			return nil
		},
	}, logging.Nop())
	m.LoadRules([]RuleConfig{
		{ID: "watch-vol", Type: "fixed_threshold", Metric: MetricOrderVolume,
			Max: 1, Action: ActionAlert},
		{ID: "kill-switch", Type: "fixed_threshold", Metric: MetricOrderVolume,
			Max: 3, Action: ActionDisable},
	})

	// Both rules trigger, neither blocks: the order goes through.
	if err := m.CheckOrder(context.Background(), buyOrder(5), "s1"); err != nil {
		t.Fatalf("alert/disable triggers blocked the order: %v", err)
	}

	counts := m.TriggerCounts()
	if counts["watch-vol"] != 1 || counts["kill-switch"] != 1 {
		t.Fatalf("trigger counts = %v, want both at 1", counts)
	}
	triggers := bus.byType(core.EventSystem)
	if len(triggers) != 2 {
		t.Fatalf("published %d trigger events, want 2", len(triggers))
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(disabled)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("disable hook called %d times, want 1", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if disabled[0] != "s1" {
		t.Fatalf("disabled strategy %q, want s1", disabled[0])
	}
}

func TestRejectActionShortCircuits(t *testing.T) {
	m := NewManager(Config{}, &stubBus{}, Providers{}, logging.Nop())
	m.LoadRules([]RuleConfig{
		{ID: "hard-stop", Type: "fixed_threshold", Metric: MetricOrderVolume, Max: 1},
		{ID: "after", Type: "fixed_threshold", Metric: MetricOrderNotional, Max: 1,
			Action: ActionAlert},
	})

	if err := m.CheckOrder(context.Background(), buyOrder(5), "s1"); err == nil {
		t.Fatal("order accepted")
	}
	// The reject stopped evaluation before the alert rule ran.
	if got := m.TriggerCounts()["after"]; got != 0 {
		t.Fatalf("rule after the reject triggered %d times", got)
	}
}

func TestCircuitBreakerRuleTripsOnRepeatedRejections(t *testing.T) {
	m := NewManager(Config{}, &stubBus{}, Providers{}, logging.Nop())
	m.LoadRules([]RuleConfig{
		{ID: "cb", Type: "circuit_breaker", Threshold: 3, RecoveryTime: time.Hour},
		{ID: "max-vol", Type: "fixed_threshold", Metric: MetricOrderVolume, Max: 1},
	})

	for i := 0; i < 3; i++ {
		if err := m.CheckOrder(context.Background(), buyOrder(5), "s1"); err == nil {
			t.Fatalf("oversized order %d accepted", i)
		}
	}

	// Breaker is now open: even a compliant order from the strategy is
	// rejected by the breaker rule.
	err := m.CheckOrder(context.Background(), buyOrder(1), "s1")
	if err == nil {
		t.Fatal("order accepted with breaker open")
	}
	if got := err.Error(); got[:len("rule cb")] != "rule cb" {
		t.Fatalf("rejection came from %q, want rule cb", got)
	}
}

func TestVolatilityAdjustedRule(t *testing.T) {
	vol := 0.0
	m := NewManager(Config{}, &stubBus{}, Providers{
		Volatility: func(string) float64 { return vol },
	}, logging.Nop())
	m.LoadRules([]RuleConfig{
		{ID: "vol-adj", Type: "volatility_adjusted", Metric: MetricOrderVolume,
			Max: 10, RefreshEach: time.Nanosecond},
	})

	// Calm market: base limit applies.
	if err := m.CheckOrder(context.Background(), buyOrder(10), "s1"); err != nil {
		t.Fatalf("order at base limit rejected in calm market: %v", err)
	}

	// 1% volatility halves the limit to 5.
	vol = 0.01
	if err := m.CheckOrder(context.Background(), buyOrder(6), "s1"); err == nil {
		t.Fatal("order above adjusted limit accepted in volatile market")
	}
	if err := m.CheckOrder(context.Background(), buyOrder(5), "s1"); err != nil {
		t.Fatalf("order within adjusted limit rejected: %v", err)
	}
}

func TestVolatilityAdjustedRule_Inverse(t *testing.T) {
	m := NewManager(Config{}, &stubBus{}, Providers{
		Volatility: func(string) float64 { return 0.01 },
	}, logging.Nop())
	m.LoadRules([]RuleConfig{
		{ID: "vol-inv", Type: "volatility_adjusted", Metric: MetricOrderVolume,
			Max: 10, Inverse: true, RefreshEach: time.Nanosecond},
	})

	// Inverse: 1% volatility doubles the limit to 20.
	if err := m.CheckOrder(context.Background(), buyOrder(20), "s1"); err != nil {
		t.Fatalf("order within widened limit rejected: %v", err)
	}
	if err := m.CheckOrder(context.Background(), buyOrder(21), "s1"); err == nil {
		t.Fatal("order above widened limit accepted")
	}
}

func TestAnomalyRuleWithoutModelAllows(t *testing.T) {
	m := NewManager(Config{}, &stubBus{}, Providers{}, logging.Nop())
	m.LoadRules([]RuleConfig{{ID: "anomaly", Type: "anomaly"}})

	if err := m.CheckOrder(context.Background(), buyOrder(1_000_000), "s1"); err != nil {
		t.Fatalf("model-less anomaly rule rejected: %v", err)
	}
}

func TestAnomalyRuleUnreadableModelDegradesToNoop(t *testing.T) {
	m := NewManager(Config{}, &stubBus{}, Providers{}, logging.Nop())
	if err := m.LoadRules([]RuleConfig{
		{ID: "anomaly", Type: "anomaly", ModelPath: filepath.Join(t.TempDir(), "missing.json")},
	}); err != nil {
		t.Fatalf("missing model file failed rule construction: %v", err)
	}
	if err := m.CheckOrder(context.Background(), buyOrder(1_000_000), "s1"); err != nil {
		t.Fatalf("degraded anomaly rule rejected: %v", err)
	}

	// Malformed weights degrade the same way.
	bad := filepath.Join(t.TempDir(), "model.json")
	os.WriteFile(bad, []byte("{not json"), 0o644)
	if err := m.LoadRules([]RuleConfig{
		{ID: "anomaly", Type: "anomaly", ModelPath: bad},
	}); err != nil {
		t.Fatalf("malformed model file failed rule construction: %v", err)
	}
}

func TestAnomalyRuleScoresAccountRelativeFeatures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	// Heavy weight on the order-to-balance ratio; everything else neutral.
	os.WriteFile(path, []byte(`{
		"bias": -4,
		"w_order_ratio": 10,
		"w_margin_ratio": 0,
		"w_time_of_day": 0,
		"w_weekday": 0,
		"cutoff": 0.5
	}`), 0o644)

	balance := decimal.NewFromInt(1_000_000)
	m := NewManager(Config{}, &stubBus{}, Providers{
		Account: func() *core.AccountSnapshot {
			return &core.AccountSnapshot{AccountID: "a1", Balance: balance}
		},
	}, logging.Nop())
	if err := m.LoadRules([]RuleConfig{
		{ID: "anomaly", Type: "anomaly", ModelPath: path},
	}); err != nil {
		t.Fatalf("load rules: %v", err)
	}

	// 4000 * 10 = 40k notional on a 1m balance: ratio 0.04, z = -3.6.
	if err := m.CheckOrder(context.Background(), buyOrder(10), "s1"); err != nil {
		t.Fatalf("small order rejected: %v", err)
	}
	// 4000 * 200 = 800k notional: ratio 0.8, z = 4.
	if err := m.CheckOrder(context.Background(), buyOrder(200), "s1"); err == nil {
		t.Fatal("outsized order accepted")
	}
}

func TestBuildRule_UnknownType(t *testing.T) {
	if _, err := BuildRule(RuleConfig{Type: "no_such_rule"}); err == nil {
		t.Fatal("unknown rule type built")
	}
}

func TestStatePersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk_state.json")
	bus := &stubBus{}

	m := NewManager(Config{StatePath: path}, bus, Providers{
		DailyPnL: func() decimal.Decimal { return decimal.NewFromInt(-100_000) },
	}, logging.Nop())
	m.LoadRules([]RuleConfig{
		{ID: "daily-loss", Type: "fixed_threshold", Metric: MetricDailyLoss,
			Max: 50_000, Severity: SeverityEmergency},
	})
	m.Start(context.Background())
	m.CheckOrder(context.Background(), buyOrder(1), "s1")
	m.Stop()

	restored := NewManager(Config{StatePath: path}, bus, Providers{}, logging.Nop())
	restored.Start(context.Background())
	defer restored.Stop()

	if latched, _ := restored.Emergency(); !latched {
		t.Fatal("emergency latch did not survive restart")
	}
	if got := restored.TriggerCounts()["daily-loss"]; got != 1 {
		t.Fatalf("restored trigger count = %d, want 1", got)
	}
}
