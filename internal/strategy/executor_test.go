package strategy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tradecore/internal/core"
	"tradecore/internal/mock"
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

// probeStrategy records callback invocations and can be told to panic.
type probeStrategy struct {
	BaseStrategy

	id string

	mu       sync.Mutex
	ticks    []*core.Tick
	trades   []*core.Trade
	timers   int
	runs     int
	stopped  bool
	panicRun bool
}

var (
	probesMu sync.Mutex
	probes   = map[string]*probeStrategy{}
)

func init() {
	Register("probe", func(cfg *InstanceConfig) (Strategy, error) {
		p := &probeStrategy{id: cfg.ID}
		probesMu.Lock()
		probes[cfg.ID] = p
		probesMu.Unlock()
		return p, nil
	})
}

func probeFor(id string) *probeStrategy {
	probesMu.Lock()
	defer probesMu.Unlock()
	return probes[id]
}

func (p *probeStrategy) ID() string { return p.id }
func (p *probeStrategy) Init(context.Context, *InstanceConfig, *Environment) error {
	return nil
}
func (p *probeStrategy) OnTick(t *core.Tick) {
	p.mu.Lock()
	p.ticks = append(p.ticks, t)
	p.mu.Unlock()
}
func (p *probeStrategy) OnTrade(t *core.Trade) {
	p.mu.Lock()
	p.trades = append(p.trades, t)
	p.mu.Unlock()
}
func (p *probeStrategy) OnTimer() {
	p.mu.Lock()
	p.timers++
	p.mu.Unlock()
}
func (p *probeStrategy) Run() {
	p.mu.Lock()
	shouldPanic := p.panicRun
	p.runs++
	p.mu.Unlock()
	if shouldPanic {
		panic("strategy bug")
	}
}
func (p *probeStrategy) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

func (p *probeStrategy) tickCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ticks)
}

func newTestExecutor(t *testing.T) (*Executor, *stubBus) {
	t.Helper()
	bus := &stubBus{}
	env := &Environment{Logger: logging.Nop()}
	e := NewExecutor(bus, env, logging.Nop())
	return e, bus
}

func TestExecutor_DeployAndRemove(t *testing.T) {
	e, _ := newTestExecutor(t)

	cfg := &InstanceConfig{ID: "p1", Type: "probe"}
	if err := e.Deploy(context.Background(), cfg); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := e.Deploy(context.Background(), cfg); err == nil {
		t.Fatal("duplicate deploy accepted")
	}

	if err := e.Remove("p1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !probeFor("p1").stopped {
		t.Fatal("removed strategy was not stopped")
	}
	if err := e.Remove("p1"); err == nil {
		t.Fatal("double remove accepted")
	}
}

func TestExecutor_TickFanOutFiltersBySymbol(t *testing.T) {
	e, _ := newTestExecutor(t)
	e.Deploy(context.Background(), &InstanceConfig{
		ID: "rb-only", Type: "probe", Symbols: []string{"rb2501"},
	})
	e.Deploy(context.Background(), &InstanceConfig{
		ID: "all-symbols", Type: "probe",
	})

	tick := &core.Tick{Symbol: "hc2501", Last: decimal.NewFromInt(3500)}
	e.onTick(&core.Event{
		Type:    core.EventMarketTick,
		Payload: map[string]interface{}{"tick": tick},
	})

	if got := probeFor("rb-only").tickCount(); got != 0 {
		t.Fatalf("rb-only saw %d ticks for a foreign symbol", got)
	}
	if got := probeFor("all-symbols").tickCount(); got != 1 {
		t.Fatalf("all-symbols saw %d ticks, want 1", got)
	}
}

func TestExecutor_TradeFanOutFiltersByStrategy(t *testing.T) {
	e, _ := newTestExecutor(t)
	e.Deploy(context.Background(), &InstanceConfig{ID: "mine", Type: "probe"})
	e.Deploy(context.Background(), &InstanceConfig{ID: "other", Type: "probe"})

	trade := &core.Trade{Symbol: "rb2501", Volume: decimal.NewFromInt(1)}
	e.onTrade(&core.Event{
		Type: core.EventTradeFill,
		Payload: map[string]interface{}{
			"trade":       trade,
			"strategy_id": "mine",
		},
	})

	mine := probeFor("mine")
	mine.mu.Lock()
	mineTrades := len(mine.trades)
	mine.mu.Unlock()
	if mineTrades != 1 {
		t.Fatalf("owning strategy saw %d trades, want 1", mineTrades)
	}

	other := probeFor("other")
	other.mu.Lock()
	otherTrades := len(other.trades)
	other.mu.Unlock()
	if otherTrades != 0 {
		t.Fatalf("foreign strategy saw %d trades, want 0", otherTrades)
	}
}

func TestExecutor_ReloadBumpsVersionAndSignals(t *testing.T) {
	e, bus := newTestExecutor(t)
	e.Deploy(context.Background(), &InstanceConfig{ID: "p2", Type: "probe"})

	if err := e.Reload(context.Background(), &InstanceConfig{
		ID: "p2", Type: "probe",
		Params: map[string]interface{}{"lots": 2},
	}); err != nil {
		t.Fatalf("reload: %v", err)
	}

	inst := e.Instance("p2")
	if inst.Version() != 1 {
		t.Fatalf("version after reload = %d, want 1", inst.Version())
	}

	signals := bus.byType(core.EventStrategySignal)
	if len(signals) != 1 {
		t.Fatalf("published %d signals, want 1", len(signals))
	}
	if signals[0].Payload["reason"] != "hot_reload" {
		t.Fatalf("signal reason = %v, want hot_reload", signals[0].Payload["reason"])
	}
}

func TestInstance_PanicIsolationAndAutoStop(t *testing.T) {
	e, _ := newTestExecutor(t)
	e.Deploy(context.Background(), &InstanceConfig{ID: "flaky", Type: "probe"})
	e.Deploy(context.Background(), &InstanceConfig{ID: "healthy", Type: "probe"})

	probeFor("flaky").panicRun = true

	flaky := e.Instance("flaky")
	healthy := e.Instance("healthy")
	for i := 0; i < defaultMaxErrors; i++ {
		flaky.invoke("Run", flaky.strat.Run)
		healthy.invoke("Run", healthy.strat.Run)
	}

	if flaky.State() != StateErrored {
		t.Fatalf("flaky state = %d, want errored", flaky.State())
	}
	if !probeFor("flaky").stopped {
		t.Fatal("flaky strategy not stopped after error budget")
	}
	if healthy.State() != StateRunning {
		t.Fatal("healthy strategy affected by sibling failure")
	}
	if probeFor("healthy").runs != defaultMaxErrors {
		t.Fatalf("healthy ran %d times, want %d", probeFor("healthy").runs, defaultMaxErrors)
	}

	// A stopped instance ignores further callbacks.
	flaky.invoke("Run", flaky.strat.Run)
	if got := probeFor("flaky").runs; got != defaultMaxErrors {
		t.Fatalf("errored instance still running: %d runs", got)
	}
}

func TestExecutor_TimerLoopDrivesInstances(t *testing.T) {
	e, _ := newTestExecutor(t)
	e.SetTimerInterval(10 * time.Millisecond)
	e.Deploy(context.Background(), &InstanceConfig{ID: "timed", Type: "probe"})

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		p := probeFor("timed")
		p.mu.Lock()
		done := p.timers >= 2 && p.runs >= 2
		p.mu.Unlock()
		if done {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timer loop did not drive OnTimer/Run")
}

func TestScanner_DeployReloadRemove(t *testing.T) {
	dir := t.TempDir()
	e, bus := newTestExecutor(t)
	s := NewScanner(dir, e, logging.Nop())

	path := filepath.Join(dir, "scanner-s1.yaml")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}

	write("id: scanner-s1\ntype: probe\nsymbols: [rb2501]\nversion: 1\n")
	if err := s.Scan(context.Background()); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if e.Instance("scanner-s1") == nil {
		t.Fatal("scanner did not deploy new config")
	}

	// Unchanged file: nothing happens.
	if err := s.Scan(context.Background()); err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if got := e.Instance("scanner-s1").Version(); got != 1 {
		t.Fatalf("version after no-op scan = %d, want 1", got)
	}

	// Changed params without a version bump or hot_reload do not touch the
	// running instance.
	write("id: scanner-s1\ntype: probe\nsymbols: [rb2501]\nversion: 1\nparams:\n  lots: 3\n")
	if err := s.Scan(context.Background()); err != nil {
		t.Fatalf("unbumped scan: %v", err)
	}
	if got := e.Instance("scanner-s1").Version(); got != 1 {
		t.Fatalf("version after unbumped change = %d, want 1", got)
	}
	if got := len(bus.byType(core.EventStrategySignal)); got != 0 {
		t.Fatalf("unbumped change published %d signals, want 0", got)
	}

	// A version bump with hot_reload set reloads the instance.
	write("id: scanner-s1\ntype: probe\nsymbols: [rb2501]\nversion: 2\nhot_reload: true\nparams:\n  lots: 3\n")
	if err := s.Scan(context.Background()); err != nil {
		t.Fatalf("reload scan: %v", err)
	}
	if got := e.Instance("scanner-s1").Version(); got != 2 {
		t.Fatalf("version after reload = %d, want 2", got)
	}
	if got := len(bus.byType(core.EventStrategySignal)); got != 1 {
		t.Fatalf("published %d hot reload signals, want 1", got)
	}

	// Deleting the file removes the instance.
	os.Remove(path)
	if err := s.Scan(context.Background()); err != nil {
		t.Fatalf("removal scan: %v", err)
	}
	if e.Instance("scanner-s1") != nil {
		t.Fatal("instance survived config deletion")
	}
}

func TestExecutor_AutoStartOffDeploysStopped(t *testing.T) {
	e, _ := newTestExecutor(t)

	off := false
	if err := e.Deploy(context.Background(), &InstanceConfig{
		ID: "manual", Type: "probe", AutoStart: &off,
	}); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	inst := e.Instance("manual")
	if inst.State() == StateRunning {
		t.Fatal("auto_start: false instance running after deploy")
	}
	// Callbacks are ignored while the instance is not running.
	inst.invoke("Run", inst.strat.Run)
	if got := probeFor("manual").runs; got != 0 {
		t.Fatalf("stopped instance ran %d times", got)
	}

	if err := e.StartInstance("manual"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if inst.State() != StateRunning {
		t.Fatal("instance not running after explicit start")
	}
}

func TestExecutor_DeploySubscribesAndRemoveUnsubscribes(t *testing.T) {
	bus := &stubBus{}
	brk := mock.NewBroker("mock", logging.Nop())
	brk.Connect(context.Background())
	e := NewExecutor(bus, &Environment{Logger: logging.Nop(), Broker: brk}, logging.Nop())

	e.Deploy(context.Background(), &InstanceConfig{
		ID: "sub-a", Type: "probe", Symbols: []string{"rb2501", "hc2501"},
	})
	e.Deploy(context.Background(), &InstanceConfig{
		ID: "sub-b", Type: "probe", Symbols: []string{"rb2501"},
	})

	for _, sym := range []string{"rb2501", "hc2501"} {
		if !brk.Subscribed(sym) {
			t.Fatalf("%s not subscribed after deploy", sym)
		}
	}

	// rb2501 is still needed by sub-b; hc2501 is released.
	e.Remove("sub-a")
	if !brk.Subscribed("rb2501") {
		t.Fatal("shared symbol unsubscribed while still in use")
	}
	if brk.Subscribed("hc2501") {
		t.Fatal("orphaned symbol still subscribed after remove")
	}

	e.Remove("sub-b")
	if brk.Subscribed("rb2501") {
		t.Fatal("symbol still subscribed with no instances left")
	}
}

func TestMonitor_PausePolicyBlocksDeploys(t *testing.T) {
	e, bus := newTestExecutor(t)
	mon := NewResourceMonitor(MonitorConfig{Policy: PolicyPause}, bus, logging.Nop())
	e.SetMonitor(mon)

	mon.mu.Lock()
	mon.breached = true
	mon.mu.Unlock()

	err := e.Deploy(context.Background(), &InstanceConfig{ID: "late", Type: "probe"})
	if err == nil {
		t.Fatal("deploy accepted while resource breach blocks new loads")
	}

	mon.mu.Lock()
	mon.breached = false
	mon.mu.Unlock()
	if err := e.Deploy(context.Background(), &InstanceConfig{ID: "late", Type: "probe"}); err != nil {
		t.Fatalf("deploy after breach cleared: %v", err)
	}
}

func TestMonitor_StopPolicies(t *testing.T) {
	e, bus := newTestExecutor(t)
	e.Deploy(context.Background(), &InstanceConfig{
		ID: "low", Type: "probe", Params: map[string]interface{}{"priority": 1},
	})
	e.Deploy(context.Background(), &InstanceConfig{
		ID: "high", Type: "probe", Params: map[string]interface{}{"priority": 9},
	})

	mon := NewResourceMonitor(MonitorConfig{Policy: PolicyStopLowest}, bus, logging.Nop())
	mon.SetExecutor(e)
	mon.enforce()

	if e.Instance("low").State() == StateRunning {
		t.Fatal("lowest-priority instance still running")
	}
	if e.Instance("high").State() != StateRunning {
		t.Fatal("higher-priority instance stopped by stop_lowest")
	}

	mon.cfg.Policy = PolicyStopAll
	mon.enforce()
	if e.Instance("high").State() == StateRunning {
		t.Fatal("instance still running after stop_all")
	}
}
