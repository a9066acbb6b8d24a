package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradecore/internal/core"
)

// defaultTimerInterval drives OnTimer/Run for every running instance.
const defaultTimerInterval = time.Second

// Executor runs strategy instances: it deploys them from configs, fans bus
// events into their callbacks and drives the shared timer.
type Executor struct {
	bus    core.IEventBus
	env    *Environment
	logger core.ILogger

	timerInterval time.Duration
	monitor       *ResourceMonitor // optional, gates deploys under load

	mu        sync.RWMutex
	instances map[string]*Instance

	subsMu sync.Mutex
	subs   map[string]int // market data subscriptions, refcounted per symbol

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExecutor creates an executor with no instances.
func NewExecutor(bus core.IEventBus, env *Environment, logger core.ILogger) *Executor {
	return &Executor{
		bus:           bus,
		env:           env,
		logger:        logger.WithField("component", "strategy_executor"),
		timerInterval: defaultTimerInterval,
		instances:     make(map[string]*Instance),
		subs:          make(map[string]int),
	}
}

// SetTimerInterval overrides the scheduler cadence. Call before Start.
func (e *Executor) SetTimerInterval(d time.Duration) {
	if d > 0 {
		e.timerInterval = d
	}
}

// SetMonitor wires the resource monitor in so deploys are refused while the
// host is over its limits under a non-warn policy.
func (e *Executor) SetMonitor(m *ResourceMonitor) { e.monitor = m }

// Start subscribes to the bus and launches the timer loop.
func (e *Executor) Start(ctx context.Context) error {
	subs := []struct {
		pattern string
		handler core.EventHandler
		kind    core.HandlerKind
	}{
		{"market.tick", e.onTick, core.HandlerCPU},
		{"market.bar", e.onBar, core.HandlerCPU},
		{"order.update", e.onOrderUpdate, core.HandlerCPU},
		{"trade.fill", e.onTrade, core.HandlerCPU},
		{"position.change", e.onPositionChange, core.HandlerCPU},
		{"account.change", e.onAccountChange, core.HandlerCPU},
	}
	for _, s := range subs {
		if err := e.bus.Subscribe(s.pattern, s.handler, s.kind); err != nil {
			return err
		}
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.wg.Add(1)
	go e.timerLoop()

	e.logger.Info("Strategy executor started", "timer_interval", e.timerInterval)
	return nil
}

// Stop halts the timer and stops every instance.
func (e *Executor) Stop() {
	if e.cancel != nil {
		e.cancel()
		e.wg.Wait()
	}
	for _, inst := range e.list() {
		inst.stop()
	}
	e.logger.Info("Strategy executor stopped")
}

// Deploy builds and initializes one instance, subscribes its symbols at the
// broker and, unless auto_start is off, runs it. Deploys are refused while
// the resource monitor blocks new loads.
func (e *Executor) Deploy(ctx context.Context, cfg *InstanceConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("strategy config missing id")
	}
	if e.monitor != nil && e.monitor.BlocksNewLoads() {
		return fmt.Errorf("strategy %s not deployed: host resources over limit", cfg.ID)
	}

	e.mu.RLock()
	_, exists := e.instances[cfg.ID]
	e.mu.RUnlock()
	if exists {
		return fmt.Errorf("strategy %s already deployed", cfg.ID)
	}

	strat, err := Build(cfg)
	if err != nil {
		return err
	}
	inst := newInstance(cfg, strat, e.logger)
	if err := inst.init(ctx, e.env); err != nil {
		return err
	}
	e.subscribe(ctx, cfg.Symbols)
	if cfg.autoStart() {
		inst.start()
	}

	e.mu.Lock()
	e.instances[cfg.ID] = inst
	e.mu.Unlock()

	e.logger.Info("Strategy deployed",
		"id", cfg.ID, "type", cfg.Type, "version", cfg.Version,
		"symbols", cfg.Symbols, "running", cfg.autoStart())
	return nil
}

// Remove stops and drops one instance and releases its market data
// subscriptions.
func (e *Executor) Remove(id string) error {
	e.mu.Lock()
	inst, ok := e.instances[id]
	if ok {
		delete(e.instances, id)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("strategy %s not deployed", id)
	}
	inst.stop()
	e.unsubscribe(inst.cfg.Symbols)
	e.logger.Info("Strategy removed", "id", id)
	return nil
}

// StartInstance runs a deployed instance that is not running.
func (e *Executor) StartInstance(id string) error {
	inst := e.Instance(id)
	if inst == nil {
		return fmt.Errorf("strategy %s not deployed", id)
	}
	inst.start()
	e.logger.Info("Strategy started", "id", id)
	return nil
}

// StopInstance halts a deployed instance but keeps it loaded, so it can be
// started again without a redeploy.
func (e *Executor) StopInstance(id string) error {
	inst := e.Instance(id)
	if inst == nil {
		return fmt.Errorf("strategy %s not deployed", id)
	}
	inst.stop()
	e.logger.Info("Strategy stopped", "id", id)
	return nil
}

// StopLowestPriority stops the running instance with the lowest priority
// param and reports which one, if any was running.
func (e *Executor) StopLowestPriority() (string, bool) {
	var victim *Instance
	for _, inst := range e.list() {
		if inst.State() != StateRunning {
			continue
		}
		if victim == nil || inst.Priority() < victim.Priority() {
			victim = inst
		}
	}
	if victim == nil {
		return "", false
	}
	victim.stop()
	e.logger.Warn("Strategy stopped by resource policy",
		"id", victim.ID(), "priority", victim.Priority())
	return victim.ID(), true
}

// StopAllRunning stops every running instance and returns how many it
// stopped. Instances stay deployed.
func (e *Executor) StopAllRunning() int {
	n := 0
	for _, inst := range e.list() {
		if inst.State() == StateRunning {
			inst.stop()
			n++
		}
	}
	if n > 0 {
		e.logger.Warn("All running strategies stopped by resource policy", "count", n)
	}
	return n
}

// Reload replaces a running instance with one built from new config. The new
// config's version must move past the old one; a config that does not bump it
// gets the next version assigned.
func (e *Executor) Reload(ctx context.Context, cfg *InstanceConfig) error {
	e.mu.RLock()
	old, ok := e.instances[cfg.ID]
	e.mu.RUnlock()
	if !ok {
		return e.Deploy(ctx, cfg)
	}

	if cfg.Version <= old.Version() {
		cfg.Version = old.Version() + 1
	}

	strat, err := Build(cfg)
	if err != nil {
		return err
	}
	inst := newInstance(cfg, strat, e.logger)
	if err := inst.init(ctx, e.env); err != nil {
		return err
	}

	old.stop()
	e.unsubscribe(symbolsNotIn(old.cfg.Symbols, cfg.Symbols))
	e.subscribe(ctx, symbolsNotIn(cfg.Symbols, old.cfg.Symbols))
	if cfg.autoStart() {
		inst.start()
	}
	e.mu.Lock()
	e.instances[cfg.ID] = inst
	e.mu.Unlock()

	e.logger.Info("Strategy hot reloaded", "id", cfg.ID, "version", cfg.Version)

	ev := e.bus.Acquire(core.EventStrategySignal)
	ev.Source = "strategy_executor"
	ev.Priority = 4
	ev.Payload["strategy_id"] = cfg.ID
	ev.Payload["reason"] = "hot_reload"
	ev.Payload["version"] = cfg.Version
	e.bus.Publish(ev)
	return nil
}

// Instance returns a deployed instance by id, or nil.
func (e *Executor) Instance(id string) *Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.instances[id]
}

// IDs lists deployed instance ids.
func (e *Executor) IDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.instances))
	for id := range e.instances {
		out = append(out, id)
	}
	return out
}

// subscribe asks the broker for market data on the instance's symbols.
// Subscriptions are refcounted so two strategies can share a symbol. A
// broker-less environment (unit tests) is a no-op.
func (e *Executor) subscribe(ctx context.Context, symbols []string) {
	if e.env.Broker == nil || len(symbols) == 0 {
		return
	}

	e.subsMu.Lock()
	var fresh []string
	for _, s := range symbols {
		if e.subs[s] == 0 {
			fresh = append(fresh, s)
		}
		e.subs[s]++
	}
	e.subsMu.Unlock()

	if len(fresh) == 0 {
		return
	}
	if err := e.env.Broker.SubscribeMarketData(ctx, fresh); err != nil {
		e.logger.Warn("Market data subscribe failed", "symbols", fresh, "error", err)
	}
}

func (e *Executor) unsubscribe(symbols []string) {
	if e.env.Broker == nil || len(symbols) == 0 {
		return
	}

	e.subsMu.Lock()
	var idle []string
	for _, s := range symbols {
		if e.subs[s] == 0 {
			continue
		}
		e.subs[s]--
		if e.subs[s] == 0 {
			delete(e.subs, s)
			idle = append(idle, s)
		}
	}
	e.subsMu.Unlock()

	if len(idle) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.env.Broker.UnsubscribeMarketData(ctx, idle); err != nil {
		e.logger.Warn("Market data unsubscribe failed", "symbols", idle, "error", err)
	}
}

// symbolsNotIn returns the members of old missing from new.
func symbolsNotIn(old, new []string) []string {
	keep := make(map[string]struct{}, len(new))
	for _, s := range new {
		keep[s] = struct{}{}
	}
	var out []string
	for _, s := range old {
		if _, ok := keep[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

func (e *Executor) list() []*Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, inst)
	}
	return out
}

func (e *Executor) timerLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.timerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			for _, inst := range e.list() {
				inst := inst
				inst.invoke("OnTimer", inst.strat.OnTimer)
				inst.invoke("Run", inst.strat.Run)
			}
		}
	}
}

func (e *Executor) onTick(ev *core.Event) error {
	tick, ok := ev.Payload["tick"].(*core.Tick)
	if !ok {
		return nil
	}
	for _, inst := range e.list() {
		if inst.wantsSymbol(tick.Symbol) {
			t := *tick
			inst.invoke("OnTick", func() { inst.strat.OnTick(&t) })
		}
	}
	return nil
}

func (e *Executor) onBar(ev *core.Event) error {
	bar, ok := ev.Payload["bar"].(*core.Bar)
	if !ok {
		return nil
	}
	for _, inst := range e.list() {
		if inst.wantsSymbol(bar.Symbol) {
			b := *bar
			inst.invoke("OnBar", func() { inst.strat.OnBar(&b) })
		}
	}
	return nil
}

func (e *Executor) onOrderUpdate(ev *core.Event) error {
	order, ok := ev.Payload["order"].(*core.Order)
	if !ok {
		return nil
	}
	for _, inst := range e.list() {
		if order.StrategyID == inst.ID() {
			o := order.Clone()
			inst.invoke("OnOrderUpdate", func() { inst.strat.OnOrderUpdate(o) })
		}
	}
	return nil
}

func (e *Executor) onTrade(ev *core.Event) error {
	trade, ok := ev.Payload["trade"].(*core.Trade)
	if !ok {
		return nil
	}
	strategyID, _ := ev.Payload["strategy_id"].(string)
	for _, inst := range e.list() {
		if strategyID == inst.ID() {
			tr := *trade
			inst.invoke("OnTrade", func() { inst.strat.OnTrade(&tr) })
		}
	}
	return nil
}

func (e *Executor) onPositionChange(ev *core.Event) error {
	pos, ok := ev.Payload["position"].(*core.Position)
	if !ok {
		return nil
	}
	for _, inst := range e.list() {
		if inst.wantsSymbol(pos.Symbol) {
			p := pos.Clone()
			inst.invoke("OnPositionChange", func() { inst.strat.OnPositionChange(p) })
		}
	}
	return nil
}

func (e *Executor) onAccountChange(ev *core.Event) error {
	snap, ok := ev.Payload["snapshot"].(*core.AccountSnapshot)
	if !ok {
		return nil
	}
	for _, inst := range e.list() {
		s := *snap
		inst.invoke("OnAccountChange", func() { inst.strat.OnAccountChange(&s) })
	}
	return nil
}
