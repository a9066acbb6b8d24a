package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradecore/internal/core"
	"tradecore/pkg/concurrency"
	"tradecore/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Providers supply the live state rules check against and the hooks the
// non-reject actions act through. Nil funcs leave the corresponding field
// zero, and nil hooks make the action record-only.
type Providers struct {
	Account    func() *core.AccountSnapshot
	Positions  func() []*core.Position
	DailyPnL   func() decimal.Decimal
	Volatility func(symbol string) float64

	Reduce    func(ctx context.Context) error // shrink all positions
	Liquidate func(ctx context.Context) error // close all positions
	Disable   func(strategyID string) error   // stop one strategy
}

// Config for the risk manager.
type Config struct {
	Parallel     bool          // evaluate rules on a worker pool
	StatePath    string        // JSON state file, empty disables persistence
	SaveInterval time.Duration // defaults to 1h
}

// Manager evaluates the rule set for every order and owns the emergency
// latch. While latched every order is rejected until ResetEmergency.
type Manager struct {
	cfg       Config
	bus       core.IEventBus
	logger    core.ILogger
	providers Providers
	pool      *concurrency.WorkerPool

	mu              sync.RWMutex
	rules           []Rule
	cooldownUntil   map[string]time.Time
	triggerCounts   map[string]uint64
	emergency       bool
	emergencyReason string

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager with no rules.
func NewManager(cfg Config, bus core.IEventBus, providers Providers, logger core.ILogger) *Manager {
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = time.Hour
	}
	m := &Manager{
		cfg:           cfg,
		bus:           bus,
		logger:        logger.WithField("component", "risk_manager"),
		providers:     providers,
		cooldownUntil: make(map[string]time.Time),
		triggerCounts: make(map[string]uint64),
		now:           time.Now,
	}
	if cfg.Parallel {
		m.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:       "risk-rules",
			MaxWorkers: 8,
		}, logger)
	}
	return m
}

// LoadRules builds and installs the rule set from tagged configs, replacing
// any existing rules.
func (m *Manager) LoadRules(configs []RuleConfig) error {
	rules := make([]Rule, 0, len(configs))
	seen := make(map[string]struct{}, len(configs))
	for _, cfg := range configs {
		r, err := BuildRule(cfg)
		if err != nil {
			return err
		}
		id := r.Meta().ID
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate rule id %q", id)
		}
		seen[id] = struct{}{}
		rules = append(rules, r)
	}

	m.mu.Lock()
	m.rules = rules
	m.mu.Unlock()
	m.logger.Info("Risk rules loaded", "count", len(rules))
	return nil
}

// Start restores persisted state and launches the save loop.
func (m *Manager) Start(ctx context.Context) error {
	if m.cfg.StatePath != "" {
		if err := m.loadState(); err != nil {
			m.logger.Warn("Risk state restore failed", "error", err)
		}
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	if m.cfg.StatePath != "" {
		m.wg.Add(1)
		go m.saveLoop()
	}
	m.logger.Info("Risk manager started", "parallel", m.cfg.Parallel)
	return nil
}

// Stop persists state and halts the save loop.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
	}
	if m.cfg.StatePath != "" {
		if err := m.saveState(); err != nil {
			m.logger.Warn("Risk state save failed", "error", err)
		}
	}
	if m.pool != nil {
		m.pool.Stop()
	}
}

// CheckOrder evaluates the eligible rules against the order. Disabled rules,
// rules whose scope does not cover the order and rules still inside their
// cooldown window are skipped. A triggered reject-action rule blocks the
// order and short-circuits; triggers with other actions are recorded, acted
// on, and evaluation continues. While the emergency latch is set everything
// is rejected.
func (m *Manager) CheckOrder(ctx context.Context, req *core.OrderRequest, strategyID string) error {
	m.mu.RLock()
	if m.emergency {
		reason := m.emergencyReason
		m.mu.RUnlock()
		return fmt.Errorf("emergency stop active: %s", reason)
	}
	rules := make([]Rule, len(m.rules))
	copy(rules, m.rules)
	m.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}

	cc := m.buildContext(req, strategyID)
	eligible := m.eligible(rules, cc)
	if len(eligible) == 0 {
		return nil
	}

	var results []Result
	if m.cfg.Parallel && m.pool != nil {
		results = m.checkParallel(ctx, eligible, cc)
	} else {
		results = m.checkSerial(ctx, eligible, cc)
	}

	var blocking *Result
	for i := range results {
		res := results[i]
		switch res.Decision {
		case DecisionWarn:
			m.logger.Warn("Risk rule warning", "rule", res.RuleID, "reason", res.Reason)
		case DecisionReject:
			meta := eligible[i].Meta()
			m.handleTrigger(meta, res, strategyID)
			if meta.Action == ActionReject {
				blocking = &results[i]
			} else {
				m.runAction(meta, res, strategyID)
			}
		}
		if blocking != nil {
			break
		}
	}

	if blocking == nil {
		m.recordOutcome(true, strategyID, rules)
		return nil
	}
	m.recordOutcome(false, strategyID, rules)
	return fmt.Errorf("rule %s: %s", blocking.RuleID, blocking.Reason)
}

// eligible filters the rule set down to the rules that apply to this order
// right now.
func (m *Manager) eligible(rules []Rule, cc *CheckContext) []Rule {
	now := m.now()
	account := ""
	if cc.Account != nil {
		account = cc.Account.AccountID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		meta := r.Meta()
		if !meta.Enabled {
			continue
		}
		if !meta.Scope.Matches(cc.Request.Symbol, account, cc.StrategyID, now) {
			continue
		}
		if until, ok := m.cooldownUntil[meta.ID]; ok && now.Before(until) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// checkSerial evaluates rules in order, stopping after the first trigger
// whose action blocks the order. Earlier non-reject triggers stay in the
// result slice for the caller to act on.
func (m *Manager) checkSerial(ctx context.Context, rules []Rule, cc *CheckContext) []Result {
	var results []Result
	for _, r := range rules {
		res := r.Check(ctx, cc)
		results = append(results, res)
		if res.Decision == DecisionReject && r.Meta().Action == ActionReject {
			break
		}
	}
	return results
}

// checkParallel runs every rule on the pool. The caller walks the results in
// registration order, so the outcome matches serial evaluation.
func (m *Manager) checkParallel(ctx context.Context, rules []Rule, cc *CheckContext) []Result {
	results := make([]Result, len(rules))
	group := m.pool.Group()
	for i, r := range rules {
		i, r := i, r
		group.Submit(func() {
			results[i] = r.Check(ctx, cc)
		})
	}
	group.Wait()
	return results
}

func (m *Manager) buildContext(req *core.OrderRequest, strategyID string) *CheckContext {
	cc := &CheckContext{Request: req, StrategyID: strategyID}
	p := m.providers
	if p.Account != nil {
		cc.Account = p.Account()
	}
	if p.Positions != nil {
		cc.Positions = p.Positions()
	}
	if p.DailyPnL != nil {
		cc.DailyPnL = p.DailyPnL()
	}
	if p.Volatility != nil {
		cc.Volatility = p.Volatility(req.Symbol)
	}
	return cc
}

// recordOutcome feeds circuit breaker rules so repeated rejections for one
// strategy trip them.
func (m *Manager) recordOutcome(allowed bool, strategyID string, rules []Rule) {
	for _, r := range rules {
		cb, ok := r.(*CircuitBreakerRule)
		if !ok {
			continue
		}
		if allowed {
			cb.Breaker().RecordSuccess()
		} else {
			cb.Breaker().RecordFailure(strategyID)
		}
	}
}

// handleTrigger counts the trigger, starts the rule's cooldown window,
// publishes the risk event and latches the emergency state for
// emergency-severity rules.
func (m *Manager) handleTrigger(meta RuleMeta, res Result, strategyID string) {
	now := m.now()
	m.mu.Lock()
	if meta.Cooldown > 0 {
		m.cooldownUntil[res.RuleID] = now.Add(meta.Cooldown)
	}
	m.triggerCounts[res.RuleID]++
	latch := meta.Severity == SeverityEmergency && !m.emergency
	if latch {
		m.emergency = true
		m.emergencyReason = res.Reason
	}
	m.mu.Unlock()

	m.logger.Warn("Risk rule triggered",
		"rule", res.RuleID, "strategy", strategyID, "reason", res.Reason)
	if mh := telemetry.GetGlobalMetrics(); mh.Ready() {
		mh.RiskRuleTriggersTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("rule", res.RuleID)))
	}

	ev := m.bus.Acquire(core.EventSystem)
	ev.Source = "risk_manager"
	ev.Priority = 2
	ev.Payload["kind"] = "risk_trigger"
	ev.Payload["rule"] = res.RuleID
	ev.Payload["action"] = string(meta.Action)
	ev.Payload["reason"] = res.Reason
	ev.Payload["strategy_id"] = strategyID
	m.bus.Publish(ev)

	if latch {
		m.publishEmergency(res.Reason)
		if m.cfg.StatePath != "" {
			if err := m.saveState(); err != nil {
				m.logger.Error("Emergency state save failed", "error", err)
			}
		}
	}
}

// runAction executes a non-reject trigger's side effect through the wired
// provider hooks. Hooks run off the order path so a reduce or liquidate
// cannot re-enter the check that fired it.
func (m *Manager) runAction(meta RuleMeta, res Result, strategyID string) {
	run := func(name string, f func() error) {
		go func() {
			if err := f(); err != nil {
				m.logger.Error("Risk action failed",
					"rule", res.RuleID, "action", name, "error", err)
			}
		}()
	}

	switch meta.Action {
	case ActionAlert:
		// The published risk_trigger event is the alert.
	case ActionReduce:
		if m.providers.Reduce != nil {
			run("reduce", func() error {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				return m.providers.Reduce(ctx)
			})
		}
	case ActionLiquidate:
		if m.providers.Liquidate != nil {
			run("liquidate", func() error {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				return m.providers.Liquidate(ctx)
			})
		}
	case ActionDisable:
		if m.providers.Disable != nil {
			run("disable", func() error { return m.providers.Disable(strategyID) })
		}
	}
}

// Emergency reports the latch and its reason.
func (m *Manager) Emergency() (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emergency, m.emergencyReason
}

// ResetEmergency clears the latch. Nothing clears it implicitly.
func (m *Manager) ResetEmergency() {
	m.mu.Lock()
	was := m.emergency
	m.emergency = false
	m.emergencyReason = ""
	m.mu.Unlock()

	if !was {
		return
	}
	m.logger.Warn("Emergency state reset by operator")
	ev := m.bus.Acquire(core.EventSystem)
	ev.Source = "risk_manager"
	ev.Priority = 2
	ev.Payload["kind"] = "emergency_reset"
	m.bus.Publish(ev)

	if m.cfg.StatePath != "" {
		if err := m.saveState(); err != nil {
			m.logger.Warn("Risk state save failed", "error", err)
		}
	}
}

// TriggerCounts returns a copy of per-rule trigger totals.
func (m *Manager) TriggerCounts() map[string]uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]uint64, len(m.triggerCounts))
	for k, v := range m.triggerCounts {
		out[k] = v
	}
	return out
}

func (m *Manager) publishEmergency(reason string) {
	m.logger.Error("EMERGENCY STOP latched", "reason", reason)
	ev := m.bus.Acquire(core.EventEmergency)
	ev.Source = "risk_manager"
	ev.Priority = core.PriorityHighest
	ev.Payload["reason"] = reason
	m.bus.Publish(ev)
}

func (m *Manager) saveLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.saveState(); err != nil {
				m.logger.Warn("Periodic risk state save failed", "error", err)
			}
		}
	}
}
