// Package risk evaluates orders against a configurable rule set and owns the
// emergency latch. Rules are built from tagged config variants through a
// constructor registry, so adding a rule type never touches the manager.
package risk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradecore/internal/core"

	"github.com/shopspring/decimal"
)

// Decision is the explicit outcome of one rule check.
type Decision int

const (
	DecisionAllow Decision = iota
	DecisionWarn
	DecisionReject
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionWarn:
		return "warn"
	case DecisionReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Severity decides what a rejection does beyond blocking the order.
type Severity string

const (
	SeverityBlock     Severity = "block"     // reject the order
	SeverityEmergency Severity = "emergency" // reject and latch the emergency state
)

// Action is what a trigger does. Reject blocks the order and short-circuits
// evaluation; every other action is recorded and evaluation continues.
type Action string

const (
	ActionReject    Action = "reject"    // block the order
	ActionAlert     Action = "alert"     // record and publish only
	ActionReduce    Action = "reduce"    // shrink all positions
	ActionLiquidate Action = "liquidate" // close all positions
	ActionDisable   Action = "disable"   // stop the offending strategy
)

func validAction(a Action) bool {
	switch a {
	case ActionReject, ActionAlert, ActionReduce, ActionLiquidate, ActionDisable:
		return true
	}
	return false
}

// Scope restricts which orders a rule sees. Empty fields match everything.
type Scope struct {
	Symbols    []string `yaml:"symbols"`
	Accounts   []string `yaml:"accounts"`
	Strategies []string `yaml:"strategies"`
	Windows    []string `yaml:"windows"` // "HH:MM-HH:MM", local clock
}

// Matches reports whether an order at now falls inside the scope.
func (s Scope) Matches(symbol, account, strategyID string, now time.Time) bool {
	if !matchOne(s.Symbols, symbol) ||
		!matchOne(s.Accounts, account) ||
		!matchOne(s.Strategies, strategyID) {
		return false
	}
	if len(s.Windows) == 0 {
		return true
	}
	minute := now.Hour()*60 + now.Minute()
	for _, w := range s.Windows {
		start, end, err := parseWindow(w)
		if err != nil {
			continue
		}
		if start <= end {
			if minute >= start && minute < end {
				return true
			}
		} else if minute >= start || minute < end {
			// Overnight window, e.g. 21:00-02:30.
			return true
		}
	}
	return false
}

func matchOne(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func parseWindow(w string) (start, end int, err error) {
	var sh, sm, eh, em int
	if _, err = fmt.Sscanf(w, "%d:%d-%d:%d", &sh, &sm, &eh, &em); err != nil {
		return 0, 0, fmt.Errorf("time window %q: %w", w, err)
	}
	return sh*60 + sm, eh*60 + em, nil
}

// Result is what a rule returns. Reason is empty for allows.
type Result struct {
	Decision Decision
	RuleID   string
	Reason   string
}

func allow(ruleID string) Result {
	return Result{Decision: DecisionAllow, RuleID: ruleID}
}

func reject(ruleID, format string, args ...interface{}) Result {
	return Result{
		Decision: DecisionReject,
		RuleID:   ruleID,
		Reason:   fmt.Sprintf(format, args...),
	}
}

// CheckContext is the state a rule sees for one order.
type CheckContext struct {
	Request    *core.OrderRequest
	StrategyID string
	Account    *core.AccountSnapshot
	Positions  []*core.Position
	DailyPnL   decimal.Decimal
	Volatility float64 // return volatility of the request's symbol
}

// Rule is one risk check.
type Rule interface {
	Meta() RuleMeta
	Check(ctx context.Context, cc *CheckContext) Result
}

// RuleMeta describes a rule instance.
type RuleMeta struct {
	ID       string
	Type     string
	Severity Severity
	Action   Action
	Cooldown time.Duration
	Enabled  bool
	Scope    Scope
}

// RuleConfig is the tagged config variant all rule types are built from. Type
// selects the constructor; the remaining fields are interpreted per type.
type RuleConfig struct {
	ID       string        `yaml:"id"`
	Type     string        `yaml:"type"`
	Severity Severity      `yaml:"severity"`
	Action   Action        `yaml:"action"`
	Cooldown time.Duration `yaml:"cooldown"`
	Enabled  *bool         `yaml:"enabled"` // nil means enabled
	Scope    Scope         `yaml:"scope"`

	// fixed_threshold and volatility_adjusted
	Metric string  `yaml:"metric"`
	Max    float64 `yaml:"max"`

	// volatility_adjusted
	Lookback    int           `yaml:"lookback"`
	RefreshEach time.Duration `yaml:"refresh_each"`
	Inverse     bool          `yaml:"inverse"`

	// circuit_breaker
	Threshold    int           `yaml:"threshold"`
	RecoveryTime time.Duration `yaml:"recovery_time"`

	// anomaly
	ModelPath string `yaml:"model_path"`
}

func (c *RuleConfig) withDefaults() {
	if c.ID == "" {
		c.ID = c.Type
	}
	if c.Severity == "" {
		c.Severity = SeverityBlock
	}
	if c.Action == "" {
		c.Action = ActionReject
	}
}

// meta derives the RuleMeta shared by every built-in rule type.
func (c RuleConfig) meta() RuleMeta {
	return RuleMeta{
		ID:       c.ID,
		Type:     c.Type,
		Severity: c.Severity,
		Action:   c.Action,
		Cooldown: c.Cooldown,
		Enabled:  c.Enabled == nil || *c.Enabled,
		Scope:    c.Scope,
	}
}

// Constructor builds a rule from its config.
type Constructor func(cfg RuleConfig) (Rule, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// RegisterRuleType adds a constructor to the registry. Built-in types register
// at init; callers may add their own before loading config.
func RegisterRuleType(name string, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("risk: duplicate rule type " + name)
	}
	registry[name] = c
}

// BuildRule constructs a rule from a tagged config variant.
func BuildRule(cfg RuleConfig) (Rule, error) {
	cfg.withDefaults()
	if !validAction(cfg.Action) {
		return nil, fmt.Errorf("rule %s: unknown action %q", cfg.ID, cfg.Action)
	}

	registryMu.RLock()
	ctor, ok := registry[cfg.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown risk rule type %q (known: %v)", cfg.Type, knownTypes())
	}
	return ctor(cfg)
}

func knownTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
