// Package strategy hosts the strategy runtime: the Strategy contract, the
// factory registry, per-instance isolation and the executor that feeds bus
// events into strategy callbacks.
package strategy

import (
	"context"

	"tradecore/internal/core"

	"github.com/shopspring/decimal"
)

// Trader is the order surface a strategy sees.
type Trader interface {
	CreateOrder(ctx context.Context, req *core.OrderRequest, strategyID string) (*core.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// PositionBook is the position surface a strategy sees.
type PositionBook interface {
	Get(symbol string, side core.PositionSide) *core.Position
	List() []*core.Position
}

// AccountView is the account surface a strategy sees.
type AccountView interface {
	Snapshot() *core.AccountSnapshot
}

// Environment is handed to a strategy at Init. All surfaces are safe for
// concurrent use.
type Environment struct {
	Logger    core.ILogger
	Trader    Trader
	Positions PositionBook
	Account   AccountView
	Broker    core.IBroker
	Publish   func(ev *core.Event) bool
	Acquire   func(t core.EventType) *core.Event
}

// InstanceConfig is one strategy instance's configuration, loaded from its
// yaml file in the strategies directory.
type InstanceConfig struct {
	ID      string                 `yaml:"id"`
	Type    string                 `yaml:"type"`
	Symbols []string               `yaml:"symbols"`
	Params  map[string]interface{} `yaml:"params"`

	// AutoStart runs the instance right after deploy; nil means yes. A
	// deployed instance left stopped is started explicitly.
	AutoStart *bool `yaml:"auto_start"`

	// Version is the config's revision. The scanner only hot-reloads a
	// running instance when the file bumps Version and sets HotReload.
	Version   int  `yaml:"version"`
	HotReload bool `yaml:"hot_reload"`
}

func (c *InstanceConfig) autoStart() bool {
	return c.AutoStart == nil || *c.AutoStart
}

// ParamDecimal reads a numeric param as a decimal, with a default.
func (c *InstanceConfig) ParamDecimal(key string, def decimal.Decimal) decimal.Decimal {
	v, ok := c.Params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n)
	case int:
		return decimal.NewFromInt(int64(n))
	case string:
		if d, err := decimal.NewFromString(n); err == nil {
			return d
		}
	}
	return def
}

// ParamInt reads an integer param with a default.
func (c *InstanceConfig) ParamInt(key string, def int) int {
	v, ok := c.Params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return def
}

// Strategy is the contract every trading strategy implements. Callbacks are
// serialized per instance by the executor; implementations never need their
// own locking around strategy state.
type Strategy interface {
	ID() string
	Init(ctx context.Context, cfg *InstanceConfig, env *Environment) error

	OnTick(tick *core.Tick)
	OnBar(bar *core.Bar)
	OnOrderUpdate(o *core.Order)
	OnTrade(t *core.Trade)
	OnPositionChange(p *core.Position)
	OnAccountChange(a *core.AccountSnapshot)

	// OnTimer fires once per scheduler tick, then Run is called for the
	// strategy's main decision pass.
	OnTimer()
	Run()

	Stop()
}

// BaseStrategy provides no-op callbacks so strategies only implement what
// they use.
type BaseStrategy struct{}

func (BaseStrategy) OnTick(*core.Tick)                     {}
func (BaseStrategy) OnBar(*core.Bar)                       {}
func (BaseStrategy) OnOrderUpdate(*core.Order)             {}
func (BaseStrategy) OnTrade(*core.Trade)                   {}
func (BaseStrategy) OnPositionChange(*core.Position)       {}
func (BaseStrategy) OnAccountChange(*core.AccountSnapshot) {}
func (BaseStrategy) OnTimer()                              {}
func (BaseStrategy) Run()                                  {}
func (BaseStrategy) Stop()                                 {}
