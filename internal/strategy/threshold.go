package strategy

import (
	"context"

	"tradecore/internal/core"

	"github.com/shopspring/decimal"
)

func init() {
	Register("threshold", func(cfg *InstanceConfig) (Strategy, error) {
		return newThresholdStrategy(cfg), nil
	})
}

// thresholdStrategy is a minimal mean-reversion strategy: buy below the buy
// level, flatten above the sell level. It exists both as a working example and
// as the default type the generated config references.
type thresholdStrategy struct {
	BaseStrategy

	id        string
	symbol    string
	buyLevel  decimal.Decimal
	sellLevel decimal.Decimal
	lots      decimal.Decimal

	env  *Environment
	last decimal.Decimal

	pendingOrder string
}

func newThresholdStrategy(cfg *InstanceConfig) *thresholdStrategy {
	symbol := ""
	if len(cfg.Symbols) > 0 {
		symbol = cfg.Symbols[0]
	}
	return &thresholdStrategy{
		id:        cfg.ID,
		symbol:    symbol,
		buyLevel:  cfg.ParamDecimal("buy_level", decimal.Zero),
		sellLevel: cfg.ParamDecimal("sell_level", decimal.Zero),
		lots:      cfg.ParamDecimal("lots", decimal.NewFromInt(1)),
	}
}

func (s *thresholdStrategy) ID() string { return s.id }

func (s *thresholdStrategy) Init(ctx context.Context, cfg *InstanceConfig, env *Environment) error {
	s.env = env
	env.Logger.Info("Threshold strategy initialized",
		"symbol", s.symbol,
		"buy_level", s.buyLevel.String(),
		"sell_level", s.sellLevel.String())
	return nil
}

func (s *thresholdStrategy) OnTick(tick *core.Tick) {
	s.last = tick.Last
}

func (s *thresholdStrategy) OnOrderUpdate(o *core.Order) {
	if o.OrderID == s.pendingOrder && o.State.Terminal() {
		s.pendingOrder = ""
	}
}

func (s *thresholdStrategy) Run() {
	if s.env == nil || s.last.IsZero() || s.pendingOrder != "" {
		return
	}

	long := s.env.Positions.Get(s.symbol, core.PositionLong)

	switch {
	case !s.buyLevel.IsZero() && s.last.LessThan(s.buyLevel) && long == nil:
		s.place(core.DirectionBuy, core.OffsetOpen, s.lots)
	case !s.sellLevel.IsZero() && s.last.GreaterThan(s.sellLevel) && long != nil:
		s.place(core.DirectionSell, core.OffsetClose, long.Volume)
	}
}

func (s *thresholdStrategy) place(dir core.Direction, offset core.Offset, volume decimal.Decimal) {
	req := &core.OrderRequest{
		Symbol:    s.symbol,
		Direction: dir,
		Offset:    offset,
		Type:      core.OrderTypeLimit,
		Price:     s.last,
		Volume:    volume,
	}
	order, err := s.env.Trader.CreateOrder(context.Background(), req, s.id)
	if err != nil {
		s.env.Logger.Warn("Order placement failed",
			"direction", dir, "error", err)
		return
	}
	s.pendingOrder = order.OrderID
}
