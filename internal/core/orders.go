package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of an order.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// Offset distinguishes opening from closing trades; some futures markets split
// closes into close-today and close-yesterday.
type Offset string

const (
	OffsetOpen           Offset = "open"
	OffsetClose          Offset = "close"
	OffsetCloseToday     Offset = "close_today"
	OffsetCloseYesterday Offset = "close_yesterday"
)

// Closing reports whether the offset reduces an existing position.
func (o Offset) Closing() bool {
	return o == OffsetClose || o == OffsetCloseToday || o == OffsetCloseYesterday
}

// OrderType is the execution style requested from the broker.
type OrderType string

const (
	OrderTypeLimit     OrderType = "limit"
	OrderTypeMarket    OrderType = "market"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
	OrderTypeFAK       OrderType = "fak"
	OrderTypeFOK       OrderType = "fok"
)

// OrderState is a node in the order lifecycle state machine.
type OrderState string

const (
	OrderSubmitting    OrderState = "submitting"
	OrderSubmitted     OrderState = "submitted"
	OrderPartialFilled OrderState = "partial_filled"
	OrderFilled        OrderState = "filled"
	OrderCancelling    OrderState = "cancelling"
	OrderCancelled     OrderState = "cancelled"
	OrderRejected      OrderState = "rejected"
	OrderFailed        OrderState = "failed"
	OrderUnknown       OrderState = "unknown"
)

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderFailed:
		return true
	}
	return false
}

// Active reports whether the order may still trade or be cancelled.
func (s OrderState) Active() bool {
	switch s {
	case OrderSubmitting, OrderSubmitted, OrderPartialFilled, OrderCancelling, OrderUnknown:
		return true
	}
	return false
}

// Order is the order manager's record of a single order. The manager owns the
// record; everything handed to listeners or returned from getters is a copy.
type Order struct {
	OrderID       string
	ClientOrderID string
	BrokerOrderID string
	StrategyID    string
	Symbol        string
	Direction     Direction
	Offset        Offset
	Type          OrderType
	Price         decimal.Decimal
	Volume        decimal.Decimal
	FilledVolume  decimal.Decimal
	State         OrderState
	CreateTime    time.Time
	UpdateTime    time.Time
	CancelTime    time.Time
	LastError     string
	RetryCount    int
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	cp := *o
	return &cp
}

// Trade is a single execution (possibly partial) against a working order.
// Derived from broker order-update deltas and never mutated afterwards.
type Trade struct {
	OrderID    string
	Symbol     string
	Direction  Direction
	Offset     Offset
	Price      decimal.Decimal
	Volume     decimal.Decimal
	Time       time.Time
	Commission decimal.Decimal
}

// PositionSide keys a position together with its symbol.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Position aggregates fills for one (symbol, side) pair. At most one live
// position exists per pair; volume zero means closed and archived.
type Position struct {
	Symbol      string
	Side        PositionSide
	Volume      decimal.Decimal
	AvgCost     decimal.Decimal
	LastPrice   decimal.Decimal
	FloatPnL    decimal.Decimal
	RealizedPnL decimal.Decimal
	OpenTime    time.Time
	StrategyID  string
	Fills       []*Trade
}

// Clone returns a deep copy of the position including its fill list.
func (p *Position) Clone() *Position {
	cp := *p
	cp.Fills = make([]*Trade, len(p.Fills))
	for i, f := range p.Fills {
		fc := *f
		cp.Fills[i] = &fc
	}
	return &cp
}

// AccountSnapshot is the cached view of a broker account. The broker is
// authoritative; this struct is derived state.
type AccountSnapshot struct {
	AccountID    string
	Balance      decimal.Decimal
	Available    decimal.Decimal
	Margin       decimal.Decimal
	FrozenMargin decimal.Decimal
	Commission   decimal.Decimal
	FloatPnL     decimal.Decimal
	RiskRatio    decimal.Decimal
	UpdateTime   time.Time
}

// Bar is one OHLCV candle.
type Bar struct {
	Symbol   string
	Interval string
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
	Turnover decimal.Decimal
	Time     time.Time
}

// Tick is a single market data snapshot for one symbol.
type Tick struct {
	Symbol   string
	Last     decimal.Decimal
	Bid      decimal.Decimal
	Ask      decimal.Decimal
	Volume   decimal.Decimal
	Turnover decimal.Decimal
	Time     time.Time
}

// SymbolInfo carries per-contract metadata used by margin and risk checks.
type SymbolInfo struct {
	Symbol      string
	Exchange    string
	Multiplier  decimal.Decimal
	PriceTick   decimal.Decimal
	MarginRatio decimal.Decimal
}
