// Package core defines the shared domain types and interfaces of the trading
// control plane.
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IEventBus is the surface other components use to publish and subscribe.
type IEventBus interface {
	Publish(ev *Event) bool
	Subscribe(pattern string, h EventHandler, kind HandlerKind) error
	Unsubscribe(pattern string, h EventHandler)
	Acquire(t EventType) *Event
}

// ConnState is the broker adapter connection state machine.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
	ConnError        ConnState = "error"
)

// OrderRequest is what the order manager sends to a broker adapter.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Direction     Direction
	Offset        Offset
	Type          OrderType
	Price         decimal.Decimal
	Volume        decimal.Decimal
}

// ConnStateListener observes broker connection transitions.
type ConnStateListener func(old, new ConnState)

// OrderStatusListener observes broker order status pushes.
type OrderStatusListener func(order *Order)

// IBroker is the contract every broker adapter implements. All operations are
// asynchronous with respect to the wire: they return on completion or error and
// honor the passed context for cancellation and timeouts.
type IBroker interface {
	Name() string
	State() ConnState

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	WaitForState(state ConnState, timeout time.Duration) error

	SubscribeMarketData(ctx context.Context, symbols []string) error
	UnsubscribeMarketData(ctx context.Context, symbols []string) error

	GetAccountInfo(ctx context.Context) (*AccountSnapshot, error)
	GetPositions(ctx context.Context) ([]*Position, error)
	GetOrders(ctx context.Context, states ...OrderState) ([]*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	GetMarketData(ctx context.Context, symbol string) (*Tick, error)
	GetKlines(ctx context.Context, symbol, interval string, count int) ([]*Bar, error)
	GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)

	PlaceOrder(ctx context.Context, req *OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) error

	AddConnStateListener(l ConnStateListener)
	AddOrderStatusListener(l OrderStatusListener)
}

// IHealthMonitor aggregates component health checks.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}
