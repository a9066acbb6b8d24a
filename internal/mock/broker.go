// Package mock provides an in-memory broker adapter for tests and backtests.
// Fills are deterministic: orders fill fully (or in a configured number of
// partial steps) after a configurable delay, and connection loss can be
// scripted.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tradecore/internal/broker"
	"tradecore/internal/core"

	"github.com/shopspring/decimal"
)

// Broker implements core.IBroker against in-memory state.
type Broker struct {
	name    string
	tracker *broker.StateTracker
	logger  core.ILogger

	mu         sync.RWMutex
	orders     map[string]*core.Order
	positions  map[string]*core.Position
	ticks      map[string]*core.Tick
	symbolInfo map[string]*core.SymbolInfo
	account    core.AccountSnapshot
	subscribed map[string]struct{}

	orderListeners []core.OrderStatusListener

	// Scripted behavior.
	fillDelay     time.Duration
	partialSteps  int
	failNextPlace error
	rejectReasons map[string]string // symbol -> rejection reason

	seq atomic.Int64
}

// NewBroker creates a disconnected mock broker with a funded account.
func NewBroker(name string, logger core.ILogger) *Broker {
	b := &Broker{
		name:          name,
		tracker:       broker.NewStateTracker(logger.WithField("component", "mock_broker")),
		logger:        logger.WithField("component", "mock_broker"),
		orders:        make(map[string]*core.Order),
		positions:     make(map[string]*core.Position),
		ticks:         make(map[string]*core.Tick),
		symbolInfo:    make(map[string]*core.SymbolInfo),
		subscribed:    make(map[string]struct{}),
		rejectReasons: make(map[string]string),
		partialSteps:  1,
		account: core.AccountSnapshot{
			AccountID:  "mock-account",
			Balance:    decimal.NewFromInt(1_000_000),
			Available:  decimal.NewFromInt(1_000_000),
			UpdateTime: time.Now(),
		},
	}
	return b
}

func (b *Broker) Name() string          { return b.name }
func (b *Broker) State() core.ConnState { return b.tracker.State() }

func (b *Broker) Connect(ctx context.Context) error {
	b.tracker.Set(core.ConnConnecting)
	b.tracker.Set(core.ConnConnected)
	return nil
}

func (b *Broker) Disconnect(ctx context.Context) error {
	b.tracker.Set(core.ConnDisconnected)
	return nil
}

func (b *Broker) WaitForState(state core.ConnState, timeout time.Duration) error {
	return b.tracker.WaitFor(state, timeout)
}

// DropConnection simulates an unexpected connection loss.
func (b *Broker) DropConnection() {
	b.tracker.Set(core.ConnReconnecting)
}

// RestoreConnection simulates a successful reconnect.
func (b *Broker) RestoreConnection() {
	b.tracker.Set(core.ConnConnected)
}

// SetFillDelay delays fills after submission; zero fills immediately.
func (b *Broker) SetFillDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fillDelay = d
}

// SetPartialSteps splits each fill into n cumulative partial updates.
func (b *Broker) SetPartialSteps(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 1 {
		n = 1
	}
	b.partialSteps = n
}

// FailNextPlace makes the next PlaceOrder return err without creating an
// order, then clears itself.
func (b *Broker) FailNextPlace(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNextPlace = err
}

// RejectSymbol makes orders for the symbol come back rejected with the reason.
func (b *Broker) RejectSymbol(symbol, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectReasons[symbol] = reason
}

// SetTick installs the current market snapshot for a symbol.
func (b *Broker) SetTick(t *core.Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ticks[t.Symbol] = t
}

// SetSymbolInfo installs contract metadata for a symbol.
func (b *Broker) SetSymbolInfo(info *core.SymbolInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.symbolInfo[info.Symbol] = info
}

// SetPosition installs a broker-side position, as returned by GetPositions.
func (b *Broker) SetPosition(p *core.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[p.Symbol+"/"+string(p.Side)] = p
}

func (b *Broker) SubscribeMarketData(ctx context.Context, symbols []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range symbols {
		b.subscribed[s] = struct{}{}
	}
	return nil
}

func (b *Broker) UnsubscribeMarketData(ctx context.Context, symbols []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range symbols {
		delete(b.subscribed, s)
	}
	return nil
}

// Subscribed reports whether market data for the symbol is currently
// subscribed.
func (b *Broker) Subscribed(symbol string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subscribed[symbol]
	return ok
}

func (b *Broker) GetAccountInfo(ctx context.Context) (*core.AccountSnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap := b.account
	snap.UpdateTime = time.Now()
	return &snap, nil
}

// SetAccount replaces the account snapshot served by GetAccountInfo.
func (b *Broker) SetAccount(snap core.AccountSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.account = snap
}

func (b *Broker) GetPositions(ctx context.Context) ([]*core.Position, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*core.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (b *Broker) GetOrders(ctx context.Context, states ...core.OrderState) ([]*core.Order, error) {
	want := make(map[core.OrderState]struct{}, len(states))
	for _, s := range states {
		want[s] = struct{}{}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*core.Order
	for _, o := range b.orders {
		if len(want) > 0 {
			if _, ok := want[o.State]; !ok {
				continue
			}
		}
		out = append(out, o.Clone())
	}
	return out, nil
}

func (b *Broker) GetOrder(ctx context.Context, orderID string) (*core.Order, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	return o.Clone(), nil
}

func (b *Broker) GetMarketData(ctx context.Context, symbol string) (*core.Tick, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.ticks[symbol]
	if !ok {
		return nil, fmt.Errorf("no market data for %s", symbol)
	}
	cp := *t
	return &cp, nil
}

func (b *Broker) GetKlines(ctx context.Context, symbol, interval string, count int) ([]*core.Bar, error) {
	b.mu.RLock()
	tick, ok := b.ticks[symbol]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no market data for %s", symbol)
	}

	// Flat synthetic history around the current price.
	bars := make([]*core.Bar, count)
	now := time.Now()
	for i := 0; i < count; i++ {
		bars[i] = &core.Bar{
			Symbol:   symbol,
			Interval: interval,
			Open:     tick.Last,
			High:     tick.Last,
			Low:      tick.Last,
			Close:    tick.Last,
			Time:     now.Add(-time.Duration(count-i) * time.Minute),
		}
	}
	return bars, nil
}

func (b *Broker) GetSymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if info, ok := b.symbolInfo[symbol]; ok {
		cp := *info
		return &cp, nil
	}
	return &core.SymbolInfo{
		Symbol:      symbol,
		Multiplier:  decimal.NewFromInt(10),
		PriceTick:   decimal.NewFromInt(1),
		MarginRatio: decimal.NewFromFloat(0.1),
	}, nil
}

func (b *Broker) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	if b.State() != core.ConnConnected {
		return nil, fmt.Errorf("broker %s not connected", b.name)
	}

	b.mu.Lock()
	if err := b.failNextPlace; err != nil {
		b.failNextPlace = nil
		b.mu.Unlock()
		return nil, err
	}

	id := fmt.Sprintf("mock-%d", b.seq.Add(1))
	order := &core.Order{
		OrderID:       id,
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: id,
		Symbol:        req.Symbol,
		Direction:     req.Direction,
		Offset:        req.Offset,
		Type:          req.Type,
		Price:         req.Price,
		Volume:        req.Volume,
		State:         core.OrderSubmitted,
		CreateTime:    time.Now(),
		UpdateTime:    time.Now(),
	}
	b.orders[id] = order

	reason, rejected := b.rejectReasons[req.Symbol]
	delay := b.fillDelay
	steps := b.partialSteps
	b.mu.Unlock()

	if rejected {
		go b.reject(id, reason)
	} else {
		go b.fill(id, delay, steps)
	}
	return order.Clone(), nil
}

func (b *Broker) CancelOrder(ctx context.Context, orderID string) error {
	b.mu.Lock()
	o, ok := b.orders[orderID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("order %s not found", orderID)
	}
	if o.State.Terminal() {
		b.mu.Unlock()
		return fmt.Errorf("order %s already %s", orderID, o.State)
	}
	o.State = core.OrderCancelled
	o.CancelTime = time.Now()
	o.UpdateTime = time.Now()
	snapshot := o.Clone()
	b.mu.Unlock()

	b.notify(snapshot)
	return nil
}

func (b *Broker) AddConnStateListener(l core.ConnStateListener) {
	b.tracker.AddListener(l)
}

func (b *Broker) AddOrderStatusListener(l core.OrderStatusListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orderListeners = append(b.orderListeners, l)
}

func (b *Broker) reject(orderID, reason string) {
	b.mu.Lock()
	o, ok := b.orders[orderID]
	if !ok || o.State.Terminal() {
		b.mu.Unlock()
		return
	}
	o.State = core.OrderRejected
	o.LastError = reason
	o.UpdateTime = time.Now()
	snapshot := o.Clone()
	b.mu.Unlock()

	b.notify(snapshot)
}

// fill drives the order through its partial updates to filled. Updates carry
// cumulative filled volume so redelivery is idempotent downstream.
func (b *Broker) fill(orderID string, delay time.Duration, steps int) {
	if delay > 0 {
		time.Sleep(delay)
	}

	for i := 1; i <= steps; i++ {
		b.mu.Lock()
		o, ok := b.orders[orderID]
		if !ok || o.State.Terminal() {
			b.mu.Unlock()
			return
		}
		o.FilledVolume = o.Volume.Mul(decimal.NewFromInt(int64(i))).
			Div(decimal.NewFromInt(int64(steps)))
		if i == steps {
			o.FilledVolume = o.Volume
			o.State = core.OrderFilled
		} else {
			o.State = core.OrderPartialFilled
		}
		o.UpdateTime = time.Now()
		snapshot := o.Clone()
		b.mu.Unlock()

		b.notify(snapshot)
		if delay > 0 && i < steps {
			time.Sleep(delay)
		}
	}
}

func (b *Broker) notify(order *core.Order) {
	b.mu.RLock()
	listeners := make([]core.OrderStatusListener, len(b.orderListeners))
	copy(listeners, b.orderListeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		l(order.Clone())
	}
}
