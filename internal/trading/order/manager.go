// Package order owns the order lifecycle: placement with retry and rate
// limiting, the state machine, broker reconciliation and trade extraction
// from cumulative fill updates.
package order

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tradecore/internal/core"
	"tradecore/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultTrackInterval = 2 * time.Second
	defaultOrderTimeout  = 60 * time.Second
	defaultPlaceRate     = 25 // orders per second to the broker
	maxPlaceAttempts     = 3
)

// RiskChecker vets an order before it reaches the broker. A non-nil error
// rejects the order.
type RiskChecker interface {
	CheckOrder(ctx context.Context, req *core.OrderRequest, strategyID string) error
}

// FundsChecker answers whether the account can carry a new open.
type FundsChecker interface {
	CanOpenPosition(ctx context.Context, symbol string, price, volume decimal.Decimal) (bool, error)
}

// Listener observes order updates. Orders handed to listeners are deep
// copies.
type Listener func(o *core.Order)

// Manager is the order manager.
type Manager struct {
	broker core.IBroker
	bus    core.IEventBus
	logger core.ILogger

	risk     RiskChecker  // optional
	funds    FundsChecker // optional
	limiter  *rate.Limiter
	pipeline failsafe.Executor[*core.Order]

	trackInterval time.Duration
	orderTimeout  time.Duration

	mu         sync.RWMutex
	byID       map[string]*core.Order
	byClient   map[string]string // client order id -> order id
	byBroker   map[string]string // broker order id -> order id
	bySymbol   map[string]map[string]struct{}
	byStrategy map[string]map[string]struct{}
	active     map[string]struct{}
	listeners  []Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates an order manager bound to one broker.
func NewManager(broker core.IBroker, bus core.IEventBus, logger core.ILogger) *Manager {
	m := &Manager{
		broker:        broker,
		bus:           bus,
		logger:        logger.WithField("component", "order_manager"),
		limiter:       rate.NewLimiter(rate.Limit(defaultPlaceRate), defaultPlaceRate),
		trackInterval: defaultTrackInterval,
		orderTimeout:  defaultOrderTimeout,
		byID:          make(map[string]*core.Order),
		byClient:      make(map[string]string),
		byBroker:      make(map[string]string),
		bySymbol:      make(map[string]map[string]struct{}),
		byStrategy:    make(map[string]map[string]struct{}),
		active:        make(map[string]struct{}),
	}

	// Fixed backoff between attempts; permanent broker errors fail fast.
	policy := retrypolicy.NewBuilder[*core.Order]().
		HandleIf(func(_ *core.Order, err error) bool {
			return err != nil && isTransient(err)
		}).
		WithDelay(200 * time.Millisecond).
		WithMaxRetries(maxPlaceAttempts - 1).
		Build()
	m.pipeline = failsafe.With[*core.Order](policy)

	broker.AddOrderStatusListener(m.onBrokerUpdate)
	broker.AddConnStateListener(m.onConnStateChange)
	return m
}

// SetRiskChecker wires the risk manager into the placement path.
func (m *Manager) SetRiskChecker(r RiskChecker) { m.risk = r }

// SetFundsChecker wires the account manager into the placement path.
func (m *Manager) SetFundsChecker(f FundsChecker) { m.funds = f }

// SetTrackInterval overrides the tracking cadence. Call before Start.
func (m *Manager) SetTrackInterval(d time.Duration) {
	if d > 0 {
		m.trackInterval = d
	}
}

// SetOrderTimeout overrides how long a working order may live before the
// manager cancels it.
func (m *Manager) SetOrderTimeout(d time.Duration) {
	if d > 0 {
		m.orderTimeout = d
	}
}

// AddListener registers an order update listener.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Start launches the tracking loop.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.trackLoop()
	m.logger.Info("Order manager started",
		"track_interval", m.trackInterval, "order_timeout", m.orderTimeout)
	return nil
}

// Stop halts the tracking loop. Working orders are left at the broker.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
	}
}

// isTransient classifies broker errors worth retrying. Anything naming a
// definitive rejection is fatal.
func isTransient(err error) bool {
	s := strings.ToLower(err.Error())
	for _, fatal := range []string{
		"rejected", "insufficient", "invalid", "duplicate",
		"not found", "forbidden", "risk",
	} {
		if strings.Contains(s, fatal) {
			return false
		}
	}
	return true
}

// CreateOrder validates, risk-checks and places one order. The returned order
// is a copy of the manager's record after placement.
func (m *Manager) CreateOrder(ctx context.Context, req *core.OrderRequest, strategyID string) (*core.Order, error) {
	if err := validateRequest(req); err != nil {
		m.countRejected("validation")
		return nil, err
	}

	if m.risk != nil {
		if err := m.risk.CheckOrder(ctx, req, strategyID); err != nil {
			m.countRejected("risk")
			m.logger.Warn("Order rejected by risk check",
				"symbol", req.Symbol, "strategy", strategyID, "error", err)
			return nil, fmt.Errorf("risk check: %w", err)
		}
	}

	if m.funds != nil && !req.Offset.Closing() {
		ok, err := m.funds.CanOpenPosition(ctx, req.Symbol, req.Price, req.Volume)
		if err != nil {
			return nil, fmt.Errorf("funds check: %w", err)
		}
		if !ok {
			m.countRejected("funds")
			return nil, fmt.Errorf("insufficient funds for %s %s@%s",
				req.Symbol, req.Volume, req.Price)
		}
	}

	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	order := &core.Order{
		OrderID:       uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		StrategyID:    strategyID,
		Symbol:        req.Symbol,
		Direction:     req.Direction,
		Offset:        req.Offset,
		Type:          req.Type,
		Price:         req.Price,
		Volume:        req.Volume,
		State:         core.OrderSubmitting,
		CreateTime:    time.Now(),
		UpdateTime:    time.Now(),
	}

	m.mu.Lock()
	m.byID[order.OrderID] = order
	m.byClient[order.ClientOrderID] = order.OrderID
	m.index(m.bySymbol, order.Symbol, order.OrderID)
	m.index(m.byStrategy, order.StrategyID, order.OrderID)
	m.active[order.OrderID] = struct{}{}
	m.mu.Unlock()
	m.emit(order)

	if err := m.limiter.Wait(ctx); err != nil {
		m.fail(order.OrderID, err)
		return nil, err
	}

	attempts := 0
	placed, err := m.pipeline.Get(func() (*core.Order, error) {
		attempts++
		if attempts > 1 {
			m.bumpRetry(order.OrderID)
		}
		return m.broker.PlaceOrder(ctx, req)
	})
	if err != nil {
		m.fail(order.OrderID, err)
		return nil, fmt.Errorf("place order: %w", err)
	}

	m.mu.Lock()
	order.BrokerOrderID = placed.BrokerOrderID
	if order.State == core.OrderSubmitting {
		order.State = core.OrderSubmitted
	}
	order.UpdateTime = time.Now()
	m.byBroker[placed.BrokerOrderID] = order.OrderID
	snapshot := order.Clone()
	m.mu.Unlock()

	if mh := telemetry.GetGlobalMetrics(); mh.Ready() {
		mh.OrdersPlacedTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("symbol", req.Symbol)))
	}
	m.emit(snapshot)

	// The broker may have reported fills inline with placement.
	if placed.State != core.OrderSubmitted {
		m.applyUpdate(placed)
	}
	return snapshot, nil
}

// CancelOrder asks the broker to cancel a working order.
func (m *Manager) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	order, ok := m.byID[orderID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("order %s not found", orderID)
	}
	if !order.State.Active() {
		state := order.State
		m.mu.Unlock()
		return fmt.Errorf("order %s is %s, not cancellable", orderID, state)
	}
	order.State = core.OrderCancelling
	order.UpdateTime = time.Now()
	brokerID := order.BrokerOrderID
	snapshot := order.Clone()
	m.mu.Unlock()
	m.emit(snapshot)

	if brokerID == "" {
		// Never reached the broker; terminal locally.
		m.transition(orderID, core.OrderCancelled, "")
		return nil
	}
	if err := m.broker.CancelOrder(ctx, brokerID); err != nil {
		m.logger.Warn("Cancel request failed", "order_id", orderID, "error", err)
		return err
	}
	return nil
}

// CancelAll cancels active orders concurrently and tallies the outcome. Empty
// strategyID and symbol mean no filter; an order that completes while the
// cancel is in flight counts as a success.
func (m *Manager) CancelAll(ctx context.Context, strategyID, symbol string) (succeeded, failed int) {
	ids := m.activeIDs()

	var okCount, failCount atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		m.mu.RLock()
		o := m.byID[id]
		match := o != nil &&
			(strategyID == "" || o.StrategyID == strategyID) &&
			(symbol == "" || o.Symbol == symbol)
		m.mu.RUnlock()
		if !match {
			continue
		}
		g.Go(func() error {
			err := m.CancelOrder(gctx, id)
			if err != nil && !strings.Contains(err.Error(), "not cancellable") {
				failCount.Add(1)
				m.logger.Warn("Cancel failed", "order_id", id, "error", err)
				return nil
			}
			okCount.Add(1)
			return nil
		})
	}
	g.Wait()
	return int(okCount.Load()), int(failCount.Load())
}

// Get returns a copy of one order, or nil.
func (m *Manager) Get(orderID string) *core.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.byID[orderID]; ok {
		return o.Clone()
	}
	return nil
}

// Filter narrows GetOrders. Zero fields match everything.
type Filter struct {
	Symbol     string
	StrategyID string
	States     []core.OrderState
}

func (f Filter) matches(o *core.Order) bool {
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	if f.StrategyID != "" && o.StrategyID != f.StrategyID {
		return false
	}
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if o.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// GetOrders returns copies of every order matching the filter, using the
// symbol and strategy indexes to narrow the scan.
func (m *Manager) GetOrders(f Filter) []*core.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates map[string]struct{}
	switch {
	case f.Symbol != "":
		candidates = m.bySymbol[f.Symbol]
	case f.StrategyID != "":
		candidates = m.byStrategy[f.StrategyID]
	}

	var out []*core.Order
	if candidates != nil {
		for id := range candidates {
			if o := m.byID[id]; o != nil && f.matches(o) {
				out = append(out, o.Clone())
			}
		}
		return out
	}
	for _, o := range m.byID {
		if f.matches(o) {
			out = append(out, o.Clone())
		}
	}
	return out
}

// GetAll returns copies of every order the manager has seen this session.
func (m *Manager) GetAll() []*core.Order {
	return m.GetOrders(Filter{})
}

// Completed returns copies of every terminal order.
func (m *Manager) Completed() []*core.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Order
	for _, o := range m.byID {
		if o.State.Terminal() {
			out = append(out, o.Clone())
		}
	}
	return out
}

// GetByClientID resolves a client order id.
func (m *Manager) GetByClientID(clientID string) *core.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.byClient[clientID]; ok {
		return m.byID[id].Clone()
	}
	return nil
}

// Active returns copies of all non-terminal orders.
func (m *Manager) Active() []*core.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Order, 0, len(m.active))
	for id := range m.active {
		out = append(out, m.byID[id].Clone())
	}
	return out
}

// index adds an order id to a secondary index; callers hold m.mu.
func (m *Manager) index(idx map[string]map[string]struct{}, key, orderID string) {
	if key == "" {
		return
	}
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[orderID] = struct{}{}
}

func (m *Manager) activeIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.active))
	for id := range m.active {
		out = append(out, id)
	}
	return out
}

func validateRequest(req *core.OrderRequest) error {
	if req == nil {
		return fmt.Errorf("nil order request")
	}
	if req.Symbol == "" {
		return fmt.Errorf("order request missing symbol")
	}
	if req.Volume.Sign() <= 0 {
		return fmt.Errorf("order volume must be positive, got %s", req.Volume)
	}
	if req.Type != core.OrderTypeMarket && req.Price.Sign() <= 0 {
		return fmt.Errorf("%s order needs a positive price", req.Type)
	}
	switch req.Direction {
	case core.DirectionBuy, core.DirectionSell:
	default:
		return fmt.Errorf("unknown direction %q", req.Direction)
	}
	return nil
}

// validTransitions is the order state machine. Updates proposing anything
// else are ignored as stale.
var validTransitions = map[core.OrderState][]core.OrderState{
	core.OrderSubmitting: {core.OrderSubmitted, core.OrderPartialFilled, core.OrderFilled,
		core.OrderRejected, core.OrderFailed, core.OrderCancelled, core.OrderUnknown},
	core.OrderSubmitted: {core.OrderPartialFilled, core.OrderFilled, core.OrderCancelling,
		core.OrderCancelled, core.OrderRejected, core.OrderUnknown},
	core.OrderPartialFilled: {core.OrderPartialFilled, core.OrderFilled, core.OrderCancelling,
		core.OrderCancelled, core.OrderUnknown},
	core.OrderCancelling: {core.OrderCancelled, core.OrderPartialFilled, core.OrderFilled,
		core.OrderUnknown},
	core.OrderUnknown: {core.OrderSubmitted, core.OrderPartialFilled, core.OrderFilled,
		core.OrderCancelling, core.OrderCancelled, core.OrderRejected, core.OrderFailed},
}

func transitionAllowed(from, to core.OrderState) bool {
	if from == to {
		// Same-state updates are allowed so fill deltas within
		// partial_filled flow through.
		return from == core.OrderPartialFilled || from == core.OrderUnknown
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// onBrokerUpdate handles an order status push from the broker.
func (m *Manager) onBrokerUpdate(update *core.Order) {
	m.applyUpdate(update)
}

// applyUpdate folds a broker-side order snapshot into the local record.
// Updates carry cumulative filled volume, so redelivered updates are
// idempotent: only a positive fill delta produces a trade event.
func (m *Manager) applyUpdate(update *core.Order) {
	m.mu.Lock()
	id, ok := m.byBroker[update.BrokerOrderID]
	if !ok && update.ClientOrderID != "" {
		id, ok = m.byClient[update.ClientOrderID]
	}
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("Update for unknown order",
			"broker_order_id", update.BrokerOrderID)
		return
	}
	order := m.byID[id]

	if !transitionAllowed(order.State, update.State) {
		m.mu.Unlock()
		m.logger.Debug("Ignoring stale order update",
			"order_id", id, "from", order.State, "to", update.State)
		return
	}

	fillDelta := update.FilledVolume.Sub(order.FilledVolume)
	if fillDelta.Sign() < 0 {
		// Cumulative volume never shrinks; treat as redelivery.
		fillDelta = decimal.Zero
	} else {
		order.FilledVolume = update.FilledVolume
	}
	prevState := order.State
	order.State = update.State
	order.UpdateTime = time.Now()
	if update.LastError != "" {
		order.LastError = update.LastError
	}
	if order.State.Terminal() {
		delete(m.active, id)
	}
	snapshot := order.Clone()
	m.mu.Unlock()

	if fillDelta.Sign() > 0 {
		m.publishTrade(snapshot, update, fillDelta)
	}
	if prevState != snapshot.State || fillDelta.Sign() > 0 {
		m.emit(snapshot)
		m.publishOrderUpdate(snapshot)
		m.countTerminal(snapshot)
	}
}

// transition forces a local state change outside the broker update path.
func (m *Manager) transition(orderID string, to core.OrderState, lastError string) {
	m.mu.Lock()
	order, ok := m.byID[orderID]
	if !ok || order.State == to {
		m.mu.Unlock()
		return
	}
	order.State = to
	order.UpdateTime = time.Now()
	if lastError != "" {
		order.LastError = lastError
	}
	if to.Terminal() {
		delete(m.active, orderID)
	}
	snapshot := order.Clone()
	m.mu.Unlock()

	m.emit(snapshot)
	m.publishOrderUpdate(snapshot)
	m.countTerminal(snapshot)
}

func (m *Manager) fail(orderID string, err error) {
	m.transition(orderID, core.OrderFailed, err.Error())
}

func (m *Manager) bumpRetry(orderID string) {
	m.mu.Lock()
	if o, ok := m.byID[orderID]; ok {
		o.RetryCount++
	}
	m.mu.Unlock()
}

// onConnStateChange marks working orders unknown when the broker connection
// drops and reconciles them after it comes back.
func (m *Manager) onConnStateChange(old, new core.ConnState) {
	switch new {
	case core.ConnReconnecting, core.ConnError, core.ConnDisconnected:
		for _, id := range m.activeIDs() {
			m.transition(id, core.OrderUnknown, "connection lost")
		}
	case core.ConnConnected:
		if old == core.ConnReconnecting || old == core.ConnError {
			m.reconcile()
		}
	}
}

// reconcile pulls broker truth for every unknown order after a reconnect.
func (m *Manager) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, o := range m.Active() {
		if o.State != core.OrderUnknown || o.BrokerOrderID == "" {
			continue
		}
		truth, err := m.broker.GetOrder(ctx, o.BrokerOrderID)
		if err != nil {
			m.logger.Warn("Reconcile lookup failed",
				"order_id", o.OrderID, "error", err)
			m.fail(o.OrderID, fmt.Errorf("lost during reconnect: %w", err))
			continue
		}
		m.applyUpdate(truth)
	}
	m.logger.Info("Order reconciliation complete")
}

func (m *Manager) trackLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.trackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.trackActive()
		}
	}
}

// trackActive polls the broker for every working order and enforces the order
// timeout.
func (m *Manager) trackActive() {
	for _, o := range m.Active() {
		if o.State == core.OrderSubmitting {
			// Placement still in flight; a submission hung past the
			// timeout is abandoned.
			if m.orderTimeout > 0 && time.Since(o.CreateTime) > m.orderTimeout {
				m.fail(o.OrderID, fmt.Errorf("submitting for %s", time.Since(o.CreateTime).Round(time.Second)))
			}
			continue
		}

		if m.orderTimeout > 0 && time.Since(o.CreateTime) > m.orderTimeout &&
			o.State != core.OrderCancelling {
			m.logger.Warn("Order timed out, cancelling",
				"order_id", o.OrderID, "age", time.Since(o.CreateTime))
			if err := m.CancelOrder(m.ctx, o.OrderID); err != nil {
				m.logger.Warn("Timeout cancel failed",
					"order_id", o.OrderID, "error", err)
			}
			continue
		}

		if o.BrokerOrderID == "" {
			continue
		}
		truth, err := m.broker.GetOrder(m.ctx, o.BrokerOrderID)
		if err != nil {
			m.logger.Debug("Order poll failed",
				"order_id", o.OrderID, "error", err)
			continue
		}
		m.applyUpdate(truth)
	}
}

func (m *Manager) emit(o *core.Order) {
	m.mu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, l := range listeners {
		go l(o.Clone())
	}
}

func (m *Manager) publishOrderUpdate(o *core.Order) {
	ev := m.bus.Acquire(core.EventOrderUpdate)
	ev.Source = "order_manager"
	ev.Priority = 3
	ev.TraceID = "ord-" + o.OrderID
	ev.Payload["order_id"] = o.OrderID
	ev.Payload["symbol"] = o.Symbol
	ev.Payload["state"] = string(o.State)
	ev.Payload["filled_volume"] = o.FilledVolume.InexactFloat64()
	ev.Payload["strategy_id"] = o.StrategyID
	ev.Payload["order"] = o
	if !m.bus.Publish(ev) {
		m.logger.Debug("Order update event dropped", "order_id", o.OrderID)
	}
}

// publishTrade turns a positive fill delta into a trade event.
func (m *Manager) publishTrade(o *core.Order, update *core.Order, delta decimal.Decimal) {
	price := update.Price
	if price.IsZero() {
		price = o.Price
	}
	trade := &core.Trade{
		OrderID:   o.OrderID,
		Symbol:    o.Symbol,
		Direction: o.Direction,
		Offset:    o.Offset,
		Price:     price,
		Volume:    delta,
		Time:      time.Now(),
	}

	ev := m.bus.Acquire(core.EventTradeFill)
	ev.Source = "order_manager"
	ev.Priority = 2
	ev.TraceID = "ord-" + o.OrderID
	ev.Payload["order_id"] = o.OrderID
	ev.Payload["symbol"] = o.Symbol
	ev.Payload["price"] = price.InexactFloat64()
	ev.Payload["volume"] = delta.InexactFloat64()
	ev.Payload["strategy_id"] = o.StrategyID
	ev.Payload["trade"] = trade
	if !m.bus.Publish(ev) {
		m.logger.Warn("Trade event dropped", "order_id", o.OrderID)
	}
}

func (m *Manager) countTerminal(o *core.Order) {
	mh := telemetry.GetGlobalMetrics()
	if !mh.Ready() {
		return
	}
	attrs := metric.WithAttributes(attribute.String("symbol", o.Symbol))
	switch o.State {
	case core.OrderFilled:
		mh.OrdersFilledTotal.Add(context.Background(), 1, attrs)
	case core.OrderCancelled:
		mh.OrdersCancelledTotal.Add(context.Background(), 1, attrs)
	case core.OrderRejected:
		mh.OrdersRejectedTotal.Add(context.Background(), 1, attrs)
	}
}

func (m *Manager) countRejected(reason string) {
	if mh := telemetry.GetGlobalMetrics(); mh.Ready() {
		mh.OrdersRejectedTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", reason)))
	}
}
