// Package position tracks live positions per (symbol, side), marks them to
// market and watches aggregate exposure. Fills arrive as trade deltas from the
// order manager; the archive keeps closed positions for the session.
package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradecore/internal/core"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMarkInterval   = 5 * time.Second
	defaultHistorySize    = 256
	defaultNoiseThreshold = 0.001 // 0.1% move required to record a mark
)

// Trader is the slice of the order manager used for closing positions.
type Trader interface {
	CreateOrder(ctx context.Context, req *core.OrderRequest, strategyID string) (*core.Order, error)
}

// ChangeListener observes position updates. The position is a private copy.
type ChangeListener func(p *core.Position)

// Manager owns all live positions.
type Manager struct {
	broker core.IBroker
	bus    core.IEventBus
	logger core.ILogger

	markInterval   time.Duration
	noiseThreshold float64

	mu          sync.RWMutex
	limits      map[string]decimal.Decimal // zero or absent disables a check
	positions   map[string]*core.Position
	archived    []*core.Position
	history     map[string]*markRing
	lastMark    map[string]float64
	multipliers map[string]decimal.Decimal
	listeners   []ChangeListener
	breached    bool

	trader Trader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates an empty position book.
func NewManager(broker core.IBroker, bus core.IEventBus, logger core.ILogger) *Manager {
	return &Manager{
		broker:         broker,
		bus:            bus,
		logger:         logger.WithField("component", "position_manager"),
		markInterval:   defaultMarkInterval,
		noiseThreshold: defaultNoiseThreshold,
		limits:         make(map[string]decimal.Decimal),
		positions:      make(map[string]*core.Position),
		history:        make(map[string]*markRing),
		lastMark:       make(map[string]float64),
		multipliers:    make(map[string]decimal.Decimal),
	}
}

// SetTrader wires the order manager in after construction.
func (m *Manager) SetTrader(t Trader) { m.trader = t }

// SetMarkInterval overrides the mark loop cadence. Call before Start.
func (m *Manager) SetMarkInterval(d time.Duration) {
	if d > 0 {
		m.markInterval = d
	}
}

// Limit names accepted by SetRiskLimit.
const (
	LimitGrossExposure   = "gross_exposure"     // summed absolute notional
	LimitValueAtRisk     = "value_at_risk"      // portfolio VaR
	LimitLeverage        = "leverage"           // gross notional over account balance
	LimitConcentration   = "concentration"      // largest position share of gross, 0..1
	LimitPositionValue   = "max_position_value" // single position notional
	LimitMaxSymbolVolume = "max_symbol_volume"  // single position volume in lots
)

// SetRiskLimit installs or updates one named portfolio limit. A zero value
// disables the check.
func (m *Manager) SetRiskLimit(name string, value decimal.Decimal) error {
	switch name {
	case LimitGrossExposure, LimitValueAtRisk, LimitLeverage,
		LimitConcentration, LimitPositionValue, LimitMaxSymbolVolume:
	default:
		return fmt.Errorf("unknown risk limit %q", name)
	}
	if value.Sign() < 0 {
		return fmt.Errorf("risk limit %s must not be negative, got %s", name, value)
	}
	m.mu.Lock()
	m.limits[name] = value
	m.mu.Unlock()
	return nil
}

// SetExposureLimit enables the gross exposure breach check.
func (m *Manager) SetExposureLimit(limit decimal.Decimal) {
	m.SetRiskLimit(LimitGrossExposure, limit)
}

// SetVaRLimit enables the value-at-risk breach check.
func (m *Manager) SetVaRLimit(limit decimal.Decimal) {
	m.SetRiskLimit(LimitValueAtRisk, limit)
}

func (m *Manager) limit(name string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits[name]
}

// AddListener registers a position change listener.
func (m *Manager) AddListener(l ChangeListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func positionKey(symbol string, side core.PositionSide) string {
	return symbol + "/" + string(side)
}

// sideFor maps a trade onto the position side it affects.
func sideFor(dir core.Direction, offset core.Offset) core.PositionSide {
	if offset.Closing() {
		if dir == core.DirectionSell {
			return core.PositionLong
		}
		return core.PositionShort
	}
	if dir == core.DirectionBuy {
		return core.PositionLong
	}
	return core.PositionShort
}

// Start launches the mark-to-market loop.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.markLoop()
	m.logger.Info("Position manager started", "mark_interval", m.markInterval)
	return nil
}

// Stop halts the mark loop.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
	}
}

// ApplyTrade folds one execution into the book. Opens move the average cost;
// closes realize P&L against it; a position reaching zero volume is archived.
func (m *Manager) ApplyTrade(trade *core.Trade, strategyID string) error {
	if trade.Volume.Sign() <= 0 {
		return fmt.Errorf("trade volume must be positive")
	}

	side := sideFor(trade.Direction, trade.Offset)
	key := positionKey(trade.Symbol, side)
	mult := m.multiplier(trade.Symbol)

	m.mu.Lock()
	pos, ok := m.positions[key]

	if trade.Offset.Closing() {
		if !ok {
			m.mu.Unlock()
			m.logger.Warn("Close fill with no live position, dropping",
				"symbol", trade.Symbol, "side", side, "volume", trade.Volume)
			return nil
		}
		// The executed volume never exceeds what is held; an oversized
		// close flattens the position.
		executed := trade.Volume
		if executed.GreaterThan(pos.Volume) {
			m.logger.Warn("Close fill exceeds held volume, clamping",
				"symbol", trade.Symbol, "side", side,
				"requested", trade.Volume, "held", pos.Volume)
			executed = pos.Volume
		}
		var pnl decimal.Decimal
		if side == core.PositionLong {
			pnl = trade.Price.Sub(pos.AvgCost).Mul(executed).Mul(mult)
		} else {
			pnl = pos.AvgCost.Sub(trade.Price).Mul(executed).Mul(mult)
		}
		pos.Volume = pos.Volume.Sub(executed)
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		pos.Fills = append(pos.Fills, trade)
		pos.LastPrice = trade.Price

		closed := pos.Volume.IsZero()
		if closed {
			delete(m.positions, key)
			m.archived = append(m.archived, pos)
		}
		snapshot := pos.Clone()
		listeners := m.copyListeners()
		m.mu.Unlock()

		m.notify(snapshot, listeners)
		m.publishChange(snapshot, closed)
		return nil
	}

	if !ok {
		pos = &core.Position{
			Symbol:     trade.Symbol,
			Side:       side,
			AvgCost:    trade.Price,
			Volume:     trade.Volume,
			LastPrice:  trade.Price,
			OpenTime:   trade.Time,
			StrategyID: strategyID,
			Fills:      []*core.Trade{trade},
		}
		m.positions[key] = pos
	} else {
		total := pos.Volume.Add(trade.Volume)
		pos.AvgCost = pos.AvgCost.Mul(pos.Volume).
			Add(trade.Price.Mul(trade.Volume)).Div(total)
		pos.Volume = total
		pos.LastPrice = trade.Price
		pos.Fills = append(pos.Fills, trade)
	}

	snapshot := pos.Clone()
	listeners := m.copyListeners()
	m.mu.Unlock()

	m.notify(snapshot, listeners)
	m.publishChange(snapshot, false)
	return nil
}

// Get returns a copy of one live position, or nil.
func (m *Manager) Get(symbol string, side core.PositionSide) *core.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.positions[positionKey(symbol, side)]; ok {
		return p.Clone()
	}
	return nil
}

// List returns copies of all live positions.
func (m *Manager) List() []*core.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p.Clone())
	}
	return out
}

// Archived returns copies of this session's closed positions.
func (m *Manager) Archived() []*core.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Position, 0, len(m.archived))
	for _, p := range m.archived {
		out = append(out, p.Clone())
	}
	return out
}

// MarkPrice updates float P&L for every position on the symbol. Moves below
// the noise threshold update the book silently; larger moves record a mark in
// the history ring and publish change events.
func (m *Manager) MarkPrice(symbol string, price decimal.Decimal) {
	pf := price.InexactFloat64()
	mult := m.multiplier(symbol)

	m.mu.Lock()
	last, seen := m.lastMark[symbol]
	significant := !seen || last == 0 ||
		absFloat(pf-last)/last >= m.noiseThreshold
	if significant {
		m.lastMark[symbol] = pf
		ring, ok := m.history[symbol]
		if !ok {
			ring = newMarkRing(defaultHistorySize)
			m.history[symbol] = ring
		}
		ring.push(pf)
	}

	var snapshots []*core.Position
	for _, p := range m.positions {
		if p.Symbol != symbol {
			continue
		}
		p.LastPrice = price
		if p.Side == core.PositionLong {
			p.FloatPnL = price.Sub(p.AvgCost).Mul(p.Volume).Mul(mult)
		} else {
			p.FloatPnL = p.AvgCost.Sub(price).Mul(p.Volume).Mul(mult)
		}
		if significant {
			snapshots = append(snapshots, p.Clone())
		}
	}
	listeners := m.copyListeners()
	m.mu.Unlock()

	for _, s := range snapshots {
		m.notify(s, listeners)
		m.publishChange(s, false)
	}
}

// Volatility returns the return volatility of a symbol's mark history.
func (m *Manager) Volatility(symbol string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ring, ok := m.history[symbol]
	if !ok {
		return 0
	}
	return volatility(ring.values())
}

// GrossExposure is the summed absolute notional of all live positions.
func (m *Manager) GrossExposure() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	for _, p := range m.positions {
		total = total.Add(p.LastPrice.Mul(p.Volume).Mul(m.multiplierLocked(p.Symbol)).Abs())
	}
	return total
}

// NetExposure is long notional minus short notional.
func (m *Manager) NetExposure() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	net := decimal.Zero
	for _, p := range m.positions {
		notional := p.LastPrice.Mul(p.Volume).Mul(m.multiplierLocked(p.Symbol))
		if p.Side == core.PositionLong {
			net = net.Add(notional)
		} else {
			net = net.Sub(notional)
		}
	}
	return net
}

// ValueAtRisk estimates portfolio VaR from net exposure and the average
// volatility of held symbols.
func (m *Manager) ValueAtRisk() decimal.Decimal {
	net := m.NetExposure().InexactFloat64()

	m.mu.RLock()
	var vol, n float64
	for _, p := range m.positions {
		if ring, ok := m.history[p.Symbol]; ok && ring.len() >= 3 {
			vol += volatility(ring.values())
			n++
		}
	}
	m.mu.RUnlock()

	if n == 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(valueAtRisk(net, vol/n))
}

// CloseOptions narrows a ClosePosition request. Zero Volume closes the full
// held volume, zero Price sends a market order, empty StrategyID attributes
// the close to the position's owning strategy.
type CloseOptions struct {
	Volume     decimal.Decimal
	Price      decimal.Decimal
	StrategyID string
}

// ClosePosition sends a closing order on the opposite side. The close volume
// is capped at the held volume.
func (m *Manager) ClosePosition(ctx context.Context, symbol string, side core.PositionSide, opts CloseOptions) error {
	if m.trader == nil {
		return fmt.Errorf("no trader wired for position close")
	}

	pos := m.Get(symbol, side)
	if pos == nil {
		return fmt.Errorf("no live %s position on %s", side, symbol)
	}
	volume := opts.Volume
	if volume.Sign() <= 0 || volume.GreaterThan(pos.Volume) {
		volume = pos.Volume
	}
	strategyID := opts.StrategyID
	if strategyID == "" {
		strategyID = pos.StrategyID
	}

	dir := core.DirectionSell
	if side == core.PositionShort {
		dir = core.DirectionBuy
	}
	req := &core.OrderRequest{
		Symbol:    symbol,
		Direction: dir,
		Offset:    core.OffsetClose,
		Type:      core.OrderTypeMarket,
		Volume:    volume,
	}
	if opts.Price.Sign() > 0 {
		req.Type = core.OrderTypeLimit
		req.Price = opts.Price
	}
	if _, err := m.trader.CreateOrder(ctx, req, strategyID); err != nil {
		return fmt.Errorf("close %s %s: %w", symbol, side, err)
	}
	return nil
}

// CloseAll closes every live position concurrently and returns the first
// error.
func (m *Manager) CloseAll(ctx context.Context) error {
	return m.forAll(ctx, decimal.NewFromInt(1))
}

// ReduceAll shrinks every live position by the given fraction (0..1].
func (m *Manager) ReduceAll(ctx context.Context, fraction decimal.Decimal) error {
	if fraction.Sign() <= 0 || fraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("fraction %s out of range (0, 1]", fraction)
	}
	return m.forAll(ctx, fraction)
}

func (m *Manager) forAll(ctx context.Context, fraction decimal.Decimal) error {
	positions := m.List()
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range positions {
		p := p
		g.Go(func() error {
			return m.reduce(gctx, p.Symbol, p.Side, p.StrategyID, fraction)
		})
	}
	return g.Wait()
}

func (m *Manager) reduce(ctx context.Context, symbol string, side core.PositionSide, strategyID string, fraction decimal.Decimal) error {
	pos := m.Get(symbol, side)
	if pos == nil {
		return fmt.Errorf("no live %s position on %s", side, symbol)
	}
	volume := pos.Volume.Mul(fraction).Ceil()
	if volume.Sign() <= 0 {
		return nil
	}
	return m.ClosePosition(ctx, symbol, side, CloseOptions{
		Volume:     volume,
		StrategyID: strategyID,
	})
}

func (m *Manager) markLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.markInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.markAll()
			m.checkBreach()
		}
	}
}

func (m *Manager) markAll() {
	symbols := make(map[string]struct{})
	m.mu.RLock()
	for _, p := range m.positions {
		symbols[p.Symbol] = struct{}{}
	}
	m.mu.RUnlock()

	for sym := range symbols {
		tick, err := m.broker.GetMarketData(m.ctx, sym)
		if err != nil {
			m.logger.Debug("Mark price fetch failed", "symbol", sym, "error", err)
			continue
		}
		m.MarkPrice(sym, tick.Last)
	}
}

// breaches evaluates every configured limit against the current book and
// returns the breached classes.
func (m *Manager) breaches() []string {
	gross := m.GrossExposure()
	vaR := m.ValueAtRisk()

	var kinds []string
	if lim := m.limit(LimitGrossExposure); !lim.IsZero() && gross.GreaterThan(lim) {
		kinds = append(kinds, "exposure_breach")
	}
	if lim := m.limit(LimitValueAtRisk); !lim.IsZero() && vaR.GreaterThan(lim) {
		kinds = append(kinds, "var_breach")
	}

	if lim := m.limit(LimitLeverage); !lim.IsZero() && gross.Sign() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		acct, err := m.broker.GetAccountInfo(ctx)
		cancel()
		if err == nil && acct.Balance.Sign() > 0 &&
			gross.Div(acct.Balance).GreaterThan(lim) {
			kinds = append(kinds, "leverage_breach")
		}
	}

	var largest decimal.Decimal
	valueLim := m.limit(LimitPositionValue)
	volumeLim := m.limit(LimitMaxSymbolVolume)
	overValue, overVolume := false, false
	m.mu.RLock()
	for _, p := range m.positions {
		notional := p.LastPrice.Mul(p.Volume).Mul(m.multiplierLocked(p.Symbol)).Abs()
		if notional.GreaterThan(largest) {
			largest = notional
		}
		if !valueLim.IsZero() && notional.GreaterThan(valueLim) {
			overValue = true
		}
		if !volumeLim.IsZero() && p.Volume.GreaterThan(volumeLim) {
			overVolume = true
		}
	}
	m.mu.RUnlock()
	if overValue {
		kinds = append(kinds, "position_value_breach")
	}
	if overVolume {
		kinds = append(kinds, "symbol_volume_breach")
	}
	if lim := m.limit(LimitConcentration); !lim.IsZero() && gross.Sign() > 0 &&
		largest.Div(gross).GreaterThan(lim) {
		kinds = append(kinds, "concentration_breach")
	}
	return kinds
}

// checkBreach publishes a system event when any limit class is crossed,
// latched so a sustained breach reports once until it clears.
func (m *Manager) checkBreach() {
	kinds := m.breaches()
	over := len(kinds) > 0

	m.mu.Lock()
	was := m.breached
	m.breached = over
	m.mu.Unlock()

	if over && !was {
		gross := m.GrossExposure()
		vaR := m.ValueAtRisk()
		m.logger.Warn("Portfolio risk limit breached",
			"kind", kinds[0], "all", kinds,
			"gross_exposure", gross.String(),
			"value_at_risk", vaR.String())
		ev := m.bus.Acquire(core.EventSystem)
		ev.Source = "position_manager"
		ev.Priority = 2
		ev.Payload["kind"] = kinds[0]
		ev.Payload["kinds"] = kinds
		ev.Payload["gross_exposure"] = gross.InexactFloat64()
		ev.Payload["value_at_risk"] = vaR.InexactFloat64()
		m.bus.Publish(ev)
	}
}

func (m *Manager) multiplier(symbol string) decimal.Decimal {
	m.mu.RLock()
	mult, ok := m.multipliers[symbol]
	m.mu.RUnlock()
	if ok {
		return mult
	}

	mult = decimal.NewFromInt(1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if info, err := m.broker.GetSymbolInfo(ctx, symbol); err == nil && !info.Multiplier.IsZero() {
		mult = info.Multiplier
	}

	m.mu.Lock()
	m.multipliers[symbol] = mult
	m.mu.Unlock()
	return mult
}

// multiplierLocked reads the cache without fetching; callers hold m.mu.
func (m *Manager) multiplierLocked(symbol string) decimal.Decimal {
	if mult, ok := m.multipliers[symbol]; ok && !mult.IsZero() {
		return mult
	}
	return decimal.NewFromInt(1)
}

func (m *Manager) copyListeners() []ChangeListener {
	out := make([]ChangeListener, len(m.listeners))
	copy(out, m.listeners)
	return out
}

func (m *Manager) notify(p *core.Position, listeners []ChangeListener) {
	for _, l := range listeners {
		go l(p.Clone())
	}
}

func (m *Manager) publishChange(p *core.Position, closed bool) {
	ev := m.bus.Acquire(core.EventPositionChange)
	ev.Source = "position_manager"
	ev.Priority = 3
	ev.TraceID = "pos-" + p.Symbol
	ev.Payload["symbol"] = p.Symbol
	ev.Payload["side"] = string(p.Side)
	ev.Payload["volume"] = p.Volume.InexactFloat64()
	ev.Payload["avg_cost"] = p.AvgCost.InexactFloat64()
	ev.Payload["float_pnl"] = p.FloatPnL.InexactFloat64()
	ev.Payload["realized_pnl"] = p.RealizedPnL.InexactFloat64()
	ev.Payload["closed"] = closed
	ev.Payload["position"] = p
	if !m.bus.Publish(ev) {
		m.logger.Debug("Position change event dropped", "symbol", p.Symbol)
	}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
