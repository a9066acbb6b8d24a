package position

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradecore/internal/core"
	"tradecore/internal/mock"
	"tradecore/pkg/logging"

	"github.com/shopspring/decimal"
)

type stubBus struct {
	mu     sync.Mutex
	events []*core.Event
}

func (s *stubBus) Publish(ev *core.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return true
}
func (s *stubBus) Subscribe(string, core.EventHandler, core.HandlerKind) error { return nil }
func (s *stubBus) Unsubscribe(string, core.EventHandler)                       {}
func (s *stubBus) Acquire(t core.EventType) *core.Event {
	return &core.Event{Type: t, Payload: map[string]interface{}{}}
}
func (s *stubBus) byType(t core.EventType) []*core.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type stubTrader struct {
	mu   sync.Mutex
	reqs []*core.OrderRequest
	err  error
}

func (s *stubTrader) CreateOrder(ctx context.Context, req *core.OrderRequest, strategyID string) (*core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.reqs = append(s.reqs, req)
	return &core.Order{OrderID: "stub", Symbol: req.Symbol}, nil
}

func (s *stubTrader) requests() []*core.OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.OrderRequest, len(s.reqs))
	copy(out, s.reqs)
	return out
}

func newTestManager(t *testing.T) (*Manager, *mock.Broker, *stubBus) {
	t.Helper()
	broker := mock.NewBroker("mock", logging.Nop())
	broker.Connect(context.Background())
	broker.SetSymbolInfo(&core.SymbolInfo{
		Symbol:     "rb2501",
		Multiplier: decimal.NewFromInt(10),
	})
	bus := &stubBus{}
	return NewManager(broker, bus, logging.Nop()), broker, bus
}

func openTrade(price, volume int64) *core.Trade {
	return &core.Trade{
		OrderID:   "o1",
		Symbol:    "rb2501",
		Direction: core.DirectionBuy,
		Offset:    core.OffsetOpen,
		Price:     decimal.NewFromInt(price),
		Volume:    decimal.NewFromInt(volume),
		Time:      time.Now(),
	}
}

func closeTrade(price, volume int64) *core.Trade {
	return &core.Trade{
		OrderID:   "o2",
		Symbol:    "rb2501",
		Direction: core.DirectionSell,
		Offset:    core.OffsetClose,
		Price:     decimal.NewFromInt(price),
		Volume:    decimal.NewFromInt(volume),
		Time:      time.Now(),
	}
}

func TestApplyTrade_OpenMovesAverageCost(t *testing.T) {
	m, _, _ := newTestManager(t)

	if err := m.ApplyTrade(openTrade(4000, 2), "s1"); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := m.ApplyTrade(openTrade(4100, 2), "s1"); err != nil {
		t.Fatalf("second open: %v", err)
	}

	pos := m.Get("rb2501", core.PositionLong)
	if pos == nil {
		t.Fatal("no long position after opens")
	}
	if !pos.Volume.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("volume = %s, want 4", pos.Volume)
	}
	if !pos.AvgCost.Equal(decimal.NewFromInt(4050)) {
		t.Fatalf("avg cost = %s, want 4050", pos.AvgCost)
	}
	if pos.StrategyID != "s1" {
		t.Fatalf("strategy id = %q, want s1", pos.StrategyID)
	}
	if len(pos.Fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(pos.Fills))
	}
}

func TestApplyTrade_CloseRealizesPnLAndArchives(t *testing.T) {
	m, _, bus := newTestManager(t)

	m.ApplyTrade(openTrade(4000, 2), "s1")
	if err := m.ApplyTrade(closeTrade(4050, 2), "s1"); err != nil {
		t.Fatalf("close: %v", err)
	}

	if m.Get("rb2501", core.PositionLong) != nil {
		t.Fatal("position still live after full close")
	}
	archived := m.Archived()
	if len(archived) != 1 {
		t.Fatalf("archived %d positions, want 1", len(archived))
	}
	// (4050 - 4000) * 2 lots * multiplier 10 = 1000.
	if !archived[0].RealizedPnL.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("realized pnl = %s, want 1000", archived[0].RealizedPnL)
	}

	changes := bus.byType(core.EventPositionChange)
	if len(changes) != 2 {
		t.Fatalf("published %d change events, want 2", len(changes))
	}
	last := changes[len(changes)-1]
	if closed, _ := last.Payload["closed"].(bool); !closed {
		t.Fatal("final change event not flagged closed")
	}
}

func TestApplyTrade_OversizedCloseClampsToHeldVolume(t *testing.T) {
	m, _, _ := newTestManager(t)

	m.ApplyTrade(openTrade(4000, 2), "s1")
	// A fill for 5 lots against a 2-lot position flattens it; P&L is
	// realized on the 2 lots actually held.
	if err := m.ApplyTrade(closeTrade(4050, 5), "s1"); err != nil {
		t.Fatalf("oversized close: %v", err)
	}

	if m.Get("rb2501", core.PositionLong) != nil {
		t.Fatal("position still live after clamped close")
	}
	archived := m.Archived()
	if len(archived) != 1 {
		t.Fatalf("archived %d positions, want 1", len(archived))
	}
	// (4050 - 4000) * 2 lots * multiplier 10 = 1000, not 2500.
	if !archived[0].RealizedPnL.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("realized pnl = %s, want 1000", archived[0].RealizedPnL)
	}
}

func TestApplyTrade_CloseWithoutPositionDropped(t *testing.T) {
	m, _, bus := newTestManager(t)

	if err := m.ApplyTrade(closeTrade(4000, 1), "s1"); err != nil {
		t.Fatalf("close without position: %v", err)
	}
	if len(bus.byType(core.EventPositionChange)) != 0 {
		t.Fatal("orphan close published a change event")
	}
}

func TestApplyTrade_ShortSide(t *testing.T) {
	m, _, _ := newTestManager(t)

	short := &core.Trade{
		Symbol:    "rb2501",
		Direction: core.DirectionSell,
		Offset:    core.OffsetOpen,
		Price:     decimal.NewFromInt(4000),
		Volume:    decimal.NewFromInt(3),
		Time:      time.Now(),
	}
	if err := m.ApplyTrade(short, "s2"); err != nil {
		t.Fatalf("short open: %v", err)
	}

	cover := &core.Trade{
		Symbol:    "rb2501",
		Direction: core.DirectionBuy,
		Offset:    core.OffsetClose,
		Price:     decimal.NewFromInt(3900),
		Volume:    decimal.NewFromInt(3),
		Time:      time.Now(),
	}
	if err := m.ApplyTrade(cover, "s2"); err != nil {
		t.Fatalf("cover: %v", err)
	}

	archived := m.Archived()
	if len(archived) != 1 {
		t.Fatalf("archived %d, want 1", len(archived))
	}
	// Short from 4000 covered at 3900: (4000-3900) * 3 * 10 = 3000.
	if !archived[0].RealizedPnL.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("realized pnl = %s, want 3000", archived[0].RealizedPnL)
	}
}

func TestMarkPrice_NoiseThreshold(t *testing.T) {
	m, _, bus := newTestManager(t)
	m.ApplyTrade(openTrade(4000, 1), "s1")
	before := len(bus.byType(core.EventPositionChange))

	m.MarkPrice("rb2501", decimal.NewFromInt(4100)) // 2.5% move, significant
	m.MarkPrice("rb2501", decimal.NewFromInt(4101)) // 0.02% move, noise

	changes := bus.byType(core.EventPositionChange)
	if len(changes)-before != 1 {
		t.Fatalf("published %d mark events, want 1 (noise suppressed)", len(changes)-before)
	}

	// Float P&L still tracks the noisy price.
	pos := m.Get("rb2501", core.PositionLong)
	if !pos.LastPrice.Equal(decimal.NewFromInt(4101)) {
		t.Fatalf("last price = %s, want 4101", pos.LastPrice)
	}
	// (4101 - 4000) * 1 * 10 = 1010.
	if !pos.FloatPnL.Equal(decimal.NewFromInt(1010)) {
		t.Fatalf("float pnl = %s, want 1010", pos.FloatPnL)
	}
}

func TestVolatilityAndVaR(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.ApplyTrade(openTrade(4000, 1), "s1")

	prices := []int64{4000, 4050, 3980, 4120, 4060, 3990}
	for _, p := range prices {
		m.MarkPrice("rb2501", decimal.NewFromInt(p))
	}

	vol := m.Volatility("rb2501")
	if vol <= 0 {
		t.Fatalf("volatility = %v, want > 0", vol)
	}
	if m.ValueAtRisk().Sign() <= 0 {
		t.Fatal("VaR should be positive with open exposure and volatility")
	}
}

func TestExposureBreachPublishesOnce(t *testing.T) {
	m, _, bus := newTestManager(t)
	m.SetExposureLimit(decimal.NewFromInt(10_000))
	m.ApplyTrade(openTrade(4000, 10), "s1") // 4000*10*10 = 400k notional

	m.checkBreach()
	m.checkBreach() // still breached, latched

	breaches := bus.byType(core.EventSystem)
	if len(breaches) != 1 {
		t.Fatalf("published %d breach events, want 1 (latched)", len(breaches))
	}
	if breaches[0].Payload["kind"] != "exposure_breach" {
		t.Fatalf("breach kind = %v", breaches[0].Payload["kind"])
	}
}

func TestClosePositionSendsOppositeOrder(t *testing.T) {
	m, _, _ := newTestManager(t)
	trader := &stubTrader{}
	m.SetTrader(trader)
	m.ApplyTrade(openTrade(4000, 3), "s1")

	if err := m.ClosePosition(context.Background(), "rb2501", core.PositionLong, CloseOptions{}); err != nil {
		t.Fatalf("close: %v", err)
	}

	reqs := trader.requests()
	if len(reqs) != 1 {
		t.Fatalf("sent %d orders, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Direction != core.DirectionSell || !req.Offset.Closing() {
		t.Fatalf("close order is %s/%s, want sell/close", req.Direction, req.Offset)
	}
	if !req.Volume.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("close volume = %s, want 3", req.Volume)
	}
	if req.Type != core.OrderTypeMarket {
		t.Fatalf("close order type = %s, want market", req.Type)
	}
}

func TestClosePositionPartialWithLimitPrice(t *testing.T) {
	m, _, _ := newTestManager(t)
	trader := &stubTrader{}
	m.SetTrader(trader)
	m.ApplyTrade(openTrade(4000, 5), "s1")

	err := m.ClosePosition(context.Background(), "rb2501", core.PositionLong, CloseOptions{
		Volume:     decimal.NewFromInt(2),
		Price:      decimal.NewFromInt(4010),
		StrategyID: "override",
	})
	if err != nil {
		t.Fatalf("partial close: %v", err)
	}

	reqs := trader.requests()
	if len(reqs) != 1 {
		t.Fatalf("sent %d orders, want 1", len(reqs))
	}
	req := reqs[0]
	if !req.Volume.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("close volume = %s, want 2", req.Volume)
	}
	if req.Type != core.OrderTypeLimit || !req.Price.Equal(decimal.NewFromInt(4010)) {
		t.Fatalf("close order %s@%s, want limit@4010", req.Type, req.Price)
	}

	// Requesting more than held caps at the held volume.
	err = m.ClosePosition(context.Background(), "rb2501", core.PositionLong, CloseOptions{
		Volume: decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("capped close: %v", err)
	}
	reqs = trader.requests()
	if !reqs[1].Volume.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("capped volume = %s, want 5", reqs[1].Volume)
	}
}

func TestSetRiskLimitClasses(t *testing.T) {
	m, broker, _ := newTestManager(t)
	m.ApplyTrade(openTrade(4000, 10), "s1") // 4000*10*10 = 400k notional

	if err := m.SetRiskLimit("margin_call", decimal.NewFromInt(1)); err == nil {
		t.Fatal("unknown limit name accepted")
	}

	if err := m.SetRiskLimit(LimitMaxSymbolVolume, decimal.NewFromInt(5)); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	if kinds := m.breaches(); len(kinds) != 1 || kinds[0] != "symbol_volume_breach" {
		t.Fatalf("breaches = %v, want symbol_volume_breach", kinds)
	}
	m.SetRiskLimit(LimitMaxSymbolVolume, decimal.Zero)

	m.SetRiskLimit(LimitPositionValue, decimal.NewFromInt(100_000))
	if kinds := m.breaches(); len(kinds) != 1 || kinds[0] != "position_value_breach" {
		t.Fatalf("breaches = %v, want position_value_breach", kinds)
	}
	m.SetRiskLimit(LimitPositionValue, decimal.Zero)

	// One position is 100% of gross; any concentration cap below 1 trips.
	m.SetRiskLimit(LimitConcentration, decimal.NewFromFloat(0.5))
	if kinds := m.breaches(); len(kinds) != 1 || kinds[0] != "concentration_breach" {
		t.Fatalf("breaches = %v, want concentration_breach", kinds)
	}
	m.SetRiskLimit(LimitConcentration, decimal.Zero)

	// 400k gross on a 100k balance is 4x leverage.
	broker.SetAccount(core.AccountSnapshot{Balance: decimal.NewFromInt(100_000)})
	m.SetRiskLimit(LimitLeverage, decimal.NewFromInt(3))
	if kinds := m.breaches(); len(kinds) != 1 || kinds[0] != "leverage_breach" {
		t.Fatalf("breaches = %v, want leverage_breach", kinds)
	}
	m.SetRiskLimit(LimitLeverage, decimal.NewFromInt(5))
	if kinds := m.breaches(); len(kinds) != 0 {
		t.Fatalf("breaches = %v, want none at 5x cap", kinds)
	}
}

func TestReduceAllFraction(t *testing.T) {
	m, _, _ := newTestManager(t)
	trader := &stubTrader{}
	m.SetTrader(trader)
	m.ApplyTrade(openTrade(4000, 10), "s1")

	if err := m.ReduceAll(context.Background(), decimal.NewFromFloat(0.5)); err != nil {
		t.Fatalf("reduce: %v", err)
	}
	reqs := trader.requests()
	if len(reqs) != 1 {
		t.Fatalf("sent %d orders, want 1", len(reqs))
	}
	if !reqs[0].Volume.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("reduce volume = %s, want 5", reqs[0].Volume)
	}

	if err := m.ReduceAll(context.Background(), decimal.NewFromInt(2)); err == nil {
		t.Fatal("fraction above 1 accepted")
	}
}

func TestCloseAllEmptyBook(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.SetTrader(&stubTrader{})
	if err := m.CloseAll(context.Background()); err != nil {
		t.Fatalf("CloseAll on empty book: %v", err)
	}
}
