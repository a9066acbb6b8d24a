package account

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
func (s *stubBus) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newTestManager(t *testing.T) (*Manager, *mock.Broker, *stubBus) {
	t.Helper()
	broker := mock.NewBroker("mock", logging.Nop())
	broker.Connect(context.Background())
	bus := &stubBus{}
	m := NewManager(broker, bus, logging.Nop())
	return m, broker, bus
}

func TestManager_RefreshCachesSnapshot(t *testing.T) {
	m, _, bus := newTestManager(t)

	if m.Snapshot() != nil {
		t.Fatal("snapshot should be nil before first refresh")
	}
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	snap := m.Snapshot()
	if snap == nil {
		t.Fatal("snapshot nil after refresh")
	}
	if !snap.Balance.Equal(decimal.NewFromInt(1_000_000)) {
		t.Fatalf("balance = %s, want 1000000", snap.Balance)
	}
	if bus.count() != 1 {
		t.Fatalf("published %d change events, want 1", bus.count())
	}
}

func TestManager_UnchangedSnapshotPublishesOnce(t *testing.T) {
	m, _, bus := newTestManager(t)

	m.Refresh(context.Background())
	m.Refresh(context.Background())

	if bus.count() != 1 {
		t.Fatalf("published %d change events for unchanged account, want 1", bus.count())
	}
}

func TestManager_CanOpenPosition(t *testing.T) {
	m, broker, _ := newTestManager(t)
	m.Refresh(context.Background())

	broker.SetSymbolInfo(&core.SymbolInfo{
		Symbol:      "rb2501",
		Multiplier:  decimal.NewFromInt(10),
		PriceTick:   decimal.NewFromInt(1),
		MarginRatio: decimal.NewFromFloat(0.1),
	})

	// 4000 * 10 lots * multiplier 10 * margin 10% = 40k, well within 1M.
	ok, err := m.CanOpenPosition(context.Background(), "rb2501",
		decimal.NewFromInt(4000), decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("CanOpenPosition: %v", err)
	}
	if !ok {
		t.Fatal("open rejected with ample margin")
	}

	// 4000 * 300 lots * 10 * 10% = 1.2M margin, above available.
	ok, err = m.CanOpenPosition(context.Background(), "rb2501",
		decimal.NewFromInt(4000), decimal.NewFromInt(300))
	if err != nil {
		t.Fatalf("CanOpenPosition: %v", err)
	}
	if ok {
		t.Fatal("open allowed beyond available margin")
	}
}

func TestManager_CanOpenPositionRejectsZeroVolume(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Refresh(context.Background())

	if _, err := m.CanOpenPosition(context.Background(), "rb2501",
		decimal.NewFromInt(4000), decimal.Zero); err == nil {
		t.Fatal("zero volume accepted")
	}
}

func TestManager_RefreshLoopPublishesOnChange(t *testing.T) {
	m, broker, bus := newTestManager(t)
	m.SetRefreshInterval(20 * time.Millisecond)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	broker.SetAccount(core.AccountSnapshot{
		AccountID: "mock-account",
		Balance:   decimal.NewFromInt(900_000),
		Available: decimal.NewFromInt(900_000),
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && bus.count() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	if bus.count() < 2 {
		t.Fatalf("published %d events, want balance change picked up by loop", bus.count())
	}
}
