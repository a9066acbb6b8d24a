// Package account caches the broker account snapshot and answers margin
// questions for the order path. The broker stays authoritative; the cache is
// refreshed on a timer and on demand.
package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradecore/internal/core"

	"github.com/shopspring/decimal"
)

// defaultRefreshInterval is how often the cache is refreshed from the broker.
const defaultRefreshInterval = 10 * time.Second

// ChangeListener observes account snapshot updates.
type ChangeListener func(snap *core.AccountSnapshot)

// Manager owns the cached account snapshot.
type Manager struct {
	broker core.IBroker
	bus    core.IEventBus
	logger core.ILogger

	refreshInterval time.Duration
	marginBuffer    decimal.Decimal // fraction of available kept in reserve

	mu        sync.RWMutex
	snapshot  *core.AccountSnapshot
	listeners []ChangeListener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager with an empty cache.
func NewManager(broker core.IBroker, bus core.IEventBus, logger core.ILogger) *Manager {
	return &Manager{
		broker:          broker,
		bus:             bus,
		logger:          logger.WithField("component", "account_manager"),
		refreshInterval: defaultRefreshInterval,
		marginBuffer:    decimal.NewFromFloat(0.05),
	}
}

// SetRefreshInterval overrides the refresh cadence. Call before Start.
func (m *Manager) SetRefreshInterval(d time.Duration) {
	if d > 0 {
		m.refreshInterval = d
	}
}

// Start primes the cache and launches the refresh loop.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.Refresh(ctx); err != nil {
		return fmt.Errorf("prime account cache: %w", err)
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.refreshLoop()

	m.logger.Info("Account manager started", "refresh_interval", m.refreshInterval)
	return nil
}

// Stop halts the refresh loop.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
	}
}

// Snapshot returns a copy of the cached account state, or nil before the
// first refresh.
func (m *Manager) Snapshot() *core.AccountSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshot == nil {
		return nil
	}
	cp := *m.snapshot
	return &cp
}

// AddListener registers a snapshot listener.
func (m *Manager) AddListener(l ChangeListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Refresh pulls a fresh snapshot from the broker and publishes a change event
// when anything moved.
func (m *Manager) Refresh(ctx context.Context) error {
	snap, err := m.broker.GetAccountInfo(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	prev := m.snapshot
	m.snapshot = snap
	listeners := make([]ChangeListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if prev != nil && prev.Balance.Equal(snap.Balance) &&
		prev.Available.Equal(snap.Available) && prev.Margin.Equal(snap.Margin) {
		return nil
	}

	for _, l := range listeners {
		cp := *snap
		go l(&cp)
	}
	m.publishChange(snap)
	return nil
}

// CanOpenPosition checks whether available funds cover the margin for a new
// position of the given size, keeping the configured buffer in reserve.
func (m *Manager) CanOpenPosition(ctx context.Context, symbol string, price, volume decimal.Decimal) (bool, error) {
	if volume.Sign() <= 0 {
		return false, fmt.Errorf("volume must be positive")
	}

	snap := m.Snapshot()
	if snap == nil {
		return false, fmt.Errorf("account snapshot not yet loaded")
	}

	info, err := m.broker.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return false, fmt.Errorf("symbol info for %s: %w", symbol, err)
	}

	required := price.Mul(volume).Mul(info.Multiplier).Mul(info.MarginRatio)
	usable := snap.Available.Mul(decimal.NewFromInt(1).Sub(m.marginBuffer))
	if required.GreaterThan(usable) {
		m.logger.Warn("Insufficient margin for open",
			"symbol", symbol,
			"required", required.String(),
			"usable", usable.String())
		return false, nil
	}
	return true, nil
}

func (m *Manager) refreshLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.Refresh(m.ctx); err != nil {
				m.logger.Warn("Account refresh failed", "error", err)
			}
		}
	}
}

func (m *Manager) publishChange(snap *core.AccountSnapshot) {
	ev := m.bus.Acquire(core.EventAccountChange)
	ev.Source = "account_manager"
	ev.Priority = 4
	ev.Payload["account_id"] = snap.AccountID
	ev.Payload["balance"] = snap.Balance.InexactFloat64()
	ev.Payload["available"] = snap.Available.InexactFloat64()
	ev.Payload["margin"] = snap.Margin.InexactFloat64()
	ev.Payload["risk_ratio"] = snap.RiskRatio.InexactFloat64()
	ev.Payload["snapshot"] = snap
	if !m.bus.Publish(ev) {
		m.logger.Debug("Account change event dropped")
	}
}
