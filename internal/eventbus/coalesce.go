package eventbus

import (
	"sync"
	"time"

	"tradecore/internal/core"
)

// defaultCoalesceWindow is how long a market data event waits for successors
// to merge into it before being published.
const defaultCoalesceWindow = 50 * time.Millisecond

// Coalescer sits in front of the bus for high-frequency market data. Tick and
// bar events for the same (type, symbol) arriving inside one window merge into
// a single event: price fields take the latest value, volume and turnover sum,
// bar high/low extend. Everything else passes straight through.
type Coalescer struct {
	bus    core.IEventBus
	window time.Duration
	logger core.ILogger

	mu      sync.Mutex
	pending map[string]*core.Event
	timers  map[string]*time.Timer
	closed  bool
}

// NewCoalescer wraps a bus. A window <= 0 takes the default.
func NewCoalescer(bus core.IEventBus, window time.Duration, logger core.ILogger) *Coalescer {
	if window <= 0 {
		window = defaultCoalesceWindow
	}
	return &Coalescer{
		bus:     bus,
		window:  window,
		logger:  logger.WithField("component", "coalescer"),
		pending: make(map[string]*core.Event),
		timers:  make(map[string]*time.Timer),
	}
}

// Publish merges coalescable events into the current window for their key and
// forwards everything else unchanged. Merged events report true immediately;
// the actual publish happens when the window closes.
func (c *Coalescer) Publish(ev *core.Event) bool {
	if ev == nil {
		return false
	}
	symbol, ok := ev.Payload["symbol"].(string)
	if !ok || !coalescable(ev.Type) {
		return c.bus.Publish(ev)
	}

	key := string(ev.Type) + "|" + symbol

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.bus.Publish(ev)
	}
	cur, found := c.pending[key]
	if !found {
		c.pending[key] = ev.Clone()
		c.timers[key] = time.AfterFunc(c.window, func() { c.flush(key) })
		c.mu.Unlock()
		return true
	}
	mergeInto(cur, ev)
	c.mu.Unlock()
	return true
}

// Stop flushes every open window and stops accepting merges; subsequent
// publishes pass through.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	c.closed = true
	for key, t := range c.timers {
		t.Stop()
		delete(c.timers, key)
	}
	drained := make([]*core.Event, 0, len(c.pending))
	for key, ev := range c.pending {
		drained = append(drained, ev)
		delete(c.pending, key)
	}
	c.mu.Unlock()

	for _, ev := range drained {
		c.bus.Publish(ev)
	}
}

func (c *Coalescer) flush(key string) {
	c.mu.Lock()
	ev, ok := c.pending[key]
	delete(c.pending, key)
	delete(c.timers, key)
	c.mu.Unlock()
	if !ok {
		return
	}
	if !c.bus.Publish(ev) {
		c.logger.Warn("Coalesced event dropped on flush",
			"type", ev.Type, "key", key)
	}
}

func coalescable(t core.EventType) bool {
	return t == core.EventMarketTick || t == core.EventMarketBar
}

// mergeInto folds next into cur. Both events have the same type and symbol.
func mergeInto(cur, next *core.Event) {
	cur.ID = next.ID
	cur.Timestamp = next.Timestamp
	if next.Priority < cur.Priority {
		cur.Priority = next.Priority
	}

	switch cur.Type {
	case core.EventMarketTick:
		replaceKeys(cur, next, "price", "bid", "ask", "bid_volume", "ask_volume")
		sumKeys(cur, next, "volume", "turnover")
	case core.EventMarketBar:
		replaceKeys(cur, next, "close")
		sumKeys(cur, next, "volume", "turnover")
		if h, ok := floatKey(next, "high"); ok {
			if ch, ok2 := floatKey(cur, "high"); !ok2 || h > ch {
				cur.Payload["high"] = h
			}
		}
		if l, ok := floatKey(next, "low"); ok {
			if cl, ok2 := floatKey(cur, "low"); !ok2 || l < cl {
				cur.Payload["low"] = l
			}
		}
	}
}

func replaceKeys(cur, next *core.Event, keys ...string) {
	for _, k := range keys {
		if v, ok := next.Payload[k]; ok {
			cur.Payload[k] = v
		}
	}
}

func sumKeys(cur, next *core.Event, keys ...string) {
	for _, k := range keys {
		nv, ok := floatKey(next, k)
		if !ok {
			continue
		}
		cv, _ := floatKey(cur, k)
		cur.Payload[k] = cv + nv
	}
}

func floatKey(ev *core.Event, key string) (float64, bool) {
	switch v := ev.Payload[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
