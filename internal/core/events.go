package core

import (
	"time"
)

// EventType identifies the kind of event flowing through the bus. Dotted names
// allow prefix patterns like "market.*" in subscriptions.
type EventType string

const (
	EventMarketTick     EventType = "market.tick"
	EventMarketBar      EventType = "market.bar"
	EventMarketDepth    EventType = "market.depth"
	EventOrderUpdate    EventType = "order.update"
	EventTradeFill      EventType = "trade.fill"
	EventPositionChange EventType = "position.change"
	EventAccountChange  EventType = "account.change"
	EventStrategySignal EventType = "strategy.signal"
	EventSystem         EventType = "system"
	EventError          EventType = "error"
	EventEmergency      EventType = "emergency"
	EventCustom         EventType = "custom"
)

// Priority bounds. Events with priority <= PriorityUrgentMax drain before any
// normal event on the same shard.
const (
	PriorityHighest   = 0
	PriorityUrgentMax = 5
	PriorityLowest    = 9
	PriorityDefault   = 5
)

// Event is a single message on the bus. It is immutable after publication:
// handlers receive it for the duration of the callback only and must not retain
// a reference, because the bus returns events to a pool once dispatch finishes.
type Event struct {
	ID        string
	Type      EventType
	Payload   map[string]interface{}
	Source    string
	Priority  int
	Timestamp time.Time
	TraceID   string
}

// Urgent reports whether the event belongs to the urgent queue.
func (e *Event) Urgent() bool {
	return e.Priority <= PriorityUrgentMax
}

// Reset clears the event for reuse by the pool.
func (e *Event) Reset() {
	e.ID = ""
	e.Type = ""
	e.Source = ""
	e.Priority = PriorityDefault
	e.Timestamp = time.Time{}
	e.TraceID = ""
	for k := range e.Payload {
		delete(e.Payload, k)
	}
}

// Clone returns a deep copy of the event with a fresh payload map. Used by the
// coalescing proxy and anywhere an event must outlive handler dispatch.
func (e *Event) Clone() *Event {
	cp := &Event{
		ID:        e.ID,
		Type:      e.Type,
		Source:    e.Source,
		Priority:  e.Priority,
		Timestamp: e.Timestamp,
		TraceID:   e.TraceID,
		Payload:   make(map[string]interface{}, len(e.Payload)),
	}
	for k, v := range e.Payload {
		cp.Payload[k] = v
	}
	return cp
}

// EventHandler consumes a dispatched event. Returned errors are logged and
// surfaced on the error bus; they never stall the pipeline.
type EventHandler func(ev *Event) error

// HandlerKind tells the dispatcher which worker pool a handler runs on.
type HandlerKind int

const (
	HandlerIO HandlerKind = iota
	HandlerCPU
)
