package eventbus

import (
	"sync"

	"tradecore/internal/core"
	"tradecore/pkg/telemetry"
)

// defaultPoolCap bounds the free list per event type.
const defaultPoolCap = 10000

// eventPool keeps per-type free lists so high-frequency producers reuse event
// objects instead of allocating. Each type has its own lock.
type eventPool struct {
	mu    sync.RWMutex
	cap   int
	lists map[core.EventType]*typeList
}

type typeList struct {
	mu   sync.Mutex
	free []*core.Event
}

func newEventPool(capPerType int) *eventPool {
	if capPerType <= 0 {
		capPerType = defaultPoolCap
	}
	return &eventPool{
		cap:   capPerType,
		lists: make(map[core.EventType]*typeList),
	}
}

func (p *eventPool) list(t core.EventType) *typeList {
	p.mu.RLock()
	l, ok := p.lists[t]
	p.mu.RUnlock()
	if ok {
		return l
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok = p.lists[t]; ok {
		return l
	}
	l = &typeList{}
	p.lists[t] = l
	return l
}

// Acquire returns a reset event of the given type, reusing a pooled object
// when one is available.
func (p *eventPool) Acquire(t core.EventType) *core.Event {
	l := p.list(t)

	l.mu.Lock()
	n := len(l.free)
	if n == 0 {
		l.mu.Unlock()
		return &core.Event{
			Type:     t,
			Priority: core.PriorityDefault,
			Payload:  make(map[string]interface{}, 8),
		}
	}
	ev := l.free[n-1]
	l.free = l.free[:n-1]
	l.mu.Unlock()

	ev.Type = t
	ev.Priority = core.PriorityDefault
	return ev
}

// Release resets the event and returns it to its type's free list. Events
// beyond the per-type cap are dropped for the garbage collector.
func (p *eventPool) Release(ev *core.Event) {
	if ev == nil {
		return
	}
	t := ev.Type
	ev.Reset()

	l := p.list(t)
	l.mu.Lock()
	if len(l.free) < p.cap {
		l.free = append(l.free, ev)
	}
	size := len(l.free)
	l.mu.Unlock()

	if m := telemetry.GetGlobalMetrics(); m.Ready() {
		m.SetPoolSize(string(t), int64(size))
	}
}

// Size returns the pooled count for one type.
func (p *eventPool) Size(t core.EventType) int {
	l := p.list(t)
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.free)
}
