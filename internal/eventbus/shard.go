package eventbus

import (
	"hash/fnv"
	"sync"

	"tradecore/internal/core"
)

// Drop reasons recorded in stats and on the dropped counter.
const (
	DropQueueFull   = "queue-full"
	DropBreakerOpen = "breaker-open"
	DropValidation  = "validation"
	DropFiltered    = "filtered"
	DropStopped     = "stopped"
)

// shard is one of N independent queue pairs. Urgent (priority <= 5) drains
// strictly before normal; within a queue order is FIFO by arrival.
type shard struct {
	mu     sync.Mutex
	urgent []*core.Event
	normal []*core.Event

	highWater   int
	hardCeiling int

	// notify wakes the shard's dispatch loop; capacity 1 so enqueues never
	// block on it.
	notify chan struct{}
}

func newShard(highWater, hardCeiling int) *shard {
	return &shard{
		highWater:   highWater,
		hardCeiling: hardCeiling,
		notify:      make(chan struct{}, 1),
	}
}

// shardIndex maps a trace id (or the event id when no trace is set) to a
// shard, keeping trace-related events totally ordered.
func shardIndex(ev *core.Event, n int) int {
	key := ev.TraceID
	if key == "" {
		key = ev.ID
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// enqueue admits the event or returns a drop reason. Non-urgent events are
// dropped above the high-water mark; urgent events above the hard ceiling.
func (s *shard) enqueue(ev *core.Event) (ok bool, reason string) {
	s.mu.Lock()
	depth := len(s.urgent) + len(s.normal)
	if ev.Urgent() {
		if depth >= s.hardCeiling {
			s.mu.Unlock()
			return false, DropQueueFull
		}
		s.urgent = append(s.urgent, ev)
	} else {
		if depth >= s.highWater {
			s.mu.Unlock()
			return false, DropQueueFull
		}
		s.normal = append(s.normal, ev)
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true, ""
}

// drain pops up to max events, urgent first.
func (s *shard) drain(max int, buf []*core.Event) []*core.Event {
	buf = buf[:0]

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(buf) < max && len(s.urgent) > 0 {
		buf = append(buf, s.urgent[0])
		s.urgent = s.urgent[1:]
	}
	for len(buf) < max && len(s.normal) > 0 {
		buf = append(buf, s.normal[0])
		s.normal = s.normal[1:]
	}
	return buf
}

func (s *shard) depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.urgent) + len(s.normal)
}
