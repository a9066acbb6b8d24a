package eventbus

import (
	"testing"

	"tradecore/internal/core"
)

func normalEvent(id string) *core.Event {
	return &core.Event{ID: id, Type: core.EventMarketTick, Priority: 7}
}

func urgentEvent(id string) *core.Event {
	return &core.Event{ID: id, Type: core.EventOrderUpdate, Priority: 1}
}

func TestShard_CapacityBoundary(t *testing.T) {
	s := newShard(3, 5)

	for i := 0; i < 3; i++ {
		if ok, _ := s.enqueue(normalEvent("n")); !ok {
			t.Fatalf("normal event %d rejected below high water", i)
		}
	}
	if ok, reason := s.enqueue(normalEvent("n")); ok || reason != DropQueueFull {
		t.Fatalf("normal event at high water: ok=%v reason=%q, want drop %q", ok, reason, DropQueueFull)
	}

	// Urgent events are still admitted between high water and the ceiling.
	for i := 0; i < 2; i++ {
		if ok, _ := s.enqueue(urgentEvent("u")); !ok {
			t.Fatalf("urgent event %d rejected below hard ceiling", i)
		}
	}
	if ok, reason := s.enqueue(urgentEvent("u")); ok || reason != DropQueueFull {
		t.Fatalf("urgent event at ceiling: ok=%v reason=%q, want drop %q", ok, reason, DropQueueFull)
	}

	if got := s.depth(); got != 5 {
		t.Fatalf("depth = %d, want 5", got)
	}
}

func TestShard_DrainUrgentFirstFIFO(t *testing.T) {
	s := newShard(100, 200)

	s.enqueue(normalEvent("n1"))
	s.enqueue(urgentEvent("u1"))
	s.enqueue(normalEvent("n2"))
	s.enqueue(urgentEvent("u2"))

	buf := s.drain(10, nil)
	want := []string{"u1", "u2", "n1", "n2"}
	if len(buf) != len(want) {
		t.Fatalf("drained %d events, want %d", len(buf), len(want))
	}
	for i, ev := range buf {
		if ev.ID != want[i] {
			t.Errorf("drain[%d] = %q, want %q", i, ev.ID, want[i])
		}
	}
}

func TestShard_DrainRespectsBatchSize(t *testing.T) {
	s := newShard(100, 200)
	for i := 0; i < 5; i++ {
		s.enqueue(normalEvent("n"))
	}

	if got := len(s.drain(2, nil)); got != 2 {
		t.Fatalf("first drain = %d events, want 2", got)
	}
	if got := s.depth(); got != 3 {
		t.Fatalf("depth after partial drain = %d, want 3", got)
	}
}

func TestShardIndex_StableByTrace(t *testing.T) {
	a := &core.Event{ID: "x", TraceID: "trace-1"}
	b := &core.Event{ID: "y", TraceID: "trace-1"}
	if shardIndex(a, 8) != shardIndex(b, 8) {
		t.Fatal("events with the same trace id landed on different shards")
	}

	c := &core.Event{ID: "z"}
	if idx := shardIndex(c, 8); idx < 0 || idx > 7 {
		t.Fatalf("shard index %d out of range", idx)
	}
}
