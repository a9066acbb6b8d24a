package eventbus

import (
	"testing"

	"tradecore/internal/core"
)

func TestPatternMatches(t *testing.T) {
	cases := []struct {
		pattern string
		typ     core.EventType
		want    bool
	}{
		{"market.tick", core.EventMarketTick, true},
		{"market.tick", core.EventMarketBar, false},
		{"market.*", core.EventMarketTick, true},
		{"market.*", core.EventMarketDepth, true},
		{"market.*", core.EventOrderUpdate, false},
		{"market.*", "market", false},
		{"*", core.EventEmergency, true},
		{"order.*", core.EventOrderUpdate, true},
	}
	for _, c := range cases {
		if got := patternMatches(c.pattern, c.typ); got != c.want {
			t.Errorf("patternMatches(%q, %q) = %v, want %v", c.pattern, c.typ, got, c.want)
		}
	}
}

func TestRouter_AddIsIdempotent(t *testing.T) {
	r := newRouter()
	h := func(ev *core.Event) error { return nil }

	r.add("market.*", h, core.HandlerIO)
	r.add("market.*", h, core.HandlerIO)

	if got := len(r.match(core.EventMarketTick)); got != 1 {
		t.Fatalf("matched %d subscriptions after duplicate add, want 1", got)
	}
}

func TestRouter_Remove(t *testing.T) {
	r := newRouter()
	h1 := func(ev *core.Event) error { return nil }
	h2 := func(ev *core.Event) error { return nil }

	r.add("order.update", h1, core.HandlerIO)
	r.add("order.update", h2, core.HandlerCPU)
	r.remove("order.update", h1)

	subs := r.match(core.EventOrderUpdate)
	if len(subs) != 1 {
		t.Fatalf("matched %d subscriptions after remove, want 1", len(subs))
	}
	if subs[0].kind != core.HandlerCPU {
		t.Fatal("wrong subscription removed")
	}

	// Removing an unknown pair is a no-op.
	r.remove("order.update", h1)
	if got := len(r.match(core.EventOrderUpdate)); got != 1 {
		t.Fatalf("matched %d subscriptions, want 1", got)
	}
}
