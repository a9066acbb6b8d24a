package broker

import (
	"sync"
	"testing"
	"time"

	"tradecore/internal/core"
	"tradecore/pkg/logging"
)

func TestStateTracker_TransitionsAndListeners(t *testing.T) {
	tr := NewStateTracker(logging.Nop())
	if got := tr.State(); got != core.ConnDisconnected {
		t.Fatalf("initial state = %s, want disconnected", got)
	}

	var mu sync.Mutex
	var transitions [][2]core.ConnState
	tr.AddListener(func(old, new core.ConnState) {
		mu.Lock()
		transitions = append(transitions, [2]core.ConnState{old, new})
		mu.Unlock()
	})

	tr.Set(core.ConnConnecting)
	tr.Set(core.ConnConnecting) // self-transition, listeners must not fire
	tr.Set(core.ConnConnected)

	// Delivery is synchronous: by the time Set returns the listener has run,
	// and transitions arrive in the order they happened.
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 {
		t.Fatalf("saw %d transitions, want 2", len(transitions))
	}
	if transitions[0] != [2]core.ConnState{core.ConnDisconnected, core.ConnConnecting} {
		t.Fatalf("first transition = %v", transitions[0])
	}
	if transitions[1] != [2]core.ConnState{core.ConnConnecting, core.ConnConnected} {
		t.Fatalf("second transition = %v", transitions[1])
	}
}

func TestStateTracker_ListenersObserveOrderedSequence(t *testing.T) {
	tr := NewStateTracker(logging.Nop())

	var mu sync.Mutex
	var seen []core.ConnState
	tr.AddListener(func(_, new core.ConnState) {
		mu.Lock()
		seen = append(seen, new)
		mu.Unlock()
	})

	sequence := []core.ConnState{
		core.ConnConnecting, core.ConnConnected,
		core.ConnReconnecting, core.ConnConnected,
		core.ConnDisconnected,
	}
	for _, s := range sequence {
		tr.Set(s)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(sequence) {
		t.Fatalf("saw %d transitions, want %d", len(seen), len(sequence))
	}
	for i, s := range sequence {
		if seen[i] != s {
			t.Fatalf("transition %d = %s, want %s", i, seen[i], s)
		}
	}
}

func TestStateTracker_WaitFor(t *testing.T) {
	tr := NewStateTracker(logging.Nop())

	go func() {
		time.Sleep(20 * time.Millisecond)
		tr.Set(core.ConnConnected)
	}()

	if err := tr.WaitFor(core.ConnConnected, time.Second); err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
}

func TestStateTracker_WaitForTimeout(t *testing.T) {
	tr := NewStateTracker(logging.Nop())
	if err := tr.WaitFor(core.ConnConnected, 30*time.Millisecond); err == nil {
		t.Fatal("WaitFor returned nil, want timeout error")
	}
}

func TestReconnectBackoff_CapAndReset(t *testing.T) {
	b := newReconnectBackoff(time.Second, 4*time.Second)

	prev := time.Duration(0)
	for i := 0; i < 5; i++ {
		d := b.delay()
		if d < prev && b.next != b.max {
			t.Fatalf("delay %d shrank before hitting the cap: %v < %v", i, d, prev)
		}
		// Jitter is at most 25% above the base.
		if d > 5*time.Second {
			t.Fatalf("delay %v exceeds cap plus jitter", d)
		}
		prev = d
	}

	b.reset()
	if d := b.delay(); d > 1250*time.Millisecond {
		t.Fatalf("delay after reset = %v, want near initial", d)
	}
}
