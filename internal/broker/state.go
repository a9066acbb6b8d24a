// Package broker holds the pieces shared by broker adapters: the connection
// state machine, reconnect backoff and the websocket quote stream. Adapters
// for concrete brokers embed StateTracker and plug the stream in for market
// data.
package broker

import (
	"fmt"
	"sync"
	"time"

	"tradecore/internal/core"
)

// StateTracker is the connection state machine every adapter carries. It
// serializes transitions, notifies listeners and lets callers block until a
// target state is reached.
type StateTracker struct {
	mu        sync.Mutex
	state     core.ConnState
	changed   chan struct{}
	listeners []core.ConnStateListener
	logger    core.ILogger
}

// NewStateTracker starts in the disconnected state.
func NewStateTracker(logger core.ILogger) *StateTracker {
	return &StateTracker{
		state:   core.ConnDisconnected,
		changed: make(chan struct{}),
		logger:  logger,
	}
}

// State returns the current connection state.
func (t *StateTracker) State() core.ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Set transitions to the new state. Setting the current state is a no-op so
// listeners never see self-transitions. Listeners run synchronously on the
// caller's goroutine, so every listener observes transitions in the order
// they happened.
func (t *StateTracker) Set(state core.ConnState) {
	t.mu.Lock()
	if t.state == state {
		t.mu.Unlock()
		return
	}
	old := t.state
	t.state = state
	close(t.changed)
	t.changed = make(chan struct{})
	listeners := make([]core.ConnStateListener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	if t.logger != nil {
		t.logger.Info("Connection state changed", "from", old, "to", state)
	}
	for _, l := range listeners {
		l(old, state)
	}
}

// AddListener registers a transition listener. Listeners are invoked in order
// on the goroutine that calls Set and must not block.
func (t *StateTracker) AddListener(l core.ConnStateListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// WaitFor blocks until the tracker reaches the target state or the timeout
// elapses.
func (t *StateTracker) WaitFor(target core.ConnState, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		t.mu.Lock()
		if t.state == target {
			t.mu.Unlock()
			return nil
		}
		ch := t.changed
		current := t.state
		t.mu.Unlock()

		select {
		case <-ch:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for state %s (current %s)", target, current)
		}
	}
}
