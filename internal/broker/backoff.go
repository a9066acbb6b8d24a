package broker

import (
	"math/rand"
	"time"
)

// reconnectBackoff produces capped exponential delays with jitter for the
// stream reconnect loop. Reset after a healthy connection so a later outage
// starts from the floor again.
type reconnectBackoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

func newReconnectBackoff(initial, max time.Duration) *reconnectBackoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return &reconnectBackoff{initial: initial, max: max, next: initial}
}

func (b *reconnectBackoff) delay() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	// Up to 25% jitter so reconnect storms spread out.
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

func (b *reconnectBackoff) reset() {
	b.next = b.initial
}
