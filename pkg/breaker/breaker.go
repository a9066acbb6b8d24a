// Package breaker implements a three-state circuit breaker shared by the
// event bus publication gate and the risk manager's breaker rule.
package breaker

import (
	"sync"
	"time"
)

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config for a breaker.
type Config struct {
	Threshold        int           // consecutive failures to trip
	RecoveryTime     time.Duration // open -> half-open delay
	SuccessesToClose int           // successful probes in half-open to close
	HalfOpenProbes   int           // probes admitted while half-open
}

// Breaker counts consecutive failures of a single fingerprint; a failure with
// a different fingerprint restarts the count. Open admits nothing until the
// recovery deadline, then half-open admits a limited number of probes. One
// failed probe reopens; the configured number of successes closes.
type Breaker struct {
	mu sync.Mutex

	cfg   Config
	state State

	consecutiveFailures int
	lastFingerprint     string
	lastFailure         time.Time
	recoveryDeadline    time.Time

	probesInFlight    int
	halfOpenSuccesses int

	onStateChange func(State)
	now           func() time.Time
}

// New creates a breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.RecoveryTime <= 0 {
		cfg.RecoveryTime = 30 * time.Second
	}
	if cfg.SuccessesToClose <= 0 {
		cfg.SuccessesToClose = 1
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &Breaker{cfg: cfg, state: StateClosed, now: time.Now}
}

// OnStateChange registers a callback invoked (under the breaker lock) on every
// transition. Keep it cheap.
func (b *Breaker) OnStateChange(fn func(State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Allow reports whether a request may proceed, accounting for the recovery
// deadline and half-open probe budget.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Before(b.recoveryDeadline) {
			return false
		}
		b.transition(StateHalfOpen)
		b.probesInFlight = 1
		b.halfOpenSuccesses = 0
		return true
	case StateHalfOpen:
		if b.probesInFlight >= b.cfg.HalfOpenProbes {
			return false
		}
		b.probesInFlight++
		return true
	}
	return false
}

// RecordFailure notes a failure for the given fingerprint. Consecutive
// failures of the same fingerprint trip the breaker at the threshold; in
// half-open any failure reopens immediately.
func (b *Breaker) RecordFailure(fingerprint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastFailure = now

	if b.state == StateHalfOpen {
		b.trip(now)
		return
	}

	if fingerprint == b.lastFingerprint {
		b.consecutiveFailures++
	} else {
		b.lastFingerprint = fingerprint
		b.consecutiveFailures = 1
	}

	if b.state == StateClosed && b.consecutiveFailures >= b.cfg.Threshold {
		b.trip(now)
	}
}

// RecordSuccess notes a success. In half-open it counts toward closing; in
// closed it resets the consecutive-failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
		b.lastFingerprint = ""
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessesToClose {
			b.consecutiveFailures = 0
			b.lastFingerprint = ""
			b.transition(StateClosed)
		}
	}
}

// State returns the current state, promoting open to half-open once the
// recovery deadline has passed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.now().Before(b.recoveryDeadline) {
		return StateHalfOpen
	}
	return b.state
}

// ConsecutiveFailures returns the current failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.lastFingerprint = ""
	b.probesInFlight = 0
	b.halfOpenSuccesses = 0
	b.transition(StateClosed)
}

func (b *Breaker) trip(now time.Time) {
	b.recoveryDeadline = now.Add(b.cfg.RecoveryTime)
	b.probesInFlight = 0
	b.halfOpenSuccesses = 0
	b.transition(StateOpen)
}

func (b *Breaker) transition(s State) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onStateChange != nil {
		b.onStateChange(s)
	}
}
