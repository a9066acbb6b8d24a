package risk

import (
	"context"
	"time"

	"tradecore/pkg/breaker"
)

func init() {
	RegisterRuleType("circuit_breaker", func(cfg RuleConfig) (Rule, error) {
		return newCircuitBreakerRule(cfg), nil
	})
}

// CircuitBreakerRule rejects while its breaker is open. The manager feeds the
// breaker: every rejection by any other rule counts as a failure fingerprinted
// by strategy, so a strategy hammering the risk layer gets locked out until
// the recovery window passes.
type CircuitBreakerRule struct {
	meta RuleMeta
	brk  *breaker.Breaker
}

func newCircuitBreakerRule(cfg RuleConfig) *CircuitBreakerRule {
	recovery := cfg.RecoveryTime
	if recovery <= 0 {
		recovery = 5 * time.Minute
	}
	return &CircuitBreakerRule{
		meta: cfg.meta(),
		brk: breaker.New(breaker.Config{
			Threshold:        cfg.Threshold,
			RecoveryTime:     recovery,
			SuccessesToClose: 1,
			HalfOpenProbes:   1,
		}),
	}
}

func (r *CircuitBreakerRule) Meta() RuleMeta { return r.meta }

// Breaker exposes the underlying breaker so the manager can record outcomes.
func (r *CircuitBreakerRule) Breaker() *breaker.Breaker { return r.brk }

func (r *CircuitBreakerRule) Check(_ context.Context, cc *CheckContext) Result {
	if !r.brk.Allow() {
		return reject(r.meta.ID, "circuit breaker open (failures %d)",
			r.brk.ConsecutiveFailures())
	}
	return allow(r.meta.ID)
}
