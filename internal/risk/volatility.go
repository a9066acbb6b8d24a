package risk

import (
	"context"
	"sync"
	"time"
)

const (
	defaultVolLookback = 20
	defaultVolRefresh  = time.Hour
	// volScale maps return volatility onto a limit adjustment; at 1% vol the
	// limit halves (or doubles when inverted).
	volScale = 100.0
)

func init() {
	RegisterRuleType("volatility_adjusted", func(cfg RuleConfig) (Rule, error) {
		return newVolatilityAdjustedRule(cfg)
	})
}

// VolatilityAdjustedRule bounds a metric by a limit that tightens as the
// symbol's volatility rises. With Inverse set the limit widens instead, for
// strategies that are sized up in volatile regimes. The adjustment factor is
// refreshed at most once per refresh interval.
type VolatilityAdjustedRule struct {
	meta    RuleMeta
	metric  string
	baseMax float64
	inverse bool
	refresh time.Duration

	mu          sync.Mutex
	factor      float64
	lastRefresh time.Time
	now         func() time.Time
}

func newVolatilityAdjustedRule(cfg RuleConfig) (*VolatilityAdjustedRule, error) {
	base, err := newFixedThresholdRule(cfg)
	if err != nil {
		return nil, err
	}
	refresh := cfg.RefreshEach
	if refresh <= 0 {
		refresh = defaultVolRefresh
	}
	return &VolatilityAdjustedRule{
		meta:    cfg.meta(),
		metric:  base.metric,
		baseMax: cfg.Max,
		inverse: cfg.Inverse,
		refresh: refresh,
		factor:  1,
		now:     time.Now,
	}, nil
}

func (r *VolatilityAdjustedRule) Meta() RuleMeta { return r.meta }

func (r *VolatilityAdjustedRule) Check(_ context.Context, cc *CheckContext) Result {
	limit := r.baseMax * r.currentFactor(cc.Volatility)
	value := metricValue(r.metric, cc)
	if value > limit {
		return reject(r.meta.ID,
			"%s %.4f exceeds volatility-adjusted limit %.4f (base %.4f)",
			r.metric, value, limit, r.baseMax)
	}
	return allow(r.meta.ID)
}

func (r *VolatilityAdjustedRule) currentFactor(vol float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.now().Sub(r.lastRefresh) < r.refresh {
		return r.factor
	}
	r.lastRefresh = r.now()

	adj := 1 + volScale*vol
	if r.inverse {
		r.factor = adj
	} else {
		r.factor = 1 / adj
	}
	return r.factor
}
