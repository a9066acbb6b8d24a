package risk

import (
	"context"
	"fmt"
)

// Metrics a FixedThresholdRule can bound.
const (
	MetricOrderVolume   = "order_volume"
	MetricOrderNotional = "order_notional"
	MetricPositionCount = "position_count"
	MetricGrossExposure = "gross_exposure"
	MetricDailyLoss     = "daily_loss"
)

func init() {
	RegisterRuleType("fixed_threshold", func(cfg RuleConfig) (Rule, error) {
		return newFixedThresholdRule(cfg)
	})
}

// FixedThresholdRule rejects when a metric exceeds a static maximum.
type FixedThresholdRule struct {
	meta   RuleMeta
	metric string
	max    float64
}

func newFixedThresholdRule(cfg RuleConfig) (*FixedThresholdRule, error) {
	if cfg.Max <= 0 {
		return nil, fmt.Errorf("rule %s: max must be positive", cfg.ID)
	}
	switch cfg.Metric {
	case MetricOrderVolume, MetricOrderNotional, MetricPositionCount,
		MetricGrossExposure, MetricDailyLoss:
	default:
		return nil, fmt.Errorf("rule %s: unknown metric %q", cfg.ID, cfg.Metric)
	}
	return &FixedThresholdRule{
		meta:   cfg.meta(),
		metric: cfg.Metric,
		max:    cfg.Max,
	}, nil
}

func (r *FixedThresholdRule) Meta() RuleMeta { return r.meta }

func (r *FixedThresholdRule) Check(_ context.Context, cc *CheckContext) Result {
	value := metricValue(r.metric, cc)
	if value > r.max {
		return reject(r.meta.ID, "%s %.4f exceeds limit %.4f", r.metric, value, r.max)
	}
	return allow(r.meta.ID)
}

func metricValue(metric string, cc *CheckContext) float64 {
	switch metric {
	case MetricOrderVolume:
		return cc.Request.Volume.InexactFloat64()
	case MetricOrderNotional:
		return cc.Request.Price.Mul(cc.Request.Volume).InexactFloat64()
	case MetricPositionCount:
		return float64(len(cc.Positions))
	case MetricGrossExposure:
		total := 0.0
		for _, p := range cc.Positions {
			total += p.LastPrice.Mul(p.Volume).Abs().InexactFloat64()
		}
		return total
	case MetricDailyLoss:
		// Losses are positive for comparison against the limit.
		return -cc.DailyPnL.InexactFloat64()
	}
	return 0
}
