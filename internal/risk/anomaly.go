package risk

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"time"
)

func init() {
	RegisterRuleType("anomaly", func(cfg RuleConfig) (Rule, error) {
		return newAnomalyRule(cfg)
	})
}

// anomalyModel is a logistic model over account-relative order features,
// loaded from a JSON weight file produced offline.
type anomalyModel struct {
	Bias         float64 `json:"bias"`
	WOrderRatio  float64 `json:"w_order_ratio"`  // order notional over balance
	WMarginRatio float64 `json:"w_margin_ratio"` // margin over balance
	WTimeOfDay   float64 `json:"w_time_of_day"`  // fraction of the day, 0..1
	WWeekday     float64 `json:"w_weekday"`      // Sunday 0 .. Saturday 6
	Cutoff       float64 `json:"cutoff"`         // score above this rejects
}

// AnomalyRule scores orders with a logistic model. Without a usable model
// file the rule degrades to a no-op and always allows.
type AnomalyRule struct {
	meta  RuleMeta
	model *anomalyModel
	now   func() time.Time
}

func newAnomalyRule(cfg RuleConfig) (*AnomalyRule, error) {
	r := &AnomalyRule{
		meta: cfg.meta(),
		now:  time.Now,
	}
	if cfg.ModelPath == "" {
		return r, nil
	}

	// A missing or malformed weight file must not keep the system from
	// starting; the rule just stops scoring.
	raw, err := os.ReadFile(cfg.ModelPath)
	if err != nil {
		return r, nil
	}
	var model anomalyModel
	if err := json.Unmarshal(raw, &model); err != nil {
		return r, nil
	}
	if model.Cutoff <= 0 || model.Cutoff >= 1 {
		return r, nil
	}
	r.model = &model
	return r, nil
}

func (r *AnomalyRule) Meta() RuleMeta { return r.meta }

func (r *AnomalyRule) Check(_ context.Context, cc *CheckContext) Result {
	if r.model == nil {
		return allow(r.meta.ID)
	}

	var orderRatio, marginRatio float64
	if cc.Account != nil && cc.Account.Balance.Sign() > 0 {
		notional := cc.Request.Price.Mul(cc.Request.Volume)
		orderRatio = notional.Div(cc.Account.Balance).InexactFloat64()
		marginRatio = cc.Account.Margin.Div(cc.Account.Balance).InexactFloat64()
	}
	now := r.now()
	timeOfDay := (float64(now.Hour()) + float64(now.Minute())/60) / 24
	weekday := float64(now.Weekday())

	m := r.model
	z := m.Bias +
		m.WOrderRatio*orderRatio +
		m.WMarginRatio*marginRatio +
		m.WTimeOfDay*timeOfDay +
		m.WWeekday*weekday
	score := 1 / (1 + math.Exp(-z))

	if score > m.Cutoff {
		return reject(r.meta.ID, "anomaly score %.4f above cutoff %.4f", score, m.Cutoff)
	}
	return allow(r.meta.ID)
}
