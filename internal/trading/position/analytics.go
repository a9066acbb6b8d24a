package position

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// varConfidenceFactor is the one-sided z-score at 95% confidence.
const varConfidenceFactor = 1.65

// returnsFromMarks converts a mark series into simple returns.
func returnsFromMarks(marks []float64) []float64 {
	if len(marks) < 2 {
		return nil
	}
	out := make([]float64, 0, len(marks)-1)
	for i := 1; i < len(marks); i++ {
		if marks[i-1] == 0 {
			continue
		}
		out = append(out, marks[i]/marks[i-1]-1)
	}
	return out
}

// volatility is the standard deviation of the mark-to-mark returns. It needs
// at least three marks to say anything.
func volatility(marks []float64) float64 {
	rets := returnsFromMarks(marks)
	if len(rets) < 2 {
		return 0
	}
	sd := stat.StdDev(rets, nil)
	if math.IsNaN(sd) {
		return 0
	}
	return sd
}

// valueAtRisk estimates the one-period loss bound for a net exposure given the
// return volatility of the underlying.
func valueAtRisk(netExposure, vol float64) float64 {
	return varConfidenceFactor * vol * math.Abs(netExposure)
}
