package learning

import (
	"math"

	"github.com/fxsage/fxadvisor/internal/registry"
)

// twoProportionPValue is the pooled two-proportion z-test, one-sided:
// the p-value for the challenger's true win rate exceeding the
// incumbent's given realized arm outcomes. Only decided outcomes count;
// pending signals never move the verdict.
func twoProportionPValue(challenger, incumbent registry.ABStats) float64 {
	nB := float64(challenger.Wins + challenger.Losses)
	nA := float64(incumbent.Wins + incumbent.Losses)
	if nA == 0 || nB == 0 {
		return 1
	}

	pB := float64(challenger.Wins) / nB
	pA := float64(incumbent.Wins) / nA

	pooled := float64(challenger.Wins+incumbent.Wins) / (nA + nB)
	se := math.Sqrt(pooled * (1 - pooled) * (1/nA + 1/nB))
	if se == 0 {
		// Pooled rate 0 or 1 forces both arms to the same unanimous
		// rate, so there is no separating evidence.
		return 1
	}

	z := (pB - pA) / se
	return 1 - normCDF(z)
}

// normCDF is the standard normal CDF.
func normCDF(z float64) float64 {
	return 0.5 * math.Erfc(-z/math.Sqrt2)
}
