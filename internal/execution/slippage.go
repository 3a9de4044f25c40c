package execution

import (
	"math"

	"github.com/meridian-desk/trading-core/pkg/utils"
)

// Market impact model constants. The exponent follows the square-root-family
// impact curve; the coefficient is calibrated for index options liquidity.
const (
	impactCoefficient = 0.0004
	impactExponent    = 0.6

	fallbackSpreadPct = 0.001
)

// SlippageEstimate is the pre-trade cost estimate for one child order, in
// price units per share.
type SlippageEstimate struct {
	SpreadCost    float64 `json:"spread_cost"`
	ImpactCost    float64 `json:"impact_cost"`
	Expected      float64 `json:"expected"`
	Participation float64 `json:"participation"`
}

// EstimateChild estimates slippage for a child order of childQty against a
// parent of parentQty. When the book is one-sided or crossed the spread cost
// falls back to 0.1% of last price.
func EstimateChild(ltp, bid, ask float64, childQty, parentQty int) SlippageEstimate {
	spread := 0.0
	if bid > 0 && ask > bid {
		spread = (ask - bid) / 2
	} else if ltp > 0 {
		spread = ltp * fallbackSpreadPct
	}

	if parentQty <= 0 {
		parentQty = childQty
	}
	participation := 1.0
	if parentQty > 0 {
		participation = utils.Clamp(float64(childQty)/float64(parentQty), 0.01, 1.0)
	}

	impact := ltp * impactCoefficient * math.Pow(participation, impactExponent)

	return SlippageEstimate{
		SpreadCost:    spread,
		ImpactCost:    impact,
		Expected:      spread + impact,
		Participation: participation,
	}
}
