// Package execution transforms parent-order intents into broker child
// orders: routing, slicing, slippage estimation, transient-error retry, and
// lifecycle recording.
package execution

import (
	"github.com/meridian-desk/trading-core/pkg/types"
)

// Queue priorities chosen by the router.
const (
	QueueTake    = "take"
	QueueJoin    = "join"
	QueueNeutral = "neutral"
)

// wideSpreadBps is the spread beyond which passive joining beats crossing.
const wideSpreadBps = 12.0

// RouteDecision is the router's pricing choice for a request.
type RouteDecision struct {
	OrderType     types.OrderType `json:"order_type"`
	LimitPrice    float64         `json:"limit_price,omitempty"`
	QueuePriority string          `json:"queue_priority"`
	SpreadBps     float64         `json:"spread_bps"`
}

// Route picks order type and price for a request.
//
// High urgency takes liquidity: a MARKET request is converted to a
// marketable limit at or above the ask. Otherwise a wide spread switches to
// a passive LIMIT joining the bid. Anything else keeps the caller's choice.
func Route(req types.ExecutionRequest) RouteDecision {
	decision := RouteDecision{
		OrderType:     req.OrderType,
		LimitPrice:    req.LimitPrice,
		QueuePriority: QueueNeutral,
		SpreadBps:     SpreadBps(req.Bid, req.Ask),
	}

	if req.Urgency == types.UrgencyHigh {
		decision.QueuePriority = QueueTake
		if req.OrderType == types.OrderTypeMarket && req.Ask > 0 {
			decision.OrderType = types.OrderTypeLimit
			if decision.LimitPrice < req.Ask {
				decision.LimitPrice = req.Ask
			}
		}
		return decision
	}

	if decision.SpreadBps > wideSpreadBps && req.Bid > 0 {
		decision.OrderType = types.OrderTypeLimit
		decision.LimitPrice = req.Bid
		decision.QueuePriority = QueueJoin
	}
	return decision
}

// SpreadBps computes the bid/ask spread in basis points of the midpoint.
func SpreadBps(bid, ask float64) float64 {
	if bid <= 0 || ask <= 0 || ask <= bid {
		return 0
	}
	mid := (bid + ask) / 2
	return (ask - bid) / mid * 10000
}
