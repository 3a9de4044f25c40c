package execution

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-desk/trading-core/internal/anomaly"
	"github.com/meridian-desk/trading-core/internal/breaker"
	"github.com/meridian-desk/trading-core/internal/broker"
	"github.com/meridian-desk/trading-core/internal/journal"
	"github.com/meridian-desk/trading-core/internal/telemetry"
	"github.com/meridian-desk/trading-core/pkg/types"
)

// heartbeatInterval drives the periodic surveillance scan and report refresh.
const heartbeatInterval = 30 * time.Second

// PlaceOrderFunc submits one child order to the broker.
type PlaceOrderFunc func(ctx context.Context, params broker.OrderParams) (string, error)

// Stack is the execution front door: it routes, slices, estimates, places,
// retries, and journals every parent order intent.
type Stack struct {
	logger    *zap.Logger
	journal   *journal.Journal
	quality   *journal.Journal
	dashboard *telemetry.Dashboard
	detector  *anomaly.Detector
	breaker   *breaker.Breaker
	planner   *Planner

	clock func() time.Time
	sleep func(time.Duration)

	hbMu   sync.Mutex
	hbStop chan struct{}
}

// NewStack wires the execution stack. The quality journal and detector may be
// nil in reduced setups.
func NewStack(logger *zap.Logger, jrnl, quality *journal.Journal, dashboard *telemetry.Dashboard,
	detector *anomaly.Detector, brk *breaker.Breaker, planner *Planner) *Stack {
	return &Stack{
		logger:    logger.Named("execution"),
		journal:   jrnl,
		quality:   quality,
		dashboard: dashboard,
		detector:  detector,
		breaker:   brk,
		planner:   planner,
		clock:     time.Now,
		sleep:     time.Sleep,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Stack) SetClock(clock func() time.Time) { s.clock = clock }

// SetSleep overrides the retry sleep. Intended for tests.
func (s *Stack) SetSleep(sleep func(time.Duration)) { s.sleep = sleep }

// Execute runs one parent order: route, slice, then place each child under
// breaker protection with per-bucket retry. It returns the broker order ids
// of every child placed. On an unrecoverable failure the ids placed so far
// ride along inside a FatalExecutionError.
func (s *Stack) Execute(ctx context.Context, req types.ExecutionRequest, place PlaceOrderFunc, base broker.OrderParams) ([]string, error) {
	trace := journal.NewTrace(map[string]string{"tradingsymbol": req.TradingSymbol})
	decision := Route(req)
	slices := s.planner.Plan(req)

	s.journal.Append("execution_request", trace, "execution.execute", map[string]any{
		"tradingsymbol":    req.TradingSymbol,
		"transaction_type": string(req.TransactionType),
		"quantity":         req.Quantity,
		"algo":             string(req.Algo),
		"urgency":          string(req.Urgency),
		"route":            decision,
		"children":         len(slices),
	})

	var placed []string
	for i, qty := range slices {
		if err := ctx.Err(); err != nil {
			return placed, &FatalExecutionError{Bucket: BucketFatal, PlacedOrderIDs: placed, Err: err}
		}

		params := base
		params.TradingSymbol = req.TradingSymbol
		params.TransactionType = req.TransactionType
		params.Quantity = qty
		params.OrderType = decision.OrderType
		params.Price = 0
		if decision.OrderType == types.OrderTypeLimit && decision.LimitPrice > 0 {
			params.Price = decision.LimitPrice
		}

		estimate := EstimateChild(req.LTP, req.Bid, req.Ask, qty, req.Quantity)

		orderID, latencyMs, err := s.placeWithRetry(ctx, trace, place, params, i, len(slices))
		if err != nil {
			var fatal *FatalExecutionError
			if errors.As(err, &fatal) {
				fatal.PlacedOrderIDs = placed
			}
			return placed, err
		}
		placed = append(placed, orderID)

		s.recordPlacement(trace, orderID, req, params, decision, estimate, latencyMs, i, len(slices))
	}
	return placed, nil
}

// placeWithRetry submits one child, re-classifying the error on each failure.
// The attempt budget belongs to the bucket of the latest error.
func (s *Stack) placeWithRetry(ctx context.Context, trace types.TraceContext, place PlaceOrderFunc, params broker.OrderParams, childIndex, children int) (orderID string, latencyMs float64, err error) {
	attempt := 0
	for {
		start := s.clock()
		err = s.breaker.Execute(func() error {
			var placeErr error
			orderID, placeErr = place(ctx, params)
			return placeErr
		})
		if err == nil {
			latencyMs = float64(s.clock().Sub(start)) / float64(time.Millisecond)
			return orderID, latencyMs, nil
		}

		bucket := Classify(err)
		if errors.Is(err, breaker.ErrOpen) {
			bucket = BucketFatal
		}
		attempt++

		s.journal.Append("order_error", trace, "execution.place", map[string]any{
			"tradingsymbol": params.TradingSymbol,
			"child_index":   childIndex + 1,
			"children":      children,
			"bucket":        string(bucket),
			"attempt":       attempt,
			"error":         err.Error(),
		})
		s.dashboard.Observe("order_error", map[string]any{
			"bucket": string(bucket),
			"error":  err.Error(),
		})

		if attempt >= MaxAttempts(bucket) {
			s.logger.Error("Child order abandoned",
				zap.String("tradingsymbol", params.TradingSymbol),
				zap.String("bucket", string(bucket)),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return "", 0, &FatalExecutionError{Bucket: bucket, Err: err}
		}
		s.sleep(Backoff(bucket, attempt-1))
	}
}

func (s *Stack) recordPlacement(trace types.TraceContext, orderID string, req types.ExecutionRequest,
	params broker.OrderParams, decision RouteDecision, estimate SlippageEstimate, latencyMs float64, childIndex, children int) {

	if s.detector != nil {
		s.detector.OnOrderSubmitted(orderID)
	}

	payload := map[string]any{
		"order_id":          orderID,
		"tradingsymbol":     params.TradingSymbol,
		"transaction_type":  string(params.TransactionType),
		"quantity":          params.Quantity,
		"order_type":        string(params.OrderType),
		"price":             params.Price,
		"child_index":       childIndex + 1,
		"children":          children,
		"latency_ms":        latencyMs,
		"expected_slippage": estimate.Expected,
		"route":             decision,
	}
	if len(req.Metadata) > 0 {
		payload["metadata"] = req.Metadata
	}
	s.journal.Append("order_placed", trace, "execution.place", payload)

	if s.quality != nil {
		s.quality.Append("child_quality", trace, "execution.place", map[string]any{
			"order_id":       orderID,
			"tradingsymbol":  params.TradingSymbol,
			"quantity":       params.Quantity,
			"child_index":    childIndex + 1,
			"children":       children,
			"latency_ms":     latencyMs,
			"spread_cost":    estimate.SpreadCost,
			"impact_cost":    estimate.ImpactCost,
			"expected":       estimate.Expected,
			"participation":  estimate.Participation,
			"queue_priority": decision.QueuePriority,
			"spread_bps":     decision.SpreadBps,
		})
	}

	s.dashboard.Observe("order_placed", map[string]any{
		"order_id":      orderID,
		"tradingsymbol": params.TradingSymbol,
	})
	s.dashboard.ObservePlacement(latencyMs, estimate.Expected)
}

// RecordFill closes surveillance on a filled order and journals the fill.
func (s *Stack) RecordFill(orderID, tradingsymbol string, quantity int, price float64) {
	if s.detector != nil {
		s.detector.OnOrderClosed(orderID)
	}
	s.journal.Append("order_fill", journal.NewTrace(nil), "execution.fill", map[string]any{
		"order_id":      orderID,
		"tradingsymbol": tradingsymbol,
		"quantity":      quantity,
		"price":         price,
	})
	s.dashboard.Observe("order_fill", map[string]any{"order_id": orderID})
}

// RecordPaperFill journals a simulated fill with its attribution split.
func (s *Stack) RecordPaperFill(order broker.Order) {
	if s.detector != nil {
		s.detector.OnOrderClosed(order.OrderID)
	}
	s.journal.Append("order_fill", journal.NewTrace(nil), "execution.fill", map[string]any{
		"order_id":      order.OrderID,
		"tradingsymbol": order.TradingSymbol,
		"quantity":      order.FilledQuantity,
		"price":         order.AveragePrice,
		"entry_qty":     order.EntryQty,
		"exit_qty":      order.ExitQty,
		"realized_pnl":  order.RealizedPnL,
		"simulated":     true,
	})
	s.dashboard.Observe("order_fill", map[string]any{"order_id": order.OrderID})
}

// RecordCancelled closes surveillance on a cancelled or rejected order.
func (s *Stack) RecordCancelled(orderID, status, reason string) {
	if s.detector != nil {
		s.detector.OnOrderClosed(orderID)
	}
	s.journal.Append("order_cancelled", journal.NewTrace(nil), "execution.cancel", map[string]any{
		"order_id": orderID,
		"status":   status,
		"reason":   reason,
	})
	event := "order_cancelled"
	if status == types.OrderStatusRejected {
		event = "order_rejected"
	}
	s.dashboard.Observe(event, map[string]any{"order_id": orderID})
}

// RecordExit feeds a closed position outcome into the hit-ratio stats.
func (s *Stack) RecordExit(tradingsymbol string, pnl float64, reason string) {
	s.journal.Append("position_exit", journal.NewTrace(nil), "execution.exit", map[string]any{
		"tradingsymbol": tradingsymbol,
		"pnl":           pnl,
		"reason":        reason,
	})
	s.dashboard.Observe("position_exit", map[string]any{"tradingsymbol": tradingsymbol, "pnl": pnl})
	s.dashboard.ObserveExit(pnl)
}

// IngestTick feeds tick liveness into the anomaly detector.
func (s *Stack) IngestTick(tradingsymbol string, ts time.Time) {
	if s.detector != nil {
		s.detector.OnTick(tradingsymbol, ts)
	}
}

// StartHeartbeat launches the periodic surveillance and report loop.
func (s *Stack) StartHeartbeat() {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	if s.hbStop != nil {
		return
	}
	s.hbStop = make(chan struct{})

	go func(stop chan struct{}) {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.heartbeat()
			case <-stop:
				return
			}
		}
	}(s.hbStop)
}

// StopHeartbeat stops the heartbeat loop.
func (s *Stack) StopHeartbeat() {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	if s.hbStop == nil {
		return
	}
	close(s.hbStop)
	s.hbStop = nil
}

func (s *Stack) heartbeat() {
	if s.detector != nil {
		s.detector.Heartbeat()
	}
	if err := s.dashboard.WriteSnapshot(); err != nil {
		s.logger.Warn("Failed to write telemetry snapshot", zap.Error(err))
	}
	if err := s.dashboard.WriteTCA(); err != nil {
		s.logger.Warn("Failed to write TCA report", zap.Error(err))
	}
}
