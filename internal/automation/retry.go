package automation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-desk/trading-core/internal/broker"
	"github.com/meridian-desk/trading-core/internal/journal"
	"github.com/meridian-desk/trading-core/pkg/types"
)

// startPendingRetry launches the per-token 10-second cancel-and-replace loop
// for an unfilled entry order. One loop per token.
func (c *Coordinator) startPendingRetry(token int64, tradingsymbol string) {
	c.mu.Lock()
	if _, running := c.retryStops[token]; running {
		c.mu.Unlock()
		return
	}
	if trade, ok := c.trades[token]; ok && trade.PendingRetryDisabled {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.retryStops[token] = stop
	c.mu.Unlock()

	c.logger.Info("Starting pending-order retry loop",
		zap.Int64("token", token), zap.String("tradingsymbol", tradingsymbol))

	go func() {
		ticker := time.NewTicker(pendingRetryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if done := c.retryTick(token, tradingsymbol); done {
					c.mu.Lock()
					c.stopPendingRetryLocked(token)
					c.mu.Unlock()
					return
				}
			case <-stop:
				return
			}
		}
	}()
}

func (c *Coordinator) stopPendingRetryLocked(token int64) {
	if stop, ok := c.retryStops[token]; ok {
		close(stop)
		delete(c.retryStops, token)
	}
}

// retryTick runs one cancel-reprice-resubmit pass. It returns true when the
// loop should stop.
func (c *Coordinator) retryTick(token int64, tradingsymbol string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), pendingRetryInterval)
	defer cancel()

	c.mu.Lock()
	trade, ok := c.trades[token]
	if !ok {
		c.mu.Unlock()
		return true
	}
	snapshot := *trade
	now := c.clock()
	c.mu.Unlock()

	// A filled entry ends the loop.
	if c.positions.HasPosition(tradingsymbol) {
		return true
	}
	pendings := c.positions.PendingForSymbol(tradingsymbol)
	if len(pendings) == 0 {
		return true
	}
	if snapshot.PendingRetryAttempts >= pendingRetryMax {
		c.disableRetry(token, "max_attempts")
		return true
	}
	if snapshot.StrategyType == types.StrategyOpenDrive {
		signalAt, err := parseSignalTime(snapshot.SignalTimestamp)
		if err == nil && now.Sub(signalAt) > openDriveWindow {
			c.disableRetry(token, "open_drive_window_closed")
			return true
		}
	}

	pending := pendings[0]
	if err := c.broker.CancelOrder(ctx, types.VarietyRegular, pending.OrderID); err != nil {
		c.logger.Warn("Failed to cancel pending order for reprice",
			zap.String("order_id", pending.OrderID), zap.Error(err))
		return false
	}

	price := c.smartLimitPrice(tradingsymbol, pending.TransactionType, pending.Price)
	orderID, err := c.broker.PlaceOrder(ctx, broker.OrderParams{
		Variety:         types.VarietyRegular,
		Exchange:        pending.Exchange,
		TradingSymbol:   tradingsymbol,
		TransactionType: pending.TransactionType,
		Quantity:        pending.Quantity,
		Product:         pending.Product,
		OrderType:       types.OrderTypeLimit,
		Price:           price,
		GroupName:       snapshot.GroupName,
	})
	if err != nil {
		c.logger.Error("Failed to resubmit pending order",
			zap.String("tradingsymbol", tradingsymbol), zap.Error(err))
	}

	c.mu.Lock()
	if trade, ok := c.trades[token]; ok {
		trade.PendingRetryAttempts++
		c.saveStateLocked()
	}
	c.mu.Unlock()

	c.jrnl.Append("pending_retry", journal.NewTrace(nil), "automation.retry", map[string]any{
		"instrument_token": token,
		"tradingsymbol":    tradingsymbol,
		"cancelled":        pending.OrderID,
		"resubmitted":      orderID,
		"price":            price,
		"attempt":          snapshot.PendingRetryAttempts + 1,
	})
	return false
}

// disableRetry marks a trade's retry loop exhausted so it never restarts.
func (c *Coordinator) disableRetry(token int64, reason string) {
	c.mu.Lock()
	if trade, ok := c.trades[token]; ok {
		trade.PendingRetryDisabled = true
		c.saveStateLocked()
	}
	c.mu.Unlock()

	c.jrnl.Append("pending_retry_stopped", journal.NewTrace(nil), "automation.retry", map[string]any{
		"instrument_token": token,
		"reason":           reason,
	})
}

// smartLimitPrice refreshes the resubmission price from the latest quote:
// buys lean on the ask, sells on the bid, midpoint-adjusted. Falls back to
// the previous order price, then the LTP.
func (c *Coordinator) smartLimitPrice(tradingsymbol string, txn types.TransactionType, previous float64) float64 {
	quote, ok := c.quotes.Quote(tradingsymbol)
	if !ok {
		return previous
	}
	mid := 0.0
	if quote.Bid > 0 && quote.Ask > quote.Bid {
		mid = (quote.Bid + quote.Ask) / 2
	}

	if txn == types.TransactionTypeBuy {
		switch {
		case mid > 0:
			return (mid + quote.Ask) / 2
		case quote.Ask > 0:
			return quote.Ask
		case quote.LTP > 0:
			return quote.LTP
		}
	} else {
		switch {
		case mid > 0:
			return (mid + quote.Bid) / 2
		case quote.Bid > 0:
			return quote.Bid
		case quote.LTP > 0:
			return quote.LTP
		}
	}
	return previous
}
