// Package risk implements the intraday risk controller: the BUY-side
// pre-trade gate, the drawdown monitor, and the global kill switch.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-desk/trading-core/internal/journal"
	"github.com/meridian-desk/trading-core/pkg/types"
	"github.com/meridian-desk/trading-core/pkg/utils"
)

// Kill-switch reasons.
const (
	ReasonMaxPortfolioLoss = "MAX_PORTFOLIO_LOSS"
	ReasonIntradayDrawdown = "INTRADAY_DRAWDOWN_LOCK"
)

// PositionBook is the position-manager surface the controller reads.
type PositionBook interface {
	TotalPnL() float64
	OpenSymbolCount() int
	GrossOpenQuantity() int
	HasPosition(tradingsymbol string) bool
	ExitAll(ctx context.Context, reason string)
}

// RealizedPnLSource supplies the session's realized PnL from the ledger.
type RealizedPnLSource interface {
	RealizedPnLForDate(sessionDate string) (float64, error)
}

// AutomationControl lets the kill switch shut down the CVD automations.
type AutomationControl interface {
	DisableAll(reason string)
}

// Controller enforces the intraday risk limits for one session.
type Controller struct {
	mu     sync.Mutex
	logger *zap.Logger
	jrnl   *journal.Journal
	clock  func() time.Time

	limits            types.RiskLimits
	exitOpenPositions bool

	book       PositionBook
	ledger     RealizedPnLSource
	automation AutomationControl

	killSwitchActive bool
	killSwitchReason string
	intradayPeakPnL  float64
	sessionDate      string
}

// NewController creates a risk controller. The ledger and automation hooks
// may be nil.
func NewController(logger *zap.Logger, jrnl *journal.Journal, limits types.RiskLimits,
	book PositionBook, ledger RealizedPnLSource, automation AutomationControl, exitOpenPositions bool) *Controller {
	return &Controller{
		logger:            logger.Named("risk-controller"),
		jrnl:              jrnl,
		clock:             time.Now,
		limits:            limits,
		exitOpenPositions: exitOpenPositions,
		book:              book,
		ledger:            ledger,
		automation:        automation,
	}
}

// SetClock overrides the time source. Intended for tests.
func (c *Controller) SetClock(clock func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

// KillSwitchActive reports the kill switch state and its reason.
func (c *Controller) KillSwitchActive() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killSwitchActive, c.killSwitchReason
}

// PeakPnL returns the session's peak total PnL.
func (c *Controller) PeakPnL() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intradayPeakPnL
}

// ValidatePreTrade gates a new order. Only BUY is gated; SELL always passes
// so positions can be flattened under any lock.
func (c *Controller) ValidatePreTrade(txnType types.TransactionType, quantity int, tradingsymbol string) (bool, string) {
	if txnType != types.TransactionTypeBuy {
		return true, ""
	}

	c.mu.Lock()
	active, reason := c.killSwitchActive, c.killSwitchReason
	limits := c.limits
	c.mu.Unlock()

	if active {
		return false, fmt.Sprintf("kill switch active: %s", reason)
	}
	if limits.MaxOpenPositions > 0 && !c.book.HasPosition(tradingsymbol) &&
		c.book.OpenSymbolCount() >= limits.MaxOpenPositions {
		return false, fmt.Sprintf("max open positions limit reached (%d)", limits.MaxOpenPositions)
	}
	if limits.MaxGrossOpenQuantity > 0 {
		gross := c.book.GrossOpenQuantity() + utils.AbsInt(quantity)
		if gross > limits.MaxGrossOpenQuantity {
			return false, fmt.Sprintf("gross open quantity %d would exceed limit %d",
				gross, limits.MaxGrossOpenQuantity)
		}
	}
	return true, ""
}

// EvaluateRiskLocks runs the drawdown monitor: realized plus unrealized PnL
// against the loss and drawdown limits, with an upward-only peak ratchet.
func (c *Controller) EvaluateRiskLocks(ctx context.Context) {
	c.maybeResetDay()

	realized := 0.0
	if c.ledger != nil {
		var err error
		realized, err = c.ledger.RealizedPnLForDate(utils.SessionDate(c.now()))
		if err != nil {
			c.logger.Warn("Failed to read realized PnL from ledger", zap.Error(err))
			realized = 0
		}
	}
	total := realized + c.book.TotalPnL()

	c.mu.Lock()
	if total > c.intradayPeakPnL {
		c.intradayPeakPnL = total
	}
	peak := c.intradayPeakPnL
	limits := c.limits
	active := c.killSwitchActive
	c.mu.Unlock()

	if active {
		return
	}

	if limits.MaxPortfolioLoss > 0 && total <= -limits.MaxPortfolioLoss {
		c.ActivateKillSwitch(ctx, ReasonMaxPortfolioLoss, total)
		return
	}
	if limits.IntradayDrawdownLimit > 0 && peak-total >= limits.IntradayDrawdownLimit {
		c.ActivateKillSwitch(ctx, ReasonIntradayDrawdown, total)
	}
}

// ActivateKillSwitch blocks new entries, disables the automations, and
// optionally flattens the book. Idempotent.
func (c *Controller) ActivateKillSwitch(ctx context.Context, reason string, totalPnL float64) {
	c.mu.Lock()
	if c.killSwitchActive {
		c.mu.Unlock()
		return
	}
	c.killSwitchActive = true
	c.killSwitchReason = reason
	c.mu.Unlock()

	c.logger.Error("Kill switch activated",
		zap.String("reason", reason), zap.Float64("total_pnl", totalPnL))
	c.jrnl.Append("kill_switch_activated", journal.NewTrace(nil), "risk.lock", map[string]any{
		"reason":    reason,
		"total_pnl": totalPnL,
	})

	if c.automation != nil {
		c.automation.DisableAll(reason)
	}
	if c.exitOpenPositions {
		c.book.ExitAll(ctx, reason)
	}
}

// maybeResetDay clears the kill switch and peak at the trading-day boundary.
func (c *Controller) maybeResetDay() {
	c.mu.Lock()
	defer c.mu.Unlock()

	today := utils.SessionDate(c.clock())
	if c.sessionDate == today {
		return
	}
	if c.sessionDate != "" {
		c.logger.Info("New trading day, resetting risk locks",
			zap.String("previous", c.sessionDate), zap.String("current", today))
	}
	c.sessionDate = today
	c.killSwitchActive = false
	c.killSwitchReason = ""
	c.intradayPeakPnL = 0
}

func (c *Controller) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock()
}
