package automation

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-desk/trading-core/internal/broker"
	"github.com/meridian-desk/trading-core/internal/journal"
	"github.com/meridian-desk/trading-core/pkg/types"
	"github.com/meridian-desk/trading-core/pkg/utils"
)

// Automation exit reasons.
const (
	ExitCutoff      = "AUTO_3PM_CUTOFF"
	ExitReverse     = "AUTO_REVERSE"
	ExitStopLoss    = "AUTO_SL"
	ExitGiveback    = "AUTO_MAX_PROFIT_GIVEBACK"
	ExitEMA10Cross  = "AUTO_EMA10_CROSS"
	ExitEMA51Cross  = "AUTO_EMA51_CROSS"
	ExitBreakout    = "AUTO_BREAKOUT_EXIT"
	ExitATRReversal = "AUTO_ATR_REVERSAL_EXIT"
)

const (
	// cutoffHour is the local hour after which no automation entry survives.
	cutoffHour = 15

	// stackingGap is the minimum elapsed time between same-side signals.
	stackingGap = 15 * time.Minute

	defaultStoplossPoints = 50.0
	defaultATRTrailStep   = 10.0

	// emaTrailActivation and emaTrailStep drive the coarse 100-pt trail for
	// ema_cross and range_breakout once the move is 200 pts in favor.
	emaTrailActivation = 200.0
	emaTrailStep       = 100.0

	pendingRetryInterval = 10 * time.Second
	pendingRetryMax      = 6

	// openDriveWindow bounds pending retries for open_drive signals.
	openDriveWindow = 3 * time.Minute

	reconcileDelay = 2 * time.Second
)

// Signal is one automation entry intent.
type Signal struct {
	SignalID                    string             `json:"signal_id,omitempty"`
	InstrumentToken             int64              `json:"instrument_token"`
	Side                        string             `json:"side"`
	Timestamp                   string             `json:"timestamp"`
	Strategy                    types.StrategyType `json:"strategy"`
	Lots                        int                `json:"lots"`
	EntryUnderlying             float64            `json:"entry_underlying"`
	StoplossPoints              float64            `json:"stoploss_points,omitempty"`
	MaxProfitGivebackPoints     float64            `json:"max_profit_giveback_points,omitempty"`
	MaxProfitGivebackStrategies []string           `json:"max_profit_giveback_strategies,omitempty"`
	ATRTrailingStepPoints       float64            `json:"atr_trailing_step_points,omitempty"`
	Route                       string             `json:"route,omitempty"`
	GroupName                   string             `json:"group_name,omitempty"`
}

// OrderExecutor places a single-strike automation entry.
type OrderExecutor interface {
	ExecuteEntry(ctx context.Context, req types.ExecutionRequest) ([]string, error)
}

// BasketExecutor composes the multi-strike buy/exit-panel order.
type BasketExecutor interface {
	ExecuteBasket(ctx context.Context, side string, contracts []*types.Contract, quantity int, groupName string) error
}

// Ladder resolves the ATM option contract for a side from the strike ladder
// snapshot.
type Ladder interface {
	ATMContract(optionType types.OptionType) (*types.Contract, bool)
}

// PositionSource is the position-manager surface the coordinator consumes.
type PositionSource interface {
	HasPosition(tradingsymbol string) bool
	PendingForSymbol(tradingsymbol string) []types.PendingOrder
	ExitPosition(ctx context.Context, tradingsymbol, reason string) error
}

// RetryBroker cancels and resubmits pending entry orders.
type RetryBroker interface {
	CancelOrder(ctx context.Context, variety, orderID string) error
	PlaceOrder(ctx context.Context, params broker.OrderParams) (string, error)
}

// QuoteSource supplies the latest quote for smart limit repricing.
type QuoteSource interface {
	Quote(tradingsymbol string) (types.Quote, bool)
}

// PreTradeGate is the risk controller's entry gate.
type PreTradeGate interface {
	ValidatePreTrade(txnType types.TransactionType, quantity int, tradingsymbol string) (bool, string)
}

// Coordinator runs one CVD automation per instrument token.
type Coordinator struct {
	mu     sync.Mutex
	logger *zap.Logger
	jrnl   *journal.Journal
	mode   types.TradingMode
	clock  func() time.Time

	statePath string
	product   types.Product

	trades      map[int64]*types.AutomationTrade
	marketState map[int64]types.MarketStateFrame

	executor  OrderExecutor
	basket    BasketExecutor
	ladder    Ladder
	positions PositionSource
	broker    RetryBroker
	quotes    QuoteSource
	gate      PreTradeGate

	retryStops map[int64]chan struct{}

	// schedule is the deferred-task hook; tests replace it to run inline.
	schedule func(d time.Duration, f func())
}

// NewCoordinator creates the automation coordinator and restores persisted
// state from dir.
func NewCoordinator(logger *zap.Logger, jrnl *journal.Journal, dir string, mode types.TradingMode,
	product types.Product, executor OrderExecutor, basket BasketExecutor, ladder Ladder,
	positions PositionSource, brk RetryBroker, quotes QuoteSource, gate PreTradeGate) (*Coordinator, error) {

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create automation state directory: %w", err)
	}

	c := &Coordinator{
		logger:      logger.Named("cvd-automation"),
		jrnl:        jrnl,
		mode:        mode,
		clock:       time.Now,
		statePath:   statePath(dir, mode),
		product:     product,
		trades:      make(map[int64]*types.AutomationTrade),
		marketState: make(map[int64]types.MarketStateFrame),
		executor:    executor,
		basket:      basket,
		ladder:      ladder,
		positions:   positions,
		broker:      brk,
		quotes:      quotes,
		gate:        gate,
		retryStops:  make(map[int64]chan struct{}),
	}
	c.schedule = func(d time.Duration, f func()) { time.AfterFunc(d, f) }
	c.loadState()
	return c, nil
}

// SetClock overrides the time source. Intended for tests.
func (c *Coordinator) SetClock(clock func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

// SetGate late-binds the pre-trade risk gate. The gate and the coordinator
// reference each other, so one side has to attach after construction.
func (c *Coordinator) SetGate(gate PreTradeGate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = gate
}

// SetScheduler overrides the deferred-task hook. Intended for tests.
func (c *Coordinator) SetScheduler(schedule func(time.Duration, func())) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schedule = schedule
}

// ActiveTrade returns a copy of the trade for a token.
func (c *Coordinator) ActiveTrade(token int64) (types.AutomationTrade, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	trade, ok := c.trades[token]
	if !ok {
		return types.AutomationTrade{}, false
	}
	return *trade, true
}

// ActiveCount reports the number of active automations.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.trades)
}

// DisableAll force-exits and clears every automation. Used by the kill
// switch.
func (c *Coordinator) DisableAll(reason string) {
	ctx := context.Background()

	c.mu.Lock()
	tokens := make([]int64, 0, len(c.trades))
	for token := range c.trades {
		tokens = append(tokens, token)
	}
	c.mu.Unlock()

	for _, token := range tokens {
		c.exitTrade(ctx, token, reason)
	}
	c.logger.Warn("All automations disabled", zap.String("reason", reason))
}

// OnSignal applies the entry rules to an incoming automation signal.
func (c *Coordinator) OnSignal(ctx context.Context, sig Signal) {
	now := c.now()

	// Rule 1: post-cutoff signals flatten everything and are dropped.
	if afterCutoff(now) {
		c.logger.Info("Signal after cutoff, flattening",
			zap.Int64("token", sig.InstrumentToken))
		c.exitAllTrades(ctx, ExitCutoff)
		return
	}

	c.mu.Lock()
	frame, hasFrame := c.marketState[sig.InstrumentToken]
	c.mu.Unlock()

	// Rule 2: the automation must be enabled and the side recognizable.
	if !hasFrame || !frame.Enabled {
		c.drop(sig, "automation_disabled")
		return
	}
	if sig.Side != types.SideLong && sig.Side != types.SideShort {
		c.drop(sig, "invalid_side")
		return
	}

	c.mu.Lock()
	active, hasActive := c.trades[sig.InstrumentToken]
	var activeCopy types.AutomationTrade
	if hasActive {
		activeCopy = *active
	}
	c.mu.Unlock()

	if hasActive {
		if activeCopy.SignalSide == sig.Side {
			// Rule 3: same-side stacking requires a 15-minute gap.
			last, err := parseSignalTime(activeCopy.SignalTimestamp)
			if err == nil && now.Sub(last) < stackingGap {
				c.drop(sig, "stacking_too_soon")
				return
			}
		} else {
			// Rule 4: reversal requires strictly higher strategy priority.
			if types.StrategyPriority[sig.Strategy] <= types.StrategyPriority[activeCopy.StrategyType] {
				c.drop(sig, "priority_too_low")
				return
			}
			c.exitTrade(ctx, sig.InstrumentToken, ExitReverse)
		}
	}

	// Rule 5: resolve the ATM contract for the side.
	optType := types.OptionTypeCE
	if sig.Side == types.SideShort {
		optType = types.OptionTypePE
	}
	contract, ok := c.ladder.ATMContract(optType)
	if !ok || contract == nil {
		c.drop(sig, "atm_contract_unavailable")
		return
	}

	// Rule 6: size and protective parameters.
	lots := sig.Lots
	if lots < 1 {
		lots = 1
	}
	quantity := contract.LotSize * lots
	if quantity < 1 {
		quantity = 1
	}

	stoploss := sig.StoplossPoints
	if stoploss <= 0 {
		stoploss = frame.StoplossPoints
	}
	if stoploss <= 0 {
		stoploss = defaultStoplossPoints
	}
	giveback := sig.MaxProfitGivebackPoints
	if giveback <= 0 {
		giveback = frame.MaxProfitGivebackPoints
	}
	givebackStrategies := normalizeSet(sig.MaxProfitGivebackStrategies)
	if len(givebackStrategies) == 0 {
		givebackStrategies = normalizeSet(frame.MaxProfitGivebackStrategies)
	}

	entry := sig.EntryUnderlying
	if entry <= 0 {
		entry = frame.PriceClose
	}

	// Rule 7: protective stop on the underlying.
	slUnderlying := entry - stoploss
	if sig.Side == types.SideShort {
		slUnderlying = entry + stoploss
	}

	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		if ok, reason := gate.ValidatePreTrade(types.TransactionTypeBuy, quantity, contract.TradingSymbol); !ok {
			c.drop(sig, "risk_rejected: "+reason)
			return
		}
	}

	// Rule 8: route the entry order.
	route := sig.Route
	if route == "" {
		route = frame.Route
	}
	if route == types.RouteBuyExitPanel && c.basket != nil {
		if err := c.basket.ExecuteBasket(ctx, sig.Side, []*types.Contract{contract}, quantity, sig.GroupName); err != nil {
			c.logger.Error("Buy/exit panel entry failed", zap.Error(err))
			c.drop(sig, "basket_entry_failed")
			return
		}
	} else {
		req := types.ExecutionRequest{
			TradingSymbol:   contract.TradingSymbol,
			TransactionType: types.TransactionTypeBuy,
			Quantity:        quantity,
			OrderType:       types.OrderTypeMarket,
			Product:         c.product,
			LTP:             contract.Quote.LTP,
			Bid:             contract.Quote.Bid,
			Ask:             contract.Quote.Ask,
			Urgency:         types.UrgencyHigh,
			Algo:            types.AlgoImmediate,
			Metadata: map[string]any{
				"auto_token": sig.InstrumentToken,
				"strategy":   string(sig.Strategy),
			},
		}
		if _, err := c.executor.ExecuteEntry(ctx, req); err != nil {
			c.logger.Error("Automation entry failed",
				zap.String("tradingsymbol", contract.TradingSymbol), zap.Error(err))
			c.drop(sig, "entry_failed")
			return
		}
	}

	// Rule 9: record, persist, and schedule the failed-entry reconcile.
	timestamp := sig.Timestamp
	if timestamp == "" {
		timestamp = utils.UTCTimestamp(now)
	}
	trade := &types.AutomationTrade{
		SignalSide:                  sig.Side,
		SignalTimestamp:             timestamp,
		StrategyType:                sig.Strategy,
		EntryUnderlying:             entry,
		SLUnderlying:                slUnderlying,
		StoplossPoints:              stoploss,
		MaxProfitGivebackPoints:     giveback,
		MaxProfitGivebackStrategies: givebackStrategies,
		ATRTrailingStepPoints:       sig.ATRTrailingStepPoints,
		LastPriceClose:              frame.PriceClose,
		LastEMA10:                   frame.EMA10,
		LastEMA51:                   frame.EMA51,
		LastCVDClose:                frame.CVDClose,
		LastCVDEMA10:                frame.CVDEMA10,
		LastCVDEMA51:                frame.CVDEMA51,
		TradingSymbols:              []string{contract.TradingSymbol},
		Quantity:                    quantity,
		GroupName:                   sig.GroupName,
	}

	c.mu.Lock()
	c.trades[sig.InstrumentToken] = trade
	c.saveStateLocked()
	schedule := c.schedule
	c.mu.Unlock()

	c.jrnl.Append("automation_entry", journal.NewTrace(nil), "automation.entry", map[string]any{
		"instrument_token": sig.InstrumentToken,
		"side":             sig.Side,
		"strategy":         string(sig.Strategy),
		"tradingsymbol":    contract.TradingSymbol,
		"quantity":         quantity,
		"entry_underlying": entry,
		"sl_underlying":    slUnderlying,
	})

	token := sig.InstrumentToken
	schedule(reconcileDelay, func() { c.reconcileFailedEntry(token) })
}

// reconcileFailedEntry drops a trade whose entry never produced a position
// or a pending order.
func (c *Coordinator) reconcileFailedEntry(token int64) {
	c.mu.Lock()
	trade, ok := c.trades[token]
	if !ok {
		c.mu.Unlock()
		return
	}
	symbols := append([]string(nil), trade.TradingSymbols...)
	c.mu.Unlock()

	for _, symbol := range symbols {
		if c.positions.HasPosition(symbol) || len(c.positions.PendingForSymbol(symbol)) > 0 {
			return
		}
	}

	c.mu.Lock()
	delete(c.trades, token)
	c.saveStateLocked()
	c.mu.Unlock()

	c.jrnl.Append("reconcile_failed_entry", journal.NewTrace(nil), "automation.reconcile", map[string]any{
		"instrument_token": token,
	})
	c.logger.Warn("Entry produced no position or pending order, trade dropped",
		zap.Int64("token", token))
}

// OnMarketState applies the per-bar update rules for one frame.
func (c *Coordinator) OnMarketState(ctx context.Context, frame types.MarketStateFrame) {
	now := c.now()

	c.mu.Lock()
	c.marketState[frame.InstrumentToken] = frame
	trade, active := c.trades[frame.InstrumentToken]
	var snapshot types.AutomationTrade
	if active {
		snapshot = *trade
	}
	c.mu.Unlock()

	// Rule 1: cutoff flattens everything.
	if afterCutoff(now) {
		c.exitAllTrades(ctx, ExitCutoff)
		return
	}
	if !active {
		return
	}

	// Rule 2: a trade with no live position either retries its pending order
	// or is dropped.
	livePositions := 0
	var pendingSymbol string
	for _, symbol := range snapshot.TradingSymbols {
		if c.positions.HasPosition(symbol) {
			livePositions++
		} else if len(c.positions.PendingForSymbol(symbol)) > 0 && pendingSymbol == "" {
			pendingSymbol = symbol
		}
	}
	if livePositions == 0 {
		if pendingSymbol != "" {
			c.startPendingRetry(frame.InstrumentToken, pendingSymbol)
			return
		}
		c.mu.Lock()
		delete(c.trades, frame.InstrumentToken)
		c.saveStateLocked()
		c.mu.Unlock()
		c.logger.Info("Trade has no position and no pending order, dropped",
			zap.Int64("token", frame.InstrumentToken))
		return
	}

	// Rule 3: finite-float guards.
	if !utils.FiniteFloat(frame.PriceClose) || frame.PriceClose <= 0 ||
		!utils.FiniteFloat(frame.EMA10) || !utils.FiniteFloat(frame.EMA51) ||
		!utils.FiniteFloat(frame.CVDClose) {
		return
	}

	c.mu.Lock()
	trade, active = c.trades[frame.InstrumentToken]
	if !active {
		c.mu.Unlock()
		return
	}

	// Rule 4: peak favorable excursion.
	favorable := frame.PriceClose - trade.EntryUnderlying
	if trade.SignalSide == types.SideShort {
		favorable = trade.EntryUnderlying - frame.PriceClose
	}
	if favorable > trade.MaxFavorablePoints {
		trade.MaxFavorablePoints = favorable
	}

	// Rule 5: step trailing, locked to the strategy recorded at entry. The
	// stop only ever tightens.
	c.applyTrailLocked(trade)

	// Rule 6: exit conditions, first match wins.
	reason := c.exitReasonLocked(trade, frame)
	if reason != "" {
		c.saveStateLocked()
		c.mu.Unlock()
		c.exitTrade(ctx, frame.InstrumentToken, reason)
		return
	}

	// Rule 7: update the per-bar memory.
	trade.LastPriceClose = frame.PriceClose
	trade.LastEMA10 = frame.EMA10
	trade.LastEMA51 = frame.EMA51
	trade.LastCVDClose = frame.CVDClose
	trade.LastCVDEMA10 = frame.CVDEMA10
	trade.LastCVDEMA51 = frame.CVDEMA51
	c.saveStateLocked()
	c.mu.Unlock()
}

// applyTrailLocked tightens sl_underlying by whole trailing steps of peak
// favorable excursion.
func (c *Coordinator) applyTrailLocked(trade *types.AutomationTrade) {
	var step, activation float64
	switch trade.StrategyType {
	case types.StrategyATRReversal:
		step = trade.ATRTrailingStepPoints
		if step <= 0 {
			step = defaultATRTrailStep
		}
	case types.StrategyEMACross, types.StrategyRangeBreakout:
		step = emaTrailStep
		activation = emaTrailActivation
	default:
		return
	}
	if trade.MaxFavorablePoints < activation || trade.MaxFavorablePoints < step {
		return
	}

	steps := math.Floor(trade.MaxFavorablePoints / step)
	trail := steps * step

	if trade.SignalSide == types.SideLong {
		candidate := trade.EntryUnderlying - trade.StoplossPoints + trail
		if candidate > trade.SLUnderlying {
			trade.SLUnderlying = candidate
		}
	} else {
		candidate := trade.EntryUnderlying + trade.StoplossPoints - trail
		if candidate < trade.SLUnderlying {
			trade.SLUnderlying = candidate
		}
	}
}

// exitReasonLocked evaluates the per-bar exit ladder.
func (c *Coordinator) exitReasonLocked(trade *types.AutomationTrade, frame types.MarketStateFrame) string {
	long := trade.SignalSide == types.SideLong

	// Protective stop on the underlying.
	if long && frame.PriceClose <= trade.SLUnderlying {
		return ExitStopLoss
	}
	if !long && frame.PriceClose >= trade.SLUnderlying {
		return ExitStopLoss
	}

	// Giveback from the peak.
	if trade.MaxProfitGivebackPoints > 0 && trade.GivebackAppliesTo(trade.StrategyType) {
		favorable := frame.PriceClose - trade.EntryUnderlying
		if !long {
			favorable = trade.EntryUnderlying - frame.PriceClose
		}
		if trade.MaxFavorablePoints-favorable >= trade.MaxProfitGivebackPoints {
			return ExitGiveback
		}
	}

	// Strategy-specific cross exits, detected against the previous bar.
	switch trade.StrategyType {
	case types.StrategyEMACross:
		if crossedAgainst(long, trade.LastEMA10, trade.LastEMA51, frame.EMA10, frame.EMA51) {
			return ExitEMA51Cross
		}
		if crossedAgainst(long, trade.LastPriceClose, trade.LastEMA10, frame.PriceClose, frame.EMA10) {
			return ExitEMA10Cross
		}
	case types.StrategyATRReversal, types.StrategyATRDivergence:
		if crossedAgainst(long, trade.LastCVDEMA10, trade.LastCVDEMA51, frame.CVDEMA10, frame.CVDEMA51) {
			return ExitATRReversal
		}
	case types.StrategyRangeBreakout, types.StrategyCVDRangeBreakout:
		if crossedAgainst(long, trade.LastPriceClose, trade.LastEMA51, frame.PriceClose, frame.EMA51) {
			return ExitBreakout
		}
	}
	return ""
}

// crossedAgainst reports whether fast crossed below slow (long trades) or
// above slow (short trades) between the previous and current bar.
func crossedAgainst(long bool, prevFast, prevSlow, fast, slow float64) bool {
	if long {
		return prevFast >= prevSlow && fast < slow
	}
	return prevFast <= prevSlow && fast > slow
}

// exitTrade flattens every tracked symbol of a trade and removes it.
func (c *Coordinator) exitTrade(ctx context.Context, token int64, reason string) {
	c.mu.Lock()
	trade, ok := c.trades[token]
	if !ok {
		c.mu.Unlock()
		return
	}
	symbols := append([]string(nil), trade.TradingSymbols...)
	delete(c.trades, token)
	c.stopPendingRetryLocked(token)
	c.saveStateLocked()
	c.mu.Unlock()

	for _, symbol := range symbols {
		if err := c.positions.ExitPosition(ctx, symbol, reason); err != nil {
			c.logger.Error("Automation exit failed",
				zap.String("tradingsymbol", symbol), zap.String("reason", reason), zap.Error(err))
		}
	}
	c.jrnl.Append("automation_exit", journal.NewTrace(nil), "automation.exit", map[string]any{
		"instrument_token": token,
		"reason":           reason,
		"tradingsymbols":   symbols,
	})
}

func (c *Coordinator) exitAllTrades(ctx context.Context, reason string) {
	c.mu.Lock()
	tokens := make([]int64, 0, len(c.trades))
	for token := range c.trades {
		tokens = append(tokens, token)
	}
	c.mu.Unlock()

	for _, token := range tokens {
		c.exitTrade(ctx, token, reason)
	}
}

func (c *Coordinator) drop(sig Signal, reason string) {
	c.logger.Info("Signal dropped",
		zap.Int64("token", sig.InstrumentToken),
		zap.String("side", sig.Side),
		zap.String("reason", reason))
	c.jrnl.Append("signal_dropped", journal.NewTrace(nil), "automation.signal", map[string]any{
		"instrument_token": sig.InstrumentToken,
		"side":             sig.Side,
		"strategy":         string(sig.Strategy),
		"reason":           reason,
	})
}

func (c *Coordinator) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock()
}

// afterCutoff reports whether t is at or past 15:00 local time.
func afterCutoff(t time.Time) bool {
	return t.Hour() >= cutoffHour
}

// parseSignalTime parses a signal timestamp, preserving an explicit offset
// and falling back to naive local time.
func parseSignalTime(ts string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		utils.UTCTimestampFormat,
	} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t, nil
		}
	}
	return time.ParseInLocation("2006-01-02T15:04:05", ts, time.Local)
}

func normalizeSet(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
