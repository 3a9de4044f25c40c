// Package position is the authoritative in-process ledger of open positions
// and pending orders. It recomputes PnL on every tick, enforces SL/TP/TSL,
// fires portfolio kill switches, and reconciles against broker state.
package position

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-desk/trading-core/internal/broker"
	"github.com/meridian-desk/trading-core/internal/events"
	"github.com/meridian-desk/trading-core/internal/journal"
	"github.com/meridian-desk/trading-core/pkg/types"
)

// pendingStatuses are the broker order states tracked as pending.
var pendingStatuses = map[string]bool{
	types.OrderStatusTriggerPending: true,
	types.OrderStatusOpen:           true,
	types.OrderStatusAMOReqReceived: true,
}

// Tick is one market-data update applied to the book.
type Tick struct {
	InstrumentToken int64
	LTP             float64
	Timestamp       time.Time
}

// PortfolioExit is the payload of a portfolio_exit event.
type PortfolioExit struct {
	Reason string  `json:"reason"`
	PnL    float64 `json:"pnl"`
}

// Manager tracks open positions and pending orders for one trading mode.
type Manager struct {
	mu     sync.RWMutex
	logger *zap.Logger
	client broker.Client
	bus    *events.Bus
	jrnl   *journal.Journal
	mode   types.TradingMode
	clock  func() time.Time

	positions map[string]*types.Position
	pending   []types.PendingOrder
	contracts map[string]*types.Contract

	refreshInProgress atomic.Bool
	exitInProgress    map[string]bool

	portfolioStopLoss float64
	portfolioTarget   float64
	portfolioLatched  bool

	// ExitHook, when set, is invoked after a position exit completes so the
	// automation layer can clean up its own records.
	ExitHook func(pos types.Position, reason string)
}

// NewManager creates a position manager.
func NewManager(logger *zap.Logger, client broker.Client, bus *events.Bus, jrnl *journal.Journal, mode types.TradingMode) *Manager {
	return &Manager{
		logger:         logger.Named("position-manager"),
		client:         client,
		bus:            bus,
		jrnl:           jrnl,
		mode:           mode,
		clock:          time.Now,
		positions:      make(map[string]*types.Position),
		contracts:      make(map[string]*types.Contract),
		exitInProgress: make(map[string]bool),
	}
}

// SetClock overrides the time source. Intended for tests.
func (m *Manager) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// SetPortfolioLimits arms the portfolio kill switches. Zero disables a limit.
// Re-arming resets the latch.
func (m *Manager) SetPortfolioLimits(stopLoss, target float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.portfolioStopLoss = stopLoss
	m.portfolioTarget = target
	m.portfolioLatched = false
}

// RegisterContract attaches an instrument descriptor so new positions carry
// expiry and token metadata.
func (m *Manager) RegisterContract(c *types.Contract) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contracts[c.TradingSymbol] = c
}

// Position returns a copy of the tracked position for a symbol.
func (m *Manager) Position(tradingsymbol string) (types.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[tradingsymbol]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// Positions returns a snapshot of every tracked position.
func (m *Manager) Positions() []types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	return out
}

// PendingOrders returns a snapshot of broker-side open orders.
func (m *Manager) PendingOrders() []types.PendingOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.PendingOrder(nil), m.pending...)
}

// PendingForSymbol returns the pending orders for one symbol.
func (m *Manager) PendingForSymbol(tradingsymbol string) []types.PendingOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.PendingOrder
	for _, order := range m.pending {
		if order.TradingSymbol == tradingsymbol {
			out = append(out, order)
		}
	}
	return out
}

// TotalPnL sums the tracked positions' PnL.
func (m *Manager) TotalPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalPnLLocked()
}

func (m *Manager) totalPnLLocked() float64 {
	total := 0.0
	for _, pos := range m.positions {
		total += pos.PnL
	}
	return total
}

// OpenSymbolCount reports the number of distinct symbols held.
func (m *Manager) OpenSymbolCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}

// GrossOpenQuantity sums |quantity| across tracked positions.
func (m *Manager) GrossOpenQuantity() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gross := 0
	for _, pos := range m.positions {
		gross += pos.AbsQuantity()
	}
	return gross
}

// HasPosition reports whether a symbol is tracked.
func (m *Manager) HasPosition(tradingsymbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.positions[tradingsymbol]
	return ok
}

// SetStops sets SL/TP/TSL for a tracked symbol. Zero clears a level.
func (m *Manager) SetStops(tradingsymbol string, stopLoss, target, trailing float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[tradingsymbol]
	if !ok {
		return false
	}
	pos.StopLossPrice = stopLoss
	pos.TargetPrice = target
	pos.TrailingStopLoss = trailing
	return true
}

// Refresh pulls positions and orders from the broker and reconciles the
// book. Overlapping refreshes are discarded. Broker failures are swallowed
// into an api_error_occurred event so the engine keeps running on stale data.
func (m *Manager) Refresh(ctx context.Context) bool {
	if !m.refreshInProgress.CompareAndSwap(false, true) {
		m.logger.Debug("Refresh already in progress, skipping")
		return false
	}
	defer m.refreshInProgress.Store(false)

	resp, err := m.client.Positions(ctx)
	if err != nil {
		m.apiError("positions", err)
		return false
	}
	orders, err := m.client.Orders(ctx)
	if err != nil {
		m.apiError("orders", err)
		return false
	}

	m.apply(resp, orders)
	m.pruneExpired()
	m.bus.Publish(events.EventPositionChanged, map[string]any{"refresh_completed": true})
	return true
}

func (m *Manager) apiError(api string, err error) {
	m.logger.Warn("Broker API call failed during refresh",
		zap.String("api", api), zap.Error(err))
	m.bus.Publish(events.EventOrderUpdate, map[string]any{
		"api_error_occurred": true,
		"api":                api,
		"error":              err.Error(),
	})
}

// apply reconciles broker state into the book.
func (m *Manager) apply(resp broker.PositionsResponse, orders []broker.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending = m.pending[:0]
	for _, order := range orders {
		if !pendingStatuses[order.Status] {
			continue
		}
		m.pending = append(m.pending, types.PendingOrder{
			OrderID:         order.OrderID,
			TradingSymbol:   order.TradingSymbol,
			TransactionType: order.TransactionType,
			Quantity:        order.Quantity,
			PendingQuantity: order.PendingQuantity,
			Price:           order.Price,
			TriggerPrice:    order.TriggerPrice,
			Status:          order.Status,
			Product:         order.Product,
			Exchange:        order.Exchange,
		})
	}

	seen := make(map[string]bool, len(resp.Net))
	for _, net := range resp.Net {
		if net.Quantity == 0 {
			continue
		}
		seen[net.TradingSymbol] = true

		existing, ok := m.positions[net.TradingSymbol]
		if !ok {
			pos := &types.Position{
				TradingSymbol:   net.TradingSymbol,
				InstrumentToken: net.InstrumentToken,
				Quantity:        net.Quantity,
				AveragePrice:    net.AveragePrice,
				LTP:             net.LastPrice,
				PnL:             net.PnL,
				Product:         net.Product,
				Exchange:        net.Exchange,
				EntryTime:       m.clock(),
				GroupName:       net.GroupName,
				IsNew:           true,
				Contract:        m.contracts[net.TradingSymbol],
			}
			m.positions[net.TradingSymbol] = pos
			continue
		}

		oldQty := existing.AbsQuantity()
		newQty := net.Quantity
		scaledIn := abs(newQty) > oldQty && !existing.IsNew

		if scaledIn && existing.StopLossPrice > 0 {
			existing.StopLossPrice = rescaleLevel(existing.StopLossPrice, existing.AveragePrice,
				net.AveragePrice, oldQty, abs(newQty), existing.Quantity > 0, true)
		}
		if scaledIn && existing.TargetPrice > 0 {
			existing.TargetPrice = rescaleLevel(existing.TargetPrice, existing.AveragePrice,
				net.AveragePrice, oldQty, abs(newQty), existing.Quantity > 0, false)
		}

		existing.Quantity = newQty
		existing.AveragePrice = net.AveragePrice
		if net.LastPrice > 0 {
			existing.LTP = net.LastPrice
		}
		if net.GroupName != "" {
			existing.GroupName = net.GroupName
		}
	}

	for symbol, pos := range m.positions {
		if !seen[symbol] {
			delete(m.positions, symbol)
			delete(m.exitInProgress, symbol)
			m.publishRemovedLocked(*pos, "absent_from_broker")
		}
	}

	for _, pos := range m.positions {
		pos.IsNew = false
	}
}

// rescaleLevel preserves proportional rupee risk across a scale-in: the new
// level keeps old_risk x (new_qty/old_qty) total exposure around the new
// average price.
func rescaleLevel(oldLevel, oldAvg, newAvg float64, oldQty, newQty int, long, isStop bool) float64 {
	if oldQty <= 0 || newQty <= 0 {
		return oldLevel
	}
	oldRisk := (oldAvg - oldLevel) * float64(oldQty)
	if !long {
		oldRisk = (oldLevel - oldAvg) * float64(oldQty)
	}
	if !isStop {
		oldRisk = -oldRisk
	}
	newRisk := oldRisk * float64(newQty) / float64(oldQty)
	perUnit := newRisk / float64(newQty)

	sign := 1.0
	if !long {
		sign = -1.0
	}
	if isStop {
		return newAvg - sign*perUnit
	}
	return newAvg + sign*perUnit
}

// OnTicks applies a tick batch: update LTP and PnL, tighten trailing stops,
// check SL/TP breaches, then evaluate the portfolio kill switches.
func (m *Manager) OnTicks(ctx context.Context, ticks []Tick) {
	var breached []types.Position

	m.mu.Lock()
	byToken := make(map[int64]Tick, len(ticks))
	for _, tick := range ticks {
		byToken[tick.InstrumentToken] = tick
	}

	for _, pos := range m.positions {
		tick, ok := byToken[pos.InstrumentToken]
		if !ok || tick.LTP <= 0 {
			continue
		}
		pos.LTP = tick.LTP
		pos.PnL = (tick.LTP - pos.AveragePrice) * float64(pos.Quantity)

		if pos.TrailingStopLoss > 0 {
			if pos.IsLong() {
				if candidate := tick.LTP - pos.TrailingStopLoss; candidate > pos.StopLossPrice {
					pos.StopLossPrice = candidate
				}
			} else {
				candidate := tick.LTP + pos.TrailingStopLoss
				if pos.StopLossPrice == 0 || candidate < pos.StopLossPrice {
					pos.StopLossPrice = candidate
				}
			}
		}

		if m.breachedLocked(pos) {
			breached = append(breached, *pos)
		}
	}

	total := m.totalPnLLocked()
	exit := m.evaluatePortfolioLocked(total)
	m.mu.Unlock()

	for _, pos := range breached {
		m.ExitPosition(ctx, pos.TradingSymbol, breachReason(&pos))
	}
	if exit != nil {
		m.firePortfolioExit(ctx, *exit)
	}
}

func (m *Manager) breachedLocked(pos *types.Position) bool {
	if pos.IsExiting {
		return false
	}
	if pos.IsLong() {
		if pos.StopLossPrice > 0 && pos.LTP <= pos.StopLossPrice {
			return true
		}
		if pos.TargetPrice > 0 && pos.LTP >= pos.TargetPrice {
			return true
		}
		return false
	}
	if pos.StopLossPrice > 0 && pos.LTP >= pos.StopLossPrice {
		return true
	}
	if pos.TargetPrice > 0 && pos.LTP <= pos.TargetPrice {
		return true
	}
	return false
}

func breachReason(pos *types.Position) string {
	if pos.IsLong() {
		if pos.StopLossPrice > 0 && pos.LTP <= pos.StopLossPrice {
			return "STOP_LOSS"
		}
		return "TARGET"
	}
	if pos.StopLossPrice > 0 && pos.LTP >= pos.StopLossPrice {
		return "STOP_LOSS"
	}
	return "TARGET"
}

// evaluatePortfolioLocked checks the kill switches. Latching: one firing per
// arming cycle.
func (m *Manager) evaluatePortfolioLocked(total float64) *PortfolioExit {
	if m.portfolioLatched {
		return nil
	}
	if m.portfolioStopLoss != 0 && total <= m.portfolioStopLoss {
		m.portfolioLatched = true
		return &PortfolioExit{Reason: "STOP_LOSS", PnL: total}
	}
	if m.portfolioTarget != 0 && total >= m.portfolioTarget {
		m.portfolioLatched = true
		return &PortfolioExit{Reason: "TARGET", PnL: total}
	}
	return nil
}

func (m *Manager) firePortfolioExit(ctx context.Context, exit PortfolioExit) {
	m.logger.Warn("Portfolio exit triggered",
		zap.String("reason", exit.Reason), zap.Float64("pnl", exit.PnL))
	m.jrnl.Append("portfolio_exit_triggered", journal.NewTrace(nil), "position.portfolio", map[string]any{
		"reason": exit.Reason,
		"pnl":    exit.PnL,
	})
	m.bus.Publish(events.EventPortfolioExit, exit)
	m.ExitAll(ctx, "PORTFOLIO_"+exit.Reason)
}

// ExitAll exits every tracked position.
func (m *Manager) ExitAll(ctx context.Context, reason string) {
	m.mu.RLock()
	symbols := make([]string, 0, len(m.positions))
	for symbol := range m.positions {
		symbols = append(symbols, symbol)
	}
	m.mu.RUnlock()

	for _, symbol := range symbols {
		m.ExitPosition(ctx, symbol, reason)
	}
}

// ExitPosition closes one position. Idempotent per symbol: a second call
// while an exit is in flight is a no-op. Live mode sends an inverse MARKET
// order then removes the entry optimistically; paper mode drops the entry
// and leaves order routing to the ExitHook, which the composition root
// points at the simulator.
func (m *Manager) ExitPosition(ctx context.Context, tradingsymbol, reason string) error {
	m.mu.Lock()
	pos, ok := m.positions[tradingsymbol]
	if !ok || m.exitInProgress[tradingsymbol] {
		m.mu.Unlock()
		return nil
	}
	m.exitInProgress[tradingsymbol] = true
	pos.IsExiting = true
	snapshot := *pos
	m.mu.Unlock()

	var placeErr error
	if m.mode == types.TradingModeLive {
		side := types.TransactionTypeSell
		if !snapshot.IsLong() {
			side = types.TransactionTypeBuy
		}
		_, placeErr = m.client.PlaceOrder(ctx, broker.OrderParams{
			Variety:         types.VarietyRegular,
			Exchange:        snapshot.Exchange,
			TradingSymbol:   snapshot.TradingSymbol,
			TransactionType: side,
			Quantity:        snapshot.AbsQuantity(),
			Product:         snapshot.Product,
			OrderType:       types.OrderTypeMarket,
			GroupName:       snapshot.GroupName,
		})
	}

	m.mu.Lock()
	delete(m.exitInProgress, tradingsymbol)
	if placeErr != nil {
		if still, ok := m.positions[tradingsymbol]; ok {
			still.IsExiting = false
		}
		m.mu.Unlock()
		m.logger.Error("Exit order failed",
			zap.String("tradingsymbol", tradingsymbol), zap.Error(placeErr))
		return placeErr
	}
	delete(m.positions, tradingsymbol)
	m.publishRemovedLocked(snapshot, reason)
	m.mu.Unlock()

	m.jrnl.Append("position_exit", journal.NewTrace(nil), "position.exit", map[string]any{
		"tradingsymbol": tradingsymbol,
		"quantity":      snapshot.Quantity,
		"pnl":           snapshot.PnL,
		"reason":        reason,
	})
	if m.ExitHook != nil {
		m.ExitHook(snapshot, reason)
	}
	m.bus.Publish(events.EventPositionChanged, map[string]any{"refresh_completed": true})
	return nil
}

// publishRemovedLocked emits position_removed. Callers hold the mutex; the
// bus publish is non-blocking.
func (m *Manager) publishRemovedLocked(pos types.Position, reason string) {
	m.bus.Publish(events.EventPositionChanged, map[string]any{
		"position_removed": true,
		"tradingsymbol":    pos.TradingSymbol,
		"reason":           reason,
		"pnl":              pos.PnL,
	})
}

// pruneExpired removes positions whose contract expiry is before today.
func (m *Manager) pruneExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for symbol, pos := range m.positions {
		if pos.Contract == nil || pos.Contract.Expiry.IsZero() {
			continue
		}
		if pos.Contract.Expiry.Before(today) {
			delete(m.positions, symbol)
			m.publishRemovedLocked(*pos, "contract_expired")
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
