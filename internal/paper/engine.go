package paper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-desk/trading-core/internal/broker"
	"github.com/meridian-desk/trading-core/internal/events"
	"github.com/meridian-desk/trading-core/pkg/types"
)

// DefaultBalance is the starting paper account balance.
const DefaultBalance = 1_000_000.0

// matchInterval is the matching engine tick rate.
const matchInterval = time.Second

// accountFile is the persisted paper account state.
const accountFile = "paper_account.json"

// holding is one paper position.
type holding struct {
	Quantity    int            `json:"qty"`
	AvgPrice    float64        `json:"avg"`
	LastPrice   float64        `json:"last_price"`
	RealizedPnL float64        `json:"realized_pnl"`
	Product     types.Product  `json:"product"`
	Exchange    types.Exchange `json:"exchange"`
	Timestamp   string         `json:"timestamp"`
	GroupName   string         `json:"group_name,omitempty"`
}

// accountState is the persisted shape of paper_account.json.
type accountState struct {
	Balance       float64            `json:"balance"`
	Positions     map[string]holding `json:"positions"`
	RMSUsedMargin float64            `json:"rms_used_margin"`
}

// Engine simulates the broker. It implements broker.Client.
type Engine struct {
	mu     sync.Mutex
	logger *zap.Logger
	bus    *events.Bus
	rms    *RMS
	clock  func() time.Time

	statePath string

	marketData    map[int64]float64
	symbolToToken map[string]int64
	positions     map[string]*holding
	orders        []*broker.Order

	lastOrderMs int64
	stop        chan struct{}
}

// NewEngine creates a paper engine persisting under dir. Existing state is
// loaded; malformed state is logged and ignored.
func NewEngine(logger *zap.Logger, bus *events.Bus, dir string, balance float64) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create paper state directory: %w", err)
	}
	if balance <= 0 {
		balance = DefaultBalance
	}

	e := &Engine{
		logger:        logger.Named("paper-engine"),
		bus:           bus,
		rms:           NewRMS(balance),
		clock:         time.Now,
		statePath:     filepath.Join(dir, accountFile),
		marketData:    make(map[int64]float64),
		symbolToToken: make(map[string]int64),
		positions:     make(map[string]*holding),
	}
	e.load()
	return e, nil
}

// SetClock overrides the time source. Intended for tests.
func (e *Engine) SetClock(clock func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
}

// RMS exposes the margin gate.
func (e *Engine) RMS() *RMS { return e.rms }

// RegisterInstrument maps a tradingsymbol to its instrument token so ticks
// reach the right positions and orders.
func (e *Engine) RegisterInstrument(tradingsymbol string, token int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.symbolToToken[tradingsymbol] = token
}

// UpdateTick feeds the latest traded price for a token.
func (e *Engine) UpdateTick(token int64, ltp float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ltp <= 0 {
		return
	}
	e.marketData[token] = ltp
	for symbol, t := range e.symbolToToken {
		if t != token {
			continue
		}
		if pos, ok := e.positions[symbol]; ok {
			pos.LastPrice = ltp
		}
	}
}

// Start launches the 1 Hz matching loop.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop != nil {
		return
	}
	e.stop = make(chan struct{})
	go e.run(e.stop)
}

// Stop halts the matching loop.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop == nil {
		return
	}
	close(e.stop)
	e.stop = nil
}

func (e *Engine) run(stop chan struct{}) {
	ticker := time.NewTicker(matchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.MatchOnce()
		case <-stop:
			return
		}
	}
}

// PlaceOrder simulates order placement. MARKET and marketable LIMIT orders
// fill immediately; SL and SL-M always start TRIGGER_PENDING.
func (e *Engine) PlaceOrder(_ context.Context, params broker.OrderParams) (string, error) {
	if params.Quantity <= 0 {
		return "", errors.New("quantity must be positive")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	price := params.Price
	if price <= 0 {
		price = e.marketData[e.symbolToToken[params.TradingSymbol]]
	}

	opening := e.openingQtyLocked(params.TradingSymbol, params.TransactionType, params.Quantity)
	if opening > 0 {
		if ok, reason := e.rms.CanPlaceOrder(price, opening); !ok {
			e.bus.Publish(events.EventOrderUpdate, map[string]any{
				"order_rejected": true,
				"reason":         reason,
				"tradingsymbol":  params.TradingSymbol,
				"quantity":       params.Quantity,
			})
			return "", fmt.Errorf("rms rejected order: %s", reason)
		}
	}

	order := &broker.Order{
		OrderID:         e.nextOrderIDLocked(),
		TradingSymbol:   params.TradingSymbol,
		InstrumentToken: e.symbolToToken[params.TradingSymbol],
		TransactionType: params.TransactionType,
		Quantity:        params.Quantity,
		PendingQuantity: params.Quantity,
		Price:           params.Price,
		TriggerPrice:    params.TriggerPrice,
		Product:         params.Product,
		Exchange:        params.Exchange,
		OrderType:       params.OrderType,
		Status:          types.OrderStatusOpen,
	}

	switch params.OrderType {
	case types.OrderTypeSL, types.OrderTypeSLM:
		order.Status = types.OrderStatusTriggerPending
	case types.OrderTypeMarket:
		if ltp := e.marketData[order.InstrumentToken]; ltp > 0 {
			e.fillLocked(order, ltp)
		} else {
			order.Status = types.OrderStatusPendingExec
		}
	case types.OrderTypeLimit:
		ltp := e.marketData[order.InstrumentToken]
		if e.limitMarketable(order, ltp) {
			e.fillLocked(order, ltp)
		}
	}

	e.orders = append(e.orders, order)
	e.persistLocked()
	return order.OrderID, nil
}

// nextOrderIDLocked issues paper_<epoch_ms> ids, bumping on collision within
// the same millisecond.
func (e *Engine) nextOrderIDLocked() string {
	ms := e.clock().UnixMilli()
	if ms <= e.lastOrderMs {
		ms = e.lastOrderMs + 1
	}
	e.lastOrderMs = ms
	return fmt.Sprintf("paper_%d", ms)
}

// openingQtyLocked reduces the order through any opposite-side position and
// returns the residual quantity that opens new exposure.
func (e *Engine) openingQtyLocked(tradingsymbol string, txn types.TransactionType, quantity int) int {
	pos, ok := e.positions[tradingsymbol]
	if !ok {
		return quantity
	}
	if txn == types.TransactionTypeBuy && pos.Quantity < 0 {
		cover := min(quantity, -pos.Quantity)
		return quantity - cover
	}
	if txn == types.TransactionTypeSell && pos.Quantity > 0 {
		cover := min(quantity, pos.Quantity)
		return quantity - cover
	}
	return quantity
}

func (e *Engine) limitMarketable(order *broker.Order, ltp float64) bool {
	if ltp <= 0 || order.Price <= 0 {
		return false
	}
	if order.TransactionType == types.TransactionTypeBuy {
		return ltp <= order.Price
	}
	return ltp >= order.Price
}

// MatchOnce runs one matching pass over the resting orders. Exported so
// tests can drive the engine without the timer.
func (e *Engine) MatchOnce() {
	e.mu.Lock()
	defer e.mu.Unlock()

	filled := false
	for _, order := range e.orders {
		switch order.Status {
		case types.OrderStatusOpen, types.OrderStatusPendingExec, types.OrderStatusTriggerPending:
		default:
			continue
		}
		ltp := e.marketData[e.symbolToToken[order.TradingSymbol]]
		if ltp <= 0 {
			continue
		}

		switch order.OrderType {
		case types.OrderTypeMarket:
			e.fillLocked(order, ltp)
			filled = true
		case types.OrderTypeLimit:
			if e.limitMarketable(order, ltp) {
				e.fillLocked(order, ltp)
				filled = true
			}
		case types.OrderTypeSL, types.OrderTypeSLM:
			triggered := false
			if order.TransactionType == types.TransactionTypeSell {
				triggered = ltp <= order.TriggerPrice
			} else {
				triggered = order.TriggerPrice > 0 && ltp >= order.TriggerPrice
			}
			if triggered {
				e.fillLocked(order, ltp)
				filled = true
			}
		}
	}
	if filled {
		e.persistLocked()
	}
}

// fillLocked executes an order at price, netting against the existing
// position. Covering quantity realizes PnL and releases margin at the entry
// price; residual opening quantity reserves margin and re-averages.
func (e *Engine) fillLocked(order *broker.Order, price float64) {
	symbol := order.TradingSymbol
	qty := order.Quantity
	direction := 1
	if order.TransactionType == types.TransactionTypeSell {
		direction = -1
	}

	pos, exists := e.positions[symbol]
	coverQty := 0
	realized := 0.0
	if exists && pos.Quantity*direction < 0 {
		coverQty = min(qty, abs(pos.Quantity))
		if direction > 0 {
			// Buying back a short.
			realized = (pos.AvgPrice - price) * float64(coverQty)
		} else {
			realized = (price - pos.AvgPrice) * float64(coverQty)
		}
		e.rms.Release(pos.AvgPrice, coverQty)
		e.rms.AdjustBalance(realized)
		pos.Quantity += direction * coverQty
		pos.RealizedPnL += realized
		if pos.Quantity == 0 {
			delete(e.positions, symbol)
			exists = false
		}
	}

	openQty := qty - coverQty
	if openQty > 0 {
		e.rms.Reserve(price, openQty)
		if !exists {
			e.positions[symbol] = &holding{
				Quantity:  direction * openQty,
				AvgPrice:  price,
				LastPrice: price,
				Product:   order.Product,
				Exchange:  order.Exchange,
				Timestamp: e.clock().Format(time.RFC3339),
			}
		} else {
			prev := abs(pos.Quantity)
			total := prev + openQty
			pos.AvgPrice = (pos.AvgPrice*float64(prev) + price*float64(openQty)) / float64(total)
			pos.Quantity += direction * openQty
			pos.LastPrice = price
		}
	}

	order.Status = types.OrderStatusComplete
	order.AveragePrice = price
	order.FilledQuantity = qty
	order.PendingQuantity = 0
	order.ExchangeTimestamp = e.clock()
	order.EntryQty = openQty
	order.ExitQty = coverQty
	order.RealizedPnL = realized

	e.bus.Publish(events.EventOrderUpdate, *order)
}

// CancelOrder cancels a resting order.
func (e *Engine) CancelOrder(_ context.Context, _ string, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, order := range e.orders {
		if order.OrderID != orderID {
			continue
		}
		switch order.Status {
		case types.OrderStatusOpen, types.OrderStatusPendingExec, types.OrderStatusTriggerPending:
			order.Status = types.OrderStatusCancelled
			order.PendingQuantity = 0
			e.persistLocked()
			return nil
		default:
			return fmt.Errorf("order %s not cancellable in status %s", orderID, order.Status)
		}
	}
	return fmt.Errorf("order %s not found", orderID)
}

// Positions returns the net positions, pruning expired contracts first.
func (e *Engine) Positions(_ context.Context) (broker.PositionsResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pruneExpiredLocked()

	resp := broker.PositionsResponse{Net: make([]broker.NetPosition, 0, len(e.positions))}
	for symbol, pos := range e.positions {
		last := pos.LastPrice
		if ltp := e.marketData[e.symbolToToken[symbol]]; ltp > 0 {
			last = ltp
		}
		resp.Net = append(resp.Net, broker.NetPosition{
			TradingSymbol:   symbol,
			InstrumentToken: e.symbolToToken[symbol],
			Quantity:        pos.Quantity,
			AveragePrice:    pos.AvgPrice,
			LastPrice:       last,
			PnL:             (last - pos.AvgPrice) * float64(pos.Quantity),
			Product:         pos.Product,
			Exchange:        pos.Exchange,
			GroupName:       pos.GroupName,
		})
	}
	return resp, nil
}

// Orders returns a copy of the order book.
func (e *Engine) Orders(_ context.Context) ([]broker.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]broker.Order, len(e.orders))
	for i, order := range e.orders {
		out[i] = *order
	}
	return out, nil
}

// Profile returns the simulated account profile.
func (e *Engine) Profile(_ context.Context) (broker.Profile, error) {
	return broker.Profile{UserID: "PAPER"}, nil
}

// Margins reports the simulated margin state.
func (e *Engine) Margins(_ context.Context) (broker.Margins, error) {
	return broker.Margins{
		Equity: broker.EquityMargin{
			Net:       e.rms.AvailableMargin(),
			Available: map[string]float64{"cash": e.rms.AvailableMargin()},
			Utilised:  map[string]float64{"debits": e.rms.UsedMargin()},
		},
	}, nil
}

// monthlyExpiryRe matches the YYMMM segment of a monthly option symbol, e.g.
// NIFTY24DEC24500CE. weeklyExpiryRe matches the 5-char YYMDD weekly segment,
// e.g. NIFTY24D0924500CE, where the month digit is 1-9, O, N, or D.
var (
	monthlyExpiryRe = regexp.MustCompile(`^[A-Z]+?(\d{2})(JAN|FEB|MAR|APR|MAY|JUN|JUL|AUG|SEP|OCT|NOV|DEC)\d`)
	weeklyExpiryRe  = regexp.MustCompile(`^[A-Z]+?(\d{2})([1-9OND])(\d{2})\d`)
)

var monthAbbrev = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March,
	"APR": time.April, "MAY": time.May, "JUN": time.June,
	"JUL": time.July, "AUG": time.August, "SEP": time.September,
	"OCT": time.October, "NOV": time.November, "DEC": time.December,
}

// expiredSymbol reports whether a tradingsymbol's embedded expiry has passed.
// Unparseable symbols are never pruned.
func expiredSymbol(tradingsymbol string, now time.Time) bool {
	if m := monthlyExpiryRe.FindStringSubmatch(tradingsymbol); m != nil {
		year := 2000 + mustAtoi(m[1])
		month := monthAbbrev[m[2]]
		// Monthly contracts expire at month end; treat as expired once the
		// month has passed.
		if year < now.Year() {
			return true
		}
		return year == now.Year() && month < now.Month()
	}
	if m := weeklyExpiryRe.FindStringSubmatch(tradingsymbol); m != nil {
		year := 2000 + mustAtoi(m[1])
		month := weeklyMonth(m[2])
		day := mustAtoi(m[3])
		if month == 0 || day == 0 {
			return false
		}
		expiry := time.Date(year, month, day, 23, 59, 59, 0, now.Location())
		return expiry.Before(now)
	}
	return false
}

func weeklyMonth(code string) time.Month {
	switch code {
	case "O":
		return time.October
	case "N":
		return time.November
	case "D":
		return time.December
	default:
		n := mustAtoi(code)
		if n >= 1 && n <= 9 {
			return time.Month(n)
		}
	}
	return 0
}

func mustAtoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func (e *Engine) pruneExpiredLocked() {
	now := e.clock()
	for symbol := range e.positions {
		if expiredSymbol(symbol, now) {
			e.logger.Info("Pruning expired paper position", zap.String("tradingsymbol", symbol))
			delete(e.positions, symbol)
		}
	}
}

// persistLocked writes paper_account.json.
func (e *Engine) persistLocked() {
	state := accountState{
		Balance:       e.rms.Balance(),
		Positions:     make(map[string]holding, len(e.positions)),
		RMSUsedMargin: e.rms.UsedMargin(),
	}
	for symbol, pos := range e.positions {
		state.Positions[symbol] = *pos
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		e.logger.Error("Failed to marshal paper account state", zap.Error(err))
		return
	}
	if err := os.WriteFile(e.statePath, data, 0o644); err != nil {
		e.logger.Error("Failed to persist paper account state", zap.Error(err))
	}
}

// load restores paper_account.json. Malformed state is ignored and the
// engine starts clean.
func (e *Engine) load() {
	data, err := os.ReadFile(e.statePath)
	if err != nil {
		return
	}
	var state accountState
	if err := json.Unmarshal(data, &state); err != nil {
		e.logger.Warn("Ignoring corrupt paper account state",
			zap.String("path", e.statePath), zap.Error(err))
		return
	}
	if state.Balance > 0 {
		e.rms.restore(state.Balance, state.RMSUsedMargin)
	}
	for symbol, pos := range state.Positions {
		p := pos
		e.positions[symbol] = &p
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
