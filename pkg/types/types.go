// Package types provides shared type definitions for the execution and risk core.
package types

import (
	"encoding/json"
	"time"
)

// TransactionType represents buy or sell.
type TransactionType string

const (
	TransactionTypeBuy  TransactionType = "BUY"
	TransactionTypeSell TransactionType = "SELL"
)

// Opposite returns the inverse transaction type.
func (t TransactionType) Opposite() TransactionType {
	if t == TransactionTypeBuy {
		return TransactionTypeSell
	}
	return TransactionTypeBuy
}

// OrderType represents the broker order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeSL     OrderType = "SL"
	OrderTypeSLM    OrderType = "SL-M"
)

// Product represents the broker product type.
type Product string

const (
	ProductMIS  Product = "MIS"
	ProductNRML Product = "NRML"
)

// Exchange identifies the trading venue segment.
type Exchange string

const (
	ExchangeNFO Exchange = "NFO"
	ExchangeNSE Exchange = "NSE"
)

// VarietyRegular is the only order variety the core places.
const VarietyRegular = "regular"

// OptionType classifies an instrument.
type OptionType string

const (
	OptionTypeCE  OptionType = "CE"
	OptionTypePE  OptionType = "PE"
	OptionTypeFut OptionType = "FUT"
	OptionTypeEq  OptionType = "EQ"
)

// TradingMode selects live or simulated execution. The lowercase value is used
// as the suffix of every persisted file; ledger rows store it uppercased.
type TradingMode string

const (
	TradingModeLive  TradingMode = "live"
	TradingModePaper TradingMode = "paper"
)

// Quote holds the last seen market quote for a contract.
type Quote struct {
	LTP float64 `json:"ltp"`
	Bid float64 `json:"bid"`
	Ask float64 `json:"ask"`
	OI  int64   `json:"oi"`
}

// Contract is an immutable instrument descriptor. Created by the instrument
// loader and shared by reference; never mutated after creation.
type Contract struct {
	Symbol          string     `json:"symbol"`
	TradingSymbol   string     `json:"tradingsymbol"`
	InstrumentToken int64      `json:"instrument_token"`
	LotSize         int        `json:"lot_size"`
	Strike          float64    `json:"strike"`
	OptionType      OptionType `json:"option_type"`
	Expiry          time.Time  `json:"expiry"`
	Quote           Quote      `json:"quote"`
}

// Position is a live holding in the position ledger. Quantity is signed:
// positive long, negative short. A tracked position never has quantity zero;
// on reaching zero the entry is removed and a removal event is emitted.
type Position struct {
	TradingSymbol    string    `json:"tradingsymbol"`
	InstrumentToken  int64     `json:"instrument_token"`
	Quantity         int       `json:"quantity"`
	AveragePrice     float64   `json:"average_price"`
	LTP              float64   `json:"ltp"`
	PnL              float64   `json:"pnl"`
	Product          Product   `json:"product"`
	Exchange         Exchange  `json:"exchange"`
	EntryTime        time.Time `json:"entry_time"`
	StopLossPrice    float64   `json:"stop_loss_price,omitempty"`
	TargetPrice      float64   `json:"target_price,omitempty"`
	TrailingStopLoss float64   `json:"trailing_stop_loss,omitempty"`
	GroupName        string    `json:"group_name,omitempty"`
	OrderID          string    `json:"order_id,omitempty"`
	StopLossOrderID  string    `json:"stop_loss_order_id,omitempty"`
	TargetOrderID    string    `json:"target_order_id,omitempty"`
	IsExiting        bool      `json:"is_exiting"`
	IsNew            bool      `json:"is_new"`
	Contract         *Contract `json:"-"`
}

// IsLong reports whether the position is long.
func (p *Position) IsLong() bool { return p.Quantity > 0 }

// AbsQuantity returns the unsigned quantity.
func (p *Position) AbsQuantity() int {
	if p.Quantity < 0 {
		return -p.Quantity
	}
	return p.Quantity
}

// Pending order statuses as reported by the broker.
const (
	OrderStatusOpen           = "OPEN"
	OrderStatusTriggerPending = "TRIGGER_PENDING"
	OrderStatusAMOReqReceived = "AMO_REQ_RECEIVED"
	OrderStatusComplete       = "COMPLETE"
	OrderStatusCancelled      = "CANCELLED"
	OrderStatusRejected       = "REJECTED"
	OrderStatusPendingExec    = "PENDING_EXECUTION"
)

// PendingOrder is a broker-side open or trigger-pending order.
type PendingOrder struct {
	OrderID         string          `json:"order_id"`
	TradingSymbol   string          `json:"tradingsymbol"`
	TransactionType TransactionType `json:"transaction_type"`
	Quantity        int             `json:"quantity"`
	PendingQuantity int             `json:"pending_quantity"`
	Price           float64         `json:"price"`
	TriggerPrice    float64         `json:"trigger_price"`
	Status          string          `json:"status"`
	Product         Product         `json:"product"`
	Exchange        Exchange        `json:"exchange"`
}

// Urgency selects routing aggressiveness for an execution request.
type Urgency string

const (
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
)

// ExecutionAlgo selects the child-order scheduling algorithm.
type ExecutionAlgo string

const (
	AlgoImmediate ExecutionAlgo = "IMMEDIATE"
	AlgoTWAP      ExecutionAlgo = "TWAP"
	AlgoVWAP      ExecutionAlgo = "VWAP"
	AlgoPOV       ExecutionAlgo = "POV"
	AlgoIS        ExecutionAlgo = "IS"
)

// ExecutionRequest is a parent-order intent handed to the execution stack.
type ExecutionRequest struct {
	TradingSymbol     string          `json:"tradingsymbol"`
	TransactionType   TransactionType `json:"transaction_type"`
	Quantity          int             `json:"quantity"`
	OrderType         OrderType       `json:"order_type"`
	Product           Product         `json:"product"`
	LTP               float64         `json:"ltp"`
	Bid               float64         `json:"bid"`
	Ask               float64         `json:"ask"`
	LimitPrice        float64         `json:"limit_price,omitempty"`
	Urgency           Urgency         `json:"urgency"`
	ParticipationRate float64         `json:"participation_rate"`
	Algo              ExecutionAlgo   `json:"execution_algo"`
	MaxChildOrders    int             `json:"max_child_orders"`
	RandomizeSlices   bool            `json:"randomize_slices"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
}

// TraceContext threads related journal events together.
type TraceContext struct {
	TraceID      string            `json:"trace_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// StrategyType identifies the CVD automation strategy that opened a trade.
type StrategyType string

const (
	StrategyATRReversal      StrategyType = "atr_reversal"
	StrategyATRDivergence    StrategyType = "atr_divergence"
	StrategyEMACross         StrategyType = "ema_cross"
	StrategyRangeBreakout    StrategyType = "range_breakout"
	StrategyOpenDrive        StrategyType = "open_drive"
	StrategyCVDRangeBreakout StrategyType = "cvd_range_breakout"
)

// StrategyPriority ranks strategies for reversal decisions. Higher wins.
// Unlisted strategies have priority zero and never pre-empt an active trade.
var StrategyPriority = map[StrategyType]int{
	StrategyATRReversal:   1,
	StrategyATRDivergence: 2,
	StrategyEMACross:      3,
	StrategyRangeBreakout: 4,
}

// Signal sides for CVD automation.
const (
	SideLong  = "long"
	SideShort = "short"
)

// AutomationTrade is the active automation record for one instrument token.
// Unknown persisted fields are preserved in Extra across save/load cycles.
type AutomationTrade struct {
	SignalSide                  string       `json:"signal_side"`
	SignalTimestamp             string       `json:"signal_timestamp"`
	StrategyType                StrategyType `json:"strategy_type"`
	EntryUnderlying             float64      `json:"entry_underlying"`
	MaxFavorablePoints          float64      `json:"max_favorable_points"`
	SLUnderlying                float64      `json:"sl_underlying"`
	StoplossPoints              float64      `json:"stoploss_points"`
	MaxProfitGivebackPoints     float64      `json:"max_profit_giveback_points"`
	MaxProfitGivebackStrategies []string     `json:"max_profit_giveback_strategies,omitempty"`
	ATRTrailingStepPoints       float64      `json:"atr_trailing_step_points,omitempty"`
	LastPriceClose              float64      `json:"last_price_close"`
	LastEMA10                   float64      `json:"last_ema10"`
	LastEMA51                   float64      `json:"last_ema51"`
	LastCVDClose                float64      `json:"last_cvd_close"`
	LastCVDEMA10                float64      `json:"last_cvd_ema10"`
	LastCVDEMA51                float64      `json:"last_cvd_ema51"`
	TradingSymbols              []string     `json:"tradingsymbols"`
	Quantity                    int          `json:"quantity"`
	GroupName                   string       `json:"group_name,omitempty"`
	PendingRetryAttempts        int          `json:"pending_retry_attempts"`
	PendingRetryDisabled        bool         `json:"pending_retry_disabled"`

	Extra map[string]json.RawMessage `json:"-"`
}

// GivebackAppliesTo reports whether the max-profit-giveback rule is active for
// the trade's strategy.
func (t *AutomationTrade) GivebackAppliesTo(strategy StrategyType) bool {
	for _, s := range t.MaxProfitGivebackStrategies {
		if StrategyType(s) == strategy {
			return true
		}
	}
	return false
}

type automationTradeAlias AutomationTrade

// MarshalJSON emits the known fields plus any preserved unknown fields.
func (t AutomationTrade) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(automationTradeAlias(t))
	if err != nil {
		return nil, err
	}
	if len(t.Extra) == 0 {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range t.Extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes known fields and stashes everything else in Extra so
// records written by newer builds survive a round-trip.
func (t *AutomationTrade) UnmarshalJSON(data []byte) error {
	var alias automationTradeAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	knownBytes, err := json.Marshal(alias)
	if err != nil {
		return err
	}
	var knownKeys map[string]json.RawMessage
	if err := json.Unmarshal(knownBytes, &knownKeys); err != nil {
		return err
	}
	for k := range knownKeys {
		delete(raw, k)
	}
	*t = AutomationTrade(alias)
	if len(raw) > 0 {
		t.Extra = raw
	}
	return nil
}

// MarketStateFrame is one per-bar market-state update consumed by the CVD
// automation coordinator.
type MarketStateFrame struct {
	InstrumentToken             int64        `json:"instrument_token"`
	Timestamp                   string       `json:"timestamp"`
	PriceClose                  float64      `json:"price_close"`
	EMA10                       float64      `json:"ema10"`
	EMA51                       float64      `json:"ema51"`
	CVDClose                    float64      `json:"cvd_close"`
	CVDEMA10                    float64      `json:"cvd_ema10"`
	CVDEMA51                    float64      `json:"cvd_ema51"`
	Enabled                     bool         `json:"enabled"`
	Strategy                    StrategyType `json:"strategy,omitempty"`
	StoplossPoints              float64      `json:"stoploss_points,omitempty"`
	MaxProfitGivebackPoints     float64      `json:"max_profit_giveback_points,omitempty"`
	MaxProfitGivebackStrategies []string     `json:"max_profit_giveback_strategies,omitempty"`
	Route                       string       `json:"route,omitempty"`
}

// Automation order routes.
const (
	RouteSingleStrike = "single_strike"
	RouteBuyExitPanel = "buy_exit_panel"
)

// IncidentKind classifies a detected failure mode.
type IncidentKind string

const (
	IncidentStuckOrder      IncidentKind = "stuck_order"
	IncidentStaleTick       IncidentKind = "stale_tick"
	IncidentDuplicateSignal IncidentKind = "duplicate_signal"
	IncidentRunawayLoop     IncidentKind = "runaway_loop"
)

// IncidentSeverity grades an incident.
type IncidentSeverity string

const (
	SeverityMedium   IncidentSeverity = "medium"
	SeverityHigh     IncidentSeverity = "high"
	SeverityCritical IncidentSeverity = "critical"
)

// Incident is a detected anomaly plus its remediation playbook.
type Incident struct {
	Kind     IncidentKind     `json:"kind"`
	Severity IncidentSeverity `json:"severity"`
	Details  map[string]any   `json:"details,omitempty"`
	Playbook []string         `json:"playbook"`
}

// Trade sides recorded in the ledger.
const (
	LedgerSideLong  = "LONG"
	LedgerSideShort = "SHORT"
)

// Trade statuses recorded in the ledger.
const (
	TradeStatusManual = "MANUAL"
	TradeStatusAlgo   = "ALGO"
)

// TradeLedgerRow is one closed trade, keyed by unique order_id_exit.
type TradeLedgerRow struct {
	TradeID         string  `db:"trade_id" json:"trade_id"`
	OrderIDEntry    string  `db:"order_id_entry" json:"order_id_entry"`
	OrderIDExit     string  `db:"order_id_exit" json:"order_id_exit"`
	Symbol          string  `db:"symbol" json:"symbol"`
	TradingSymbol   string  `db:"tradingsymbol" json:"tradingsymbol"`
	InstrumentToken int64   `db:"instrument_token" json:"instrument_token"`
	OptionType      string  `db:"option_type" json:"option_type"`
	Expiry          string  `db:"expiry" json:"expiry"`
	Strike          float64 `db:"strike" json:"strike"`
	Side            string  `db:"side" json:"side"`
	Quantity        int     `db:"quantity" json:"quantity"`
	EntryPrice      float64 `db:"entry_price" json:"entry_price"`
	ExitPrice       float64 `db:"exit_price" json:"exit_price"`
	EntryTime       string  `db:"entry_time" json:"entry_time"`
	ExitTime        string  `db:"exit_time" json:"exit_time"`
	RealizedPnL     float64 `db:"realized_pnl" json:"realized_pnl"`
	Charges         float64 `db:"charges" json:"charges"`
	NetPnL          float64 `db:"net_pnl" json:"net_pnl"`
	ExitReason      string  `db:"exit_reason" json:"exit_reason"`
	StrategyTag     string  `db:"strategy_tag" json:"strategy_tag"`
	TradeStatus     string  `db:"trade_status" json:"trade_status"`
	StrategyName    string  `db:"strategy_name" json:"strategy_name"`
	TradingMode     string  `db:"trading_mode" json:"trading_mode"`
	SessionDate     string  `db:"session_date" json:"session_date"`
	CreatedAt       string  `db:"created_at" json:"created_at"`
}

// RiskLimits configures the intraday risk controller. A zero value disables
// the corresponding limit.
type RiskLimits struct {
	IntradayDrawdownLimit float64 `json:"intraday_drawdown_limit"`
	MaxPortfolioLoss      float64 `json:"max_portfolio_loss"`
	MaxOpenPositions      int     `json:"max_open_positions"`
	MaxGrossOpenQuantity  int     `json:"max_gross_open_quantity"`
}
