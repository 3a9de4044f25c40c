// Package broker defines the duck-typed broker client contract shared by the
// live SDK binding and the paper trading simulator.
package broker

import (
	"context"
	"time"

	"github.com/meridian-desk/trading-core/pkg/types"
)

// OrderParams are the arguments of a place_order call.
type OrderParams struct {
	Variety         string                `json:"variety"`
	Exchange        types.Exchange        `json:"exchange"`
	TradingSymbol   string                `json:"tradingsymbol"`
	TransactionType types.TransactionType `json:"transaction_type"`
	Quantity        int                   `json:"quantity"`
	Product         types.Product         `json:"product"`
	OrderType       types.OrderType       `json:"order_type"`
	Price           float64               `json:"price,omitempty"`
	TriggerPrice    float64               `json:"trigger_price,omitempty"`
	GroupName       string                `json:"group_name,omitempty"`
}

// NetPosition is one row of the broker positions response.
type NetPosition struct {
	TradingSymbol   string         `json:"tradingsymbol"`
	InstrumentToken int64          `json:"instrument_token"`
	Quantity        int            `json:"quantity"`
	AveragePrice    float64        `json:"average_price"`
	LastPrice       float64        `json:"last_price"`
	PnL             float64        `json:"pnl"`
	Product         types.Product  `json:"product"`
	Exchange        types.Exchange `json:"exchange"`
	GroupName       string         `json:"group_name,omitempty"`
}

// PositionsResponse mirrors the SDK's positions() payload.
type PositionsResponse struct {
	Net []NetPosition `json:"net"`
}

// Order is one row of the broker orders response.
type Order struct {
	OrderID           string                `json:"order_id"`
	TradingSymbol     string                `json:"tradingsymbol"`
	InstrumentToken   int64                 `json:"instrument_token"`
	TransactionType   types.TransactionType `json:"transaction_type"`
	Quantity          int                   `json:"quantity"`
	PendingQuantity   int                   `json:"pending_quantity"`
	FilledQuantity    int                   `json:"filled_quantity"`
	Price             float64               `json:"price"`
	TriggerPrice      float64               `json:"trigger_price"`
	AveragePrice      float64               `json:"average_price"`
	Status            string                `json:"status"`
	StatusMessage     string                `json:"status_message,omitempty"`
	Product           types.Product         `json:"product"`
	Exchange          types.Exchange        `json:"exchange"`
	OrderType         types.OrderType       `json:"order_type"`
	ExchangeTimestamp time.Time             `json:"exchange_timestamp"`

	// Fill attribution populated by the paper engine to drive ledger
	// recording upstream.
	EntryQty    int     `json:"entry_qty,omitempty"`
	ExitQty     int     `json:"exit_qty,omitempty"`
	RealizedPnL float64 `json:"realized_pnl,omitempty"`
}

// EquityMargin is the equity segment of the margins response.
type EquityMargin struct {
	Net       float64            `json:"net"`
	Available map[string]float64 `json:"available"`
	Utilised  map[string]float64 `json:"utilised"`
}

// Margins mirrors the SDK's margins() payload.
type Margins struct {
	Equity    EquityMargin `json:"equity"`
	Commodity EquityMargin `json:"commodity"`
}

// Profile mirrors the SDK's profile() payload.
type Profile struct {
	UserID string `json:"user_id"`
}

// Client is the broker API surface the core consumes. The live SDK binding is
// single-threaded: callers must not issue concurrent Positions/Orders/
// PlaceOrder against the same client.
type Client interface {
	PlaceOrder(ctx context.Context, params OrderParams) (string, error)
	CancelOrder(ctx context.Context, variety, orderID string) error
	Positions(ctx context.Context) (PositionsResponse, error)
	Orders(ctx context.Context) ([]Order, error)
	Profile(ctx context.Context) (Profile, error)
	Margins(ctx context.Context) (Margins, error)
}

// CallTimeout is the per-call budget applied to every broker API call.
const CallTimeout = 5 * time.Second

// WithTimeout wraps a Client so each call runs under CallTimeout.
func WithTimeout(c Client) Client {
	return &timeoutClient{inner: c}
}

type timeoutClient struct {
	inner Client
}

func (t *timeoutClient) PlaceOrder(ctx context.Context, params OrderParams) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	return t.inner.PlaceOrder(ctx, params)
}

func (t *timeoutClient) CancelOrder(ctx context.Context, variety, orderID string) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	return t.inner.CancelOrder(ctx, variety, orderID)
}

func (t *timeoutClient) Positions(ctx context.Context) (PositionsResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	return t.inner.Positions(ctx)
}

func (t *timeoutClient) Orders(ctx context.Context) ([]Order, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	return t.inner.Orders(ctx)
}

func (t *timeoutClient) Profile(ctx context.Context) (Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	return t.inner.Profile(ctx)
}

func (t *timeoutClient) Margins(ctx context.Context) (Margins, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	return t.inner.Margins(ctx)
}
