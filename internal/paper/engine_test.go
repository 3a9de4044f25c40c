package paper

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-desk/trading-core/internal/broker"
	"github.com/meridian-desk/trading-core/internal/events"
	"github.com/meridian-desk/trading-core/pkg/types"
)

const testSymbol = "NIFTY25SEP24800CE"

// testNow pins the clock before testSymbol's embedded expiry so
// pruneExpiredLocked does not drop fixture positions on later run dates.
var testNow = time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *events.Bus) {
	t.Helper()
	logger := zap.NewNop()
	bus := events.NewBus(logger, events.DefaultConfig())
	t.Cleanup(bus.Stop)

	e, err := NewEngine(logger, bus, t.TempDir(), 1_000_000)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	e.SetClock(func() time.Time { return testNow })
	e.RegisterInstrument(testSymbol, 12345)
	return e, bus
}

func marketBuy(qty int) broker.OrderParams {
	return broker.OrderParams{
		Variety:         types.VarietyRegular,
		Exchange:        types.ExchangeNFO,
		TradingSymbol:   testSymbol,
		TransactionType: types.TransactionTypeBuy,
		Quantity:        qty,
		Product:         types.ProductMIS,
		OrderType:       types.OrderTypeMarket,
	}
}

func TestMarketOrderFillsAtLTP(t *testing.T) {
	e, _ := newTestEngine(t)
	e.UpdateTick(12345, 120.0)

	orderID, err := e.PlaceOrder(context.Background(), marketBuy(75))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if !strings.HasPrefix(orderID, "paper_") {
		t.Fatalf("order id = %s, want paper_ prefix", orderID)
	}

	orders, _ := e.Orders(context.Background())
	if len(orders) != 1 || orders[0].Status != types.OrderStatusComplete {
		t.Fatalf("orders = %+v, want one COMPLETE", orders)
	}
	if orders[0].AveragePrice != 120.0 || orders[0].FilledQuantity != 75 {
		t.Fatalf("fill = %v @ %v, want 75 @ 120", orders[0].FilledQuantity, orders[0].AveragePrice)
	}

	resp, _ := e.Positions(context.Background())
	if len(resp.Net) != 1 || resp.Net[0].Quantity != 75 || resp.Net[0].AveragePrice != 120.0 {
		t.Fatalf("positions = %+v, want long 75 @ 120", resp.Net)
	}

	wantUsed := 120.0 * 75 * 1.1
	if used := e.RMS().UsedMargin(); math.Abs(used-wantUsed) > 1e-9 {
		t.Fatalf("used margin = %v, want %v", used, wantUsed)
	}
}

func TestMarketOrderWithoutQuoteRestsThenMatches(t *testing.T) {
	e, _ := newTestEngine(t)

	if _, err := e.PlaceOrder(context.Background(), marketBuy(75)); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	orders, _ := e.Orders(context.Background())
	if orders[0].Status != types.OrderStatusPendingExec {
		t.Fatalf("status = %s, want PENDING_EXECUTION", orders[0].Status)
	}

	e.UpdateTick(12345, 118.0)
	e.MatchOnce()

	orders, _ = e.Orders(context.Background())
	if orders[0].Status != types.OrderStatusComplete || orders[0].AveragePrice != 118.0 {
		t.Fatalf("order after match = %+v, want COMPLETE @ 118", orders[0])
	}
}

func TestLimitOrderFillsOnlyWhenMarketable(t *testing.T) {
	e, _ := newTestEngine(t)
	e.UpdateTick(12345, 120.0)

	params := marketBuy(75)
	params.OrderType = types.OrderTypeLimit
	params.Price = 119.0
	if _, err := e.PlaceOrder(context.Background(), params); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	orders, _ := e.Orders(context.Background())
	if orders[0].Status != types.OrderStatusOpen {
		t.Fatalf("status = %s, want OPEN while unmarketable", orders[0].Status)
	}

	e.UpdateTick(12345, 118.5)
	e.MatchOnce()
	orders, _ = e.Orders(context.Background())
	if orders[0].Status != types.OrderStatusComplete || orders[0].AveragePrice != 118.5 {
		t.Fatalf("order = %+v, want COMPLETE @ 118.5", orders[0])
	}
}

func TestStopLossOrderStartsTriggerPending(t *testing.T) {
	e, _ := newTestEngine(t)
	e.UpdateTick(12345, 120.0)

	// Long first, then a protective sell stop below the market.
	if _, err := e.PlaceOrder(context.Background(), marketBuy(75)); err != nil {
		t.Fatalf("entry: %v", err)
	}
	sl := marketBuy(75)
	sl.TransactionType = types.TransactionTypeSell
	sl.OrderType = types.OrderTypeSLM
	sl.TriggerPrice = 110.0
	if _, err := e.PlaceOrder(context.Background(), sl); err != nil {
		t.Fatalf("stop: %v", err)
	}

	orders, _ := e.Orders(context.Background())
	if orders[1].Status != types.OrderStatusTriggerPending {
		t.Fatalf("stop status = %s, want TRIGGER_PENDING", orders[1].Status)
	}

	// Above the trigger: still pending.
	e.UpdateTick(12345, 112.0)
	e.MatchOnce()
	orders, _ = e.Orders(context.Background())
	if orders[1].Status != types.OrderStatusTriggerPending {
		t.Fatalf("stop fired above trigger")
	}

	// At/below the trigger: fills and flattens the position.
	e.UpdateTick(12345, 109.5)
	e.MatchOnce()
	orders, _ = e.Orders(context.Background())
	if orders[1].Status != types.OrderStatusComplete || orders[1].AveragePrice != 109.5 {
		t.Fatalf("stop = %+v, want COMPLETE @ 109.5", orders[1])
	}
	resp, _ := e.Positions(context.Background())
	if len(resp.Net) != 0 {
		t.Fatalf("positions after stop = %+v, want flat", resp.Net)
	}
}

func TestCoverRealizesPnLAndReleasesMargin(t *testing.T) {
	e, _ := newTestEngine(t)
	e.UpdateTick(12345, 100.0)
	if _, err := e.PlaceOrder(context.Background(), marketBuy(75)); err != nil {
		t.Fatalf("entry: %v", err)
	}

	e.UpdateTick(12345, 110.0)
	exit := marketBuy(75)
	exit.TransactionType = types.TransactionTypeSell
	if _, err := e.PlaceOrder(context.Background(), exit); err != nil {
		t.Fatalf("exit: %v", err)
	}

	orders, _ := e.Orders(context.Background())
	fill := orders[1]
	if fill.ExitQty != 75 || fill.EntryQty != 0 {
		t.Fatalf("attribution = entry %d / exit %d, want 0/75", fill.EntryQty, fill.ExitQty)
	}
	if math.Abs(fill.RealizedPnL-750.0) > 1e-9 {
		t.Fatalf("realized = %v, want 750", fill.RealizedPnL)
	}

	if used := e.RMS().UsedMargin(); used != 0 {
		t.Fatalf("used margin after flat = %v, want 0", used)
	}
	if bal := e.RMS().Balance(); math.Abs(bal-1_000_750.0) > 1e-9 {
		t.Fatalf("balance = %v, want 1000750", bal)
	}
}

func TestScaleInReaverages(t *testing.T) {
	e, _ := newTestEngine(t)
	e.UpdateTick(12345, 100.0)
	if _, err := e.PlaceOrder(context.Background(), marketBuy(75)); err != nil {
		t.Fatalf("first entry: %v", err)
	}
	e.UpdateTick(12345, 110.0)
	if _, err := e.PlaceOrder(context.Background(), marketBuy(75)); err != nil {
		t.Fatalf("second entry: %v", err)
	}

	resp, _ := e.Positions(context.Background())
	if len(resp.Net) != 1 || resp.Net[0].Quantity != 150 {
		t.Fatalf("positions = %+v, want long 150", resp.Net)
	}
	if math.Abs(resp.Net[0].AveragePrice-105.0) > 1e-9 {
		t.Fatalf("avg = %v, want 105", resp.Net[0].AveragePrice)
	}
}

func TestRMSRejectionPublishesAndErrors(t *testing.T) {
	e, bus := newTestEngine(t)
	rejected := make(chan events.Event, 1)
	bus.Subscribe(events.EventOrderUpdate, func(event events.Event) {
		select {
		case rejected <- event:
		default:
		}
	})
	e.UpdateTick(12345, 100.0)

	// 10000 * 100 * 1.1 = 1.1M > 1M balance.
	_, err := e.PlaceOrder(context.Background(), marketBuy(10_000))
	if err == nil {
		t.Fatal("expected RMS rejection")
	}
	if !strings.Contains(err.Error(), "insufficient margin") {
		t.Fatalf("error = %v, want insufficient margin", err)
	}

	orders, _ := e.Orders(context.Background())
	if len(orders) != 0 {
		t.Fatalf("rejected order entered the book: %+v", orders)
	}

	select {
	case event := <-rejected:
		payload, ok := event.Payload.(map[string]any)
		if !ok || payload["order_rejected"] != true {
			t.Fatalf("rejection payload = %+v", event.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no rejection event on the bus")
	}
}

func TestCoveringOrderBypassesRMS(t *testing.T) {
	e, _ := newTestEngine(t)
	e.UpdateTick(12345, 100.0)
	if _, err := e.PlaceOrder(context.Background(), marketBuy(75)); err != nil {
		t.Fatalf("entry: %v", err)
	}

	// Drain nearly all remaining margin headroom, then close the position. The
	// exit reduces exposure so the margin gate must not block it.
	e.RMS().Reserve(100.0, 8000)
	exit := marketBuy(75)
	exit.TransactionType = types.TransactionTypeSell
	if _, err := e.PlaceOrder(context.Background(), exit); err != nil {
		t.Fatalf("covering order rejected: %v", err)
	}
}

func TestCancelOrder(t *testing.T) {
	e, _ := newTestEngine(t)

	params := marketBuy(75)
	params.OrderType = types.OrderTypeLimit
	params.Price = 90.0
	orderID, err := e.PlaceOrder(context.Background(), params)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if err := e.CancelOrder(context.Background(), types.VarietyRegular, orderID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	orders, _ := e.Orders(context.Background())
	if orders[0].Status != types.OrderStatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", orders[0].Status)
	}

	if err := e.CancelOrder(context.Background(), types.VarietyRegular, orderID); err == nil {
		t.Fatal("second cancel succeeded")
	}
	if err := e.CancelOrder(context.Background(), types.VarietyRegular, "paper_0"); err == nil {
		t.Fatal("cancel of unknown order succeeded")
	}
}

func TestOrderIDsMonotonicWithinMillisecond(t *testing.T) {
	e, _ := newTestEngine(t)
	fixed := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	e.SetClock(func() time.Time { return fixed })
	e.UpdateTick(12345, 100.0)

	first, err := e.PlaceOrder(context.Background(), marketBuy(1))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := e.PlaceOrder(context.Background(), marketBuy(1))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first == second {
		t.Fatalf("colliding order ids: %s", first)
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	logger := zap.NewNop()
	bus := events.NewBus(logger, events.DefaultConfig())
	t.Cleanup(bus.Stop)
	dir := t.TempDir()

	e1, err := NewEngine(logger, bus, dir, 1_000_000)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	e1.SetClock(func() time.Time { return testNow })
	e1.RegisterInstrument(testSymbol, 12345)
	e1.UpdateTick(12345, 100.0)
	if _, err := e1.PlaceOrder(context.Background(), marketBuy(75)); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	e2, err := NewEngine(logger, bus, dir, 1_000_000)
	if err != nil {
		t.Fatalf("NewEngine restart: %v", err)
	}
	e2.SetClock(func() time.Time { return testNow })
	e2.RegisterInstrument(testSymbol, 12345)

	resp, _ := e2.Positions(context.Background())
	if len(resp.Net) != 1 || resp.Net[0].Quantity != 75 {
		t.Fatalf("restored positions = %+v, want long 75", resp.Net)
	}
	wantUsed := 100.0 * 75 * 1.1
	if used := e2.RMS().UsedMargin(); math.Abs(used-wantUsed) > 1e-9 {
		t.Fatalf("restored used margin = %v, want %v", used, wantUsed)
	}
}

func TestExpiredSymbolPruning(t *testing.T) {
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		symbol  string
		expired bool
	}{
		{"NIFTY26JUL24500CE", true},  // monthly, last month
		{"NIFTY25DEC24500CE", true},  // monthly, last year
		{"NIFTY26AUG24500CE", false}, // monthly, current month
		{"NIFTY26SEP24500CE", false}, // monthly, next month
		{"NIFTY2681924500CE", true},  // weekly 19-Aug-2026
		{"NIFTY2690324500CE", false}, // weekly 03-Sep-2026
		{"NIFTY26O0824500PE", false}, // weekly 08-Oct-2026
		{"RELIANCE", false},          // equity, never pruned
	}

	for _, tc := range cases {
		if got := expiredSymbol(tc.symbol, now); got != tc.expired {
			t.Errorf("expiredSymbol(%s) = %v, want %v", tc.symbol, got, tc.expired)
		}
	}
}
