package ledger

import (
	"fmt"
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/meridian-desk/trading-core/pkg/types"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(zap.NewNop(), t.TempDir(), types.TradingModePaper)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func row(exitID string, pnl float64) types.TradeLedgerRow {
	return types.TradeLedgerRow{
		OrderIDExit:   exitID,
		TradingSymbol: "NIFTY25SEP24800CE",
		Side:          types.LedgerSideLong,
		Quantity:      75,
		EntryPrice:    100,
		ExitPrice:     100 + pnl/75,
		RealizedPnL:   pnl,
		NetPnL:        pnl,
		ExitReason:    "MANUAL_EXIT",
		SessionDate:   "2026-08-25",
		CreatedAt:     "2026-08-25T10:00:00.000Z",
		ExitTime:      "2026-08-25T10:00:00.000Z",
	}
}

func TestRecordTradeFillsDefaults(t *testing.T) {
	l := newTestLedger(t)
	if err := l.RecordTrade(row("EXIT1", 750)); err != nil {
		t.Fatalf("RecordTrade: %v", err)
	}

	trades, err := l.TradesForDate("2026-08-25")
	if err != nil {
		t.Fatalf("TradesForDate: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	got := trades[0]
	if got.TradeID == "" {
		t.Fatal("trade_id not generated")
	}
	if got.TradeStatus != types.TradeStatusManual {
		t.Fatalf("trade_status = %s, want MANUAL", got.TradeStatus)
	}
	if got.StrategyName != "N/A" {
		t.Fatalf("strategy_name = %s, want N/A", got.StrategyName)
	}
	if got.TradingMode != "PAPER" {
		t.Fatalf("trading_mode = %s, want PAPER", got.TradingMode)
	}
}

func TestRecordTradeDuplicateExitSkipped(t *testing.T) {
	l := newTestLedger(t)
	if err := l.RecordTrade(row("EXIT1", 750)); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := l.RecordTrade(row("EXIT1", 999)); err != nil {
		t.Fatalf("duplicate insert should be skipped, got: %v", err)
	}

	n, err := l.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}

	// The original row survives.
	pnl, err := l.RealizedPnLForDate("2026-08-25")
	if err != nil {
		t.Fatalf("RealizedPnLForDate: %v", err)
	}
	if math.Abs(pnl-750) > 1e-9 {
		t.Fatalf("realized = %v, want 750", pnl)
	}
}

func TestRecordTradeRequiresExitID(t *testing.T) {
	l := newTestLedger(t)
	if err := l.RecordTrade(types.TradeLedgerRow{}); err == nil {
		t.Fatal("empty order_id_exit accepted")
	}
}

func TestRealizedPnLForDateSumsSession(t *testing.T) {
	l := newTestLedger(t)
	l.RecordTrade(row("EXIT1", 750))
	l.RecordTrade(row("EXIT2", -450))

	other := row("EXIT3", 10_000)
	other.SessionDate = "2026-08-24"
	l.RecordTrade(other)

	pnl, err := l.RealizedPnLForDate("2026-08-25")
	if err != nil {
		t.Fatalf("RealizedPnLForDate: %v", err)
	}
	if math.Abs(pnl-300) > 1e-9 {
		t.Fatalf("realized = %v, want 300", pnl)
	}

	// Empty session sums to zero, not an error.
	pnl, err = l.RealizedPnLForDate("2026-01-01")
	if err != nil || pnl != 0 {
		t.Fatalf("empty session = %v/%v, want 0/nil", pnl, err)
	}
}

func TestDailyTradeStats(t *testing.T) {
	l := newTestLedger(t)
	l.RecordTrade(row("EXIT1", 750))
	l.RecordTrade(row("EXIT2", -450))
	l.RecordTrade(row("EXIT3", 1_200))

	stats, err := l.DailyTradeStats("2026-08-25")
	if err != nil {
		t.Fatalf("DailyTradeStats: %v", err)
	}
	if stats.TradeCount != 3 || stats.Wins != 2 || stats.Losses != 1 {
		t.Fatalf("stats = %+v, want 3 trades / 2 wins / 1 loss", stats)
	}
	if math.Abs(stats.NetPnL-1_500) > 1e-9 {
		t.Fatalf("net = %v, want 1500", stats.NetPnL)
	}
	if stats.BestTrade != 1_200 || stats.WorstTrade != -450 {
		t.Fatalf("best/worst = %v/%v, want 1200/-450", stats.BestTrade, stats.WorstTrade)
	}
}

func TestDaySummaryIncludesTrades(t *testing.T) {
	l := newTestLedger(t)
	l.RecordTrade(row("EXIT1", 750))

	summary, err := l.DaySummary("2026-08-25")
	if err != nil {
		t.Fatalf("DaySummary: %v", err)
	}
	if summary.Stats.TradeCount != 1 || len(summary.Trades) != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestLastNTradesNewestFirst(t *testing.T) {
	l := newTestLedger(t)
	for i := 0; i < 5; i++ {
		r := row(fmt.Sprintf("EXIT%d", i), float64(i*100))
		r.CreatedAt = fmt.Sprintf("2026-08-25T10:00:0%d.000Z", i)
		l.RecordTrade(r)
	}

	trades, err := l.LastNTrades(3)
	if err != nil {
		t.Fatalf("LastNTrades: %v", err)
	}
	if len(trades) != 3 {
		t.Fatalf("trades = %d, want 3", len(trades))
	}
	if trades[0].OrderIDExit != "EXIT4" || trades[2].OrderIDExit != "EXIT2" {
		t.Fatalf("order = %s..%s, want EXIT4..EXIT2", trades[0].OrderIDExit, trades[2].OrderIDExit)
	}

	if trades, _ := l.LastNTrades(0); trades != nil {
		t.Fatalf("LastNTrades(0) = %v, want nil", trades)
	}
}
