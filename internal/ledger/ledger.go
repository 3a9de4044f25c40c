// Package ledger is the durable record of closed trades, one SQLite store
// per trading mode.
package ledger

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/meridian-desk/trading-core/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	trade_id         TEXT NOT NULL,
	order_id_entry   TEXT NOT NULL DEFAULT '',
	order_id_exit    TEXT NOT NULL UNIQUE,
	symbol           TEXT NOT NULL DEFAULT '',
	tradingsymbol    TEXT NOT NULL,
	instrument_token INTEGER NOT NULL DEFAULT 0,
	option_type      TEXT NOT NULL DEFAULT '',
	expiry           TEXT NOT NULL DEFAULT '',
	strike           REAL NOT NULL DEFAULT 0,
	side             TEXT NOT NULL,
	quantity         INTEGER NOT NULL,
	entry_price      REAL NOT NULL,
	exit_price       REAL NOT NULL,
	entry_time       TEXT NOT NULL DEFAULT '',
	exit_time        TEXT NOT NULL DEFAULT '',
	realized_pnl     REAL NOT NULL,
	charges          REAL NOT NULL DEFAULT 0,
	net_pnl          REAL NOT NULL,
	exit_reason      TEXT NOT NULL DEFAULT '',
	strategy_tag     TEXT NOT NULL DEFAULT '',
	trade_status     TEXT NOT NULL DEFAULT 'MANUAL',
	strategy_name    TEXT NOT NULL DEFAULT 'N/A',
	trading_mode     TEXT NOT NULL,
	session_date     TEXT NOT NULL,
	created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_session_date ON trades(session_date);
`

const insertTrade = `
INSERT INTO trades (
	trade_id, order_id_entry, order_id_exit, symbol, tradingsymbol,
	instrument_token, option_type, expiry, strike, side, quantity,
	entry_price, exit_price, entry_time, exit_time, realized_pnl,
	charges, net_pnl, exit_reason, strategy_tag, trade_status,
	strategy_name, trading_mode, session_date, created_at
) VALUES (
	:trade_id, :order_id_entry, :order_id_exit, :symbol, :tradingsymbol,
	:instrument_token, :option_type, :expiry, :strike, :side, :quantity,
	:entry_price, :exit_price, :entry_time, :exit_time, :realized_pnl,
	:charges, :net_pnl, :exit_reason, :strategy_tag, :trade_status,
	:strategy_name, :trading_mode, :session_date, :created_at
)`

// DayStats aggregates one session's closed trades.
type DayStats struct {
	SessionDate string  `db:"session_date" json:"session_date"`
	TradeCount  int     `db:"trade_count" json:"trade_count"`
	Wins        int     `db:"wins" json:"wins"`
	Losses      int     `db:"losses" json:"losses"`
	GrossPnL    float64 `db:"gross_pnl" json:"gross_pnl"`
	Charges     float64 `db:"charges" json:"charges"`
	NetPnL      float64 `db:"net_pnl" json:"net_pnl"`
	BestTrade   float64 `db:"best_trade" json:"best_trade"`
	WorstTrade  float64 `db:"worst_trade" json:"worst_trade"`
}

// DaySummary is DayStats plus the trades behind it.
type DaySummary struct {
	Stats  DayStats               `json:"stats"`
	Trades []types.TradeLedgerRow `json:"trades"`
}

// Ledger is the closed-trade store for one trading mode.
type Ledger struct {
	logger *zap.Logger
	db     *sqlx.DB
	mode   types.TradingMode
}

// Open creates or opens trades_<mode>.db under dir.
func Open(logger *zap.Logger, dir string, mode types.TradingMode) (*Ledger, error) {
	path := filepath.Join(dir, fmt.Sprintf("trades_%s.db", mode))
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open trade ledger: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply ledger schema: %w", err)
	}
	return &Ledger{
		logger: logger.Named("trade-ledger"),
		db:     db,
		mode:   mode,
	}, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error { return l.db.Close() }

// RecordTrade inserts a closed trade. Idempotent: a duplicate order_id_exit
// is logged and skipped. Missing identifiers and defaults are filled in.
func (l *Ledger) RecordTrade(row types.TradeLedgerRow) error {
	if row.OrderIDExit == "" {
		return fmt.Errorf("order_id_exit is required")
	}
	if row.TradeID == "" {
		row.TradeID = uuid.NewString()
	}
	if row.TradeStatus == "" {
		row.TradeStatus = types.TradeStatusManual
	}
	if row.StrategyName == "" {
		row.StrategyName = "N/A"
	}
	row.TradingMode = strings.ToUpper(string(l.mode))

	if _, err := l.db.NamedExec(insertTrade, row); err != nil {
		if isUniqueViolation(err) {
			l.logger.Info("Duplicate trade skipped",
				zap.String("order_id_exit", row.OrderIDExit))
			return nil
		}
		return fmt.Errorf("failed to record trade: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}

// TradesForDate returns the session's trades in exit order.
func (l *Ledger) TradesForDate(sessionDate string) ([]types.TradeLedgerRow, error) {
	var rows []types.TradeLedgerRow
	err := l.db.Select(&rows,
		`SELECT * FROM trades WHERE session_date = ? ORDER BY exit_time, created_at`, sessionDate)
	if err != nil {
		return nil, fmt.Errorf("failed to read trades for %s: %w", sessionDate, err)
	}
	return rows, nil
}

// RealizedPnLForDate sums the session's realized PnL.
func (l *Ledger) RealizedPnLForDate(sessionDate string) (float64, error) {
	var pnl float64
	err := l.db.Get(&pnl,
		`SELECT COALESCE(SUM(realized_pnl), 0) FROM trades WHERE session_date = ?`, sessionDate)
	if err != nil {
		return 0, fmt.Errorf("failed to sum realized pnl for %s: %w", sessionDate, err)
	}
	return pnl, nil
}

// DailyTradeStats aggregates the session's trades.
func (l *Ledger) DailyTradeStats(sessionDate string) (DayStats, error) {
	var stats DayStats
	err := l.db.Get(&stats, `
SELECT
	? AS session_date,
	COUNT(*) AS trade_count,
	COALESCE(SUM(CASE WHEN net_pnl > 0 THEN 1 ELSE 0 END), 0) AS wins,
	COALESCE(SUM(CASE WHEN net_pnl < 0 THEN 1 ELSE 0 END), 0) AS losses,
	COALESCE(SUM(realized_pnl), 0) AS gross_pnl,
	COALESCE(SUM(charges), 0) AS charges,
	COALESCE(SUM(net_pnl), 0) AS net_pnl,
	COALESCE(MAX(net_pnl), 0) AS best_trade,
	COALESCE(MIN(net_pnl), 0) AS worst_trade
FROM trades WHERE session_date = ?`, sessionDate, sessionDate)
	if err != nil {
		return DayStats{}, fmt.Errorf("failed to compute daily stats for %s: %w", sessionDate, err)
	}
	return stats, nil
}

// DaySummary returns the session's stats plus its trades.
func (l *Ledger) DaySummary(sessionDate string) (DaySummary, error) {
	stats, err := l.DailyTradeStats(sessionDate)
	if err != nil {
		return DaySummary{}, err
	}
	trades, err := l.TradesForDate(sessionDate)
	if err != nil {
		return DaySummary{}, err
	}
	return DaySummary{Stats: stats, Trades: trades}, nil
}

// LastNTrades returns the most recent n trades, newest first.
func (l *Ledger) LastNTrades(n int) ([]types.TradeLedgerRow, error) {
	if n <= 0 {
		return nil, nil
	}
	var rows []types.TradeLedgerRow
	err := l.db.Select(&rows,
		`SELECT * FROM trades ORDER BY created_at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to read last %d trades: %w", n, err)
	}
	return rows, nil
}

// Count returns the total number of recorded trades.
func (l *Ledger) Count() (int, error) {
	var n int
	if err := l.db.Get(&n, `SELECT COUNT(*) FROM trades`); err != nil {
		return 0, fmt.Errorf("failed to count trades: %w", err)
	}
	return n, nil
}
