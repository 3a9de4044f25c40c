// Package api exposes the read-only status HTTP surface: positions, pending
// orders, telemetry, TCA, ledger views, and prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/meridian-desk/trading-core/internal/breaker"
	"github.com/meridian-desk/trading-core/internal/ledger"
	"github.com/meridian-desk/trading-core/internal/telemetry"
	"github.com/meridian-desk/trading-core/pkg/types"
	"github.com/meridian-desk/trading-core/pkg/utils"
)

// PositionReader is the position-manager surface the API serves.
type PositionReader interface {
	Positions() []types.Position
	PendingOrders() []types.PendingOrder
	TotalPnL() float64
}

// RiskReader reports the risk controller state.
type RiskReader interface {
	KillSwitchActive() (bool, string)
	PeakPnL() float64
}

// AutomationReader reports the automation coordinator state.
type AutomationReader interface {
	ActiveCount() int
}

// Server is the read-only status HTTP server.
type Server struct {
	logger     *zap.Logger
	httpServer *http.Server

	mode       types.TradingMode
	positions  PositionReader
	risk       RiskReader
	automation AutomationReader
	dashboard  *telemetry.Dashboard
	ledger     *ledger.Ledger
	breakers   []*breaker.Breaker
	clock      func() time.Time
}

// NewServer builds the status server. Ledger and readers may be nil; their
// endpoints then return 404.
func NewServer(logger *zap.Logger, addr string, mode types.TradingMode,
	positions PositionReader, risk RiskReader, automation AutomationReader,
	dashboard *telemetry.Dashboard, ldg *ledger.Ledger, reg *prometheus.Registry,
	breakers ...*breaker.Breaker) *Server {

	s := &Server{
		logger:     logger.Named("api"),
		mode:       mode,
		positions:  positions,
		risk:       risk,
		automation: automation,
		dashboard:  dashboard,
		ledger:     ldg,
		breakers:   breakers,
		clock:      time.Now,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/positions", s.handlePositions).Methods(http.MethodGet)
	router.HandleFunc("/api/orders/pending", s.handlePending).Methods(http.MethodGet)
	router.HandleFunc("/api/telemetry", s.handleTelemetry).Methods(http.MethodGet)
	router.HandleFunc("/api/tca", s.handleTCA).Methods(http.MethodGet)
	router.HandleFunc("/api/breakers", s.handleBreakers).Methods(http.MethodGet)
	router.HandleFunc("/api/trades/today", s.handleTradesToday).Methods(http.MethodGet)
	router.HandleFunc("/api/trades/summary", s.handleDaySummary).Methods(http.MethodGet)
	router.HandleFunc("/api/trades/last/{n:[0-9]+}", s.handleLastTrades).Methods(http.MethodGet)
	if reg != nil {
		router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("Status API listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{"status": "ok", "mode": string(s.mode)})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"mode":         string(s.mode),
		"generated_at": utils.UTCTimestamp(s.clock()),
	}
	if s.positions != nil {
		status["open_positions"] = len(s.positions.Positions())
		status["pending_orders"] = len(s.positions.PendingOrders())
		status["total_pnl"] = s.positions.TotalPnL()
	}
	if s.risk != nil {
		active, reason := s.risk.KillSwitchActive()
		status["kill_switch_active"] = active
		status["kill_switch_reason"] = reason
		status["intraday_peak_pnl"] = s.risk.PeakPnL()
	}
	if s.automation != nil {
		status["active_automations"] = s.automation.ActiveCount()
	}
	s.writeJSON(w, status)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if s.positions == nil {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, s.positions.Positions())
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if s.positions == nil {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, s.positions.PendingOrders())
}

func (s *Server) handleTelemetry(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.dashboard.Snapshot())
}

func (s *Server) handleTCA(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.dashboard.TCA())
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	metrics := make([]breaker.Metrics, 0, len(s.breakers))
	for _, b := range s.breakers {
		metrics = append(metrics, b.Metrics())
	}
	s.writeJSON(w, metrics)
}

func (s *Server) handleTradesToday(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.NotFound(w, r)
		return
	}
	trades, err := s.ledger.TradesForDate(utils.SessionDate(s.clock()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, trades)
}

func (s *Server) handleDaySummary(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.NotFound(w, r)
		return
	}
	summary, err := s.ledger.DaySummary(utils.SessionDate(s.clock()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, summary)
}

func (s *Server) handleLastTrades(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.NotFound(w, r)
		return
	}
	n, err := strconv.Atoi(mux.Vars(r)["n"])
	if err != nil || n < 1 {
		http.Error(w, "invalid count", http.StatusBadRequest)
		return
	}
	if n > 500 {
		n = 500
	}
	trades, err := s.ledger.LastNTrades(n)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, trades)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.logger.Error("Request failed", zap.Error(err))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
