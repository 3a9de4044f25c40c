// Command workstation runs the execution and risk core: broker simulation or
// live binding, position tracking, CVD automation, risk locks, and the
// read-only status API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meridian-desk/trading-core/internal/anomaly"
	"github.com/meridian-desk/trading-core/internal/api"
	"github.com/meridian-desk/trading-core/internal/automation"
	"github.com/meridian-desk/trading-core/internal/breaker"
	"github.com/meridian-desk/trading-core/internal/broker"
	"github.com/meridian-desk/trading-core/internal/config"
	"github.com/meridian-desk/trading-core/internal/data"
	"github.com/meridian-desk/trading-core/internal/events"
	"github.com/meridian-desk/trading-core/internal/execution"
	"github.com/meridian-desk/trading-core/internal/journal"
	"github.com/meridian-desk/trading-core/internal/ledger"
	"github.com/meridian-desk/trading-core/internal/paper"
	"github.com/meridian-desk/trading-core/internal/position"
	"github.com/meridian-desk/trading-core/internal/risk"
	"github.com/meridian-desk/trading-core/internal/signals"
	"github.com/meridian-desk/trading-core/internal/telemetry"
	"github.com/meridian-desk/trading-core/internal/workers"
	"github.com/meridian-desk/trading-core/pkg/types"
	"github.com/meridian-desk/trading-core/pkg/utils"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to config file")
		debug      = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	logger := setupLogger(*debug)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	logger.Info("Starting workstation core",
		zap.String("mode", string(cfg.TradingMode)),
		zap.String("data_dir", cfg.DataDir))

	if cfg.TradingMode == types.TradingModeLive {
		logger.Fatal("Live broker binding is not configured in this build; run in paper mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	bus := events.NewBus(logger, events.Config{
		NumWorkers: cfg.EventBusWorkers,
		BufferSize: 4096,
	})

	jrnl, err := journal.New(logger, cfg.DataDir, cfg.TradingMode)
	if err != nil {
		logger.Fatal("Failed to open journal", zap.Error(err))
	}
	quality, err := journal.NewQualityLog(logger, cfg.DataDir, cfg.TradingMode)
	if err != nil {
		logger.Fatal("Failed to open quality log", zap.Error(err))
	}
	dashboard, err := telemetry.New(logger, cfg.DataDir, cfg.TradingMode, registry)
	if err != nil {
		logger.Fatal("Failed to create telemetry dashboard", zap.Error(err))
	}

	responder := anomaly.NewResponder(logger, jrnl, anomaly.Hooks{})
	detector := anomaly.NewDetector(logger, jrnl, dashboard, anomaly.DefaultDetectorConfig(),
		responder.Handle)

	engine, err := paper.NewEngine(logger, bus, cfg.DataDir, cfg.PaperBalance)
	if err != nil {
		logger.Fatal("Failed to create paper engine", zap.Error(err))
	}
	client := broker.WithTimeout(engine)

	placeBreaker := breaker.New(logger, "place_order", breaker.DefaultConfig())
	stack := execution.NewStack(logger, jrnl, quality, dashboard, detector,
		placeBreaker, execution.NewPlanner(time.Now().UnixNano()))

	ldg, err := ledger.Open(logger, cfg.DataDir, cfg.TradingMode)
	if err != nil {
		logger.Fatal("Failed to open trade ledger", zap.Error(err))
	}
	defer ldg.Close()

	positions := position.NewManager(logger, client, bus, jrnl, cfg.TradingMode)
	store := data.NewStore(logger)

	executor := &entryExecutor{stack: stack, client: client}
	basket := &basketExecutor{executor: executor, product: cfg.DefaultProduct, store: store}

	coordinator, err := automation.NewCoordinator(logger, jrnl, cfg.DataDir, cfg.TradingMode,
		cfg.DefaultProduct, executor, basket, store, positions, client, store, nil)
	if err != nil {
		logger.Fatal("Failed to create automation coordinator", zap.Error(err))
	}

	controller := risk.NewController(logger, jrnl, cfg.RiskLimits(),
		positions, ldg, coordinator, cfg.RiskExitOpenPositions)
	coordinator.SetGate(controller)
	positions.ExitHook = newExitRouter(ctx, logger, cfg.TradingMode, client, stack.RecordExit)

	responder.SetHooks(anomaly.Hooks{
		Pause: func(incident types.Incident) error {
			coordinator.DisableAll(incidentReason(incident))
			return nil
		},
		Unwind: func(incident types.Incident) error {
			controller.ActivateKillSwitch(ctx, incidentReason(incident), positions.TotalPnL())
			return nil
		},
	})

	ingress := data.NewIngress(logger, store, bus)
	ingress.AddSink(func(batch []data.IncomingTick) {
		ticks := make([]position.Tick, 0, len(batch))
		for _, t := range batch {
			engine.UpdateTick(t.InstrumentToken, t.LTP)
			ticks = append(ticks, position.Tick{
				InstrumentToken: t.InstrumentToken,
				LTP:             t.LTP,
				Timestamp:       t.Timestamp,
			})
			if c, ok := store.Contract(t.InstrumentToken); ok {
				stack.IngestTick(c.TradingSymbol, t.Timestamp)
			}
		}
		positions.OnTicks(ctx, ticks)
	})

	recorder := newFillRecorder(logger, stack, ldg, dashboard, cfg.TradingMode)
	bus.Subscribe(events.EventOrderUpdate, recorder.onOrderUpdate)

	parser := signals.NewParser(logger)
	bus.Subscribe(events.EventCVDSignal, newSignalHandler(ctx, logger, parser, detector, coordinator))
	bus.Subscribe(events.EventCVDMarketState, func(event events.Event) {
		switch payload := event.Payload.(type) {
		case types.MarketStateFrame:
			coordinator.OnMarketState(ctx, payload)
		case []byte:
			frame, err := parser.ParseMarketState(payload)
			if err != nil {
				logger.Warn("Rejected raw market state", zap.Error(err))
				return
			}
			coordinator.OnMarketState(ctx, frame)
		}
	})

	scheduler := workers.NewScheduler(ctx, logger)
	scheduler.Every("position-refresh", 5*time.Second, func(ctx context.Context) {
		positions.Refresh(ctx)
	})
	scheduler.Every("risk-evaluate", 5*time.Second, func(ctx context.Context) {
		controller.EvaluateRiskLocks(ctx)
	})

	engine.Start()
	ingress.Start()
	stack.StartHeartbeat()

	server := api.NewServer(logger, cfg.HTTPAddr, cfg.TradingMode,
		positions, controller, coordinator, dashboard, ldg, registry, placeBreaker)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Status API failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Status API shutdown failed", zap.Error(err))
	}
	stack.StopHeartbeat()
	ingress.Stop()
	engine.Stop()
	scheduler.Stop()
	cancel()
	bus.Stop()
	logger.Info("Workstation core stopped")
}

func setupLogger(debug bool) *zap.Logger {
	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		level,
	)
	return zap.New(core, zap.AddCaller())
}

// signalConsumer is the automation side of the signal path.
type signalConsumer interface {
	OnSignal(ctx context.Context, sig automation.Signal)
}

// newSignalHandler parses and screens incoming CVD signals before handing
// them to the automation coordinator.
func newSignalHandler(ctx context.Context, logger *zap.Logger, parser *signals.Parser,
	detector *anomaly.Detector, consumer signalConsumer) events.Handler {
	return func(event events.Event) {
		switch payload := event.Payload.(type) {
		case automation.Signal:
			if err := parser.Normalize(&payload); err != nil {
				logger.Warn("Rejected signal", zap.Error(err))
				return
			}
			surveilSignal(detector, payload)
			consumer.OnSignal(ctx, payload)
		case []byte:
			sig, err := parser.ParseSignal(payload)
			if err != nil {
				logger.Warn("Rejected raw signal", zap.Error(err))
				return
			}
			surveilSignal(detector, sig)
			consumer.OnSignal(ctx, sig)
		}
	}
}

// surveilSignal feeds a signal to duplicate detection. Signals without a raw
// id are keyed on the instrument token so distinct instruments carrying the
// same lots and strategy never share a derived id.
func surveilSignal(detector *anomaly.Detector, sig automation.Signal) {
	lots := sig.Lots
	if lots < 1 {
		lots = 1
	}
	detector.OnSignal(sig.SignalID, strconv.FormatInt(sig.InstrumentToken, 10),
		lots, string(sig.Strategy))
}

// newExitRouter returns the position-exit hook. Paper exits place the inverse
// MARKET order through the simulator so its book closes and PnL is realized;
// every exit is recorded on the execution stack.
func newExitRouter(ctx context.Context, logger *zap.Logger, mode types.TradingMode,
	client broker.Client, record func(tradingsymbol string, pnl float64, reason string)) func(types.Position, string) {
	return func(pos types.Position, reason string) {
		record(pos.TradingSymbol, pos.PnL, reason)
		if mode != types.TradingModePaper {
			return
		}
		side := types.TransactionTypeSell
		if !pos.IsLong() {
			side = types.TransactionTypeBuy
		}
		if _, err := client.PlaceOrder(ctx, broker.OrderParams{
			Variety:         types.VarietyRegular,
			Exchange:        pos.Exchange,
			TradingSymbol:   pos.TradingSymbol,
			TransactionType: side,
			Quantity:        pos.AbsQuantity(),
			Product:         pos.Product,
			OrderType:       types.OrderTypeMarket,
			GroupName:       pos.GroupName,
		}); err != nil {
			logger.Error("Paper exit order failed",
				zap.String("tradingsymbol", pos.TradingSymbol), zap.Error(err))
		}
	}
}

func incidentReason(incident types.Incident) string {
	return "INCIDENT_" + strings.ToUpper(string(incident.Kind))
}

// entryExecutor bridges the automation coordinator to the execution stack.
type entryExecutor struct {
	stack  *execution.Stack
	client broker.Client
}

func (e *entryExecutor) ExecuteEntry(ctx context.Context, req types.ExecutionRequest) ([]string, error) {
	base := broker.OrderParams{
		Variety:  types.VarietyRegular,
		Exchange: types.ExchangeNFO,
		Product:  req.Product,
	}
	return e.stack.Execute(ctx, req, e.client.PlaceOrder, base)
}

// basketExecutor places the buy/exit-panel multi-strike order as a series of
// immediate single-strike entries sharing a group name.
type basketExecutor struct {
	executor *entryExecutor
	product  types.Product
	store    *data.Store
}

func (b *basketExecutor) ExecuteBasket(ctx context.Context, side string, contracts []*types.Contract, quantity int, groupName string) error {
	for _, contract := range contracts {
		quote, _ := b.store.Quote(contract.TradingSymbol)
		req := types.ExecutionRequest{
			TradingSymbol:   contract.TradingSymbol,
			TransactionType: types.TransactionTypeBuy,
			Quantity:        quantity,
			OrderType:       types.OrderTypeMarket,
			Product:         b.product,
			LTP:             quote.LTP,
			Bid:             quote.Bid,
			Ask:             quote.Ask,
			Urgency:         types.UrgencyHigh,
			Algo:            types.AlgoImmediate,
			Metadata: map[string]any{
				"route":      types.RouteBuyExitPanel,
				"side":       side,
				"group_name": groupName,
			},
		}
		if _, err := b.executor.ExecuteEntry(ctx, req); err != nil {
			return fmt.Errorf("basket leg %s failed: %w", contract.TradingSymbol, err)
		}
	}
	return nil
}

// fillRecorder turns simulated fills into journal entries and ledger rows.
type fillRecorder struct {
	logger    *zap.Logger
	stack     *execution.Stack
	ledger    *ledger.Ledger
	dashboard *telemetry.Dashboard
	mode      types.TradingMode
}

func newFillRecorder(logger *zap.Logger, stack *execution.Stack, ldg *ledger.Ledger,
	dashboard *telemetry.Dashboard, mode types.TradingMode) *fillRecorder {
	return &fillRecorder{
		logger:    logger.Named("fill-recorder"),
		stack:     stack,
		ledger:    ldg,
		dashboard: dashboard,
		mode:      mode,
	}
}

func (r *fillRecorder) onOrderUpdate(event events.Event) {
	order, ok := event.Payload.(broker.Order)
	if !ok {
		// Rejection payloads are maps; surface them on the dashboard.
		if m, isMap := event.Payload.(map[string]any); isMap {
			if rejected, _ := m["order_rejected"].(bool); rejected {
				r.dashboard.Observe("order_rejected", m)
			}
		}
		return
	}
	if order.Status != types.OrderStatusComplete {
		if order.Status == types.OrderStatusCancelled || order.Status == types.OrderStatusRejected {
			r.stack.RecordCancelled(order.OrderID, order.Status, order.StatusMessage)
		}
		return
	}

	r.stack.RecordPaperFill(order)
	if order.ExitQty == 0 {
		return
	}

	exitPrice := order.AveragePrice
	perUnit := order.RealizedPnL / float64(order.ExitQty)
	side := types.LedgerSideLong
	entryPrice := exitPrice - perUnit
	if order.TransactionType == types.TransactionTypeBuy {
		// Buying back a short.
		side = types.LedgerSideShort
		entryPrice = exitPrice + perUnit
	}

	now := order.ExchangeTimestamp
	if now.IsZero() {
		now = time.Now()
	}
	row := types.TradeLedgerRow{
		OrderIDExit:     order.OrderID,
		Symbol:          order.TradingSymbol,
		TradingSymbol:   order.TradingSymbol,
		InstrumentToken: order.InstrumentToken,
		Side:            side,
		Quantity:        order.ExitQty,
		EntryPrice:      entryPrice,
		ExitPrice:       exitPrice,
		ExitTime:        utils.UTCTimestamp(now),
		RealizedPnL:     order.RealizedPnL,
		NetPnL:          order.RealizedPnL,
		ExitReason:      "FILL",
		SessionDate:     utils.SessionDate(now),
		CreatedAt:       utils.UTCTimestamp(now),
	}
	if err := r.ledger.RecordTrade(row); err != nil {
		r.logger.Error("Failed to record trade", zap.Error(err))
	}
	r.dashboard.ObserveExit(order.RealizedPnL)
}
