// Package anomaly provides independent heartbeat surveillance of the order
// and tick streams, plus playbook-driven incident response.
//
// The detector never returns errors to callers: every failure mode it finds
// is journaled and handed to the responder, and the trading paths keep
// running.
package anomaly

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-desk/trading-core/internal/journal"
	"github.com/meridian-desk/trading-core/internal/telemetry"
	"github.com/meridian-desk/trading-core/pkg/types"
)

// DetectorConfig holds the surveillance thresholds.
type DetectorConfig struct {
	StaleTickAfter     time.Duration // no tick for this long => stale_tick
	StuckAlertAfter    time.Duration // unfilled order age before first alert
	StuckAlertCooldown time.Duration // minimum gap between alerts per order
	StuckMaxAge        time.Duration // unfilled order age before auto-evict
	DuplicateWindow    time.Duration // same signal id within window => duplicate
	LoopWindowCap      int           // bounded event-timestamp window
	LoopThreshold      int           // events within LoopSpan => runaway_loop
	LoopSpan           time.Duration
}

// DefaultDetectorConfig returns the standard thresholds.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		StaleTickAfter:     10 * time.Second,
		StuckAlertAfter:    20 * time.Second,
		StuckAlertCooldown: 300 * time.Second,
		StuckMaxAge:        600 * time.Second,
		DuplicateWindow:    30 * time.Second,
		LoopWindowCap:      200,
		LoopThreshold:      80,
		LoopSpan:           time.Second,
	}
}

// IncidentSink receives detected incidents.
type IncidentSink func(incident types.Incident)

// Detector watches order, tick, and signal streams for the four failure
// modes: stuck orders, stale ticks, duplicate signals, and runaway loops.
type Detector struct {
	mu     sync.Mutex
	logger *zap.Logger
	config DetectorConfig
	clock  func() time.Time

	journal   *journal.Journal
	dashboard *telemetry.Dashboard
	sink      IncidentSink

	lastTickTS    map[string]time.Time
	activeOrders  map[string]time.Time
	stuckAlertAt  map[string]time.Time
	signalSeen    map[string]time.Time
	loopWindow    []time.Time
	loopWindowPos int
}

// NewDetector creates a detector. The sink may be nil.
func NewDetector(logger *zap.Logger, jrnl *journal.Journal, dashboard *telemetry.Dashboard, config DetectorConfig, sink IncidentSink) *Detector {
	return &Detector{
		logger:       logger.Named("anomaly-detector"),
		config:       config,
		clock:        time.Now,
		journal:      jrnl,
		dashboard:    dashboard,
		sink:         sink,
		lastTickTS:   make(map[string]time.Time),
		activeOrders: make(map[string]time.Time),
		stuckAlertAt: make(map[string]time.Time),
		signalSeen:   make(map[string]time.Time),
	}
}

// SetClock overrides the time source. Intended for tests.
func (d *Detector) SetClock(clock func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clock = clock
}

// OnTick records tick liveness for a symbol and runs the runaway-loop scan.
// A zero ts means now.
func (d *Detector) OnTick(symbol string, ts time.Time) {
	d.mu.Lock()
	now := d.clock()
	if ts.IsZero() {
		ts = now
	}
	d.lastTickTS[symbol] = ts
	d.pushLoopEvent(now)
	incident := d.scanRunawayLoopLocked(now)
	d.mu.Unlock()

	if incident != nil {
		d.emit(*incident)
	}
}

// OnSignal checks a trading signal for duplicates. When rawID is empty an
// effective id is derived from the symbol, quantity, and source.
func (d *Detector) OnSignal(rawID, tradingsymbol string, quantity int, source string) {
	effectiveID := rawID
	if effectiveID == "" {
		effectiveID = fmt.Sprintf("%s:%d:%s", tradingsymbol, quantity, source)
	}

	d.mu.Lock()
	now := d.clock()
	seen, dup := d.signalSeen[effectiveID]
	d.signalSeen[effectiveID] = now
	d.mu.Unlock()

	if dup && now.Sub(seen) <= d.config.DuplicateWindow {
		d.emit(types.Incident{
			Kind:     types.IncidentDuplicateSignal,
			Severity: types.SeverityMedium,
			Details: map[string]any{
				"signal_id":     effectiveID,
				"tradingsymbol": tradingsymbol,
				"seconds_ago":   now.Sub(seen).Seconds(),
			},
		})
	}
}

// OnOrderSubmitted enrolls an order for stuck-order surveillance.
func (d *Detector) OnOrderSubmitted(orderID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activeOrders[orderID] = d.clock()
}

// OnOrderClosed removes an order from surveillance after a fill or cancel.
func (d *Detector) OnOrderClosed(orderID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.activeOrders, orderID)
	delete(d.stuckAlertAt, orderID)
}

// ActiveOrderCount reports the number of orders under surveillance.
func (d *Detector) ActiveOrderCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.activeOrders)
}

// Heartbeat runs the periodic scans. It is driven by an external
// fixed-interval timer so quiet markets still surface stuck orders.
func (d *Detector) Heartbeat() {
	var incidents []types.Incident

	d.mu.Lock()
	now := d.clock()

	// Stale ticks. Reset the per-symbol timestamp after alerting so one
	// outage produces one incident per heartbeat window, not a flood.
	for symbol, last := range d.lastTickTS {
		gap := now.Sub(last)
		if gap > d.config.StaleTickAfter {
			incidents = append(incidents, types.Incident{
				Kind:     types.IncidentStaleTick,
				Severity: types.SeverityHigh,
				Details: map[string]any{
					"symbol":             symbol,
					"seconds_since_tick": gap.Seconds(),
				},
			})
			d.lastTickTS[symbol] = now
		}
	}

	// Stuck orders. The created_at timestamp is never reset; only the alert
	// timestamp moves, giving the cooldown.
	var evicted []string
	for orderID, createdAt := range d.activeOrders {
		age := now.Sub(createdAt)
		if age > d.config.StuckMaxAge {
			evicted = append(evicted, orderID)
			continue
		}
		if age > d.config.StuckAlertAfter {
			lastAlert, alerted := d.stuckAlertAt[orderID]
			if !alerted || now.Sub(lastAlert) >= d.config.StuckAlertCooldown {
				d.stuckAlertAt[orderID] = now
				incidents = append(incidents, types.Incident{
					Kind:     types.IncidentStuckOrder,
					Severity: types.SeverityCritical,
					Details: map[string]any{
						"order_id":    orderID,
						"age_seconds": age.Seconds(),
					},
				})
			}
		}
	}
	for _, orderID := range evicted {
		delete(d.activeOrders, orderID)
		delete(d.stuckAlertAt, orderID)
	}
	d.mu.Unlock()

	for _, orderID := range evicted {
		d.journal.Append("order_evicted", journal.NewTrace(nil), "anomaly.heartbeat", map[string]any{
			"order_id": orderID,
			"reason":   "no_fill_callback_within_max_age",
		})
		d.dashboard.Observe("order_evicted", map[string]any{"order_id": orderID})
	}
	for _, incident := range incidents {
		d.emit(incident)
	}
}

// pushLoopEvent appends to the bounded loop window.
func (d *Detector) pushLoopEvent(now time.Time) {
	if len(d.loopWindow) < d.config.LoopWindowCap {
		d.loopWindow = append(d.loopWindow, now)
		return
	}
	d.loopWindow[d.loopWindowPos%d.config.LoopWindowCap] = now
	d.loopWindowPos++
}

func (d *Detector) scanRunawayLoopLocked(now time.Time) *types.Incident {
	recent := 0
	for _, ts := range d.loopWindow {
		if now.Sub(ts) <= d.config.LoopSpan {
			recent++
		}
	}
	if recent < d.config.LoopThreshold {
		return nil
	}
	d.loopWindow = d.loopWindow[:0]
	d.loopWindowPos = 0
	return &types.Incident{
		Kind:     types.IncidentRunawayLoop,
		Severity: types.SeverityCritical,
		Details:  map[string]any{"events_in_window": recent},
	}
}

// emit attaches the playbook, journals the incident, and forwards it.
func (d *Detector) emit(incident types.Incident) {
	incident.Playbook = PlaybookFor(incident.Kind)

	d.journal.Append("incident", journal.NewTrace(nil), "anomaly.detect", map[string]any{
		"kind":     string(incident.Kind),
		"severity": string(incident.Severity),
		"details":  incident.Details,
		"playbook": incident.Playbook,
	})
	d.dashboard.Observe("incident_"+string(incident.Kind), incident.Details)
	d.logger.Warn("Incident detected",
		zap.String("kind", string(incident.Kind)),
		zap.String("severity", string(incident.Severity)),
		zap.Any("details", incident.Details))

	if d.sink != nil {
		d.sink(incident)
	}
}
