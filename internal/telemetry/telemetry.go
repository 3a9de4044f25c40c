// Package telemetry provides the in-memory rolling counters behind the
// dashboard snapshot and the TCA report.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/meridian-desk/trading-core/pkg/types"
	"github.com/meridian-desk/trading-core/pkg/utils"
)

const recentEventLimit = 100

// EventRecord is one entry of the recent-events ring.
type EventRecord struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Snapshot is the periodically persisted dashboard state.
type Snapshot struct {
	GeneratedAt  string           `json:"generated_at"`
	Counters     map[string]int64 `json:"counters"`
	RecentEvents []EventRecord    `json:"recent_events"`
}

// TCAReport is the transaction-cost-analysis summary, overwritten in place
// on every heartbeat.
type TCAReport struct {
	GeneratedAt         string  `json:"generated_at"`
	OrdersPlaced        int64   `json:"orders_placed"`
	OrdersFilled        int64   `json:"orders_filled"`
	FillRatePct         float64 `json:"fill_rate_pct"`
	OrdersRejected      int64   `json:"orders_rejected"`
	RejectRatePct       float64 `json:"reject_rate_pct"`
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
	AvgExpectedSlippage float64 `json:"avg_expected_slippage"`
	HitRatioPct         float64 `json:"hit_ratio_pct"`
	TotalIncidents      int64   `json:"total_incidents"`
	StuckOrderIncidents int64   `json:"stuck_order_incidents"`
}

// Dashboard accumulates counters and recent events, mirrors them to
// prometheus, and persists snapshot and TCA files.
type Dashboard struct {
	mu     sync.Mutex
	logger *zap.Logger
	clock  func() time.Time

	snapshotPath string
	tcaPath      string

	counters map[string]int64
	recent   []EventRecord

	latencyTotalMs  float64
	latencyCount    int64
	slippageTotal   float64
	slippageCount   int64
	profitableExits int64
	totalExits      int64

	promEvents  *prometheus.CounterVec
	promLatency prometheus.Histogram
}

// New creates a dashboard writing telemetry_snapshot_<mode>.json and
// tca_report_<mode>.json under dir. The prometheus registry may be nil.
func New(logger *zap.Logger, dir string, mode types.TradingMode, reg *prometheus.Registry) (*Dashboard, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
	}

	d := &Dashboard{
		logger:       logger.Named("telemetry"),
		clock:        time.Now,
		snapshotPath: filepath.Join(dir, fmt.Sprintf("telemetry_snapshot_%s.json", mode)),
		tcaPath:      filepath.Join(dir, fmt.Sprintf("tca_report_%s.json", mode)),
		counters:     make(map[string]int64),
	}

	d.promEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workstation",
		Name:      "events_total",
		Help:      "Journaled execution events by type.",
	}, []string{"event"})
	d.promLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "workstation",
		Name:      "order_placement_latency_seconds",
		Help:      "Broker order placement latency.",
		Buckets:   prometheus.DefBuckets,
	})
	if reg != nil {
		reg.MustRegister(d.promEvents, d.promLatency)
	}

	return d, nil
}

// SetClock overrides the time source. Intended for tests.
func (d *Dashboard) SetClock(clock func() time.Time) { d.clock = clock }

// Observe increments the counter for an event and records it in the
// recent-events ring.
func (d *Dashboard) Observe(event string, fields map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.counters[event]++
	d.recent = append(d.recent, EventRecord{
		Event:     event,
		Timestamp: utils.UTCTimestamp(d.clock()),
		Fields:    fields,
	})
	if len(d.recent) > recentEventLimit {
		d.recent = d.recent[len(d.recent)-recentEventLimit:]
	}
	d.promEvents.WithLabelValues(event).Inc()
}

// ObservePlacement records per-child placement quality numbers.
func (d *Dashboard) ObservePlacement(latencyMs, expectedSlippage float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.latencyTotalMs += latencyMs
	d.latencyCount++
	d.slippageTotal += expectedSlippage
	d.slippageCount++
	d.promLatency.Observe(latencyMs / 1000.0)
}

// ObserveExit records a closed position outcome for the hit ratio.
func (d *Dashboard) ObserveExit(pnl float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.totalExits++
	if pnl > 0 {
		d.profitableExits++
	}
}

// Counter returns the current value of a counter.
func (d *Dashboard) Counter(event string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counters[event]
}

// Snapshot returns a copy of the current dashboard state.
func (d *Dashboard) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	counters := make(map[string]int64, len(d.counters))
	for k, v := range d.counters {
		counters[k] = v
	}
	recent := make([]EventRecord, len(d.recent))
	copy(recent, d.recent)

	return Snapshot{
		GeneratedAt:  utils.UTCTimestamp(d.clock()),
		Counters:     counters,
		RecentEvents: recent,
	}
}

// WriteSnapshot overwrites the snapshot file with the current state.
func (d *Dashboard) WriteSnapshot() error {
	return d.writeJSON(d.snapshotPath, d.Snapshot())
}

// TCA computes the current transaction-cost-analysis report.
func (d *Dashboard) TCA() TCAReport {
	d.mu.Lock()
	defer d.mu.Unlock()

	placed := d.counters["order_placed"]
	filled := d.counters["order_fill"]
	rejected := d.counters["order_rejected"] + d.counters["order_error"]

	report := TCAReport{
		GeneratedAt:         utils.UTCTimestamp(d.clock()),
		OrdersPlaced:        placed,
		OrdersFilled:        filled,
		OrdersRejected:      rejected,
		StuckOrderIncidents: d.counters["incident_stuck_order"],
	}
	for k, v := range d.counters {
		if len(k) > 9 && k[:9] == "incident_" {
			report.TotalIncidents += v
		}
	}
	if placed > 0 {
		report.FillRatePct = 100.0 * float64(filled) / float64(placed)
		report.RejectRatePct = 100.0 * float64(rejected) / float64(placed)
	}
	if d.latencyCount > 0 {
		report.AvgLatencyMs = d.latencyTotalMs / float64(d.latencyCount)
	}
	if d.slippageCount > 0 {
		report.AvgExpectedSlippage = d.slippageTotal / float64(d.slippageCount)
	}
	if d.totalExits > 0 {
		report.HitRatioPct = 100.0 * float64(d.profitableExits) / float64(d.totalExits)
	}
	return report
}

// WriteTCA overwrites the TCA report file.
func (d *Dashboard) WriteTCA() error {
	return d.writeJSON(d.tcaPath, d.TCA())
}

func (d *Dashboard) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
