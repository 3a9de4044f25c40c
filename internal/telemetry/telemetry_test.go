package telemetry

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/meridian-desk/trading-core/pkg/types"
)

func newTestDashboard(t *testing.T) (*Dashboard, string) {
	t.Helper()
	dir := t.TempDir()
	d, err := New(zap.NewNop(), dir, types.TradingModePaper, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.SetClock(func() time.Time {
		return time.Date(2026, 8, 25, 11, 0, 0, 0, time.UTC)
	})
	return d, dir
}

func TestObserveCountsAndRecentRing(t *testing.T) {
	d, _ := newTestDashboard(t)

	for i := 0; i < 150; i++ {
		d.Observe("order_placed", map[string]any{"i": i})
	}
	if got := d.Counter("order_placed"); got != 150 {
		t.Fatalf("counter = %d, want 150", got)
	}

	snap := d.Snapshot()
	if len(snap.RecentEvents) != 100 {
		t.Fatalf("recent events = %d, want ring cap 100", len(snap.RecentEvents))
	}
	// The ring keeps the newest events.
	if got := snap.RecentEvents[99].Fields["i"]; got != 149 {
		t.Fatalf("newest event i = %v, want 149", got)
	}
}

func TestTCAReport(t *testing.T) {
	d, _ := newTestDashboard(t)

	for i := 0; i < 4; i++ {
		d.Observe("order_placed", nil)
		d.ObservePlacement(50.0, 0.3)
	}
	d.Observe("order_fill", nil)
	d.Observe("order_fill", nil)
	d.Observe("order_fill", nil)
	d.Observe("order_rejected", nil)
	d.Observe("incident_stuck_order", nil)
	d.Observe("incident_stale_tick", nil)

	d.ObserveExit(1200.0)
	d.ObserveExit(-500.0)

	report := d.TCA()
	if report.OrdersPlaced != 4 || report.OrdersFilled != 3 {
		t.Fatalf("placed/filled = %d/%d, want 4/3", report.OrdersPlaced, report.OrdersFilled)
	}
	if math.Abs(report.FillRatePct-75.0) > 1e-9 {
		t.Fatalf("fill rate = %v, want 75", report.FillRatePct)
	}
	if report.OrdersRejected != 1 {
		t.Fatalf("rejected = %d, want 1", report.OrdersRejected)
	}
	if math.Abs(report.AvgLatencyMs-50.0) > 1e-9 {
		t.Fatalf("avg latency = %v, want 50", report.AvgLatencyMs)
	}
	if math.Abs(report.AvgExpectedSlippage-0.3) > 1e-9 {
		t.Fatalf("avg slippage = %v, want 0.3", report.AvgExpectedSlippage)
	}
	if math.Abs(report.HitRatioPct-50.0) > 1e-9 {
		t.Fatalf("hit ratio = %v, want 50", report.HitRatioPct)
	}
	if report.TotalIncidents != 2 || report.StuckOrderIncidents != 1 {
		t.Fatalf("incidents = %d/%d, want 2 total / 1 stuck",
			report.TotalIncidents, report.StuckOrderIncidents)
	}
}

func TestWriteSnapshotAndTCAFiles(t *testing.T) {
	d, dir := newTestDashboard(t)
	d.Observe("order_placed", nil)

	if err := d.WriteSnapshot(); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	if err := d.WriteTCA(); err != nil {
		t.Fatalf("WriteTCA: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "telemetry_snapshot_paper.json"))
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.Counters["order_placed"] != 1 {
		t.Fatalf("persisted counter = %d, want 1", snap.Counters["order_placed"])
	}

	data, err = os.ReadFile(filepath.Join(dir, "tca_report_paper.json"))
	if err != nil {
		t.Fatalf("read tca: %v", err)
	}
	var report TCAReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal tca: %v", err)
	}
	if report.OrdersPlaced != 1 {
		t.Fatalf("persisted placed = %d, want 1", report.OrdersPlaced)
	}
}
