package journal

import (
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-desk/trading-core/pkg/types"
)

func TestAppendAndReadAll(t *testing.T) {
	j, err := New(zap.NewNop(), t.TempDir(), types.TradingModePaper)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fixed := time.Date(2026, 8, 25, 9, 30, 0, 123_000_000, time.UTC)
	j.SetClock(func() time.Time { return fixed })

	trace := NewTrace(map[string]string{"tradingsymbol": "NIFTY25AUG24800CE"})
	j.Append("execution_request", trace, "execution.execute", map[string]any{"quantity": 75})
	j.Append("order_placed", trace, "execution.place", map[string]any{"order_id": "ORD1"})

	entries, err := j.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	first := entries[0]
	if first.EventType != "execution_request" {
		t.Fatalf("event type = %s", first.EventType)
	}
	if first.Timestamp != "2026-08-25T09:30:00.123Z" {
		t.Fatalf("timestamp = %s", first.Timestamp)
	}
	if first.TraceID == "" || first.SpanID == "" {
		t.Fatalf("missing trace/span ids: %+v", first)
	}
	if first.Tags["tradingsymbol"] != "NIFTY25AUG24800CE" {
		t.Fatalf("tags = %v", first.Tags)
	}

	// Both events share the trace, each gets its own span.
	if entries[1].TraceID != first.TraceID {
		t.Fatalf("trace ids differ: %s vs %s", entries[1].TraceID, first.TraceID)
	}
	if entries[1].SpanID == first.SpanID {
		t.Fatalf("span ids collide: %s", first.SpanID)
	}
}

func TestReadAllSkipsPartialTrailingLine(t *testing.T) {
	j, err := New(zap.NewNop(), t.TempDir(), types.TradingModePaper)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	j.Append("order_placed", NewTrace(nil), "execution.place", nil)

	// Simulate a crash mid-write.
	f, err := os.OpenFile(j.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString(`{"event_type":"order_pl`); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	entries, err := j.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1 complete line", len(entries))
	}
}

func TestReadAllMissingFile(t *testing.T) {
	j, err := New(zap.NewNop(), t.TempDir(), types.TradingModePaper)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	entries, err := j.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll on missing file: %v", err)
	}
	if entries != nil {
		t.Fatalf("entries = %v, want nil", entries)
	}
}

func TestChildTraceSharesTraceID(t *testing.T) {
	parent := NewTrace(map[string]string{"k": "v"})
	span := NewSpanID()
	child := ChildTrace(parent, span)

	if child.TraceID != parent.TraceID {
		t.Fatalf("child trace id %s, want %s", child.TraceID, parent.TraceID)
	}
	if child.ParentSpanID != span {
		t.Fatalf("parent span id %s, want %s", child.ParentSpanID, span)
	}
	if child.Tags["k"] != "v" {
		t.Fatalf("tags not carried: %v", child.Tags)
	}
}
