package anomaly

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/meridian-desk/trading-core/internal/journal"
	"github.com/meridian-desk/trading-core/pkg/types"
)

func TestResponderRunsPlaybookInOrder(t *testing.T) {
	logger := zap.NewNop()
	jrnl, err := journal.New(logger, t.TempDir(), types.TradingModePaper)
	if err != nil {
		t.Fatalf("journal.New: %v", err)
	}

	var calls []string
	r := NewResponder(logger, jrnl, Hooks{
		Pause:   func(types.Incident) error { calls = append(calls, "pause"); return nil },
		Unwind:  func(types.Incident) error { calls = append(calls, "unwind"); return nil },
		Reroute: func(types.Incident) error { calls = append(calls, "reroute"); return nil },
	})

	r.Handle(types.Incident{Kind: types.IncidentRunawayLoop})

	want := []string{"pause", "unwind", "reroute"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}

	entries, err := jrnl.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("journal entries = %d, want 3", len(entries))
	}
	for _, e := range entries {
		if e.EventType != "incident_action" {
			t.Fatalf("event type = %s, want incident_action", e.EventType)
		}
		if e.Payload["status"] != "executed" {
			t.Fatalf("status = %v, want executed", e.Payload["status"])
		}
	}
}

func TestResponderContinuesPastHookFailure(t *testing.T) {
	logger := zap.NewNop()
	jrnl, err := journal.New(logger, t.TempDir(), types.TradingModePaper)
	if err != nil {
		t.Fatalf("journal.New: %v", err)
	}

	var calls []string
	r := NewResponder(logger, jrnl, Hooks{
		Pause:  func(types.Incident) error { calls = append(calls, "pause"); return errors.New("pause failed") },
		Unwind: func(types.Incident) error { calls = append(calls, "unwind"); return nil },
	})

	r.Handle(types.Incident{Kind: types.IncidentStuckOrder})

	if len(calls) != 2 {
		t.Fatalf("calls = %v, want pause then unwind", calls)
	}

	entries, err := jrnl.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("journal entries = %d, want 2", len(entries))
	}
	if entries[0].Payload["status"] != "failed" {
		t.Fatalf("first action status = %v, want failed", entries[0].Payload["status"])
	}
	if entries[1].Payload["status"] != "executed" {
		t.Fatalf("second action status = %v, want executed", entries[1].Payload["status"])
	}
}

func TestResponderNilHooksJournaledAsSkipped(t *testing.T) {
	logger := zap.NewNop()
	jrnl, err := journal.New(logger, t.TempDir(), types.TradingModePaper)
	if err != nil {
		t.Fatalf("journal.New: %v", err)
	}
	r := NewResponder(logger, jrnl, Hooks{})

	r.Handle(types.Incident{Kind: types.IncidentStaleTick})

	entries, err := jrnl.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("journal entries = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Payload["status"] != "skipped" {
			t.Fatalf("status = %v, want skipped", e.Payload["status"])
		}
	}
}

func TestResponderSetHooksBindsLate(t *testing.T) {
	logger := zap.NewNop()
	jrnl, err := journal.New(logger, t.TempDir(), types.TradingModePaper)
	if err != nil {
		t.Fatalf("journal.New: %v", err)
	}
	r := NewResponder(logger, jrnl, Hooks{})

	var paused int
	r.SetHooks(Hooks{
		Pause: func(types.Incident) error { paused++; return nil },
	})
	r.Handle(types.Incident{Kind: types.IncidentDuplicateSignal})

	if paused != 1 {
		t.Fatalf("pause hook calls = %d, want 1", paused)
	}
	entries, err := jrnl.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("journal entries = %d, want 1", len(entries))
	}
	if entries[0].Payload["status"] != "executed" {
		t.Fatalf("status = %v, want executed", entries[0].Payload["status"])
	}
}
