package breaker

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	b := New(zap.NewNop(), "place_order", DefaultConfig())
	b.SetClock(func() time.Time { return now })
	return b, &now
}

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		b.RecordFailure()
	}
}

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)

	failN(b, 4)
	if b.State() != StateClosed {
		t.Fatalf("state after 4 failures = %s, want CLOSED", b.State())
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state after 5 failures = %s, want OPEN", b.State())
	}

	err := b.Allow()
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("Allow on open breaker = %v, want ErrOpen", err)
	}
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b, _ := newTestBreaker(t)

	failN(b, 4)
	b.RecordSuccess()
	failN(b, 4)
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED after streak reset", b.State())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b, now := newTestBreaker(t)

	failN(b, 5)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want OPEN", b.State())
	}

	// Timeout for 5 consecutive failures: min(60s * 2^4, 300s) = 300s.
	*now = now.Add(300*time.Second + time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow after timeout: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN", b.State())
	}

	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("state after 1 probe success = %s, want HALF_OPEN", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("second probe rejected: %v", err)
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state after 2 probe successes = %s, want CLOSED", b.State())
	}
	if got := b.Metrics().CurrentTimeout; got != 60*time.Second {
		t.Fatalf("timeout after recovery = %s, want base 60s", got)
	}
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	b, now := newTestBreaker(t)

	failN(b, 5)
	*now = now.Add(301 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow after timeout: %v", err)
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state after probe failure = %s, want OPEN", b.State())
	}
}

func TestBreakerHalfOpenProbeLimit(t *testing.T) {
	b, now := newTestBreaker(t)

	failN(b, 5)
	*now = now.Add(301 * time.Second)

	// The transition itself consumes the first probe slot.
	if err := b.Allow(); err != nil {
		t.Fatalf("probe 1: %v", err)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("probe 2: %v", err)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("probe 3: %v", err)
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("probe 4 = %v, want ErrOpen", err)
	}
}

func TestBreakerTimeoutGrowsExponentially(t *testing.T) {
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	b := New(zap.NewNop(), "place_order", Config{
		FailureThreshold: 1,
		BaseTimeout:      60 * time.Second,
		HalfOpenMaxCalls: 3,
		SuccessThreshold: 2,
		MaxTimeout:       300 * time.Second,
	})
	b.SetClock(func() time.Time { return now })

	// Each failed half-open probe reopens with a doubled timeout, capped.
	want := []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second, 300 * time.Second}

	b.RecordFailure()
	if got := b.Metrics().CurrentTimeout; got != want[0] {
		t.Fatalf("timeout after open = %s, want %s", got, want[0])
	}
	for i := 1; i < len(want); i++ {
		now = now.Add(b.Metrics().CurrentTimeout + time.Second)
		if err := b.Allow(); err != nil {
			t.Fatalf("probe %d rejected: %v", i, err)
		}
		b.RecordFailure()
		if got := b.Metrics().CurrentTimeout; got != want[i] {
			t.Fatalf("timeout after %d reopen(s) = %s, want %s", i, got, want[i])
		}
	}
}

func TestBreakerExecuteCountsCalls(t *testing.T) {
	b, _ := newTestBreaker(t)

	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	wantErr := errors.New("boom")
	if err := b.Execute(func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("Execute = %v, want boom", err)
	}

	m := b.Metrics()
	if m.TotalCalls != 2 || m.SuccessfulCalls != 1 || m.FailedCalls != 1 {
		t.Fatalf("metrics = %+v, want 2 total / 1 success / 1 fail", m)
	}
}
