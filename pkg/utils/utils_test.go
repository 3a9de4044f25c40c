package utils

import (
	"math"
	"testing"
	"time"
)

func TestUTCTimestamp(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	at := time.Date(2026, 8, 25, 15, 0, 0, 123_000_000, ist)
	if got := UTCTimestamp(at); got != "2026-08-25T09:30:00.123Z" {
		t.Fatalf("UTCTimestamp = %s", got)
	}
}

func TestSessionDateUsesWallClock(t *testing.T) {
	at := time.Date(2026, 8, 25, 23, 59, 0, 0, time.Local)
	if got := SessionDate(at); got != "2026-08-25" {
		t.Fatalf("SessionDate = %s", got)
	}
}

func TestClamp(t *testing.T) {
	if got := Clamp(0.5, 0.01, 1.0); got != 0.5 {
		t.Fatalf("Clamp mid = %v", got)
	}
	if got := Clamp(-3, 0.01, 1.0); got != 0.01 {
		t.Fatalf("Clamp low = %v", got)
	}
	if got := Clamp(7, 0.01, 1.0); got != 1.0 {
		t.Fatalf("Clamp high = %v", got)
	}
}

func TestFiniteFloat(t *testing.T) {
	for _, v := range []float64{0, -1.5, 1e300} {
		if !FiniteFloat(v) {
			t.Fatalf("FiniteFloat(%v) = false", v)
		}
	}
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if FiniteFloat(v) {
			t.Fatalf("FiniteFloat(%v) = true", v)
		}
	}
}

func TestIntHelpers(t *testing.T) {
	if AbsInt(-5) != 5 || AbsInt(5) != 5 {
		t.Fatal("AbsInt")
	}
	if MinInt(2, 3) != 2 || MaxInt(2, 3) != 3 {
		t.Fatal("MinInt/MaxInt")
	}
}
