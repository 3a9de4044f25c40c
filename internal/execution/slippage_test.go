package execution

import (
	"math"
	"testing"
)

func TestEstimateChildTwoSidedBook(t *testing.T) {
	est := EstimateChild(100.0, 99.8, 100.2, 25, 100)

	if math.Abs(est.SpreadCost-0.2) > 1e-9 {
		t.Fatalf("spread cost = %v, want 0.2", est.SpreadCost)
	}
	if math.Abs(est.Participation-0.25) > 1e-9 {
		t.Fatalf("participation = %v, want 0.25", est.Participation)
	}
	wantImpact := 100.0 * 0.0004 * math.Pow(0.25, 0.6)
	if math.Abs(est.ImpactCost-wantImpact) > 1e-9 {
		t.Fatalf("impact cost = %v, want %v", est.ImpactCost, wantImpact)
	}
	if math.Abs(est.Expected-(est.SpreadCost+est.ImpactCost)) > 1e-9 {
		t.Fatalf("expected = %v, want spread+impact", est.Expected)
	}
}

func TestEstimateChildFallbackSpread(t *testing.T) {
	est := EstimateChild(200.0, 0, 0, 50, 50)
	if math.Abs(est.SpreadCost-0.2) > 1e-9 {
		t.Fatalf("fallback spread cost = %v, want 0.2", est.SpreadCost)
	}

	// Crossed book also falls back.
	est = EstimateChild(200.0, 201.0, 200.5, 50, 50)
	if math.Abs(est.SpreadCost-0.2) > 1e-9 {
		t.Fatalf("crossed-book spread cost = %v, want 0.2", est.SpreadCost)
	}
}

func TestEstimateChildParticipationClamped(t *testing.T) {
	est := EstimateChild(100.0, 99.9, 100.1, 1, 10000)
	if est.Participation != 0.01 {
		t.Fatalf("participation floor = %v, want 0.01", est.Participation)
	}

	est = EstimateChild(100.0, 99.9, 100.1, 100, 0)
	if est.Participation != 1.0 {
		t.Fatalf("participation with zero parent = %v, want 1.0", est.Participation)
	}
}
