package execution

import (
	"math/rand"
	"sync"

	"github.com/meridian-desk/trading-core/pkg/types"
)

// jitterFraction is the maximum per-slice size perturbation.
const jitterFraction = 0.15

// Planner slices a parent order into child quantities. Safe for concurrent
// use.
type Planner struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewPlanner creates a planner with the given randomness seed. Tests pass a
// fixed seed for reproducible slice schedules.
func NewPlanner(seed int64) *Planner {
	return &Planner{rng: rand.New(rand.NewSource(seed))}
}

// Plan returns the child order quantities for a request. Slices always sum to
// the parent quantity and no slice is ever zero.
//
// IMMEDIATE and IS produce a single slice. TWAP, VWAP, and POV split into
// min(MaxChildOrders, Quantity) near-equal slices, optionally jittered.
func (p *Planner) Plan(req types.ExecutionRequest) []int {
	if req.Quantity <= 0 {
		return nil
	}

	switch req.Algo {
	case types.AlgoTWAP, types.AlgoVWAP, types.AlgoPOV:
	default:
		return []int{req.Quantity}
	}

	n := req.MaxChildOrders
	if n <= 0 {
		n = 1
	}
	if n > req.Quantity {
		n = req.Quantity
	}
	if n == 1 {
		return []int{req.Quantity}
	}

	slices := make([]int, n)
	base := req.Quantity / n
	remainder := req.Quantity % n
	for i := range slices {
		slices[i] = base
		if i < remainder {
			slices[i]++
		}
	}

	if req.RandomizeSlices {
		p.jitter(slices, req.Quantity)
	}
	return slices
}

// jitter perturbs every slice but the last by up to ±jitterFraction, keeping
// each slice at least 1, then sets the last slice to the residue so the total
// is preserved.
func (p *Planner) jitter(slices []int, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	used := 0
	last := len(slices) - 1
	for i := 0; i < last; i++ {
		delta := int(float64(slices[i]) * jitterFraction * (2*p.rng.Float64() - 1))
		q := slices[i] + delta

		// Never let the remaining slices starve.
		maxQ := total - used - (len(slices) - 1 - i)
		if q > maxQ {
			q = maxQ
		}
		if q < 1 {
			q = 1
		}
		slices[i] = q
		used += q
	}
	slices[last] = total - used
	if slices[last] < 1 {
		slices[last] = 1
	}
}
