package distribute

import (
	"errors"
	"fmt"
	"math"

	"github.com/ryansname/gridctl/microgrid"
)

// Plan is the output of the distribution algorithm: a power command per
// inverter plus the part of the target that could not be placed anywhere.
type Plan struct {
	PerInverter map[microgrid.InverterID]float64
	Remaining   float64
}

// DistributedPower returns the total power the plan actually commands.
func (p Plan) DistributedPower() float64 {
	var total float64
	for _, w := range p.PerInverter {
		total += w
	}
	return total
}

// ErrNoPairs is returned when there is nothing to distribute over.
var ErrNoPairs = errors.New("no battery-inverter pairs to distribute over")

// Algorithm splits a power target across battery-inverter pairs so that
// state of charge equalizes over time: pairs with more headroom in the
// direction of flow receive proportionally more power.
type Algorithm struct {
	exponent float64
}

// NewAlgorithm creates an algorithm with the given headroom exponent. The
// exponent controls how aggressively batteries strive towards the equal SoC
// level; 1 is proportional. Invalid exponents fall back to 1.
func NewAlgorithm(exponent float64) Algorithm {
	if math.IsNaN(exponent) || exponent < 0 {
		exponent = 1
	}
	return Algorithm{exponent: exponent}
}

// Distribute splits targetWatts over the pairs. The sum of the per-inverter
// commands plus Remaining always equals targetWatts. Every command respects
// the pair's and the individual inverter's inclusion bounds.
func (a Algorithm) Distribute(targetWatts float64, pairs []microgrid.InvBatPair) (Plan, error) {
	if len(pairs) == 0 {
		return Plan{}, ErrNoPairs
	}
	if math.IsNaN(targetWatts) || math.IsInf(targetWatts, 0) {
		return Plan{}, fmt.Errorf("target power is not finite: %v", targetWatts)
	}

	charging := targetWatts >= 0
	sign := 1.0
	if !charging {
		sign = -1.0
	}

	caps := make([]float64, len(pairs))
	weights := make([]float64, len(pairs))
	for i, pair := range pairs {
		bounds := pair.Bounds()
		if charging {
			caps[i] = math.Max(0, bounds.InclusionUpper)
		} else {
			caps[i] = math.Max(0, -bounds.InclusionLower)
		}

		var headroom float64
		if charging {
			headroom = (pair.Battery.SoCUpperBound - pair.Battery.SoC) * pair.Battery.Capacity
		} else {
			headroom = (pair.Battery.SoC - pair.Battery.SoCLowerBound) * pair.Battery.Capacity
		}
		if math.IsNaN(headroom) {
			return Plan{}, fmt.Errorf("pair %d has NaN headroom, batteries %v", i, pair.Battery.IDs)
		}
		weights[i] = math.Pow(math.Max(0, headroom), a.exponent)
	}

	alloc := a.allocate(math.Abs(targetWatts), weights, caps)

	plan := Plan{PerInverter: make(map[microgrid.InverterID]float64)}
	for i, pair := range pairs {
		pairWatts := sign * alloc[i]
		share := pairWatts / float64(len(pair.Inverters))
		for id, inv := range pair.Inverters {
			var clipped float64
			if charging {
				clipped = math.Min(share, inv.ActivePowerBounds.InclusionUpper)
			} else {
				clipped = math.Max(share, inv.ActivePowerBounds.InclusionLower)
			}
			plan.PerInverter[id] = clipped
		}
	}

	plan.Remaining = targetWatts - plan.DistributedPower()
	return plan, nil
}

// allocate distributes magnitude over the pairs proportionally to their
// weights, clamping each share to its cap and redistributing the excess over
// the unsaturated pairs until either everything is placed or no capacity
// remains.
func (a Algorithm) allocate(magnitude float64, weights, caps []float64) []float64 {
	alloc := make([]float64, len(weights))
	if magnitude == 0 {
		return alloc
	}

	active := make(map[int]struct{})
	for i := range weights {
		if caps[i] > 0 && weights[i] > 0 {
			active[i] = struct{}{}
		}
	}

	left := magnitude
	for left > 1e-12 && len(active) > 0 {
		var totalWeight float64
		for i := range active {
			totalWeight += weights[i]
		}
		if totalWeight == 0 {
			break
		}

		saturated := false
		round := left
		for i := range active {
			tentative := alloc[i] + round*weights[i]/totalWeight
			if tentative >= caps[i] {
				alloc[i] = caps[i]
				delete(active, i)
				saturated = true
			} else {
				alloc[i] = tentative
			}
		}

		left = magnitude
		for i := range alloc {
			left -= alloc[i]
		}
		if !saturated {
			break
		}
	}

	return alloc
}
