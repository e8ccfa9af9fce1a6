package distribute

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/gridctl/microgrid"
)

// testPair builds a single-inverter pair with symmetric bounds.
func testPair(battery microgrid.BatteryID, inverter microgrid.InverterID, soc, capacity, boundWatts float64) microgrid.InvBatPair {
	return microgrid.InvBatPair{
		Battery: microgrid.AggregatedBattery{
			IDs:           []microgrid.BatteryID{battery},
			SoC:           soc,
			SoCLowerBound: 0,
			SoCUpperBound: 100,
			Capacity:      capacity,
			PowerBounds: microgrid.PowerBounds{
				InclusionLower: -boundWatts,
				InclusionUpper: boundWatts,
			},
		},
		Inverters: map[microgrid.InverterID]microgrid.InverterTelemetry{
			inverter: {
				ActivePowerBounds: microgrid.PowerBounds{
					InclusionLower: -boundWatts,
					InclusionUpper: boundWatts,
				},
			},
		},
	}
}

func planTotal(plan Plan) float64 {
	var total float64
	for _, w := range plan.PerInverter {
		total += w
	}
	return total
}

func TestDistribute_EqualSoCSplit(t *testing.T) {
	// Two identical batteries at 50% SoC: a 400 W charge splits evenly.
	pairs := []microgrid.InvBatPair{
		testPair(11, 101, 50, 1000, 500),
		testPair(12, 102, 50, 1000, 500),
	}

	plan, err := NewAlgorithm(1).Distribute(400, pairs)
	require.NoError(t, err)

	assert.InDelta(t, 200, plan.PerInverter[101], 1e-6)
	assert.InDelta(t, 200, plan.PerInverter[102], 1e-6)
	assert.InDelta(t, 0, plan.Remaining, 1e-6)
}

func TestDistribute_SoCWeightedSplit(t *testing.T) {
	// Headroom when charging: (100-20)*1000 = 80000 vs (100-80)*1000 = 20000,
	// so battery 11 takes 4/5 of the 600 W.
	pairs := []microgrid.InvBatPair{
		testPair(11, 101, 20, 1000, 500),
		testPair(12, 102, 80, 1000, 500),
	}

	plan, err := NewAlgorithm(1).Distribute(600, pairs)
	require.NoError(t, err)

	assert.InDelta(t, 480, plan.PerInverter[101], 1e-6)
	assert.InDelta(t, 120, plan.PerInverter[102], 1e-6)
	assert.InDelta(t, 0, plan.Remaining, 1e-6)
}

func TestDistribute_ClampAndRedistribute(t *testing.T) {
	// Equal SoCs would split 500 W as 250/250, but inverter 101 saturates at
	// 100 W; the clamped 150 W moves to inverter 102.
	pairs := []microgrid.InvBatPair{
		testPair(11, 101, 50, 1000, 100),
		testPair(12, 102, 50, 1000, 500),
	}

	plan, err := NewAlgorithm(1).Distribute(500, pairs)
	require.NoError(t, err)

	assert.InDelta(t, 100, plan.PerInverter[101], 1e-6)
	assert.InDelta(t, 400, plan.PerInverter[102], 1e-6)
	assert.InDelta(t, 0, plan.Remaining, 1e-6)
}

func TestDistribute_ExcessWhenSaturated(t *testing.T) {
	// More power than the pool can take: everything saturates and the rest
	// comes back as remaining.
	pairs := []microgrid.InvBatPair{
		testPair(11, 101, 50, 1000, 100),
		testPair(12, 102, 50, 1000, 200),
	}

	plan, err := NewAlgorithm(1).Distribute(1000, pairs)
	require.NoError(t, err)

	assert.InDelta(t, 100, plan.PerInverter[101], 1e-6)
	assert.InDelta(t, 200, plan.PerInverter[102], 1e-6)
	assert.InDelta(t, 700, plan.Remaining, 1e-6)
}

func TestDistribute_Discharging(t *testing.T) {
	// Discharge headroom: (50-0)*1000 vs (25-0)*1000, so battery 11 supplies
	// two thirds of the 300 W.
	pairs := []microgrid.InvBatPair{
		testPair(11, 101, 50, 1000, 500),
		testPair(12, 102, 25, 1000, 500),
	}

	plan, err := NewAlgorithm(1).Distribute(-300, pairs)
	require.NoError(t, err)

	assert.InDelta(t, -200, plan.PerInverter[101], 1e-6)
	assert.InDelta(t, -100, plan.PerInverter[102], 1e-6)
	assert.InDelta(t, 0, plan.Remaining, 1e-6)
}

func TestDistribute_ZeroTarget(t *testing.T) {
	pairs := []microgrid.InvBatPair{
		testPair(11, 101, 50, 1000, 500),
		testPair(12, 102, 80, 1000, 500),
	}

	plan, err := NewAlgorithm(1).Distribute(0, pairs)
	require.NoError(t, err)

	assert.Zero(t, plan.PerInverter[101])
	assert.Zero(t, plan.PerInverter[102])
	assert.Zero(t, plan.Remaining)
}

func TestDistribute_FullBatteryGetsNothing(t *testing.T) {
	// Battery 12 is at its SoC upper bound: no charge headroom, no share.
	pairs := []microgrid.InvBatPair{
		testPair(11, 101, 50, 1000, 500),
		testPair(12, 102, 100, 1000, 500),
	}

	plan, err := NewAlgorithm(1).Distribute(400, pairs)
	require.NoError(t, err)

	assert.InDelta(t, 400, plan.PerInverter[101], 1e-6)
	assert.Zero(t, plan.PerInverter[102])
}

func TestDistribute_IntraPairSplit(t *testing.T) {
	// One aggregated battery behind two inverters: the pair share divides
	// equally between them.
	pair := testPair(11, 101, 50, 1000, 600)
	pair.Inverters[102] = microgrid.InverterTelemetry{
		ActivePowerBounds: microgrid.PowerBounds{InclusionLower: -300, InclusionUpper: 300},
	}

	plan, err := NewAlgorithm(1).Distribute(400, []microgrid.InvBatPair{pair})
	require.NoError(t, err)

	assert.InDelta(t, 200, plan.PerInverter[101], 1e-6)
	assert.InDelta(t, 200, plan.PerInverter[102], 1e-6)
	assert.InDelta(t, 0, plan.Remaining, 1e-6)
}

func TestDistribute_IntraPairClipLeavesResidual(t *testing.T) {
	// Equal division would give 300 W per inverter but inverter 102 only
	// takes 100 W; the clipped residual is not redistributed.
	pair := testPair(11, 101, 50, 1000, 600)
	pair.Inverters[102] = microgrid.InverterTelemetry{
		ActivePowerBounds: microgrid.PowerBounds{InclusionLower: -100, InclusionUpper: 100},
	}

	plan, err := NewAlgorithm(1).Distribute(600, []microgrid.InvBatPair{pair})
	require.NoError(t, err)

	assert.InDelta(t, 300, plan.PerInverter[101], 1e-6)
	assert.InDelta(t, 100, plan.PerInverter[102], 1e-6)
	assert.InDelta(t, 200, plan.Remaining, 1e-6)
}

func TestDistribute_SumInvariant(t *testing.T) {
	// Σ per_inverter + remaining = target for a spread of targets.
	pairs := []microgrid.InvBatPair{
		testPair(11, 101, 20, 1000, 150),
		testPair(12, 102, 50, 2000, 400),
		testPair(13, 103, 90, 500, 100),
	}

	for _, target := range []float64{-1000, -650, -100, 0, 42, 333, 650, 2000} {
		plan, err := NewAlgorithm(1).Distribute(target, pairs)
		require.NoError(t, err)
		assert.InDelta(t, target, planTotal(plan)+plan.Remaining, 1e-6, "target %v", target)

		for inverter, watts := range plan.PerInverter {
			var bounds microgrid.PowerBounds
			for _, p := range pairs {
				if inv, ok := p.Inverters[inverter]; ok {
					bounds = inv.ActivePowerBounds
				}
			}
			assert.GreaterOrEqual(t, watts, bounds.InclusionLower, "inverter %d target %v", inverter, target)
			assert.LessOrEqual(t, watts, bounds.InclusionUpper, "inverter %d target %v", inverter, target)
		}
	}
}

func TestDistribute_Idempotent(t *testing.T) {
	pairs := []microgrid.InvBatPair{
		testPair(11, 101, 30, 1000, 500),
		testPair(12, 102, 70, 1000, 500),
	}

	first, err := NewAlgorithm(1).Distribute(450, pairs)
	require.NoError(t, err)
	second, err := NewAlgorithm(1).Distribute(450, pairs)
	require.NoError(t, err)

	assert.Equal(t, first.PerInverter, second.PerInverter)
	assert.Equal(t, first.Remaining, second.Remaining)
}

func TestDistribute_EmptyPairs(t *testing.T) {
	_, err := NewAlgorithm(1).Distribute(100, nil)
	assert.ErrorIs(t, err, ErrNoPairs)
}

func TestDistribute_NonFiniteTarget(t *testing.T) {
	pairs := []microgrid.InvBatPair{testPair(11, 101, 50, 1000, 500)}

	_, err := NewAlgorithm(1).Distribute(math.NaN(), pairs)
	assert.Error(t, err)

	_, err = NewAlgorithm(1).Distribute(math.Inf(1), pairs)
	assert.Error(t, err)
}

func TestDistribute_NaNHeadroom(t *testing.T) {
	pair := testPair(11, 101, 50, 1000, 500)
	pair.Battery.SoC = math.NaN()

	_, err := NewAlgorithm(1).Distribute(100, []microgrid.InvBatPair{pair})
	assert.Error(t, err)
}

func TestDistribute_ExponentSharpensSplit(t *testing.T) {
	// With exponent 2 the headroom ratio 4:1 becomes 16:1.
	pairs := []microgrid.InvBatPair{
		testPair(11, 101, 20, 1000, 1000),
		testPair(12, 102, 80, 1000, 1000),
	}

	plan, err := NewAlgorithm(2).Distribute(170, pairs)
	require.NoError(t, err)

	assert.InDelta(t, 160, plan.PerInverter[101], 1e-6)
	assert.InDelta(t, 10, plan.PerInverter[102], 1e-6)
}
