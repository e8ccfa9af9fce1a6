package microgrid

import (
	"math"
	"time"
)

// PowerBounds describes the admissible active power range of a device.
//
// The permissible operating range is
// [InclusionLower, ExclusionLower] ∪ {0} ∪ [ExclusionUpper, InclusionUpper];
// the open interval between the exclusion bounds is the device deadband and
// is refused by the device, except for exactly zero.
type PowerBounds struct {
	InclusionLower float64
	ExclusionLower float64
	ExclusionUpper float64
	InclusionUpper float64
}

// BatteryTelemetry is the latest reported state of a battery. Fields a device
// has not reported yet are NaN and must not be used for computation.
type BatteryTelemetry struct {
	Timestamp     time.Time
	SoC           float64 // percent, 0-100
	SoCLowerBound float64
	SoCUpperBound float64
	Capacity      float64 // Wh
	PowerBounds   PowerBounds
}

// InverterTelemetry is the latest reported state of an inverter. NaN fields
// mean "not reported yet".
type InverterTelemetry struct {
	Timestamp         time.Time
	ActivePowerBounds PowerBounds
}

// HasCrucialMetrics reports whether every metric needed for power
// distribution has been reported. SoC, its bounds, capacity and the power
// inclusion bounds are required; exclusion bounds may legitimately be NaN
// (devices without a deadband) and are treated as zero by callers.
func (b BatteryTelemetry) HasCrucialMetrics() bool {
	return !anyNaN(
		b.SoC,
		b.SoCLowerBound,
		b.SoCUpperBound,
		b.Capacity,
		b.PowerBounds.InclusionLower,
		b.PowerBounds.InclusionUpper,
	)
}

// HasCrucialMetrics reports whether the active power inclusion bounds have
// been reported.
func (i InverterTelemetry) HasCrucialMetrics() bool {
	return !anyNaN(
		i.ActivePowerBounds.InclusionLower,
		i.ActivePowerBounds.InclusionUpper,
	)
}

func anyNaN(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

// orZero maps NaN (metric never reported) to zero. Only used for exclusion
// bounds, where "unknown" and "no deadband" coincide.
func orZero(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}

// AggregatedBattery is the combined view of a set of batteries that share
// inverters and therefore must be treated as one unit by the distribution
// algorithm.
type AggregatedBattery struct {
	IDs           []BatteryID
	SoC           float64 // capacity-weighted mean
	SoCLowerBound float64 // narrowest: max of member lower bounds
	SoCUpperBound float64 // narrowest: min of member upper bounds
	Capacity      float64 // sum
	PowerBounds   PowerBounds
}

// AggregateBatteries combines per-battery telemetry into one AggregatedBattery.
// Capacities and power bounds are summed componentwise, SoC is the
// capacity-weighted mean and the SoC bounds are the narrowest over all
// members. The input must be non-empty and free of NaN crucial metrics.
func AggregateBatteries(ids []BatteryID, data []BatteryTelemetry) AggregatedBattery {
	agg := AggregatedBattery{
		IDs:           ids,
		SoCLowerBound: math.Inf(-1),
		SoCUpperBound: math.Inf(1),
	}

	var socWeighted float64
	for _, b := range data {
		agg.Capacity += b.Capacity
		socWeighted += b.SoC * b.Capacity

		agg.SoCLowerBound = math.Max(agg.SoCLowerBound, b.SoCLowerBound)
		agg.SoCUpperBound = math.Min(agg.SoCUpperBound, b.SoCUpperBound)

		agg.PowerBounds.InclusionLower += b.PowerBounds.InclusionLower
		agg.PowerBounds.InclusionUpper += b.PowerBounds.InclusionUpper
		agg.PowerBounds.ExclusionLower += orZero(b.PowerBounds.ExclusionLower)
		agg.PowerBounds.ExclusionUpper += orZero(b.PowerBounds.ExclusionUpper)
	}

	if agg.Capacity > 0 {
		agg.SoC = socWeighted / agg.Capacity
	} else {
		// Zero-capacity pools carry no charge information; use the plain mean
		// so SoC stays within range.
		for _, b := range data {
			agg.SoC += b.SoC
		}
		agg.SoC /= float64(len(data))
	}

	return agg
}

// InvBatPair is one logical distribution unit: an aggregated battery plus the
// telemetry of its adjacent inverters (at least one).
type InvBatPair struct {
	Battery   AggregatedBattery
	Inverters map[InverterID]InverterTelemetry
}

// Bounds returns the effective power bounds of the pair: the componentwise
// most restrictive of the battery bounds and the summed inverter bounds.
// Exclusion bounds take the widest deadband envelope, since a setpoint inside
// either device's deadband is refused.
func (p InvBatPair) Bounds() PowerBounds {
	var inv PowerBounds
	for _, i := range p.Inverters {
		inv.InclusionLower += i.ActivePowerBounds.InclusionLower
		inv.InclusionUpper += i.ActivePowerBounds.InclusionUpper
		inv.ExclusionLower += orZero(i.ActivePowerBounds.ExclusionLower)
		inv.ExclusionUpper += orZero(i.ActivePowerBounds.ExclusionUpper)
	}

	return PowerBounds{
		InclusionLower: math.Max(p.Battery.PowerBounds.InclusionLower, inv.InclusionLower),
		InclusionUpper: math.Min(p.Battery.PowerBounds.InclusionUpper, inv.InclusionUpper),
		ExclusionLower: math.Min(p.Battery.PowerBounds.ExclusionLower, inv.ExclusionLower),
		ExclusionUpper: math.Max(p.Battery.PowerBounds.ExclusionUpper, inv.ExclusionUpper),
	}
}

// PoolBounds computes the power bounds of a whole set of pairs: inclusion
// bounds are summed, exclusion bounds take the min/max envelope so the pool
// deadband covers every pair's deadband.
func PoolBounds(pairs []InvBatPair) PowerBounds {
	var pool PowerBounds
	for i, p := range pairs {
		b := p.Bounds()
		pool.InclusionLower += b.InclusionLower
		pool.InclusionUpper += b.InclusionUpper
		if i == 0 {
			pool.ExclusionLower = b.ExclusionLower
			pool.ExclusionUpper = b.ExclusionUpper
		} else {
			pool.ExclusionLower = math.Min(pool.ExclusionLower, b.ExclusionLower)
			pool.ExclusionUpper = math.Max(pool.ExclusionUpper, b.ExclusionUpper)
		}
	}
	return pool
}
