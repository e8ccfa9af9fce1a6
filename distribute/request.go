package distribute

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ryansname/gridctl/microgrid"
)

// Request asks the distributor to set the given real power over a set of
// batteries. Positive power charges, negative discharges.
type Request struct {
	// Batteries the power should be distributed over.
	Batteries microgrid.BatterySet
	// Power is the requested total real power in watts.
	Power float64
	// Timeout bounds the whole set-power fan-out for this request.
	Timeout time.Duration
	// AdjustPower allows the distributor to clamp the request to the pool's
	// inclusion bounds instead of rejecting it. Requests inside the
	// exclusion deadband are rejected either way.
	AdjustPower bool
}

// sameBatteries reports whether two requests target the identical battery set.
func (r Request) sameBatteries(other Request) bool {
	if len(r.Batteries) != len(other.Batteries) {
		return false
	}
	for b := range r.Batteries {
		if _, ok := other.Batteries[b]; !ok {
			return false
		}
	}
	return true
}

// overlaps reports whether two requests share at least one battery.
func (r Request) overlaps(other Request) bool {
	for b := range r.Batteries {
		if _, ok := other.Batteries[b]; ok {
			return true
		}
	}
	return false
}

// batteryList renders the battery set for logs, sorted for stable output.
func batteryList(set microgrid.BatterySet) string {
	ids := make([]int, 0, len(set))
	for b := range set {
		ids = append(ids, int(b))
	}
	sort.Ints(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
