// Package health tracks which batteries are currently usable for power
// distribution. Batteries whose set-power calls fail are blocked for a fixed
// duration; batteries with stale or missing telemetry are excluded until
// fresh data arrives.
package health

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ryansname/gridctl/microgrid"
)

// StatusUpdate reports a battery transitioning between working and blocked.
type StatusUpdate struct {
	Battery   microgrid.BatteryID
	Working   bool
	Timestamp time.Time
}

// Tracker decides which batteries are healthy enough to receive power
// commands. All methods are safe for concurrent use.
type Tracker struct {
	blockingDuration time.Duration
	maxDataAge       time.Duration
	cache            *microgrid.DataCache
	statusSink       chan<- StatusUpdate

	mu           sync.Mutex
	tracked      microgrid.BatterySet
	blockedUntil map[microgrid.BatteryID]time.Time

	now func() time.Time // overridable in tests
}

// NewTracker creates a tracker for the given batteries. Failed batteries
// stay blocked for blockingDuration; batteries whose cached telemetry is
// older than maxDataAge are not considered working. statusSink may be nil;
// sends to it never block.
func NewTracker(
	batteries microgrid.BatterySet,
	blockingDuration time.Duration,
	maxDataAge time.Duration,
	cache *microgrid.DataCache,
	statusSink chan<- StatusUpdate,
) *Tracker {
	tracked := make(microgrid.BatterySet, len(batteries))
	for b := range batteries {
		tracked[b] = struct{}{}
	}
	return &Tracker{
		blockingDuration: blockingDuration,
		maxDataAge:       maxDataAge,
		cache:            cache,
		statusSink:       statusSink,
		tracked:          tracked,
		blockedUntil:     make(map[microgrid.BatteryID]time.Time),
		now:              time.Now,
	}
}

// WorkingBatteries filters the requested set down to batteries that are
// tracked, not currently blocked and have fresh telemetry.
func (t *Tracker) WorkingBatteries(requested microgrid.BatterySet) microgrid.BatterySet {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	working := make(microgrid.BatterySet)
	for b := range requested {
		if _, ok := t.tracked[b]; !ok {
			continue
		}
		if until, blocked := t.blockedUntil[b]; blocked && now.Before(until) {
			continue
		}
		if t.cache != nil {
			sample := t.cache.PeekBattery(b)
			if sample == nil {
				continue
			}
			if t.maxDataAge > 0 && now.Sub(sample.Timestamp) > t.maxDataAge {
				continue
			}
		}
		working[b] = struct{}{}
	}
	return working
}

// UpdateStatus records the outcome of a dispatch: succeeded batteries are
// unblocked immediately, failed batteries are blocked for the configured
// duration. Transitions are published to the status sink.
func (t *Tracker) UpdateStatus(succeeded, failed microgrid.BatterySet) {
	now := t.now()

	t.mu.Lock()
	var updates []StatusUpdate
	for b := range succeeded {
		if _, wasBlocked := t.blockedUntil[b]; wasBlocked {
			delete(t.blockedUntil, b)
			updates = append(updates, StatusUpdate{Battery: b, Working: true, Timestamp: now})
		}
	}
	for b := range failed {
		if _, wasBlocked := t.blockedUntil[b]; !wasBlocked {
			updates = append(updates, StatusUpdate{Battery: b, Working: false, Timestamp: now})
		}
		t.blockedUntil[b] = now.Add(t.blockingDuration)
	}
	t.mu.Unlock()

	for _, u := range updates {
		log.Info().
			Int("battery", int(u.Battery)).
			Bool("working", u.Working).
			Msg("Battery status changed")
		if t.statusSink != nil {
			select {
			case t.statusSink <- u:
			default:
				log.Debug().Int("battery", int(u.Battery)).Msg("Status sink full, dropping update")
			}
		}
	}
}

// Stop closes the status sink, if any.
func (t *Tracker) Stop() {
	if t.statusSink != nil {
		close(t.statusSink)
		t.statusSink = nil
	}
}
