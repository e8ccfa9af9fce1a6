package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/gridctl/microgrid"
)

func set(ids ...microgrid.BatteryID) microgrid.BatterySet {
	s := make(microgrid.BatterySet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// fixedClock lets the tests advance time manually.
type fixedClock struct {
	now time.Time
}

func (c *fixedClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTracker(blocking time.Duration, sink chan<- StatusUpdate) (*Tracker, *fixedClock) {
	clock := &fixedClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	tracker := NewTracker(set(11, 12, 13), blocking, 0, nil, sink)
	tracker.now = func() time.Time { return clock.now }
	return tracker, clock
}

func TestTracker_AllWorkingInitially(t *testing.T) {
	tracker, _ := newTestTracker(30*time.Second, nil)

	assert.Equal(t, set(11, 12), tracker.WorkingBatteries(set(11, 12)))
}

func TestTracker_UntrackedBatteriesExcluded(t *testing.T) {
	tracker, _ := newTestTracker(30*time.Second, nil)

	assert.Equal(t, set(11), tracker.WorkingBatteries(set(11, 99)))
}

func TestTracker_FailedBatteryBlockedThenRecovers(t *testing.T) {
	tracker, clock := newTestTracker(30*time.Second, nil)

	tracker.UpdateStatus(set(11), set(12))
	assert.Equal(t, set(11), tracker.WorkingBatteries(set(11, 12)))

	// Still blocked just before the deadline.
	clock.advance(29 * time.Second)
	assert.Equal(t, set(11), tracker.WorkingBatteries(set(11, 12)))

	// The block expires after the blocking duration.
	clock.advance(2 * time.Second)
	assert.Equal(t, set(11, 12), tracker.WorkingBatteries(set(11, 12)))
}

func TestTracker_SuccessUnblocksImmediately(t *testing.T) {
	tracker, _ := newTestTracker(time.Hour, nil)

	tracker.UpdateStatus(nil, set(12))
	assert.Equal(t, set(11), tracker.WorkingBatteries(set(11, 12)))

	tracker.UpdateStatus(set(12), nil)
	assert.Equal(t, set(11, 12), tracker.WorkingBatteries(set(11, 12)))
}

func TestTracker_RepeatedFailureExtendsBlock(t *testing.T) {
	tracker, clock := newTestTracker(30*time.Second, nil)

	tracker.UpdateStatus(nil, set(12))
	clock.advance(20 * time.Second)
	tracker.UpdateStatus(nil, set(12))

	// 35 s after the first failure the battery would have recovered, but the
	// second failure pushed the deadline out.
	clock.advance(15 * time.Second)
	assert.Equal(t, set(11), tracker.WorkingBatteries(set(11, 12)))
}

func TestTracker_PublishesTransitions(t *testing.T) {
	sink := make(chan StatusUpdate, 4)
	tracker, _ := newTestTracker(30*time.Second, sink)

	tracker.UpdateStatus(nil, set(12))
	update := <-sink
	assert.Equal(t, microgrid.BatteryID(12), update.Battery)
	assert.False(t, update.Working)

	// Repeated failure of an already blocked battery is not a transition.
	tracker.UpdateStatus(nil, set(12))
	assert.Empty(t, sink)

	tracker.UpdateStatus(set(12), nil)
	update = <-sink
	assert.True(t, update.Working)
}

func TestTracker_StopClosesSink(t *testing.T) {
	sink := make(chan StatusUpdate, 1)
	tracker, _ := newTestTracker(30*time.Second, sink)

	tracker.Stop()

	_, open := <-sink
	require.False(t, open)
}
