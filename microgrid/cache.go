package microgrid

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// peekSlot is a single-slot, non-destructive cache of the latest telemetry
// sample. A dedicated writer goroutine swaps samples in; any number of
// readers peek without blocking or consuming.
type peekSlot[T any] struct {
	latest atomic.Pointer[T]
}

func (s *peekSlot[T]) store(v T) { s.latest.Store(&v) }
func (s *peekSlot[T]) peek() *T  { return s.latest.Load() }

// DataCache subscribes to the telemetry stream of every device in the
// topology and keeps only the most recent sample per device. Reads never
// block on the stream.
type DataCache struct {
	client DeviceClient

	batteries map[BatteryID]*peekSlot[BatteryTelemetry]
	inverters map[InverterID]*peekSlot[InverterTelemetry]

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewDataCache creates a cache with one slot per battery and inverter in the
// topology. Start must be called before any data is available.
func NewDataCache(client DeviceClient, topology *Topology) *DataCache {
	c := &DataCache{
		client:    client,
		batteries: make(map[BatteryID]*peekSlot[BatteryTelemetry]),
		inverters: make(map[InverterID]*peekSlot[InverterTelemetry]),
	}
	for battery := range topology.Batteries() {
		c.batteries[battery] = &peekSlot[BatteryTelemetry]{}
		for inverter := range topology.BatteryInverters(battery) {
			if _, ok := c.inverters[inverter]; !ok {
				c.inverters[inverter] = &peekSlot[InverterTelemetry]{}
			}
		}
	}
	return c
}

// Start subscribes to every device stream and spawns one ingest goroutine
// per device. Returns the first subscription error, in which case no
// goroutines are left running.
func (c *DataCache) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for battery, slot := range c.batteries {
		stream, err := c.client.BatteryData(ctx, battery)
		if err != nil {
			cancel()
			c.wg.Wait()
			return err
		}
		c.wg.Add(1)
		go func(battery BatteryID, slot *peekSlot[BatteryTelemetry]) {
			defer c.wg.Done()
			for {
				select {
				case sample, ok := <-stream:
					if !ok {
						log.Warn().Int("battery", int(battery)).Msg("Battery telemetry stream closed")
						return
					}
					// Keep timestamps monotone per device.
					if prev := slot.peek(); prev != nil && sample.Timestamp.Before(prev.Timestamp) {
						continue
					}
					slot.store(sample)
				case <-ctx.Done():
					return
				}
			}
		}(battery, slot)
	}

	for inverter, slot := range c.inverters {
		stream, err := c.client.InverterData(ctx, inverter)
		if err != nil {
			cancel()
			c.wg.Wait()
			return err
		}
		c.wg.Add(1)
		go func(inverter InverterID, slot *peekSlot[InverterTelemetry]) {
			defer c.wg.Done()
			for {
				select {
				case sample, ok := <-stream:
					if !ok {
						log.Warn().Int("inverter", int(inverter)).Msg("Inverter telemetry stream closed")
						return
					}
					if prev := slot.peek(); prev != nil && sample.Timestamp.Before(prev.Timestamp) {
						continue
					}
					slot.store(sample)
				case <-ctx.Done():
					return
				}
			}
		}(inverter, slot)
	}

	return nil
}

// Stop cancels all ingest goroutines and waits for them to exit.
func (c *DataCache) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// HasBattery reports whether the cache tracks the given battery at all.
func (c *DataCache) HasBattery(b BatteryID) bool {
	_, ok := c.batteries[b]
	return ok
}

// PeekBattery returns the latest battery sample, or nil if none arrived yet.
func (c *DataCache) PeekBattery(b BatteryID) *BatteryTelemetry {
	slot, ok := c.batteries[b]
	if !ok {
		return nil
	}
	return slot.peek()
}

// PeekInverter returns the latest inverter sample, or nil if none arrived yet.
func (c *DataCache) PeekInverter(i InverterID) *InverterTelemetry {
	slot, ok := c.inverters[i]
	if !ok {
		return nil
	}
	return slot.peek()
}
