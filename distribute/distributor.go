// Package distribute implements SoC-equalizing power distribution over the
// batteries of a microgrid: a pure allocation algorithm and an actor that
// consumes power requests, fans out set-power calls to the inverters and
// classifies the per-device outcomes.
package distribute

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ryansname/gridctl/health"
	"github.com/ryansname/gridctl/metrics"
	"github.com/ryansname/gridctl/microgrid"
)

// powerEpsilon is the tolerance below which a request is treated as zero.
// Zero power requests are always forwarded to the devices, even when the
// pool's exclusion bounds would otherwise reject them.
const powerEpsilon = 1e-9

// Distributor is the actor that processes power requests one at a time, in
// arrival order. For every request exactly one Result is emitted.
type Distributor struct {
	requests <-chan Request
	results  chan<- Result

	client    microgrid.DeviceClient
	topology  *microgrid.Topology
	cache     *microgrid.DataCache
	tracker   *health.Tracker
	algorithm Algorithm

	// waitForData delays the first request so the device caches can fill.
	waitForData time.Duration
}

// Config bundles the distributor's collaborators.
type Config struct {
	Requests    <-chan Request
	Results     chan<- Result
	Client      microgrid.DeviceClient
	Topology    *microgrid.Topology
	Cache       *microgrid.DataCache
	Tracker     *health.Tracker
	Exponent    float64
	WaitForData time.Duration
}

// New creates a distributor. Run must be called to start processing.
func New(cfg Config) *Distributor {
	waitForData := cfg.WaitForData
	if waitForData == 0 {
		waitForData = 2 * time.Second
	}
	return &Distributor{
		requests:    cfg.Requests,
		results:     cfg.Results,
		client:      cfg.Client,
		topology:    cfg.Topology,
		cache:       cfg.Cache,
		tracker:     cfg.Tracker,
		algorithm:   NewAlgorithm(cfg.Exponent),
		waitForData: waitForData,
	}
}

// Run starts the device caches and processes requests until ctx is done.
// The result sink is an awaited send: a slow consumer slows the distributor
// down, so it never races ahead of whoever reads the results.
func (d *Distributor) Run(ctx context.Context) error {
	if err := d.cache.Start(ctx); err != nil {
		return err
	}
	defer d.cache.Stop()
	defer d.tracker.Stop()

	log.Info().Dur("wait_for_data", d.waitForData).Msg("Power distributor started")

	// Give the freshly created subscriptions a moment to deliver first data.
	select {
	case <-time.After(d.waitForData):
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		select {
		case request, ok := <-d.requests:
			if !ok {
				log.Info().Msg("Power distributor request channel closed")
				return nil
			}
			for _, r := range d.coalesce(ctx, request) {
				d.process(ctx, r)
			}
		case <-ctx.Done():
			log.Info().Msg("Power distributor stopped")
			return ctx.Err()
		}
	}
}

// coalesce drains all requests that are already pending and resolves
// duplicates: an older request whose battery set is identical to a newer
// one's is answered with Ignored and dropped. Overlapping but unequal sets
// are unsupported cross-talk; both are processed under a warning.
func (d *Distributor) coalesce(ctx context.Context, first Request) []Request {
	batch := []Request{first}
drain:
	for {
		select {
		case r, ok := <-d.requests:
			if !ok {
				break drain
			}
			batch = append(batch, r)
		default:
			break drain
		}
	}

	if len(batch) == 1 {
		return batch
	}

	keep := batch[:0]
	for i, r := range batch {
		superseded := false
		for _, newer := range batch[i+1:] {
			if r.sameBatteries(newer) {
				superseded = true
				break
			}
		}
		if superseded {
			d.send(ctx, Ignored{Request: r})
			continue
		}
		keep = append(keep, r)
	}

	for i, r := range keep {
		for _, other := range keep[i+1:] {
			if r.overlaps(other) {
				log.Warn().
					Str("batteries", batteryList(r.Batteries)).
					Str("other", batteryList(other.Batteries)).
					Msg("Requests with overlapping battery sets, processing both")
			}
		}
	}

	return keep
}

// process handles one request end to end and emits its Result.
func (d *Distributor) process(ctx context.Context, request Request) {
	if len(request.Batteries) == 0 {
		d.send(ctx, Error{Request: request, Msg: "Empty battery IDs in the request"})
		return
	}

	for battery := range request.Batteries {
		if !d.cache.HasBattery(battery) {
			d.send(ctx, Error{
				Request: request,
				Msg:     "No battery " + batteryList(microgrid.BatterySet{battery: {}}),
			})
			return
		}
	}

	// Requests can leak onto batteries that were not asked for when the
	// requested batteries share inverters with others.
	connectedInverters := d.topology.ConnectedInverters(request.Batteries)
	impliedBatteries := d.topology.ConnectedBatteries(connectedInverters)
	if !setsEqual(impliedBatteries, request.Batteries) {
		log.Warn().
			Str("requested", batteryList(request.Batteries)).
			Str("affected", batteryList(impliedBatteries)).
			Msg("Request affects batteries outside the requested set via shared inverters")
	}

	pairs := d.snapshotPairs(request.Batteries)
	if len(pairs) == 0 {
		d.send(ctx, Error{
			Request: request,
			Msg:     "No data for at least one of the given batteries " + batteryList(request.Batteries),
		})
		return
	}

	if rejected := d.checkBounds(request, pairs); rejected != nil {
		d.send(ctx, rejected)
		return
	}

	plan, err := d.algorithm.Distribute(request.Power, pairs)
	if err != nil {
		log.Error().Err(err).Msg("Couldn't distribute power")
		d.send(ctx, Error{Request: request, Msg: "Couldn't distribute power: " + err.Error()})
		return
	}

	batteryDistribution := d.batteryDistribution(plan)
	log.Debug().
		Float64("power", request.Power-plan.Remaining).
		Str("batteries", batteryList(keys(batteryDistribution))).
		Msg("Distributing power")

	failedPower, failedBatteries := d.setDistributedPower(ctx, plan, request.Timeout)

	distributedPower := request.Power - plan.Remaining
	succeededBatteries := make(microgrid.BatterySet)
	for b := range batteryDistribution {
		if _, failed := failedBatteries[b]; !failed {
			succeededBatteries[b] = struct{}{}
		}
	}

	var response Result
	if len(failedBatteries) > 0 {
		response = PartialFailure{
			Request:            request,
			SucceededPower:     distributedPower - failedPower,
			SucceededBatteries: succeededBatteries,
			FailedPower:        failedPower,
			FailedBatteries:    failedBatteries,
			ExcessPower:        plan.Remaining,
		}
	} else {
		metrics.DistributedPower.Set(distributedPower)
		response = Success{
			Request:            request,
			SucceededPower:     distributedPower,
			SucceededBatteries: succeededBatteries,
			ExcessPower:        plan.Remaining,
		}
	}

	// Health update and result delivery run concurrently; the next request
	// is not picked up before both are done.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.tracker.UpdateStatus(succeededBatteries, failedBatteries)
	}()
	d.send(ctx, response)
	wg.Wait()
}

// snapshotPairs reads the latest telemetry for the working subset of the
// requested batteries, grouped into equivalence classes of batteries that
// share inverters. Classes with any NaN crucial metric are skipped.
func (d *Distributor) snapshotPairs(requested microgrid.BatterySet) []microgrid.InvBatPair {
	working := d.tracker.WorkingBatteries(requested)

	seen := make(map[string]struct{})
	var pairs []microgrid.InvBatPair

	for _, battery := range sortedBatteries(working) {
		class := d.topology.BatteryPeers(battery)
		ids := sortedBatteries(class)
		key := batteryList(class)
		if _, done := seen[key]; done {
			continue
		}
		seen[key] = struct{}{}

		pair, ok := d.readClass(ids)
		if !ok {
			log.Warn().
				Str("batteries", key).
				Msg("Skipping battery set because at least one of its messages isn't correct")
			continue
		}
		pairs = append(pairs, pair)
	}

	return pairs
}

// readClass assembles one InvBatPair from the caches, or reports false if
// any member has missing data or NaN crucial metrics.
func (d *Distributor) readClass(batteries []microgrid.BatteryID) (microgrid.InvBatPair, bool) {
	var batteryData []microgrid.BatteryTelemetry
	for _, b := range batteries {
		sample := d.cache.PeekBattery(b)
		if sample == nil || !sample.HasCrucialMetrics() {
			return microgrid.InvBatPair{}, false
		}
		batteryData = append(batteryData, *sample)
	}

	inverters := d.topology.BatteryInverters(batteries[0])
	inverterData := make(map[microgrid.InverterID]microgrid.InverterTelemetry, len(inverters))
	for i := range inverters {
		sample := d.cache.PeekInverter(i)
		if sample == nil || !sample.HasCrucialMetrics() {
			return microgrid.InvBatPair{}, false
		}
		inverterData[i] = *sample
	}
	if len(inverterData) == 0 {
		return microgrid.InvBatPair{}, false
	}

	return microgrid.InvBatPair{
		Battery:   microgrid.AggregateBatteries(batteries, batteryData),
		Inverters: inverterData,
	}, true
}

// checkBounds validates the request power against the pool bounds. Zero
// power is always admissible.
func (d *Distributor) checkBounds(request Request, pairs []microgrid.InvBatPair) Result {
	bounds := microgrid.PoolBounds(pairs)
	power := request.Power

	if math.Abs(power) < powerEpsilon {
		return nil
	}

	if request.AdjustPower {
		// Adjustment can only clamp towards the inclusion bounds; a power
		// inside the exclusion deadband cannot be raised out of it.
		if bounds.ExclusionLower < power && power < bounds.ExclusionUpper {
			return OutOfBounds{Request: request, Bounds: bounds}
		}
		return nil
	}

	inLowerRange := bounds.InclusionLower <= power && power <= bounds.ExclusionLower
	inUpperRange := bounds.ExclusionUpper <= power && power <= bounds.InclusionUpper
	if !inLowerRange && !inUpperRange {
		return OutOfBounds{Request: request, Bounds: bounds}
	}
	return nil
}

// batteryDistribution folds the per-inverter plan back onto the batteries
// behind each inverter. Only the key set matters for success accounting.
func (d *Distributor) batteryDistribution(plan Plan) map[microgrid.BatteryID]float64 {
	result := make(map[microgrid.BatteryID]float64)
	for inverter, watts := range plan.PerInverter {
		for battery := range d.topology.InverterBatteries(inverter) {
			result[battery] += watts
		}
	}
	return result
}

// setDistributedPower fans the plan out to the inverters, bounded by the
// request timeout, and classifies every outcome. OUT_OF_RANGE refusals are
// benign; everything else marks the affected batteries as broken.
func (d *Distributor) setDistributedPower(
	ctx context.Context,
	plan Plan,
	timeout time.Duration,
) (float64, microgrid.BatterySet) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		inverter microgrid.InverterID
		err      error
	}

	outcomes := make(chan outcome, len(plan.PerInverter))
	var wg sync.WaitGroup
	for inverter, watts := range plan.PerInverter {
		wg.Add(1)
		go func(inverter microgrid.InverterID, watts float64) {
			defer wg.Done()
			outcomes <- outcome{inverter, d.client.SetPower(callCtx, inverter, watts)}
		}(inverter, watts)
	}
	wg.Wait()
	close(outcomes)

	var failedPower float64
	failedBatteries := make(microgrid.BatterySet)

	for o := range outcomes {
		if o.err == nil {
			continue
		}

		failedPower += plan.PerInverter[o.inverter]
		batteries := d.topology.InverterBatteries(o.inverter)
		for b := range batteries {
			failedBatteries[b] = struct{}{}
		}

		var rpcErr *microgrid.RPCError
		switch {
		case errors.As(o.err, &rpcErr) && rpcErr.Code == microgrid.CodeOutOfRange:
			// The device declined the setpoint; it is not unhealthy.
			metrics.DispatchFailuresTotal.WithLabelValues("out_of_range").Inc()
			log.Debug().
				Str("batteries", batteryList(batteries)).
				Err(o.err).
				Msg("Set power failed")
		case errors.Is(o.err, context.DeadlineExceeded) || errors.Is(o.err, context.Canceled):
			metrics.DispatchFailuresTotal.WithLabelValues("timeout").Inc()
			log.Warn().
				Str("batteries", batteryList(batteries)).
				Dur("timeout", timeout).
				Msg("Battery didn't respond in time. Mark it as broken.")
		default:
			metrics.DispatchFailuresTotal.WithLabelValues("rpc_error").Inc()
			log.Warn().
				Str("batteries", batteryList(batteries)).
				Err(o.err).
				Msg("Set power failed. Mark it as broken.")
		}
	}

	return failedPower, failedBatteries
}

// send delivers a result downstream, blocking until the consumer takes it.
func (d *Distributor) send(ctx context.Context, result Result) {
	metrics.RequestsTotal.WithLabelValues(variant(result)).Inc()
	select {
	case d.results <- result:
	case <-ctx.Done():
		log.Warn().Str("result", variant(result)).Msg("Dropping result, distributor stopping")
	}
}

func setsEqual(a, b microgrid.BatterySet) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func sortedBatteries(set microgrid.BatterySet) []microgrid.BatteryID {
	ids := make([]microgrid.BatteryID, 0, len(set))
	for b := range set {
		ids = append(ids, b)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func keys(m map[microgrid.BatteryID]float64) microgrid.BatterySet {
	set := make(microgrid.BatterySet, len(m))
	for b := range m {
		set[b] = struct{}{}
	}
	return set
}
