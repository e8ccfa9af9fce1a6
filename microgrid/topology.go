package microgrid

import (
	"maps"

	"github.com/rs/zerolog/log"
)

// BatterySet is a set of battery IDs.
type BatterySet map[BatteryID]struct{}

// InverterSet is a set of inverter IDs.
type InverterSet map[InverterID]struct{}

// Topology holds the static battery/inverter adjacency maps derived from the
// component graph. It is built once and never mutated afterwards, so it is
// safe for concurrent reads without locking.
type Topology struct {
	batInvs map[BatteryID]InverterSet
	invBats map[InverterID]BatterySet
	batBats map[BatteryID]BatterySet
	invInvs map[InverterID]InverterSet
}

// NewTopology derives the adjacency maps for the given batteries from the
// component graph. Batteries without any predecessor inverter are logged and
// skipped.
func NewTopology(graph ComponentGraph, batteries []BatteryID) *Topology {
	t := &Topology{
		batInvs: make(map[BatteryID]InverterSet),
		invBats: make(map[InverterID]BatterySet),
		batBats: make(map[BatteryID]BatterySet),
		invInvs: make(map[InverterID]InverterSet),
	}

	known := make(BatterySet, len(batteries))
	for _, b := range batteries {
		known[b] = struct{}{}
	}

	for _, battery := range batteries {
		inverters := make(InverterSet)
		for _, comp := range graph.Predecessors(int(battery)) {
			if comp.Category == CategoryInverter {
				inverters[InverterID(comp.ID)] = struct{}{}
			}
		}

		if len(inverters) == 0 {
			log.Error().Int("battery", int(battery)).Msg("No inverters for battery")
			continue
		}

		t.batInvs[battery] = inverters

		peers := make(BatterySet)
		for inverter := range inverters {
			if _, ok := t.invBats[inverter]; !ok {
				t.invBats[inverter] = make(BatterySet)
			}
			t.invBats[inverter][battery] = struct{}{}

			for _, comp := range graph.Successors(int(inverter)) {
				peer := BatteryID(comp.ID)
				if _, ok := known[peer]; ok && comp.Category == CategoryBattery {
					peers[peer] = struct{}{}
				}
			}
		}
		t.batBats[battery] = peers
	}

	// inv_invs needs the complete bat_invs map, so it is derived last.
	for _, inverters := range t.batInvs {
		for inverter := range inverters {
			if _, ok := t.invInvs[inverter]; !ok {
				t.invInvs[inverter] = make(InverterSet)
			}
			for other := range inverters {
				t.invInvs[inverter][other] = struct{}{}
			}
		}
	}

	return t
}

// Batteries returns all batteries known to the topology.
func (t *Topology) Batteries() BatterySet {
	all := make(BatterySet, len(t.batInvs))
	for b := range t.batInvs {
		all[b] = struct{}{}
	}
	return all
}

// HasBattery reports whether the battery is part of the topology.
func (t *Topology) HasBattery(b BatteryID) bool {
	_, ok := t.batInvs[b]
	return ok
}

// BatteryInverters returns the inverters feeding the given battery. The
// returned set is a copy; mutating it does not affect the topology.
func (t *Topology) BatteryInverters(b BatteryID) InverterSet {
	return maps.Clone(t.batInvs[b])
}

// InverterBatteries returns the batteries behind the given inverter. The
// returned set is a copy.
func (t *Topology) InverterBatteries(i InverterID) BatterySet {
	return maps.Clone(t.invBats[i])
}

// BatteryPeers returns the batteries sharing at least one inverter with the
// given battery, the battery itself included. The returned set is a copy.
func (t *Topology) BatteryPeers(b BatteryID) BatterySet {
	return maps.Clone(t.batBats[b])
}

// InverterPeers returns the inverters sharing at least one battery with the
// given inverter, the inverter itself included. The returned set is a copy.
func (t *Topology) InverterPeers(i InverterID) InverterSet {
	return maps.Clone(t.invInvs[i])
}

// ConnectedInverters returns the union of inverters for all given batteries.
func (t *Topology) ConnectedInverters(batteries BatterySet) InverterSet {
	all := make(InverterSet)
	for b := range batteries {
		for i := range t.batInvs[b] {
			all[i] = struct{}{}
		}
	}
	return all
}

// ConnectedBatteries returns the union of batteries for all given inverters.
func (t *Topology) ConnectedBatteries(inverters InverterSet) BatterySet {
	all := make(BatterySet)
	for i := range inverters {
		for b := range t.invBats[i] {
			all[b] = struct{}{}
		}
	}
	return all
}
