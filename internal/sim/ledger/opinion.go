package ledger

import (
	"fmt"

	"lockstep.ai/internal/sim/fingerprint"
)

type State uint8

const (
	StateBuilding State = iota
	StateClosed
	StateConfirmed
	StateDesynced
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateClosed:
		return "closed"
	case StateConfirmed:
		return "confirmed"
	case StateDesynced:
		return "desynced"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

type MapStates struct {
	MapID  int32    `json:"map_id"`
	States []uint32 `json:"states"`
}

// Opinion is one peer's claim about a contiguous tick range starting at
// StartTick. Maps appear in the order they first recorded a checkpoint,
// which is the scheduler's fixed tick order.
type Opinion struct {
	StartTick     int32       `json:"start_tick"`
	CommandStates []uint32    `json:"command_states"`
	WorldStates   []uint32    `json:"world_states"`
	Maps          []MapStates `json:"maps"`
	Fingerprints  []int32     `json:"fingerprints"`
	Simulating    bool        `json:"simulating"`

	State  State               `json:"-"`
	Traces []fingerprint.Entry `json:"traces,omitempty"`
}

func (o *Opinion) Reset() {
	o.StartTick = 0
	o.CommandStates = o.CommandStates[:0]
	o.WorldStates = o.WorldStates[:0]
	for i := range o.Maps {
		o.Maps[i].States = o.Maps[i].States[:0]
	}
	o.Maps = o.Maps[:0]
	o.Fingerprints = o.Fingerprints[:0]
	o.Simulating = false
	o.State = StateBuilding
	o.Traces = o.Traces[:0]
}

func (o *Opinion) MapIDs() []int32 {
	ids := make([]int32, len(o.Maps))
	for i, m := range o.Maps {
		ids[i] = m.MapID
	}
	return ids
}

// Map returns the checkpoints recorded for mapID, or nil.
func (o *Opinion) Map(mapID int32) []uint32 {
	for _, m := range o.Maps {
		if m.MapID == mapID {
			return m.States
		}
	}
	return nil
}

func (o *Opinion) appendMap(mapID int32, v uint32) {
	for i := range o.Maps {
		if o.Maps[i].MapID == mapID {
			o.Maps[i].States = append(o.Maps[i].States, v)
			return
		}
	}
	if len(o.Maps) < cap(o.Maps) {
		// Reuse the pooled backing array of the slot.
		o.Maps = o.Maps[:len(o.Maps)+1]
		m := &o.Maps[len(o.Maps)-1]
		m.MapID = mapID
		m.States = append(m.States[:0], v)
		return
	}
	o.Maps = append(o.Maps, MapStates{MapID: mapID, States: []uint32{v}})
}

// Clone deep-copies o for retention in a report.
func (o *Opinion) Clone() *Opinion {
	c := &Opinion{
		StartTick:     o.StartTick,
		CommandStates: append([]uint32(nil), o.CommandStates...),
		WorldStates:   append([]uint32(nil), o.WorldStates...),
		Fingerprints:  append([]int32(nil), o.Fingerprints...),
		Simulating:    o.Simulating,
		State:         o.State,
		Traces:        append([]fingerprint.Entry(nil), o.Traces...),
	}
	c.Maps = make([]MapStates, len(o.Maps))
	for i, m := range o.Maps {
		c.Maps[i] = MapStates{MapID: m.MapID, States: append([]uint32(nil), m.States...)}
	}
	return c
}
