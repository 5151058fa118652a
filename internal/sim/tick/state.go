package tick

import (
	"fmt"
	"sort"

	"lockstep.ai/internal/sim/command"
)

type TickableState struct {
	ID                int32             `json:"id"`
	Kind              Kind              `json:"kind"`
	Ticks             int64             `json:"ticks"`
	Speed             Speed             `json:"speed"`
	RandState         uint64            `json:"rand_state"`
	Faction           int32             `json:"faction"`
	TimeToTickThrough float64           `json:"time_to_tick_through"`
	Errored           int               `json:"errored,omitempty"`
	Queue             []command.Command `json:"queue,omitempty"`
}

type SessionState struct {
	ID       int32 `json:"id"`
	Tickable int32 `json:"tickable"`
}

// State is everything the scheduler needs to resume deterministically.
type State struct {
	Timer     int32            `json:"timer"`
	Idle      bool             `json:"idle,omitempty"`
	Tickables []TickableState  `json:"tickables"`
	Sessions  []SessionState   `json:"sessions,omitempty"`
	Factions  map[int32]string `json:"factions,omitempty"`
	LastSeq   uint64           `json:"last_seq"`
	// Unrouted are commands held until their target exists.
	Unrouted []command.Command `json:"unrouted,omitempty"`
	Dropped  int               `json:"dropped,omitempty"`
}

// SaveState captures queues, generators and counters. Only built-in blocking
// sessions are saved; simulation-owned sessions are rebuilt by the simulation.
func (s *Scheduler) SaveState() State {
	st := State{
		Timer:    s.timer,
		Idle:     s.idle,
		Factions: map[int32]string{},
		Unrouted: append([]command.Command(nil), s.unrouted...),
		Dropped:  s.dropped,
	}
	for id, name := range s.factions {
		st.Factions[id] = name
	}
	for _, t := range s.Tickables() {
		st.Tickables = append(st.Tickables, TickableState{
			ID:                t.id,
			Kind:              t.kind,
			Ticks:             t.ticks,
			Speed:             t.desired,
			RandState:         t.rand.State(),
			Faction:           t.faction,
			TimeToTickThrough: t.timeToTickThrough,
			Errored:           t.errored,
			Queue:             append([]command.Command(nil), t.queue...),
		})
	}
	for _, sess := range s.sessions {
		if b, ok := sess.(blockingSession); ok {
			st.Sessions = append(st.Sessions, SessionState{ID: b.id, Tickable: b.tickable})
		}
	}
	if all := s.cmdLog.All(); len(all) > 0 {
		st.LastSeq = all[len(all)-1].Seq
	}
	return st
}

// LoadState replaces the scheduler's tickables with st. The command log
// restarts with the still-pending queue entries.
func (s *Scheduler) LoadState(st State) error {
	var world *TickableState
	for i := range st.Tickables {
		if st.Tickables[i].Kind == KindWorld {
			world = &st.Tickables[i]
		}
	}
	if world == nil {
		return fmt.Errorf("state has no world tickable")
	}
	for _, m := range append([]*Tickable(nil), s.maps...) {
		s.RemoveMap(m.id)
	}
	s.timer = st.Timer
	s.idle = st.Idle
	s.dropped = st.Dropped
	s.unrouted = append([]command.Command(nil), st.Unrouted...)
	s.sessions = nil
	s.factions = map[int32]string{}
	for id, name := range st.Factions {
		s.factions[id] = name
	}

	restore := func(t *Tickable, ts TickableState) {
		t.ticks = ts.Ticks
		t.desired = ts.Speed
		t.rand.SetState(ts.RandState)
		t.faction = ts.Faction
		t.timeToTickThrough = ts.TimeToTickThrough
		t.errored = ts.Errored
		t.queue = append([]command.Command(nil), ts.Queue...)
	}
	restore(s.world, *world)
	var pending []command.Command
	pending = append(pending, st.Unrouted...)
	pending = append(pending, world.Queue...)
	for _, ts := range st.Tickables {
		if ts.Kind != KindMap {
			continue
		}
		restore(s.AddMap(ts.ID), ts)
		pending = append(pending, ts.Queue...)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })
	s.cmdLog = command.NewLogAt(st.LastSeq + 1)
	for _, c := range pending {
		s.cmdLog.Restore(c)
	}
	for _, ss := range st.Sessions {
		s.sessions = append(s.sessions, blockingSession{id: ss.ID, tickable: ss.Tickable})
	}
	return nil
}
