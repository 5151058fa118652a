// Package demo is a small deterministic colony simulation used to exercise
// the scheduler end to end: a world with weather and population, and maps
// (regions) whose units wander and whose cells can be painted.
package demo

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"

	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/fingerprint"
	"lockstep.ai/internal/sim/simctx"
)

const (
	regionSize   = 64
	weatherKinds = 4
)

type World struct {
	Ticks      int64 `json:"ticks"`
	Population int64 `json:"population"`
	Weather    int32 `json:"weather"`
}

type Unit struct {
	ID int32 `json:"id"`
	X  int32 `json:"x"`
	Y  int32 `json:"y"`
}

type Mark struct {
	X     int32 `json:"x"`
	Y     int32 `json:"y"`
	Value int32 `json:"value"`
}

// Region is the per-map scope handed to the scheduler.
type Region struct {
	ID       int32  `json:"id"`
	Ticks    int64  `json:"ticks"`
	NextUnit int32  `json:"next_unit"`
	Units    []Unit `json:"units,omitempty"`
	Marks    []Mark `json:"marks,omitempty"`

	brush int32
}

type State struct {
	World   World     `json:"world"`
	Regions []*Region `json:"regions,omitempty"`
}

type Sim struct {
	world   World
	regions map[int32]*Region
	fp      *fingerprint.Engine
}

func New() *Sim {
	return &Sim{regions: map[int32]*Region{}}
}

// Bind gives the simulation the fingerprint engine of its scheduler, so
// background work can run unfingerprinted.
func (s *Sim) Bind(fp *fingerprint.Engine) { s.fp = fp }

func (s *Sim) World() World { return s.world }

func (s *Sim) Region(id int32) *Region { return s.regions[id] }

func (s *Sim) MapCreated(id int32) any {
	r := &Region{ID: id}
	s.regions[id] = r
	return r
}

func (s *Sim) MapRemoved(id int32) { delete(s.regions, id) }

// Idle reports an empty world: no regions and nobody settled.
func (s *Sim) Idle() bool { return len(s.regions) == 0 && s.world.Population == 0 }

func (s *Sim) Advance(f simctx.Frame) {
	if f.Tickable == command.GlobalID {
		s.advanceWorld(f)
		return
	}
	if r, ok := f.Scope.(*Region); ok {
		r.advance(f)
	}
}

func (s *Sim) advanceWorld(f simctx.Frame) {
	s.world.Ticks++
	s.weather(f)
	if s.world.Population > 0 && f.Rand.Chance(0.05) {
		s.world.Population++
	}
}

// weather is ambient noise; its draws still count toward the ledger but
// never produce fingerprints.
func (s *Sim) weather(f simctx.Frame) {
	if s.fp != nil {
		defer s.fp.Suppress()()
	}
	if f.Rand.Chance(0.1) {
		s.world.Weather = int32(f.Rand.Intn(weatherKinds))
	}
}

func (r *Region) advance(f simctx.Frame) {
	r.Ticks++
	for i := range r.Units {
		u := &r.Units[i]
		u.X = clamp(u.X + int32(f.Rand.Intn(3)-1))
		u.Y = clamp(u.Y + int32(f.Rand.Intn(3)-1))
	}
}

func (r *Region) unit(id int32) *Unit {
	for i := range r.Units {
		if r.Units[i].ID == id {
			return &r.Units[i]
		}
	}
	return nil
}

func (r *Region) paint(x, y, v int32) {
	for i := range r.Marks {
		if r.Marks[i].X == x && r.Marks[i].Y == y {
			r.Marks[i].Value = v
			return
		}
	}
	r.Marks = append(r.Marks, Mark{X: x, Y: y, Value: v})
}

func clamp(v int32) int32 {
	return max(0, min(regionSize-1, v))
}

// MarshalState encodes the world and every region, regions in id order.
func (s *Sim) MarshalState() ([]byte, error) {
	st := State{World: s.world}
	for _, r := range s.regions {
		st.Regions = append(st.Regions, r)
	}
	sort.Slice(st.Regions, func(i, j int) bool { return st.Regions[i].ID < st.Regions[j].ID })
	return json.Marshal(st)
}

// UnmarshalState replaces the simulation state. Regions the scheduler already
// created are overwritten in place so their scopes stay valid.
func (s *Sim) UnmarshalState(b []byte) error {
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("demo: decode state: %w", err)
	}
	s.world = st.World
	keep := map[int32]bool{}
	for _, r := range st.Regions {
		keep[r.ID] = true
		if cur, ok := s.regions[r.ID]; ok {
			*cur = *r
			continue
		}
		s.regions[r.ID] = r
	}
	for id := range s.regions {
		if !keep[id] {
			delete(s.regions, id)
		}
	}
	return nil
}

// Digest is a hash of the full state, for comparing peers and replays.
func (s *Sim) Digest() (uint64, error) {
	b, err := s.MarshalState()
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(b), nil
}
