package demo

import (
	"errors"
	"fmt"

	"lockstep.ai/internal/protocol/payload"
	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/tick"
)

var (
	ErrNoRegion = errors.New("demo: command needs a map target")
	ErrNoUnit   = errors.New("demo: no such unit")
	ErrBadCount = errors.New("demo: count out of range")
)

const maxSpawn = 64

// Spawn adds Count units at random cells of a region.
type Spawn struct {
	Count int32 `json:"count"`
}

func (a *Spawn) Apply(x *tick.Exec) error {
	if a.Count <= 0 || a.Count > maxSpawn {
		return fmt.Errorf("%w: %d", ErrBadCount, a.Count)
	}
	r, err := region(x)
	if err != nil {
		return err
	}
	rnd := x.T.Rand()
	for i := int32(0); i < a.Count; i++ {
		r.NextUnit++
		r.Units = append(r.Units, Unit{
			ID: r.NextUnit,
			X:  int32(rnd.Intn(regionSize)),
			Y:  int32(rnd.Intn(regionSize)),
		})
	}
	return nil
}

// Settle seeds the world population.
type Settle struct {
	People int64 `json:"people"`
}

func (a *Settle) Apply(x *tick.Exec) error {
	if x.T.Kind() != tick.KindWorld {
		return fmt.Errorf("%w: settle targets the world", tick.ErrBadPayload)
	}
	if a.People <= 0 {
		return fmt.Errorf("%w: %d", ErrBadCount, a.People)
	}
	sim, ok := x.S.Sim().(*Sim)
	if !ok {
		return fmt.Errorf("demo: scheduler runs %T", x.S.Sim())
	}
	sim.world.Population += a.People
	return nil
}

// Nudge moves one unit by a bounded offset.
type Nudge struct {
	Unit int32 `json:"unit"`
	DX   int32 `json:"dx"`
	DY   int32 `json:"dy"`
}

func (a *Nudge) Apply(x *tick.Exec) error {
	r, err := region(x)
	if err != nil {
		return err
	}
	u := r.unit(a.Unit)
	if u == nil {
		return fmt.Errorf("%w: %d", ErrNoUnit, a.Unit)
	}
	u.X = clamp(u.X + a.DX)
	u.Y = clamp(u.Y + a.DY)
	return nil
}

type Cell struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

// Paint is a designator: one brush value applied to many cells.
type Paint struct {
	Value int32  `json:"value"`
	Cells []Cell `json:"cells"`
}

func (a *Paint) Designation(x *tick.Exec) (command.Designation, error) {
	r, err := region(x)
	if err != nil {
		return nil, err
	}
	return &painting{r: r, value: a.Value, cells: a.Cells}, nil
}

type painting struct {
	r     *Region
	value int32
	cells []Cell
}

func (p *painting) Prepare()     { p.r.brush = p.value }
func (p *painting) Restore()     { p.r.brush = 0 }
func (p *painting) Targets() int { return len(p.cells) }

func (p *painting) ApplyTo(i int) error {
	c := p.cells[i]
	if c.X < 0 || c.Y < 0 || c.X >= regionSize || c.Y >= regionSize {
		return fmt.Errorf("cell %d,%d outside region", c.X, c.Y)
	}
	p.r.paint(c.X, c.Y, p.r.brush)
	return nil
}

func region(x *tick.Exec) (*Region, error) {
	r, ok := x.Stack.Current().Scope.(*Region)
	if !ok {
		return nil, fmt.Errorf("%w: tickable %d", ErrNoRegion, x.T.ID())
	}
	return r, nil
}

// Register binds the demo payloads to their wire ids.
func Register(r *payload.Registry) {
	payload.Register[*Spawn](r, 1, "spawn", payload.JSONCodec[*Spawn]{})
	payload.Register[*Nudge](r, 2, "nudge", payload.JSONCodec[*Nudge]{})
	payload.Register[*Paint](r, 3, "paint", payload.JSONCodec[*Paint]{})
	payload.Register[*Settle](r, 4, "settle", payload.JSONCodec[*Settle]{})
}

func NewRegistry() *payload.Registry {
	r := payload.NewRegistry()
	Register(r)
	return r
}
