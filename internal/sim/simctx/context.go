// Package simctx holds the "currently live" simulation context: which tickable
// is executing, on behalf of which faction, drawing from which generator.
//
// A Stack is owned by the single simulation goroutine. Brackets nest, and must
// unwind in LIFO order.
package simctx

import (
	"fmt"

	"lockstep.ai/internal/sim/rng"
)

// NoTickable marks the empty frame at the bottom of every stack.
const NoTickable int32 = -2

type Frame struct {
	Tickable    int32
	Faction     int32
	FactionName string
	Rand        *rng.Rand
	DevMode     bool

	// Scope carries tickable-scoped caches for the simulation layer.
	Scope any
}

type Stack struct {
	frames []Frame
	base   Frame
}

func NewStack() *Stack {
	return &Stack{base: Frame{Tickable: NoTickable, Faction: -1}}
}

// Current returns the active frame, or the base frame when nothing is pushed.
func (s *Stack) Current() Frame {
	if n := len(s.frames); n > 0 {
		return s.frames[n-1]
	}
	return s.base
}

func (s *Stack) Depth() int { return len(s.frames) }

// Push makes f the active frame. The returned guard must be popped, usually
// with defer, on every exit path.
func (s *Stack) Push(f Frame) *Guard {
	s.frames = append(s.frames, f)
	return &Guard{s: s, depth: len(s.frames)}
}

func (s *Stack) SetFaction(id int32, name string) {
	if n := len(s.frames); n > 0 {
		s.frames[n-1].Faction = id
		s.frames[n-1].FactionName = name
	}
}

func (s *Stack) SetDevMode(on bool) {
	if n := len(s.frames); n > 0 {
		s.frames[n-1].DevMode = on
	}
}

// Guard pops exactly the frame it pushed.
type Guard struct {
	s      *Stack
	depth  int
	popped bool
}

// Pop restores the frame that was active before the matching Push. Calling
// it twice is a no-op; popping out of order panics.
func (g *Guard) Pop() {
	if g == nil || g.popped {
		return
	}
	if len(g.s.frames) != g.depth {
		panic(fmt.Sprintf("simctx: pop at depth %d, stack depth %d", g.depth, len(g.s.frames)))
	}
	g.s.frames[g.depth-1] = Frame{}
	g.s.frames = g.s.frames[:g.depth-1]
	g.popped = true
}
