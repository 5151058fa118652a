package simctx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"lockstep.ai/internal/sim/rng"
)

func TestStack_PopRestoresAfterPanic(t *testing.T) {
	s := NewStack()
	worldRand := rng.New(1)
	outer := s.Push(Frame{Tickable: -1, Faction: 3, FactionName: "colony", Rand: worldRand})
	defer outer.Pop()

	before := s.Current()

	func() {
		defer func() { _ = recover() }()
		g := s.Push(Frame{Tickable: 7, Faction: 9, Rand: rng.New(2), DevMode: true})
		defer g.Pop()
		s.SetFaction(11, "raiders")
		panic(errors.New("boom"))
	}()

	after := s.Current()
	require.Equal(t, before.Tickable, after.Tickable)
	require.Equal(t, before.Faction, after.Faction)
	require.Same(t, worldRand, after.Rand)
	require.False(t, after.DevMode)
	require.Equal(t, 1, s.Depth())
}

func TestStack_BaseFrame(t *testing.T) {
	s := NewStack()
	require.Equal(t, NoTickable, s.Current().Tickable)
	s.SetFaction(1, "x")
	require.Equal(t, int32(-1), s.Current().Faction)
}

func TestGuard_DoublePopIsNoop(t *testing.T) {
	s := NewStack()
	g := s.Push(Frame{Tickable: 1})
	g.Pop()
	g.Pop()
	require.Equal(t, 0, s.Depth())
}

func TestGuard_OutOfOrderPopPanics(t *testing.T) {
	s := NewStack()
	a := s.Push(Frame{Tickable: 1})
	s.Push(Frame{Tickable: 2})
	require.Panics(t, a.Pop)
}
