package command

import "fmt"

// GlobalID is the target id of the world tickable.
const GlobalID int32 = -1

type Kind uint8

const (
	KindWorldTimeSpeed Kind = iota + 1
	KindMapTimeSpeed
	KindSync
	KindDebug
	KindDesignator
	KindCreateMap
	KindRemoveMap
	KindPauseSession

	kindCount
)

var kindNames = [kindCount]string{
	KindWorldTimeSpeed: "WORLD_TIME_SPEED",
	KindMapTimeSpeed:   "MAP_TIME_SPEED",
	KindSync:           "SYNC",
	KindDebug:          "DEBUG",
	KindDesignator:     "DESIGNATOR",
	KindCreateMap:      "CREATE_MAP",
	KindRemoveMap:      "REMOVE_MAP",
	KindPauseSession:   "PAUSE_SESSION",
}

func (k Kind) Valid() bool { return k > 0 && k < kindCount }

func (k Kind) String() string {
	if k.Valid() {
		return kindNames[k]
	}
	return fmt.Sprintf("KIND_%d", uint8(k))
}

// Command is an immutable, replicated instruction. Seq is its position in the
// log that delivered it and is not part of the wire format.
type Command struct {
	Kind    Kind   `json:"kind"`
	Tick    int32  `json:"tick"`
	Faction int32  `json:"faction"`
	Target  int32  `json:"target"`
	Player  int32  `json:"player"`
	Payload []byte `json:"payload,omitempty"`

	Seq uint64 `json:"seq"`
}

func (c Command) Global() bool { return c.Target == GlobalID }

// Before reports whether c orders strictly before o: by due tick, then by log position.
func (c Command) Before(o Command) bool {
	if c.Tick != o.Tick {
		return c.Tick < o.Tick
	}
	return c.Seq < o.Seq
}
