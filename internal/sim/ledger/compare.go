package ledger

import "fmt"

type MismatchKind uint8

const (
	MismatchMapSet MismatchKind = iota + 1
	MismatchMap
	MismatchWorld
	MismatchCommand
	MismatchFingerprint
	MismatchStart
)

func (k MismatchKind) String() string {
	switch k {
	case MismatchMapSet:
		return "map_set"
	case MismatchMap:
		return "map_states"
	case MismatchWorld:
		return "world_states"
	case MismatchCommand:
		return "command_states"
	case MismatchFingerprint:
		return "fingerprints"
	case MismatchStart:
		return "start_tick"
	}
	return fmt.Sprintf("mismatch(%d)", uint8(k))
}

// Mismatch describes the first difference between two Opinions. Local and
// Remote are -1 when one list ended before the other.
type Mismatch struct {
	Kind   MismatchKind `json:"kind"`
	MapID  int32        `json:"map_id"`
	Index  int          `json:"index"`
	Local  int64        `json:"local"`
	Remote int64        `json:"remote"`
}

func (m *Mismatch) String() string {
	switch m.Kind {
	case MismatchMapSet:
		return "map set differs"
	case MismatchStart:
		return fmt.Sprintf("first checkpoint tick: local=%d remote=%d", m.Local, m.Remote)
	case MismatchMap:
		return fmt.Sprintf("map %d checkpoint %d: local=%d remote=%d", m.MapID, m.Index, m.Local, m.Remote)
	}
	return fmt.Sprintf("%s[%d]: local=%d remote=%d", m.Kind, m.Index, m.Local, m.Remote)
}

// DivergenceIndex returns the first index at which a and b differ, counting
// a length difference as divergence at the shorter length. It returns -1 for
// equal lists.
func DivergenceIndex[T comparable](a, b []T) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	if len(a) != len(b) {
		return n
	}
	return -1
}

// Compare returns nil when the Opinions agree. The map set is compared before
// the start tick and any checkpoint value. Fingerprint lists are compared only when both sides
// collected some: a peer that joined mid-session may have none.
// TODO: decide whether one-sided empty fingerprint lists should count as a mismatch once late-join snapshots carry fingerprint state.
func Compare(local, remote *Opinion) *Mismatch {
	if DivergenceIndex(local.MapIDs(), remote.MapIDs()) >= 0 {
		return &Mismatch{Kind: MismatchMapSet, Index: -1, Local: -1, Remote: -1}
	}
	if local.StartTick != remote.StartTick {
		return &Mismatch{Kind: MismatchStart, Index: -1, Local: int64(local.StartTick), Remote: int64(remote.StartTick)}
	}
	for i, m := range local.Maps {
		if mm := diff(MismatchMap, m.States, remote.Maps[i].States); mm != nil {
			mm.MapID = m.MapID
			return mm
		}
	}
	if mm := diff(MismatchWorld, local.WorldStates, remote.WorldStates); mm != nil {
		return mm
	}
	if mm := diff(MismatchCommand, local.CommandStates, remote.CommandStates); mm != nil {
		return mm
	}
	if len(local.Fingerprints) > 0 && len(remote.Fingerprints) > 0 {
		if mm := diff(MismatchFingerprint, local.Fingerprints, remote.Fingerprints); mm != nil {
			return mm
		}
	}
	return nil
}

func diff[T uint32 | int32](kind MismatchKind, a, b []T) *Mismatch {
	i := DivergenceIndex(a, b)
	if i < 0 {
		return nil
	}
	return &Mismatch{Kind: kind, Index: i, Local: at(a, i), Remote: at(b, i)}
}

func at[T uint32 | int32](s []T, i int) int64 {
	if i < len(s) {
		return int64(s[i])
	}
	return -1
}
