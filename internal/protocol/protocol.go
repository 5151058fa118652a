// Package protocol defines the binary messages peers exchange: replicated
// commands, sync opinions, desync reports and time grants. All integers are
// little-endian; arrays and byte strings carry an int32 length prefix.
package protocol

import (
	"fmt"

	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/ledger"
)

const Version = "1.0"

type Type byte

const (
	TypeHello Type = iota + 1
	TypeWelcome
	TypeCommand
	TypeOpinion
	TypeDesynced
	TypeTimeControl
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeWelcome:
		return "WELCOME"
	case TypeCommand:
		return "COMMAND"
	case TypeOpinion:
		return "OPINION"
	case TypeDesynced:
		return "DESYNCED"
	case TypeTimeControl:
		return "TIME_CONTROL"
	}
	return fmt.Sprintf("TYPE_%d", byte(t))
}

// HELLO (client -> authority)
type HelloMsg struct {
	ProtocolVersion string
	PlayerName      string
}

// WELCOME (authority -> client). Snapshot is an encoded scheduler snapshot
// the client resumes from.
type WelcomeMsg struct {
	PlayerID int32
	Snapshot []byte
}

// DESYNCED (any -> all)
type DesyncedMsg struct {
	PlayerID      int32
	LastValidTick int32
	ReportID      string
	Reason        string
}

// TIME_CONTROL (authority -> clients): simulate up to, not including, TickUntil.
type TimeControlMsg struct {
	TickUntil int32
}

// PeekType returns the message type of an envelope.
func PeekType(b []byte) (Type, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("%w: empty message", ErrMalformed)
	}
	return Type(b[0]), nil
}

func EncodeHello(m HelloMsg) []byte {
	w := writer{b: []byte{byte(TypeHello)}}
	w.string(m.ProtocolVersion)
	w.string(m.PlayerName)
	return w.b
}

func DecodeHello(b []byte) (HelloMsg, error) {
	r, err := open(b, TypeHello)
	if err != nil {
		return HelloMsg{}, err
	}
	m := HelloMsg{ProtocolVersion: r.string(), PlayerName: r.string()}
	return m, r.done()
}

func EncodeWelcome(m WelcomeMsg) []byte {
	w := writer{b: []byte{byte(TypeWelcome)}}
	w.int32(m.PlayerID)
	w.bytes(m.Snapshot)
	return w.b
}

func DecodeWelcome(b []byte) (WelcomeMsg, error) {
	r, err := open(b, TypeWelcome)
	if err != nil {
		return WelcomeMsg{}, err
	}
	m := WelcomeMsg{PlayerID: r.int32(), Snapshot: r.bytes()}
	return m, r.done()
}

func EncodeCommandMsg(c command.Command) []byte {
	w := writer{b: []byte{byte(TypeCommand)}}
	writeCommand(&w, c)
	return w.b
}

func DecodeCommandMsg(b []byte) (command.Command, error) {
	r, err := open(b, TypeCommand)
	if err != nil {
		return command.Command{}, err
	}
	c := readCommand(r)
	return c, r.done()
}

func EncodeOpinionMsg(op *ledger.Opinion) []byte {
	w := writer{b: []byte{byte(TypeOpinion)}}
	writeOpinion(&w, op)
	return w.b
}

// DecodeOpinionMsg fills op, which is usually taken from a ledger pool.
func DecodeOpinionMsg(b []byte, op *ledger.Opinion) error {
	r, err := open(b, TypeOpinion)
	if err != nil {
		return err
	}
	readOpinion(r, op)
	return r.done()
}

func EncodeDesynced(m DesyncedMsg) []byte {
	w := writer{b: []byte{byte(TypeDesynced)}}
	w.int32(m.PlayerID)
	w.int32(m.LastValidTick)
	w.string(m.ReportID)
	w.string(m.Reason)
	return w.b
}

func DecodeDesynced(b []byte) (DesyncedMsg, error) {
	r, err := open(b, TypeDesynced)
	if err != nil {
		return DesyncedMsg{}, err
	}
	m := DesyncedMsg{PlayerID: r.int32(), LastValidTick: r.int32(), ReportID: r.string(), Reason: r.string()}
	return m, r.done()
}

func EncodeTimeControl(m TimeControlMsg) []byte {
	w := writer{b: []byte{byte(TypeTimeControl)}}
	w.int32(m.TickUntil)
	return w.b
}

func DecodeTimeControl(b []byte) (TimeControlMsg, error) {
	r, err := open(b, TypeTimeControl)
	if err != nil {
		return TimeControlMsg{}, err
	}
	m := TimeControlMsg{TickUntil: r.int32()}
	return m, r.done()
}

func open(b []byte, want Type) (*reader, error) {
	got, err := PeekType(b)
	if err != nil {
		return nil, err
	}
	if got != want {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrMalformed, got, want)
	}
	return &reader{b: b, off: 1}, nil
}
