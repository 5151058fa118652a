package protocol

import (
	"fmt"

	"lockstep.ai/internal/sim/command"
)

// Command layout: kind u8 · due tick i32 · faction i32 · target i32 ·
// player i32 · payload (i32 length + bytes). The log position is implied by
// arrival order and never sent.

func EncodeCommand(c command.Command) []byte {
	var w writer
	writeCommand(&w, c)
	return w.b
}

func DecodeCommand(b []byte) (command.Command, error) {
	r := &reader{b: b}
	c := readCommand(r)
	return c, r.done()
}

func writeCommand(w *writer, c command.Command) {
	w.byte(byte(c.Kind))
	w.int32(c.Tick)
	w.int32(c.Faction)
	w.int32(c.Target)
	w.int32(c.Player)
	w.bytes(c.Payload)
}

func readCommand(r *reader) command.Command {
	c := command.Command{
		Kind:    command.Kind(r.byte()),
		Tick:    r.int32(),
		Faction: r.int32(),
		Target:  r.int32(),
		Player:  r.int32(),
		Payload: r.bytes(),
	}
	if r.err == nil && !c.Kind.Valid() {
		r.fail("command kind %d", uint8(c.Kind))
	}
	return c
}

// CommandString is a compact form for logs.
func CommandString(c command.Command) string {
	return fmt.Sprintf("%s@%d target=%d faction=%d player=%d payload=%dB", c.Kind, c.Tick, c.Target, c.Faction, c.Player, len(c.Payload))
}
